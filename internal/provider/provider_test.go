package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/vdavid/vmail/mailcore/internal/db"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/imap"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/oauth"
	"github.com/vdavid/vmail/mailcore/internal/smtp"
	"github.com/vdavid/vmail/mailcore/internal/testutil"
)

const accountAddress = "owner@example.com"

// fakeTokenServer answers OAuth token requests. Every token it hands out
// carries the IMAP test server password as its access token.
type fakeTokenServer struct {
	*httptest.Server
	accessToken string
	requests    atomic.Int32
}

func newFakeTokenServer(t *testing.T, accessToken string) *fakeTokenServer {
	t.Helper()

	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": accountAddress}).
		SignedString([]byte("unused"))
	require.NoError(t, err)

	f := &fakeTokenServer{accessToken: accessToken}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if err := r.ParseForm(); err != nil || r.Form.Get("code") == "bad-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  f.accessToken,
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      idToken,
		})
	}))
	t.Cleanup(f.Close)
	return f
}

type testEnv struct {
	provider *Provider
	imap     *testutil.TestIMAPServer
	smtp     *testutil.TestSMTPServer
	tokens   *fakeTokenServer
	userID   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	pool := testutil.NewTestDB(t)
	imapServer := testutil.NewTestIMAPServer(t)
	t.Cleanup(imapServer.Close)
	smtpServer := testutil.NewTestSMTPServer(t)
	t.Cleanup(smtpServer.Close)
	tokens := newFakeTokenServer(t, imapServer.Password())

	providers := oauth.NewProviders("http://localhost", &oauth.ProviderConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{AuthURL: tokens.URL + "/auth", TokenURL: tokens.URL + "/token"},
		IMAPAddr:     imapServer.Address,
		SMTPAddr:     smtpServer.Address,
	}, nil, "")

	service := imap.NewService(imap.NewPool(2, nil), nil)
	t.Cleanup(service.Close)

	p := New(pool, testutil.GetTestEncryptor(t), providers, service, smtp.NewSender(nil), nil, Options{
		Insecure: true,
		SASL: func(_ models.Provider, _ string, accessToken string) sasl.Client {
			return sasl.NewPlainClient("", imapServer.Username(), accessToken)
		},
	}, nil)

	return &testEnv{
		provider: p,
		imap:     imapServer,
		smtp:     smtpServer,
		tokens:   tokens,
		userID:   testutil.CreateTestUser(t, pool, "user@example.com"),
	}
}

// connect runs the whole connect flow and returns the new account.
func (e *testEnv) connect(t *testing.T) *models.EmailAccount {
	t.Helper()
	ctx := context.Background()

	start, err := e.provider.BeginConnect(ctx, e.userID, models.ProviderGmail)
	require.NoError(t, err)

	account, err := e.provider.CompleteConnect(ctx, e.userID, start.State, "good-code")
	require.NoError(t, err)
	return account
}

func TestProvider_Connect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("begin returns an authorization URL bound to the state", func(t *testing.T) {
		start, err := env.provider.BeginConnect(ctx, env.userID, models.ProviderGmail)
		require.NoError(t, err)

		parsed, err := url.Parse(start.AuthURL)
		require.NoError(t, err)
		assert.Equal(t, start.State, parsed.Query().Get("state"))
		assert.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))
	})

	t.Run("unconfigured provider is a validation error", func(t *testing.T) {
		_, err := env.provider.BeginConnect(ctx, env.userID, models.ProviderOutlook)
		assert.True(t, gateway.IsValidation(err))
	})

	t.Run("completing stores the account as default", func(t *testing.T) {
		account := env.connect(t)
		assert.Equal(t, accountAddress, account.EmailAddress)
		assert.Equal(t, models.ProviderGmail, account.Provider)
		assert.True(t, account.IsDefault)

		accounts, err := env.provider.ListAccounts(ctx, env.userID)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, account.ID, accounts[0].ID)
	})

	t.Run("a state can be used once", func(t *testing.T) {
		start, err := env.provider.BeginConnect(ctx, env.userID, models.ProviderGmail)
		require.NoError(t, err)
		_, err = env.provider.CompleteConnect(ctx, env.userID, start.State, "good-code")
		require.NoError(t, err)

		_, err = env.provider.CompleteConnect(ctx, env.userID, start.State, "good-code")
		assert.ErrorIs(t, err, gateway.ErrNotFound)
	})

	t.Run("rejected code means auth expired", func(t *testing.T) {
		start, err := env.provider.BeginConnect(ctx, env.userID, models.ProviderGmail)
		require.NoError(t, err)

		_, err = env.provider.CompleteConnect(ctx, env.userID, start.State, "bad-code")
		assert.ErrorIs(t, err, gateway.ErrAuthExpired)
	})
}

func TestProvider_Mailbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.connect(t)

	t.Run("lists folders and stamps the sync time", func(t *testing.T) {
		folders, err := env.provider.ListFolders(ctx, account.ID)
		require.NoError(t, err)
		require.NotEmpty(t, folders)
		assert.Equal(t, models.FolderInbox, folders[0].Type)

		accounts, err := env.provider.ListAccounts(ctx, env.userID)
		require.NoError(t, err)
		require.NotNil(t, accounts[0].LastSyncedAt)
		assert.False(t, accounts[0].SyncError)
	})

	t.Run("lists, opens and marks messages", func(t *testing.T) {
		page, err := env.provider.ListMessages(ctx, gateway.MessageQuery{AccountID: account.ID, Filter: models.FilterAll})
		require.NoError(t, err)
		require.NotEmpty(t, page.Messages)

		id := page.Messages[0].ID
		msg, err := env.provider.GetMessage(ctx, account.ID, id)
		require.NoError(t, err)
		assert.Equal(t, id, msg.ID)

		require.NoError(t, env.provider.SetRead(ctx, account.ID, id, false))
		msg, err = env.provider.GetMessage(ctx, account.ID, id)
		require.NoError(t, err)
		assert.False(t, msg.IsRead)
	})

	t.Run("unknown message is not found", func(t *testing.T) {
		_, err := env.provider.GetMessage(ctx, account.ID, "INBOX:999")
		assert.ErrorIs(t, err, gateway.ErrNotFound)

		_, err = env.provider.GetMessage(ctx, account.ID, "garbage")
		assert.ErrorIs(t, err, gateway.ErrNotFound)
	})

	t.Run("unknown account is not found", func(t *testing.T) {
		_, err := env.provider.ListFolders(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, gateway.ErrNotFound)
	})

	t.Run("malformed search query is a validation error", func(t *testing.T) {
		_, err := env.provider.SearchMessages(ctx, account.ID, "after:yesterday")
		assert.True(t, gateway.IsValidation(err))
		assert.ErrorIs(t, err, imap.ErrInvalidQuery)
	})

	t.Run("sends from the account address", func(t *testing.T) {
		err := env.provider.SendMessage(ctx, &models.OutgoingMessage{
			AccountID: account.ID,
			To:        []models.Recipient{{Address: "ann@example.com"}},
			BCC:       []models.Recipient{{Address: "hidden@example.com"}},
			Subject:   "Hi",
			BodyHTML:  "<p>Hello</p>",
		})
		require.NoError(t, err)

		received := env.smtp.Messages()
		require.Len(t, received, 1)
		assert.Equal(t, accountAddress, received[0].From)
		assert.Equal(t, []string{"ann@example.com", "hidden@example.com"}, received[0].To)
		assert.NotContains(t, string(received[0].Data), "hidden@example.com")
	})

	t.Run("disconnect removes the account", func(t *testing.T) {
		require.NoError(t, env.provider.DisconnectAccount(ctx, env.userID, account.ID))

		accounts, err := env.provider.ListAccounts(ctx, env.userID)
		require.NoError(t, err)
		assert.Empty(t, accounts)

		err = env.provider.DisconnectAccount(ctx, env.userID, account.ID)
		assert.ErrorIs(t, err, gateway.ErrNotFound)
	})
}

func TestProvider_RefreshesExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.connect(t)

	expired := &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Hour),
	}
	require.NoError(t, env.provider.storeToken(ctx, account.ID, expired))
	before := env.tokens.requests.Load()

	_, err := env.provider.ListFolders(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, before+1, env.tokens.requests.Load())

	record, err := db.GetAccount(ctx, env.provider.pool, account.ID)
	require.NoError(t, err)
	stored, err := env.provider.encryptor.DecryptToken(record.EncryptedToken, account.ID)
	require.NoError(t, err)
	assert.Equal(t, env.imap.Password(), stored.AccessToken)
	assert.True(t, stored.Expiry.After(time.Now()))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want gateway.ProviderErrorKind
	}{
		{"imap auth", imap.ErrAuthFailed, gateway.KindAuthExpired},
		{"smtp auth", smtp.ErrAuthFailed, gateway.KindAuthExpired},
		{"token refresh rejected", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, gateway.KindAuthExpired},
		{"unreadable token", errUnreadableToken, gateway.KindAuthExpired},
		{"missing message", imap.ErrMessageNotFound, gateway.KindNotFound},
		{"missing folder", imap.ErrFolderNotFound, gateway.KindNotFound},
		{"missing account", db.ErrAccountNotFound, gateway.KindNotFound},
		{"rate limited", smtp.ErrRateLimited, gateway.KindRateLimited},
		{"network", &net.OpError{Op: "dial", Err: errors.New("refused")}, gateway.KindNetwork},
		{"connection dropped", io.EOF, gateway.KindNetwork},
		{"anything else", errors.New("boom"), gateway.KindProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var providerErr *gateway.ProviderError
			require.ErrorAs(t, classify("op", tt.err), &providerErr)
			assert.Equal(t, tt.want, providerErr.Kind)
			assert.Equal(t, "op", providerErr.Op)
		})
	}

	t.Run("passes through nil, cancellation and classified errors", func(t *testing.T) {
		assert.NoError(t, classify("op", nil))
		assert.Equal(t, context.Canceled, classify("op", context.Canceled))

		classified := gateway.NewProviderError("inner", gateway.KindNetwork, io.EOF)
		assert.Same(t, classified, classify("outer", classified))
	})
}
