package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/vdavid/vmail/mailcore/internal/auth"
	"github.com/vdavid/vmail/mailcore/internal/config"
	"github.com/vdavid/vmail/mailcore/internal/db"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/oauth"
	"github.com/vdavid/vmail/mailcore/internal/provider"
	"github.com/vdavid/vmail/mailcore/internal/server"
	"github.com/vdavid/vmail/mailcore/internal/testutil"
)

const (
	testEmail   = "test@example.com"
	testDBPass  = "mailcore"
	testEncKey  = "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM="
	testAuthKey = "e2e-secret"
)

// seedFolders are created next to INBOX.
var seedFolders = []string{"Sent", "Drafts", "Trash", "Spam", "Archive"}

type seedMessage struct {
	messageID string
	subject   string
	from      string
	body      string
	age       time.Duration
}

// seedMessages match e2e/fixtures/test-data.ts.
var seedMessages = []seedMessage{
	{"<msg1@test>", "Welcome to mailcore", "sender@example.com", "This is a test message.", 2 * time.Hour},
	{"<msg2@test>", "Meeting Tomorrow", "colleague@example.com", "Don't forget about the meeting tomorrow at 2 PM.", time.Hour},
	{"<msg3@test>", "Special Report Q3", "reports@example.com", "Here is the Q3 report you requested.", 0},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := run(ctx, logger); err != nil {
		logger.Fatalf("Test server failed: %v", err)
	}
}

func run(ctx context.Context, logger *logrus.Logger) error {
	if err := setupTestEnvironment(); err != nil {
		return err
	}
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(logrus.DebugLevel)

	logger.Info("Starting test Postgres database...")
	pg, err := testutil.StartPostgres(context.Background(), testDBPass)
	if err != nil {
		return err
	}
	defer func() {
		if err := pg.Close(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to terminate Postgres container")
		}
	}()
	pool := pg.Pool

	imapServer, err := testutil.StartIMAPServer("127.0.0.1:1143", seedFolders...)
	if err != nil {
		return fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	defer imapServer.Close()

	// Playwright reads sent mail from the fixed port.
	smtpServer, err := testutil.StartSMTPServer("127.0.0.1:1025")
	if err != nil {
		return fmt.Errorf("failed to start test SMTP server: %w", err)
	}
	defer smtpServer.Close()

	tokens, err := startTokenServer(imapServer.Password())
	if err != nil {
		return err
	}
	defer tokens.Close()

	logger.WithFields(logrus.Fields{"imap": imapServer.Address, "smtp": smtpServer.Address, "oauth": tokens.URL}).
		Info("Test mail servers started")

	providers := oauth.NewProviders(cfg.BaseURL, &oauth.ProviderConfig{
		ClientID:     "e2e-client",
		ClientSecret: "e2e-secret",
		Endpoint:     oauth2.Endpoint{AuthURL: tokens.URL + "/auth", TokenURL: tokens.URL + "/token"},
		IMAPAddr:     imapServer.Address,
		SMTPAddr:     smtpServer.Address,
	}, nil, "")

	srv, err := server.New(ctx, cfg, pool, logger, server.Options{
		OAuth: providers,
		Provider: provider.Options{
			Insecure: true,
			SASL: func(_ models.Provider, _ string, accessToken string) sasl.Client {
				return sasl.NewPlainClient("", imapServer.Username(), accessToken)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := seedAccount(ctx, pool, srv.Mail, logger); err != nil {
		return err
	}

	token, err := auth.NewValidator(cfg.AuthSecret).IssueToken(testEmail, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to issue test token: %w", err)
	}
	logger.WithFields(logrus.Fields{"port": cfg.Port, "token": token}).
		Info("Server ready for E2E tests. Press Ctrl+C to stop.")
	return srv.Run(ctx, ":"+cfg.Port)
}

// setupTestEnvironment sets the variables config.NewConfig requires.
func setupTestEnvironment() error {
	vars := map[string]string{
		"MAILCORE_ENV":                   "test",
		"MAILCORE_ENCRYPTION_KEY_BASE64": testEncKey,
		"MAILCORE_AUTH_SECRET":           testAuthKey,
		"MAILCORE_DB_PASSWORD":           testDBPass,
		"MAILCORE_UPLOAD_DIR":            os.TempDir() + "/mailcore-e2e-uploads",
	}
	for key, value := range vars {
		if os.Getenv(key) != "" && key != "MAILCORE_ENV" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// startTokenServer answers OAuth token requests for the test account with
// accessToken, which the IMAP server takes as the password.
func startTokenServer(accessToken string) (*httptest.Server, error) {
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": testEmail}).
		SignedString([]byte("unused"))
	if err != nil {
		return nil, fmt.Errorf("failed to sign id token: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		// Consent is implied: bounce straight back with a code.
		redirect := r.URL.Query().Get("redirect_uri") + "?state=" + r.URL.Query().Get("state") + "&code=e2e"
		http.Redirect(w, r, redirect, http.StatusFound)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  accessToken,
			"refresh_token": "e2e-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      idToken,
		})
	})
	return httptest.NewServer(mux), nil
}

// seedAccount connects the test mailbox to the test user and fills its inbox.
func seedAccount(ctx context.Context, pool *pgxpool.Pool, mail *provider.Provider, logger *logrus.Logger) error {
	userID, err := db.GetOrCreateUser(ctx, pool, testEmail)
	if err != nil {
		return fmt.Errorf("failed to create test user: %w", err)
	}

	start, err := mail.BeginConnect(ctx, userID, models.ProviderGmail)
	if err != nil {
		return fmt.Errorf("failed to begin connect: %w", err)
	}
	account, err := mail.CompleteConnect(ctx, userID, start.State, "e2e")
	if err != nil {
		return fmt.Errorf("failed to connect test account: %w", err)
	}

	now := time.Now()
	for _, m := range seedMessages {
		if err := mail.AppendMessage(ctx, account.ID, "INBOX", m.raw(now)); err != nil {
			return fmt.Errorf("failed to add message %s: %w", m.messageID, err)
		}
	}

	logger.WithFields(logrus.Fields{"user": testEmail, "account_id": account.ID}).Info("Seeded test account")
	return nil
}

func (m seedMessage) raw(now time.Time) []byte {
	return fmt.Appendf(nil, "Message-ID: %s\r\n"+
		"Date: %s\r\n"+
		"From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"%s\r\n",
		m.messageID, now.Add(-m.age).Format(time.RFC1123Z), m.from, testEmail, m.subject, m.body)
}
