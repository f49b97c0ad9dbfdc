package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vdavid/vmail/mailcore/internal/attachment"
	"github.com/vdavid/vmail/mailcore/internal/auth"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/session"
	"github.com/vdavid/vmail/mailcore/internal/signature"
	"github.com/vdavid/vmail/mailcore/internal/testutil"
	ws "github.com/vdavid/vmail/mailcore/internal/websocket"
)

const (
	testEmail  = "user@test.com"
	testSecret = "test-secret"
)

type testEnv struct {
	provider  *testutil.FakeMailProvider
	storage   *testutil.FakeStorage
	sessions  *session.Registry
	hub       *ws.Hub
	validator *auth.Validator
	watcher   *fakeWatcher
	appender  *fakeAppender
	router    *Router
	token     string
}

// newTestEnv builds the router over fakes. The user resolver maps an email
// to itself, so the user ID equals testEmail.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	p := testutil.NewFakeMailProvider()
	p.AddAccount(testEmail, models.EmailAccount{ID: "a", EmailAddress: "me@a.com", Provider: models.ProviderGmail, IsDefault: true})
	p.AddAccount(testEmail, models.EmailAccount{ID: "b", EmailAddress: "me@b.com", Provider: models.ProviderOutlook})
	for _, acc := range []string{"a", "b"} {
		p.SetFolders(acc, []models.EmailFolder{
			{ID: acc + "-archive", AccountID: acc, Type: models.FolderArchive, DisplayName: "Archive"},
			{ID: acc + "-inbox", AccountID: acc, Type: models.FolderInbox, DisplayName: "Inbox", UnreadCount: 1},
		})
		p.AddMessages(acc, acc+"-inbox", models.EmailMessage{
			ID: acc + "-m1", AccountID: acc, FolderID: acc + "-inbox", Subject: "hello " + acc,
			From: models.Recipient{Name: "Ann", Address: "ann@example.com"}, UnsafeBodyHTML: "<p>hi</p><script>x()</script>",
		})
		p.AddMessages(acc, acc+"-archive", models.EmailMessage{ID: acc + "-m2", AccountID: acc, FolderID: acc + "-archive", Subject: "old " + acc, IsRead: true})
	}

	storage := testutil.NewFakeStorage()
	hub := ws.NewHub(5, nil)
	limits := attachment.Config{MaxFileBytes: 1024, MaxCount: 3, ErrorTTL: time.Minute}
	sessions := session.NewRegistry(session.Deps{
		Provider:         p,
		Storage:          storage,
		Signatures:       signature.NewService(testutil.NewFakeSignatureRepository(), storage, 1024, nil),
		DraftAttachments: testutil.NewFakeDraftAttachmentRepository(),
		Publisher:        hub,
	}, session.Config{PageSize: 10, CacheSize: 8, Attachments: limits})

	validator := auth.NewValidator(testSecret)
	token, err := validator.IssueToken(testEmail, time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		provider:  p,
		storage:   storage,
		sessions:  sessions,
		hub:       hub,
		validator: validator,
		watcher:   newFakeWatcher(),
		appender:  &fakeAppender{},
		token:     token,
	}
	env.router = NewRouter(Deps{
		Validator:    validator,
		Sessions:     sessions,
		Hub:          hub,
		Watcher:      env.watcher,
		Appender:     env.appender,
		Providers:    []models.Provider{models.ProviderGmail},
		Attachments:  limits,
		MaxLogoBytes: 1024,
	})
	t.Cleanup(func() {
		env.router.Shutdown()
		sessions.CloseAll(context.Background())
	})
	return env
}

// do sends an authenticated request. body is JSON-encoded unless it is an io.Reader.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doWith(t, method, path, body, "")
}

func (e *testEnv) doWith(t *testing.T, method, path string, body any, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// fakeWatcher records watched accounts and lets tests fire new mail.
type fakeWatcher struct {
	mu        sync.Mutex
	callbacks map[string]func()
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{callbacks: make(map[string]func())}
}

func (w *fakeWatcher) Watch(ctx context.Context, accountID string, onNewMail func()) error {
	w.mu.Lock()
	w.callbacks[accountID] = onNewMail
	w.mu.Unlock()

	<-ctx.Done()

	w.mu.Lock()
	delete(w.callbacks, accountID)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *fakeWatcher) watching(accountID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.callbacks[accountID]
	return ok
}

func (w *fakeWatcher) fire(accountID string) {
	w.mu.Lock()
	fn := w.callbacks[accountID]
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type appended struct {
	accountID string
	folderID  string
	raw       []byte
}

type fakeAppender struct {
	mu    sync.Mutex
	calls []appended
}

func (a *fakeAppender) AppendMessage(_ context.Context, accountID, folderID string, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, appended{accountID: accountID, folderID: folderID, raw: raw})
	return nil
}
