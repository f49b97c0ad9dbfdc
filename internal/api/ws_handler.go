package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/auth"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/session"
	ws "github.com/vdavid/vmail/mailcore/internal/websocket"
)

// Watcher blocks until ctx ends, calling onNewMail whenever the account
// receives mail.
type Watcher interface {
	Watch(ctx context.Context, accountID string, onNewMail func()) error
}

// WebSocketHandler handles the /api/v1/ws endpoint for real-time updates.
type WebSocketHandler struct {
	*base
	validator *auth.Validator
	hub       *ws.Hub
	watchers  *watchers
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server runs behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with the Hub.
// Browsers cannot set headers on WebSocket requests, so the token comes in
// ?token=, with the Authorization header as a fallback for other clients.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r)
	}
	if token == "" {
		h.log.Debug("no token provided")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	email, err := h.validator.ValidateToken(token)
	if err != nil {
		h.log.WithError(err).Debug("token validation failed")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctx := auth.WithUserEmail(r.Context(), email)
	s, ok := h.session(w, r.WithContext(ctx))
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).WithField("user_id", s.UserID).Warn("failed to upgrade connection")
		return
	}

	client := h.hub.Register(s.UserID, conn)
	if client == nil {
		return
	}
	h.log.WithField("user_id", s.UserID).Debug("WebSocket connection established")

	h.watchers.start(s.UserID, s.Accounts.Accounts())
	go h.readLoop(s.UserID, client)
}

// readLoop reads until the connection closes. The last connection of a user
// takes the account watchers down with it.
func (h *WebSocketHandler) readLoop(userID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(userID, client)
	if h.hub.ActiveConnections(userID) == 0 {
		h.watchers.stopUser(userID)
	}
}

// watchers runs one Watcher per connected account of every user with an
// open WebSocket.
type watchers struct {
	watcher  Watcher
	sessions *session.Registry
	hub      *ws.Hub
	retry    time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	running map[string]map[string]*watch // userID -> accountID -> watch
}

type watch struct {
	cancel context.CancelFunc
}

func newWatchers(watcher Watcher, sessions *session.Registry, hub *ws.Hub, logger *logrus.Logger) *watchers {
	return &watchers{
		watcher:  watcher,
		sessions: sessions,
		hub:      hub,
		retry:    30 * time.Second,
		log:      logger.WithField("component", "Watchers"),
		running:  make(map[string]map[string]*watch),
	}
}

// start watches every account that is not watched yet. It does nothing while
// the user has no open connection.
func (w *watchers) start(userID string, accounts []models.EmailAccount) {
	if w == nil || w.watcher == nil || w.hub.ActiveConnections(userID) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	byAccount, ok := w.running[userID]
	if !ok {
		byAccount = make(map[string]*watch)
		w.running[userID] = byAccount
	}
	for _, a := range accounts {
		if _, exists := byAccount[a.ID]; exists {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		wt := &watch{cancel: cancel}
		byAccount[a.ID] = wt
		go w.run(ctx, userID, a.ID, wt)
	}
}

// run keeps the watch alive until it is stopped, backing off after failures.
func (w *watchers) run(ctx context.Context, userID, accountID string, wt *watch) {
	log := w.log.WithFields(logrus.Fields{"user_id": userID, "account_id": accountID})
	onNewMail := func() {
		w.sessions.NotifyNewMail(ctx, userID, accountID)
	}

	for {
		err := w.watcher.Watch(ctx, accountID, onNewMail)
		if ctx.Err() != nil {
			break
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("watch failed, retrying")
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.retry):
			continue
		}
		break
	}

	w.mu.Lock()
	if byAccount := w.running[userID]; byAccount[accountID] == wt {
		delete(byAccount, accountID)
		if len(byAccount) == 0 {
			delete(w.running, userID)
		}
	}
	w.mu.Unlock()
}

func (w *watchers) stopAccount(userID, accountID string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if wt, ok := w.running[userID][accountID]; ok {
		wt.cancel()
		delete(w.running[userID], accountID)
	}
}

func (w *watchers) stopUser(userID string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, wt := range w.running[userID] {
		wt.cancel()
	}
	delete(w.running, userID)
}

// stopAll is called on shutdown.
func (w *watchers) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for userID, byAccount := range w.running {
		for _, wt := range byAccount {
			wt.cancel()
		}
		delete(w.running, userID)
	}
}

// count returns the number of accounts watched for userID.
func (w *watchers) count(userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running[userID])
}
