package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/attachment"
	"github.com/vdavid/vmail/mailcore/internal/auth"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/session"
	ws "github.com/vdavid/vmail/mailcore/internal/websocket"
)

// Deps holds what the HTTP layer needs.
type Deps struct {
	Validator *auth.Validator
	Users     UserResolver
	Sessions  *session.Registry
	Hub       *ws.Hub
	// Watcher reports new mail. Nil disables push refreshes.
	Watcher Watcher
	// Appender enables the /test endpoints. Only set in test environments.
	Appender Appender

	Providers    []models.Provider
	Attachments  attachment.Config
	MaxLogoBytes int64

	// UploadDir is served under PublicUploadURL when files are stored locally.
	UploadDir       string
	PublicUploadURL string

	AllowedOrigins []string
	Logger         *logrus.Logger
}

// Router is the HTTP entry point of the server.
type Router struct {
	chi.Router
	watchers *watchers
}

// Shutdown stops the new-mail watchers.
func (rt *Router) Shutdown() {
	rt.watchers.stopAll()
}

// NewRouter creates the chi router with all routes under /api/v1.
func NewRouter(deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Users == nil {
		deps.Users = func(_ context.Context, email string) (string, error) { return email, nil }
	}

	b := &base{users: deps.Users, sessions: deps.Sessions, log: deps.Logger.WithField("component", "API")}
	w := newWatchers(deps.Watcher, deps.Sessions, deps.Hub, deps.Logger)

	accounts := &AccountsHandler{base: b, watchers: w}
	authHandler := &AuthHandler{base: b, providers: deps.Providers, watchers: w}
	folders := &FoldersHandler{base: b}
	messages := &MessagesHandler{base: b}
	search := &SearchHandler{base: b}
	composeHandler := &ComposeHandler{base: b}
	attachments := &AttachmentsHandler{base: b, limits: deps.Attachments}
	signatures := &SignaturesHandler{base: b, maxLogoBytes: deps.MaxLogoBytes}
	wsHandler := &WebSocketHandler{base: b, validator: deps.Validator, hub: deps.Hub, watchers: w}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/", handleRoot)
	r.Get("/health", handleRoot)

	if deps.UploadDir != "" && deps.PublicUploadURL != "" {
		prefix := deps.PublicUploadURL + "/"
		r.Handle(prefix+"*", http.StripPrefix(prefix, http.FileServer(http.Dir(deps.UploadDir))))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket handler handles its own authentication via query parameter
		// (since browsers can't set headers on WebSocket connections).
		r.Get("/ws", wsHandler.Handle)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(deps.Validator, deps.Logger))

			r.Get("/auth/status", authHandler.GetAuthStatus)
			r.Post("/auth/logout", authHandler.Logout)

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", accounts.GetAccounts)
				r.Post("/connect", accounts.BeginConnect)
				r.Get("/connect/callback", accounts.CompleteConnect)
				r.Post("/connect/callback", accounts.CompleteConnect)
				r.Post("/{id}/select", accounts.SelectAccount)
				r.Post("/{id}/default", accounts.SetDefaultAccount)
				r.Delete("/{id}", accounts.DeleteAccount)
			})

			r.Get("/folders", folders.GetFolders)
			r.Post("/folders/select", folders.SelectFolder)

			r.Route("/messages", func(r chi.Router) {
				r.Get("/", messages.GetMessages)
				r.Post("/more", messages.LoadMore)
				r.Post("/close", messages.CloseMessage)
				r.Get("/{id}", messages.GetMessage)
				r.Post("/{id}/read", messages.MarkRead)
				r.Post("/{id}/move", messages.MoveMessage)
				r.Delete("/{id}", messages.DeleteMessage)
			})

			r.Get("/search", search.GetSearch)
			r.Post("/search", search.Search)
			r.Delete("/search", search.ClearSearch)

			r.Route("/compose", func(r chi.Router) {
				r.Get("/", composeHandler.GetCompose)
				r.Post("/", composeHandler.OpenCompose)
				r.Patch("/", composeHandler.UpdateDraft)
				r.Delete("/", composeHandler.CloseCompose)
				r.Post("/minimize", composeHandler.Minimize)
				r.Post("/restore", composeHandler.Restore)
				r.Post("/maximize", composeHandler.Maximize)
				r.Put("/signature", composeHandler.SetSignature)
				r.Post("/recipients", composeHandler.AddRecipient)
				r.Delete("/recipients", composeHandler.RemoveRecipient)
				r.Post("/recipients/input", composeHandler.RecipientInput)
				r.Post("/send", composeHandler.Send)

				r.Get("/attachments", attachments.GetAttachments)
				r.Post("/attachments", attachments.AddAttachments)
				r.Delete("/attachments/{id}", attachments.RemoveAttachment)
				r.Delete("/uploads/{id}", attachments.CancelUpload)
				r.Delete("/upload-errors/{id}", attachments.DismissError)
			})

			r.Route("/signatures", func(r chi.Router) {
				r.Get("/", signatures.GetSignatures)
				r.Post("/", signatures.CreateSignature)
				r.Get("/{id}", signatures.GetSignature)
				r.Put("/{id}", signatures.UpdateSignature)
				r.Delete("/{id}", signatures.DeleteSignature)
				r.Post("/{id}/default", signatures.SetDefaultSignature)
				r.Post("/{id}/logo", signatures.UploadLogo)
			})
		})
	})

	if deps.Appender != nil {
		testHandler := &TestHandler{base: b, appender: deps.Appender}
		r.With(auth.RequireAuth(deps.Validator, deps.Logger)).Post("/test/add-imap-message", testHandler.AddIMAPMessage)
	}

	return &Router{Router: r, watchers: w}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("mailcore API is running"))
}

// requestLogger logs one line per request through logrus.
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	log := logger.WithField("component", "HTTP")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("request")
		})
	}
}
