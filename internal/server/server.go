// Package server assembles the mail core: storage, providers, sessions and
// the HTTP API on top of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vdavid/vmail/mailcore/internal/api"
	"github.com/vdavid/vmail/mailcore/internal/attachment"
	"github.com/vdavid/vmail/mailcore/internal/auth"
	"github.com/vdavid/vmail/mailcore/internal/config"
	"github.com/vdavid/vmail/mailcore/internal/crypto"
	"github.com/vdavid/vmail/mailcore/internal/db"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/imap"
	"github.com/vdavid/vmail/mailcore/internal/oauth"
	"github.com/vdavid/vmail/mailcore/internal/provider"
	"github.com/vdavid/vmail/mailcore/internal/session"
	"github.com/vdavid/vmail/mailcore/internal/signature"
	"github.com/vdavid/vmail/mailcore/internal/smtp"
	"github.com/vdavid/vmail/mailcore/internal/storage"
	ws "github.com/vdavid/vmail/mailcore/internal/websocket"
)

const (
	maxConnectionsPerUser = 10
	stateCleanupInterval  = time.Hour
	shutdownTimeout       = 10 * time.Second
)

// Options override parts of the production wiring. The zero value is production.
type Options struct {
	// OAuth replaces the providers built from the config.
	OAuth *oauth.Providers
	// Provider tunes the mail provider, e.g. plain TCP for local test servers.
	Provider provider.Options
}

// fileStore is where uploads live. Sending reads attachments back from it.
type fileStore interface {
	gateway.StorageGateway
	smtp.AttachmentSource
}

// Server is the assembled mail core behind its HTTP API.
type Server struct {
	Handler http.Handler
	// Mail is the provider behind the sessions.
	Mail *provider.Provider

	router   *api.Router
	sessions *session.Registry
	imap     *imap.Service
	pool     *pgxpool.Pool
	log      *logrus.Entry
}

// New wires every service of the mail core on top of the database pool.
func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *logrus.Logger, opts Options) (*Server, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	files, err := newFileStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	providers := opts.OAuth
	if providers == nil {
		providers = oauth.NewProviders(cfg.BaseURL, providerConfig(cfg.GmailClientID, cfg.GmailClientSecret),
			providerConfig(cfg.OutlookClientID, cfg.OutlookClientSecret), cfg.OutlookTenant)
	}

	imapService := imap.NewService(imap.NewPool(cfg.IMAPMaxWorkers, logger), logger)
	mail := provider.New(pool, encryptor, providers, imapService, smtp.NewSender(logger), files, opts.Provider, logger)

	hub := ws.NewHub(maxConnectionsPerUser, logger)
	limits := attachment.Config{
		MaxFileBytes: cfg.AttachmentMaxBytes,
		MaxCount:     cfg.MaxAttachments,
		ErrorTTL:     cfg.UploadErrorTTL,
	}
	sessions := session.NewRegistry(session.Deps{
		Provider:         mail,
		Storage:          files,
		Signatures:       signature.NewService(db.NewSignatureRepository(pool), files, cfg.LogoMaxBytes, logger),
		DraftAttachments: db.NewDraftAttachmentRepository(pool),
		Publisher:        hub,
		Logger:           logger,
	}, session.Config{
		PageSize:       cfg.PageSize,
		CacheSize:      cfg.MessageCacheSize,
		SearchDebounce: cfg.SearchDebounce,
		Attachments:    limits,
	})

	deps := api.Deps{
		Validator: auth.NewValidator(cfg.AuthSecret),
		Users: func(ctx context.Context, email string) (string, error) {
			return db.GetOrCreateUser(ctx, pool, email)
		},
		Sessions:       sessions,
		Hub:            hub,
		Watcher:        mail,
		Providers:      providers.Available(),
		Attachments:    limits,
		MaxLogoBytes:   cfg.LogoMaxBytes,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}
	if !cfg.UsesS3() {
		deps.UploadDir = cfg.UploadDir
		deps.PublicUploadURL = cfg.PublicUploadURL
	}
	if cfg.Environment == "test" {
		deps.Appender = mail
	}
	router := api.NewRouter(deps)

	return &Server{
		Handler:  router,
		Mail:     mail,
		router:   router,
		sessions: sessions,
		imap:     imapService,
		pool:     pool,
		log:      logger.WithField("component", "Server"),
	}, nil
}

// Run serves on address until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, address string) error {
	httpServer := &http.Server{
		Addr:              address,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.WithField("address", address).Info("mailcore server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.cleanupStates(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.router.Shutdown()
		err := httpServer.Shutdown(shutdownCtx)
		s.Close(shutdownCtx)
		return err
	})

	return g.Wait()
}

// Close ends every session and the pooled IMAP connections.
func (s *Server) Close(ctx context.Context) {
	s.sessions.CloseAll(ctx)
	s.imap.Close()
}

// cleanupStates drops abandoned account connections until ctx ends.
func (s *Server) cleanupStates(ctx context.Context) {
	ticker := time.NewTicker(stateCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.DeleteExpiredOAuthStates(ctx, s.pool)
			if err != nil {
				s.log.WithError(err).Warn("Failed to delete expired connection states")
				continue
			}
			if n > 0 {
				s.log.WithField("count", n).Debug("Deleted expired connection states")
			}
		}
	}
}

func newFileStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (fileStore, error) {
	if !cfg.UsesS3() {
		store, err := storage.NewFSStore(cfg.UploadDir, cfg.PublicUploadURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create file store: %w", err)
		}
		return store, nil
	}

	store, err := storage.NewS3Store(storage.S3Config{
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Bucket:          cfg.S3Bucket,
		UseSSL:          cfg.S3UseSSL,
		Region:          cfg.AWSRegion,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare S3 bucket: %w", err)
	}
	return store, nil
}

// providerConfig returns nil, which disables the provider, when it has no client ID.
func providerConfig(clientID, clientSecret string) *oauth.ProviderConfig {
	if clientID == "" {
		return nil
	}
	return &oauth.ProviderConfig{ClientID: clientID, ClientSecret: clientSecret}
}
