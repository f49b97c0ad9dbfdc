package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Registry holds the live session of each user.
type Registry struct {
	deps Deps
	cfg  Config
	log  *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session
	starting singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps, cfg Config) *Registry {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Registry{
		deps:     deps,
		cfg:      cfg,
		log:      deps.Logger.WithField("component", "SessionRegistry"),
		sessions: make(map[string]*Session),
	}
}

// Get returns the session of userID, creating and starting it on first use.
// Concurrent first calls share one start. A session that fails to start is
// not kept.
func (r *Registry) Get(ctx context.Context, userID string) (*Session, error) {
	if s, ok := r.Lookup(userID); ok {
		return s, nil
	}

	v, err, _ := r.starting.Do(userID, func() (any, error) {
		if s, ok := r.Lookup(userID); ok {
			return s, nil
		}
		s, err := New(userID, r.deps, r.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		if err := s.Start(ctx); err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("failed to start session: %w", err)
		}
		r.mu.Lock()
		r.sessions[userID] = s
		r.mu.Unlock()
		r.log.WithField("user", userID).Info("Session started")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Lookup returns the session of userID if one is live.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Remove tears down the session of userID, as on logout.
func (r *Registry) Remove(ctx context.Context, userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if ok {
		s.Close(ctx)
		r.log.WithField("user", userID).Info("Session removed")
	}
}

// CloseAll tears down every session.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close(ctx)
	}
}

// NotifyNewMail forwards a new-mail signal to the user's session, if any.
func (r *Registry) NotifyNewMail(ctx context.Context, userID, accountID string) {
	if s, ok := r.Lookup(userID); ok {
		s.NewMail(ctx, accountID)
	}
}
