package imap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// workerIdleTimeout is the maximum time a worker connection can be idle before being closed.
	workerIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we perform a health check before reuse.
	healthCheckThreshold = 1 * time.Minute
	// DefaultMaxWorkers is the number of worker connections per account.
	DefaultMaxWorkers = 3
)

// Pool manages IMAP connections per mail account.
// Supports two types of connections:
// - Worker connections: up to maxWorkers per account for LIST, SEARCH, FETCH and STORE
// - Listener connections: 1 dedicated connection per account for IDLE
//
// Multiple goroutines can use different connections concurrently, but access to the same
// connection is serialized.
type Pool struct {
	workerSets    map[string]*workerClientSet // accountID -> worker client set
	listeners     map[string]*pooledConn      // accountID -> listener connection
	mu            sync.RWMutex
	maxWorkers    int
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	log           *logrus.Entry
	connect       func(Endpoint, Credentials) (*pooledConn, error)
}

// NewPool creates a connection pool with maxWorkers connections per account.
func NewPool(maxWorkers int, logger *logrus.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workerSets:    make(map[string]*workerClientSet),
		listeners:     make(map[string]*pooledConn),
		maxWorkers:    maxWorkers,
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
		log:           logger.WithField("component", "IMAPPool"),
	}
	p.connect = func(endpoint Endpoint, creds Credentials) (*pooledConn, error) {
		c, err := connect(endpoint, creds)
		if err != nil {
			return nil, err
		}
		return &pooledConn{client: c, lastUsed: time.Now()}, nil
	}
	go p.runCleanup()
	return p
}

// getOrCreateWorkerSet gets or creates a worker client set for an account.
func (p *Pool) getOrCreateWorkerSet(accountID string) *workerClientSet {
	p.mu.RLock()
	set, exists := p.workerSets[accountID]
	p.mu.RUnlock()

	if exists {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		return set
	}

	set = &workerClientSet{
		semaphore: make(chan struct{}, p.maxWorkers),
	}
	p.workerSets[accountID] = set
	return set
}

// getWorker returns a locked worker client for the account and a release
// function that must be called when done. It blocks while all worker slots of
// the account are in use, or until ctx is done.
func (p *Pool) getWorker(ctx context.Context, accountID string, endpoint Endpoint, creds Credentials) (*pooledConn, func(), error) {
	set := p.getOrCreateWorkerSet(accountID)

	if err := set.acquireSlot(ctx); err != nil {
		return nil, nil, err
	}
	release := func(c *pooledConn) func() {
		return func() {
			c.Unlock()
			set.releaseSlot()
		}
	}

	for {
		c := set.takeIdle()
		if c == nil {
			break
		}
		if time.Since(c.lastUsed) > healthCheckThreshold && c.client.Noop() != nil {
			p.log.WithField("account_id", accountID).Debug("dropping dead worker connection")
			set.remove(c)
			_ = c.client.Logout()
			c.Unlock()
			continue
		}
		if !c.alive() {
			set.remove(c)
			c.Unlock()
			continue
		}
		c.touch()
		return c, release(c), nil
	}

	c, err := p.connect(endpoint, creds)
	if err != nil {
		set.releaseSlot()
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.role = roleWorker
	c.Lock()
	set.addClient(c)
	return c, release(c), nil
}

// dropWorker forgets a broken worker connection. The caller still holds its lock
// and releases it as usual.
func (p *Pool) dropWorker(accountID string, c *pooledConn) {
	p.mu.RLock()
	set, exists := p.workerSets[accountID]
	p.mu.RUnlock()

	if exists {
		set.remove(c)
	}
	_ = c.client.Logout()
}

// getListener returns the account's locked listener connection, creating it when needed.
func (p *Pool) getListener(accountID string, endpoint Endpoint, creds Credentials) (*pooledConn, error) {
	p.mu.RLock()
	listener, exists := p.listeners[accountID]
	p.mu.RUnlock()

	if exists {
		listener.Lock()
		if listener.alive() {
			return listener, nil
		}
		listener.Unlock()
		p.RemoveListener(accountID)
	}

	listener, err := p.connect(endpoint, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	listener.role = roleListener

	p.mu.Lock()
	if existing, exists := p.listeners[accountID]; exists {
		p.mu.Unlock()
		_ = listener.client.Logout()
		existing.Lock()
		return existing, nil
	}
	p.listeners[accountID] = listener
	p.mu.Unlock()

	listener.Lock()
	return listener, nil
}

// RemoveListener closes the account's listener connection.
func (p *Pool) RemoveListener(accountID string) {
	p.mu.Lock()
	listener, exists := p.listeners[accountID]
	delete(p.listeners, accountID)
	p.mu.Unlock()

	if exists {
		_ = listener.client.Logout()
	}
}

// Remove closes every connection of an account, e.g. after it is disconnected.
func (p *Pool) Remove(accountID string) {
	p.mu.Lock()
	set, exists := p.workerSets[accountID]
	delete(p.workerSets, accountID)
	p.mu.Unlock()

	if exists {
		set.close(p.log)
	}
	p.RemoveListener(accountID)
}

// Close closes all connections in the pool and stops the cleanup goroutine.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	sets := p.workerSets
	listeners := p.listeners
	p.workerSets = make(map[string]*workerClientSet)
	p.listeners = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, set := range sets {
		set.close(p.log)
	}
	for accountID, listener := range listeners {
		if err := listener.client.Logout(); err != nil {
			p.log.WithError(err).WithField("account_id", accountID).Debug("failed to logout listener connection")
		}
	}
}
