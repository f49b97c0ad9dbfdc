package imap

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// workerClientSet manages the worker clients of one account.
// The semaphore caps how many are in use at once, and therefore how many exist.
type workerClientSet struct {
	clients   []*pooledConn
	semaphore chan struct{}
	mu        sync.Mutex
}

func (s *workerClientSet) acquireSlot(ctx context.Context) error {
	select {
	case s.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *workerClientSet) releaseSlot() {
	<-s.semaphore
}

// takeIdle returns a locked client that nobody is using, or nil.
func (s *workerClientSet) takeIdle() *pooledConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.TryLock() {
			return c
		}
	}
	return nil
}

func (s *workerClientSet) addClient(c *pooledConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, c)
}

func (s *workerClientSet) remove(c *pooledConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = slices.DeleteFunc(s.clients, func(x *pooledConn) bool { return x == c })
}

// close logs out every client. A client that is in use is logged out anyway;
// its holder sees the connection fail.
func (s *workerClientSet) close(log *logrus.Entry) {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()

	for _, c := range clients {
		locked := c.TryLock()
		if err := c.client.Logout(); err != nil {
			log.WithError(err).Debug("failed to logout worker client")
		}
		if locked {
			c.Unlock()
		}
	}
}

// pruneIdle logs out clients that nobody holds and that were last used
// before cutoff. empty reports that the set has no clients and no slot in use.
func (s *workerClientSet) pruneIdle(cutoff time.Time) (closed int, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients = slices.DeleteFunc(s.clients, func(c *pooledConn) bool {
		if !c.TryLock() {
			return false
		}
		defer c.Unlock()
		if !c.lastUsed.Before(cutoff) {
			return false
		}
		_ = c.client.Logout()
		closed++
		return true
	})
	return closed, len(s.clients) == 0 && len(s.semaphore) == 0
}
