package imap

import (
	"time"
)

const cleanupInterval = time.Minute

// runCleanup prunes idle workers every cleanupInterval until the pool closes.
func (p *Pool) runCleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.cleanupCtx.Done():
			return
		case now := <-ticker.C:
			p.cleanupIdleConnections(now)
		}
	}
}

// cleanupIdleConnections logs out workers unused since before
// now-workerIdleTimeout and forgets accounts left with nothing.
func (p *Pool) cleanupIdleConnections(now time.Time) {
	cutoff := now.Add(-workerIdleTimeout)

	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.workerSets {
		closed, empty := set.pruneIdle(cutoff)
		if closed > 0 {
			p.log.WithField("account_id", accountID).Debugf("Closed %d idle worker connections", closed)
		}
		if empty {
			delete(p.workerSets, accountID)
		}
	}
}
