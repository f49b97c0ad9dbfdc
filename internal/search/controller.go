// Package search runs debounced full-text searches against the selected account.
package search

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/notify"
)

// DefaultDebounce is how long a query must stay unchanged before it is sent.
const DefaultDebounce = 300 * time.Millisecond

// State is what the search view shows.
type State struct {
	Query     string                `json:"query"`
	Active    bool                  `json:"active"`
	Searching bool                  `json:"searching"`
	Results   []models.EmailMessage `json:"results"`
	Error     string                `json:"error,omitempty"`
}

// Controller runs one search at a time. Each Search or Clear bumps a
// generation counter; results are applied only if their generation is still
// current, so a superseded or cleared search never shows up.
type Controller struct {
	userID   string
	provider gateway.MailProvider
	pub      notify.Publisher
	debounce time.Duration
	log      *logrus.Entry

	mu        sync.Mutex
	accountID string
	gen       uint64
	cancel    context.CancelFunc
	state     State
}

// NewController creates a search controller for userID.
func NewController(userID string, provider gateway.MailProvider, pub notify.Publisher, debounce time.Duration, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Controller{
		userID:   userID,
		provider: provider,
		pub:      pub,
		debounce: debounce,
		log:      logger.WithFields(logrus.Fields{"component": "SearchController", "user": userID}),
	}
}

// SetAccount scopes searches to accountID and clears the current one.
func (c *Controller) SetAccount(accountID string) {
	c.mu.Lock()
	c.accountID = accountID
	c.mu.Unlock()
	c.Clear()
}

// request is a search that holds the current generation.
type request struct {
	ctx       context.Context
	cancel    context.CancelFunc
	gen       uint64
	accountID string
	query     string
}

// Search waits for the debounce delay, then queries the selected account.
// It returns gateway.ErrStale if a newer Search or a Clear happened in the
// meantime. An empty query clears the results.
func (c *Controller) Search(ctx context.Context, query string) ([]models.EmailMessage, error) {
	req, err := c.begin(ctx, query)
	if err != nil || req == nil {
		return nil, err
	}
	return c.run(req)
}

// Submit starts a search without waiting for it, as for typing in the search
// box. The query supersedes earlier ones before Submit returns.
func (c *Controller) Submit(query string) error {
	req, err := c.begin(context.Background(), query)
	if err != nil || req == nil {
		return err
	}
	go func() {
		_, _ = c.run(req)
	}()
	return nil
}

// begin cancels the search in flight and claims the next generation for
// query. It returns nil for an empty query, which clears instead.
func (c *Controller) begin(ctx context.Context, query string) (*request, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		c.Clear()
		return nil, nil
	}

	c.mu.Lock()
	accountID := c.accountID
	if accountID == "" {
		c.mu.Unlock()
		return nil, gateway.NewValidationError("account", nil, "no account selected")
	}
	if c.cancel != nil {
		c.cancel()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.gen++
	req := &request{ctx: reqCtx, cancel: cancel, gen: c.gen, accountID: accountID, query: query}
	c.cancel = cancel
	c.state.Query = query
	c.state.Active = true
	c.state.Searching = true
	c.state.Error = ""
	c.mu.Unlock()
	c.publish()
	return req, nil
}

// run debounces, queries the provider and applies the results if req is
// still the current generation.
func (c *Controller) run(req *request) ([]models.EmailMessage, error) {
	defer req.cancel()

	if c.debounce > 0 {
		timer := time.NewTimer(c.debounce)
		select {
		case <-timer.C:
		case <-req.ctx.Done():
			timer.Stop()
			return nil, c.abandoned(req.gen, req.ctx.Err())
		}
	}

	results, err := c.provider.SearchMessages(req.ctx, req.accountID, req.query)

	c.mu.Lock()
	if req.gen != c.gen {
		c.mu.Unlock()
		c.log.WithField("query", req.query).Debug("Dropped stale search results")
		return nil, gateway.ErrStale
	}
	c.cancel = nil
	c.state.Searching = false
	if err != nil {
		c.state.Error = err.Error()
		c.mu.Unlock()
		c.publish()
		c.log.WithError(err).Warn("Search failed")
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	c.state.Results = slices.Clone(results)
	c.mu.Unlock()

	c.publish()
	return results, nil
}

// abandoned reports why a search stopped before reaching the provider.
func (c *Controller) abandoned(gen uint64, ctxErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return gateway.ErrStale
	}
	c.cancel = nil
	c.state.Searching = false
	return ctxErr
}

// Clear cancels any search in flight and returns to the folder view.
func (c *Controller) Clear() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	wasActive := c.state.Active
	c.state = State{}
	c.mu.Unlock()
	if wasActive {
		c.publish()
	}
}

// State returns the current search state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Results = slices.Clone(c.state.Results)
	return s
}

// Active reports whether search results replace the folder listing.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Active
}

func (c *Controller) publish() {
	c.pub.Publish(c.userID, notify.Event{Type: notify.SearchResults, Data: c.State()})
}
