// Package message keeps the paginated message list of the selected folder
// and loads full messages on demand.
package message

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/notify"
	"github.com/vdavid/vmail/mailcore/internal/sanitize"
)

const (
	DefaultPageSize  = 50
	DefaultCacheSize = 256
)

// UnreadCounter receives unread count changes caused by read flips, moves and deletes.
type UnreadCounter interface {
	AdjustUnread(folderID string, delta int)
}

// Page is the accumulated message list of the active folder and filter.
type Page struct {
	AccountID string                `json:"account_id"`
	FolderID  string                `json:"folder_id"`
	Filter    models.MessageFilter  `json:"filter"`
	Messages  []models.EmailMessage `json:"messages"`
	HasMore   bool                  `json:"has_more"`
	Loading   bool                  `json:"loading"`
}

// View is an opened message ready for display. The body is either
// sanitized HTML or plain text.
type View struct {
	Message *models.EmailMessage `json:"message"`
	sanitize.Body
}

// Store is the message list of one user session.
//
// Every LoadPage starts a new generation. A response is applied only if its
// generation is still current, so after rapid folder or filter switches the
// list only ever holds the latest folder's pages.
type Store struct {
	userID   string
	provider gateway.MailProvider
	pub      notify.Publisher
	counter  UnreadCounter
	pageSize int
	log      *logrus.Entry

	cache *lru.Cache[string, *models.EmailMessage]
	group singleflight.Group

	mu          sync.Mutex
	accountID   string
	folderID    string
	filter      models.MessageFilter
	messages    []models.EmailMessage
	cursor      string
	hasMore     bool
	gen         uint64
	cancel      context.CancelFunc
	loading     bool
	loadingMore bool
	openGen     uint64
	openedID    string
}

// NewStore creates a message store. counter may be nil.
func NewStore(userID string, provider gateway.MailProvider, pub notify.Publisher, counter UnreadCounter, pageSize, cacheSize int, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *models.EmailMessage](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create message cache: %w", err)
	}
	return &Store{
		userID:   userID,
		provider: provider,
		pub:      pub,
		counter:  counter,
		pageSize: pageSize,
		log:      logger.WithFields(logrus.Fields{"component": "MessageStore", "user": userID}),
		cache:    cache,
		filter:   models.FilterAll,
	}, nil
}

// LoadPage discards the current list and loads the first page of folderID
// with filter. An empty folderID means the inbox. If another LoadPage or a
// Reset happens before the response arrives, the response is dropped and
// gateway.ErrStale is returned.
func (s *Store) LoadPage(ctx context.Context, accountID, folderID string, filter models.MessageFilter) (*Page, error) {
	if filter == "" {
		filter = models.FilterAll
	}
	if !filter.Valid() {
		return nil, gateway.NewValidationError("filter", nil, "unknown filter %q", filter)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.accountID = accountID
	s.folderID = folderID
	s.filter = filter
	s.messages = nil
	s.cursor = ""
	s.hasMore = false
	s.loading = true
	s.loadingMore = false
	s.mu.Unlock()
	s.publish()

	page, err := s.provider.ListMessages(reqCtx, gateway.MessageQuery{
		AccountID: accountID,
		FolderID:  folderID,
		Filter:    filter,
		Limit:     s.pageSize,
	})

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"account_id": accountID, "folder_id": folderID}).Debug("Dropped stale page")
		return nil, gateway.ErrStale
	}
	s.loading = false
	s.cancel = nil
	if err != nil {
		s.mu.Unlock()
		s.publish()
		s.log.WithError(err).WithField("folder_id", folderID).Warn("Failed to load messages")
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	s.messages = slices.Clone(page.Messages)
	s.cursor = page.NextCursor
	s.hasMore = page.HasMore
	s.mu.Unlock()

	s.publish()
	return s.Page(), nil
}

// SetFilter reloads the current folder with another filter.
func (s *Store) SetFilter(ctx context.Context, filter models.MessageFilter) (*Page, error) {
	s.mu.Lock()
	accountID, folderID := s.accountID, s.folderID
	s.mu.Unlock()
	return s.LoadPage(ctx, accountID, folderID, filter)
}

// LoadMore appends the next page. It is a no-op when there is nothing more
// or a page is already being loaded.
func (s *Store) LoadMore(ctx context.Context) (*Page, error) {
	s.mu.Lock()
	if !s.hasMore || s.loading || s.loadingMore {
		s.mu.Unlock()
		return s.Page(), nil
	}
	gen := s.gen
	query := gateway.MessageQuery{
		AccountID: s.accountID,
		FolderID:  s.folderID,
		Filter:    s.filter,
		Cursor:    s.cursor,
		Limit:     s.pageSize,
	}
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	s.loadingMore = true
	s.mu.Unlock()
	s.publish()

	page, err := s.provider.ListMessages(reqCtx, query)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.WithField("folder_id", query.FolderID).Debug("Dropped stale page")
		return nil, gateway.ErrStale
	}
	s.loadingMore = false
	s.cancel = nil
	if err != nil {
		s.mu.Unlock()
		s.publish()
		s.log.WithError(err).WithField("folder_id", query.FolderID).Warn("Failed to load more messages")
		return nil, fmt.Errorf("failed to load more messages: %w", err)
	}
	for _, m := range page.Messages {
		// A message may shift into the next page when new mail arrives.
		if !slices.ContainsFunc(s.messages, func(e models.EmailMessage) bool { return e.ID == m.ID }) {
			s.messages = append(s.messages, m)
		}
	}
	s.cursor = page.NextCursor
	s.hasMore = page.HasMore
	s.mu.Unlock()

	s.publish()
	return s.Page(), nil
}

// Reload loads the first page of the current folder and filter again.
func (s *Store) Reload(ctx context.Context) (*Page, error) {
	s.mu.Lock()
	accountID, folderID, filter := s.accountID, s.folderID, s.filter
	s.mu.Unlock()
	if accountID == "" {
		return s.Page(), nil
	}
	return s.LoadPage(ctx, accountID, folderID, filter)
}

// Reset empties the list and drops any request in flight.
func (s *Store) Reset() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.openGen++
	s.accountID = ""
	s.folderID = ""
	s.filter = models.FilterAll
	s.messages = nil
	s.cursor = ""
	s.hasMore = false
	s.loading = false
	s.loadingMore = false
	s.openedID = ""
	s.mu.Unlock()
	s.publish()
}

// Page returns the current list.
func (s *Store) Page() *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Page{
		AccountID: s.accountID,
		FolderID:  s.folderID,
		Filter:    s.filter,
		Messages:  slices.Clone(s.messages),
		HasMore:   s.hasMore,
		Loading:   s.loading || s.loadingMore,
	}
}

// OpenedID returns the ID of the open message, if any.
func (s *Store) OpenedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openedID
}

// Open loads the full message and marks it as read. The list payload never
// carries full bodies, so the message is fetched unless it is cached.
// Concurrent opens of the same message share one fetch.
func (s *Store) Open(ctx context.Context, messageID string) (*View, error) {
	s.mu.Lock()
	s.openGen++
	gen := s.openGen
	accountID := s.accountID
	s.openedID = messageID
	s.mu.Unlock()

	msg, err := s.fetch(ctx, accountID, messageID)

	s.mu.Lock()
	if gen != s.openGen {
		s.mu.Unlock()
		return nil, gateway.ErrStale
	}
	if err != nil {
		s.openedID = ""
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if !msg.IsRead {
		if err := s.MarkRead(ctx, messageID, true); err != nil {
			s.log.WithError(err).WithField("message_id", messageID).Warn("Failed to mark opened message as read")
		} else {
			read := *msg
			read.IsRead = true
			msg = &read
		}
	}

	view := &View{Message: msg, Body: sanitize.MessageBody(msg)}
	s.pub.Publish(s.userID, notify.Event{Type: notify.MessageOpened, Data: view})
	return view, nil
}

// Close forgets the open message.
func (s *Store) Close() {
	s.mu.Lock()
	s.openGen++
	s.openedID = ""
	s.mu.Unlock()
}

// Get loads a full message of the current account without opening it or
// touching its read flag. Reply and forward use it.
func (s *Store) Get(ctx context.Context, messageID string) (*models.EmailMessage, error) {
	s.mu.Lock()
	accountID := s.accountID
	s.mu.Unlock()
	return s.fetch(ctx, accountID, messageID)
}

func (s *Store) fetch(ctx context.Context, accountID, messageID string) (*models.EmailMessage, error) {
	key := accountID + "/" + messageID
	if msg, ok := s.cache.Get(key); ok {
		return msg, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		msg, err := s.provider.GetMessage(ctx, accountID, messageID)
		if err != nil {
			return nil, err
		}
		s.cache.Add(key, msg)
		return msg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	return v.(*models.EmailMessage), nil
}

// MarkRead sets the read flag. The change is applied to the list, the cache
// and the folder's unread count first and rolled back if the provider
// rejects it.
func (s *Store) MarkRead(ctx context.Context, messageID string, read bool) error {
	accountID, folderID, previous, known := s.flipRead(messageID, read)
	if known && previous == read {
		return nil
	}
	if known {
		s.adjustUnread(folderID, readDelta(read))
		s.publish()
	}

	if err := s.provider.SetRead(ctx, accountID, messageID, read); err != nil {
		if known {
			s.flipRead(messageID, previous)
			s.adjustUnread(folderID, -readDelta(read))
			s.publish()
		}
		s.log.WithError(err).WithField("message_id", messageID).Warn("Rolled back read flag")
		return fmt.Errorf("failed to mark message as read=%t: %w", read, err)
	}
	return nil
}

// flipRead sets the flag locally and returns what it was. known is false
// when the message is neither listed nor cached.
func (s *Store) flipRead(messageID string, read bool) (accountID, folderID string, previous, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accountID = s.accountID
	if idx := s.indexLocked(messageID); idx >= 0 {
		m := &s.messages[idx]
		previous, folderID, known = m.IsRead, m.FolderID, true
		m.IsRead = read
	}
	if cached, ok := s.cache.Get(accountID + "/" + messageID); ok {
		if !known {
			previous, folderID, known = cached.IsRead, cached.FolderID, true
		}
		updated := *cached
		updated.IsRead = read
		s.cache.Add(accountID+"/"+messageID, &updated)
	}
	return accountID, folderID, previous, known
}

// Move transfers a message to another folder. It leaves the list at once
// and is put back at its old position if the provider fails.
func (s *Store) Move(ctx context.Context, messageID, folderID string) error {
	return s.removeOptimistically(messageID, folderID, func(accountID string) error {
		_, err := s.provider.MoveMessage(ctx, accountID, messageID, folderID)
		return err
	})
}

// Delete removes a message, with the same rollback as Move.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	return s.removeOptimistically(messageID, "", func(accountID string) error {
		return s.provider.DeleteMessage(ctx, accountID, messageID)
	})
}

func (s *Store) removeOptimistically(messageID, destFolderID string, call func(accountID string) error) error {
	s.mu.Lock()
	gen := s.gen
	accountID := s.accountID
	idx := s.indexLocked(messageID)
	var removed models.EmailMessage
	if idx >= 0 {
		removed = s.messages[idx]
		s.messages = slices.Delete(s.messages, idx, idx+1)
	}
	if s.openedID == messageID {
		s.openedID = ""
	}
	s.mu.Unlock()

	unread := idx >= 0 && !removed.IsRead
	if unread {
		s.adjustUnread(removed.FolderID, -1)
		if destFolderID != "" {
			s.adjustUnread(destFolderID, 1)
		}
	}
	if idx >= 0 {
		s.publish()
	}

	if err := call(accountID); err != nil {
		if idx >= 0 {
			s.mu.Lock()
			// The list may belong to another folder by now.
			if gen == s.gen && s.indexLocked(messageID) < 0 {
				s.messages = slices.Insert(s.messages, min(idx, len(s.messages)), removed)
			}
			s.mu.Unlock()
			if unread {
				s.adjustUnread(removed.FolderID, 1)
				if destFolderID != "" {
					s.adjustUnread(destFolderID, -1)
				}
			}
			s.publish()
		}
		s.log.WithError(err).WithField("message_id", messageID).Warn("Rolled back message removal")
		if errors.Is(err, gateway.ErrNotFound) {
			return fmt.Errorf("message %s: %w", messageID, err)
		}
		return fmt.Errorf("failed to update message %s: %w", messageID, err)
	}

	s.cache.Remove(accountID + "/" + messageID)
	return nil
}

func (s *Store) indexLocked(messageID string) int {
	return slices.IndexFunc(s.messages, func(m models.EmailMessage) bool { return m.ID == messageID })
}

func (s *Store) adjustUnread(folderID string, delta int) {
	if s.counter != nil && folderID != "" {
		s.counter.AdjustUnread(folderID, delta)
	}
}

func (s *Store) publish() {
	s.pub.Publish(s.userID, notify.Event{Type: notify.MessagesChanged, Data: s.Page()})
}

func readDelta(read bool) int {
	if read {
		return -1
	}
	return 1
}
