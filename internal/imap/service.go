package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

var (
	// ErrMessageNotFound is returned when a UID no longer exists in its folder.
	ErrMessageNotFound = errors.New("message not found")
	// ErrFolderNotFound is returned when the server does not know a mailbox.
	ErrFolderNotFound = errors.New("folder not found")
)

const inboxName = "INBOX"

// Account is everything the service needs to reach one mailbox server.
type Account struct {
	ID          string
	Endpoint    Endpoint
	Credentials Credentials
}

// MessagePage is one page of a folder listing. NextCursor is empty on the last page.
type MessagePage struct {
	Messages   []models.EmailMessage
	NextCursor string
	HasMore    bool
}

// Service runs mailbox operations over pooled IMAP connections. It keeps no
// state of its own besides the pool; every call reads from the server.
type Service struct {
	pool *Pool
	log  *logrus.Entry
}

// NewService creates a new IMAP service.
func NewService(pool *Pool, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		pool: pool,
		log:  logger.WithField("component", "IMAPService"),
	}
}

// withClient runs fn on a worker connection of the account.
func (s *Service) withClient(ctx context.Context, acct Account, fn func(c *imapclient.Client) error) error {
	worker, release, err := s.pool.getWorker(ctx, acct.ID, acct.Endpoint, acct.Credentials)
	if err != nil {
		return fmt.Errorf("failed to get IMAP client: %w", err)
	}
	defer release()

	err = fn(worker.client)
	if err != nil && !worker.alive() {
		s.pool.dropWorker(acct.ID, worker)
	}
	return err
}

// withMailbox runs fn with the named mailbox selected.
func (s *Service) withMailbox(ctx context.Context, acct Account, name string, readOnly bool, fn func(c *imapclient.Client, status *imap.MailboxStatus) error) error {
	return s.withClient(ctx, acct, func(c *imapclient.Client) error {
		status, err := selectMailbox(c, name, readOnly)
		if err != nil {
			return err
		}
		return fn(c, status)
	})
}

func selectMailbox(c *imapclient.Client, name string, readOnly bool) (*imap.MailboxStatus, error) {
	status, err := c.Select(name, readOnly)
	if err != nil {
		if isNoSuchMailbox(err) {
			return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, name)
		}
		return nil, fmt.Errorf("failed to select folder %s: %w", name, err)
	}
	return status, nil
}

// isNoSuchMailbox recognizes the NO responses servers give for unknown mailboxes.
func isNoSuchMailbox(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such mailbox") ||
		strings.Contains(msg, "nonexistent") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "unknown mailbox")
}

// ListFolders lists the selectable mailboxes with their unread counts.
func (s *Service) ListFolders(ctx context.Context, acct Account) ([]models.EmailFolder, error) {
	var folders []models.EmailFolder
	err := s.withClient(ctx, acct, func(c *imapclient.Client) error {
		boxes, err := listMailboxes(c)
		if err != nil {
			return err
		}

		folders = make([]models.EmailFolder, 0, len(boxes))
		for _, box := range boxes {
			if !box.selectable() {
				continue
			}
			unread, err := unreadCount(c, box.Name)
			if err != nil {
				s.log.WithError(err).WithField("folder", box.Name).Warn("failed to get unread count")
			}
			folders = append(folders, models.EmailFolder{
				ID:          box.Name,
				AccountID:   acct.ID,
				Type:        box.Type,
				DisplayName: box.displayName(),
				UnreadCount: unread,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// ListMessages returns one page of a folder, newest first. An empty folder
// means the inbox. The cursor is opaque to callers.
func (s *Service) ListMessages(ctx context.Context, acct Account, folder string, filter models.MessageFilter, cursor string, limit int) (*MessagePage, error) {
	if folder == "" {
		folder = inboxName
	}
	offset, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var result *MessagePage
	err = s.withMailbox(ctx, acct, folder, true, func(c *imapclient.Client, _ *imap.MailboxStatus) error {
		uids, err := sortedUIDs(c, filterCriteria(string(filter)))
		if err != nil {
			return err
		}

		pageUIDs, next, hasMore := page(uids, offset, limit)
		messages, err := s.summaries(c, acct.ID, folder, pageUIDs)
		if err != nil {
			return err
		}

		result = &MessagePage{Messages: messages, HasMore: hasMore}
		if hasMore {
			result.NextCursor = strconv.Itoa(next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// summaries fetches list data for uids and returns it in the order of uids.
func (s *Service) summaries(c *imapclient.Client, accountID, folder string, uids []uint32) ([]models.EmailMessage, error) {
	fetched, err := fetchSummaries(c, uids)
	if err != nil {
		return nil, err
	}

	messages := make([]models.EmailMessage, 0, len(uids))
	for _, uid := range uids {
		imapMsg, ok := fetched[uid]
		if !ok {
			continue
		}
		msg, err := ParseSummary(imapMsg, accountID, folder)
		if err != nil {
			s.log.WithError(err).WithField("uid", uid).Warn("failed to parse message")
			continue
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

func parseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return offset, nil
}

// GetMessage fetches a message with its body. It does not set \Seen.
func (s *Service) GetMessage(ctx context.Context, acct Account, messageID string) (*models.EmailMessage, error) {
	folder, uid, err := ParseMessageID(messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessageNotFound, err)
	}

	var msg *models.EmailMessage
	err = s.withMailbox(ctx, acct, folder, true, func(c *imapclient.Client, _ *imap.MailboxStatus) error {
		imapMsg, err := fetchFull(c, uid)
		if err != nil {
			return err
		}
		if imapMsg == nil {
			return ErrMessageNotFound
		}
		msg, err = ParseFull(imapMsg, acct.ID, folder)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// SetRead adds or removes the \Seen flag.
func (s *Service) SetRead(ctx context.Context, acct Account, messageID string, read bool) error {
	folder, uid, err := ParseMessageID(messageID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMessageNotFound, err)
	}

	return s.withMailbox(ctx, acct, folder, false, func(c *imapclient.Client, _ *imap.MailboxStatus) error {
		if err := ensureUID(c, uid); err != nil {
			return err
		}

		var op imap.FlagsOp = imap.RemoveFlags
		if read {
			op = imap.AddFlags
		}
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		if err := c.UidStore(seqSet, imap.FormatFlagsOp(op, true), []interface{}{imap.SeenFlag}, nil); err != nil {
			return fmt.Errorf("failed to store flags: %w", err)
		}
		return nil
	})
}

// Move moves a message and returns its ID in the destination folder.
func (s *Service) Move(ctx context.Context, acct Account, messageID, destination string) (string, error) {
	folder, uid, err := ParseMessageID(messageID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMessageNotFound, err)
	}
	if destination == "" {
		destination = inboxName
	}
	if destination == folder {
		return messageID, nil
	}

	var newID string
	err = s.withClient(ctx, acct, func(c *imapclient.Client) error {
		var err error
		newID, err = moveMessage(c, folder, uid, destination)
		return err
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// moveMessage moves one UID and finds it again in the destination by UIDNEXT
// and Message-ID.
func moveMessage(c *imapclient.Client, folder string, uid uint32, destination string) (string, error) {
	destStatus, err := c.Status(destination, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		if isNoSuchMailbox(err) {
			return "", fmt.Errorf("%w: %s", ErrFolderNotFound, destination)
		}
		return "", fmt.Errorf("failed to get status of %s: %w", destination, err)
	}

	if _, err := selectMailbox(c, folder, false); err != nil {
		return "", err
	}
	headerID, err := fetchMessageIDHeader(c, uid)
	if err != nil {
		return "", err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	if err := c.UidMove(seqSet, destination); err != nil {
		// Some servers advertise MOVE but reject it for a mailbox.
		if fallbackErr := copyAndExpunge(c, seqSet, destination); fallbackErr != nil {
			return "", fmt.Errorf("failed to move message: %w", errors.Join(err, fallbackErr))
		}
	}

	if _, err := selectMailbox(c, destination, true); err != nil {
		return "", err
	}
	criteria := imap.NewSearchCriteria()
	since := new(imap.SeqSet)
	since.AddRange(destStatus.UidNext, 0)
	criteria.Uid = since
	if headerID != "" {
		criteria.Header.Add("Message-Id", headerID)
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return "", fmt.Errorf("failed to find moved message: %w", err)
	}
	if len(uids) == 0 {
		return "", fmt.Errorf("moved message not found in %s", destination)
	}

	newUID := uids[0]
	for _, u := range uids {
		newUID = max(newUID, u)
	}
	return MessageID(destination, newUID), nil
}

// copyAndExpunge is MOVE spelled out as COPY, STORE \Deleted and EXPUNGE.
func copyAndExpunge(c *imapclient.Client, seqSet *imap.SeqSet, destination string) error {
	if err := c.UidCopy(seqSet, destination); err != nil {
		return err
	}
	if err := c.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil); err != nil {
		return err
	}
	return c.Expunge(nil)
}

// Delete moves a message to trash. A message already in trash, or on a server
// without a trash folder, is expunged.
func (s *Service) Delete(ctx context.Context, acct Account, messageID string) error {
	folder, uid, err := ParseMessageID(messageID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMessageNotFound, err)
	}

	return s.withClient(ctx, acct, func(c *imapclient.Client) error {
		boxes, err := listMailboxes(c)
		if err != nil {
			return err
		}
		trash := ""
		for _, box := range boxes {
			if box.Type == models.FolderTrash {
				trash = box.Name
				break
			}
		}

		if trash != "" && trash != folder {
			_, err := moveMessage(c, folder, uid, trash)
			return err
		}

		if _, err := selectMailbox(c, folder, false); err != nil {
			return err
		}
		if err := ensureUID(c, uid); err != nil {
			return err
		}
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		if err := c.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil); err != nil {
			return fmt.Errorf("failed to flag message as deleted: %w", err)
		}
		if err := c.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge: %w", err)
		}
		return nil
	})
}

// Search runs a query and returns up to limit matches, newest first. Without a
// folder: filter it searches the all-mail mailbox when the server has one, the
// inbox otherwise.
func (s *Service) Search(ctx context.Context, acct Account, query string, limit int) ([]models.EmailMessage, error) {
	criteria, folder, err := ParseSearchQuery(query)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var result []models.EmailMessage
	err = s.withClient(ctx, acct, func(c *imapclient.Client) error {
		if folder == "" {
			found, err := searchFolder(c)
			if err != nil {
				return err
			}
			folder = found
		} else {
			folder = resolveFolderName(c, folder)
		}

		if _, err := selectMailbox(c, folder, true); err != nil {
			return err
		}
		uids, err := sortedUIDs(c, criteria)
		if err != nil {
			return err
		}
		if len(uids) > limit {
			uids = uids[:limit]
		}
		result, err = s.summaries(c, acct.ID, folder, uids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// searchFolder picks the mailbox that holds every message, like Gmail's All Mail.
func searchFolder(c *imapclient.Client) (string, error) {
	boxes, err := listMailboxes(c)
	if err != nil {
		return "", err
	}
	for _, box := range boxes {
		if box.hasAttr(imap.AllAttr) && box.selectable() {
			return box.Name, nil
		}
	}
	return inboxName, nil
}

// resolveFolderName matches a user-typed folder name against the server's
// mailboxes, ignoring case and accepting the last path segment.
func resolveFolderName(c *imapclient.Client, typed string) string {
	boxes, err := listMailboxes(c)
	if err != nil {
		return typed
	}
	for _, box := range boxes {
		if strings.EqualFold(box.Name, typed) {
			return box.Name
		}
	}
	for _, box := range boxes {
		if strings.EqualFold(box.displayName(), typed) || strings.EqualFold(string(box.Type), typed) {
			return box.Name
		}
	}
	return typed
}

// ensureUID reports ErrMessageNotFound when uid is not in the selected mailbox.
func ensureUID(c *imapclient.Client, uid uint32) error {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddNum(uid)

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}
	if len(uids) == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Append stores a raw RFC 5322 message in folder. An empty folder means the inbox.
func (s *Service) Append(ctx context.Context, acct Account, folder string, seen bool, raw []byte) error {
	if folder == "" {
		folder = inboxName
	}
	var flags []string
	if seen {
		flags = []string{imap.SeenFlag}
	}
	return s.withClient(ctx, acct, func(c *imapclient.Client) error {
		if err := c.Append(folder, flags, time.Now(), bytes.NewBuffer(raw)); err != nil {
			if isNoSuchMailbox(err) {
				return fmt.Errorf("%w: %s", ErrFolderNotFound, folder)
			}
			return fmt.Errorf("failed to append to %s: %w", folder, err)
		}
		return nil
	})
}

// Forget closes every connection of an account.
func (s *Service) Forget(accountID string) {
	s.pool.Remove(accountID)
}

// Close closes the service and cleans up connections.
func (s *Service) Close() {
	s.pool.Close()
}
