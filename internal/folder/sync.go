// Package folder loads the folders of the selected account and tracks the selected folder.
package folder

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/notify"
)

// View is a folder with its unread count formatted for display.
type View struct {
	models.EmailFolder
	UnreadLabel string `json:"unread_label"`
}

// SelectFunc is called after the selected folder changes.
type SelectFunc func(ctx context.Context, folder *models.EmailFolder)

// Sync holds the ordered folder list of one account.
type Sync struct {
	userID   string
	provider gateway.MailProvider
	pub      notify.Publisher
	log      *logrus.Entry

	mu         sync.Mutex
	accountID  string
	folders    []models.EmailFolder
	selectedID string
	gen        uint64
	onSelect   []SelectFunc
}

// NewSync creates a folder sync for userID.
func NewSync(userID string, provider gateway.MailProvider, pub notify.Publisher, logger *logrus.Logger) *Sync {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Sync{
		userID:   userID,
		provider: provider,
		pub:      pub,
		log:      logger.WithFields(logrus.Fields{"component": "FolderSync", "user": userID}),
	}
}

// OnSelect registers fn to run after every folder selection.
func (s *Sync) OnSelect(fn SelectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSelect = append(s.onSelect, fn)
}

// Load lists and orders the folders of accountID. When the account differs
// from the loaded one, or the selected folder is gone, the inbox is selected.
// A load overtaken by a newer one returns gateway.ErrStale.
func (s *Sync) Load(ctx context.Context, accountID string) ([]models.EmailFolder, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	folders, err := s.provider.ListFolders(ctx, accountID)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.WithField("account_id", accountID).Debug("Dropped stale folder list")
		return nil, gateway.ErrStale
	}
	if err != nil {
		s.mu.Unlock()
		s.log.WithError(err).WithField("account_id", accountID).Warn("Failed to list folders")
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	folders = slices.Clone(folders)
	Sort(folders)
	if s.accountID != accountID {
		s.selectedID = ""
	}
	s.accountID = accountID
	s.folders = folders
	reselect := s.findLocked(s.selectedID) == nil
	snapshot := slices.Clone(folders)
	s.mu.Unlock()

	s.pub.Publish(s.userID, notify.Event{Type: notify.FoldersChanged, Data: s.View()})
	if reselect {
		if def := defaultFolder(snapshot); def != "" {
			if err := s.Select(ctx, def); err != nil {
				return nil, err
			}
		}
	}
	return snapshot, nil
}

// Refresh reloads the folders of the loaded account, keeping the selection.
func (s *Sync) Refresh(ctx context.Context) ([]models.EmailFolder, error) {
	s.mu.Lock()
	accountID := s.accountID
	s.mu.Unlock()
	if accountID == "" {
		return nil, nil
	}
	return s.Load(ctx, accountID)
}

// Clear drops the folder list, as when no account is selected.
func (s *Sync) Clear() {
	s.mu.Lock()
	s.gen++
	s.accountID = ""
	s.folders = nil
	s.selectedID = ""
	s.mu.Unlock()
	s.pub.Publish(s.userID, notify.Event{Type: notify.FoldersChanged, Data: []View{}})
}

// AccountID returns the account whose folders are loaded.
func (s *Sync) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// Folders returns the ordered folder list.
func (s *Sync) Folders() []models.EmailFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.folders)
}

// View returns the ordered folder list with display labels.
func (s *Sync) View() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]View, len(s.folders))
	for i, f := range s.folders {
		out[i] = View{EmailFolder: f, UnreadLabel: UnreadLabel(f.UnreadCount)}
	}
	return out
}

// Selected returns the selected folder or nil.
func (s *Sync) Selected() *models.EmailFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(s.selectedID)
}

// Select makes folderID the selected folder and runs the selection hooks,
// which clear search and restart pagination. Selecting the current folder
// again also restarts pagination.
func (s *Sync) Select(ctx context.Context, folderID string) error {
	s.mu.Lock()
	f := s.findLocked(folderID)
	if f == nil {
		s.mu.Unlock()
		return fmt.Errorf("folder %s: %w", folderID, gateway.ErrNotFound)
	}
	s.selectedID = folderID
	hooks := slices.Clone(s.onSelect)
	s.mu.Unlock()

	s.pub.Publish(s.userID, notify.Event{Type: notify.FolderSelected, Data: f})
	for _, fn := range hooks {
		fn(ctx, f)
	}
	return nil
}

// AdjustUnread changes the unread count of a folder by delta, never below zero.
func (s *Sync) AdjustUnread(folderID string, delta int) {
	s.mu.Lock()
	changed := false
	for i := range s.folders {
		if s.folders[i].ID == folderID {
			s.folders[i].UnreadCount = max(s.folders[i].UnreadCount+delta, 0)
			changed = true
			break
		}
	}
	s.mu.Unlock()
	if changed {
		s.pub.Publish(s.userID, notify.Event{Type: notify.FoldersChanged, Data: s.View()})
	}
}

func (s *Sync) findLocked(folderID string) *models.EmailFolder {
	if folderID == "" {
		return nil
	}
	for i := range s.folders {
		if s.folders[i].ID == folderID {
			f := s.folders[i]
			return &f
		}
	}
	return nil
}

// defaultFolder picks the inbox, or the first folder if there is no inbox.
func defaultFolder(folders []models.EmailFolder) string {
	for _, f := range folders {
		if f.Type == models.FolderInbox {
			return f.ID
		}
	}
	if len(folders) > 0 {
		return folders[0].ID
	}
	return ""
}
