// Package session wires the mail components of one user together and owns
// their lifecycle from login to logout.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/account"
	"github.com/vdavid/vmail/mailcore/internal/attachment"
	"github.com/vdavid/vmail/mailcore/internal/compose"
	"github.com/vdavid/vmail/mailcore/internal/folder"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/message"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/notify"
	"github.com/vdavid/vmail/mailcore/internal/search"
	"github.com/vdavid/vmail/mailcore/internal/signature"
)

// Config holds the per-session tunables.
type Config struct {
	PageSize       int
	CacheSize      int
	SearchDebounce time.Duration
	Attachments    attachment.Config
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Provider         gateway.MailProvider
	Storage          gateway.StorageGateway
	Signatures       *signature.Service
	DraftAttachments gateway.DraftAttachmentRepository
	Publisher        notify.Publisher
	Logger           *logrus.Logger
}

// Session is the mail client state of one user.
type Session struct {
	UserID     string
	Accounts   *account.Manager
	Folders    *folder.Sync
	Messages   *message.Store
	Search     *search.Controller
	Compose    *compose.Controller
	Signatures *signature.Service

	pub notify.Publisher
	log *logrus.Entry
}

// State is everything the client shows, in one value.
type State struct {
	Accounts        []models.EmailAccount `json:"accounts"`
	SelectedAccount *models.EmailAccount  `json:"selected_account"`
	Folders         []folder.View         `json:"folders"`
	SelectedFolder  *models.EmailFolder   `json:"selected_folder"`
	Messages        *message.Page         `json:"messages"`
	Search          search.State          `json:"search"`
	Compose         compose.Snapshot      `json:"compose"`
}

// New builds a session. Call Start to load its accounts.
func New(userID string, deps Deps, cfg Config) (*Session, error) {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}

	folders := folder.NewSync(userID, deps.Provider, deps.Publisher, deps.Logger)
	messages, err := message.NewStore(userID, deps.Provider, deps.Publisher, folders, cfg.PageSize, cfg.CacheSize, deps.Logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		UserID:     userID,
		Accounts:   account.NewManager(userID, deps.Provider, deps.Publisher, deps.Logger),
		Folders:    folders,
		Messages:   messages,
		Search:     search.NewController(userID, deps.Provider, deps.Publisher, cfg.SearchDebounce, deps.Logger),
		Signatures: deps.Signatures,
		pub:        deps.Publisher,
		log:        deps.Logger.WithFields(logrus.Fields{"component": "Session", "user": userID}),
	}

	var resolver compose.SignatureResolver
	if deps.Signatures != nil {
		resolver = deps.Signatures
	}
	s.Compose = compose.NewController(userID, compose.Deps{
		Provider:    deps.Provider,
		Storage:     deps.Storage,
		Attachments: deps.DraftAttachments,
		Signatures:  resolver,
		Sender:      s.sender,
		Publisher:   deps.Publisher,
		Logger:      deps.Logger,
		Limits:      cfg.Attachments,
	})

	s.Accounts.OnSelect(s.accountSelected)
	s.Folders.OnSelect(s.folderSelected)
	return s, nil
}

// Start loads the accounts, which selects the default account and loads its inbox.
func (s *Session) Start(ctx context.Context) error {
	_, err := s.Accounts.Refresh(ctx)
	return err
}

// accountSelected resets everything downstream of the account.
func (s *Session) accountSelected(ctx context.Context, a *models.EmailAccount) {
	s.Messages.Reset()
	if a == nil {
		s.Search.SetAccount("")
		s.Folders.Clear()
		return
	}
	s.Search.SetAccount(a.ID)
	if _, err := s.Folders.Load(ctx, a.ID); err != nil && !errors.Is(err, gateway.ErrStale) {
		s.log.WithError(err).WithField("account_id", a.ID).Warn("Failed to load folders for selected account")
	}
}

// folderSelected clears search and restarts pagination.
func (s *Session) folderSelected(ctx context.Context, f *models.EmailFolder) {
	s.Search.Clear()
	filter := s.Messages.Page().Filter
	if _, err := s.Messages.LoadPage(ctx, s.Folders.AccountID(), f.ID, filter); err != nil && !errors.Is(err, gateway.ErrStale) {
		s.log.WithError(err).WithField("folder_id", f.ID).Warn("Failed to load messages for selected folder")
	}
}

func (s *Session) sender(accountID string) compose.Sender {
	for _, a := range s.Accounts.Accounts() {
		if a.ID == accountID {
			return compose.Sender{
				Address: a.EmailAddress,
				Fields:  models.SignatureFields{"email": a.EmailAddress},
			}
		}
	}
	return compose.Sender{}
}

// NewMail refreshes what new mail in accountID changes: the unread counts
// and, if the inbox is open, the first page.
func (s *Session) NewMail(ctx context.Context, accountID string) {
	s.pub.Publish(s.UserID, notify.Event{Type: notify.NewMail, Data: map[string]string{"account_id": accountID}})

	selected := s.Accounts.Selected()
	if selected == nil || selected.ID != accountID {
		return
	}
	if _, err := s.Folders.Refresh(ctx); err != nil && !errors.Is(err, gateway.ErrStale) {
		s.log.WithError(err).Warn("Failed to refresh folders after new mail")
	}
	if f := s.Folders.Selected(); f != nil && f.Type == models.FolderInbox && s.Messages.OpenedID() == "" {
		if _, err := s.Messages.Reload(ctx); err != nil && !errors.Is(err, gateway.ErrStale) {
			s.log.WithError(err).Warn("Failed to reload inbox after new mail")
		}
	}
}

// State returns a snapshot of the whole client.
func (s *Session) State() State {
	return State{
		Accounts:        s.Accounts.Accounts(),
		SelectedAccount: s.Accounts.Selected(),
		Folders:         s.Folders.View(),
		SelectedFolder:  s.Folders.Selected(),
		Messages:        s.Messages.Page(),
		Search:          s.Search.State(),
		Compose:         s.Compose.Snapshot(),
	}
}

// Close drops in-flight work, timers and the open draft.
func (s *Session) Close(ctx context.Context) {
	s.Compose.Shutdown(ctx)
	s.Search.Clear()
	s.Messages.Reset()
	s.log.Debug("Session closed")
}
