// Package account tracks the mail accounts a user has connected and which one is selected.
package account

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

// SelectFunc is called after the selected account changes. account is nil
// when no account is left.
type SelectFunc func(ctx context.Context, account *models.EmailAccount)

// Authorizer sends the user through the provider's consent screen and
// returns the authorization code.
type Authorizer func(ctx context.Context, start *gateway.ConnectStart) (code string, err error)

// Manager holds the account list of one user. Mutations go to the provider
// first; local state only changes once the provider has accepted them.
type Manager struct {
	userID   string
	provider gateway.MailProvider
	pub      notify.Publisher
	log      *logrus.Entry

	mu         sync.Mutex
	accounts   []models.EmailAccount
	selectedID string
	loaded     bool
	onSelect   []SelectFunc
}

// NewManager creates a manager for userID.
func NewManager(userID string, provider gateway.MailProvider, pub notify.Publisher, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Manager{
		userID:   userID,
		provider: provider,
		pub:      pub,
		log:      logger.WithFields(logrus.Fields{"component": "AccountManager", "user": userID}),
	}
}

// OnSelect registers fn to run after every selection change.
func (m *Manager) OnSelect(fn SelectFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSelect = append(m.onSelect, fn)
}

// Refresh reloads the account list. The current selection is kept if the
// account still exists; otherwise the default account is selected. The first
// load takes the first account when there is no default.
func (m *Manager) Refresh(ctx context.Context) ([]models.EmailAccount, error) {
	accounts, err := m.provider.ListAccounts(ctx, m.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	m.mu.Lock()
	m.accounts = slices.Clone(accounts)
	changed := m.reselectLocked(!m.loaded)
	m.loaded = true
	snapshot := slices.Clone(m.accounts)
	m.mu.Unlock()

	m.pub.Publish(m.userID, notify.Event{Type: notify.AccountsChanged, Data: snapshot})
	if changed {
		m.selectionChanged(ctx)
	}
	return snapshot, nil
}

// Accounts returns the cached account list.
func (m *Manager) Accounts() []models.EmailAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.accounts)
}

// Selected returns the selected account or nil.
func (m *Manager) Selected() *models.EmailAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(m.selectedID)
}

// Select makes accountID the selected account.
func (m *Manager) Select(ctx context.Context, accountID string) error {
	m.mu.Lock()
	if m.findLocked(accountID) == nil {
		m.mu.Unlock()
		return fmt.Errorf("account %s: %w", accountID, gateway.ErrNotFound)
	}
	changed := m.selectedID != accountID
	m.selectedID = accountID
	m.mu.Unlock()

	if changed {
		m.selectionChanged(ctx)
	}
	return nil
}

// BeginConnect starts connecting a new account with provider.
func (m *Manager) BeginConnect(ctx context.Context, provider models.Provider) (*gateway.ConnectStart, error) {
	if !provider.Valid() {
		return nil, gateway.NewValidationError("provider", nil, "unsupported provider %q", provider)
	}
	start, err := m.provider.BeginConnect(ctx, m.userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s connection: %w", provider, err)
	}
	return start, nil
}

// CompleteConnect finishes a connection with the code the provider sent
// back and adds the new account. The first account is selected.
func (m *Manager) CompleteConnect(ctx context.Context, state, code string) (*models.EmailAccount, error) {
	account, err := m.provider.CompleteConnect(ctx, m.userID, state, code)
	if err != nil {
		m.log.WithError(err).Warn("Account connection failed")
		return nil, fmt.Errorf("failed to connect account: %w", err)
	}

	m.mu.Lock()
	idx := slices.IndexFunc(m.accounts, func(a models.EmailAccount) bool { return a.ID == account.ID })
	if idx >= 0 {
		m.accounts[idx] = *account
	} else {
		m.accounts = append(m.accounts, *account)
	}
	if account.IsDefault {
		m.setDefaultLocked(account.ID)
	}
	changed := m.reselectLocked(true)
	snapshot := slices.Clone(m.accounts)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"account_id": account.ID, "provider": account.Provider}).Info("Connected account")
	m.pub.Publish(m.userID, notify.Event{Type: notify.AccountsChanged, Data: snapshot})
	if changed {
		m.selectionChanged(ctx)
	}
	return account, nil
}

// Connect runs the whole connection flow, with authorize standing in for
// the browser round trip.
func (m *Manager) Connect(ctx context.Context, provider models.Provider, authorize Authorizer) (*models.EmailAccount, error) {
	start, err := m.BeginConnect(ctx, provider)
	if err != nil {
		return nil, err
	}
	code, err := authorize(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize %s: %w", provider, err)
	}
	return m.CompleteConnect(ctx, start.State, code)
}

// Disconnect removes an account. It refuses to run unless confirmed. If the
// removed account was selected, the remaining default account is selected
// instead, or none when no default is left.
func (m *Manager) Disconnect(ctx context.Context, accountID string, confirmed bool) error {
	if !confirmed {
		return fmt.Errorf("disconnect %s: %w", accountID, gateway.ErrConfirmationRequired)
	}
	if m.find(accountID) == nil {
		return fmt.Errorf("account %s: %w", accountID, gateway.ErrNotFound)
	}
	if err := m.provider.DisconnectAccount(ctx, m.userID, accountID); err != nil {
		m.log.WithError(err).WithField("account_id", accountID).Warn("Disconnect failed")
		return fmt.Errorf("failed to disconnect account: %w", err)
	}

	m.mu.Lock()
	m.accounts = slices.DeleteFunc(m.accounts, func(a models.EmailAccount) bool { return a.ID == accountID })
	changed := m.reselectLocked(false)
	snapshot := slices.Clone(m.accounts)
	m.mu.Unlock()

	m.log.WithField("account_id", accountID).Info("Disconnected account")
	m.pub.Publish(m.userID, notify.Event{Type: notify.AccountsChanged, Data: snapshot})
	if changed {
		m.selectionChanged(ctx)
	}
	return nil
}

// SetDefault makes accountID the only default account. The provider clears
// the other flags in the same write; concurrent calls resolve as last write wins.
func (m *Manager) SetDefault(ctx context.Context, accountID string) error {
	if m.find(accountID) == nil {
		return fmt.Errorf("account %s: %w", accountID, gateway.ErrNotFound)
	}
	if err := m.provider.SetDefaultAccount(ctx, m.userID, accountID); err != nil {
		return fmt.Errorf("failed to set default account: %w", err)
	}

	m.mu.Lock()
	m.setDefaultLocked(accountID)
	snapshot := slices.Clone(m.accounts)
	m.mu.Unlock()

	m.pub.Publish(m.userID, notify.Event{Type: notify.AccountsChanged, Data: snapshot})
	return nil
}

func (m *Manager) find(accountID string) *models.EmailAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(accountID)
}

func (m *Manager) findLocked(accountID string) *models.EmailAccount {
	if accountID == "" {
		return nil
	}
	for i := range m.accounts {
		if m.accounts[i].ID == accountID {
			a := m.accounts[i]
			return &a
		}
	}
	return nil
}

func (m *Manager) setDefaultLocked(accountID string) {
	for i := range m.accounts {
		m.accounts[i].IsDefault = m.accounts[i].ID == accountID
	}
}

// reselectLocked keeps a valid selection and reports whether it changed. A
// lost selection falls back to the default account. With anyAccount set and
// no default, the first account is taken instead of none.
func (m *Manager) reselectLocked(anyAccount bool) bool {
	if m.findLocked(m.selectedID) != nil {
		return false
	}
	previous := m.selectedID
	m.selectedID = ""
	for _, a := range m.accounts {
		if a.IsDefault {
			m.selectedID = a.ID
			break
		}
	}
	if m.selectedID == "" && anyAccount && len(m.accounts) > 0 {
		m.selectedID = m.accounts[0].ID
	}
	return m.selectedID != previous
}

func (m *Manager) selectionChanged(ctx context.Context) {
	m.mu.Lock()
	selected := m.findLocked(m.selectedID)
	hooks := slices.Clone(m.onSelect)
	m.mu.Unlock()

	entry := m.log
	if selected != nil {
		entry = entry.WithField("account_id", selected.ID)
	}
	entry.Debug("Selected account")

	m.pub.Publish(m.userID, notify.Event{Type: notify.AccountSelected, Data: selected})
	for _, fn := range hooks {
		fn(ctx, selected)
	}
}
