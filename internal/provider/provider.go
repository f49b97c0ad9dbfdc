// Package provider implements gateway.MailProvider on top of the account
// store, the OAuth providers and the IMAP/SMTP clients.
package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/vdavid/vmail/mailcore/internal/crypto"
	"github.com/vdavid/vmail/mailcore/internal/db"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/imap"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/oauth"
	"github.com/vdavid/vmail/mailcore/internal/smtp"
)

const (
	defaultStateTTL    = 10 * time.Minute
	defaultSearchLimit = 100
)

// Options tune a Provider. The zero value is fine for production.
type Options struct {
	// Insecure talks plain TCP to the mail servers. Only the test servers use it.
	Insecure bool
	// SASL overrides the mechanism picked for each provider.
	SASL func(provider models.Provider, username, accessToken string) sasl.Client
	// StateTTL is how long a started connection may take to come back.
	StateTTL    time.Duration
	SearchLimit int
	Now         func() time.Time
}

// Provider is the production gateway.MailProvider.
type Provider struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
	oauth     *oauth.Providers
	imap      *imap.Service
	sender    *smtp.Sender
	files     smtp.AttachmentSource
	opts      Options
	log       *logrus.Entry
}

var _ gateway.MailProvider = (*Provider)(nil)

// New creates a Provider. files is used to read uploaded attachments when
// sending.
func New(
	pool *pgxpool.Pool,
	encryptor *crypto.Encryptor,
	providers *oauth.Providers,
	imapService *imap.Service,
	sender *smtp.Sender,
	files smtp.AttachmentSource,
	opts Options,
	logger *logrus.Logger,
) *Provider {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.SASL == nil {
		opts.SASL = oauth.SASLClient
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = defaultStateTTL
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = defaultSearchLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Provider{
		pool:      pool,
		encryptor: encryptor,
		oauth:     providers,
		imap:      imapService,
		sender:    sender,
		files:     files,
		opts:      opts,
		log:       logger.WithField("component", "MailProvider"),
	}
}

// ListAccounts returns the user's connected accounts in connection order.
func (p *Provider) ListAccounts(ctx context.Context, userID string) ([]models.EmailAccount, error) {
	accounts, err := db.ListAccounts(ctx, p.pool, userID)
	if err != nil {
		return nil, classify("list accounts", err)
	}
	return accounts, nil
}

// BeginConnect stores a pending state and returns where to send the user.
func (p *Provider) BeginConnect(ctx context.Context, userID string, provider models.Provider) (*gateway.ConnectStart, error) {
	if !provider.Valid() || !p.oauth.Enabled(provider) {
		return nil, gateway.NewValidationError("provider", oauth.ErrProviderDisabled, "provider %q is not available", provider)
	}

	state := &db.OAuthState{
		State:        uuid.NewString(),
		UserID:       userID,
		Provider:     provider,
		CodeVerifier: oauth.NewVerifier(),
		ExpiresAt:    p.opts.Now().Add(p.opts.StateTTL),
	}
	authURL, err := p.oauth.AuthURL(provider, state.State, state.CodeVerifier)
	if err != nil {
		return nil, classify("begin connect", err)
	}
	if err := db.SaveOAuthState(ctx, p.pool, state); err != nil {
		return nil, classify("begin connect", err)
	}

	return &gateway.ConnectStart{Provider: provider, AuthURL: authURL, State: state.State}, nil
}

// CompleteConnect trades the code for a token and stores the account.
// Reconnecting an address the user already has replaces its token.
func (p *Provider) CompleteConnect(ctx context.Context, userID, state, code string) (*models.EmailAccount, error) {
	pending, err := db.ConsumeOAuthState(ctx, p.pool, userID, state)
	if err != nil {
		return nil, classify("complete connect", err)
	}

	token, err := p.oauth.Exchange(ctx, pending.Provider, code, pending.CodeVerifier)
	if err != nil {
		return nil, classify("complete connect", err)
	}
	address, err := oauth.EmailFromToken(token)
	if err != nil {
		return nil, classify("complete connect", err)
	}

	record := &db.AccountRecord{EmailAccount: models.EmailAccount{
		UserID:       userID,
		EmailAddress: address,
		Provider:     pending.Provider,
	}}
	// The token is bound to the row ID, which only exists after the first save.
	record.EncryptedToken = []byte{}
	if err := db.SaveAccount(ctx, p.pool, record); err != nil {
		return nil, classify("complete connect", err)
	}
	if err := p.storeToken(ctx, record.ID, token); err != nil {
		return nil, classify("complete connect", err)
	}

	p.log.WithFields(logrus.Fields{"account_id": record.ID, "provider": record.Provider}).Info("account connected")
	return &record.EmailAccount, nil
}

// DisconnectAccount removes the account and drops its connections.
func (p *Provider) DisconnectAccount(ctx context.Context, userID, accountID string) error {
	if err := db.DeleteAccount(ctx, p.pool, userID, accountID); err != nil {
		return classify("disconnect account", err)
	}
	p.imap.Forget(accountID)
	return nil
}

// SetDefaultAccount marks accountID as the user's default.
func (p *Provider) SetDefaultAccount(ctx context.Context, userID, accountID string) error {
	if err := db.SetDefaultAccount(ctx, p.pool, userID, accountID); err != nil {
		return classify("set default account", err)
	}
	return nil
}

// ListFolders returns the account's selectable folders.
func (p *Provider) ListFolders(ctx context.Context, accountID string) ([]models.EmailFolder, error) {
	box, err := p.mailbox(ctx, accountID)
	if err != nil {
		return nil, classify("list folders", err)
	}

	folders, err := p.imap.ListFolders(ctx, box.imap)
	p.markSynced(ctx, accountID, err)
	if err != nil {
		return nil, classify("list folders", err)
	}
	return folders, nil
}

// ListMessages returns one page of a folder, newest first.
func (p *Provider) ListMessages(ctx context.Context, query gateway.MessageQuery) (*gateway.MessagePage, error) {
	box, err := p.mailbox(ctx, query.AccountID)
	if err != nil {
		return nil, classify("list messages", err)
	}

	page, err := p.imap.ListMessages(ctx, box.imap, query.FolderID, query.Filter, query.Cursor, query.Limit)
	p.markSynced(ctx, query.AccountID, err)
	if err != nil {
		return nil, classify("list messages", err)
	}
	return &gateway.MessagePage{Messages: page.Messages, NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

// GetMessage loads a message with its body.
func (p *Provider) GetMessage(ctx context.Context, accountID, messageID string) (*models.EmailMessage, error) {
	box, err := p.mailbox(ctx, accountID)
	if err != nil {
		return nil, classify("get message", err)
	}

	msg, err := p.imap.GetMessage(ctx, box.imap, messageID)
	if err != nil {
		return nil, classify("get message", err)
	}
	return msg, nil
}

func (p *Provider) SetRead(ctx context.Context, accountID, messageID string, read bool) error {
	box, err := p.mailbox(ctx, accountID)
	if err != nil {
		return classify("set read", err)
	}
	return classify("set read", p.imap.SetRead(ctx, box.imap, messageID, read))
}

func (p *Provider) MoveMessage(ctx context.Context, accountID, messageID, folderID string) (string, error) {
	box, err := p.mailbox(ctx, accountID)
	if err != nil {
		return "", classify("move message", err)
	}

	newID, err := p.imap.Move(ctx, box.imap, messageID, folderID)
	if err != nil {
		return "", classify("move message", err)
	}
	return newID, nil
}

func (p *Provider) DeleteMessage(ctx context.Context, accountID, messageID string) error {
	box, err := p.mailbox(ctx, accountID)
	if err != nil {
		return classify("delete message", err)
	}
	return classify("delete message", p.imap.Delete(ctx, box.imap, messageID))
}

// SendMessage builds msg and submits it through the account's SMTP server.
// An empty From is filled with the account address.
func (p *Provider) SendMessage(ctx context.Context, msg *models.OutgoingMessage) error {
	box, err := p.mailbox(ctx, msg.AccountID)
	if err != nil {
		return classify("send message", err)
	}

	outgoing := *msg
	if outgoing.From == "" {
		outgoing.From = box.record.EmailAddress
	}
	raw, envelope, err := smtp.BuildMessage(ctx, &outgoing, p.files, p.opts.Now())
	if err != nil {
		return classify("send message", err)
	}

	auth, err := box.sasl()
	if err != nil {
		return classify("send message", err)
	}
	if err := p.sender.Send(ctx, box.smtp, auth, envelope, raw); err != nil {
		return classify("send message", err)
	}
	return nil
}

// SearchMessages runs a provider-side search. Malformed queries are
// validation errors.
func (p *Provider) SearchMessages(ctx context.Context, accountID, query string) ([]models.EmailMessage, error) {
	if _, _, err := imap.ParseSearchQuery(query); err != nil {
		return nil, gateway.NewValidationError("query", err, "%s", err.Error())
	}

	box, err := p.mailbox(ctx, accountID)
	if err != nil {
		return nil, classify("search messages", err)
	}

	results, err := p.imap.Search(ctx, box.imap, query, p.opts.SearchLimit)
	if err != nil {
		return nil, classify("search messages", err)
	}
	return results, nil
}

// Watch keeps an IDLE connection on the account's inbox until ctx is done.
func (p *Provider) Watch(ctx context.Context, accountID string, onNewMail func()) error {
	box, err := p.mailbox(ctx, accountID)
	if err != nil {
		return classify("watch", err)
	}
	p.imap.Watch(ctx, box.imap, onNewMail)
	return nil
}

// AppendMessage stores a raw message in a folder of the account.
func (p *Provider) AppendMessage(ctx context.Context, accountID, folderID string, raw []byte) error {
	box, err := p.mailbox(ctx, accountID)
	if err != nil {
		return classify("append message", err)
	}
	return classify("append message", p.imap.Append(ctx, box.imap, folderID, false, raw))
}

func (p *Provider) markSynced(ctx context.Context, accountID string, syncErr error) {
	if errors.Is(syncErr, context.Canceled) {
		return
	}
	if err := db.MarkAccountSynced(ctx, p.pool, accountID, syncErr != nil, p.opts.Now()); err != nil {
		p.log.WithError(err).WithField("account_id", accountID).Warn("failed to record sync status")
	}
}

// classify turns a failure into a *gateway.ProviderError. Cancellation and
// errors that are already classified pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var providerErr *gateway.ProviderError
	if errors.As(err, &providerErr) || gateway.IsValidation(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	var netErr net.Error
	switch {
	case errors.Is(err, imap.ErrAuthFailed), errors.Is(err, smtp.ErrAuthFailed),
		errors.As(err, &retrieveErr), errors.Is(err, errUnreadableToken):
		return gateway.NewProviderError(op, gateway.KindAuthExpired, err)
	case errors.Is(err, imap.ErrMessageNotFound), errors.Is(err, imap.ErrFolderNotFound),
		errors.Is(err, db.ErrAccountNotFound), errors.Is(err, db.ErrOAuthStateNotFound):
		return gateway.NewProviderError(op, gateway.KindNotFound, err)
	case errors.Is(err, smtp.ErrRateLimited):
		return gateway.NewProviderError(op, gateway.KindRateLimited, err)
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return gateway.NewProviderError(op, gateway.KindNetwork, err)
	default:
		return gateway.NewProviderError(op, gateway.KindProvider, err)
	}
}
