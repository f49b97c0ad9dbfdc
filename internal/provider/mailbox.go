package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/vdavid/vmail/mailcore/internal/db"
	"github.com/vdavid/vmail/mailcore/internal/imap"
	"github.com/vdavid/vmail/mailcore/internal/smtp"
)

// errUnreadableToken means the stored token cannot be decrypted and the
// account has to be connected again.
var errUnreadableToken = errors.New("stored token cannot be read")

// mailbox is a resolved account: where its servers are and how to log in.
type mailbox struct {
	record *db.AccountRecord
	imap   imap.Account
	smtp   smtp.Endpoint
	sasl   func() (sasl.Client, error)
}

// mailbox loads the account, opens its token and prepares credentials that
// refresh the token on demand.
func (p *Provider) mailbox(ctx context.Context, accountID string) (*mailbox, error) {
	record, err := db.GetAccount(ctx, p.pool, accountID)
	if err != nil {
		return nil, err
	}

	token, err := p.encryptor.DecryptToken(record.EncryptedToken, record.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUnreadableToken, err)
	}

	servers, err := p.oauth.Servers(record.Provider)
	if err != nil {
		return nil, err
	}
	source, err := p.oauth.TokenSource(ctx, record.Provider, token)
	if err != nil {
		return nil, err
	}

	tokens := &persistingSource{
		ctx:       ctx,
		provider:  p,
		accountID: record.ID,
		source:    source,
		last:      token.AccessToken,
	}
	authFn := func() (sasl.Client, error) {
		current, err := tokens.Token()
		if err != nil {
			return nil, err
		}
		return p.opts.SASL(record.Provider, record.EmailAddress, current.AccessToken), nil
	}

	return &mailbox{
		record: record,
		imap: imap.Account{
			ID:          record.ID,
			Endpoint:    imap.Endpoint{Addr: servers.IMAPAddr, Insecure: p.opts.Insecure},
			Credentials: imap.Credentials{Username: record.EmailAddress, SASL: authFn},
		},
		smtp: smtp.Endpoint{Addr: servers.SMTPAddr, Insecure: p.opts.Insecure},
		sasl: authFn,
	}, nil
}

// storeToken seals token for accountID and saves it.
func (p *Provider) storeToken(ctx context.Context, accountID string, token *oauth2.Token) error {
	sealed, err := p.encryptor.EncryptToken(token, accountID)
	if err != nil {
		return err
	}
	return db.UpdateAccountToken(ctx, p.pool, accountID, sealed)
}

// persistingSource writes a token back to the store whenever the wrapped
// source hands out a new access token.
type persistingSource struct {
	ctx       context.Context
	provider  *Provider
	accountID string
	source    oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	token, err := s.source.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	refreshed := token.AccessToken != s.last
	s.last = token.AccessToken
	s.mu.Unlock()

	if refreshed {
		if err := s.provider.storeToken(s.ctx, s.accountID, token); err != nil {
			s.provider.log.WithError(err).WithField("account_id", s.accountID).Warn("failed to store refreshed token")
		} else {
			s.provider.log.WithField("account_id", s.accountID).Debug("stored refreshed token")
		}
	}
	return token, nil
}
