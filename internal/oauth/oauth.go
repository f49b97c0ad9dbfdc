// Package oauth holds the OAuth2 settings for the supported mail providers and
// the connect flow: authorization URL, code exchange and identifying the mailbox.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

var (
	ErrProviderDisabled = errors.New("provider is not configured")
	ErrNoIdentity       = errors.New("provider did not return an email address")
)

// ProviderConfig holds the OAuth2 client and mail server settings for one provider.
// Empty server addresses and a zero Endpoint fall back to the provider's defaults.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	IMAPAddr     string
	SMTPAddr     string
}

// Servers are the mail hosts an account talks to.
type Servers struct {
	IMAPAddr string
	SMTPAddr string
}

type provider struct {
	config  *oauth2.Config
	servers Servers
}

// Providers maps provider name to its OAuth2 config.
type Providers struct {
	providers map[models.Provider]*provider
}

// NewProviders creates OAuth2 configs for enabled providers.
// Pass nil for any provider to disable it.
func NewProviders(baseURL string, gmail, outlook *ProviderConfig, outlookTenant string) *Providers {
	p := &Providers{providers: make(map[models.Provider]*provider)}
	redirect := baseURL + "/api/v1/accounts/connect/callback"

	if gmail != nil {
		p.providers[models.ProviderGmail] = &provider{
			config: &oauth2.Config{
				ClientID:     gmail.ClientID,
				ClientSecret: gmail.ClientSecret,
				RedirectURL:  redirect,
				Scopes:       []string{"https://mail.google.com/", "openid", "email"},
				Endpoint:     endpointOr(gmail.Endpoint, google.Endpoint),
			},
			servers: Servers{
				IMAPAddr: valueOr(gmail.IMAPAddr, "imap.gmail.com:993"),
				SMTPAddr: valueOr(gmail.SMTPAddr, "smtp.gmail.com:587"),
			},
		}
	}

	if outlook != nil {
		if outlookTenant == "" {
			outlookTenant = "common"
		}
		p.providers[models.ProviderOutlook] = &provider{
			config: &oauth2.Config{
				ClientID:     outlook.ClientID,
				ClientSecret: outlook.ClientSecret,
				RedirectURL:  redirect,
				Scopes: []string{
					"https://outlook.office.com/IMAP.AccessAsUser.All",
					"https://outlook.office.com/SMTP.Send",
					"offline_access",
					"openid",
					"email",
				},
				Endpoint: endpointOr(outlook.Endpoint, microsoft.AzureADEndpoint(outlookTenant)),
			},
			servers: Servers{
				IMAPAddr: valueOr(outlook.IMAPAddr, "outlook.office365.com:993"),
				SMTPAddr: valueOr(outlook.SMTPAddr, "smtp.office365.com:587"),
			},
		}
	}

	return p
}

func (p *Providers) get(name models.Provider) (*provider, error) {
	entry := p.providers[name]
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, name)
	}
	return entry, nil
}

// Enabled reports whether the provider has client credentials.
func (p *Providers) Enabled(name models.Provider) bool {
	return p.providers[name] != nil
}

// Available returns the configured providers, sorted.
func (p *Providers) Available() []models.Provider {
	names := make([]models.Provider, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Servers returns the IMAP and SMTP hosts for a provider.
func (p *Providers) Servers(name models.Provider) (Servers, error) {
	entry, err := p.get(name)
	if err != nil {
		return Servers{}, err
	}
	return entry.servers, nil
}

// NewVerifier returns a fresh PKCE code verifier.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthURL returns the authorization URL for the provider. The verifier must be
// kept and handed back to Exchange.
func (p *Providers) AuthURL(name models.Provider, state, verifier string) (string, error) {
	entry, err := p.get(name)
	if err != nil {
		return "", err
	}
	return entry.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// Exchange trades an authorization code for a token.
func (p *Providers) Exchange(ctx context.Context, name models.Provider, code, verifier string) (*oauth2.Token, error) {
	entry, err := p.get(name)
	if err != nil {
		return nil, err
	}

	token, err := entry.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("oauth exchange: %w", err)
	}
	return token, nil
}

// TokenSource returns a source that refreshes token when it expires.
func (p *Providers) TokenSource(ctx context.Context, name models.Provider, token *oauth2.Token) (oauth2.TokenSource, error) {
	entry, err := p.get(name)
	if err != nil {
		return nil, err
	}
	return entry.config.TokenSource(ctx, token), nil
}

type identityClaims struct {
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	jwt.RegisteredClaims
}

// EmailFromToken reads the mailbox address from the OpenID Connect id_token
// that came back with the token. The id_token is received straight from the
// token endpoint over TLS, so its signature is not checked again here.
func EmailFromToken(token *oauth2.Token) (string, error) {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return "", ErrNoIdentity
	}

	var claims identityClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", fmt.Errorf("failed to parse id_token: %w", err)
	}

	switch {
	case claims.Email != "":
		return claims.Email, nil
	case claims.PreferredUsername != "":
		return claims.PreferredUsername, nil
	default:
		return "", ErrNoIdentity
	}
}

func endpointOr(e, fallback oauth2.Endpoint) oauth2.Endpoint {
	if e.TokenURL == "" {
		return fallback
	}
	return e
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
