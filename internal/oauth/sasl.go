package oauth

import (
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

const xoauth2 = "XOAUTH2"

// xoauth2Client implements the XOAUTH2 mechanism used by Gmail and Outlook.
// On failure the server sends a JSON error as a challenge; answering with an
// empty response lets it finish the exchange with a tagged NO.
type xoauth2Client struct {
	username string
	token    string
	failed   bool
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token)
	return xoauth2, []byte(ir), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if c.failed {
		return nil, errors.New("xoauth2: unexpected server challenge")
	}
	c.failed = true
	return []byte{}, nil
}

// NewXOAuth2Client returns a SASL client for the XOAUTH2 mechanism.
func NewXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, token: accessToken}
}

// SASLClient returns the mechanism a provider expects for IMAP and SMTP.
func SASLClient(provider models.Provider, username, accessToken string) sasl.Client {
	if provider == models.ProviderGmail {
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{Username: username, Token: accessToken})
	}
	return NewXOAuth2Client(username, accessToken)
}
