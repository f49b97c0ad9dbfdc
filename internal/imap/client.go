package imap

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
)

// ErrAuthFailed is returned when the server rejects the account's credentials.
var ErrAuthFailed = errors.New("imap authentication failed")

type connRole int

const (
	roleWorker   connRole = iota // any number per account, up to the pool limit
	roleListener                 // one per account, parked in IDLE
)

// Endpoint is the address of an IMAP server.
type Endpoint struct {
	Addr string
	// Insecure disables TLS. Only the in-memory test server uses it.
	Insecure bool
}

// Credentials authenticate a connection. When SASL is set it is called for
// every new connection, so it can hand out a freshly refreshed token.
type Credentials struct {
	Username string
	Password string
	SASL     func() (sasl.Client, error)
}

// pooledConn is one logged-in connection. Holding its mutex means owning
// the connection; the pool hands out locked conns and takes them back on
// release.
type pooledConn struct {
	sync.Mutex
	client   *client.Client
	role     connRole
	lastUsed time.Time
}

func (c *pooledConn) touch() {
	c.lastUsed = time.Now()
}

// alive reports whether the connection is still logged in.
func (c *pooledConn) alive() bool {
	state := c.client.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

const dialTimeout = 5 * time.Second

func dial(endpoint Endpoint) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		c   *client.Client
		err error
	)
	if endpoint.Insecure {
		c, err = client.DialWithDialer(dialer, endpoint.Addr)
	} else {
		c, err = client.DialWithDialerTLS(dialer, endpoint.Addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint.Addr, err)
	}
	return c, nil
}

// authenticate logs in with SASL when available, plain LOGIN otherwise.
func authenticate(c *client.Client, creds Credentials) error {
	if creds.SASL != nil {
		auth, err := creds.SASL()
		if err != nil {
			return fmt.Errorf("failed to prepare credentials: %w", err)
		}
		if err := c.Authenticate(auth); err != nil {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return nil
	}

	if err := c.Login(creds.Username, creds.Password); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return nil
}

// connect dials and authenticates a new client.
func connect(endpoint Endpoint, creds Credentials) (*client.Client, error) {
	c, err := dial(endpoint)
	if err != nil {
		return nil, err
	}

	if err := authenticate(c, creds); err != nil {
		_ = c.Logout()
		return nil, err
	}
	return c, nil
}
