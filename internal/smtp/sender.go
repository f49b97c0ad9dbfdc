package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAuthFailed is returned when the server rejects the account's credentials.
	ErrAuthFailed = errors.New("smtp authentication failed")
	// ErrRateLimited is returned for 4xx replies that ask the client to slow down.
	ErrRateLimited = errors.New("smtp server is rate limiting")
)

// Endpoint is the address of a submission server.
type Endpoint struct {
	Addr string
	// Insecure skips STARTTLS. Only the in-memory test server uses it.
	Insecure bool
}

// Sender submits built messages over SMTP.
type Sender struct {
	timeout time.Duration
	log     *logrus.Entry
}

// NewSender creates a Sender.
func NewSender(logger *logrus.Logger) *Sender {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sender{
		timeout: 30 * time.Second,
		log:     logger.WithField("component", "SMTPSender"),
	}
}

// Send dials the server, authenticates with auth and submits raw. auth may be
// nil for servers that accept unauthenticated submission.
func (s *Sender) Send(ctx context.Context, endpoint Endpoint, auth sasl.Client, envelope *Envelope, raw []byte) error {
	if envelope == nil || len(envelope.Recipients) == 0 {
		return fmt.Errorf("no recipients")
	}

	c, err := s.dial(ctx, endpoint)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return classify(fmt.Errorf("%w: %w", ErrAuthFailed, err))
		}
	}

	if err := c.SendMail(envelope.From, envelope.Recipients, bytes.NewReader(raw)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(fmt.Errorf("failed to send message: %w", err))
	}

	if err := c.Quit(); err != nil {
		s.log.WithError(err).Debug("QUIT failed after successful send")
	}

	s.log.WithFields(logrus.Fields{
		"message_id": envelope.MessageID,
		"recipients": len(envelope.Recipients),
	}).Info("message submitted")
	return nil
}

func (s *Sender) dial(ctx context.Context, endpoint Endpoint) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint.Addr, err)
	}

	var c *smtp.Client
	if endpoint.Insecure {
		c = smtp.NewClient(conn)
	} else {
		host, _, err := net.SplitHostPort(endpoint.Addr)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("invalid address %s: %w", endpoint.Addr, err)
		}
		c, err = smtp.NewClientStartTLS(conn, &tls.Config{ServerName: host})
		if err != nil {
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	c.CommandTimeout = s.timeout
	c.SubmissionTimeout = s.timeout
	return c, nil
}

// classify marks 421 and 45x replies as rate limiting.
func classify(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && (smtpErr.Code == 421 || smtpErr.Code == 450 || smtpErr.Code == 451 || smtpErr.Code == 452) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}
