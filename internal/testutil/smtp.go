package testutil

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ReceivedMessage is a message accepted by the test server.
type ReceivedMessage struct {
	Username string
	From     string
	To       []string
	Data     []byte
}

// TestSMTPServer accepts submissions with any PLAIN credentials and keeps
// every message in memory.
type TestSMTPServer struct {
	Address string

	server   *smtp.Server
	mu       sync.Mutex
	messages []*ReceivedMessage
	once     sync.Once
}

// StartSMTPServer serves on addr until Close. Use port 0 for a free port.
func StartSMTPServer(addr string) (*TestSMTPServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for SMTP: %w", err)
	}

	s := &TestSMTPServer{Address: listener.Addr().String()}
	s.server = smtp.NewServer(s)
	s.server.AllowInsecureAuth = true
	s.server.Domain = "localhost"

	go func() { _ = s.server.Serve(listener) }()
	return s, nil
}

// NewTestSMTPServer starts a server on a free local port. Callers close it.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	s, err := StartSMTPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start SMTP server: %v", err)
	}
	return s
}

// Close stops the server. It is safe to call more than once.
func (s *TestSMTPServer) Close() {
	s.once.Do(func() { _ = s.server.Close() })
}

// Username is what tests log in with. The server accepts any name.
func (s *TestSMTPServer) Username() string {
	return "test-user"
}

// Password is what tests log in with. The server accepts any password.
func (s *TestSMTPServer) Password() string {
	return "test-pass"
}

// Messages returns the messages received so far.
func (s *TestSMTPServer) Messages() []*ReceivedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ReceivedMessage(nil), s.messages...)
}

// ClearMessages forgets the received messages.
func (s *TestSMTPServer) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// NewSession implements smtp.Backend.
func (s *TestSMTPServer) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{server: s}, nil
}

type smtpSession struct {
	server   *TestSMTPServer
	username string
	from     string
	to       []string
}

func (s *smtpSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth accepts any PLAIN credentials and records the username.
func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, _ string) error {
		s.username = username
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	s.server.messages = append(s.server.messages, &ReceivedMessage{
		Username: s.username,
		From:     s.from,
		To:       s.to,
		Data:     data,
	})
	return nil
}

func (s *smtpSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *smtpSession) Logout() error {
	return nil
}
