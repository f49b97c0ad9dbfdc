package testutil

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// The memory backend has a single user with these credentials.
const (
	imapUsername = "username"
	imapPassword = "password"
)

// TestIMAPServer is an in-memory IMAP server without TLS. Its one mailbox
// starts with an INBOX holding a single message.
type TestIMAPServer struct {
	Address string

	server *server.Server
	once   sync.Once
}

// StartIMAPServer serves on addr until Close and creates folders next to
// INBOX. Use port 0 for a free port. The memory backend has no SPECIAL-USE
// support, so folders are told apart by name.
func StartIMAPServer(addr string, folders ...string) (*TestIMAPServer, error) {
	be := memory.New()
	if len(folders) > 0 {
		user, err := be.Login(nil, imapUsername, imapPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to log in to memory backend: %w", err)
		}
		for _, name := range folders {
			if err := user.CreateMailbox(name); err != nil {
				return nil, fmt.Errorf("failed to create folder %s: %w", name, err)
			}
		}
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for IMAP: %w", err)
	}

	s := server.New(be)
	s.AllowInsecureAuth = true
	go func() { _ = s.Serve(listener) }()

	return &TestIMAPServer{Address: listener.Addr().String(), server: s}, nil
}

// NewTestIMAPServer starts a server on a free local port. Callers close it.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := StartIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	return s
}

// Close stops the server. It is safe to call more than once.
func (s *TestIMAPServer) Close() {
	s.once.Do(func() { _ = s.server.Close() })
}

// Username returns the login of the server's only user.
func (s *TestIMAPServer) Username() string {
	return imapUsername
}

// Password returns the password of the server's only user.
func (s *TestIMAPServer) Password() string {
	return imapPassword
}

// Connect logs a new client in. Call the returned func to log out.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	if err := client.Login(imapUsername, imapPassword); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}
	return client, func() { _ = client.Logout() }
}

// EnsureINBOX creates INBOX if a test removed it.
func (s *TestIMAPServer) EnsureINBOX(t *testing.T) {
	t.Helper()

	client, logout := s.Connect(t)
	defer logout()

	if _, err := client.Select("INBOX", true); err == nil {
		return
	}
	if err := client.Create("INBOX"); err != nil {
		t.Fatalf("Failed to create INBOX: %v", err)
	}
}

// CreateMailbox creates a folder.
func (s *TestIMAPServer) CreateMailbox(t *testing.T, name string) {
	t.Helper()

	client, logout := s.Connect(t)
	defer logout()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create mailbox %s: %v", name, err)
	}
}

// AppendRaw appends an RFC 822 message with the given flags and returns its UID.
// The memory backend hands out UIDs in order, so the new message has the highest one.
func (s *TestIMAPServer) AppendRaw(t *testing.T, folderName string, flags []string, raw string) uint32 {
	t.Helper()

	client, logout := s.Connect(t)
	defer logout()

	raw = strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\n", "\r\n")
	if err := client.Append(folderName, flags, time.Now(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	mbox, err := client.Select(folderName, true)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	if mbox.UidNext == 0 {
		t.Fatalf("Server did not report UIDNEXT for %s", folderName)
	}
	return mbox.UidNext - 1
}

// AddMessage adds a read plain-text message and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()

	raw := fmt.Sprintf("Message-ID: %s\nDate: %s\nFrom: %s\nTo: %s\nSubject: %s\nContent-Type: text/plain; charset=utf-8\n\nTest message body.\n",
		messageID, sentAt.Format(time.RFC1123Z), from, to, subject)
	return s.AppendRaw(t, folderName, []string{imap.SeenFlag}, raw)
}
