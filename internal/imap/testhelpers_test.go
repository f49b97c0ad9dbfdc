package imap

import (
	"testing"

	"github.com/vdavid/vmail/mailcore/internal/testutil"
)

// newTestAccount starts an in-memory IMAP server and returns an account that logs in to it.
func newTestAccount(t *testing.T, id string) (*testutil.TestIMAPServer, Account) {
	t.Helper()

	server := testutil.NewTestIMAPServer(t)
	t.Cleanup(server.Close)

	return server, Account{
		ID:       id,
		Endpoint: Endpoint{Addr: server.Address, Insecure: true},
		Credentials: Credentials{
			Username: server.Username(),
			Password: server.Password(),
		},
	}
}

func newTestService(t *testing.T, maxWorkers int) *Service {
	t.Helper()
	service := NewService(NewPool(maxWorkers, nil), nil)
	t.Cleanup(service.Close)
	return service
}
