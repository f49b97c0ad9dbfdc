// imap-probe logs in to an IMAP server with a password and shows what the
// mail core would see there: the ordered folder list, the newest inbox
// messages and, optionally, the results of a search query.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/folder"
	"github.com/vdavid/vmail/mailcore/internal/imap"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

const defaultLimit = 10

// probeConfig is read from the environment.
type probeConfig struct {
	server   string
	user     string
	password string
	insecure bool
	query    string
	limit    int
}

func main() {
	logger := logrus.New()

	cfg, err := configFromEnv(os.Getenv)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	service := imap.NewService(imap.NewPool(1, logger), logger)
	defer service.Close()

	if err := probe(ctx, service, cfg.account(), cfg.query, cfg.limit, os.Stdout); err != nil {
		logger.Fatalf("Probe failed: %v", err)
	}
}

// configFromEnv reads IMAP_SERVER, IMAP_USER and IMAP_PASSWORD, plus the
// optional IMAP_INSECURE, PROBE_QUERY and PROBE_LIMIT.
func configFromEnv(getenv func(string) string) (probeConfig, error) {
	cfg := probeConfig{
		server:   getenv("IMAP_SERVER"),
		user:     getenv("IMAP_USER"),
		password: getenv("IMAP_PASSWORD"),
		query:    getenv("PROBE_QUERY"),
		limit:    defaultLimit,
	}
	if cfg.server == "" || cfg.user == "" || cfg.password == "" {
		return cfg, errors.New("IMAP_SERVER, IMAP_USER, and IMAP_PASSWORD environment variables are required")
	}

	if v := getenv("IMAP_INSECURE"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("IMAP_INSECURE must be true or false: %w", err)
		}
		cfg.insecure = insecure
	}
	if v := getenv("PROBE_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return cfg, fmt.Errorf("PROBE_LIMIT must be a positive integer, got %q", v)
		}
		cfg.limit = limit
	}
	return cfg, nil
}

func (c probeConfig) account() imap.Account {
	return imap.Account{
		ID:          "probe",
		Endpoint:    imap.Endpoint{Addr: c.server, Insecure: c.insecure},
		Credentials: imap.Credentials{Username: c.user, Password: c.password},
	}
}

func probe(ctx context.Context, service *imap.Service, acct imap.Account, query string, limit int, out io.Writer) error {
	folders, err := service.ListFolders(ctx, acct)
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}
	folder.Sort(folders)

	inbox := ""
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FOLDER\tTYPE\tUNREAD")
	for _, f := range folders {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.DisplayName, f.Type, folder.UnreadLabel(f.UnreadCount))
		if f.Type == models.FolderInbox && inbox == "" {
			inbox = f.ID
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if inbox == "" {
		return errors.New("server has no inbox")
	}

	page, err := service.ListMessages(ctx, acct, inbox, models.FilterAll, "", limit)
	if err != nil {
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	_, _ = fmt.Fprintf(out, "\nNewest %d inbox messages:\n", len(page.Messages))
	if err := printMessages(out, page.Messages); err != nil {
		return err
	}

	if query == "" {
		return nil
	}
	results, err := service.Search(ctx, acct, query, limit)
	if err != nil {
		return fmt.Errorf("failed to search %q: %w", query, err)
	}
	_, _ = fmt.Fprintf(out, "\nSearch %q: %d results\n", query, len(results))
	return printMessages(out, results)
}

func printMessages(out io.Writer, messages []models.EmailMessage) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, m := range messages {
		received := "-"
		if m.ReceivedAt != nil {
			received = humanize.Time(*m.ReceivedAt)
		}
		unread := " "
		if !m.IsRead {
			unread = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", unread, m.From.Address, m.Subject, received)
	}
	return w.Flush()
}
