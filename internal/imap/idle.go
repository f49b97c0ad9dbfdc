package imap

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

const (
	// idleRetryDelay is the backoff after an error before reconnecting.
	idleRetryDelay = 10 * time.Second
	// idlePollInterval is used on servers without IDLE.
	idlePollInterval = 30 * time.Second
)

// Watch listens for new mail in the inbox of an account and calls onNewMail
// each time the message count grows. It reconnects after errors and blocks
// until ctx is canceled.
func (s *Service) Watch(ctx context.Context, acct Account, onNewMail func()) {
	log := s.log.WithField("account_id", acct.ID)
	for {
		if ctx.Err() != nil {
			return
		}

		listener, err := s.pool.getListener(acct.ID, acct.Endpoint, acct.Credentials)
		if err != nil {
			log.WithError(err).Warn("IDLE: failed to get listener connection")
		} else {
			func() {
				defer listener.Unlock()
				if err := s.runIdleLoop(ctx, listener.client, onNewMail); err != nil {
					log.WithError(err).Warn("IDLE: loop ended with error")
					s.pool.RemoveListener(acct.ID)
				}
			}()
		}

		select {
		case <-ctx.Done():
			s.pool.RemoveListener(acct.ID)
			return
		case <-time.After(idleRetryDelay):
		}
	}
}

// runIdleLoop selects the inbox and idles until ctx is done or the connection fails.
func (s *Service) runIdleLoop(ctx context.Context, c *imapclient.Client, onNewMail func()) error {
	updates := make(chan imapclient.Update, 10)
	c.Updates = updates
	defer func() { c.Updates = nil }()

	status, err := selectMailbox(c, inboxName, true)
	if err != nil {
		return err
	}
	known := status.Messages

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idle.NewClient(c).IdleWithFallback(stop, idlePollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return nil
		case err := <-done:
			return err
		case update := <-updates:
			if count, ok := inboxCount(update); ok {
				if count > known {
					onNewMail()
				}
				known = count
			}
		}
	}
}

// inboxCount extracts the new message count from a mailbox update.
func inboxCount(update imapclient.Update) (uint32, bool) {
	mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
	if !ok || mboxUpdate.Mailbox == nil {
		return 0, false
	}
	if mboxUpdate.Mailbox.Name != "" && mboxUpdate.Mailbox.Name != inboxName {
		return 0, false
	}
	return mboxUpdate.Mailbox.Messages, true
}
