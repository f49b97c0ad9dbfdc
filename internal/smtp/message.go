// Package smtp builds outgoing messages and submits them to the provider's
// SMTP server.
package smtp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// AttachmentSource opens the stored content of an uploaded attachment.
type AttachmentSource interface {
	Open(ctx context.Context, attachment models.EmailAttachment) (io.ReadCloser, error)
}

// Envelope is the SMTP envelope of a built message.
type Envelope struct {
	From       string
	Recipients []string
	MessageID  string
}

// BuildMessage renders msg as an RFC 5322 message. Bcc recipients are part of
// the envelope only.
func BuildMessage(ctx context.Context, msg *models.OutgoingMessage, attachments AttachmentSource, now time.Time) ([]byte, *Envelope, error) {
	if msg == nil {
		return nil, nil, fmt.Errorf("message is nil")
	}
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sender address %q: %w", msg.From, err)
	}

	messageID := newMessageID(from.Address)
	builder := enmime.Builder().
		From(from.Name, from.Address).
		ToAddrs(toAddresses(msg.To)).
		CCAddrs(toAddresses(msg.CC)).
		BCCAddrs(toAddresses(msg.BCC)).
		Date(now).
		Header("Message-ID", messageID).
		HTML([]byte(msg.BodyHTML))

	// Build refuses an empty subject; the header is cleared again below.
	subject := msg.Subject
	if subject == "" {
		subject = "-"
	}
	builder = builder.Subject(subject)

	if text, err := html2text.FromString(msg.BodyHTML); err == nil {
		builder = builder.Text([]byte(text))
	}

	for name, value := range importanceHeaders(msg.Importance) {
		builder = builder.Header(name, value)
	}

	if msg.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", msg.InReplyTo).Header("References", msg.InReplyTo)
	}

	for _, att := range msg.Attachments {
		content, err := readAttachment(ctx, attachments, att)
		if err != nil {
			return nil, nil, err
		}
		builder = builder.AddAttachment(content, att.MimeType, att.Name)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build message: %w", err)
	}
	if msg.Subject == "" {
		root.Header.Set("Subject", "")
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, nil, fmt.Errorf("failed to encode message: %w", err)
	}

	envelope := &Envelope{From: from.Address, MessageID: messageID}
	for _, list := range [][]models.Recipient{msg.To, msg.CC, msg.BCC} {
		for _, r := range list {
			envelope.Recipients = append(envelope.Recipients, r.Address)
		}
	}
	return buf.Bytes(), envelope, nil
}

func readAttachment(ctx context.Context, source AttachmentSource, att models.EmailAttachment) ([]byte, error) {
	if source == nil {
		return nil, fmt.Errorf("no attachment source for %s", att.Name)
	}
	rc, err := source.Open(ctx, att)
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment %s: %w", att.Name, err)
	}
	defer func() { _ = rc.Close() }()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %s: %w", att.Name, err)
	}
	return content, nil
}

// importanceHeaders are understood by Outlook (Importance) and most other clients (X-Priority).
func importanceHeaders(importance models.Importance) map[string]string {
	switch importance {
	case models.ImportanceHigh:
		return map[string]string{"Importance": "High", "X-Priority": "1"}
	case models.ImportanceLow:
		return map[string]string{"Importance": "Low", "X-Priority": "5"}
	default:
		return nil
	}
}

func toAddresses(recipients []models.Recipient) []mail.Address {
	addrs := make([]mail.Address, 0, len(recipients))
	for _, r := range recipients {
		addrs = append(addrs, mail.Address{Name: r.Name, Address: r.Address})
	}
	return addrs
}

func newMessageID(sender string) string {
	domain := "localhost"
	if i := strings.LastIndex(sender, "@"); i >= 0 && i < len(sender)-1 {
		domain = sender[i+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}
