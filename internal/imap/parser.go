package imap

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

const previewLength = 200

// importanceSection fetches only the headers that carry a priority.
var importanceSection = &imap.BodySectionName{
	BodyPartName: imap.BodyPartName{
		Specifier: imap.HeaderSpecifier,
		Fields:    []string{"Importance", "X-Priority"},
	},
	Peek: true,
}

// MessageID builds the message ID the rest of the app uses: "<folder>:<uid>".
func MessageID(folder string, uid uint32) string {
	return folder + ":" + strconv.FormatUint(uint64(uid), 10)
}

// ParseMessageID splits a message ID built by MessageID. Folder names may
// contain colons; the UID never does.
func ParseMessageID(id string) (string, uint32, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%w: malformed message id %q", ErrMessageNotFound, id)
	}
	uid, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, fmt.Errorf("%w: malformed message id %q", ErrMessageNotFound, id)
	}
	return id[:i], uint32(uid), nil
}

// ParseSummary converts a list FETCH response to a message without a body.
func ParseSummary(imapMsg *imap.Message, accountID, folder string) (*models.EmailMessage, error) {
	if imapMsg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}

	msg := &models.EmailMessage{
		ID:         MessageID(folder, imapMsg.Uid),
		AccountID:  accountID,
		FolderID:   folder,
		Importance: models.ImportanceNormal,
		To:         []models.Recipient{},
		CC:         []models.Recipient{},
	}

	for _, flag := range imapMsg.Flags {
		if flag == imap.SeenFlag {
			msg.IsRead = true
		}
	}

	if env := imapMsg.Envelope; env != nil {
		if len(env.From) > 0 {
			if from, ok := toRecipient(env.From[0]); ok {
				msg.From = from
			}
		}
		msg.To = toRecipients(env.To)
		msg.CC = toRecipients(env.Cc)
		msg.Subject = env.Subject
		if !env.Date.IsZero() {
			date := env.Date
			msg.ReceivedAt = &date
		}
	}

	if !imapMsg.InternalDate.IsZero() {
		date := imapMsg.InternalDate
		msg.ReceivedAt = &date
	}

	if imapMsg.BodyStructure != nil {
		msg.HasAttachments = hasAttachments(imapMsg.BodyStructure)
	}

	if header := imapMsg.GetBody(importanceSection); header != nil {
		msg.Importance = parseImportance(header)
	}

	return msg, nil
}

// ParseFull converts a FETCH response that includes the whole RFC 822 message.
func ParseFull(imapMsg *imap.Message, accountID, folder string) (*models.EmailMessage, error) {
	msg, err := ParseSummary(imapMsg, accountID, folder)
	if err != nil {
		return nil, err
	}

	body := imapMsg.GetBody(&imap.BodySectionName{Peek: true})
	if body == nil {
		return nil, fmt.Errorf("server did not return the message body")
	}

	if err := parseBody(body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// parseBody parses the email body using enmime. A text-only message keeps
// UnsafeBodyHTML empty so the text is shown as text.
func parseBody(bodyReader io.Reader, msg *models.EmailMessage) error {
	envelope, err := enmime.ReadEnvelope(bodyReader)
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	msg.UnsafeBodyHTML = envelope.HTML
	msg.BodyText = envelope.Text
	msg.Preview = makePreview(envelope.Text)
	if imp := importanceFromHeaders(envelope.GetHeader("Importance"), envelope.GetHeader("X-Priority")); imp != "" {
		msg.Importance = imp
	}

	msg.Attachments = make([]models.EmailAttachment, 0, len(envelope.Attachments))
	for i, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, models.EmailAttachment{
			ID:        strconv.Itoa(i + 1),
			Name:      part.FileName,
			MimeType:  part.ContentType,
			SizeBytes: int64(len(part.Content)),
		})
	}
	msg.HasAttachments = msg.HasAttachments || len(msg.Attachments) > 0

	return nil
}

// makePreview collapses whitespace and cuts the text to previewLength runes.
func makePreview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLength]) + "…"
}

func parseImportance(header io.Reader) models.Importance {
	raw, err := io.ReadAll(header)
	if err != nil {
		return models.ImportanceNormal
	}
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(append(raw, '\r', '\n')))
	if err != nil {
		return models.ImportanceNormal
	}
	if imp := importanceFromHeaders(envelope.GetHeader("Importance"), envelope.GetHeader("X-Priority")); imp != "" {
		return imp
	}
	return models.ImportanceNormal
}

// importanceFromHeaders reads "Importance: high|normal|low" or "X-Priority: 1-5".
func importanceFromHeaders(importance, priority string) models.Importance {
	switch strings.ToLower(strings.TrimSpace(importance)) {
	case "high":
		return models.ImportanceHigh
	case "low":
		return models.ImportanceLow
	case "normal":
		return models.ImportanceNormal
	}

	priority = strings.TrimSpace(priority)
	if priority == "" {
		return ""
	}
	switch priority[0] {
	case '1', '2':
		return models.ImportanceHigh
	case '4', '5':
		return models.ImportanceLow
	case '3':
		return models.ImportanceNormal
	}
	return ""
}

func hasAttachments(bs *imap.BodyStructure) bool {
	found := false
	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if strings.EqualFold(part.Disposition, "attachment") {
			found = true
		}
		return !found
	})
	return found
}

func toRecipient(address *imap.Address) (models.Recipient, bool) {
	if address == nil || address.MailboxName == "" || address.HostName == "" {
		return models.Recipient{}, false
	}
	return models.Recipient{
		Name:    address.PersonalName,
		Address: address.MailboxName + "@" + address.HostName,
	}, true
}

func toRecipients(addresses []*imap.Address) []models.Recipient {
	result := make([]models.Recipient, 0, len(addresses))
	for _, address := range addresses {
		if r, ok := toRecipient(address); ok {
			result = append(result, r)
		}
	}
	return result
}
