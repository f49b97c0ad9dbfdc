package imap

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

func TestMessageID(t *testing.T) {
	assert.Equal(t, "INBOX:42", MessageID("INBOX", 42))

	tests := []struct {
		name       string
		id         string
		wantFolder string
		wantUID    uint32
		wantErr    bool
	}{
		{name: "simple", id: "INBOX:42", wantFolder: "INBOX", wantUID: 42},
		{name: "folder with colon", id: "Work:2024:7", wantFolder: "Work:2024", wantUID: 7},
		{name: "folder with delimiter", id: "[Gmail]/All Mail:9", wantFolder: "[Gmail]/All Mail", wantUID: 9},
		{name: "no colon", id: "INBOX", wantErr: true},
		{name: "empty folder", id: ":5", wantErr: true},
		{name: "empty uid", id: "INBOX:", wantErr: true},
		{name: "zero uid", id: "INBOX:0", wantErr: true},
		{name: "non-numeric uid", id: "INBOX:abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			folder, uid, err := ParseMessageID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFolder, folder)
			assert.Equal(t, tt.wantUID, uid)
		})
	}
}

func TestToRecipient(t *testing.T) {
	t.Run("keeps personal name", func(t *testing.T) {
		r, ok := toRecipient(&imap.Address{PersonalName: "John Doe", MailboxName: "john", HostName: "example.com"})
		require.True(t, ok)
		assert.Equal(t, models.Recipient{Name: "John Doe", Address: "john@example.com"}, r)
	})

	t.Run("rejects nil and incomplete addresses", func(t *testing.T) {
		_, ok := toRecipient(nil)
		assert.False(t, ok)
		_, ok = toRecipient(&imap.Address{})
		assert.False(t, ok)
		_, ok = toRecipient(&imap.Address{MailboxName: "undisclosed-recipients"})
		assert.False(t, ok)
	})

	t.Run("list skips unusable entries", func(t *testing.T) {
		list := toRecipients([]*imap.Address{
			{MailboxName: "a", HostName: "example.com"},
			nil,
			{MailboxName: "group"},
			{MailboxName: "b", HostName: "example.com"},
		})
		assert.Equal(t, []models.Recipient{{Address: "a@example.com"}, {Address: "b@example.com"}}, list)
	})
}

func TestParseSummary(t *testing.T) {
	t.Run("maps envelope and flags", func(t *testing.T) {
		sent := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
		received := sent.Add(time.Minute)
		imapMsg := &imap.Message{
			Uid:          100,
			Flags:        []string{imap.SeenFlag, imap.FlaggedFlag},
			InternalDate: received,
			Envelope: &imap.Envelope{
				MessageId: "<msg-123@example.com>",
				From:      []*imap.Address{{PersonalName: "Sender", MailboxName: "sender", HostName: "example.com"}},
				To:        []*imap.Address{{MailboxName: "recipient", HostName: "example.com"}},
				Cc:        []*imap.Address{{MailboxName: "cc", HostName: "example.com"}},
				Subject:   "Test Subject",
				Date:      sent,
			},
		}

		msg, err := ParseSummary(imapMsg, "acc-1", "INBOX")
		require.NoError(t, err)

		assert.Equal(t, "INBOX:100", msg.ID)
		assert.Equal(t, "acc-1", msg.AccountID)
		assert.Equal(t, "INBOX", msg.FolderID)
		assert.True(t, msg.IsRead)
		assert.Equal(t, models.Recipient{Name: "Sender", Address: "sender@example.com"}, msg.From)
		assert.Len(t, msg.To, 1)
		assert.Len(t, msg.CC, 1)
		assert.Equal(t, "Test Subject", msg.Subject)
		require.NotNil(t, msg.ReceivedAt)
		assert.True(t, msg.ReceivedAt.Equal(received), "internal date wins over the Date header")
		assert.Equal(t, models.ImportanceNormal, msg.Importance)
		assert.False(t, msg.HasAttachments)
	})

	t.Run("handles nil message", func(t *testing.T) {
		_, err := ParseSummary(nil, "acc-1", "INBOX")
		assert.Error(t, err)
	})

	t.Run("handles message without envelope", func(t *testing.T) {
		msg, err := ParseSummary(&imap.Message{Uid: 200}, "acc-1", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, "INBOX:200", msg.ID)
		assert.False(t, msg.IsRead)
		assert.Nil(t, msg.ReceivedAt)
		assert.Empty(t, msg.To)
	})

	t.Run("detects attachments from body structure", func(t *testing.T) {
		imapMsg := &imap.Message{
			Uid: 3,
			BodyStructure: &imap.BodyStructure{
				MIMEType:    "multipart",
				MIMESubType: "mixed",
				Parts: []*imap.BodyStructure{
					{MIMEType: "text", MIMESubType: "plain"},
					{MIMEType: "application", MIMESubType: "pdf", Disposition: "attachment"},
				},
			},
		}

		msg, err := ParseSummary(imapMsg, "acc-1", "INBOX")
		require.NoError(t, err)
		assert.True(t, msg.HasAttachments)
	})
}

func TestParseBody(t *testing.T) {
	t.Run("text-only message keeps HTML empty", func(t *testing.T) {
		raw := "From: a@example.com\r\n" +
			"Subject: Plain\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"\r\n" +
			"Hello   there,\r\nsee you soon.\r\n"

		msg := &models.EmailMessage{Importance: models.ImportanceNormal}
		require.NoError(t, parseBody(strings.NewReader(raw), msg))

		assert.Empty(t, msg.UnsafeBodyHTML)
		assert.Contains(t, msg.BodyText, "see you soon.")
		assert.Equal(t, "Hello there, see you soon.", msg.Preview)
		assert.Empty(t, msg.Attachments)
	})

	t.Run("multipart message with HTML and attachment", func(t *testing.T) {
		raw := "From: a@example.com\r\n" +
			"Subject: Report\r\n" +
			"Importance: High\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
			"\r\n" +
			"--outer\r\n" +
			"Content-Type: text/html; charset=utf-8\r\n" +
			"\r\n" +
			"<p>Quarterly <b>report</b></p>\r\n" +
			"--outer\r\n" +
			"Content-Type: application/pdf\r\n" +
			"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
			"Content-Transfer-Encoding: base64\r\n" +
			"\r\n" +
			"JVBERi0xLjQK\r\n" +
			"--outer--\r\n"

		msg := &models.EmailMessage{Importance: models.ImportanceNormal}
		require.NoError(t, parseBody(strings.NewReader(raw), msg))

		assert.Contains(t, msg.UnsafeBodyHTML, "<b>report</b>")
		assert.Equal(t, models.ImportanceHigh, msg.Importance)
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "report.pdf", msg.Attachments[0].Name)
		assert.Equal(t, "application/pdf", msg.Attachments[0].MimeType)
		assert.Equal(t, int64(9), msg.Attachments[0].SizeBytes)
		assert.True(t, msg.HasAttachments)
	})
}

func TestImportanceFromHeaders(t *testing.T) {
	tests := []struct {
		importance string
		priority   string
		want       models.Importance
	}{
		{"High", "", models.ImportanceHigh},
		{"low", "", models.ImportanceLow},
		{"normal", "1", models.ImportanceNormal},
		{"", "1 (Highest)", models.ImportanceHigh},
		{"", "2", models.ImportanceHigh},
		{"", "3", models.ImportanceNormal},
		{"", "5 (Lowest)", models.ImportanceLow},
		{"", "", ""},
		{"urgent", "x", ""},
	}

	for _, tt := range tests {
		t.Run(tt.importance+"/"+tt.priority, func(t *testing.T) {
			assert.Equal(t, tt.want, importanceFromHeaders(tt.importance, tt.priority))
		})
	}
}

func TestMakePreview(t *testing.T) {
	assert.Equal(t, "a b c", makePreview("  a\n\tb   c "))

	long := strings.Repeat("é", previewLength+10)
	preview := makePreview(long)
	assert.Equal(t, strings.Repeat("é", previewLength)+"…", preview)
}
