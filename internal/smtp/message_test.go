package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

type mapSource map[string]string

func (m mapSource) Open(_ context.Context, att models.EmailAttachment) (io.ReadCloser, error) {
	content, ok := m[att.URL]
	if !ok {
		return nil, errors.New("not stored")
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func outgoing() *models.OutgoingMessage {
	return &models.OutgoingMessage{
		AccountID:  "acc-1",
		From:       "Me <me@example.com>",
		To:         []models.Recipient{{Name: "Ann", Address: "ann@example.com"}},
		CC:         []models.Recipient{{Address: "cc@example.com"}},
		BCC:        []models.Recipient{{Address: "hidden@example.com"}},
		Subject:    "Hello",
		BodyHTML:   "<p>Hi <b>Ann</b></p>",
		Importance: models.ImportanceNormal,
	}
}

func parse(t *testing.T, raw []byte) *enmime.Envelope {
	t.Helper()
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	return env
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("headers, bodies and envelope", func(t *testing.T) {
		raw, envelope, err := BuildMessage(ctx, outgoing(), nil, now)
		require.NoError(t, err)

		env := parse(t, raw)
		assert.Equal(t, "Hello", env.GetHeader("Subject"))
		assert.Contains(t, env.GetHeader("From"), "me@example.com")
		assert.Contains(t, env.GetHeader("To"), "ann@example.com")
		assert.Contains(t, env.GetHeader("Cc"), "cc@example.com")
		assert.Empty(t, env.GetHeader("Bcc"))
		assert.NotContains(t, string(raw), "hidden@example.com")
		assert.Contains(t, env.HTML, "<b>Ann</b>")
		assert.Contains(t, env.Text, "Hi")
		assert.Empty(t, env.GetHeader("Importance"))

		assert.Equal(t, "me@example.com", envelope.From)
		assert.Equal(t, []string{"ann@example.com", "cc@example.com", "hidden@example.com"}, envelope.Recipients)
		assert.True(t, strings.HasSuffix(envelope.MessageID, "@example.com>"))
		assert.Equal(t, envelope.MessageID, env.GetHeader("Message-ID"))
	})

	t.Run("importance headers", func(t *testing.T) {
		msg := outgoing()
		msg.Importance = models.ImportanceHigh
		raw, _, err := BuildMessage(ctx, msg, nil, now)
		require.NoError(t, err)
		env := parse(t, raw)
		assert.Equal(t, "High", env.GetHeader("Importance"))
		assert.Equal(t, "1", env.GetHeader("X-Priority"))

		msg.Importance = models.ImportanceLow
		raw, _, err = BuildMessage(ctx, msg, nil, now)
		require.NoError(t, err)
		assert.Equal(t, "5", parse(t, raw).GetHeader("X-Priority"))
	})

	t.Run("empty subject is allowed", func(t *testing.T) {
		msg := outgoing()
		msg.Subject = ""
		raw, _, err := BuildMessage(ctx, msg, nil, now)
		require.NoError(t, err)
		assert.Empty(t, parse(t, raw).GetHeader("Subject"))
	})

	t.Run("reply headers", func(t *testing.T) {
		msg := outgoing()
		msg.InReplyTo = "<orig@example.com>"
		raw, _, err := BuildMessage(ctx, msg, nil, now)
		require.NoError(t, err)
		env := parse(t, raw)
		assert.Equal(t, "<orig@example.com>", env.GetHeader("In-Reply-To"))
		assert.Equal(t, "<orig@example.com>", env.GetHeader("References"))
	})

	t.Run("attachments come from the source", func(t *testing.T) {
		msg := outgoing()
		msg.Attachments = []models.EmailAttachment{{ID: "a1", Name: "notes.txt", MimeType: "text/plain", SizeBytes: 5, URL: "/uploads/notes.txt"}}
		raw, _, err := BuildMessage(ctx, msg, mapSource{"/uploads/notes.txt": "hello"}, now)
		require.NoError(t, err)

		env := parse(t, raw)
		require.Len(t, env.Attachments, 1)
		assert.Equal(t, "notes.txt", env.Attachments[0].FileName)
		assert.Equal(t, "hello", string(env.Attachments[0].Content))
	})

	t.Run("missing attachment content fails", func(t *testing.T) {
		msg := outgoing()
		msg.Attachments = []models.EmailAttachment{{ID: "a1", Name: "gone.txt", URL: "/uploads/gone.txt"}}
		_, _, err := BuildMessage(ctx, msg, mapSource{}, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gone.txt")

		_, _, err = BuildMessage(ctx, msg, nil, now)
		assert.Error(t, err)
	})

	t.Run("invalid sender", func(t *testing.T) {
		msg := outgoing()
		msg.From = "not an address"
		_, _, err := BuildMessage(ctx, msg, nil, now)
		assert.Error(t, err)

		_, _, err = BuildMessage(ctx, nil, nil, now)
		assert.Error(t, err)
	})
}

func TestNewMessageID(t *testing.T) {
	assert.True(t, strings.HasSuffix(newMessageID("a@mail.example.org"), "@mail.example.org>"))
	assert.True(t, strings.HasSuffix(newMessageID("broken"), "@localhost>"))
	assert.NotEqual(t, newMessageID("a@b.c"), newMessageID("a@b.c"))
}
