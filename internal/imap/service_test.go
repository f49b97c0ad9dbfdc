package imap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// The memory backend starts every INBOX with one read message, UID 6.
const seededInboxUID = 6

func rawMessage(messageID, subject, from string, date time.Time) string {
	return fmt.Sprintf("Message-ID: %s\nDate: %s\nFrom: %s\nTo: me@example.com\nSubject: %s\nContent-Type: text/plain; charset=utf-8\n\nBody of %s.\n",
		messageID, date.Format(time.RFC1123Z), from, subject, subject)
}

func rawWithAttachment(messageID, subject string) string {
	return "Message-ID: " + messageID + "\n" +
		"From: files@example.com\n" +
		"Subject: " + subject + "\n" +
		"MIME-Version: 1.0\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\n" +
		"\n" +
		"--b1\n" +
		"Content-Type: text/plain\n" +
		"\n" +
		"See attached.\n" +
		"--b1\n" +
		"Content-Type: text/plain\n" +
		"Content-Disposition: attachment; filename=\"notes.txt\"\n" +
		"\n" +
		"hello\n" +
		"--b1--\n"
}

func TestService_ListFolders(t *testing.T) {
	server, acct := newTestAccount(t, "acc-folders")
	server.CreateMailbox(t, "Sent")
	server.CreateMailbox(t, "Receipts")
	server.AppendRaw(t, "INBOX", nil, rawMessage("<u1@example.com>", "Unread one", "a@example.com", time.Now()))
	server.AppendRaw(t, "INBOX", nil, rawMessage("<u2@example.com>", "Unread two", "a@example.com", time.Now()))

	service := newTestService(t, 2)
	folders, err := service.ListFolders(context.Background(), acct)
	require.NoError(t, err)

	byID := make(map[string]models.EmailFolder)
	for _, f := range folders {
		byID[f.ID] = f
		assert.Equal(t, acct.ID, f.AccountID)
	}
	require.Contains(t, byID, "INBOX")
	assert.Equal(t, models.FolderInbox, byID["INBOX"].Type)
	assert.Equal(t, "Inbox", byID["INBOX"].DisplayName)
	assert.Equal(t, 2, byID["INBOX"].UnreadCount)
	assert.Equal(t, models.FolderSent, byID["Sent"].Type)
	assert.Equal(t, models.FolderCustom, byID["Receipts"].Type)
}

func TestService_ListMessages(t *testing.T) {
	server, acct := newTestAccount(t, "acc-list")
	base := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	var uids []uint32
	for i := range 5 {
		flags := []string{imap.SeenFlag}
		if i%2 == 1 {
			flags = nil
		}
		uid := server.AppendRaw(t, "INBOX", flags, rawMessage(fmt.Sprintf("<m%d@example.com>", i), fmt.Sprintf("Message %d", i), "a@example.com", base.Add(time.Duration(i)*time.Hour)))
		uids = append(uids, uid)
	}

	service := newTestService(t, 2)
	ctx := context.Background()

	t.Run("pages newest first", func(t *testing.T) {
		first, err := service.ListMessages(ctx, acct, "", models.FilterAll, "", 4)
		require.NoError(t, err)
		require.Len(t, first.Messages, 4)
		assert.True(t, first.HasMore)
		assert.NotEmpty(t, first.NextCursor)
		assert.Equal(t, MessageID("INBOX", uids[4]), first.Messages[0].ID)
		assert.Equal(t, "Message 4", first.Messages[0].Subject)
		assert.Equal(t, "INBOX", first.Messages[0].FolderID)

		second, err := service.ListMessages(ctx, acct, "INBOX", models.FilterAll, first.NextCursor, 4)
		require.NoError(t, err)
		require.Len(t, second.Messages, 2)
		assert.False(t, second.HasMore)
		assert.Empty(t, second.NextCursor)
		assert.Equal(t, MessageID("INBOX", seededInboxUID), second.Messages[1].ID)
	})

	t.Run("unread filter", func(t *testing.T) {
		result, err := service.ListMessages(ctx, acct, "INBOX", models.FilterUnread, "", 50)
		require.NoError(t, err)
		require.Len(t, result.Messages, 2)
		for _, msg := range result.Messages {
			assert.False(t, msg.IsRead)
		}
	})

	t.Run("rejects malformed cursor", func(t *testing.T) {
		_, err := service.ListMessages(ctx, acct, "INBOX", models.FilterAll, "abc", 10)
		assert.Error(t, err)
	})

	t.Run("unknown folder", func(t *testing.T) {
		_, err := service.ListMessages(ctx, acct, "Nope", models.FilterAll, "", 10)
		assert.ErrorIs(t, err, ErrFolderNotFound)
	})
}

func TestService_HasAttachmentsFilter(t *testing.T) {
	server, acct := newTestAccount(t, "acc-attach")
	uid := server.AppendRaw(t, "INBOX", nil, rawWithAttachment("<att@example.com>", "With file"))

	service := newTestService(t, 1)
	result, err := service.ListMessages(context.Background(), acct, "INBOX", models.FilterHasAttachments, "", 10)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, MessageID("INBOX", uid), result.Messages[0].ID)
	assert.True(t, result.Messages[0].HasAttachments)
}

func TestService_GetMessage(t *testing.T) {
	server, acct := newTestAccount(t, "acc-get")
	uid := server.AppendRaw(t, "INBOX", nil, rawWithAttachment("<get@example.com>", "Open me"))
	service := newTestService(t, 1)
	ctx := context.Background()

	msg, err := service.GetMessage(ctx, acct, MessageID("INBOX", uid))
	require.NoError(t, err)
	assert.Equal(t, "Open me", msg.Subject)
	assert.Contains(t, msg.BodyText, "See attached.")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "notes.txt", msg.Attachments[0].Name)
	assert.False(t, msg.IsRead, "fetching the body does not mark the message read")

	_, err = service.GetMessage(ctx, acct, MessageID("INBOX", 999))
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, err = service.GetMessage(ctx, acct, "garbage")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestService_SetRead(t *testing.T) {
	server, acct := newTestAccount(t, "acc-read")
	uid := server.AppendRaw(t, "INBOX", nil, rawMessage("<r@example.com>", "Read me", "a@example.com", time.Now()))
	id := MessageID("INBOX", uid)
	service := newTestService(t, 1)
	ctx := context.Background()

	require.NoError(t, service.SetRead(ctx, acct, id, true))
	msg, err := service.GetMessage(ctx, acct, id)
	require.NoError(t, err)
	assert.True(t, msg.IsRead)

	require.NoError(t, service.SetRead(ctx, acct, id, false))
	msg, err = service.GetMessage(ctx, acct, id)
	require.NoError(t, err)
	assert.False(t, msg.IsRead)

	err = service.SetRead(ctx, acct, MessageID("INBOX", 999), true)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestService_Move(t *testing.T) {
	server, acct := newTestAccount(t, "acc-move")
	server.CreateMailbox(t, "Archive")
	server.AppendRaw(t, "Archive", nil, rawMessage("<old@example.com>", "Already there", "a@example.com", time.Now()))
	uid := server.AppendRaw(t, "INBOX", nil, rawMessage("<move@example.com>", "Move me", "a@example.com", time.Now()))
	service := newTestService(t, 1)
	ctx := context.Background()

	newID, err := service.Move(ctx, acct, MessageID("INBOX", uid), "Archive")
	require.NoError(t, err)
	assert.Equal(t, "Archive:2", newID)

	moved, err := service.GetMessage(ctx, acct, newID)
	require.NoError(t, err)
	assert.Equal(t, "Move me", moved.Subject)

	_, err = service.GetMessage(ctx, acct, MessageID("INBOX", uid))
	assert.ErrorIs(t, err, ErrMessageNotFound)

	sameID, err := service.Move(ctx, acct, newID, "Archive")
	require.NoError(t, err)
	assert.Equal(t, newID, sameID)

	_, err = service.Move(ctx, acct, newID, "Nowhere")
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestService_Delete(t *testing.T) {
	t.Run("moves to trash, then expunges from trash", func(t *testing.T) {
		server, acct := newTestAccount(t, "acc-delete")
		server.CreateMailbox(t, "Trash")
		uid := server.AppendRaw(t, "INBOX", nil, rawMessage("<del@example.com>", "Delete me", "a@example.com", time.Now()))
		service := newTestService(t, 1)
		ctx := context.Background()

		require.NoError(t, service.Delete(ctx, acct, MessageID("INBOX", uid)))

		trash, err := service.ListMessages(ctx, acct, "Trash", models.FilterAll, "", 10)
		require.NoError(t, err)
		require.Len(t, trash.Messages, 1)
		assert.Equal(t, "Delete me", trash.Messages[0].Subject)

		require.NoError(t, service.Delete(ctx, acct, trash.Messages[0].ID))
		trash, err = service.ListMessages(ctx, acct, "Trash", models.FilterAll, "", 10)
		require.NoError(t, err)
		assert.Empty(t, trash.Messages)
	})

	t.Run("expunges when there is no trash", func(t *testing.T) {
		server, acct := newTestAccount(t, "acc-delete-notrash")
		uid := server.AppendRaw(t, "INBOX", nil, rawMessage("<gone@example.com>", "Gone", "a@example.com", time.Now()))
		service := newTestService(t, 1)
		ctx := context.Background()

		require.NoError(t, service.Delete(ctx, acct, MessageID("INBOX", uid)))
		_, err := service.GetMessage(ctx, acct, MessageID("INBOX", uid))
		assert.ErrorIs(t, err, ErrMessageNotFound)

		err = service.Delete(ctx, acct, MessageID("INBOX", uid))
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})
}

func TestService_Search(t *testing.T) {
	server, acct := newTestAccount(t, "acc-search")
	server.CreateMailbox(t, "Sent")
	server.AppendRaw(t, "INBOX", nil, rawMessage("<s1@example.com>", "Lunch plans", "george@example.com", time.Now()))
	server.AppendRaw(t, "INBOX", nil, rawMessage("<s2@example.com>", "Quarterly report", "alice@example.com", time.Now()))
	server.AppendRaw(t, "Sent", nil, rawMessage("<s3@example.com>", "Lunch reply", "me@example.com", time.Now()))
	service := newTestService(t, 1)
	ctx := context.Background()

	t.Run("full text in inbox", func(t *testing.T) {
		results, err := service.Search(ctx, acct, "Lunch", 50)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "Lunch plans", results[0].Subject)
	})

	t.Run("header filter", func(t *testing.T) {
		results, err := service.Search(ctx, acct, "from:alice", 50)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "Quarterly report", results[0].Subject)
	})

	t.Run("folder filter matches case-insensitively", func(t *testing.T) {
		results, err := service.Search(ctx, acct, "folder:sent Lunch", 50)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "Lunch reply", results[0].Subject)
		assert.Equal(t, "Sent", results[0].FolderID)
	})

	t.Run("respects limit", func(t *testing.T) {
		results, err := service.Search(ctx, acct, "", 2)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("no matches", func(t *testing.T) {
		results, err := service.Search(ctx, acct, "zebra", 50)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("invalid query", func(t *testing.T) {
		_, err := service.Search(ctx, acct, "after:yesterday", 50)
		assert.Error(t, err)
	})
}
