package imap

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/testutil"
)

func TestFolderType(t *testing.T) {
	tests := []struct {
		name string
		info *imap.MailboxInfo
		want models.FolderType
	}{
		{"inbox any case", &imap.MailboxInfo{Name: "Inbox"}, models.FolderInbox},
		{"special-use sent", &imap.MailboxInfo{Name: "[Gmail]/Gesendet", Delimiter: "/", Attributes: []string{imap.SentAttr}}, models.FolderSent},
		{"special-use junk", &imap.MailboxInfo{Name: "Bulk", Attributes: []string{"\\junk"}}, models.FolderSpam},
		{"well-known name", &imap.MailboxInfo{Name: "Deleted Items"}, models.FolderTrash},
		{"well-known last segment", &imap.MailboxInfo{Name: "Work/Archive", Delimiter: "/"}, models.FolderArchive},
		{"custom", &imap.MailboxInfo{Name: "Receipts"}, models.FolderCustom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, folderType(tt.info))
		})
	}
}

func TestMailboxDisplayName(t *testing.T) {
	assert.Equal(t, "Inbox", mailbox{Name: "INBOX", Type: models.FolderInbox}.displayName())
	assert.Equal(t, "Sent Mail", mailbox{Name: "[Gmail]/Sent Mail", Delimiter: "/"}.displayName())
	assert.Equal(t, "Projects", mailbox{Name: "Projects"}.displayName())
}

func TestMailboxSelectable(t *testing.T) {
	assert.True(t, mailbox{Name: "INBOX"}.selectable())
	assert.False(t, mailbox{Name: "[Gmail]", Attributes: []string{imap.NoSelectAttr}}.selectable())
	assert.False(t, mailbox{Name: "Gone", Attributes: []string{"\\NonExistent"}}.selectable())
}

func TestListMailboxes(t *testing.T) {
	t.Run("returns error for nil client", func(t *testing.T) {
		_, err := listMailboxes(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "client is nil")
	})

	t.Run("resolves types from names on servers without SPECIAL-USE", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		t.Cleanup(server.Close)
		server.CreateMailbox(t, "Sent")
		server.CreateMailbox(t, "Trash")
		server.CreateMailbox(t, "Old/Trash")
		server.CreateMailbox(t, "Receipts")

		c, cleanup := server.Connect(t)
		t.Cleanup(cleanup)

		boxes, err := listMailboxes(c)
		require.NoError(t, err)

		types := make(map[string]models.FolderType)
		for _, box := range boxes {
			types[box.Name] = box.Type
		}
		assert.Equal(t, models.FolderInbox, types["INBOX"])
		assert.Equal(t, models.FolderSent, types["Sent"])
		assert.Equal(t, models.FolderCustom, types["Receipts"])

		trashCount := 0
		for _, name := range []string{"Trash", "Old/Trash"} {
			if types[name] == models.FolderTrash {
				trashCount++
			}
		}
		assert.Equal(t, 1, trashCount, "only one mailbox keeps the trash role")
	})
}

func TestUnreadCount(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	t.Cleanup(server.Close)
	server.CreateMailbox(t, "Fresh")

	c, cleanup := server.Connect(t)
	t.Cleanup(cleanup)

	count, err := unreadCount(c, "Fresh")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = unreadCount(c, "Missing")
	assert.Error(t, err)
}
