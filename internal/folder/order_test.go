package folder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

func TestSort(t *testing.T) {
	t.Run("system folders first then custom alphabetically", func(t *testing.T) {
		folders := []models.EmailFolder{
			{ID: "1", Type: models.FolderInbox, DisplayName: "Inbox", UnreadCount: 3},
			{ID: "2", Type: models.FolderSent, DisplayName: "Sent", UnreadCount: 0},
			{ID: "3", Type: models.FolderCustom, DisplayName: "Z", UnreadCount: 150},
			{ID: "4", Type: models.FolderDrafts, DisplayName: "Drafts", UnreadCount: 0},
			{ID: "5", Type: models.FolderCustom, DisplayName: "A", UnreadCount: 7},
		}
		Sort(folders)

		var ids []string
		for _, f := range folders {
			ids = append(ids, f.ID)
		}
		assert.Equal(t, []string{"1", "2", "4", "5", "3"}, ids)
		assert.Equal(t, "99+", UnreadLabel(folders[4].UnreadCount))
		assert.Equal(t, 150, folders[4].UnreadCount)
	})

	t.Run("full system order", func(t *testing.T) {
		folders := []models.EmailFolder{
			{ID: "archive", Type: models.FolderArchive},
			{ID: "spam", Type: models.FolderSpam},
			{ID: "trash", Type: models.FolderTrash},
			{ID: "drafts", Type: models.FolderDrafts},
			{ID: "sent", Type: models.FolderSent},
			{ID: "inbox", Type: models.FolderInbox},
		}
		Sort(folders)

		var ids []string
		for _, f := range folders {
			ids = append(ids, f.ID)
		}
		assert.Equal(t, []string{"inbox", "sent", "drafts", "trash", "spam", "archive"}, ids)
	})

	t.Run("custom folders ignore case", func(t *testing.T) {
		folders := []models.EmailFolder{
			{ID: "b", Type: models.FolderCustom, DisplayName: "beta"},
			{ID: "A", Type: models.FolderCustom, DisplayName: "Alpha"},
			{ID: "c", Type: models.FolderCustom, DisplayName: "Charlie"},
			{ID: "unknown", Type: models.FolderType("newsletters"), DisplayName: "Abc"},
		}
		Sort(folders)

		var ids []string
		for _, f := range folders {
			ids = append(ids, f.ID)
		}
		assert.Equal(t, []string{"unknown", "A", "b", "c"}, ids)
	})
}

func TestUnreadLabel(t *testing.T) {
	tests := []struct {
		count    int
		expected string
	}{
		{0, "0"},
		{1, "1"},
		{99, "99"},
		{100, "99+"},
		{150, "99+"},
		{-1, "0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, UnreadLabel(tt.count))
	}
}
