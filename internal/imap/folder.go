package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// specialUseTypes maps RFC 6154 SPECIAL-USE attributes to folder types.
var specialUseTypes = map[string]models.FolderType{
	imap.SentAttr:    models.FolderSent,
	imap.DraftsAttr:  models.FolderDrafts,
	imap.TrashAttr:   models.FolderTrash,
	imap.JunkAttr:    models.FolderSpam,
	imap.ArchiveAttr: models.FolderArchive,
}

// wellKnownNames is the fallback for servers without SPECIAL-USE. Keys are lowercased
// last path segments.
var wellKnownNames = map[string]models.FolderType{
	"sent":          models.FolderSent,
	"sent items":    models.FolderSent,
	"sent messages": models.FolderSent,
	"sent mail":     models.FolderSent,
	"drafts":        models.FolderDrafts,
	"trash":         models.FolderTrash,
	"deleted items": models.FolderTrash,
	"bin":           models.FolderTrash,
	"spam":          models.FolderSpam,
	"junk":          models.FolderSpam,
	"junk email":    models.FolderSpam,
	"archive":       models.FolderArchive,
	"archives":      models.FolderArchive,
}

// mailbox is one LIST entry with its resolved type.
type mailbox struct {
	Name       string
	Type       models.FolderType
	Delimiter  string
	Attributes []string
}

func (m mailbox) selectable() bool {
	for _, attr := range m.Attributes {
		if strings.EqualFold(attr, imap.NoSelectAttr) || strings.EqualFold(attr, "\\NonExistent") {
			return false
		}
	}
	return true
}

func (m mailbox) hasAttr(want string) bool {
	for _, attr := range m.Attributes {
		if strings.EqualFold(attr, want) {
			return true
		}
	}
	return false
}

// displayName is the last path segment of the mailbox name.
func (m mailbox) displayName() string {
	if m.Type == models.FolderInbox {
		return "Inbox"
	}
	if m.Delimiter != "" {
		if i := strings.LastIndex(m.Name, m.Delimiter); i >= 0 {
			return m.Name[i+len(m.Delimiter):]
		}
	}
	return m.Name
}

// folderType resolves the type from SPECIAL-USE attributes, then from the name.
func folderType(info *imap.MailboxInfo) models.FolderType {
	if strings.EqualFold(info.Name, "INBOX") {
		return models.FolderInbox
	}

	for _, attr := range info.Attributes {
		for special, t := range specialUseTypes {
			if strings.EqualFold(attr, special) {
				return t
			}
		}
	}

	name := info.Name
	if info.Delimiter != "" {
		if i := strings.LastIndex(name, info.Delimiter); i >= 0 {
			name = name[i+len(info.Delimiter):]
		}
	}
	if t, ok := wellKnownNames[strings.ToLower(name)]; ok {
		return t
	}
	return models.FolderCustom
}

// listMailboxes lists all mailboxes on the IMAP server with their roles.
// Only the first mailbox of each system type keeps the type; later ones are custom.
func listMailboxes(c *client.Client) ([]mailbox, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	infos := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", infos)
	}()

	var boxes []mailbox
	seen := make(map[models.FolderType]bool)
	for info := range infos {
		t := folderType(info)
		if t != models.FolderCustom {
			if seen[t] {
				t = models.FolderCustom
			}
			seen[t] = true
		}
		boxes = append(boxes, mailbox{
			Name:       info.Name,
			Type:       t,
			Delimiter:  info.Delimiter,
			Attributes: info.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return boxes, nil
}

// unreadCount asks the server for the number of unseen messages without selecting the mailbox.
func unreadCount(c *client.Client, name string) (int, error) {
	status, err := c.Status(name, []imap.StatusItem{imap.StatusUnseen})
	if err != nil {
		return 0, fmt.Errorf("failed to get status of %s: %w", name, err)
	}
	return int(status.Unseen), nil
}
