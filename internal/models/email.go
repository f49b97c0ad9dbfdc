package models

import "time"

// Provider identifies the mail service behind a connected account.
type Provider string

const (
	ProviderOutlook Provider = "outlook"
	ProviderGmail   Provider = "gmail"
)

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	return p == ProviderOutlook || p == ProviderGmail
}

// EmailAccount is a mail account a user has connected.
type EmailAccount struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	EmailAddress string     `json:"email_address"`
	Provider     Provider   `json:"provider"`
	IsDefault    bool       `json:"is_default"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	SyncError    bool       `json:"sync_error"`
}

// FolderType is the system role of a folder. Anything not listed is custom.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderTrash   FolderType = "trash"
	FolderSpam    FolderType = "spam"
	FolderArchive FolderType = "archive"
	FolderCustom  FolderType = "custom"
)

// EmailFolder is a mailbox belonging to an account.
type EmailFolder struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Type        FolderType `json:"type"`
	DisplayName string     `json:"display_name"`
	UnreadCount int        `json:"unread_count"`
}

// Importance is the priority a sender attached to a message.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// Recipient is a parsed mailbox: an address with an optional display name.
type Recipient struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String renders the recipient the way it would appear in a header.
func (r Recipient) String() string {
	if r.Name == "" {
		return r.Address
	}
	return r.Name + " <" + r.Address + ">"
}

// EmailMessage is a message as returned by the provider. List payloads may
// leave UnsafeBodyHTML and BodyText empty; the full body is loaded on open.
// UnsafeBodyHTML never leaves the server; clients get the sanitized body.
type EmailMessage struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	FolderID       string            `json:"folder_id"`
	From           Recipient         `json:"from"`
	To             []Recipient       `json:"to"`
	CC             []Recipient       `json:"cc"`
	Subject        string            `json:"subject"`
	UnsafeBodyHTML string            `json:"-"`
	BodyText       string            `json:"body_text,omitempty"`
	Preview        string            `json:"preview"`
	ReceivedAt     *time.Time        `json:"received_at"`
	IsRead         bool              `json:"is_read"`
	Importance     Importance        `json:"importance"`
	HasAttachments bool              `json:"has_attachments"`
	Attachments    []EmailAttachment `json:"attachments,omitempty"`
	WebLink        string            `json:"web_link,omitempty"`
}

// EmailAttachment is a file attached to a message or draft. URL is set once
// the file has been uploaded to storage.
type EmailAttachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	URL       string `json:"url,omitempty"`
}

// SameFile reports whether a and b count as the same file for duplicate detection.
func (a EmailAttachment) SameFile(b EmailAttachment) bool {
	return a.Name == b.Name && a.SizeBytes == b.SizeBytes
}

// MessageFilter narrows a folder listing.
type MessageFilter string

const (
	FilterAll            MessageFilter = "all"
	FilterUnread         MessageFilter = "unread"
	FilterHasAttachments MessageFilter = "has_attachments"
)

// Valid reports whether f is one of the supported filters.
func (f MessageFilter) Valid() bool {
	return f == FilterAll || f == FilterUnread || f == FilterHasAttachments
}
