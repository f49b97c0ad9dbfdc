// Package gateway declares the boundaries the mail core calls but does not
// implement: the mail provider, file storage and record persistence.
package gateway

import (
	"context"
	"io"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

// ConnectStart is the first half of an OAuth-style account connection.
// The user is sent to AuthURL; the provider redirects back with State and a code.
type ConnectStart struct {
	Provider models.Provider `json:"provider"`
	AuthURL  string          `json:"auth_url"`
	State    string          `json:"state"`
}

// MessageQuery selects one page of a folder listing.
// An empty FolderID means the account's inbox.
type MessageQuery struct {
	AccountID string
	FolderID  string
	Filter    models.MessageFilter
	Cursor    string
	Limit     int
}

// MessagePage is one page of messages in provider order.
type MessagePage struct {
	Messages   []models.EmailMessage `json:"messages"`
	NextCursor string                `json:"next_cursor,omitempty"`
	HasMore    bool                  `json:"has_more"`
}

// MailProvider is the Mail Provider Gateway. All calls may block on the network
// and can fail with a *ProviderError.
type MailProvider interface {
	ListAccounts(ctx context.Context, userID string) ([]models.EmailAccount, error)
	BeginConnect(ctx context.Context, userID string, provider models.Provider) (*ConnectStart, error)
	CompleteConnect(ctx context.Context, userID, state, code string) (*models.EmailAccount, error)
	DisconnectAccount(ctx context.Context, userID, accountID string) error
	SetDefaultAccount(ctx context.Context, userID, accountID string) error

	ListFolders(ctx context.Context, accountID string) ([]models.EmailFolder, error)
	ListMessages(ctx context.Context, query MessageQuery) (*MessagePage, error)
	GetMessage(ctx context.Context, accountID, messageID string) (*models.EmailMessage, error)
	SetRead(ctx context.Context, accountID, messageID string, read bool) error
	// MoveMessage returns the message ID in the destination folder.
	MoveMessage(ctx context.Context, accountID, messageID, folderID string) (string, error)
	DeleteMessage(ctx context.Context, accountID, messageID string) error
	SendMessage(ctx context.Context, msg *models.OutgoingMessage) error
	SearchMessages(ctx context.Context, accountID, query string) ([]models.EmailMessage, error)
}

// File is a local file handed to storage.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Content  io.Reader
}

// StoredFile is where an uploaded file ended up.
type StoredFile struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// StorageGateway stores files for attachments and signature images.
type StorageGateway interface {
	UploadFile(ctx context.Context, file File, pathHint string) (*StoredFile, error)
}

// SignatureRepository persists signature records.
type SignatureRepository interface {
	ListSignatures(ctx context.Context, userID string) ([]models.EmailSignature, error)
	GetSignature(ctx context.Context, userID, signatureID string) (*models.EmailSignature, error)
	SaveSignature(ctx context.Context, signature *models.EmailSignature) error
	DeleteSignature(ctx context.Context, userID, signatureID string) error
	// SetDefaultSignature clears the flag on every other signature of the user.
	SetDefaultSignature(ctx context.Context, userID, signatureID string) error
}

// DraftAttachmentRepository persists metadata of files uploaded for a draft.
type DraftAttachmentRepository interface {
	SaveDraftAttachment(ctx context.Context, draftID string, attachment *models.EmailAttachment) error
	ListDraftAttachments(ctx context.Context, draftID string) ([]models.EmailAttachment, error)
	DeleteDraftAttachment(ctx context.Context, draftID, attachmentID string) error
	DeleteDraftAttachments(ctx context.Context, draftID string) error
}
