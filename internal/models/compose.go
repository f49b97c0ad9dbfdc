package models

// ComposeState is the state of the compose window.
type ComposeState string

const (
	ComposeClosed    ComposeState = "closed"
	ComposeNormal    ComposeState = "open-normal"
	ComposeMinimized ComposeState = "open-minimized"
	ComposeMaximized ComposeState = "open-maximized"
	ComposeSending   ComposeState = "sending"
	ComposeSent      ComposeState = "sent"
)

// IsOpen reports whether a draft window is visible in some form.
func (s ComposeState) IsOpen() bool {
	return s == ComposeNormal || s == ComposeMinimized || s == ComposeMaximized
}

// ComposeMode records how a draft was started.
type ComposeMode string

const (
	ComposeNew      ComposeMode = "new"
	ComposeReply    ComposeMode = "reply"
	ComposeReplyAll ComposeMode = "reply_all"
	ComposeForward  ComposeMode = "forward"
)

// RecipientField names one of the three recipient lists of a draft.
type RecipientField string

const (
	FieldTo  RecipientField = "to"
	FieldCC  RecipientField = "cc"
	FieldBCC RecipientField = "bcc"
)

// Valid reports whether f names a recipient list.
func (f RecipientField) Valid() bool {
	return f == FieldTo || f == FieldCC || f == FieldBCC
}

// ComposeDraft is the in-memory content of a message being written.
type ComposeDraft struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Mode        ComposeMode       `json:"mode"`
	InReplyTo   string            `json:"in_reply_to,omitempty"`
	To          []Recipient       `json:"to"`
	CC          []Recipient       `json:"cc"`
	BCC         []Recipient       `json:"bcc"`
	Subject     string            `json:"subject"`
	BodyHTML    string            `json:"body_html"`
	Attachments []EmailAttachment `json:"attachments"`
	SignatureID string            `json:"signature_id,omitempty"`
	Importance  Importance        `json:"importance"`
}

// Clone returns a deep copy of the draft.
func (d *ComposeDraft) Clone() *ComposeDraft {
	if d == nil {
		return nil
	}
	c := *d
	c.To = append([]Recipient(nil), d.To...)
	c.CC = append([]Recipient(nil), d.CC...)
	c.BCC = append([]Recipient(nil), d.BCC...)
	c.Attachments = append([]EmailAttachment(nil), d.Attachments...)
	return &c
}

// Recipients returns the list for field.
func (d *ComposeDraft) Recipients(field RecipientField) []Recipient {
	switch field {
	case FieldCC:
		return d.CC
	case FieldBCC:
		return d.BCC
	default:
		return d.To
	}
}

// SetRecipients replaces the list for field.
func (d *ComposeDraft) SetRecipients(field RecipientField, list []Recipient) {
	switch field {
	case FieldCC:
		d.CC = list
	case FieldBCC:
		d.BCC = list
	default:
		d.To = list
	}
}

// OutgoingMessage is a draft assembled for the gateway: signature rendered,
// attachments uploaded.
type OutgoingMessage struct {
	AccountID   string            `json:"account_id"`
	From        string            `json:"from"`
	To          []Recipient       `json:"to"`
	CC          []Recipient       `json:"cc"`
	BCC         []Recipient       `json:"bcc"`
	Subject     string            `json:"subject"`
	BodyHTML    string            `json:"body_html"`
	Importance  Importance        `json:"importance"`
	InReplyTo   string            `json:"in_reply_to,omitempty"`
	Attachments []EmailAttachment `json:"attachments"`
}
