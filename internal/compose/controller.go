// Package compose drives the draft window: opening, minimizing, editing and sending.
package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/attachment"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/notify"
	"github.com/vdavid/vmail/mailcore/internal/recipient"
)

// SignatureResolver renders the signature chosen for a draft.
type SignatureResolver interface {
	Resolve(ctx context.Context, userID, signatureID string, fields models.SignatureFields) (string, error)
}

// Sender is who a draft from an account is sent as.
type Sender struct {
	Address string
	Fields  models.SignatureFields
}

// SenderFunc looks up the sender of an account.
type SenderFunc func(accountID string) Sender

// SendOptions carries the user's answers to send-time questions.
type SendOptions struct {
	ConfirmEmptySubject bool `json:"confirm_empty_subject"`
}

// DraftUpdate changes the text fields of a draft. Nil fields are left alone.
type DraftUpdate struct {
	Subject    *string            `json:"subject,omitempty"`
	BodyHTML   *string            `json:"body_html,omitempty"`
	Importance *models.Importance `json:"importance,omitempty"`
}

// Snapshot is the compose window as shown to the user.
type Snapshot struct {
	State      models.ComposeState         `json:"state"`
	Draft      *models.ComposeDraft        `json:"draft,omitempty"`
	Uploading  bool                        `json:"uploading"`
	Uploads    []attachment.UploadProgress `json:"uploads,omitempty"`
	UploadErrs []attachment.UploadError    `json:"upload_errors,omitempty"`
	LastError  string                      `json:"last_error,omitempty"`
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Provider    gateway.MailProvider
	Storage     gateway.StorageGateway
	Attachments gateway.DraftAttachmentRepository
	Signatures  SignatureResolver
	Sender      SenderFunc
	Publisher   notify.Publisher
	Logger      *logrus.Logger
	Limits      attachment.Config
}

// Controller is the compose state machine of one user session. Only one
// draft exists at a time; it lives in memory until it is sent or closed.
type Controller struct {
	userID string
	deps   Deps
	log    *logrus.Entry

	mu       sync.Mutex
	state    models.ComposeState
	restore  models.ComposeState
	draft    *models.ComposeDraft
	pipeline *attachment.Pipeline
	lastErr  string
}

// NewController creates a closed compose controller.
func NewController(userID string, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.Sender == nil {
		deps.Sender = func(string) Sender { return Sender{} }
	}
	return &Controller{
		userID: userID,
		deps:   deps,
		log:    deps.Logger.WithFields(logrus.Fields{"component": "ComposeController", "user": userID}),
		state:  models.ComposeClosed,
	}
}

// OpenNew starts an empty draft from accountID.
func (c *Controller) OpenNew(accountID string) (*models.ComposeDraft, error) {
	return c.open(&models.ComposeDraft{AccountID: accountID, Mode: models.ComposeNew}, nil)
}

// OpenReply starts a reply to msg. With replyAll, the original To and CC
// recipients are kept, minus the sender's own address.
func (c *Controller) OpenReply(accountID string, msg *models.EmailMessage, replyAll bool) (*models.ComposeDraft, error) {
	if msg == nil {
		return nil, errors.New("reply needs a message")
	}
	self := c.deps.Sender(accountID).Address
	draft := &models.ComposeDraft{
		AccountID: accountID,
		Mode:      models.ComposeReply,
		InReplyTo: msg.ID,
		Subject:   msg.Subject,
	}
	draft.To, _ = recipient.Add(draft.To, msg.From)
	if replyAll {
		draft.Mode = models.ComposeReplyAll
		for _, r := range msg.To {
			if r.Address != self {
				draft.To, _ = recipient.Add(draft.To, r)
			}
		}
		for _, r := range msg.CC {
			if r.Address != self && !recipient.Contains(draft.To, r.Address) {
				draft.CC, _ = recipient.Add(draft.CC, r)
			}
		}
	}
	return c.open(draft, nil)
}

// OpenForward starts a forward of msg, carrying its attachments.
func (c *Controller) OpenForward(accountID string, msg *models.EmailMessage) (*models.ComposeDraft, error) {
	if msg == nil {
		return nil, errors.New("forward needs a message")
	}
	draft := &models.ComposeDraft{
		AccountID: accountID,
		Mode:      models.ComposeForward,
		InReplyTo: msg.ID,
		Subject:   msg.Subject,
	}
	return c.open(draft, msg.Attachments)
}

func (c *Controller) open(draft *models.ComposeDraft, seed []models.EmailAttachment) (*models.ComposeDraft, error) {
	c.mu.Lock()
	if c.state != models.ComposeClosed {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("open draft while %s: %w", state, gateway.ErrInvalidTransition)
	}
	draft.ID = uuid.NewString()
	if draft.Importance == "" {
		draft.Importance = models.ImportanceNormal
	}
	pipeline := attachment.New(draft.ID, c.deps.Storage, c.deps.Attachments, c.deps.Limits, c.deps.Logger)
	if len(seed) > 0 {
		pipeline.Seed(seed)
	}
	pipeline.OnChange(func() { c.attachmentsChanged(pipeline) })

	c.draft = draft
	c.pipeline = pipeline
	c.state = models.ComposeNormal
	c.restore = models.ComposeNormal
	c.lastErr = ""
	out := draft.Clone()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"draft_id": draft.ID, "mode": draft.Mode}).Debug("Opened draft")
	c.publish()
	return out, nil
}

// Minimize hides the draft without discarding it.
func (c *Controller) Minimize() error {
	return c.transition(func() error {
		switch c.state {
		case models.ComposeNormal, models.ComposeMaximized:
			c.restore = c.state
			c.state = models.ComposeMinimized
			return nil
		case models.ComposeMinimized:
			return nil
		}
		return fmt.Errorf("minimize while %s: %w", c.state, gateway.ErrInvalidTransition)
	})
}

// Restore returns a minimized draft to the state it was minimized from.
func (c *Controller) Restore() error {
	return c.transition(func() error {
		switch c.state {
		case models.ComposeMinimized:
			c.state = c.restore
			return nil
		case models.ComposeNormal, models.ComposeMaximized:
			return nil
		}
		return fmt.Errorf("restore while %s: %w", c.state, gateway.ErrInvalidTransition)
	})
}

// Maximize toggles between the normal and maximized window.
func (c *Controller) Maximize() error {
	return c.transition(func() error {
		switch c.state {
		case models.ComposeNormal:
			c.state = models.ComposeMaximized
			return nil
		case models.ComposeMaximized:
			c.state = models.ComposeNormal
			return nil
		}
		return fmt.Errorf("maximize while %s: %w", c.state, gateway.ErrInvalidTransition)
	})
}

func (c *Controller) transition(fn func() error) error {
	c.mu.Lock()
	before := c.state
	err := fn()
	after := c.state
	c.mu.Unlock()
	if err == nil && before != after {
		c.publish()
	}
	return err
}

// Close discards the draft and its uploads. Closing while a send is in
// flight is not allowed; closing with no draft does nothing.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == models.ComposeClosed:
		c.mu.Unlock()
		return nil
	case !c.state.IsOpen():
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("close while %s: %w", state, gateway.ErrInvalidTransition)
	}
	draft, pipeline := c.discardLocked()
	c.mu.Unlock()

	c.cleanup(ctx, draft, pipeline)
	c.publish()
	return nil
}

func (c *Controller) discardLocked() (*models.ComposeDraft, *attachment.Pipeline) {
	draft, pipeline := c.draft, c.pipeline
	c.draft = nil
	c.pipeline = nil
	c.state = models.ComposeClosed
	c.restore = models.ComposeNormal
	return draft, pipeline
}

func (c *Controller) cleanup(ctx context.Context, draft *models.ComposeDraft, pipeline *attachment.Pipeline) {
	if pipeline != nil {
		pipeline.Close()
	}
	if draft != nil && c.deps.Attachments != nil {
		if err := c.deps.Attachments.DeleteDraftAttachments(ctx, draft.ID); err != nil {
			c.log.WithError(err).WithField("draft_id", draft.ID).Warn("Failed to delete draft attachment metadata")
		}
	}
}

// Update edits the subject, body or importance.
func (c *Controller) Update(update DraftUpdate) (*models.ComposeDraft, error) {
	return c.edit("update", func(d *models.ComposeDraft) error {
		if update.Subject != nil {
			d.Subject = *update.Subject
		}
		if update.BodyHTML != nil {
			d.BodyHTML = *update.BodyHTML
		}
		if update.Importance != nil {
			switch *update.Importance {
			case models.ImportanceLow, models.ImportanceNormal, models.ImportanceHigh:
				d.Importance = *update.Importance
			default:
				return gateway.NewValidationError("importance", nil, "unknown importance %q", *update.Importance)
			}
		}
		return nil
	})
}

// SetSignature picks the signature appended on send. An empty ID means none.
func (c *Controller) SetSignature(signatureID string) (*models.ComposeDraft, error) {
	return c.edit("set signature", func(d *models.ComposeDraft) error {
		d.SignatureID = signatureID
		return nil
	})
}

// AddRecipient adds r to field unless the address is already there.
// It reports whether the list changed.
func (c *Controller) AddRecipient(field models.RecipientField, r models.Recipient) (bool, error) {
	added := false
	_, err := c.edit("add recipient", func(d *models.ComposeDraft) error {
		if !field.Valid() {
			return gateway.NewValidationError("field", nil, "unknown recipient field %q", field)
		}
		var list []models.Recipient
		list, added = recipient.Add(d.Recipients(field), r)
		d.SetRecipients(field, list)
		return nil
	})
	return added, err
}

// RemoveRecipient removes address from field.
func (c *Controller) RemoveRecipient(field models.RecipientField, address string) (bool, error) {
	removed := false
	_, err := c.edit("remove recipient", func(d *models.ComposeDraft) error {
		if !field.Valid() {
			return gateway.NewValidationError("field", nil, "unknown recipient field %q", field)
		}
		var list []models.Recipient
		list, removed = recipient.Remove(d.Recipients(field), address)
		d.SetRecipients(field, list)
		return nil
	})
	return removed, err
}

// RemoveLastRecipient removes the most recently added recipient of field.
func (c *Controller) RemoveLastRecipient(field models.RecipientField) (*models.Recipient, error) {
	var removed *models.Recipient
	_, err := c.edit("remove recipient", func(d *models.ComposeDraft) error {
		if !field.Valid() {
			return gateway.NewValidationError("field", nil, "unknown recipient field %q", field)
		}
		list := d.Recipients(field)
		if len(list) == 0 {
			return nil
		}
		last := list[len(list)-1]
		removed = &last
		d.SetRecipients(field, list[:len(list)-1:len(list)-1])
		return nil
	})
	return removed, err
}

// HandleInput applies a key press on a recipient field with the text typed
// so far. It returns the action taken so the caller knows whether to clear
// the text. Unparseable text is left alone without an error.
func (c *Controller) HandleInput(field models.RecipientField, text string, key recipient.Key) (recipient.Action, error) {
	action := recipient.HandleKey(text, key)
	switch action.Kind {
	case recipient.ActionAdd:
		if _, err := c.AddRecipient(field, *action.Recipient); err != nil {
			return recipient.Action{}, err
		}
	case recipient.ActionRemoveLast:
		removed, err := c.RemoveLastRecipient(field)
		if err != nil {
			return recipient.Action{}, err
		}
		action.Recipient = removed
	}
	return action, nil
}

func (c *Controller) edit(op string, fn func(d *models.ComposeDraft) error) (*models.ComposeDraft, error) {
	c.mu.Lock()
	if !c.state.IsOpen() {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%s while %s: %w", op, state, gateway.ErrInvalidTransition)
	}
	next := c.draft.Clone()
	if err := fn(next); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.draft = next
	out := next.Clone()
	c.mu.Unlock()
	c.publish()
	return out, nil
}

// Attachments returns the attachment pipeline of the open draft.
func (c *Controller) Attachments() (*attachment.Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsOpen() {
		return nil, fmt.Errorf("attach while %s: %w", c.state, gateway.ErrInvalidTransition)
	}
	return c.pipeline, nil
}

// Send validates the draft and hands it to the provider. Validation errors
// leave the controller where it was. A provider failure returns the draft
// to the normal window with its content intact; success closes it.
func (c *Controller) Send(ctx context.Context, opts SendOptions) error {
	c.mu.Lock()
	if !c.state.IsOpen() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("send while %s: %w", state, gateway.ErrInvalidTransition)
	}
	if err := c.validateLocked(opts); err != nil {
		c.mu.Unlock()
		return err
	}
	draft := c.draft.Clone()
	pipeline := c.pipeline
	c.state = models.ComposeSending
	c.lastErr = ""
	c.mu.Unlock()
	c.publish()

	err := c.send(ctx, draft, pipeline)

	c.mu.Lock()
	if err != nil {
		c.state = models.ComposeNormal
		c.restore = models.ComposeNormal
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.log.WithError(err).WithField("draft_id", draft.ID).Warn("Send failed, draft kept")
		c.publish()
		return err
	}
	c.state = models.ComposeSent
	c.mu.Unlock()
	c.publish()

	c.mu.Lock()
	discarded, p := c.discardLocked()
	c.mu.Unlock()
	c.cleanup(ctx, discarded, p)
	c.log.WithField("draft_id", draft.ID).Info("Sent message")
	c.publish()
	return nil
}

func (c *Controller) validateLocked(opts SendOptions) error {
	if len(c.draft.To) == 0 {
		return gateway.NewValidationError("to", gateway.ErrNoRecipients, "add at least one recipient")
	}
	if c.pipeline != nil && c.pipeline.Uploading() {
		return gateway.NewValidationError("attachments", gateway.ErrUploadInProgress, "wait for attachments to finish uploading")
	}
	if strings.TrimSpace(c.draft.Subject) == "" && !opts.ConfirmEmptySubject {
		return gateway.NewValidationError("subject", gateway.ErrEmptySubjectNeedsConfirmation, "the subject is empty, send anyway?")
	}
	return nil
}

func (c *Controller) send(ctx context.Context, draft *models.ComposeDraft, pipeline *attachment.Pipeline) error {
	sender := c.deps.Sender(draft.AccountID)

	body := draft.BodyHTML
	if draft.SignatureID != "" && c.deps.Signatures != nil {
		sig, err := c.deps.Signatures.Resolve(ctx, c.userID, draft.SignatureID, sender.Fields)
		if err != nil {
			return fmt.Errorf("failed to render signature: %w", err)
		}
		if sig != "" {
			body += "<br><br>" + sig
		}
	}

	var attachments []models.EmailAttachment
	if pipeline != nil {
		attachments = pipeline.Attachments()
	}

	msg := &models.OutgoingMessage{
		AccountID:   draft.AccountID,
		From:        sender.Address,
		To:          draft.To,
		CC:          draft.CC,
		BCC:         draft.BCC,
		Subject:     draft.Subject,
		BodyHTML:    body,
		Importance:  draft.Importance,
		InReplyTo:   draft.InReplyTo,
		Attachments: attachments,
	}
	if err := c.deps.Provider.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// State returns the current state.
func (c *Controller) State() models.ComposeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the window state, the draft and its uploads.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{State: c.state, Draft: c.draft.Clone(), LastError: c.lastErr}
	pipeline := c.pipeline
	c.mu.Unlock()

	if pipeline != nil && snap.Draft != nil {
		snap.Draft.Attachments = pipeline.Attachments()
		snap.Uploading = pipeline.Uploading()
		snap.Uploads = pipeline.Progress()
		snap.UploadErrs = pipeline.Errors()
	}
	return snap
}

// Shutdown discards any draft, as on logout.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	draft, pipeline := c.discardLocked()
	c.mu.Unlock()
	c.cleanup(ctx, draft, pipeline)
}

func (c *Controller) attachmentsChanged(p *attachment.Pipeline) {
	c.deps.Publisher.Publish(c.userID, notify.Event{Type: notify.AttachmentsChanged, Data: map[string]any{
		"attachments": p.Attachments(),
		"uploading":   p.Uploading(),
		"uploads":     p.Progress(),
		"errors":      p.Errors(),
	}})
}

func (c *Controller) publish() {
	c.deps.Publisher.Publish(c.userID, notify.Event{Type: notify.ComposeChanged, Data: c.Snapshot()})
}
