package api

import (
	"net/http"

	"github.com/vdavid/vmail/mailcore/internal/compose"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/recipient"
)

// ComposeHandler drives the compose window of the current user.
type ComposeHandler struct {
	*base
}

// GetCompose returns the compose window state.
func (h *ComposeHandler) GetCompose(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	WriteJSONResponse(w, s.Compose.Snapshot())
}

type openComposeRequest struct {
	Mode      models.ComposeMode `json:"mode"`
	AccountID string             `json:"account_id"`
	MessageID string             `json:"message_id"`
}

// OpenCompose starts a new draft, a reply or a forward. Replies and forwards
// name the original by message_id.
func (h *ComposeHandler) OpenCompose(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req openComposeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		if a := s.Accounts.Selected(); a != nil {
			req.AccountID = a.ID
		}
	}
	if req.Mode == "" {
		req.Mode = models.ComposeNew
	}

	var original *models.EmailMessage
	if req.Mode != models.ComposeNew {
		if req.MessageID == "" {
			writeError(w, http.StatusBadRequest, "message_id is required to "+string(req.Mode))
			return
		}
		msg, err := s.Messages.Get(r.Context(), req.MessageID)
		if err != nil {
			h.fail(w, err)
			return
		}
		original = msg
	}

	var err error
	switch req.Mode {
	case models.ComposeNew:
		_, err = s.Compose.OpenNew(req.AccountID)
	case models.ComposeReply, models.ComposeReplyAll:
		_, err = s.Compose.OpenReply(req.AccountID, original, req.Mode == models.ComposeReplyAll)
	case models.ComposeForward:
		_, err = s.Compose.OpenForward(req.AccountID, original)
	default:
		writeError(w, http.StatusBadRequest, "unknown mode "+string(req.Mode))
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Compose.Snapshot())
}

// windowAction adapts a window transition to a handler.
func (h *ComposeHandler) windowAction(action func(c *compose.Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := h.session(w, r)
		if !ok {
			return
		}
		if err := action(s.Compose); err != nil {
			h.fail(w, err)
			return
		}
		WriteJSONResponse(w, s.Compose.Snapshot())
	}
}

// Minimize collapses the window.
func (h *ComposeHandler) Minimize(w http.ResponseWriter, r *http.Request) {
	h.windowAction((*compose.Controller).Minimize)(w, r)
}

// Restore brings the window back to the size it had.
func (h *ComposeHandler) Restore(w http.ResponseWriter, r *http.Request) {
	h.windowAction((*compose.Controller).Restore)(w, r)
}

// Maximize enlarges the window.
func (h *ComposeHandler) Maximize(w http.ResponseWriter, r *http.Request) {
	h.windowAction((*compose.Controller).Maximize)(w, r)
}

// CloseCompose discards the draft and its uploads.
func (h *ComposeHandler) CloseCompose(w http.ResponseWriter, r *http.Request) {
	h.windowAction(func(c *compose.Controller) error { return c.Close(r.Context()) })(w, r)
}

// UpdateDraft changes subject, body or importance.
func (h *ComposeHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var update compose.DraftUpdate
	if !decodeJSON(w, r, &update) {
		return
	}
	if _, err := s.Compose.Update(update); err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, s.Compose.Snapshot())
}

type setSignatureRequest struct {
	SignatureID string `json:"signature_id"`
}

// SetSignature picks the signature appended on send. An empty ID means none.
func (h *ComposeHandler) SetSignature(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req setSignatureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.Compose.SetSignature(req.SignatureID); err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, s.Compose.Snapshot())
}

type recipientRequest struct {
	Field   models.RecipientField `json:"field"`
	Name    string                `json:"name"`
	Address string                `json:"address"`
}

// AddRecipient adds a recipient picked by the client, for example from
// suggestions. The address goes through the same parser as typed text.
// Duplicates are ignored.
func (h *ComposeHandler) AddRecipient(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req recipientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	parsed := recipient.Parse(req.Address)
	if parsed == nil {
		h.fail(w, gateway.NewValidationError("address", nil, "%q is not an email address", req.Address))
		return
	}
	if req.Name != "" {
		parsed.Name = req.Name
	}
	if _, err := s.Compose.AddRecipient(req.Field, *parsed); err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, s.Compose.Snapshot())
}

// RemoveRecipient removes ?address= from ?field=, or the last recipient of
// the field when no address is given.
func (h *ComposeHandler) RemoveRecipient(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	field := models.RecipientField(r.URL.Query().Get("field"))
	var err error
	if address := r.URL.Query().Get("address"); address != "" {
		_, err = s.Compose.RemoveRecipient(field, address)
	} else {
		_, err = s.Compose.RemoveLastRecipient(field)
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, s.Compose.Snapshot())
}

type recipientInputRequest struct {
	Field models.RecipientField `json:"field"`
	Text  string                `json:"text"`
	Key   recipient.Key         `json:"key"`
}

type recipientInputResponse struct {
	// ClearText tells the client to empty the input.
	ClearText bool             `json:"clear_text"`
	Compose   compose.Snapshot `json:"compose"`
}

// RecipientInput handles a key press in a recipient field: commit keys
// parse the typed text, Backspace on an empty field removes the last chip.
func (h *ComposeHandler) RecipientInput(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req recipientInputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action, err := s.Compose.HandleInput(req.Field, req.Text, req.Key)
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, recipientInputResponse{
		ClearText: action.Kind == recipient.ActionAdd,
		Compose:   s.Compose.Snapshot(),
	})
}

// Send validates and sends the draft. An empty subject is answered with 422
// until the client repeats the request with confirm_empty_subject.
func (h *ComposeHandler) Send(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var opts compose.SendOptions
	if r.ContentLength != 0 && !decodeJSON(w, r, &opts) {
		return
	}
	if err := s.Compose.Send(r.Context(), opts); err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, s.Compose.Snapshot())
}
