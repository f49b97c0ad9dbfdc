package api

import (
	"net/http"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

// MessagesHandler serves the message list of the selected folder and the
// open message.
type MessagesHandler struct {
	*base
}

// GetMessages returns the loaded pages. With ?filter= the folder is reloaded
// with that filter first.
func (h *MessagesHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if filter := r.URL.Query().Get("filter"); filter != "" {
		page, err := s.Messages.SetFilter(r.Context(), models.MessageFilter(filter))
		if err != nil {
			h.fail(w, err)
			return
		}
		WriteJSONResponse(w, page)
		return
	}
	WriteJSONResponse(w, s.Messages.Page())
}

// LoadMore appends the next page of the current folder.
func (h *MessagesHandler) LoadMore(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	page, err := s.Messages.LoadMore(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, page)
}

// GetMessage opens a message with its sanitized body and marks it read.
func (h *MessagesHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	view, err := s.Messages.Open(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, view)
}

// CloseMessage returns to the list.
func (h *MessagesHandler) CloseMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	s.Messages.Close()
	w.WriteHeader(http.StatusNoContent)
}

type markReadRequest struct {
	Read bool `json:"read"`
}

// MarkRead sets or clears the read flag.
func (h *MessagesHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req markReadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Messages.MarkRead(r.Context(), pathParam(r, "id"), req.Read); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveRequest struct {
	FolderID string `json:"folder_id"`
}

// MoveMessage moves a message to another folder of the same account.
func (h *MessagesHandler) MoveMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req moveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FolderID == "" {
		writeError(w, http.StatusBadRequest, "folder_id is required")
		return
	}
	if err := s.Messages.Move(r.Context(), pathParam(r, "id"), req.FolderID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMessage moves a message to the trash.
func (h *MessagesHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := s.Messages.Delete(r.Context(), pathParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
