package api

import (
	"net/http"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// SignaturesHandler manages the signatures of the current user.
type SignaturesHandler struct {
	*base
	maxLogoBytes int64
}

// GetSignatures lists the signatures, default first as stored.
func (h *SignaturesHandler) GetSignatures(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	list, err := s.Signatures.List(r.Context(), s.UserID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if list == nil {
		list = []models.EmailSignature{}
	}
	WriteJSONResponse(w, list)
}

// GetSignature returns one signature.
func (h *SignaturesHandler) GetSignature(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	sig, err := s.Signatures.Get(r.Context(), s.UserID, pathParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, sig)
}

// CreateSignature stores a new signature.
func (h *SignaturesHandler) CreateSignature(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var sig models.EmailSignature
	if !decodeJSON(w, r, &sig) {
		return
	}
	if err := s.Signatures.Create(r.Context(), s.UserID, &sig); err != nil {
		h.fail(w, err)
		return
	}
	if sig.IsDefault {
		if err := s.Signatures.SetDefault(r.Context(), s.UserID, sig.ID); err != nil {
			h.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sig)
}

// UpdateSignature replaces the editable fields of a signature.
func (h *SignaturesHandler) UpdateSignature(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var sig models.EmailSignature
	if !decodeJSON(w, r, &sig) {
		return
	}
	sig.ID = pathParam(r, "id")
	if err := s.Signatures.Update(r.Context(), s.UserID, &sig); err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, sig)
}

// DeleteSignature removes a signature.
func (h *SignaturesHandler) DeleteSignature(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := s.Signatures.Delete(r.Context(), s.UserID, pathParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetDefaultSignature makes a signature the one used when a draft picks none.
func (h *SignaturesHandler) SetDefaultSignature(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := s.Signatures.SetDefault(r.Context(), s.UserID, pathParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadLogo stores the multipart "logo" file as the signature's logo.
func (h *SignaturesHandler) UploadLogo(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if h.maxLogoBytes > 0 {
		// Room for the multipart framing around the file.
		r.Body = http.MaxBytesReader(w, r.Body, h.maxLogoBytes+1<<20)
	}
	part, header, err := r.FormFile("logo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing multipart field \"logo\"")
		return
	}
	defer func() { _ = part.Close() }()

	file := gateway.File{
		Name:     header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		Content:  part,
	}
	sig, err := s.Signatures.UploadLogo(r.Context(), s.UserID, pathParam(r, "id"), file)
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, sig)
}
