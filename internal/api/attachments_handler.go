package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/vdavid/vmail/mailcore/internal/attachment"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temp files.
const multipartMemory = 32 << 20

// AttachmentsHandler uploads and removes attachments of the open draft.
type AttachmentsHandler struct {
	*base
	limits attachment.Config
}

type attachmentsResponse struct {
	UploadIDs   []string                    `json:"upload_ids,omitempty"`
	Attachments []models.EmailAttachment    `json:"attachments"`
	Uploads     []attachment.UploadProgress `json:"uploads"`
	Errors      []attachment.UploadError    `json:"errors"`
}

func attachmentsPayload(p *attachment.Pipeline, uploadIDs []string) attachmentsResponse {
	return attachmentsResponse{
		UploadIDs:   uploadIDs,
		Attachments: p.Attachments(),
		Uploads:     p.Progress(),
		Errors:      p.Errors(),
	}
}

// GetAttachments returns finished attachments, uploads in flight and errors.
func (h *AttachmentsHandler) GetAttachments(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	p, err := s.Compose.Attachments()
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, attachmentsPayload(p, nil))
}

// AddAttachments starts uploading every file of the multipart "files" field.
// Uploads continue after the response; rejected files show up in errors.
func (h *AttachmentsHandler) AddAttachments(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	p, err := s.Compose.Attachments()
	if err != nil {
		h.fail(w, err)
		return
	}

	if limit := h.bodyLimit(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files in field \"files\"")
		return
	}

	files := make([]gateway.File, 0, len(headers))
	for _, header := range headers {
		file, err := h.readPart(header)
		if err != nil {
			h.fail(w, err)
			return
		}
		files = append(files, file)
	}

	writeJSON(w, http.StatusAccepted, attachmentsPayload(p, p.Add(files...)))
}

// bodyLimit caps a request at a full draft of files plus room for the
// multipart framing. Zero means no cap.
func (h *AttachmentsHandler) bodyLimit() int64 {
	if h.limits.MaxFileBytes <= 0 || h.limits.MaxCount <= 0 {
		return 0
	}
	return int64(h.limits.MaxCount)*h.limits.MaxFileBytes + 1<<20
}

// readPart buffers a part so the upload can outlive the request. Parts over
// the size limit are not read at all; the pipeline rejects them by size.
func (h *AttachmentsHandler) readPart(header *multipart.FileHeader) (gateway.File, error) {
	file := gateway.File{
		Name:     header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		Content:  http.NoBody,
	}
	if h.limits.MaxFileBytes > 0 && header.Size > h.limits.MaxFileBytes {
		return file, nil
	}

	part, err := header.Open()
	if err != nil {
		return file, fmt.Errorf("failed to open upload %s: %w", header.Filename, err)
	}
	defer func() { _ = part.Close() }()

	content, err := io.ReadAll(part)
	if err != nil {
		return file, fmt.Errorf("failed to read upload %s: %w", header.Filename, err)
	}
	file.Content = bytes.NewReader(content)
	return file, nil
}

// RemoveAttachment deletes a finished attachment from the draft.
func (h *AttachmentsHandler) RemoveAttachment(w http.ResponseWriter, r *http.Request) {
	h.withPipeline(w, r, func(p *attachment.Pipeline) error {
		return p.Remove(r.Context(), pathParam(r, "id"))
	})
}

// CancelUpload stops an upload in flight.
func (h *AttachmentsHandler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	h.withPipeline(w, r, func(p *attachment.Pipeline) error {
		return p.Cancel(pathParam(r, "id"))
	})
}

// DismissError removes an entry from the upload error list.
func (h *AttachmentsHandler) DismissError(w http.ResponseWriter, r *http.Request) {
	h.withPipeline(w, r, func(p *attachment.Pipeline) error {
		id, err := strconv.Atoi(pathParam(r, "id"))
		if err != nil {
			return gateway.NewValidationError("id", err, "error id must be a number")
		}
		p.DismissError(id)
		return nil
	})
}

func (h *AttachmentsHandler) withPipeline(w http.ResponseWriter, r *http.Request, fn func(p *attachment.Pipeline) error) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	p, err := s.Compose.Attachments()
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := fn(p); err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, attachmentsPayload(p, nil))
}
