package api

import (
	"net/http"

	"github.com/vdavid/vmail/mailcore/internal/folder"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// FoldersHandler serves the folders of the selected account.
type FoldersHandler struct {
	*base
}

// foldersResponse is the ordered folder list with display labels.
type foldersResponse struct {
	AccountID string              `json:"account_id"`
	Folders   []folder.View       `json:"folders"`
	Selected  *models.EmailFolder `json:"selected"`
}

func foldersPayload(f *folder.Sync) foldersResponse {
	return foldersResponse{AccountID: f.AccountID(), Folders: f.View(), Selected: f.Selected()}
}

// GetFolders returns the folders as last loaded. With ?refresh=true they are
// listed again first, which also updates unread counts.
func (h *FoldersHandler) GetFolders(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		if _, err := s.Folders.Refresh(r.Context()); err != nil {
			h.fail(w, err)
			return
		}
	}
	WriteJSONResponse(w, foldersPayload(s.Folders))
}

type selectFolderRequest struct {
	FolderID string `json:"folder_id"`
}

// SelectFolder opens a folder. Its first page of messages is loaded and any
// active search is cleared.
func (h *FoldersHandler) SelectFolder(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req selectFolderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Folders.Select(r.Context(), req.FolderID); err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, foldersPayload(s.Folders))
}
