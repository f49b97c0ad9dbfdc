package api

import (
	"errors"
	"net/http"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
)

// SearchHandler handles search-related API requests.
type SearchHandler struct {
	*base
}

type searchRequest struct {
	Query string `json:"query"`
	// Wait makes the request block until the results are in.
	Wait bool `json:"wait"`
}

// Search submits a query for the selected account. Typing clients post every
// keystroke without wait and read the results from GET or the WebSocket;
// only the last query inside the debounce window runs.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if !req.Wait {
		if err := s.Search.Submit(req.Query); err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, s.Search.State())
		return
	}

	if _, err := s.Search.Search(r.Context(), req.Query); err != nil {
		if errors.Is(err, gateway.ErrStale) {
			// A newer query took over; its state is what the user sees.
			writeJSON(w, http.StatusConflict, s.Search.State())
			return
		}
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, s.Search.State())
}

// GetSearch returns the current query and results.
func (h *SearchHandler) GetSearch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	WriteJSONResponse(w, s.Search.State())
}

// ClearSearch drops the query and any search in flight.
func (h *SearchHandler) ClearSearch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Search.Clear()
	w.WriteHeader(http.StatusNoContent)
}
