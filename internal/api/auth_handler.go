package api

import (
	"net/http"

	"github.com/vdavid/vmail/mailcore/internal/auth"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// AuthHandler reports who is signed in and ends sessions.
type AuthHandler struct {
	*base
	providers []models.Provider
	watchers  *watchers
}

type authStatusResponse struct {
	IsAuthenticated bool              `json:"is_authenticated"`
	Email           string            `json:"email"`
	HasAccounts     bool              `json:"has_accounts"`
	Providers       []models.Provider `json:"providers"`
}

// GetAuthStatus returns the signed-in user and the providers that can be connected.
func (h *AuthHandler) GetAuthStatus(w http.ResponseWriter, r *http.Request) {
	email, _ := auth.GetUserEmailFromContext(r.Context())
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	providers := h.providers
	if providers == nil {
		providers = []models.Provider{}
	}
	WriteJSONResponse(w, authStatusResponse{
		IsAuthenticated: true,
		Email:           email,
		HasAccounts:     len(s.Accounts.Accounts()) > 0,
		Providers:       providers,
	})
}

// Logout drops the user's session, closing any open draft.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context(), w, h.users, h.log)
	if !ok {
		return
	}

	h.watchers.stopUser(userID)
	h.sessions.Remove(r.Context(), userID)
	w.WriteHeader(http.StatusNoContent)
}
