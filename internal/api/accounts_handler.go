package api

import (
	"net/http"
	"strconv"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

// AccountsHandler serves the connected accounts of the current user.
type AccountsHandler struct {
	*base
	watchers *watchers
}

// accountsResponse lists the accounts and which one is selected.
type accountsResponse struct {
	Accounts []models.EmailAccount `json:"accounts"`
	Selected *models.EmailAccount  `json:"selected"`
}

// GetAccounts reloads the accounts from the provider.
func (h *AccountsHandler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	accounts, err := s.Accounts.Refresh(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, accountsResponse{Accounts: accounts, Selected: s.Accounts.Selected()})
}

// SelectAccount switches the active account, which reloads its folders and inbox.
func (h *AccountsHandler) SelectAccount(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := s.Accounts.Select(r.Context(), pathParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, accountsResponse{Accounts: s.Accounts.Accounts(), Selected: s.Accounts.Selected()})
}

// SetDefaultAccount marks the account as the user's default.
func (h *AccountsHandler) SetDefaultAccount(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := s.Accounts.SetDefault(r.Context(), pathParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, accountsResponse{Accounts: s.Accounts.Accounts(), Selected: s.Accounts.Selected()})
}

// DeleteAccount disconnects an account. It requires ?confirm=true.
func (h *AccountsHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	accountID := pathParam(r, "id")
	if err := s.Accounts.Disconnect(r.Context(), accountID, confirmed); err != nil {
		h.fail(w, err)
		return
	}
	h.watchers.stopAccount(s.UserID, accountID)
	w.WriteHeader(http.StatusNoContent)
}

type beginConnectRequest struct {
	Provider models.Provider `json:"provider"`
}

// BeginConnect starts connecting a provider account and returns the URL the
// browser should visit.
func (h *AccountsHandler) BeginConnect(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req beginConnectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	start, err := s.Accounts.BeginConnect(r.Context(), req.Provider)
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSONResponse(w, start)
}

type completeConnectRequest struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

// CompleteConnect finishes a connection. The provider redirect lands on the
// GET form with state and code in the query; clients may also POST them.
func (h *AccountsHandler) CompleteConnect(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	req := completeConnectRequest{State: r.URL.Query().Get("state"), Code: r.URL.Query().Get("code")}
	if r.Method == http.MethodPost && !decodeJSON(w, r, &req) {
		return
	}
	if providerErr := r.URL.Query().Get("error"); providerErr != "" {
		writeError(w, http.StatusBadRequest, "provider refused the connection: "+providerErr)
		return
	}
	if req.State == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	account, err := s.Accounts.CompleteConnect(r.Context(), req.State, req.Code)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.watchers.start(s.UserID, s.Accounts.Accounts())
	writeJSON(w, http.StatusCreated, account)
}
