package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/auth"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/session"
)

// UserResolver maps an authenticated email to a user ID, creating the user
// on first sight.
type UserResolver func(ctx context.Context, email string) (string, error)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

// base is shared by the handlers that work on a user session.
type base struct {
	users    UserResolver
	sessions *session.Registry
	log      *logrus.Entry
}

// GetUserIDFromContext extracts the user's email from context, resolves/creates the user,
// and writes appropriate HTTP errors when it fails. Returns (userID, true) on success.
func GetUserIDFromContext(ctx context.Context, w http.ResponseWriter, users UserResolver, log *logrus.Entry) (string, bool) {
	email, ok := auth.GetUserEmailFromContext(ctx)
	if !ok {
		log.Debug("no user email in context")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}

	userID, err := users(ctx, email)
	if err != nil {
		log.WithError(err).Error("failed to get or create user")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return "", false
	}

	return userID, true
}

// session returns the caller's live session, starting it on first use.
func (b *base) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	userID, ok := GetUserIDFromContext(r.Context(), w, b.users, b.log)
	if !ok {
		return nil, false
	}

	s, err := b.sessions.Get(r.Context(), userID)
	if err != nil {
		b.fail(w, err)
		return nil, false
	}
	return s, true
}

// fail writes err with the status its kind maps to.
func (b *base) fail(w http.ResponseWriter, err error) {
	status, body := errorStatus(err)
	entry := b.log.WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, status, body)
}

// errorStatus maps the error taxonomy to HTTP.
func errorStatus(err error) (int, errorResponse) {
	var validation *gateway.ValidationError
	switch {
	case errors.Is(err, gateway.ErrEmptySubjectNeedsConfirmation):
		return http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "confirm_empty_subject", Field: "subject"}
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorResponse{Error: validation.Error(), Code: "validation", Field: validation.Field}
	case errors.Is(err, gateway.ErrConfirmationRequired):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "confirmation_required"}
	case errors.Is(err, gateway.ErrUnauthenticated):
		return http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: "unauthenticated"}
	case errors.Is(err, gateway.ErrAuthExpired):
		return http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: "reauth_required"}
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"}
	case errors.Is(err, gateway.ErrStale):
		return http.StatusConflict, errorResponse{Error: err.Error(), Code: "stale"}
	case errors.Is(err, gateway.ErrInvalidTransition):
		return http.StatusConflict, errorResponse{Error: err.Error(), Code: "invalid_transition"}
	case gateway.IsRetryable(err):
		return http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "retry"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal server error"}
	}
}

// WriteJSONResponse encodes v as a 200 response. Encoding happens before any
// byte is written so a failure never leaves a partial body.
func WriteJSONResponse(w http.ResponseWriter, v any) bool {
	return writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) bool {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(append(body, '\n'))
	return err == nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON reads the request body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// pathParam returns an unescaped URL parameter. Message and folder IDs may
// contain slashes, so clients escape them.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}
