package api

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Appender stores a raw message in a folder of an account.
type Appender interface {
	AppendMessage(ctx context.Context, accountID, folderID string, raw []byte) error
}

// TestHandler provides test-only endpoints used by E2E tests.
// These endpoints are only registered in test environments.
type TestHandler struct {
	*base
	appender Appender
}

type addIMAPMessageRequest struct {
	AccountID string `json:"account_id"`
	Folder    string `json:"folder"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// AddIMAPMessage appends a test message to one of the user's folders and
// signals new mail, simulating delivery.
func (h *TestHandler) AddIMAPMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req addIMAPMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Subject == "" || req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "subject, from, and to are required")
		return
	}
	if req.Folder == "" {
		req.Folder = "INBOX"
	}
	if req.AccountID == "" {
		selected := s.Accounts.Selected()
		if selected == nil {
			writeError(w, http.StatusBadRequest, "no account to deliver to")
			return
		}
		req.AccountID = selected.ID
	}

	if err := h.appender.AppendMessage(r.Context(), req.AccountID, req.Folder, testMessage(req, time.Now())); err != nil {
		h.fail(w, err)
		return
	}

	h.sessions.NotifyNewMail(r.Context(), s.UserID, req.AccountID)
	w.WriteHeader(http.StatusNoContent)
}

// testMessage renders a minimal plain text message.
func testMessage(req addIMAPMessageRequest, now time.Time) []byte {
	return fmt.Appendf(nil, "Message-ID: <e2e-%d@mailcore.local>\r\n"+
		"Date: %s\r\n"+
		"From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"E2E test message.\r\n",
		now.UnixNano(), now.Format(time.RFC1123Z), req.From, req.To, req.Subject)
}
