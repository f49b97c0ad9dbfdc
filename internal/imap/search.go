package imap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
)

const searchDateLayout = "2006-01-02"

// ErrInvalidQuery wraps every query syntax error.
var ErrInvalidQuery = errors.New("invalid search query")

// tokenizeQuery splits a query on whitespace, keeping double-quoted phrases
// together. A filter prefix followed by a space ("from: x") is joined with its value.
func tokenizeQuery(query string) []string {
	type token struct {
		text   string
		quoted bool
	}
	var tokens []token
	var current strings.Builder
	inQuotes, quoted := false, false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, token{text: current.String(), quoted: quoted})
		}
		current.Reset()
		quoted = false
	}

	for _, r := range query {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			quoted = true
		case (r == ' ' || r == '\t') && !inQuotes:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	joined := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if !t.quoted && strings.HasSuffix(t.text, ":") && isFilterPrefix(t.text) &&
			i+1 < len(tokens) && !strings.Contains(tokens[i+1].text, ":") {
			joined = append(joined, t.text+tokens[i+1].text)
			i++
			continue
		}
		joined = append(joined, t.text)
	}
	return joined
}

func isFilterPrefix(token string) bool {
	switch strings.ToLower(strings.TrimSuffix(token, ":")) {
	case "from", "to", "cc", "subject", "after", "before", "folder", "label", "is", "has":
		return true
	}
	return false
}

// ParseSearchQuery turns a Gmail-style query into IMAP search criteria.
// Supported filters: from:, to:, cc:, subject:, after:, before: (YYYY-MM-DD),
// is:unread, is:read, has:attachment, and folder: (label: is an alias; the
// first folder: wins). Everything else is full-text.
// The returned folder is empty unless the query names one.
func ParseSearchQuery(query string) (*imap.SearchCriteria, string, error) {
	criteria := imap.NewSearchCriteria()
	folder := ""
	folderFromLabel := false

	for _, token := range tokenizeQuery(query) {
		key, value, hasFilter := strings.Cut(token, ":")
		if !hasFilter || !isFilterPrefix(key+":") {
			criteria.Text = append(criteria.Text, token)
			continue
		}
		key = strings.ToLower(key)
		if value == "" {
			return nil, "", fmt.Errorf("%w: empty value for %s: filter", ErrInvalidQuery, key)
		}

		switch key {
		case "from":
			criteria.Header.Add("From", value)
		case "to":
			criteria.Header.Add("To", value)
		case "cc":
			criteria.Header.Add("Cc", value)
		case "subject":
			criteria.Header.Add("Subject", value)
		case "after":
			date, err := time.Parse(searchDateLayout, value)
			if err != nil {
				return nil, "", fmt.Errorf("%w: invalid date format for after: %q, want YYYY-MM-DD", ErrInvalidQuery, value)
			}
			criteria.Since = date
		case "before":
			date, err := time.Parse(searchDateLayout, value)
			if err != nil {
				return nil, "", fmt.Errorf("%w: invalid date format for before: %q, want YYYY-MM-DD", ErrInvalidQuery, value)
			}
			criteria.Before = date
		case "folder":
			if folder == "" || folderFromLabel {
				folder = value
				folderFromLabel = false
			}
		case "label":
			if folder == "" {
				folder = value
				folderFromLabel = true
			}
		case "is":
			switch strings.ToLower(value) {
			case "unread":
				criteria.WithoutFlags = append(criteria.WithoutFlags, imap.SeenFlag)
			case "read":
				criteria.WithFlags = append(criteria.WithFlags, imap.SeenFlag)
			default:
				return nil, "", fmt.Errorf("%w: unsupported is: value %q", ErrInvalidQuery, value)
			}
		case "has":
			if !strings.HasPrefix(strings.ToLower(value), "attachment") {
				return nil, "", fmt.Errorf("%w: unsupported has: value %q", ErrInvalidQuery, value)
			}
			criteria.Header.Add("Content-Type", "multipart/mixed")
		}
	}

	return criteria, folder, nil
}

// filterCriteria returns the search criteria of a folder listing filter.
func filterCriteria(filter string) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	switch filter {
	case "unread":
		criteria.WithoutFlags = []string{imap.SeenFlag}
	case "has_attachments":
		criteria.Header.Add("Content-Type", "multipart/mixed")
	}
	return criteria
}
