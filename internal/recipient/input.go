package recipient

import (
	"strings"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

// Key is an input event on a recipient field.
type Key string

const (
	KeyEnter     Key = "Enter"
	KeyComma     Key = ","
	KeyTab       Key = "Tab"
	KeyBackspace Key = "Backspace"
	// KeyBlur is the field losing focus.
	KeyBlur Key = "blur"
)

// ActionKind says what a key press does to the recipient list.
type ActionKind int

const (
	// ActionNone leaves the list and the typed text alone.
	ActionNone ActionKind = iota
	// ActionAdd commits the parsed recipient and clears the text.
	ActionAdd
	// ActionRemoveLast removes the most recently added recipient.
	ActionRemoveLast
)

// Action is the outcome of a key press on a recipient field.
type Action struct {
	Kind      ActionKind
	Recipient *models.Recipient
}

// IsCommitKey reports whether key commits the typed text.
func IsCommitKey(key Key) bool {
	return key == KeyEnter || key == KeyComma || key == KeyTab || key == KeyBlur
}

// HandleKey decides what a key press does given the field's current text.
// Malformed text is not an error: it stays in the field, uncommitted.
func HandleKey(text string, key Key) Action {
	if key == KeyBackspace {
		if text == "" {
			return Action{Kind: ActionRemoveLast}
		}
		return Action{Kind: ActionNone}
	}

	if !IsCommitKey(key) || strings.TrimSpace(text) == "" {
		return Action{Kind: ActionNone}
	}

	r := Parse(strings.TrimSuffix(strings.TrimSpace(text), ","))
	if r == nil {
		return Action{Kind: ActionNone}
	}
	return Action{Kind: ActionAdd, Recipient: r}
}
