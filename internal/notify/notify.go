// Package notify carries state-change events from the mail core to whoever
// renders it.
package notify

import "sync"

// EventType names a state change.
type EventType string

const (
	AccountsChanged    EventType = "accounts_changed"
	AccountSelected    EventType = "account_selected"
	FoldersChanged     EventType = "folders_changed"
	FolderSelected     EventType = "folder_selected"
	MessagesChanged    EventType = "messages_changed"
	MessageOpened      EventType = "message_opened"
	SearchResults      EventType = "search_results"
	ComposeChanged     EventType = "compose_changed"
	AttachmentsChanged EventType = "attachments_changed"
	NewMail            EventType = "new_mail"
)

// Event is one state change. Data is JSON-encodable.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// Publisher delivers events for a user.
type Publisher interface {
	Publish(userID string, event Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, Event) {}

// Recorder keeps every published event. Used by tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the event types published so far, in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
