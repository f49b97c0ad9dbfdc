package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when there is no active session.
	ErrUnauthenticated = errors.New("no active session")
	// ErrAuthExpired means the provider rejected stored credentials and the
	// account must be reconnected.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrNotFound is returned for unknown accounts, folders, messages or records.
	ErrNotFound = errors.New("not found")
	// ErrStale marks a response that belongs to a superseded request.
	ErrStale = errors.New("response superseded by a newer request")
	// ErrInvalidTransition is returned for a compose action the current state does not allow.
	ErrInvalidTransition = errors.New("invalid compose state transition")
	// ErrConfirmationRequired is returned for destructive actions called without confirmation.
	ErrConfirmationRequired = errors.New("confirmation required")

	ErrNoRecipients                  = errors.New("at least one recipient is required")
	ErrEmptySubjectNeedsConfirmation = errors.New("subject is empty, confirm to send anyway")
	ErrFileTooLarge                  = errors.New("file is too large")
	ErrDuplicateAttachment           = errors.New("file is already attached")
	ErrTooManyAttachments            = errors.New("too many attachments")
	ErrUploadInProgress              = errors.New("attachments are still uploading")
)

// ValidationError is a locally detected problem with user input. It blocks the
// action and is never sent to the provider.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps a sentinel with a user-facing message.
func NewValidationError(field string, err error, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ProviderErrorKind classifies failures coming back from the provider.
type ProviderErrorKind string

const (
	KindNetwork     ProviderErrorKind = "network"
	KindRateLimited ProviderErrorKind = "rate_limited"
	KindAuthExpired ProviderErrorKind = "auth_expired"
	KindNotFound    ProviderErrorKind = "not_found"
	KindProvider    ProviderErrorKind = "provider"
)

// ProviderError is a failure reported by the Mail Provider or Storage Gateway.
type ProviderError struct {
	Op   string
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinels that correspond to a kind.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrAuthExpired:
		return e.Kind == KindAuthExpired
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Retryable reports whether repeating the operation may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimited || e.Kind == KindProvider
}

// NewProviderError builds a *ProviderError.
func NewProviderError(op string, kind ProviderErrorKind, err error) *ProviderError {
	return &ProviderError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var p *ProviderError
	if errors.As(err, &p) {
		return p.Retryable()
	}
	return false
}
