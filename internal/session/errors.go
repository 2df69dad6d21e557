package session

import "fmt"

type ErrorCode string

const (
	ErrorValidation       ErrorCode = "VALIDATION_ERROR"
	ErrorAuth             ErrorCode = "AUTH_ERROR"
	ErrorNotFound         ErrorCode = "NOT_FOUND"
	ErrorConflict         ErrorCode = "CONFLICT"
	ErrorStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// Well-known conflict and auth reasons surfaced verbatim to clients.
const (
	ReasonAlreadyInConversation     = "AlreadyInConversation"
	ReasonSelfConversation          = "SelfConversation"
	ReasonConversationAlreadyExists = "ConversationAlreadyExists"
	ReasonConversationEnded         = "ConversationEnded"
	ReasonTokenMissing              = "TokenMissing"
	ReasonTokenInvalid              = "TokenInvalid"
)

// Error classifies every failure crossing a component boundary. Code drives
// retry and client-facing mapping, Reason is the stable client-visible
// detail, Err carries the wrapped cause for logs.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("session: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("session: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// Retryable reports whether the gateway may re-run the failed operation.
// Only transient store failures qualify; the caller still has to check the
// operation itself is idempotent before retrying a write.
func (e *Error) Retryable() bool {
	return e != nil && e.Code == ErrorStoreUnavailable
}
