package ingest

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures by how the caller must react.
type ErrorKind string

const (
	// KindTransport covers unreadable, unsigned or unparseable requests.
	KindTransport ErrorKind = "transport"
	// KindRecoverable is a per-event problem the provider cannot fix by retrying.
	KindRecoverable ErrorKind = "recoverable"
	// KindApply aborts the request so the provider retries the batch.
	KindApply ErrorKind = "apply"
	// KindSideEffect is logged and never escalated.
	KindSideEffect ErrorKind = "side_effect"
)

// Error carries the kind and the event that produced it.
type Error struct {
	Kind      ErrorKind
	MessageID string
	Status    string
	Err       error
}

func (e *Error) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("ingest: %s error for %s/%s: %v", e.Kind, e.MessageID, e.Status, e.Err)
	}
	return fmt.Sprintf("ingest: %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// Retryable reports whether err must be surfaced as a server error so the
// provider redelivers the request.
func Retryable(err error) bool {
	return KindOf(err) == KindApply
}
