package writer

import (
	"errors"
	"fmt"

	"github.com/roach88/eventide/internal/event"
)

var (
	// ErrInvalidRequest is returned before any I/O for malformed requests.
	ErrInvalidRequest = errors.New("invalid write request")

	// ErrStopped is returned when the writer loop is no longer running.
	ErrStopped = errors.New("writer stopped")
)

// Code categorizes write failures.
type Code string

const (
	// CodeUnexpectedStreamSequence means the expected sequence did not match the stream.
	CodeUnexpectedStreamSequence Code = "UNEXPECTED_STREAM_SEQUENCE"

	// CodeDuplicatedEntry means an event id already exists or repeats within the batch.
	CodeDuplicatedEntry Code = "DUPLICATED_ENTRY"

	// CodePersistenceFailure means the backend failed; Err carries the cause.
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
)

// WriteError is the failure of one write request. Nothing from the request
// is committed when a WriteError is returned.
type WriteError struct {
	Code     Code
	StreamID string
	Expected event.ExpectedSequence
	Err      error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: stream %s (expected %s): %v", e.Code, e.StreamID, e.Expected, e.Err)
}

// Unwrap exposes the cause, which wraps the event package sentinel for
// sequence and duplicate failures.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of a wrapped WriteError, or "" when err is not one.
func CodeOf(err error) Code {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// IsUnexpectedSequence reports whether err is a sequence conflict.
func IsUnexpectedSequence(err error) bool {
	return CodeOf(err) == CodeUnexpectedStreamSequence
}

// IsDuplicatedEntry reports whether err is a duplicate event id.
func IsDuplicatedEntry(err error) bool {
	return CodeOf(err) == CodeDuplicatedEntry
}

// IsPersistenceFailure reports whether err is a backend failure.
func IsPersistenceFailure(err error) bool {
	return CodeOf(err) == CodePersistenceFailure
}
