package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrQueryTimeout is returned by Query when no handler responds in time.
	ErrQueryTimeout = errors.New("query timeout")

	// ErrNotStarted is returned by operations that need a running engine.
	ErrNotStarted = errors.New("engine not started")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("engine already started")
)

// CommandError is a command that produced no result.
//
// Command errors include:
//   - Timeout: no result arrived before the command deadline
//   - Failed: the aggregate or the writer failed while executing
//
// Rejections are not errors; they are reported in CommandResult.
type CommandError struct {
	// Code identifies the error category.
	Code CommandErrorCode

	// Kind is the aggregate kind the command was sent to.
	Kind string

	// StreamID is the aggregate stream.
	StreamID string

	// Err is the cause.
	Err error
}

// CommandErrorCode categorizes command errors.
type CommandErrorCode string

const (
	// ErrCodeCommandTimeout indicates the caller stopped waiting.
	ErrCodeCommandTimeout CommandErrorCode = "COMMAND_TIMEOUT"

	// ErrCodeCommandFailed indicates the command failed while executing.
	ErrCodeCommandFailed CommandErrorCode = "COMMAND_FAILED"
)

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (stream=%s)", e.Code, e.Kind, e.StreamID)
	}
	return fmt.Sprintf("%s: %s (stream=%s): %v", e.Code, e.Kind, e.StreamID, e.Err)
}

// Unwrap returns the cause.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsCommandTimeout returns true if err is a command timeout.
// Uses errors.As to handle wrapped errors.
func IsCommandTimeout(err error) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeCommandTimeout
	}
	return false
}

// IsCommandFailed returns true if err is a failed command.
// Uses errors.As to handle wrapped errors.
func IsCommandFailed(err error) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeCommandFailed
	}
	return false
}
