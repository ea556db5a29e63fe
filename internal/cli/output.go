package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Rejected append, failed scenario
	ExitCommandError = 2 // Bad flags, unreadable config, unreachable store
)

// Error codes used in JSON error responses.
const (
	ErrCodeConfig   = "E001"
	ErrCodeStorage  = "E002"
	ErrCodeRejected = "E003"
	ErrCodeScenario = "E004"
	ErrCodeInput    = "E005"
)

// ExitError is an error with a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope of every command in --format json.
type Response struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed command.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Output writes command results as text or as a JSON envelope.
type Output struct {
	Format string
	Writer io.Writer
}

// Print writes data. In text format text renders it; in JSON format data is
// wrapped in an ok Response.
func (o *Output) Print(data any, text func(w io.Writer) error) error {
	if o.Format == "json" {
		return json.NewEncoder(o.Writer).Encode(Response{Status: "ok", Data: data})
	}
	return text(o.Writer)
}

// Fail reports a failure and returns the ExitError the command should
// return. In text format nothing is written; the caller prints the error.
func (o *Output) Fail(exitCode int, code, message string, err error, details any) error {
	if o.Format == "json" {
		resp := Response{
			Status: "error",
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		}
		if err != nil {
			resp.Error.Message = fmt.Sprintf("%s: %v", message, err)
		}
		if encErr := json.NewEncoder(o.Writer).Encode(resp); encErr != nil {
			return WrapExitError(ExitCommandError, "write output", encErr)
		}
	}
	return WrapExitError(exitCode, message, err)
}
