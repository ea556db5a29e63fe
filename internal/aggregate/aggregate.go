// Package aggregate runs commands against event-sourced aggregates.
//
// Every aggregate stream gets its own worker. The worker rebuilds the
// aggregate by replaying the stream, executes one command at a time, and
// appends the resulting changes with an exact expected sequence, so two
// commands for the same stream never race and a stale view is rejected by
// the writer instead of overwriting history.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/eventide/internal/event"
)

var (
	// ErrCommandTimeout is returned by Send when no result arrives before the
	// command deadline.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrUnknownKind is returned by Send for aggregate kinds never registered.
	ErrUnknownKind = errors.New("unknown aggregate kind")

	// ErrAlreadyRegistered is returned by Register for a kind registered twice.
	ErrAlreadyRegistered = errors.New("aggregate kind already registered")

	// ErrNotRunning is returned by Send before Run starts or after it stopped.
	ErrNotRunning = errors.New("aggregate pipeline not running")

	// ErrInvalidChange is returned for changes that cannot become events.
	ErrInvalidChange = errors.New("invalid change")
)

// Event is a persisted event of the aggregate's stream with its payload and
// metadata decoded.
type Event struct {
	event.Persisted
	Data any
	Meta map[string]string
}

// Change is a new event produced by a command.
type Change struct {
	// EventType names the event. When empty, the type registered with the
	// codec for Payload is used.
	EventType string
	Payload   any
	Metadata  map[string]string
}

// Aggregate is the state of one stream plus its command logic.
//
// Apply folds a persisted event into the state. Execute decides a command
// against the current state and returns the changes to append; it must not
// modify the state itself, since the changes are applied only once they are
// committed. Execute reports business rule violations with Reject.
type Aggregate interface {
	Apply(e Event) error
	Execute(ctx context.Context, cmd any) ([]Change, error)
}

// Factory creates the empty aggregate for a stream.
type Factory func(streamID string) Aggregate

// Rejection is a command refused by the aggregate.
type Rejection struct {
	Reasons []string
}

// Reject returns the error Execute uses to refuse a command.
func Reject(reasons ...string) error {
	return &Rejection{Reasons: reasons}
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if len(r.Reasons) == 0 {
		return "command rejected"
	}
	return "command rejected: " + strings.Join(r.Reasons, "; ")
}

// Outcome is the kind of a command result.
type Outcome int

const (
	Succeeded Outcome = iota
	Rejected
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the outcome of one command.
type Result struct {
	Outcome Outcome

	// Reasons are set when Outcome is Rejected.
	Reasons []string

	// Events are the events committed by a succeeded command.
	Events []event.Persisted

	// Err is the cause when Outcome is Failed.
	Err error
}

func succeeded(events []event.Persisted) Result {
	return Result{Outcome: Succeeded, Events: events}
}

func rejected(reasons []string) Result {
	return Result{Outcome: Rejected, Reasons: reasons}
}

func failed(err error) Result {
	return Result{Outcome: Failed, Err: err}
}
