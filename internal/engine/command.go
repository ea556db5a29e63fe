package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/eventide/internal/aggregate"
	"github.com/roach88/eventide/internal/event"
)

// CommandResult is the answer to a command that ran. A command either
// succeeded, committing Events, or was rejected with Reasons.
type CommandResult struct {
	Rejected bool
	Reasons  []string
	Events   []event.Persisted
}

// Succeeded reports whether the command was accepted.
func (r CommandResult) Succeeded() bool {
	return !r.Rejected
}

// RegisterAggregate binds an aggregate kind to its factory.
func (e *Engine) RegisterAggregate(kind string, factory aggregate.Factory) error {
	return e.commands.Register(kind, factory)
}

// SendCommand executes cmd against the aggregate of kind in streamID and
// waits up to timeout for the result. A timeout of zero uses the default
// command timeout.
//
// Errors are *CommandError for timeouts and failures. Unknown kinds and a
// stopped engine are reported as is.
func (e *Engine) SendCommand(ctx context.Context, kind, streamID string, cmd any, timeout time.Duration) (CommandResult, error) {
	if err := e.running(); err != nil {
		return CommandResult{}, err
	}
	if timeout <= 0 {
		timeout = e.settings.CommandTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.commands.Send(ctx, kind, streamID, cmd)
	if err != nil {
		if errors.Is(err, aggregate.ErrCommandTimeout) {
			e.logger.Warn("command timeout",
				"kind", kind,
				"stream", streamID,
				"command", fmt.Sprintf("%T", cmd),
				"timeout", timeout,
			)
			return CommandResult{}, &CommandError{Code: ErrCodeCommandTimeout, Kind: kind, StreamID: streamID, Err: err}
		}
		return CommandResult{}, err
	}

	switch res.Outcome {
	case aggregate.Succeeded:
		return CommandResult{Events: res.Events}, nil
	case aggregate.Rejected:
		return CommandResult{Rejected: true, Reasons: res.Reasons}, nil
	case aggregate.Failed:
		return CommandResult{}, &CommandError{Code: ErrCodeCommandFailed, Kind: kind, StreamID: streamID, Err: res.Err}
	}
	return CommandResult{}, &CommandError{
		Code:     ErrCodeCommandFailed,
		Kind:     kind,
		StreamID: streamID,
		Err:      fmt.Errorf("unexpected command outcome %s", res.Outcome),
	}
}

// StreamID composes the stream id of an aggregate instance as
// "category-id". A nil id yields the category alone.
func StreamID(category string, id any) string {
	if id == nil {
		return category
	}
	return fmt.Sprintf("%s-%v", category, id)
}
