package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/writer"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Data     string
	Metadata map[string]string
	Expected string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <stream> <event-type>",
		Short: "Append an event to a stream",
		Long: `Append one event to a stream of the configured store.

The payload is a JSON document. With --expected the append only succeeds if
the stream is currently at that sequence; 0 means the stream must be empty.

Example:
  eventide append --driver sqlite --dsn ./events.db order-1 Placed --data '{"total":10}'
  eventide append --dsn ./events.db --driver sqlite order-1 Paid --expected 1 --metadata source=cli`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&opts.Data, "data", "d", "{}", "event payload as JSON")
	cmd.Flags().StringToStringVarP(&opts.Metadata, "metadata", "m", nil, "event metadata as key=value pairs")
	cmd.Flags().StringVarP(&opts.Expected, "expected", "e", "any", `expected stream sequence ("any" or a number)`)

	return cmd
}

// appendedEvent is the output of a successful append.
type appendedEvent struct {
	ID             string `json:"id"`
	Stream         string `json:"stream"`
	Type           string `json:"type"`
	StreamSequence int64  `json:"stream_sequence"`
	GlobalSequence int64  `json:"global_sequence"`
}

func runAppend(cmd *cobra.Command, opts *AppendOptions, streamID, eventType string) error {
	out := opts.output(cmd)

	expected, err := event.ParseExpected(opts.Expected)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "invalid --expected", err, nil)
	}
	if !json.Valid([]byte(opts.Data)) {
		return out.Fail(ExitCommandError, ErrCodeInput, "invalid --data", fmt.Errorf("payload is not valid JSON"), nil)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "load config", err, nil)
	}

	ctx := cmd.Context()
	s, err := opts.startSession(ctx, cfg, nil)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStorage, "start engine", err, nil)
	}
	defer s.Close()

	ev, err := s.engine.NewEvent(streamID, eventType, json.RawMessage(opts.Data), opts.Metadata)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "build event", err, nil)
	}

	persisted, err := s.engine.Append(ctx, streamID, expected, ev)
	if err != nil {
		code := writer.CodeOf(err)
		if code == "" || code == writer.CodePersistenceFailure {
			return out.Fail(ExitCommandError, ErrCodeStorage, "append failed", err, nil)
		}
		return out.Fail(ExitFailure, ErrCodeRejected, "append rejected", err, map[string]string{"reason": string(code)})
	}

	result := make([]appendedEvent, 0, len(persisted))
	for _, p := range persisted {
		result = append(result, appendedEvent{
			ID:             p.ID.String(),
			Stream:         p.StreamID,
			Type:           p.EventType,
			StreamSequence: p.StreamSequence,
			GlobalSequence: p.GlobalSequence,
		})
	}

	return out.Print(result, func(w io.Writer) error {
		for _, e := range result {
			fmt.Fprintf(w, "appended %s to %s at %d (global %d, id %s)\n",
				e.Type, e.Stream, e.StreamSequence, e.GlobalSequence, e.ID)
		}
		return nil
	})
}
