package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eventide/internal/event"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	After int64
	Limit int
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read [stream]",
		Short: "Read events from the log or from one stream",
		Long: `Read committed events in order.

Without a stream, events are read from the whole log and --after is a
global sequence. With a stream, --after is a stream sequence.

Example:
  eventide read --driver sqlite --dsn ./events.db
  eventide read --driver sqlite --dsn ./events.db order-1 --after 2 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream := ""
			if len(args) == 1 {
				stream = args[0]
			}
			return runRead(cmd, opts, stream)
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "read events after this sequence")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum number of events (0 = no limit)")

	return cmd
}

// eventView is the output form of a committed event.
type eventView struct {
	GlobalSequence int64             `json:"global_sequence"`
	Stream         string            `json:"stream"`
	StreamSequence int64             `json:"stream_sequence"`
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Timestamp      string            `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	RawPayload     string            `json:"raw_payload,omitempty"`
}

func newEventView(e event.Persisted) eventView {
	v := eventView{
		GlobalSequence: e.GlobalSequence,
		Stream:         e.StreamID,
		StreamSequence: e.StreamSequence,
		ID:             e.ID.String(),
		Type:           e.EventType,
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(e.Metadata) > 0 {
		md := map[string]string{}
		if err := json.Unmarshal(e.Metadata, &md); err == nil {
			v.Metadata = md
		}
	}
	if e.Format == event.FormatJSON && json.Valid(e.Payload) {
		v.Payload = json.RawMessage(e.Payload)
	} else {
		v.RawPayload = string(e.Payload)
	}
	return v
}

func (v eventView) payload() string {
	if v.Payload != nil {
		return string(v.Payload)
	}
	return fmt.Sprintf("%q", v.RawPayload)
}

func runRead(cmd *cobra.Command, opts *ReadOptions, stream string) error {
	out := opts.output(cmd)
	if opts.After < 0 || opts.Limit < 0 {
		return out.Fail(ExitCommandError, ErrCodeInput, "--after and --limit must not be negative", nil, nil)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "load config", err, nil)
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStorage, "open store", err, nil)
	}
	defer store.Close()

	views := []eventView{}
	collect := func(e event.Persisted) error {
		views = append(views, newEventView(e))
		return nil
	}
	if stream == "" {
		err = store.ReadEvents(ctx, opts.After, opts.Limit, collect)
	} else {
		err = store.ReadStream(ctx, stream, opts.After, opts.Limit, collect)
	}
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStorage, "read events", err, nil)
	}
	opts.Logger().Debug("events read", "stream", stream, "count", len(views))

	return out.Print(views, func(w io.Writer) error {
		for _, v := range views {
			fmt.Fprintf(w, "%d\t%s#%d\t%s\t%s\t%s\n",
				v.GlobalSequence, v.Stream, v.StreamSequence, v.Type, v.Timestamp, v.payload())
		}
		return nil
	})
}
