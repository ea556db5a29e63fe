package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/projection"
	"github.com/roach88/eventide/internal/storage"
)

// ProjectOptions holds flags for the project command.
type ProjectOptions struct {
	*RootOptions
	From   int64
	Follow bool
}

// NewProjectCommand creates the project command.
func NewProjectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProjectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "project <query>",
		Short: "Read a projection stream",
		Long: `Read the projection stream of a query, building its durable index as
it goes.

Queries:
  all                  every event in the log
  stream:<id>          one stream
  category:<name>      every stream named <name>-...
  types:<a>[,<b>...]   events of the listed types

Without --follow the command stops once every matching event in the log
has been delivered. With --follow it keeps delivering live events until
interrupted.

Example:
  eventide project --driver sqlite --dsn ./events.db category:order
  eventide project --driver sqlite --dsn ./events.db types:Placed --from 10 --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProject(cmd, opts, args[0])
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 0, "deliver events after this projection sequence")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep delivering live events")

	return cmd
}

// projectedEvent is the output form of a projection stream event.
type projectedEvent struct {
	Sequence int64 `json:"sequence"`
	eventView
}

func newProjectedEvent(e projection.Event) projectedEvent {
	return projectedEvent{Sequence: e.Sequence, eventView: newEventView(e.Persisted)}
}

func (p projectedEvent) print(w io.Writer) {
	fmt.Fprintf(w, "%d\t%d\t%s#%d\t%s\t%s\n",
		p.Sequence, p.GlobalSequence, p.Stream, p.StreamSequence, p.Type, p.payload())
}

func runProject(cmd *cobra.Command, opts *ProjectOptions, query string) error {
	out := opts.output(cmd)

	q, err := projection.ParseQuery(query)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "invalid query", err, nil)
	}
	if opts.From < 0 {
		return out.Fail(ExitCommandError, ErrCodeInput, "--from must not be negative", nil, nil)
	}
	if opts.Follow && opts.Format == "json" {
		return out.Fail(ExitCommandError, ErrCodeInput, "--follow does not support --format json", nil, nil)
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

	// Every matching event already in the log will be delivered; count them
	// so a non-following read knows when it is done.
	var matched int64
	err = s.store.ReadEvents(ctx, 0, 0, func(e event.Persisted) error {
		if q.Match(e) {
			matched++
		}
		return nil
	})
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStorage, "read log", err, nil)
	}

	sub, err := s.engine.Subscribe(ctx, q, opts.From)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStorage, "subscribe", err, nil)
	}
	defer sub.Close()

	logger := opts.Logger().With("projection_stream", q.StreamID())
	logger.Debug("projection subscribed", "from", opts.From, "matched", matched)

	if opts.Follow {
		for {
			e, err := sub.Next(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return out.Fail(ExitCommandError, ErrCodeStorage, "projection stopped", err, nil)
			}
			newProjectedEvent(e).print(cmd.OutOrStdout())
		}
	}

	events := []projectedEvent{}
	for seq := opts.From; seq < matched; seq++ {
		e, err := sub.Next(ctx)
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeStorage, "projection stopped", err, nil)
		}
		events = append(events, newProjectedEvent(e))
	}

	if err := waitIndexed(ctx, s.store, q.StreamID(), matched, cfg.IndexFlushDelay+time.Second); err != nil {
		logger.Warn("projection index is not durable yet", "error", err)
	}

	return out.Print(events, func(w io.Writer) error {
		for _, e := range events {
			e.print(w)
		}
		return nil
	})
}

// waitIndexed polls the checkpoint of streamID until it reaches want.
func waitIndexed(ctx context.Context, store storage.ProjectionReader, streamID string, want int64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		cp, err := store.ReadProjectionCheckpoint(ctx, streamID)
		if err == nil && cp.Sequence >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("checkpoint of %s at %d, want %d", streamID, cp.Sequence, want)
		case <-ticker.C:
		}
	}
}
