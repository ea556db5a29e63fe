package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/eventide/internal/codec"
	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/mailbox"
	"github.com/roach88/eventide/internal/metrics"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/writer"
)

type envelope struct {
	ctx   context.Context
	cmd   any
	reply chan Result // buffered, size 1
}

// worker serializes the commands of one aggregate stream.
type worker struct {
	kind     string
	streamID string
	factory  Factory
	reader   storage.EventReader
	appender Appender
	codec    codec.Serializer
	clock    event.Clock
	newID    func() uuid.UUID
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	inbox    *mailbox.Mailbox[envelope]

	// owned by run
	state   Aggregate
	version int64
	stale   bool
}

func (w *worker) run(ctx context.Context) error {
	return w.inbox.Run(ctx, w.handle)
}

func (w *worker) handle(_ context.Context, env envelope) {
	if err := env.ctx.Err(); err != nil {
		w.logger.Debug("command abandoned: deadline passed before execution", "error", err)
		return
	}

	ctx, span := w.tracer.Start(env.ctx, "aggregate.command",
		trace.WithAttributes(
			attribute.String("kind", w.kind),
			attribute.String("stream", w.streamID),
			attribute.String("command", fmt.Sprintf("%T", env.cmd)),
		),
	)
	defer span.End()

	res := w.execute(ctx, env.cmd)
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	if res.Outcome == Failed {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "command failed")
	}
	env.reply <- res
}

func (w *worker) execute(ctx context.Context, cmd any) Result {
	if w.state == nil || w.stale {
		if err := w.load(ctx); err != nil {
			w.state = nil
			return failed(err)
		}
	}

	changes, err := w.state.Execute(ctx, cmd)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			return rejected(rej.Reasons)
		}
		// Execute may have touched the state despite the contract
		w.stale = true
		return failed(fmt.Errorf("execute %T: %w", cmd, err))
	}
	if len(changes) == 0 {
		return succeeded(nil)
	}

	events, err := w.encode(changes)
	if err != nil {
		return failed(err)
	}

	persisted, err := w.appender.Write(ctx, writer.Request{
		StreamID: w.streamID,
		Expected: event.Exact(w.version),
		Events:   events,
	})
	if err != nil {
		// the write may still commit after the caller left
		w.stale = true
		return failed(err)
	}

	for i, e := range persisted {
		applied := Event{Persisted: e, Data: changes[i].Payload, Meta: changes[i].Metadata}
		if err := w.state.Apply(applied); err != nil {
			w.logger.Warn("applying committed event failed; state will be reloaded",
				"event_type", e.EventType,
				"stream_sequence", e.StreamSequence,
				"error", err,
			)
			w.stale = true
		}
		w.version = e.StreamSequence
	}
	return succeeded(persisted)
}

// load rebuilds the aggregate from its stream.
func (w *worker) load(ctx context.Context) error {
	state := w.factory(w.streamID)
	if state == nil {
		return fmt.Errorf("aggregate %s: factory returned nil", w.kind)
	}

	var version int64
	err := w.reader.ReadStream(ctx, w.streamID, 0, 0, func(e event.Persisted) error {
		data, err := w.codec.Decode(e.EventType, e.Payload, e.Format)
		if err != nil {
			return err
		}
		meta, err := w.codec.DecodeMetadata(e.Metadata)
		if err != nil {
			return err
		}
		if err := state.Apply(Event{Persisted: e, Data: data, Meta: meta}); err != nil {
			return fmt.Errorf("apply %s #%d: %w", e.EventType, e.StreamSequence, err)
		}
		version = e.StreamSequence
		return nil
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", w.streamID, err)
	}

	w.state = state
	w.version = version
	w.stale = false
	w.logger.Debug("aggregate loaded", "version", version)
	return nil
}

func (w *worker) encode(changes []Change) ([]event.Unpersisted, error) {
	now := w.clock.Now()
	out := make([]event.Unpersisted, len(changes))
	for i, c := range changes {
		eventType := c.EventType
		if eventType == "" {
			eventType = w.typeName(c.Payload)
		}
		if eventType == "" {
			return nil, fmt.Errorf("%w: no event type for %T", ErrInvalidChange, c.Payload)
		}

		payload, format, err := w.codec.Encode(c.Payload)
		if err != nil {
			return nil, err
		}
		md, err := w.codec.EncodeMetadata(c.Metadata)
		if err != nil {
			return nil, err
		}

		e, err := event.New(w.newID(), w.streamID, eventType, now, md, payload, format)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidChange, err)
		}
		out[i] = e
	}
	return out, nil
}

func (w *worker) typeName(v any) string {
	named, ok := w.codec.(interface{ Registry() *codec.Registry })
	if !ok {
		return ""
	}
	name, _ := named.Registry().NameOf(v)
	return name
}
