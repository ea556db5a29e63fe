// Package writer serializes every append to the event log.
//
// A single goroutine (Run) owns the global sequence counter and a cache of
// per-stream sequences. Requests reach it through a mailbox and are handled
// one at a time, so sequence assignment needs no lock and dispatch order is
// commit order. Counters are loaded lazily from the store and only advance
// after the store confirms a commit; any failure drops the cached values so
// the next request reloads them.
//
// Thread-safety model:
//   - Write(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/mailbox"
	"github.com/roach88/eventide/internal/metrics"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/telemetry"
)

// Request appends Events to StreamID if the stream matches Expected.
type Request struct {
	StreamID string
	Expected event.ExpectedSequence
	Events   []event.Unpersisted
}

// Publisher receives committed events in commit order.
// Publish must not block.
type Publisher interface {
	Publish(event.Persisted)
}

type result struct {
	events []event.Persisted
	err    error
}

type envelope struct {
	ctx   context.Context
	req   Request
	reply chan result // buffered, size 1
}

// Writer is the single-writer append loop.
type Writer struct {
	store     storage.EventStore
	publisher Publisher
	inbox     *mailbox.Mailbox[envelope]
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	// owned by Run
	global       int64
	globalLoaded bool
	streams      map[string]int64
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = l
	}
}

// WithMetrics records appends and rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) {
		w.metrics = m
	}
}

// New creates a writer over store. publisher may be nil.
func New(store storage.EventStore, publisher Publisher, opts ...Option) *Writer {
	w := &Writer{
		store:     store,
		publisher: publisher,
		inbox:     mailbox.New[envelope](),
		logger:    slog.Default(),
		tracer:    telemetry.Tracer(),
		streams:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes write requests until ctx is cancelled or Close is called.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("writer starting")
	err := w.inbox.Run(ctx, w.handle)
	w.logger.Info("writer stopped")
	return err
}

// Close stops accepting requests. Queued requests are still processed by Run.
func (w *Writer) Close() {
	w.inbox.Close()
}

// Write appends the request and returns the persisted events.
//
// Returns ErrInvalidRequest for malformed requests, a *WriteError for
// rejected or failed writes, or ctx.Err() if ctx ends first. A request whose
// context has ended by the time the loop reaches it is skipped. The store
// call also runs under ctx, so a deadline that passes mid-append aborts the
// transaction and nothing commits.
func (w *Writer) Write(ctx context.Context, req Request) ([]event.Persisted, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	env := envelope{ctx: ctx, req: req, reply: make(chan result, 1)}
	if !w.inbox.Post(env) {
		return nil, ErrStopped
	}

	select {
	case r := <-env.reply:
		return r.events, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func validate(req Request) error {
	if req.StreamID == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidRequest)
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidRequest)
	}
	for i, e := range req.Events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: event %d: %v", ErrInvalidRequest, i, err)
		}
		if !event.SameStream(e.StreamID, req.StreamID) {
			return fmt.Errorf("%w: event %d belongs to stream %q, not %q", ErrInvalidRequest, i, e.StreamID, req.StreamID)
		}
	}
	return nil
}

func (w *Writer) handle(_ context.Context, env envelope) {
	if err := env.ctx.Err(); err != nil {
		w.logger.Debug("write skipped: caller gone",
			"stream", env.req.StreamID,
			"error", err,
		)
		env.reply <- result{err: err}
		return
	}

	events, err := w.append(env.ctx, env.req)
	if err != nil {
		w.metrics.WriteRejected(string(CodeOf(err)))
		env.reply <- result{err: err}
		return
	}

	w.metrics.EventsAppended(len(events))
	if w.publisher != nil {
		for _, e := range events {
			w.publisher.Publish(e)
		}
	}
	env.reply <- result{events: events}
}

func (w *Writer) append(ctx context.Context, req Request) (_ []event.Persisted, err error) {
	ctx, span := w.tracer.Start(ctx, "writer.append",
		trace.WithAttributes(
			attribute.String("stream", req.StreamID),
			attribute.String("expected", req.Expected.String()),
			attribute.Int("events", len(req.Events)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(CodeOf(err)))
		}
		span.End()
	}()

	fail := func(code Code, cause error) error {
		return &WriteError{Code: code, StreamID: req.StreamID, Expected: req.Expected, Err: cause}
	}

	global, err := w.loadGlobal(ctx)
	if err != nil {
		return nil, fail(CodePersistenceFailure, err)
	}

	key := event.StreamKey(req.StreamID)
	current, err := w.loadStream(ctx, key, req.StreamID)
	if err != nil {
		return nil, fail(CodePersistenceFailure, err)
	}

	if !req.Expected.Matches(current) {
		return nil, fail(CodeUnexpectedStreamSequence,
			fmt.Errorf("%w: stream is at %d", event.ErrUnexpectedStreamSequence, current))
	}

	seen := make(map[uuid.UUID]struct{}, len(req.Events))
	persisted := make([]event.Persisted, len(req.Events))
	for i, e := range req.Events {
		if _, ok := seen[e.ID]; ok {
			return nil, fail(CodeDuplicatedEntry,
				fmt.Errorf("%w: event %s repeats within the request", event.ErrDuplicatedEntry, e.ID))
		}
		seen[e.ID] = struct{}{}

		persisted[i] = event.Persisted{
			Unpersisted:    e,
			GlobalSequence: global + int64(i) + 1,
			StreamSequence: current + int64(i) + 1,
		}
	}

	if err := w.store.AppendEvents(ctx, req.StreamID, req.Expected, persisted); err != nil {
		// the store may know something the cache does not
		w.globalLoaded = false
		delete(w.streams, key)

		switch {
		case errors.Is(err, event.ErrUnexpectedStreamSequence):
			return nil, fail(CodeUnexpectedStreamSequence, err)
		case errors.Is(err, event.ErrDuplicatedEntry):
			return nil, fail(CodeDuplicatedEntry, err)
		default:
			w.logger.Error("append failed",
				"stream", req.StreamID,
				"expected", req.Expected.String(),
				"error", err,
			)
			return nil, fail(CodePersistenceFailure, err)
		}
	}

	w.global = global + int64(len(persisted))
	w.streams[key] = current + int64(len(persisted))

	w.logger.Debug("events appended",
		"stream", req.StreamID,
		"from_global", persisted[0].GlobalSequence,
		"to_global", persisted[len(persisted)-1].GlobalSequence,
		"stream_sequence", w.streams[key],
	)

	return persisted, nil
}

func (w *Writer) loadGlobal(ctx context.Context) (int64, error) {
	if w.globalLoaded {
		return w.global, nil
	}
	high, err := w.store.ReadHighestGlobalSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("load global sequence: %w", err)
	}
	w.global = high
	w.globalLoaded = true
	return high, nil
}

func (w *Writer) loadStream(ctx context.Context, key, streamID string) (int64, error) {
	if seq, ok := w.streams[key]; ok {
		return seq, nil
	}
	high, err := w.store.ReadHighestStreamSequence(ctx, streamID)
	if err != nil {
		return 0, fmt.Errorf("load stream sequence %s: %w", streamID, err)
	}
	w.streams[key] = high
	return high, nil
}
