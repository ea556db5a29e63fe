package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/eventide/internal/aggregate"
	"github.com/roach88/eventide/internal/codec"
	"github.com/roach88/eventide/internal/dispatch"
	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/handler"
	"github.com/roach88/eventide/internal/metrics"
	"github.com/roach88/eventide/internal/projection"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/writer"
)

// Settings are the tunables of an engine.
type Settings struct {
	// CommandTimeout applies to SendCommand calls without their own timeout.
	CommandTimeout time.Duration

	// QueryTimeout applies to Query calls without their own timeout.
	QueryTimeout time.Duration

	// IndexFlushDelay is the projection index debounce. Must be < 30s.
	IndexFlushDelay time.Duration

	// RecoveryTimeout bounds the dispatcher's startup read of the log head.
	RecoveryTimeout time.Duration

	// Projection tunes projection stream workers.
	Projection projection.Config
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		CommandTimeout:  5 * time.Second,
		QueryTimeout:    5 * time.Second,
		IndexFlushDelay: 100 * time.Millisecond,
		RecoveryTimeout: dispatch.DefaultRecoveryTimeout,
		Projection:      projection.DefaultConfig(),
	}
}

// Engine wires the writer, dispatcher, projection subsystem, and command
// pipeline over one store.
//
// Thread-safety model:
//   - Register*(): safe from any goroutine, before or after Start
//   - Start(), Stop(): call once each
//   - everything else: safe from any goroutine once Start returned
type Engine struct {
	store    storage.Store
	settings Settings
	codec    codec.Serializer
	clock    event.Clock
	newID    func() uuid.UUID
	logger   *slog.Logger
	metrics  *metrics.Metrics

	writer     *writer.Writer
	dispatcher *dispatch.Dispatcher
	index      *projection.IndexWriter
	projector  *projection.Supervisor
	commands   *aggregate.Pipeline
	queries    *handler.Registry[string, *QueryRequest]

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	processors []*processor
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(e *Engine) {
		e.settings = s
	}
}

// WithLogger sets the logger of the engine and its components.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithCodec sets the payload codec. Default: JSON with an empty registry.
func WithCodec(s codec.Serializer) Option {
	return func(e *Engine) {
		e.codec = s
	}
}

// WithClock sets the clock that timestamps new events.
func WithClock(c event.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDs sets the source of new event ids.
func WithIDs(next func() uuid.UUID) Option {
	return func(e *Engine) {
		e.newID = next
	}
}

// New creates an engine over store. The engine does not close the store.
func New(store storage.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    store,
		settings: DefaultSettings(),
		codec:    codec.JSON(nil),
		clock:    event.SystemClock{},
		newID:    event.NewID,
		logger:   slog.Default(),
		queries:  handler.ForQueries[*QueryRequest](),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.settings.CommandTimeout <= 0 || e.settings.QueryTimeout <= 0 {
		return nil, fmt.Errorf("new engine: command and query timeouts must be positive")
	}

	e.dispatcher = dispatch.New(store,
		dispatch.WithLogger(e.logger.With("component", "dispatcher")),
		dispatch.WithMetrics(e.metrics),
		dispatch.WithRecoveryTimeout(e.settings.RecoveryTimeout),
	)
	e.writer = writer.New(store, e.dispatcher,
		writer.WithLogger(e.logger.With("component", "writer")),
		writer.WithMetrics(e.metrics),
	)

	index, err := projection.NewIndexWriter(store, e.settings.IndexFlushDelay,
		projection.WithIndexLogger(e.logger.With("component", "index_writer")),
		projection.WithIndexMetrics(e.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	e.index = index

	e.projector = projection.NewSupervisor(store, store, index, e.dispatcher, e.settings.Projection,
		projection.WithLogger(e.logger.With("component", "projections")),
		projection.WithMetrics(e.metrics),
	)
	e.commands = aggregate.NewPipeline(store, e.writer, e.codec,
		aggregate.WithLogger(e.logger.With("component", "aggregates")),
		aggregate.WithMetrics(e.metrics),
		aggregate.WithClock(e.clock),
		aggregate.WithIDs(e.newID),
	)

	return e, nil
}

// Start launches the engine workers. They run until Stop is called or ctx
// is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx != nil {
		return ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.logger.Info("engine starting",
		"index_flush_delay", e.settings.IndexFlushDelay,
		"recovery_timeout", e.settings.RecoveryTimeout,
	)

	for name, run := range map[string]func(context.Context) error{
		"dispatcher":   e.dispatcher.Run,
		"writer":       e.writer.Run,
		"index_writer": e.index.Run,
		"projections":  e.projector.Run,
		"aggregates":   e.commands.Run,
	} {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("engine component stopped", "component", name, "error", err)
			}
		}()
	}

	for _, p := range e.processors {
		e.startProcessor(p)
	}
	return nil
}

// Stop cancels the workers and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Codec returns the payload codec.
func (e *Engine) Codec() codec.Serializer {
	return e.codec
}

// Store returns the storage backend.
func (e *Engine) Store() storage.Store {
	return e.store
}

// NewEvent encodes payload and metadata into an event for streamID.
// An empty eventType is resolved from the codec registry.
func (e *Engine) NewEvent(streamID, eventType string, payload any, metadata map[string]string) (event.Unpersisted, error) {
	if eventType == "" {
		if c, ok := e.codec.(interface{ Registry() *codec.Registry }); ok {
			eventType, _ = c.Registry().NameOf(payload)
		}
	}

	data, format, err := e.codec.Encode(payload)
	if err != nil {
		return event.Unpersisted{}, err
	}
	md, err := e.codec.EncodeMetadata(metadata)
	if err != nil {
		return event.Unpersisted{}, err
	}
	return event.New(e.newID(), streamID, eventType, e.clock.Now(), md, data, format)
}

// Append writes events to streamID if the stream is at expected.
//
// Failures are *writer.WriteError values for sequence conflicts, duplicate
// ids, and backend faults, or writer.ErrInvalidRequest.
func (e *Engine) Append(ctx context.Context, streamID string, expected event.ExpectedSequence, events ...event.Unpersisted) ([]event.Persisted, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	return e.writer.Write(ctx, writer.Request{
		StreamID: streamID,
		Expected: expected,
		Events:   events,
	})
}

// Subscribe follows the projection stream of q after projection sequence from.
func (e *Engine) Subscribe(ctx context.Context, q projection.Query, from int64) (*projection.Subscription, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	return e.projector.Subscribe(ctx, q, from)
}

// ProjectionStreams returns the ids of the running projection streams.
func (e *Engine) ProjectionStreams() []string {
	return e.projector.Streams()
}

func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return ErrNotStarted
	}
	return nil
}
