package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/eventide/internal/codec"
	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/mailbox"
	"github.com/roach88/eventide/internal/metrics"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/telemetry"
	"github.com/roach88/eventide/internal/writer"
)

// Appender is the writer port used to commit changes.
type Appender interface {
	Write(ctx context.Context, req writer.Request) ([]event.Persisted, error)
}

type workerKey struct {
	kind   string
	stream string
}

// Pipeline routes commands to one worker per aggregate stream.
//
// Thread-safety model:
//   - Register(), Send(): safe from any goroutine
//   - Run(): must be called exactly once
type Pipeline struct {
	reader   storage.EventReader
	appender Appender
	codec    codec.Serializer
	clock    event.Clock
	newID    func() uuid.UUID
	logger   *slog.Logger
	metrics  *metrics.Metrics

	started chan struct{}
	stopped chan struct{}

	mu        sync.Mutex
	ctx       context.Context
	factories map[string]Factory
	workers   map[workerKey]*worker
	wg        sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithMetrics records command outcomes and running workers.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock sets the clock that timestamps new events. Default: event.SystemClock.
func WithClock(c event.Clock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// WithIDs sets the source of new event ids. Default: event.NewID.
func WithIDs(next func() uuid.UUID) Option {
	return func(p *Pipeline) {
		p.newID = next
	}
}

// NewPipeline creates a command pipeline that replays from reader, commits
// through appender, and encodes with serializer.
func NewPipeline(reader storage.EventReader, appender Appender, serializer codec.Serializer, opts ...Option) *Pipeline {
	p := &Pipeline{
		reader:    reader,
		appender:  appender,
		codec:     serializer,
		clock:     event.SystemClock{},
		newID:     event.NewID,
		logger:    slog.Default(),
		started:   make(chan struct{}),
		stopped:   make(chan struct{}),
		factories: make(map[string]Factory),
		workers:   make(map[workerKey]*worker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds an aggregate kind to its factory.
func (p *Pipeline) Register(kind string, factory Factory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("register aggregate: kind and factory are required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.factories[kind]; ok {
		return fmt.Errorf("register aggregate %q: %w", kind, ErrAlreadyRegistered)
	}
	p.factories[kind] = factory
	return nil
}

// Run makes the pipeline accept commands and blocks until ctx is cancelled
// and every worker has stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	close(p.started)

	<-ctx.Done()

	p.mu.Lock()
	p.workers = map[workerKey]*worker{}
	p.mu.Unlock()
	close(p.stopped)

	p.wg.Wait()
	return ctx.Err()
}

// Send executes cmd against the aggregate of kind stored in streamID and
// waits for the result until ctx is done.
//
// The error is non-nil only when no result was produced: ErrUnknownKind,
// ErrNotRunning, ErrCommandTimeout when the deadline of ctx passed, or
// ctx.Err() when ctx was cancelled. Rejections and write failures are
// reported through Result.
func (p *Pipeline) Send(ctx context.Context, kind, streamID string, cmd any) (Result, error) {
	if streamID == "" || cmd == nil {
		return Result{}, fmt.Errorf("send command: stream id and command are required")
	}

	select {
	case <-p.started:
	default:
		return Result{}, ErrNotRunning
	}

	w, err := p.workerFor(kind, streamID)
	if err != nil {
		return Result{}, err
	}

	env := envelope{ctx: ctx, cmd: cmd, reply: make(chan Result, 1)}
	if !w.inbox.Post(env) {
		return Result{}, ErrNotRunning
	}

	select {
	case res := <-env.reply:
		p.metrics.Command(kind, res.Outcome.String())
		return res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.metrics.Command(kind, metrics.OutcomeTimeout)
			return Result{}, fmt.Errorf("%w: %s on %s", ErrCommandTimeout, kind, streamID)
		}
		return Result{}, ctx.Err()
	}
}

// Workers returns the number of running stream workers.
func (p *Pipeline) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pipeline) workerFor(kind, streamID string) (*worker, error) {
	select {
	case <-p.stopped:
		return nil, ErrNotRunning
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return nil, ErrNotRunning
	}

	factory, ok := p.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	key := workerKey{kind: kind, stream: event.StreamKey(streamID)}
	if w, ok := p.workers[key]; ok {
		return w, nil
	}

	w := &worker{
		kind:     kind,
		streamID: streamID,
		factory:  factory,
		reader:   p.reader,
		appender: p.appender,
		codec:    p.codec,
		clock:    p.clock,
		newID:    p.newID,
		logger:   p.logger.With("aggregate", kind, "stream", streamID),
		metrics:  p.metrics,
		tracer:   telemetry.Tracer(),
		inbox:    mailbox.New[envelope](),
	}
	p.workers[key] = w

	p.wg.Add(1)
	p.metrics.AggregateWorkerStarted()
	go func() {
		defer p.wg.Done()
		defer p.metrics.AggregateWorkerStopped()
		_ = w.run(p.ctx)
	}()

	return w, nil
}
