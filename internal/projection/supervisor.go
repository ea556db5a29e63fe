// Package projection derives independently sequenced projection streams from
// the event log.
//
// A projection stream is the ordered list of log events matched by a Query.
// The Supervisor runs one worker per query; each worker numbers its matches,
// persists the numbering through the IndexWriter, and serves subscriptions
// that replay the stream and then follow it live.
package projection

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/eventide/internal/metrics"
	"github.com/roach88/eventide/internal/storage"
)

// ErrNotRunning is returned by Subscribe after the supervisor stopped.
var ErrNotRunning = errors.New("projection supervisor not running")

// Supervisor owns the projection stream workers, keyed by query stream id.
//
// Thread-safety model:
//   - Subscribe(): safe from any goroutine, before or after Run starts
//   - Run(): must be called exactly once
type Supervisor struct {
	events      storage.EventReader
	projections storage.ProjectionReader
	index       Indexer
	source      Source
	cfg         Config
	logger      *slog.Logger
	metrics     *metrics.Metrics

	started chan struct{}
	stopped chan struct{}

	mu      sync.Mutex
	ctx     context.Context
	streams map[string]*stream
	wg      sync.WaitGroup
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithMetrics tracks running projection streams.
func WithMetrics(m *metrics.Metrics) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// NewSupervisor creates a supervisor. Zero fields of cfg take DefaultConfig values.
func NewSupervisor(events storage.EventReader, projections storage.ProjectionReader, index Indexer, source Source, cfg Config, opts ...SupervisorOption) *Supervisor {
	def := DefaultConfig()
	if cfg.ReadBatchSize <= 0 {
		cfg.ReadBatchSize = def.ReadBatchSize
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = def.MaxOutstanding
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	s := &Supervisor{
		events:      events,
		projections: projections,
		index:       index,
		source:      source,
		cfg:         cfg,
		logger:      slog.Default(),
		started:     make(chan struct{}),
		stopped:     make(chan struct{}),
		streams:     make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run makes the supervisor accept subscriptions and blocks until ctx is
// cancelled and every worker has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	close(s.started)

	<-ctx.Done()

	s.mu.Lock()
	s.streams = map[string]*stream{}
	s.mu.Unlock()
	close(s.stopped)

	s.wg.Wait()
	return ctx.Err()
}

// Subscribe returns a subscription to the projection stream of q, starting
// after projection sequence from (0 for the whole stream). The worker for q
// is created on first use.
func (s *Supervisor) Subscribe(ctx context.Context, q Query, from int64) (*Subscription, error) {
	select {
	case <-s.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st, err := s.streamFor(q)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(st)
	if err := st.subscribe(ctx, sub, from); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Streams returns the ids of the running projection streams.
func (s *Supervisor) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) streamFor(q Query) (*stream, error) {
	select {
	case <-s.stopped:
		return nil, ErrNotRunning
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, ErrNotRunning
	}

	id := q.StreamID()
	if st, ok := s.streams[id]; ok {
		return st, nil
	}

	st := newStream(q, s.events, s.projections, s.index, s.source, s.cfg, s.logger)
	s.streams[id] = st

	s.wg.Add(1)
	s.metrics.ProjectionStreamStarted()
	go func() {
		defer s.wg.Done()
		defer s.metrics.ProjectionStreamStopped()

		if err := st.run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("projection stream stopped", "projection_stream", id, "error", err)
		}

		s.mu.Lock()
		if s.streams[id] == st {
			delete(s.streams, id)
		}
		s.mu.Unlock()
	}()

	s.logger.Info("projection stream started", "projection_stream", id)
	return st, nil
}
