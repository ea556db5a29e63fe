package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/mailbox"
	"github.com/roach88/eventide/internal/metrics"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/telemetry"
)

// MaxFlushDelay is the exclusive upper bound of the index flush delay.
const MaxFlushDelay = 30 * time.Second

// ErrFlushDelayTooHigh is returned by NewIndexWriter for delays outside [0, MaxFlushDelay).
var ErrFlushDelayTooHigh = errors.New("index flush delay out of range")

// IndexReplier receives the outcome of index requests. Both methods must not block.
//
// Requests are grouped by replier only when the replier value is comparable.
// Other repliers are grouped by projection stream and epoch alone.
type IndexReplier interface {
	OnIndexWritten(IndexWritten)
	OnIndexInconsistent(IndexInconsistent)
}

// IndexRequest asks for one projection index entry.
type IndexRequest struct {
	ReplyTo            IndexReplier
	ProjectionStreamID string
	Epoch              uint64
	Sequence           int64
	GlobalSequence     int64
}

// IndexWritten acknowledges a durable run of entries From..To.
type IndexWritten struct {
	ProjectionStreamID string
	Epoch              uint64
	From, To           int64
	GlobalSequence     int64 // of entry To
}

// IndexInconsistent reports a group that was not written.
//
// Transient is set for backend faults, where the sender should wait before
// resynchronizing. Otherwise the sender's view of the index is wrong.
type IndexInconsistent struct {
	ProjectionStreamID string
	Epoch              uint64
	Err                error
	Transient          bool
}

type indexMsg interface {
	isIndexMsg()
}

type indexRequestMsg struct {
	req IndexRequest
}

type indexFlushMsg struct{}

func (indexRequestMsg) isIndexMsg() {}
func (indexFlushMsg) isIndexMsg()   {}

// IndexWriter batches projection index entries and appends them per
// projection stream after a debounce delay.
//
// Thread-safety model:
//   - Request(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type IndexWriter struct {
	store   storage.ProjectionWriter
	delay   time.Duration
	inbox   *mailbox.Mailbox[indexMsg]
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	// owned by Run
	buffer    []IndexRequest
	scheduled bool
}

// IndexWriterOption configures an IndexWriter.
type IndexWriterOption func(*IndexWriter)

// WithIndexLogger sets the logger. Default: slog.Default().
func WithIndexLogger(l *slog.Logger) IndexWriterOption {
	return func(w *IndexWriter) {
		w.logger = l
	}
}

// WithIndexMetrics records flushes and group outcomes.
func WithIndexMetrics(m *metrics.Metrics) IndexWriterOption {
	return func(w *IndexWriter) {
		w.metrics = m
	}
}

// NewIndexWriter creates an index writer that flushes delay after the first
// buffered request.
func NewIndexWriter(store storage.ProjectionWriter, delay time.Duration, opts ...IndexWriterOption) (*IndexWriter, error) {
	if delay < 0 || delay >= MaxFlushDelay {
		return nil, fmt.Errorf("%w: %s (must be >= 0 and < %s)", ErrFlushDelayTooHigh, delay, MaxFlushDelay)
	}

	w := &IndexWriter{
		store:  store,
		delay:  delay,
		inbox:  mailbox.New[indexMsg](),
		logger: slog.Default(),
		tracer: telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Request queues an index entry. It never blocks.
func (w *IndexWriter) Request(req IndexRequest) {
	w.inbox.Post(indexRequestMsg{req: req})
}

// Run processes requests until ctx is cancelled. Entries still buffered at
// that point are dropped; projection streams rebuild them from the log.
func (w *IndexWriter) Run(ctx context.Context) error {
	return w.inbox.Run(ctx, w.handle)
}

func (w *IndexWriter) handle(ctx context.Context, msg indexMsg) {
	switch m := msg.(type) {
	case indexRequestMsg:
		w.buffer = append(w.buffer, m.req)
		if !w.scheduled {
			w.scheduled = true
			time.AfterFunc(w.delay, func() {
				w.inbox.Post(indexFlushMsg{})
			})
		}

	case indexFlushMsg:
		w.scheduled = false
		batch := w.buffer
		w.buffer = nil
		w.flush(ctx, batch)
	}
}

type groupKey struct {
	replier any
	stream  string
	epoch   uint64
}

type group struct {
	replyTo IndexReplier
	reqs    []IndexRequest
}

// replierKey returns a map-safe identity for r, or nil when r cannot be
// compared.
func replierKey(r IndexReplier) any {
	if r == nil || !reflect.ValueOf(r).Comparable() {
		return nil
	}
	return r
}

func (w *IndexWriter) flush(ctx context.Context, batch []IndexRequest) {
	if len(batch) == 0 {
		return
	}
	w.metrics.IndexFlushed()

	var order []groupKey
	groups := make(map[groupKey]*group)
	for _, req := range batch {
		k := groupKey{replier: replierKey(req.ReplyTo), stream: req.ProjectionStreamID, epoch: req.Epoch}
		g, ok := groups[k]
		if !ok {
			g = &group{replyTo: req.ReplyTo}
			groups[k] = g
			order = append(order, k)
		}
		g.reqs = append(g.reqs, req)
	}

	for _, k := range order {
		g := groups[k]
		w.writeGroup(ctx, k, g.replyTo, g.reqs)
	}
}

func (w *IndexWriter) writeGroup(ctx context.Context, k groupKey, replyTo IndexReplier, reqs []IndexRequest) {
	ctx, span := w.tracer.Start(ctx, "projection.index.append",
		trace.WithAttributes(
			attribute.String("projection_stream", k.stream),
			attribute.Int("entries", len(reqs)),
		),
	)
	defer span.End()

	slices.SortFunc(reqs, func(a, b IndexRequest) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})

	err := contiguous(reqs)
	if err == nil {
		globals := make([]int64, len(reqs))
		for i, r := range reqs {
			globals[i] = r.GlobalSequence
		}
		err = w.store.AppendProjectionIndex(ctx, k.stream, reqs[0].Sequence-1, globals)
	}

	if err == nil {
		last := reqs[len(reqs)-1]
		w.metrics.IndexGroup(metrics.IndexWritten)
		if replyTo == nil {
			return
		}
		replyTo.OnIndexWritten(IndexWritten{
			ProjectionStreamID: k.stream,
			Epoch:              k.epoch,
			From:               reqs[0].Sequence,
			To:                 last.Sequence,
			GlobalSequence:     last.GlobalSequence,
		})
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "index append failed")

	if errors.Is(err, event.ErrMissingIndexEntry) ||
		errors.Is(err, event.ErrUnexpectedStreamSequence) ||
		errors.Is(err, event.ErrDuplicatedEntry) {
		w.logger.Warn("projection index inconsistent",
			"projection_stream", k.stream,
			"epoch", k.epoch,
			"from", reqs[0].Sequence,
			"to", reqs[len(reqs)-1].Sequence,
			"error", err,
		)
		w.metrics.IndexGroup(metrics.IndexInconsistent)
		if replyTo == nil {
			return
		}
		replyTo.OnIndexInconsistent(IndexInconsistent{
			ProjectionStreamID: k.stream,
			Epoch:              k.epoch,
			Err:                err,
		})
		return
	}

	w.logger.Error("projection index append failed; group dropped",
		"projection_stream", k.stream,
		"epoch", k.epoch,
		"entries", len(reqs),
		"error", err,
	)
	w.metrics.IndexGroup(metrics.IndexFailed)
	if replyTo == nil {
		return
	}
	replyTo.OnIndexInconsistent(IndexInconsistent{
		ProjectionStreamID: k.stream,
		Epoch:              k.epoch,
		Err:                err,
		Transient:          true,
	})
}

// contiguous checks that sorted requests form one run without holes or repeats.
func contiguous(reqs []IndexRequest) error {
	for i := 1; i < len(reqs); i++ {
		prev, cur := reqs[i-1].Sequence, reqs[i].Sequence
		switch {
		case cur == prev:
			return fmt.Errorf("%w: sequence %d requested twice", event.ErrDuplicatedEntry, cur)
		case cur != prev+1:
			return fmt.Errorf("%w: sequences %d..%d", event.ErrMissingIndexEntry, prev+1, cur-1)
		}
	}
	return nil
}
