package projection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/eventide/internal/dispatch"
	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/mailbox"
	"github.com/roach88/eventide/internal/storage"
)

// Event is a log event as seen through one projection stream.
type Event struct {
	// Sequence is the position in the projection stream, starting at 1.
	Sequence int64
	event.Persisted
}

// Config tunes projection stream workers.
type Config struct {
	// ReadBatchSize is the number of log events read per catch-up step.
	ReadBatchSize int

	// MaxOutstanding caps unacknowledged index requests per stream.
	MaxOutstanding int

	// MaxPending caps live events parked while a stream is not live.
	MaxPending int

	// RetryDelay is the wait before retrying after a backend fault.
	RetryDelay time.Duration
}

// DefaultConfig returns the defaults used by eventide.
func DefaultConfig() Config {
	return Config{
		ReadBatchSize:  500,
		MaxOutstanding: 1000,
		MaxPending:     1000,
		RetryDelay:     time.Second,
	}
}

// Indexer accepts index requests.
type Indexer interface {
	Request(IndexRequest)
}

// Source is the dispatcher port used for live events.
type Source interface {
	Subscribe(ctx context.Context, sub dispatch.Subscriber) (int64, func(), error)
}

type phase int

const (
	catchingUp phase = iota
	live
)

func (p phase) String() string {
	if p == live {
		return "live"
	}
	return "catching-up"
}

type streamMsg interface {
	isStreamMsg()
}

type (
	liveMsg         struct{ event event.Persisted }
	catchUpMsg      struct{ epoch uint64 }
	resyncMsg       struct{}
	writtenMsg      struct{ ack IndexWritten }
	inconsistentMsg struct{ fault IndexInconsistent }
	subscribeMsg    struct {
		sub   *Subscription
		from  int64
		reply chan error // buffered, size 1
	}
	unsubscribeMsg struct{ sub *Subscription }
)

func (liveMsg) isStreamMsg()         {}
func (catchUpMsg) isStreamMsg()      {}
func (resyncMsg) isStreamMsg()       {}
func (writtenMsg) isStreamMsg()      {}
func (inconsistentMsg) isStreamMsg() {}
func (subscribeMsg) isStreamMsg()    {}
func (unsubscribeMsg) isStreamMsg()  {}

// errStopScan ends a log scan early.
var errStopScan = errors.New("stop scan")

// stream is the worker behind one projection stream.
//
// It numbers the events matched by its query, asks the index writer to
// persist each number, and fans events out to subscriptions. While catching
// up it reads the log in batches; once it reaches the dispatcher marker it
// goes live and processes dispatched events directly. Any sign that its view
// diverged from the store (a gap, an inconsistent index group) bumps the
// epoch and restarts from the durable checkpoint.
type stream struct {
	id          string
	query       Query
	events      storage.EventReader
	projections storage.ProjectionReader
	index       Indexer
	source      Source
	cfg         Config
	logger      *slog.Logger
	inbox       *mailbox.Mailbox[streamMsg]

	// owned by run
	ready           bool
	phase           phase
	epoch           uint64
	seq             int64 // last assigned projection sequence
	lastGlobal      int64 // last global sequence examined
	confirmedSeq    int64
	confirmedGlobal int64
	outstanding     int
	marker          int64
	catchUpQueued   bool
	pending         []event.Persisted
	stashed         []subscribeMsg
	subs            map[*Subscription]struct{}
}

func newStream(q Query, events storage.EventReader, projections storage.ProjectionReader, index Indexer, source Source, cfg Config, logger *slog.Logger) *stream {
	return &stream{
		id:          q.StreamID(),
		query:       q,
		events:      events,
		projections: projections,
		index:       index,
		source:      source,
		cfg:         cfg,
		logger:      logger.With("projection_stream", q.StreamID()),
		inbox:       mailbox.New[streamMsg](),
		subs:        make(map[*Subscription]struct{}),
	}
}

// Deliver implements dispatch.Subscriber.
func (s *stream) Deliver(e event.Persisted) {
	s.inbox.Post(liveMsg{event: e})
}

// OnIndexWritten implements IndexReplier.
func (s *stream) OnIndexWritten(ack IndexWritten) {
	s.inbox.Post(writtenMsg{ack: ack})
}

// OnIndexInconsistent implements IndexReplier.
func (s *stream) OnIndexInconsistent(fault IndexInconsistent) {
	s.inbox.Post(inconsistentMsg{fault: fault})
}

// subscribe registers sub for events after from and waits for the replay to
// be queued.
func (s *stream) subscribe(ctx context.Context, sub *Subscription, from int64) error {
	msg := subscribeMsg{sub: sub, from: from, reply: make(chan error, 1)}
	if !s.inbox.Post(msg) {
		return ErrStreamStopped
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		s.inbox.Post(unsubscribeMsg{sub: sub})
		return ctx.Err()
	}
}

func (s *stream) unsubscribe(sub *Subscription) {
	s.inbox.Post(unsubscribeMsg{sub: sub})
}

// run registers with the live source and processes messages until ctx ends.
func (s *stream) run(ctx context.Context) error {
	marker, cancel, err := s.source.Subscribe(ctx, s)
	if err != nil {
		s.inbox.Close()
		s.closeSubscriptions()
		return err
	}
	defer cancel()

	s.marker = marker
	s.logger.Debug("projection stream starting", "marker", marker)

	s.inbox.Post(resyncMsg{})
	err = s.inbox.Run(ctx, s.handle)
	s.inbox.Close()
	s.closeSubscriptions()
	return err
}

func (s *stream) handle(ctx context.Context, msg streamMsg) {
	switch m := msg.(type) {
	case resyncMsg:
		s.resync(ctx)
	case catchUpMsg:
		if m.epoch == s.epoch && s.ready {
			s.catchUpQueued = false
			s.catchUp(ctx)
		}
	case liveMsg:
		s.onLive(m.event)
	case writtenMsg:
		s.onWritten(m.ack)
	case inconsistentMsg:
		s.onInconsistent(m.fault)
	case subscribeMsg:
		if !s.ready {
			s.stashed = append(s.stashed, m)
			return
		}
		m.reply <- s.attach(ctx, m.sub, m.from)
	case unsubscribeMsg:
		delete(s.subs, m.sub)
		for i, st := range s.stashed {
			if st.sub == m.sub {
				s.stashed = append(s.stashed[:i], s.stashed[i+1:]...)
				break
			}
		}
		m.sub.close()
	}
}

// resync restarts the stream from the durable checkpoint under a new epoch.
func (s *stream) resync(ctx context.Context) {
	s.epoch++
	s.ready = false
	s.catchUpQueued = false

	cp, err := s.projections.ReadProjectionCheckpoint(ctx, s.id)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("reading projection checkpoint failed; retrying",
			"epoch", s.epoch,
			"retry_in", s.cfg.RetryDelay,
			"error", err,
		)
		s.after(s.cfg.RetryDelay, resyncMsg{})
		return
	}

	s.seq = cp.Sequence
	s.lastGlobal = cp.GlobalSequence
	s.confirmedSeq = cp.Sequence
	s.confirmedGlobal = cp.GlobalSequence
	s.outstanding = 0
	s.phase = catchingUp
	s.ready = true

	s.logger.Info("projection stream synchronized",
		"epoch", s.epoch,
		"sequence", cp.Sequence,
		"global_sequence", cp.GlobalSequence,
	)

	stashed := s.stashed
	s.stashed = nil
	for _, m := range stashed {
		m.reply <- s.attach(ctx, m.sub, m.from)
	}

	s.scheduleCatchUp()
}

// catchUp reads one batch of the log after lastGlobal.
func (s *stream) catchUp(ctx context.Context) {
	if s.phase != catchingUp {
		return
	}
	if s.outstanding >= s.cfg.MaxOutstanding {
		// resumed by onWritten
		return
	}

	read := 0
	err := s.events.ReadEvents(ctx, s.lastGlobal, s.cfg.ReadBatchSize, func(e event.Persisted) error {
		read++
		s.process(e)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("catch-up read failed; retrying",
			"after", s.lastGlobal,
			"retry_in", s.cfg.RetryDelay,
			"error", err,
		)
		s.catchUpQueued = true
		s.after(s.cfg.RetryDelay, catchUpMsg{epoch: s.epoch})
		return
	}

	switch {
	case read >= s.cfg.ReadBatchSize:
		s.scheduleCatchUp()
	case s.marker != dispatch.UnknownMarker && s.lastGlobal < s.marker:
		// the log has not caught up with what was already dispatched
		s.catchUpQueued = true
		s.after(s.cfg.RetryDelay, catchUpMsg{epoch: s.epoch})
	default:
		s.goLive()
	}
}

func (s *stream) goLive() {
	s.phase = live
	s.logger.Debug("projection stream live",
		"epoch", s.epoch,
		"sequence", s.seq,
		"last_global_sequence", s.lastGlobal,
		"pending", len(s.pending),
	)

	pending := s.pending
	s.pending = nil
	for i, e := range pending {
		s.onLive(e)
		if s.phase != live {
			// fell back to catching up; the rest is either re-read or re-parked
			s.pending = append(s.pending, pending[i+1:]...)
			s.trimPending()
			return
		}
	}
}

func (s *stream) onLive(e event.Persisted) {
	if !s.ready || s.phase != live {
		s.park(e)
		return
	}

	switch {
	case e.GlobalSequence <= s.lastGlobal:
		return

	case e.GlobalSequence > s.lastGlobal+1:
		s.logger.Debug("live gap; catching up",
			"last_global_sequence", s.lastGlobal,
			"received", e.GlobalSequence,
		)
		s.phase = catchingUp
		s.park(e)
		s.scheduleCatchUp()

	case s.outstanding >= s.cfg.MaxOutstanding:
		s.logger.Debug("index backpressure; parking live traffic", "outstanding", s.outstanding)
		s.phase = catchingUp
		s.park(e)

	default:
		s.process(e)
	}
}

// process examines the next event of the log.
func (s *stream) process(e event.Persisted) {
	if e.GlobalSequence <= s.lastGlobal {
		return
	}
	s.lastGlobal = e.GlobalSequence

	if !s.query.Match(e) {
		return
	}

	s.seq++
	s.outstanding++
	s.index.Request(IndexRequest{
		ReplyTo:            s,
		ProjectionStreamID: s.id,
		Epoch:              s.epoch,
		Sequence:           s.seq,
		GlobalSequence:     e.GlobalSequence,
	})

	pe := Event{Sequence: s.seq, Persisted: e}
	for sub := range s.subs {
		sub.offer(pe)
	}
}

func (s *stream) park(e event.Persisted) {
	if len(s.pending) >= s.cfg.MaxPending {
		// the log is durable; catch-up reads it again
		return
	}
	s.pending = append(s.pending, e)
}

func (s *stream) trimPending() {
	if len(s.pending) > s.cfg.MaxPending {
		s.pending = s.pending[:s.cfg.MaxPending]
	}
}

func (s *stream) onWritten(ack IndexWritten) {
	if ack.Epoch != s.epoch || !s.ready {
		return
	}

	s.outstanding -= int(ack.To - ack.From + 1)
	if s.outstanding < 0 {
		s.outstanding = 0
	}
	if ack.To > s.confirmedSeq {
		s.confirmedSeq = ack.To
		s.confirmedGlobal = ack.GlobalSequence
	}

	if s.phase == catchingUp && s.outstanding < s.cfg.MaxOutstanding {
		s.scheduleCatchUp()
	}
}

func (s *stream) onInconsistent(fault IndexInconsistent) {
	if fault.Epoch != s.epoch || !s.ready {
		return
	}

	s.logger.Warn("projection index rejected; resynchronizing",
		"epoch", fault.Epoch,
		"transient", fault.Transient,
		"error", fault.Err,
	)

	if fault.Transient {
		// move to a fresh epoch now so late acks of this one are ignored
		s.epoch++
		s.ready = false
		s.after(s.cfg.RetryDelay, resyncMsg{})
		return
	}
	s.ready = false
	s.inbox.Post(resyncMsg{})
}

// attach replays history to sub and registers it for live fan-out.
//
// Entries up to the confirmed sequence come from the durable index; the
// unconfirmed tail is rebuilt from the log with the query.
func (s *stream) attach(ctx context.Context, sub *Subscription, from int64) error {
	if from < 0 {
		from = 0
	}
	sub.delivered = from

	if sub.delivered < s.confirmedSeq {
		err := s.projections.ReadProjectionIndex(ctx, s.id, sub.delivered, int(s.confirmedSeq-sub.delivered), func(ie storage.IndexedEvent) error {
			sub.offer(Event{Sequence: ie.ProjectionSequence, Persisted: ie.Event})
			return nil
		})
		if err != nil {
			return err
		}
	}

	if sub.delivered < s.seq {
		n := s.confirmedSeq
		err := s.events.ReadEvents(ctx, s.confirmedGlobal, 0, func(e event.Persisted) error {
			if e.GlobalSequence > s.lastGlobal {
				return errStopScan
			}
			if !s.query.Match(e) {
				return nil
			}
			n++
			sub.offer(Event{Sequence: n, Persisted: e})
			return nil
		})
		if err != nil && !errors.Is(err, errStopScan) {
			return err
		}
	}

	s.subs[sub] = struct{}{}
	return nil
}

func (s *stream) scheduleCatchUp() {
	if s.catchUpQueued {
		return
	}
	s.catchUpQueued = true
	s.inbox.Post(catchUpMsg{epoch: s.epoch})
}

func (s *stream) after(d time.Duration, msg streamMsg) {
	time.AfterFunc(d, func() {
		s.inbox.Post(msg)
	})
}

func (s *stream) closeSubscriptions() {
	for sub := range s.subs {
		sub.close()
	}
	s.subs = map[*Subscription]struct{}{}
	for _, m := range s.stashed {
		m.reply <- ErrStreamStopped
	}
	s.stashed = nil

	// the inbox is closed; answer subscribers still queued behind it
	for {
		msg, ok := s.inbox.TryTake()
		if !ok {
			return
		}
		switch m := msg.(type) {
		case subscribeMsg:
			m.sub.close()
			m.reply <- ErrStreamStopped
		case unsubscribeMsg:
			m.sub.close()
		}
	}
}
