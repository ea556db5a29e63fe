// Package dispatch fans committed events out to live subscribers in global
// order.
//
// The dispatcher is a single goroutine draining one mailbox that carries
// both published events and subscription changes, so a subscriber sees
// exactly the events dispatched after its registration. Delivery is
// at-least-once across restarts; subscribers dedupe by global sequence.
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/mailbox"
	"github.com/roach88/eventide/internal/metrics"
	"github.com/roach88/eventide/internal/storage"
)

// UnknownMarker is returned by Subscribe when the dispatcher could not
// establish its starting position during recovery.
const UnknownMarker int64 = -1

// DefaultRecoveryTimeout bounds the startup read and gap healing reads.
const DefaultRecoveryTimeout = 5 * time.Second

// Subscriber receives dispatched events. Deliver must not block; post to a
// mailbox and return.
type Subscriber interface {
	Deliver(event.Persisted)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(event.Persisted)

// Deliver implements Subscriber.
func (f SubscriberFunc) Deliver(e event.Persisted) { f(e) }

type message interface {
	isMessage()
}

type publishMsg struct {
	event event.Persisted
}

type subscribeMsg struct {
	id    uint64
	sub   Subscriber
	reply chan int64 // buffered, size 1
}

type unsubscribeMsg struct {
	id uint64
}

func (publishMsg) isMessage()     {}
func (subscribeMsg) isMessage()   {}
func (unsubscribeMsg) isMessage() {}

// Dispatcher publishes events to subscribers in commit order.
type Dispatcher struct {
	reader          storage.EventReader
	inbox           *mailbox.Mailbox[message]
	recoveryTimeout time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics
	nextID          atomic.Uint64

	// owned by Run
	last  int64
	subs  map[uint64]Subscriber
	order []uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMetrics records dispatched events and healed gaps.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithRecoveryTimeout bounds the startup read and gap healing reads.
// Default: DefaultRecoveryTimeout.
func WithRecoveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.recoveryTimeout = timeout
	}
}

// New creates a dispatcher that heals gaps from reader.
func New(reader storage.EventReader, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reader:          reader,
		inbox:           mailbox.New[message](),
		recoveryTimeout: DefaultRecoveryTimeout,
		logger:          slog.Default(),
		last:            UnknownMarker,
		subs:            make(map[uint64]Subscriber),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish queues a committed event for dispatch. It never blocks.
func (d *Dispatcher) Publish(e event.Persisted) {
	d.inbox.Post(publishMsg{event: e})
}

// Subscribe registers sub and returns the marker: the last global sequence
// dispatched before registration. Events after the marker are delivered to
// sub; the caller reads the log up to the marker itself. The marker is
// UnknownMarker when recovery did not complete.
//
// The returned cancel func unregisters sub; it is safe to call more than once.
func (d *Dispatcher) Subscribe(ctx context.Context, sub Subscriber) (int64, func(), error) {
	id := d.nextID.Add(1)
	cancel := func() {
		d.inbox.Post(unsubscribeMsg{id: id})
	}

	msg := subscribeMsg{id: id, sub: sub, reply: make(chan int64, 1)}
	if !d.inbox.Post(msg) {
		return 0, func() {}, mailbox.ErrClosed
	}

	select {
	case marker := <-msg.reply:
		return marker, cancel, nil
	case <-ctx.Done():
		cancel()
		return 0, func() {}, ctx.Err()
	}
}

// Run recovers the starting position and dispatches until ctx is cancelled.
// Publishes and subscriptions made before or during recovery are queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.recover(ctx)
	return d.inbox.Run(ctx, d.handle)
}

func (d *Dispatcher) recover(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, d.recoveryTimeout)
	defer cancel()

	high, err := d.reader.ReadHighestGlobalSequence(rctx)
	if err != nil {
		d.logger.Warn("dispatcher recovery incomplete; continuing with unknown position",
			"timeout", d.recoveryTimeout,
			"error", err,
		)
		d.last = UnknownMarker
		return
	}

	d.last = high
	d.logger.Info("dispatcher recovered", "last_global_sequence", high)
}

func (d *Dispatcher) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case publishMsg:
		d.publish(ctx, m.event)

	case subscribeMsg:
		d.subs[m.id] = m.sub
		d.order = append(d.order, m.id)
		m.reply <- d.last

	case unsubscribeMsg:
		if _, ok := d.subs[m.id]; !ok {
			return
		}
		delete(d.subs, m.id)
		for i, id := range d.order {
			if id == m.id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, e event.Persisted) {
	if d.last != UnknownMarker && e.GlobalSequence <= d.last {
		d.logger.Debug("dropping already dispatched event", "global_sequence", e.GlobalSequence)
		return
	}

	if d.last != UnknownMarker && e.GlobalSequence > d.last+1 {
		d.heal(ctx, e.GlobalSequence)
	}

	d.deliver(e)
}

// heal dispatches the events between the last dispatched one and next from
// the log. On failure the gap is left for subscribers to detect.
func (d *Dispatcher) heal(ctx context.Context, next int64) {
	hctx, cancel := context.WithTimeout(ctx, d.recoveryTimeout)
	defer cancel()

	from := d.last
	healed := 0
	err := d.reader.ReadEvents(hctx, d.last, int(next-d.last-1), func(e event.Persisted) error {
		if e.GlobalSequence >= next {
			return nil
		}
		d.deliver(e)
		healed++
		return nil
	})
	d.metrics.GapHealed(healed)

	if err != nil {
		d.logger.Warn("dispatch gap not healed",
			"from", from,
			"to", next,
			"healed", healed,
			"error", err,
		)
		return
	}

	d.logger.Debug("dispatch gap healed", "from", from, "to", next, "healed", healed)
}

func (d *Dispatcher) deliver(e event.Persisted) {
	for _, id := range d.order {
		d.subs[id].Deliver(e)
	}
	d.last = e.GlobalSequence
	d.metrics.EventDispatched()
}
