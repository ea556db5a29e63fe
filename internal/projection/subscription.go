package projection

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/eventide/internal/mailbox"
)

var (
	// ErrSubscriptionClosed is returned by Next once the subscription is
	// closed and drained.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrStreamStopped is returned when the projection stream worker is gone.
	ErrStreamStopped = errors.New("projection stream stopped")
)

// Subscription delivers the events of one projection stream in sequence
// order, each exactly once.
type Subscription struct {
	streamID string
	inbox    *mailbox.Mailbox[Event]
	stream   *stream
	once     sync.Once

	delivered int64 // owned by the stream worker
}

func newSubscription(s *stream) *Subscription {
	return &Subscription{
		streamID: s.id,
		inbox:    mailbox.New[Event](),
		stream:   s,
	}
}

// StreamID returns the projection stream id.
func (s *Subscription) StreamID() string {
	return s.streamID
}

// Next blocks until the next event is available.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	e, err := s.inbox.Take(ctx)
	if errors.Is(err, mailbox.ErrClosed) {
		return Event{}, ErrSubscriptionClosed
	}
	return e, err
}

// Close unregisters the subscription. Events already queued can still be
// read with Next.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.stream.unsubscribe(s)
	})
}

// offer queues e unless it was already delivered. Called by the stream worker.
func (s *Subscription) offer(e Event) {
	if e.Sequence <= s.delivered {
		return
	}
	s.delivered = e.Sequence
	s.inbox.Post(e)
}

func (s *Subscription) close() {
	s.inbox.Close()
}
