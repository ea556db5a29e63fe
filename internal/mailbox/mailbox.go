// Package mailbox provides the unbounded FIFO inbox that every worker in the
// engine drains from a single goroutine.
//
// A worker owns exactly one Mailbox and processes one message to completion
// before taking the next, so worker state never needs a lock. Senders may post
// from any goroutine and never block.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox is a thread-safe, unbounded FIFO queue with a wake-up signal.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Post appends a message. Returns false if the mailbox is closed.
func (m *Mailbox[T]) Post(msg T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	m.items = append(m.items, msg)

	// coalesce: one pending signal is enough
	select {
	case m.signal <- struct{}{}:
	default:
	}

	return true
}

// TryTake removes and returns the oldest message without blocking.
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false
	}

	msg := m.items[0]
	// release the reference so the backing array does not pin it
	m.items[0] = zero

	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}

	return msg, true
}

// Take blocks until a message is available, the mailbox is closed and empty,
// or ctx is done.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	var zero T
	for {
		if msg, ok := m.TryTake(); ok {
			return msg, nil
		}
		if m.Closed() {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-m.signal:
		}
	}
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Closed reports whether Close has been called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops accepting messages and wakes all waiters. Messages already
// queued can still be taken.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	close(m.signal)
}

// Run drains the mailbox, calling handle for each message in order, until
// ctx is cancelled or the mailbox is closed and empty.
//
// Run must be called from exactly one goroutine.
func (m *Mailbox[T]) Run(ctx context.Context, handle func(context.Context, T)) error {
	for {
		if msg, ok := m.TryTake(); ok {
			handle(ctx, msg)
			continue
		}

		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()

		case <-m.signal:
			// the signal channel is closed once the mailbox is closed
			if m.Closed() && m.Len() == 0 {
				return nil
			}
		}
	}
}
