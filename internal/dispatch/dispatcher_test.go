package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/storage/storagetest"
)

type collector struct {
	mu     sync.Mutex
	events []int64
}

func (c *collector) Deliver(e event.Persisted) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e.GlobalSequence)
}

func (c *collector) seen() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.events...)
}

func seed(t *testing.T, s *storage.Memory, n int64) []event.Persisted {
	t.Helper()
	out := make([]event.Persisted, 0, n)
	start, err := s.ReadHighestGlobalSequence(context.Background())
	require.NoError(t, err)
	for i := int64(1); i <= n; i++ {
		g := start + i
		e := storagetest.Persisted("seed-1", g, g, "Seeded")
		require.NoError(t, s.AppendEvents(context.Background(), "seed-1", event.Exact(g-1), []event.Persisted{e}))
		out = append(out, e)
	}
	return out
}

func start(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcher_MarkerAfterRecovery(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, 5)

	d := New(store)
	start(t, d)

	c := &collector{}
	marker, cancel, err := d.Subscribe(context.Background(), c)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, int64(5), marker)

	next := seed(t, store, 1)
	d.Publish(next[0])

	require.Eventually(t, func() bool { return len(c.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{6}, c.seen())
}

func TestDispatcher_DeliversInOrderToAllSubscribers(t *testing.T) {
	store := storage.NewMemory()
	d := New(store)
	start(t, d)

	a, b := &collector{}, &collector{}
	_, cancelA, err := d.Subscribe(context.Background(), a)
	require.NoError(t, err)
	defer cancelA()
	_, cancelB, err := d.Subscribe(context.Background(), b)
	require.NoError(t, err)
	defer cancelB()

	for _, e := range seed(t, store, 10) {
		d.Publish(e)
	}

	want := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.Eventually(t, func() bool { return len(b.seen()) == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, a.seen())
	assert.Equal(t, want, b.seen())
}

func TestDispatcher_HealsGaps(t *testing.T) {
	store := storage.NewMemory()
	d := New(store)
	start(t, d)

	c := &collector{}
	_, cancel, err := d.Subscribe(context.Background(), c)
	require.NoError(t, err)
	defer cancel()

	events := seed(t, store, 4)
	d.Publish(events[0])
	d.Publish(events[3])

	require.Eventually(t, func() bool { return len(c.seen()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4}, c.seen())
}

func TestDispatcher_DropsAlreadyDispatched(t *testing.T) {
	store := storage.NewMemory()
	d := New(store)
	start(t, d)

	c := &collector{}
	_, cancel, err := d.Subscribe(context.Background(), c)
	require.NoError(t, err)
	defer cancel()

	events := seed(t, store, 2)
	d.Publish(events[0])
	d.Publish(events[1])
	d.Publish(events[0])
	d.Publish(events[1])

	// a fresh subscription is a barrier: everything before it has been handled
	marker, cancel2, err := d.Subscribe(context.Background(), &collector{})
	require.NoError(t, err)
	defer cancel2()
	assert.Equal(t, int64(2), marker)
	assert.Equal(t, []int64{1, 2}, c.seen())
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	store := storage.NewMemory()
	d := New(store)
	start(t, d)

	c := &collector{}
	_, cancel, err := d.Subscribe(context.Background(), c)
	require.NoError(t, err)

	events := seed(t, store, 2)
	d.Publish(events[0])
	cancel()
	cancel()
	d.Publish(events[1])

	_, cancel2, err := d.Subscribe(context.Background(), &collector{})
	require.NoError(t, err)
	defer cancel2()
	assert.Equal(t, []int64{1}, c.seen())
}

// stalledReader never answers the startup read.
type stalledReader struct {
	*storage.Memory
}

func (stalledReader) ReadHighestGlobalSequence(ctx context.Context) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestDispatcher_RecoveryTimeoutRunsLive(t *testing.T) {
	store := storage.NewMemory()
	seeded := seed(t, store, 3)

	d := New(stalledReader{store}, WithRecoveryTimeout(20*time.Millisecond))
	start(t, d)

	c := &collector{}
	marker, cancel, err := d.Subscribe(context.Background(), c)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, UnknownMarker, marker)

	d.Publish(seeded[2])
	require.Eventually(t, func() bool { return len(c.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{3}, c.seen())
}

func TestDispatcher_QueuesDuringRecovery(t *testing.T) {
	store := storage.NewMemory()
	events := seed(t, store, 1)

	d := New(store)
	// published before Run: recovery reads 1, so the queued publish is a duplicate
	d.Publish(events[0])
	start(t, d)

	c := &collector{}
	marker, cancel, err := d.Subscribe(context.Background(), c)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, int64(1), marker)
	assert.Empty(t, c.seen())
}

func TestDispatcher_SubscribeContextCancelled(t *testing.T) {
	d := New(storage.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, unsubscribe, err := d.Subscribe(ctx, &collector{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotPanics(t, unsubscribe)
}
