package projection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventide/internal/dispatch"
	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/writer"
)

// harness runs the full write path into a supervisor over one store.
type harness struct {
	store  storage.Store
	mem    *storage.Memory
	writer *writer.Writer
	sup    *Supervisor
	stop   func()
}

func newHarness(t *testing.T, store storage.Store, mem *storage.Memory, cfg Config) *harness {
	t.Helper()

	d := dispatch.New(store)
	w := writer.New(store, d)
	iw, err := NewIndexWriter(store, 5*time.Millisecond)
	require.NoError(t, err)
	sup := NewSupervisor(store, store, iw, d, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{d.Run, w.Run, iw.Run, sup.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = run(ctx)
		}()
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	t.Cleanup(stop)

	return &harness{store: store, mem: mem, writer: w, sup: sup, stop: stop}
}

func newMemoryHarness(t *testing.T, cfg Config) *harness {
	mem := storage.NewMemory()
	return newHarness(t, mem, mem, cfg)
}

func testConfig() Config {
	return Config{
		ReadBatchSize:  4,
		MaxOutstanding: 100,
		MaxPending:     100,
		RetryDelay:     10 * time.Millisecond,
	}
}

func (h *harness) append(t *testing.T, streamID string, types ...string) {
	t.Helper()
	events := make([]event.Unpersisted, 0, len(types))
	for _, typ := range types {
		e, err := event.New(event.NewID(), streamID, typ, time.Now().UTC(), nil, []byte(`{}`), event.FormatJSON)
		require.NoError(t, err)
		events = append(events, e)
	}
	_, err := h.writer.Write(context.Background(), writer.Request{
		StreamID: streamID,
		Expected: event.Any(),
		Events:   events,
	})
	require.NoError(t, err)
}

func (h *harness) waitCheckpoint(t *testing.T, q Query, want int64) storage.Checkpoint {
	t.Helper()
	var cp storage.Checkpoint
	require.Eventually(t, func() bool {
		var err error
		cp, err = h.store.ReadProjectionCheckpoint(context.Background(), q.StreamID())
		return err == nil && cp.Sequence == want
	}, 2*time.Second, 5*time.Millisecond)
	return cp
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := sub.Next(ctx)
	require.NoError(t, err)
	return e
}

func subscribe(t *testing.T, sup *Supervisor, q Query, from int64) *Subscription {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := sup.Subscribe(ctx, q, from)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func TestSupervisor_StreamProjectionEndToEnd(t *testing.T) {
	h := newMemoryHarness(t, testConfig())

	h.append(t, "A", "One", "Two", "Three")
	h.append(t, "B", "Other")

	q := Stream("A")
	sub := subscribe(t, h.sup, q, 0)

	for want := int64(1); want <= 3; want++ {
		e := next(t, sub)
		assert.Equal(t, want, e.Sequence)
		assert.Equal(t, "A", e.StreamID)
		assert.Equal(t, want, e.StreamSequence)
	}

	cp := h.waitCheckpoint(t, q, 3)
	assert.Equal(t, int64(3), cp.GlobalSequence)
	assert.Equal(t, []int64{1, 2, 3}, h.mem.ProjectionIndex(q.StreamID()))
}

func TestSupervisor_CatchUpThenLive(t *testing.T) {
	h := newMemoryHarness(t, testConfig())

	// more than one read batch of history
	for i := 0; i < 5; i++ {
		h.append(t, "order-1", "Placed")
		h.append(t, "user-1", "Registered")
	}

	q := Category("order")
	sub := subscribe(t, h.sup, q, 0)
	for want := int64(1); want <= 5; want++ {
		assert.Equal(t, want, next(t, sub).Sequence)
	}

	h.append(t, "order-2", "Placed", "Paid")
	h.append(t, "user-2", "Registered")
	h.append(t, "order-1", "Shipped")

	var types []string
	for want := int64(6); want <= 8; want++ {
		e := next(t, sub)
		assert.Equal(t, want, e.Sequence)
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{"Placed", "Paid", "Shipped"}, types)

	cp := h.waitCheckpoint(t, q, 8)
	assert.Equal(t, int64(14), cp.GlobalSequence)

	index := h.mem.ProjectionIndex(q.StreamID())
	require.Len(t, index, 8)
	for _, g := range index {
		e := h.mem.Events()[g-1]
		assert.Equal(t, "order", event.Category(e.StreamID))
	}
}

func TestSupervisor_LateSubscriberReplaysFrom(t *testing.T) {
	h := newMemoryHarness(t, testConfig())
	h.append(t, "A", "One", "Two", "Three", "Four")

	q := Stream("A")
	first := subscribe(t, h.sup, q, 0)
	for i := 0; i < 4; i++ {
		next(t, first)
	}
	h.waitCheckpoint(t, q, 4)

	late := subscribe(t, h.sup, q, 2)
	assert.Equal(t, int64(3), next(t, late).Sequence)
	assert.Equal(t, int64(4), next(t, late).Sequence)

	h.append(t, "A", "Five")
	assert.Equal(t, int64(5), next(t, late).Sequence)
	assert.Equal(t, int64(5), next(t, first).Sequence)

	assert.Len(t, h.sup.Streams(), 1, "subscriptions to one query share a worker")
}

func TestSupervisor_ResumesFromDurableCheckpoint(t *testing.T) {
	mem := storage.NewMemory()
	q := EventTypes("Placed")

	first := newHarness(t, mem, mem, testConfig())
	first.append(t, "order-1", "Placed", "Paid")
	first.append(t, "order-2", "Placed")
	sub := subscribe(t, first.sup, q, 0)
	next(t, sub)
	next(t, sub)
	first.waitCheckpoint(t, q, 2)
	first.stop()

	// a second engine over the same store continues the numbering
	h := newHarness(t, mem, mem, testConfig())
	h.append(t, "order-3", "Placed")

	sub = subscribe(t, h.sup, q, 2)
	e := next(t, sub)
	assert.Equal(t, int64(3), e.Sequence)
	assert.Equal(t, "order-3", e.StreamID)

	h.waitCheckpoint(t, q, 3)
	assert.Equal(t, []int64{1, 3, 4}, mem.ProjectionIndex(q.StreamID()))
}

// faultyIndex fails the first n index appends with err.
type faultyIndex struct {
	*storage.Memory
	mu  sync.Mutex
	n   int
	err error
}

func (f *faultyIndex) AppendProjectionIndex(ctx context.Context, id string, expected int64, globals []int64) error {
	f.mu.Lock()
	if f.n > 0 {
		f.n--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.Memory.AppendProjectionIndex(ctx, id, expected, globals)
}

func TestSupervisor_RecoversFromIndexFaults(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"inconsistent", event.ErrUnexpectedStreamSequence},
		{"backend fault", errors.New("disk full")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storage.NewMemory()
			store := &faultyIndex{Memory: mem, n: 2, err: tt.err}
			h := newHarness(t, store, mem, testConfig())

			h.append(t, "A", "One", "Two")
			q := Stream("A")
			sub := subscribe(t, h.sup, q, 0)

			h.append(t, "A", "Three")

			// subscribers see each sequence once even across resyncs
			for want := int64(1); want <= 3; want++ {
				assert.Equal(t, want, next(t, sub).Sequence)
			}

			h.waitCheckpoint(t, q, 3)
			assert.Equal(t, []int64{1, 2, 3}, mem.ProjectionIndex(q.StreamID()))
		})
	}
}

func TestSupervisor_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOutstanding = 2
	cfg.MaxPending = 3
	h := newMemoryHarness(t, cfg)

	q := All()
	sub := subscribe(t, h.sup, q, 0)

	for i := 0; i < 20; i++ {
		h.append(t, "A", "Tick")
	}

	for want := int64(1); want <= 20; want++ {
		assert.Equal(t, want, next(t, sub).Sequence)
	}

	h.waitCheckpoint(t, q, 20)
	index := h.mem.ProjectionIndex(q.StreamID())
	for i, g := range index {
		assert.Equal(t, int64(i+1), g)
	}
}

func TestSupervisor_CloseEndsSubscription(t *testing.T) {
	h := newMemoryHarness(t, testConfig())
	sub := subscribe(t, h.sup, All(), 0)

	sub.Close()
	sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestSupervisor_SubscribeAfterStop(t *testing.T) {
	mem := storage.NewMemory()
	d := dispatch.New(mem)
	sup := NewSupervisor(mem, mem, nopIndexer{}, d, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sup.Run(ctx)
	}()
	cancel()
	<-done

	_, err := sup.Subscribe(context.Background(), All(), 0)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestNewSupervisor_FillsDefaults(t *testing.T) {
	mem := storage.NewMemory()
	sup := NewSupervisor(mem, mem, nopIndexer{}, dispatch.New(mem), Config{MaxPending: 7})

	def := DefaultConfig()
	assert.Equal(t, def.ReadBatchSize, sup.cfg.ReadBatchSize)
	assert.Equal(t, def.MaxOutstanding, sup.cfg.MaxOutstanding)
	assert.Equal(t, 7, sup.cfg.MaxPending)
	assert.Equal(t, def.RetryDelay, sup.cfg.RetryDelay)
}

type nopIndexer struct{}

func (nopIndexer) Request(IndexRequest) {}

func TestSupervisor_TypeSetsWithCommasGetSeparateStreams(t *testing.T) {
	h := newMemoryHarness(t, testConfig())
	h.append(t, "x-1", "a,b", "a", "b")

	combined := EventTypes("a,b")
	pair := EventTypes("a", "b")

	first := subscribe(t, h.sup, combined, 0)
	assert.Equal(t, "a,b", next(t, first).EventType)

	second := subscribe(t, h.sup, pair, 0)
	assert.Equal(t, "a", next(t, second).EventType)
	assert.Equal(t, "b", next(t, second).EventType)

	h.waitCheckpoint(t, combined, 1)
	h.waitCheckpoint(t, pair, 2)
}
