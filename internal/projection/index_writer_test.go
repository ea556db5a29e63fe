package projection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/storage/storagetest"
)

type replies struct {
	mu           sync.Mutex
	written      []IndexWritten
	inconsistent []IndexInconsistent
}

func (r *replies) OnIndexWritten(w IndexWritten) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, w)
}

func (r *replies) OnIndexInconsistent(f IndexInconsistent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inconsistent = append(r.inconsistent, f)
}

func (r *replies) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.written), len(r.inconsistent)
}

func seedLog(t *testing.T, s *storage.Memory, n int64) {
	t.Helper()
	for i := int64(1); i <= n; i++ {
		e := storagetest.Persisted("seed-1", i, i, "Seeded")
		require.NoError(t, s.AppendEvents(context.Background(), "seed-1", event.Exact(i-1), []event.Persisted{e}))
	}
}

func runIndexWriter(t *testing.T, w *IndexWriter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewIndexWriter_DelayBounds(t *testing.T) {
	store := storage.NewMemory()

	_, err := NewIndexWriter(store, -time.Millisecond)
	assert.ErrorIs(t, err, ErrFlushDelayTooHigh)

	_, err = NewIndexWriter(store, MaxFlushDelay)
	assert.ErrorIs(t, err, ErrFlushDelayTooHigh)

	_, err = NewIndexWriter(store, 0)
	assert.NoError(t, err)

	_, err = NewIndexWriter(store, MaxFlushDelay-time.Nanosecond)
	assert.NoError(t, err)
}

func TestIndexWriter_WritesContiguousGroup(t *testing.T) {
	store := storage.NewMemory()
	seedLog(t, store, 5)

	w, err := NewIndexWriter(store, 10*time.Millisecond)
	require.NoError(t, err)
	runIndexWriter(t, w)

	r := &replies{}
	// out of order on purpose; the writer sorts
	for _, seq := range []int64{2, 1, 3} {
		w.Request(IndexRequest{ReplyTo: r, ProjectionStreamID: "$ps-a", Epoch: 1, Sequence: seq, GlobalSequence: seq + 1})
	}

	require.Eventually(t, func() bool {
		n, _ := r.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	assert.Equal(t, IndexWritten{ProjectionStreamID: "$ps-a", Epoch: 1, From: 1, To: 3, GlobalSequence: 4}, r.written[0])
	r.mu.Unlock()

	assert.Equal(t, []int64{2, 3, 4}, store.ProjectionIndex("$ps-a"))
}

func TestIndexWriter_GapFailsOnlyThatStream(t *testing.T) {
	store := storage.NewMemory()
	seedLog(t, store, 6)

	w, err := NewIndexWriter(store, 10*time.Millisecond)
	require.NoError(t, err)
	runIndexWriter(t, w)

	a, b := &replies{}, &replies{}
	for _, seq := range []int64{1, 2, 4} {
		w.Request(IndexRequest{ReplyTo: a, ProjectionStreamID: "$ps-a", Epoch: 1, Sequence: seq, GlobalSequence: seq})
	}
	for _, seq := range []int64{1, 2} {
		w.Request(IndexRequest{ReplyTo: b, ProjectionStreamID: "$ps-b", Epoch: 1, Sequence: seq, GlobalSequence: seq + 4})
	}

	require.Eventually(t, func() bool {
		_, na := a.counts()
		nb, _ := b.counts()
		return na == 1 && nb == 1
	}, time.Second, 5*time.Millisecond)

	a.mu.Lock()
	assert.ErrorIs(t, a.inconsistent[0].Err, event.ErrMissingIndexEntry)
	assert.False(t, a.inconsistent[0].Transient)
	assert.Empty(t, a.written)
	a.mu.Unlock()

	assert.Empty(t, store.ProjectionIndex("$ps-a"))
	assert.Equal(t, []int64{5, 6}, store.ProjectionIndex("$ps-b"))
}

func TestIndexWriter_GroupsByEpoch(t *testing.T) {
	store := storage.NewMemory()
	seedLog(t, store, 4)

	w, err := NewIndexWriter(store, 10*time.Millisecond)
	require.NoError(t, err)
	runIndexWriter(t, w)

	r := &replies{}
	w.Request(IndexRequest{ReplyTo: r, ProjectionStreamID: "$ps-a", Epoch: 1, Sequence: 1, GlobalSequence: 1})
	w.Request(IndexRequest{ReplyTo: r, ProjectionStreamID: "$ps-a", Epoch: 2, Sequence: 1, GlobalSequence: 1})
	w.Request(IndexRequest{ReplyTo: r, ProjectionStreamID: "$ps-a", Epoch: 2, Sequence: 2, GlobalSequence: 2})

	require.Eventually(t, func() bool {
		nw, ni := r.counts()
		return nw+ni == 2
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.written, 1)
	assert.Equal(t, uint64(1), r.written[0].Epoch, "first-seen group is written first")
	require.Len(t, r.inconsistent, 1)
	assert.Equal(t, uint64(2), r.inconsistent[0].Epoch)
	assert.ErrorIs(t, r.inconsistent[0].Err, event.ErrDuplicatedEntry)
}

func TestIndexWriter_ExpectedMismatchIsInconsistent(t *testing.T) {
	store := storage.NewMemory()
	seedLog(t, store, 3)

	w, err := NewIndexWriter(store, 0)
	require.NoError(t, err)
	runIndexWriter(t, w)

	r := &replies{}
	w.Request(IndexRequest{ReplyTo: r, ProjectionStreamID: "$ps-a", Epoch: 1, Sequence: 3, GlobalSequence: 3})

	require.Eventually(t, func() bool {
		_, n := r.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.ErrorIs(t, r.inconsistent[0].Err, event.ErrUnexpectedStreamSequence)
}

// brokenIndex fails every index append with a backend error.
type brokenIndex struct {
	calls int
	mu    sync.Mutex
}

func (b *brokenIndex) AppendProjectionIndex(context.Context, string, int64, []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return errors.New("connection refused")
}

func TestIndexWriter_BackendFaultIsTransientAndWriterContinues(t *testing.T) {
	store := &brokenIndex{}
	w, err := NewIndexWriter(store, time.Millisecond)
	require.NoError(t, err)
	runIndexWriter(t, w)

	r := &replies{}
	w.Request(IndexRequest{ReplyTo: r, ProjectionStreamID: "$ps-a", Epoch: 1, Sequence: 1, GlobalSequence: 1})
	require.Eventually(t, func() bool {
		_, n := r.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	w.Request(IndexRequest{ReplyTo: r, ProjectionStreamID: "$ps-a", Epoch: 1, Sequence: 1, GlobalSequence: 1})
	require.Eventually(t, func() bool {
		_, n := r.counts()
		return n == 2
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.True(t, r.inconsistent[0].Transient)
}

// countingIndex counts appends and forwards them.
type countingIndex struct {
	*storage.Memory
	mu    sync.Mutex
	calls int
}

func (c *countingIndex) AppendProjectionIndex(ctx context.Context, id string, expected int64, globals []int64) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Memory.AppendProjectionIndex(ctx, id, expected, globals)
}

func TestIndexWriter_DebouncesIntoOneAppend(t *testing.T) {
	store := &countingIndex{Memory: storage.NewMemory()}
	seedLog(t, store.Memory, 20)

	w, err := NewIndexWriter(store, 50*time.Millisecond)
	require.NoError(t, err)
	runIndexWriter(t, w)

	r := &replies{}
	for seq := int64(1); seq <= 20; seq++ {
		w.Request(IndexRequest{ReplyTo: r, ProjectionStreamID: "$ps-a", Epoch: 1, Sequence: seq, GlobalSequence: seq})
	}

	require.Eventually(t, func() bool {
		n, _ := r.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.calls)
	assert.Len(t, store.ProjectionIndex("$ps-a"), 20)
}

// callbackReplier holds func fields, so its values cannot be compared.
type callbackReplier struct {
	written      func(IndexWritten)
	inconsistent func(IndexInconsistent)
}

func (c callbackReplier) OnIndexWritten(w IndexWritten)           { c.written(w) }
func (c callbackReplier) OnIndexInconsistent(f IndexInconsistent) { c.inconsistent(f) }

func TestIndexWriter_NonComparableReplier(t *testing.T) {
	store := storage.NewMemory()
	seedLog(t, store, 3)

	w, err := NewIndexWriter(store, 10*time.Millisecond)
	require.NoError(t, err)
	runIndexWriter(t, w)

	r := &replies{}
	cb := callbackReplier{written: r.OnIndexWritten, inconsistent: r.OnIndexInconsistent}
	for _, seq := range []int64{1, 2} {
		w.Request(IndexRequest{ReplyTo: cb, ProjectionStreamID: "$ps-a", Epoch: 1, Sequence: seq, GlobalSequence: seq})
	}

	require.Eventually(t, func() bool {
		n, _ := r.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	// the writer keeps serving later flushes
	other := &replies{}
	w.Request(IndexRequest{ReplyTo: other, ProjectionStreamID: "$ps-b", Epoch: 1, Sequence: 1, GlobalSequence: 3})
	require.Eventually(t, func() bool {
		n, _ := other.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	assert.Equal(t, IndexWritten{ProjectionStreamID: "$ps-a", Epoch: 1, From: 1, To: 2, GlobalSequence: 2}, r.written[0])
	assert.Empty(t, r.inconsistent)
	r.mu.Unlock()
	assert.Equal(t, []int64{1, 2}, store.ProjectionIndex("$ps-a"))
}
