// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/storage"
)

// Factory returns a fresh, empty store. Run closes it via t.Cleanup.
type Factory func(t *testing.T) storage.Store

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Run executes the shared contract suite against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"AppendAndReadEvents", testAppendAndReadEvents},
		{"ReadEventsPaging", testReadEventsPaging},
		{"ReadStreamIgnoresCase", testReadStreamIgnoresCase},
		{"ExpectedSequenceMismatch", testExpectedSequenceMismatch},
		{"AnyExpectedSequence", testAnyExpectedSequence},
		{"DuplicateEventID", testDuplicateEventID},
		{"FailedAppendIsAtomic", testFailedAppendIsAtomic},
		{"HighestSequences", testHighestSequences},
		{"ProjectionIndex", testProjectionIndex},
		{"ProjectionIndexConflicts", testProjectionIndexConflicts},
		{"CallbackErrorStopsRead", testCallbackErrorStopsRead},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

// Persisted builds a persisted event for direct store writes.
func Persisted(stream string, streamSeq, globalSeq int64, eventType string) event.Persisted {
	return event.Persisted{
		Unpersisted: event.Unpersisted{
			ID:        uuid.New(),
			StreamID:  stream,
			EventType: eventType,
			Timestamp: baseTime.Add(time.Duration(globalSeq) * time.Second),
			Metadata:  []byte(`{"source":"storagetest"}`),
			Payload:   []byte(fmt.Sprintf(`{"n":%d}`, globalSeq)),
			Format:    event.FormatJSON,
		},
		GlobalSequence: globalSeq,
		StreamSequence: streamSeq,
	}
}

func collect(t *testing.T, read func(fn func(event.Persisted) error) error) []event.Persisted {
	t.Helper()
	var out []event.Persisted
	require.NoError(t, read(func(e event.Persisted) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func globals(events []event.Persisted) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.GlobalSequence
	}
	return out
}

func testAppendAndReadEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()

	a1 := Persisted("account-1", 1, 1, "Opened")
	a2 := Persisted("account-1", 2, 2, "Deposited")
	require.NoError(t, s.AppendEvents(ctx, "account-1", event.Exact(0), []event.Persisted{a1, a2}))

	got := collect(t, func(fn func(event.Persisted) error) error {
		return s.ReadEvents(ctx, 0, 0, fn)
	})
	require.Len(t, got, 2)

	assert.Equal(t, a1.ID, got[0].ID)
	assert.Equal(t, "account-1", got[0].StreamID)
	assert.Equal(t, "Opened", got[0].EventType)
	assert.Equal(t, int64(1), got[0].GlobalSequence)
	assert.Equal(t, int64(1), got[0].StreamSequence)
	assert.True(t, a1.Timestamp.Equal(got[0].Timestamp), "timestamp round trip")
	assert.Equal(t, a1.Metadata, got[0].Metadata)
	assert.Equal(t, a1.Payload, got[0].Payload)
	assert.Equal(t, event.FormatJSON, got[0].Format)

	assert.Equal(t, int64(2), got[1].StreamSequence)
}

func testReadEventsPaging(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		e := Persisted("paging-1", i, i, "Tick")
		require.NoError(t, s.AppendEvents(ctx, "paging-1", event.Exact(i-1), []event.Persisted{e}))
	}

	page := collect(t, func(fn func(event.Persisted) error) error {
		return s.ReadEvents(ctx, 1, 2, fn)
	})
	assert.Equal(t, []int64{2, 3}, globals(page))

	tail := collect(t, func(fn func(event.Persisted) error) error {
		return s.ReadEvents(ctx, 3, 100, fn)
	})
	assert.Equal(t, []int64{4, 5}, globals(tail))

	none := collect(t, func(fn func(event.Persisted) error) error {
		return s.ReadEvents(ctx, 5, 0, fn)
	})
	assert.Empty(t, none)

	stream := collect(t, func(fn func(event.Persisted) error) error {
		return s.ReadStream(ctx, "paging-1", 2, 2, fn)
	})
	assert.Equal(t, []int64{3, 4}, globals(stream))
}

func testReadStreamIgnoresCase(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendEvents(ctx, "Order-1", event.Exact(0), []event.Persisted{
		Persisted("Order-1", 1, 1, "Placed"),
	}))
	require.NoError(t, s.AppendEvents(ctx, "other-1", event.Exact(0), []event.Persisted{
		Persisted("other-1", 1, 2, "Noise"),
	}))
	require.NoError(t, s.AppendEvents(ctx, "ORDER-1", event.Exact(1), []event.Persisted{
		Persisted("ORDER-1", 2, 3, "Shipped"),
	}))

	got := collect(t, func(fn func(event.Persisted) error) error {
		return s.ReadStream(ctx, "order-1", 0, 0, fn)
	})
	assert.Equal(t, []int64{1, 3}, globals(got))
	assert.Equal(t, "Order-1", got[0].StreamID, "original stream id is preserved")
}

func testExpectedSequenceMismatch(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendEvents(ctx, "cart-1", event.Exact(0), []event.Persisted{
		Persisted("cart-1", 1, 1, "Created"),
	}))

	err := s.AppendEvents(ctx, "cart-1", event.Exact(0), []event.Persisted{
		Persisted("cart-1", 1, 2, "Created"),
	})
	assert.ErrorIs(t, err, event.ErrUnexpectedStreamSequence)

	err = s.AppendEvents(ctx, "cart-1", event.Exact(5), []event.Persisted{
		Persisted("cart-1", 6, 2, "ItemAdded"),
	})
	assert.ErrorIs(t, err, event.ErrUnexpectedStreamSequence)
}

func testAnyExpectedSequence(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendEvents(ctx, "log-1", event.Any(), []event.Persisted{
		Persisted("log-1", 1, 1, "Line"),
	}))
	require.NoError(t, s.AppendEvents(ctx, "log-1", event.Any(), []event.Persisted{
		Persisted("log-1", 2, 2, "Line"),
	}))

	high, err := s.ReadHighestStreamSequence(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), high)
}

func testDuplicateEventID(t *testing.T, s storage.Store) {
	ctx := context.Background()

	first := Persisted("dup-1", 1, 1, "Created")
	require.NoError(t, s.AppendEvents(ctx, "dup-1", event.Exact(0), []event.Persisted{first}))

	again := Persisted("dup-2", 1, 2, "Created")
	again.ID = first.ID
	err := s.AppendEvents(ctx, "dup-2", event.Exact(0), []event.Persisted{again})
	assert.ErrorIs(t, err, event.ErrDuplicatedEntry)
}

func testFailedAppendIsAtomic(t *testing.T, s storage.Store) {
	ctx := context.Background()

	existing := Persisted("atomic-1", 1, 1, "Created")
	require.NoError(t, s.AppendEvents(ctx, "atomic-1", event.Exact(0), []event.Persisted{existing}))

	ok := Persisted("atomic-2", 1, 2, "Created")
	bad := Persisted("atomic-2", 2, 3, "Created")
	bad.ID = existing.ID

	err := s.AppendEvents(ctx, "atomic-2", event.Exact(0), []event.Persisted{ok, bad})
	require.Error(t, err)

	high, err := s.ReadHighestGlobalSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), high, "no event of a failed batch is visible")

	streamHigh, err := s.ReadHighestStreamSequence(ctx, "atomic-2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), streamHigh)
}

func testHighestSequences(t *testing.T, s storage.Store) {
	ctx := context.Background()

	high, err := s.ReadHighestGlobalSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), high)

	streamHigh, err := s.ReadHighestStreamSequence(ctx, "missing-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), streamHigh)

	require.NoError(t, s.AppendEvents(ctx, "a-1", event.Exact(0), []event.Persisted{
		Persisted("a-1", 1, 1, "X"),
		Persisted("a-1", 2, 2, "X"),
	}))
	require.NoError(t, s.AppendEvents(ctx, "b-1", event.Exact(0), []event.Persisted{
		Persisted("b-1", 1, 3, "X"),
	}))

	high, err = s.ReadHighestGlobalSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), high)

	streamHigh, err = s.ReadHighestStreamSequence(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), streamHigh)
}

func testProjectionIndex(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		e := Persisted("proj-1", i, i, "X")
		require.NoError(t, s.AppendEvents(ctx, "proj-1", event.Exact(i-1), []event.Persisted{e}))
	}

	cp, err := s.ReadProjectionCheckpoint(ctx, "$ps-evens")
	require.NoError(t, err)
	assert.Equal(t, storage.Checkpoint{}, cp)

	require.NoError(t, s.AppendProjectionIndex(ctx, "$ps-evens", 0, []int64{2}))
	require.NoError(t, s.AppendProjectionIndex(ctx, "$ps-evens", 1, []int64{4}))

	cp, err = s.ReadProjectionCheckpoint(ctx, "$ps-evens")
	require.NoError(t, err)
	assert.Equal(t, storage.Checkpoint{Sequence: 2, GlobalSequence: 4}, cp)

	var entries []storage.IndexedEvent
	require.NoError(t, s.ReadProjectionIndex(ctx, "$ps-evens", 0, 0, func(e storage.IndexedEvent) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ProjectionSequence)
	assert.Equal(t, int64(2), entries[0].Event.GlobalSequence)
	assert.Equal(t, int64(2), entries[1].ProjectionSequence)
	assert.Equal(t, int64(4), entries[1].Event.GlobalSequence)

	entries = entries[:0]
	require.NoError(t, s.ReadProjectionIndex(ctx, "$ps-evens", 1, 1, func(e storage.IndexedEvent) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ProjectionSequence)
}

func testProjectionIndexConflicts(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendEvents(ctx, "c-1", event.Exact(0), []event.Persisted{
		Persisted("c-1", 1, 1, "X"),
		Persisted("c-1", 2, 2, "X"),
	}))
	require.NoError(t, s.AppendProjectionIndex(ctx, "$ps-c", 0, []int64{1}))

	err := s.AppendProjectionIndex(ctx, "$ps-c", 0, []int64{2})
	assert.ErrorIs(t, err, event.ErrDuplicatedEntry)

	err = s.AppendProjectionIndex(ctx, "$ps-c", 3, []int64{2})
	assert.ErrorIs(t, err, event.ErrUnexpectedStreamSequence)

	cp, err := s.ReadProjectionCheckpoint(ctx, "$ps-c")
	require.NoError(t, err)
	assert.Equal(t, storage.Checkpoint{Sequence: 1, GlobalSequence: 1}, cp)
}

func testCallbackErrorStopsRead(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendEvents(ctx, "stop-1", event.Exact(0), []event.Persisted{
		Persisted("stop-1", 1, 1, "X"),
		Persisted("stop-1", 2, 2, "X"),
		Persisted("stop-1", 3, 3, "X"),
	}))

	stop := errors.New("stop")
	calls := 0
	err := s.ReadEvents(ctx, 0, 0, func(event.Persisted) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}
