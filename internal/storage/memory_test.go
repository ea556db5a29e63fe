package storage_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/storage/storagetest"
)

func TestMemory_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return storage.NewMemory()
	})
}

func TestMemory_IndexRequiresCommittedEvent(t *testing.T) {
	s := storage.NewMemory()

	err := s.AppendProjectionIndex(context.Background(), "$ps-x", 0, []int64{1})
	require.Error(t, err)
	assert.Empty(t, s.ProjectionIndex("$ps-x"))
}

func TestMemory_CancelledContext(t *testing.T) {
	s := storage.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.AppendEvents(ctx, "a-1", event.Exact(0), []event.Persisted{storagetest.Persisted("a-1", 1, 1, "X")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Events())
}

func TestMemory_CallbackMayReadStore(t *testing.T) {
	s := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, "a-1", event.Exact(0), []event.Persisted{storagetest.Persisted("a-1", 1, 1, "X")}))

	err := s.ReadEvents(ctx, 0, 0, func(event.Persisted) error {
		_, err := s.ReadHighestGlobalSequence(ctx)
		return err
	})
	assert.NoError(t, err)
}

func TestMemory_ConcurrentAppendsToDistinctStreams(t *testing.T) {
	s := storage.NewMemory()
	ctx := context.Background()

	// the writer owns the global counter in production; the mutex stands in for it
	var mu sync.Mutex
	next := int64(1)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			stream := "w-" + string(rune('a'+w))
			for i := int64(1); i <= 10; i++ {
				mu.Lock()
				e := storagetest.Persisted(stream, i, next, "X")
				err := s.AppendEvents(ctx, stream, event.Exact(i-1), []event.Persisted{e})
				if err == nil {
					next++
				}
				mu.Unlock()
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events := s.Events()
	require.Len(t, events, 80)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.GlobalSequence)
	}
}
