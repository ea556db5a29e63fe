package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_PostTake(t *testing.T) {
	m := New[string]()

	ok := m.Post("a")
	require.True(t, ok, "post should succeed")

	got, ok := m.TryTake()
	require.True(t, ok, "take should succeed")
	assert.Equal(t, "a", got)
}

func TestMailbox_FIFO(t *testing.T) {
	m := New[int]()

	for i := 1; i <= 3; i++ {
		m.Post(i)
	}

	for want := 1; want <= 3; want++ {
		got, ok := m.TryTake()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestMailbox_TryTake_Empty(t *testing.T) {
	m := New[int]()

	_, ok := m.TryTake()
	assert.False(t, ok, "take from empty mailbox should return false")
}

func TestMailbox_Take_BlocksUntilAvailable(t *testing.T) {
	m := New[string]()
	done := make(chan string)

	go func() {
		msg, err := m.Take(context.Background())
		if err == nil {
			done <- msg
		}
	}()

	// Give goroutine time to block
	time.Sleep(10 * time.Millisecond)
	m.Post("blocking")

	select {
	case msg := <-done:
		assert.Equal(t, "blocking", msg)
	case <-time.After(time.Second):
		t.Fatal("take did not unblock")
	}
}

func TestMailbox_Take_ContextCancelled(t *testing.T) {
	m := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Take(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMailbox_Close_UnblocksTake(t *testing.T) {
	m := New[int]()
	done := make(chan error)

	go func() {
		_, err := m.Take(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("take did not unblock after close")
	}
}

func TestMailbox_Close_DrainsQueued(t *testing.T) {
	m := New[int]()
	m.Post(1)
	m.Post(2)
	m.Close()

	assert.False(t, m.Post(3), "post after close should return false")

	got, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	got, err = m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	_, err = m.Take(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMailbox_Len(t *testing.T) {
	m := New[int]()
	assert.Equal(t, 0, m.Len())

	m.Post(1)
	m.Post(2)
	assert.Equal(t, 2, m.Len())

	m.TryTake()
	assert.Equal(t, 1, m.Len())
}

func TestMailbox_Run_ProcessesInOrder(t *testing.T) {
	m := New[int]()
	var got []int

	for i := 0; i < 5; i++ {
		m.Post(i)
	}
	m.Close()

	err := m.Run(context.Background(), func(_ context.Context, v int) {
		got = append(got, v)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestMailbox_Run_StopsOnCancel(t *testing.T) {
	m := New[int]()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx, func(context.Context, int) {})
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, m.Closed(), "run should close the mailbox on cancel")
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestMailbox_ThreadSafe(t *testing.T) {
	m := New[int]()

	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m.Post(id*1000 + i)
			}
		}(p)
	}

	var received []int
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer close(done)
		_ = m.Run(ctx, func(_ context.Context, v int) {
			received = append(received, v)
			if len(received) == producers*perProducer {
				cancel()
			}
		})
	}()

	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer timeout: received %d messages", len(received))
	}

	assert.Len(t, received, producers*perProducer)
}
