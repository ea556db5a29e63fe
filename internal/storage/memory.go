package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/eventide/internal/event"
)

// Memory is a Store that keeps everything in process memory.
// It is safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	events      []event.Persisted // index i holds global sequence i+1
	ids         map[uuid.UUID]struct{}
	streams     map[string][]int // stream key -> positions in events
	projections map[string][]int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		ids:         make(map[uuid.UUID]struct{}),
		streams:     make(map[string][]int),
		projections: make(map[string][]int64),
	}
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}

// AppendEvents implements EventWriter.
func (m *Memory) AppendEvents(ctx context.Context, streamID string, expected event.ExpectedSequence, events []event.Persisted) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := event.StreamKey(streamID)
	current := int64(len(m.streams[key]))

	if !expected.Matches(current) {
		return fmt.Errorf("append %s: %w (expected %s, current %d)", streamID, event.ErrUnexpectedStreamSequence, expected, current)
	}

	seen := make(map[uuid.UUID]struct{}, len(events))
	for i, e := range events {
		if _, ok := m.ids[e.ID]; ok {
			return fmt.Errorf("append %s: %w (event %s)", streamID, event.ErrDuplicatedEntry, e.ID)
		}
		if _, ok := seen[e.ID]; ok {
			return fmt.Errorf("append %s: %w (event %s)", streamID, event.ErrDuplicatedEntry, e.ID)
		}
		seen[e.ID] = struct{}{}

		if want := int64(len(m.events) + i + 1); e.GlobalSequence != want {
			return fmt.Errorf("append %s: global sequence %d, want %d", streamID, e.GlobalSequence, want)
		}
		if want := current + int64(i) + 1; e.StreamSequence != want {
			return fmt.Errorf("append %s: %w (stream sequence %d, want %d)", streamID, event.ErrUnexpectedStreamSequence, e.StreamSequence, want)
		}
	}

	for _, e := range events {
		m.ids[e.ID] = struct{}{}
		m.streams[key] = append(m.streams[key], len(m.events))
		m.events = append(m.events, e)
	}

	return nil
}

// ReadEvents implements EventReader.
func (m *Memory) ReadEvents(ctx context.Context, after int64, max int, fn func(event.Persisted) error) error {
	m.mu.RLock()
	if after < 0 {
		after = 0
	}
	var batch []event.Persisted
	if after < int64(len(m.events)) {
		end := len(m.events)
		if max > 0 && int(after)+max < end {
			end = int(after) + max
		}
		batch = append(batch, m.events[after:end]...)
	}
	m.mu.RUnlock()

	return deliver(ctx, batch, fn)
}

// ReadStream implements EventReader.
func (m *Memory) ReadStream(ctx context.Context, streamID string, after int64, max int, fn func(event.Persisted) error) error {
	m.mu.RLock()
	positions := m.streams[event.StreamKey(streamID)]
	if after < 0 {
		after = 0
	}
	var batch []event.Persisted
	for i := int(after); i < len(positions); i++ {
		if max > 0 && len(batch) >= max {
			break
		}
		batch = append(batch, m.events[positions[i]])
	}
	m.mu.RUnlock()

	return deliver(ctx, batch, fn)
}

// ReadHighestGlobalSequence implements EventReader.
func (m *Memory) ReadHighestGlobalSequence(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

// ReadHighestStreamSequence implements EventReader.
func (m *Memory) ReadHighestStreamSequence(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.streams[event.StreamKey(streamID)])), nil
}

// AppendProjectionIndex implements ProjectionWriter.
func (m *Memory) AppendProjectionIndex(ctx context.Context, projectionStreamID string, expected int64, globalSequences []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	index := m.projections[projectionStreamID]
	current := int64(len(index))

	if expected < current {
		return fmt.Errorf("append index %s: %w (expected %d, current %d)", projectionStreamID, event.ErrDuplicatedEntry, expected, current)
	}
	if expected != current {
		return fmt.Errorf("append index %s: %w (expected %d, current %d)", projectionStreamID, event.ErrUnexpectedStreamSequence, expected, current)
	}

	for _, g := range globalSequences {
		if g < 1 || g > int64(len(m.events)) {
			return fmt.Errorf("append index %s: global sequence %d is not committed", projectionStreamID, g)
		}
	}

	m.projections[projectionStreamID] = append(index, globalSequences...)
	return nil
}

// ReadProjectionCheckpoint implements ProjectionReader.
func (m *Memory) ReadProjectionCheckpoint(ctx context.Context, projectionStreamID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	index := m.projections[projectionStreamID]
	if len(index) == 0 {
		return Checkpoint{}, nil
	}
	return Checkpoint{
		Sequence:       int64(len(index)),
		GlobalSequence: index[len(index)-1],
	}, nil
}

// ReadProjectionIndex implements ProjectionReader.
func (m *Memory) ReadProjectionIndex(ctx context.Context, projectionStreamID string, after int64, max int, fn func(IndexedEvent) error) error {
	m.mu.RLock()
	index := m.projections[projectionStreamID]
	if after < 0 {
		after = 0
	}
	var batch []IndexedEvent
	for i := int(after); i < len(index); i++ {
		if max > 0 && len(batch) >= max {
			break
		}
		batch = append(batch, IndexedEvent{
			ProjectionSequence: int64(i + 1),
			Event:              m.events[index[i]-1],
		})
	}
	m.mu.RUnlock()

	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Events returns a copy of the whole log.
func (m *Memory) Events() []event.Persisted {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]event.Persisted, len(m.events))
	copy(out, m.events)
	return out
}

// ProjectionIndex returns a copy of a projection index as global sequences.
func (m *Memory) ProjectionIndex(projectionStreamID string) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, len(m.projections[projectionStreamID]))
	copy(out, m.projections[projectionStreamID])
	return out
}

// deliver runs the callbacks outside the lock so they may call back into the store.
func deliver(ctx context.Context, batch []event.Persisted, fn func(event.Persisted) error) error {
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
