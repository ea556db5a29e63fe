// Package storage defines the ports the engine consumes for durable event and
// projection index storage, plus an in-memory implementation.
//
// Backends must make AppendEvents and AppendProjectionIndex atomic: either
// every record of the call is durable or none is. Stream identity is compared
// with event.StreamKey.
//
// Read callbacks are invoked in sequence order. A callback error stops the
// read and is returned unchanged.
package storage

import (
	"context"

	"github.com/roach88/eventide/internal/event"
)

// EventWriter appends committed events to the log.
type EventWriter interface {
	// AppendEvents stores events whose global and stream sequences have
	// already been assigned by the writer.
	//
	// Returns an error wrapping event.ErrUnexpectedStreamSequence when the
	// expected sequence does not match the stream, or wrapping
	// event.ErrDuplicatedEntry when an event id already exists.
	AppendEvents(ctx context.Context, streamID string, expected event.ExpectedSequence, events []event.Persisted) error
}

// EventReader reads the log.
type EventReader interface {
	// ReadEvents reads events with global sequence > after, up to max events.
	// max <= 0 reads to the end of the log.
	ReadEvents(ctx context.Context, after int64, max int, fn func(event.Persisted) error) error

	// ReadStream reads events of one stream with stream sequence > after.
	ReadStream(ctx context.Context, streamID string, after int64, max int, fn func(event.Persisted) error) error

	// ReadHighestGlobalSequence returns the last committed global sequence, 0 if empty.
	ReadHighestGlobalSequence(ctx context.Context) (int64, error)

	// ReadHighestStreamSequence returns the last stream sequence, 0 if the stream is empty.
	ReadHighestStreamSequence(ctx context.Context, streamID string) (int64, error)
}

// EventStore is the full log port.
type EventStore interface {
	EventReader
	EventWriter
}

// Checkpoint is the highest durably indexed entry of a projection stream.
type Checkpoint struct {
	Sequence       int64
	GlobalSequence int64
}

// IndexedEvent is a projection index entry joined with the event it points at.
type IndexedEvent struct {
	ProjectionSequence int64
	Event              event.Persisted
}

// ProjectionWriter appends projection index entries.
type ProjectionWriter interface {
	// AppendProjectionIndex stores globalSequences as projection sequences
	// expected+1, expected+2, ...
	//
	// Returns an error wrapping event.ErrUnexpectedStreamSequence when
	// expected is not the current checkpoint, or event.ErrDuplicatedEntry
	// when an entry already exists.
	AppendProjectionIndex(ctx context.Context, projectionStreamID string, expected int64, globalSequences []int64) error
}

// ProjectionReader reads projection indices.
type ProjectionReader interface {
	// ReadProjectionCheckpoint returns the zero Checkpoint for unknown streams.
	ReadProjectionCheckpoint(ctx context.Context, projectionStreamID string) (Checkpoint, error)

	// ReadProjectionIndex reads indexed events with projection sequence > after.
	ReadProjectionIndex(ctx context.Context, projectionStreamID string, after int64, max int, fn func(IndexedEvent) error) error
}

// ProjectionStore is the full projection index port.
type ProjectionStore interface {
	ProjectionReader
	ProjectionWriter
}

// Store is implemented by every backend shipped with eventide.
type Store interface {
	EventStore
	ProjectionStore
	Close() error
}
