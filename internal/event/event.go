// Package event defines the records that flow through the event log.
//
// An Unpersisted event carries everything the caller knows about an event
// before it is committed. The writer turns it into a Persisted event by
// assigning the global sequence and the stream sequence exactly once; there is
// no way to set those fields on an Unpersisted value.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Format tags the encoding of an event payload.
type Format int

const (
	// FormatUnknown is the zero value and is rejected by the codecs.
	FormatUnknown Format = iota
	// FormatJSON marks payloads encoded as JSON.
	FormatJSON
	// FormatYAML marks payloads encoded as YAML.
	FormatYAML
)

// String returns the lowercase name of the format.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Unpersisted is an event that has not been committed to the log yet.
type Unpersisted struct {
	// ID identifies the event. Appending an ID twice is a duplicated entry.
	ID uuid.UUID

	// StreamID is the logical stream the event belongs to, as given by the caller.
	StreamID string

	// EventType is the type tag used for routing and decoding.
	EventType string

	// Timestamp is the creation time in UTC.
	Timestamp time.Time

	// Metadata is opaque to the engine.
	Metadata []byte

	// Payload is opaque to the engine; Format says how to decode it.
	Payload []byte
	Format  Format
}

// Persisted is an event that has been durably committed.
type Persisted struct {
	Unpersisted

	// GlobalSequence is the position in the whole log, starting at 1, gapless.
	GlobalSequence int64

	// StreamSequence is the position in the stream, starting at 1, gapless.
	StreamSequence int64
}

// ErrInvalidEvent is returned by New and Validate for malformed events.
var ErrInvalidEvent = errors.New("invalid event")

// New builds a validated Unpersisted event.
func New(id uuid.UUID, streamID, eventType string, timestamp time.Time, metadata, payload []byte, format Format) (Unpersisted, error) {
	e := Unpersisted{
		ID:        id,
		StreamID:  streamID,
		EventType: eventType,
		Timestamp: timestamp.UTC(),
		Metadata:  metadata,
		Payload:   payload,
		Format:    format,
	}
	if err := e.Validate(); err != nil {
		return Unpersisted{}, err
	}
	return e, nil
}

// Validate checks the required fields.
func (e Unpersisted) Validate() error {
	switch {
	case e.ID == uuid.Nil:
		return fmt.Errorf("%w: event id is required", ErrInvalidEvent)
	case e.StreamID == "":
		return fmt.Errorf("%w: stream id is required", ErrInvalidEvent)
	case e.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	case e.Payload == nil:
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	}
	return nil
}

// NewID returns a time-sortable UUIDv7 event identity.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Clock supplies event timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
