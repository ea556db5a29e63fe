// Package codec turns domain values into event payloads and back.
//
// A Serializer encodes in one configured format and decodes any format it
// knows, so a log written as YAML can be replayed by a JSON-configured
// process. Event types are resolved to Go values through a Registry; types
// that were never registered decode to map[string]any.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roach88/eventide/internal/event"
)

var (
	// ErrUnsupportedFormat is returned for payloads tagged with an unknown format.
	ErrUnsupportedFormat = errors.New("unsupported payload format")

	// ErrAlreadyRegistered is returned when an event type name is registered twice
	// with different Go types.
	ErrAlreadyRegistered = errors.New("event type already registered")
)

// Registry maps event type names to the Go types their payloads decode into.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
	names map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register binds name to the type of sample. Pointer samples register their
// element type. Registering the same pair twice is a no-op.
func (r *Registry) Register(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil {
		return fmt.Errorf("register %q: nil sample", name)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[name]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("register %q as %s: %w (bound to %s)", name, t, ErrAlreadyRegistered, existing)
	}

	r.types[name] = t
	r.names[t] = name
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, sample any) {
	if err := r.Register(name, sample); err != nil {
		panic(err)
	}
}

// Lookup returns the Go type bound to name.
func (r *Registry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// NameOf returns the registered event type name for v, if any.
func (r *Registry) NameOf(v any) (string, bool) {
	t := reflect.TypeOf(v)
	if t == nil {
		return "", false
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[t]
	return name, ok
}

// Serializer is the payload codec port used by the engine.
type Serializer interface {
	Encode(v any) ([]byte, event.Format, error)
	Decode(eventType string, payload []byte, format event.Format) (any, error)
	EncodeMetadata(md map[string]string) ([]byte, error)
	DecodeMetadata(data []byte) (map[string]string, error)
}

// Codec is the Serializer shipped with eventide.
type Codec struct {
	registry *Registry
	format   event.Format
}

var _ Serializer = (*Codec)(nil)

// New returns a codec that encodes in format. A nil registry is replaced
// with an empty one.
func New(registry *Registry, format event.Format) (*Codec, error) {
	if format != event.FormatJSON && format != event.FormatYAML {
		return nil, fmt.Errorf("new codec: %w: %s", ErrUnsupportedFormat, format)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Codec{registry: registry, format: format}, nil
}

// JSON returns a JSON codec over registry.
func JSON(registry *Registry) *Codec {
	c, _ := New(registry, event.FormatJSON)
	return c
}

// Registry returns the type registry the codec decodes with.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Format returns the format Encode produces.
func (c *Codec) Format() event.Format {
	return c.format
}

// Encode implements Serializer.
func (c *Codec) Encode(v any) ([]byte, event.Format, error) {
	var (
		data []byte
		err  error
	)
	switch c.format {
	case event.FormatYAML:
		data, err = yaml.Marshal(v)
	default:
		data, err = marshalJSON(v)
	}
	if err != nil {
		return nil, event.FormatUnknown, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, c.format, nil
}

// Decode implements Serializer. Registered types decode to a pointer to a
// fresh value of that type.
func (c *Codec) Decode(eventType string, payload []byte, format event.Format) (any, error) {
	var target any
	if t, ok := c.registry.Lookup(eventType); ok {
		target = reflect.New(t).Interface()
	} else {
		target = &map[string]any{}
	}

	var err error
	switch format {
	case event.FormatJSON:
		err = json.Unmarshal(payload, target)
	case event.FormatYAML:
		err = yaml.Unmarshal(payload, target)
	default:
		return nil, fmt.Errorf("decode %s: %w: %s", eventType, ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}

	if m, ok := target.(*map[string]any); ok {
		return *m, nil
	}
	return target, nil
}

// EncodeMetadata implements Serializer. Metadata is always JSON; nil and
// empty maps encode to nil.
func (c *Codec) EncodeMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	data, err := marshalJSON(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata implements Serializer.
func (c *Codec) DecodeMetadata(data []byte) (map[string]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]string{}, nil
	}
	md := map[string]string{}
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// marshalJSON encodes without HTML escaping and without a trailing newline.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
