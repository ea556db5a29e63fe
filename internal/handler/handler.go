// Package handler is a dispatch table from a message key to an ordered list
// of handlers.
package handler

import (
	"context"
	"reflect"
	"sync"

	"github.com/roach88/eventide/internal/event"
)

// Func handles one message.
type Func[M any] func(ctx context.Context, msg M) error

// Mapper resolves the key of a message. ok is false for messages that have
// no key; those are ignored.
type Mapper[K comparable, M any] func(msg M) (key K, ok bool)

// Registry calls the handlers registered for a message's key in
// registration order.
//
// Thread-safety model:
//   - Add(), AddSync(), Handle(): safe from any goroutine
type Registry[K comparable, M any] struct {
	mapper Mapper[K, M]

	mu       sync.RWMutex
	handlers map[K][]Func[M]
}

// New creates a registry. Panics if mapper is nil.
func New[K comparable, M any](mapper Mapper[K, M]) *Registry[K, M] {
	if mapper == nil {
		panic("handler: nil mapper")
	}
	return &Registry[K, M]{
		mapper:   mapper,
		handlers: make(map[K][]Func[M]),
	}
}

// Add appends h to the handlers of key.
func (r *Registry[K, M]) Add(key K, h Func[M]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = append(r.handlers[key], h)
}

// AddSync appends a handler that cannot fail.
func (r *Registry[K, M]) AddSync(key K, h func(msg M)) {
	r.Add(key, func(_ context.Context, msg M) error {
		h(msg)
		return nil
	})
}

// Handle runs the handlers of msg's key one after the other and stops at the
// first error. Messages without a key or without handlers are a no-op.
func (r *Registry[K, M]) Handle(ctx context.Context, msg M) error {
	key, ok := r.mapper(msg)
	if !ok {
		return nil
	}

	r.mu.RLock()
	list := r.handlers[key]
	r.mu.RUnlock()

	for _, h := range list {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// ForEvents returns a registry keyed by event type.
func ForEvents() *Registry[string, event.Persisted] {
	return New[string, event.Persisted](func(e event.Persisted) (string, bool) {
		return e.EventType, e.EventType != ""
	})
}

// Named is a message that carries its own routing name.
type Named interface {
	QueryName() string
}

// ForQueries returns a registry keyed by query name. Nil queries and
// queries with an empty name are ignored.
func ForQueries[M Named]() *Registry[string, M] {
	return New[string, M](func(q M) (string, bool) {
		if isNil(q) {
			return "", false
		}
		name := q.QueryName()
		return name, name != ""
	})
}

// isNil reports whether v is nil, including typed nil pointers, maps,
// slices, funcs and channels held in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
