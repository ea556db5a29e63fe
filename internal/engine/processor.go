package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/handler"
	"github.com/roach88/eventide/internal/projection"
)

// processor runs an event handler registry over a projection stream.
type processor struct {
	name     string
	query    projection.Query
	handlers *handler.Registry[string, event.Persisted]
}

// RegisterProcessor runs handlers over every event of the projection stream
// of q, from the beginning, for as long as the engine runs. Handler errors
// are logged and the processor moves on to the next event.
func (e *Engine) RegisterProcessor(name string, q projection.Query, handlers *handler.Registry[string, event.Persisted]) error {
	if name == "" || q == nil || handlers == nil {
		return fmt.Errorf("register processor: name, query and handlers are required")
	}

	p := &processor{name: name, query: q, handlers: handlers}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.processors {
		if existing.name == name {
			return fmt.Errorf("register processor %q: already registered", name)
		}
	}
	e.processors = append(e.processors, p)

	if e.ctx != nil {
		e.startProcessor(p)
	}
	return nil
}

// startProcessor must be called with e.mu held after Start.
func (e *Engine) startProcessor(p *processor) {
	ctx := e.ctx
	logger := e.logger.With("processor", p.name, "projection_stream", p.query.StreamID())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		sub, err := e.projector.Subscribe(ctx, p.query, 0)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("processor subscription failed", "error", err)
			}
			return
		}
		defer sub.Close()

		logger.Info("processor started")
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, projection.ErrSubscriptionClosed) {
					logger.Error("processor stopped", "error", err)
				}
				return
			}
			if err := p.handlers.Handle(ctx, ev.Persisted); err != nil {
				logger.Warn("processor handler failed",
					"sequence", ev.Sequence,
					"event_type", ev.EventType,
					"error", err,
				)
			}
		}
	}()
}
