package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/eventide/internal/handler"
)

// QueryHandler answers queries of one name. It responds with
// req.Respond, from the handler itself or from any goroutine it starts.
type QueryHandler func(ctx context.Context, req *QueryRequest) error

// QueryRequest is a query in flight. The first response wins.
type QueryRequest struct {
	Query handler.Named

	once  sync.Once
	reply chan any // buffered, size 1
}

// QueryName implements handler.Named.
func (r *QueryRequest) QueryName() string {
	if r == nil || r.Query == nil {
		return ""
	}
	return r.Query.QueryName()
}

// Respond offers v as the answer. Returns false if another handler
// answered first.
func (r *QueryRequest) Respond(v any) bool {
	answered := false
	r.once.Do(func() {
		r.reply <- v
		answered = true
	})
	return answered
}

// RegisterQueryHandler adds h to the handlers of queries named name.
func (e *Engine) RegisterQueryHandler(name string, h QueryHandler) {
	e.queries.Add(name, func(ctx context.Context, req *QueryRequest) error {
		return h(ctx, req)
	})
}

// Query publishes q to its handlers and returns the first response. A
// timeout of zero uses the default query timeout. Returns ErrQueryTimeout
// when nobody answers in time.
func (e *Engine) Query(ctx context.Context, q handler.Named, timeout time.Duration) (any, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = e.settings.QueryTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &QueryRequest{Query: q, reply: make(chan any, 1)}
	go func() {
		if err := e.queries.Handle(ctx, req); err != nil {
			e.logger.Warn("query handler failed", "query", req.QueryName(), "error", err)
		}
	}()

	select {
	case v := <-req.reply:
		return v, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s after %s", ErrQueryTimeout, req.QueryName(), timeout)
	}
}
