package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/eventide/internal/codec"
	"github.com/roach88/eventide/internal/engine"
	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/testutil"
	"github.com/roach88/eventide/internal/writer"
)

// DefaultProjectionTimeout bounds how long a projection assertion waits for
// events and for the checkpoint to catch up.
const DefaultProjectionTimeout = 5 * time.Second

// Harness runs one scenario against a fresh engine.
type Harness struct {
	engine *engine.Engine
	store  *storage.Memory
	clock  *testutil.DeterministicClock
	ids    *testutil.SequentialIDs
	logger *slog.Logger

	projectionTimeout time.Duration
}

// Run executes a scenario and returns its result.
//
// Execution flow:
// 1. Start an engine over a fresh in-memory store
// 2. Execute setup appends (any failure aborts the run)
// 3. Execute flow appends, checking each outcome
// 4. Evaluate assertions
//
// The returned error is for runs that could not complete. A scenario whose
// expectations do not hold returns a Result with Pass false.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness()
	if err != nil {
		return nil, err
	}
	if err := h.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	defer h.engine.Stop()

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Engine:  h.engine,
		Store:   h.store,
		Timeout: h.projectionTimeout,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness() (*Harness, error) {
	h := &Harness{
		store:             storage.NewMemory(),
		clock:             testutil.NewDeterministicClock(time.Time{}, 0),
		ids:               testutil.NewSequentialIDs(),
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		projectionTimeout: DefaultProjectionTimeout,
	}

	settings := engine.DefaultSettings()
	settings.IndexFlushDelay = 5 * time.Millisecond
	settings.Projection.RetryDelay = 10 * time.Millisecond

	eng, err := engine.New(h.store,
		engine.WithSettings(settings),
		engine.WithLogger(h.logger),
		engine.WithCodec(codec.JSON(codec.NewRegistry())),
		engine.WithClock(h.clock),
		engine.WithIDs(h.ids.Next),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	h.engine = eng
	return h, nil
}

// executeSetup runs the setup appends. Setup appends must succeed.
func (h *Harness) executeSetup(ctx context.Context, setup []AppendStep, result *Result) error {
	for i, step := range setup {
		entry, err := h.append(ctx, step)
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
		entry.Kind = KindSetup
		result.addTrace(entry)
		if entry.Outcome != OutcomeOK {
			return fmt.Errorf("setup step %d: append to %s ended with %s", i, step.Stream, entry.Outcome)
		}
	}
	return nil
}

// executeFlow runs the flow appends and checks each outcome.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		entry, err := h.append(ctx, step.AppendStep)
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
		entry.Kind = KindAppend
		result.addTrace(entry)

		want := step.Expect
		if want == "" {
			want = OutcomeOK
		}
		if entry.Outcome != want {
			result.AddError(fmt.Sprintf("flow step %d: append to %s: expected outcome %s, got %s",
				i, step.Stream, want, entry.Outcome))
		}
	}
	return nil
}

// append builds and writes the events of step. Write failures become the
// outcome of the returned entry; only malformed steps return an error.
func (h *Harness) append(ctx context.Context, step AppendStep) (TraceEvent, error) {
	expected, err := event.ParseExpected(step.Expected)
	if err != nil {
		return TraceEvent{}, err
	}

	events := make([]event.Unpersisted, 0, len(step.Events))
	for j, spec := range step.Events {
		data := spec.Data
		if data == nil {
			data = map[string]any{}
		}
		ev, err := h.engine.NewEvent(step.Stream, spec.Type, data, spec.Metadata)
		if err != nil {
			return TraceEvent{}, fmt.Errorf("event %d: %w", j, err)
		}
		if spec.ID != "" {
			if ev.ID, err = uuid.Parse(spec.ID); err != nil {
				return TraceEvent{}, fmt.Errorf("event %d: %w", j, err)
			}
		}
		events = append(events, ev)
	}

	entry := TraceEvent{
		Stream:   step.Stream,
		Expected: expected.String(),
	}

	persisted, err := h.engine.Append(ctx, step.Stream, expected, events...)
	if err != nil {
		code := writer.CodeOf(err)
		if code == "" {
			return TraceEvent{}, err
		}
		h.logger.Debug("append rejected", "stream", step.Stream, "code", code)
		entry.Outcome = strings.ToLower(string(code))
		for _, ev := range events {
			entry.Events = append(entry.Events, TracedEvent{ID: ev.ID.String(), Type: ev.EventType})
		}
		return entry, nil
	}

	entry.Outcome = OutcomeOK
	for _, p := range persisted {
		entry.Events = append(entry.Events, TracedEvent{
			ID:             p.ID.String(),
			Type:           p.EventType,
			StreamSequence: p.StreamSequence,
			GlobalSequence: p.GlobalSequence,
		})
	}
	return entry, nil
}
