package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/eventide/internal/engine"
	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/projection"
	"github.com/roach88/eventide/internal/storage"
)

// AssertionContext carries what assertions need beyond the trace.
type AssertionContext struct {
	Ctx     context.Context
	Engine  *engine.Engine
	Store   storage.Store
	Timeout time.Duration
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, entry := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s %s:", entry.Seq, entry.Kind, entry.Stream, entry.Outcome)
		for _, ev := range entry.Events {
			fmt.Fprintf(&buf, " %s", ev.Type)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. Projection assertions add what they read to result's trace.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertStreamVersion:
			err = assertStreamVersion(actx, a)
		case AssertGlobalSequence:
			err = assertGlobalSequence(actx, a)
		case AssertOutcomeCount:
			err = assertOutcomeCount(result, a)
		case AssertProjection:
			err = assertProjection(actx, result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			if ae, ok := err.(*AssertionError); ok && ae.Trace == nil {
				ae.Trace = result.Trace
			}
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func assertStreamVersion(actx *AssertionContext, a Assertion) error {
	got, err := actx.Store.ReadHighestStreamSequence(actx.Ctx, a.Stream)
	if err != nil {
		return fmt.Errorf("read stream %s: %w", a.Stream, err)
	}
	if got != a.Value {
		return &AssertionError{
			Type:     AssertStreamVersion,
			Expected: fmt.Sprintf("stream %s at sequence %d", a.Stream, a.Value),
			Actual:   fmt.Sprintf("sequence %d", got),
		}
	}
	return nil
}

func assertGlobalSequence(actx *AssertionContext, a Assertion) error {
	got, err := actx.Store.ReadHighestGlobalSequence(actx.Ctx)
	if err != nil {
		return fmt.Errorf("read global sequence: %w", err)
	}
	if got != a.Value {
		return &AssertionError{
			Type:     AssertGlobalSequence,
			Expected: fmt.Sprintf("highest global sequence %d", a.Value),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func assertOutcomeCount(result *Result, a Assertion) error {
	got := result.outcomes()[a.Outcome]
	if got != a.Count {
		return &AssertionError{
			Type:     AssertOutcomeCount,
			Expected: fmt.Sprintf("%d flow appends with outcome %s", a.Count, a.Outcome),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertProjection reads the whole projection stream of the query and
// compares its event types with a.Types. The number of events to read is
// the number of matching events in the log, so a projection that delivers
// too few events fails on the timeout instead of passing early.
func assertProjection(actx *AssertionContext, result *Result, a Assertion) error {
	q, err := projection.ParseQuery(a.Query)
	if err != nil {
		return err
	}

	var matched int
	err = actx.Store.ReadEvents(actx.Ctx, 0, 0, func(e event.Persisted) error {
		if q.Match(e) {
			matched++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	ctx, cancel := context.WithTimeout(actx.Ctx, actx.Timeout)
	defer cancel()

	sub, err := actx.Engine.Subscribe(ctx, q, 0)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.StreamID(), err)
	}
	defer sub.Close()

	entry := TraceEvent{Kind: KindProjection, Stream: q.StreamID()}
	got := make([]string, 0, matched)
	var readErr error
	for len(got) < matched {
		ev, err := sub.Next(ctx)
		if err != nil {
			readErr = err
			break
		}
		got = append(got, ev.EventType)
		entry.Events = append(entry.Events, TracedEvent{
			ID:                 ev.ID.String(),
			Type:               ev.EventType,
			StreamSequence:     ev.StreamSequence,
			GlobalSequence:     ev.GlobalSequence,
			ProjectionSequence: ev.Sequence,
		})
	}
	result.addTrace(entry)

	if readErr != nil {
		return &AssertionError{
			Type:     AssertProjection,
			Expected: fmt.Sprintf("%d events from %s", matched, q.StreamID()),
			Actual:   fmt.Sprintf("%d events, then %v", len(got), readErr),
		}
	}
	if !slices.Equal(got, a.Types) {
		return &AssertionError{
			Type:     AssertProjection,
			Expected: fmt.Sprintf("%s delivers %v", q.StreamID(), a.Types),
			Actual:   fmt.Sprintf("%v", got),
		}
	}

	return waitCheckpoint(ctx, actx.Store, q.StreamID(), int64(matched))
}

// waitCheckpoint polls until the durable checkpoint of the projection stream
// reaches want.
func waitCheckpoint(ctx context.Context, store storage.ProjectionReader, streamID string, want int64) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	var last storage.Checkpoint
	for {
		cp, err := store.ReadProjectionCheckpoint(ctx, streamID)
		if err == nil {
			last = cp
			if cp.Sequence == want {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return &AssertionError{
				Type:     AssertProjection,
				Expected: fmt.Sprintf("checkpoint of %s at %d", streamID, want),
				Actual:   fmt.Sprintf("checkpoint %d", last.Sequence),
			}
		case <-ticker.C:
		}
	}
}
