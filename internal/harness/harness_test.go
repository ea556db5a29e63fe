package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendStep(stream, expected string, types ...string) AppendStep {
	step := AppendStep{Stream: stream, Expected: expected}
	for _, t := range types {
		step.Events = append(step.Events, EventSpec{Type: t})
	}
	return step
}

func TestRun_MinimalScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "minimal",
		Description: "One append",
		Flow: []FlowStep{
			{AppendStep: appendStep("a-1", "", "Created")},
		},
		Assertions: []Assertion{
			{Type: AssertGlobalSequence, Value: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Trace, 1)

	entry := result.Trace[0]
	assert.Equal(t, int64(1), entry.Seq)
	assert.Equal(t, KindAppend, entry.Kind)
	assert.Equal(t, OutcomeOK, entry.Outcome)
	assert.Equal(t, "Any", entry.Expected)
	assert.Equal(t, []TracedEvent{{
		ID:             "00000000-0000-7000-8000-000000000001",
		Type:           "Created",
		StreamSequence: 1,
		GlobalSequence: 1,
	}}, entry.Events)
}

func TestRun_UnexpectedOutcomeFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_outcome",
		Description: "The second append conflicts but the scenario expects ok",
		Flow: []FlowStep{
			{AppendStep: appendStep("a-1", "0", "Created")},
			{AppendStep: appendStep("a-1", "0", "Created")},
		},
		Assertions: []Assertion{
			{Type: AssertGlobalSequence, Value: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected outcome ok, got unexpected_stream_sequence")
	assert.Equal(t, OutcomeUnexpectedStreamSequence, result.Trace[1].Outcome)
	assert.Zero(t, result.Trace[1].Events[0].GlobalSequence)
}

func TestRun_SetupFailureAborts(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_setup",
		Description: "Setup conflicts",
		Setup: []AppendStep{
			appendStep("a-1", "3", "Created"),
		},
		Flow: []FlowStep{
			{AppendStep: appendStep("a-1", "", "Renamed")},
		},
		Assertions: []Assertion{
			{Type: AssertGlobalSequence, Value: 1},
		},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected_stream_sequence")
}

func TestRun_SetupIsNotCountedAsFlow(t *testing.T) {
	scenario := &Scenario{
		Name:        "setup_counts",
		Description: "Setup appends are traced but not counted",
		Setup: []AppendStep{
			appendStep("a-1", "", "Created"),
		},
		Flow: []FlowStep{
			{AppendStep: appendStep("a-1", "1", "Renamed")},
		},
		Assertions: []Assertion{
			{Type: AssertOutcomeCount, Outcome: OutcomeOK, Count: 1},
			{Type: AssertStreamVersion, Stream: "A-1", Value: 2},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, KindSetup, result.Trace[0].Kind)
	assert.Equal(t, KindAppend, result.Trace[1].Kind)
}

func TestRun_FailedAssertions(t *testing.T) {
	scenario := &Scenario{
		Name:        "failing",
		Description: "Every assertion is wrong",
		Flow: []FlowStep{
			{AppendStep: appendStep("order-1", "", "Placed", "Paid")},
		},
		Assertions: []Assertion{
			{Type: AssertStreamVersion, Stream: "order-1", Value: 5},
			{Type: AssertGlobalSequence, Value: 9},
			{Type: AssertOutcomeCount, Outcome: OutcomeDuplicatedEntry, Count: 1},
			{Type: AssertProjection, Query: "category:order", Types: []string{"Paid", "Placed"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "stream order-1 at sequence 5")
	assert.Contains(t, result.Errors[1], "highest global sequence 9")
	assert.Contains(t, result.Errors[2], "1 flow appends with outcome duplicated_entry")
	assert.Contains(t, result.Errors[3], "[Placed Paid]")
	assert.Contains(t, result.Errors[3], "Full trace:")

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, KindProjection, last.Kind)
	assert.Equal(t, "$ce-order", last.Stream)
	assert.Len(t, last.Events, 2)
}

func TestRun_EmptyProjection(t *testing.T) {
	scenario := &Scenario{
		Name:        "empty_projection",
		Description: "A query with no matches delivers nothing",
		Flow: []FlowStep{
			{AppendStep: appendStep("order-1", "", "Placed")},
		},
		Assertions: []Assertion{
			{Type: AssertProjection, Query: "types:Refunded"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, "$et-Refunded", last.Stream)
	assert.Empty(t, last.Events)
}

func TestRun_IsDeterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/order_lifecycle.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
}
