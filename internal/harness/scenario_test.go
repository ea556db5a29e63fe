package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/order_lifecycle.yaml")
	require.NoError(t, err)

	assert.Equal(t, "order_lifecycle", scenario.Name)
	require.Len(t, scenario.Setup, 1)
	require.Len(t, scenario.Flow, 4)
	assert.Equal(t, "1", scenario.Flow[0].Expected)
	assert.Equal(t, map[string]string{"source": "checkout"}, scenario.Flow[0].Events[0].Metadata)
	assert.Equal(t, OutcomeUnexpectedStreamSequence, scenario.Flow[1].Expect)
	assert.Equal(t, []string{"Placed", "Paid", "Shipped", "Placed"}, scenario.Assertions[5].Types)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: typo
flow:
  - stream: a
    events: [{type: A}]
assertion:
  - type: global_sequence
    value: 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assertion")
}

func TestParseScenario_Invalid(t *testing.T) {
	const base = `
name: s
description: d
`
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing name",
			doc:  "description: d\nflow: [{stream: a, events: [{type: A}]}]\nassertions: [{type: global_sequence}]\n",
			want: "name is required",
		},
		{
			name: "missing flow",
			doc:  base + "assertions: [{type: global_sequence}]\n",
			want: "flow list is required",
		},
		{
			name: "missing assertions",
			doc:  base + "flow: [{stream: a, events: [{type: A}]}]\n",
			want: "assertions list is required",
		},
		{
			name: "step without stream",
			doc:  base + "flow: [{events: [{type: A}]}]\nassertions: [{type: global_sequence}]\n",
			want: "flow[0]: stream is required",
		},
		{
			name: "step without events",
			doc:  base + "flow: [{stream: a}]\nassertions: [{type: global_sequence}]\n",
			want: "flow[0]: events list is required",
		},
		{
			name: "event without type",
			doc:  base + "flow: [{stream: a, events: [{data: {x: 1}}]}]\nassertions: [{type: global_sequence}]\n",
			want: "events[0]: type is required",
		},
		{
			name: "bad expected",
			doc:  base + "flow: [{stream: a, expected: \"-1\", events: [{type: A}]}]\nassertions: [{type: global_sequence}]\n",
			want: "expected must be",
		},
		{
			name: "bad event id",
			doc:  base + "flow: [{stream: a, events: [{id: nope, type: A}]}]\nassertions: [{type: global_sequence}]\n",
			want: "invalid id",
		},
		{
			name: "unknown expect",
			doc:  base + "flow: [{stream: a, expect: maybe, events: [{type: A}]}]\nassertions: [{type: global_sequence}]\n",
			want: "unknown expect outcome",
		},
		{
			name: "bad setup",
			doc:  base + "setup: [{stream: a, events: []}]\nflow: [{stream: a, events: [{type: A}]}]\nassertions: [{type: global_sequence}]\n",
			want: "setup[0]",
		},
		{
			name: "unknown assertion",
			doc:  base + "flow: [{stream: a, events: [{type: A}]}]\nassertions: [{type: final_state}]\n",
			want: "unknown assertion type",
		},
		{
			name: "stream_version without stream",
			doc:  base + "flow: [{stream: a, events: [{type: A}]}]\nassertions: [{type: stream_version, value: 1}]\n",
			want: "stream is required",
		},
		{
			name: "projection with bad query",
			doc:  base + "flow: [{stream: a, events: [{type: A}]}]\nassertions: [{type: projection, query: \"table:x\"}]\n",
			want: "unknown kind",
		},
		{
			name: "outcome_count with bad outcome",
			doc:  base + "flow: [{stream: a, events: [{type: A}]}]\nassertions: [{type: outcome_count, outcome: lost}]\n",
			want: "unknown outcome",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
