package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_Scenarios(t *testing.T) {
	for _, name := range []string{"order_lifecycle", "duplicate_ids"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, result.Errors)
		})
	}
}

func TestTraceSnapshot_Marshal(t *testing.T) {
	data, err := TraceSnapshot{
		ScenarioName: "tiny",
		Trace: []TraceEvent{{
			Seq:    1,
			Kind:   KindProjection,
			Stream: "$all",
			Events: []TracedEvent{},
		}},
	}.Marshal()
	require.NoError(t, err)

	assert.Equal(t, `{
  "scenario_name": "tiny",
  "trace": [
    {
      "seq": 1,
      "kind": "projection",
      "stream": "$all",
      "events": []
    }
  ]
}
`, string(data))
}
