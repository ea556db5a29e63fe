package harness

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/projection"
)

// Scenario is a conformance scenario: appends to run and what must hold
// afterwards.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Setup appends establish initial state. They must succeed.
	Setup []AppendStep `yaml:"setup,omitempty"`

	// Flow appends are checked against their expect outcome.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final state of the log and its projections.
	Assertions []Assertion `yaml:"assertions"`
}

// AppendStep appends events to one stream.
type AppendStep struct {
	Stream string `yaml:"stream"`

	// Expected is "any", empty, or the exact current stream sequence.
	Expected string `yaml:"expected,omitempty"`

	Events []EventSpec `yaml:"events"`
}

// FlowStep is an append with an expected outcome.
type FlowStep struct {
	AppendStep `yaml:",inline"`

	// Expect is the expected outcome; empty means ok.
	Expect string `yaml:"expect,omitempty"`
}

// EventSpec describes one event to append.
type EventSpec struct {
	// ID fixes the event id. Empty uses the next deterministic id.
	ID string `yaml:"id,omitempty"`

	Type     string            `yaml:"type"`
	Data     map[string]any    `yaml:"data,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// Assertion validates the log or a projection after the flow.
type Assertion struct {
	// Type is one of stream_version, global_sequence, outcome_count or
	// projection.
	Type string `yaml:"type"`

	// Stream is the stream id (stream_version).
	Stream string `yaml:"stream,omitempty"`

	// Value is the expected sequence (stream_version, global_sequence).
	Value int64 `yaml:"value,omitempty"`

	// Outcome and Count are used by outcome_count.
	Outcome string `yaml:"outcome,omitempty"`
	Count   int    `yaml:"count,omitempty"`

	// Query is in projection.ParseQuery form; Types lists the event types
	// the projection stream must deliver, in order (projection).
	Query string   `yaml:"query,omitempty"`
	Types []string `yaml:"types,omitempty"`
}

// Assertion type constants.
const (
	AssertStreamVersion  = "stream_version"
	AssertGlobalSequence = "global_sequence"
	AssertOutcomeCount   = "outcome_count"
	AssertProjection     = "projection"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateAppend(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	for i, step := range s.Flow {
		if err := validateAppend(step.AppendStep); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Expect != "" && !validOutcomes[step.Expect] {
			return fmt.Errorf("flow[%d]: unknown expect outcome %q", i, step.Expect)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAppend(step AppendStep) error {
	if step.Stream == "" {
		return fmt.Errorf("stream is required")
	}
	if _, err := event.ParseExpected(step.Expected); err != nil {
		return err
	}
	if len(step.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}
	for j, e := range step.Events {
		if e.Type == "" {
			return fmt.Errorf("events[%d]: type is required", j)
		}
		if e.ID != "" {
			if _, err := uuid.Parse(e.ID); err != nil {
				return fmt.Errorf("events[%d]: invalid id %q: %w", j, e.ID, err)
			}
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertStreamVersion:
		if a.Stream == "" {
			return fmt.Errorf("stream_version: stream is required")
		}
	case AssertGlobalSequence:
	case AssertOutcomeCount:
		if !validOutcomes[a.Outcome] {
			return fmt.Errorf("outcome_count: unknown outcome %q", a.Outcome)
		}
	case AssertProjection:
		if _, err := projection.ParseQuery(a.Query); err != nil {
			return fmt.Errorf("projection: %w", err)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if a.Value < 0 || a.Count < 0 {
		return fmt.Errorf("%s: value and count must not be negative", a.Type)
	}
	return nil
}
