package harness

// Trace entry kinds.
const (
	KindSetup      = "setup"
	KindAppend     = "append"
	KindProjection = "projection"
)

// Append outcomes. Failures use the lower-cased writer error code.
const (
	OutcomeOK                       = "ok"
	OutcomeUnexpectedStreamSequence = "unexpected_stream_sequence"
	OutcomeDuplicatedEntry          = "duplicated_entry"
	OutcomePersistenceFailure       = "persistence_failure"
)

var validOutcomes = map[string]bool{
	OutcomeOK:                       true,
	OutcomeUnexpectedStreamSequence: true,
	OutcomeDuplicatedEntry:          true,
	OutcomePersistenceFailure:       true,
}

// TraceEvent is one observed interaction: an append and its outcome, or the
// events a projection stream delivered.
type TraceEvent struct {
	Seq      int64         `json:"seq"`
	Kind     string        `json:"kind"`
	Stream   string        `json:"stream"`
	Expected string        `json:"expected,omitempty"`
	Outcome  string        `json:"outcome,omitempty"`
	Events   []TracedEvent `json:"events"`
}

// TracedEvent is an event as it appears in a trace. Sequences are zero when
// the event was not persisted.
type TracedEvent struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	StreamSequence     int64  `json:"stream_sequence,omitempty"`
	GlobalSequence     int64  `json:"global_sequence,omitempty"`
	ProjectionSequence int64  `json:"projection_sequence,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists appends and projection reads in the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Errors is empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addTrace appends entry with the next trace sequence.
func (r *Result) addTrace(entry TraceEvent) {
	entry.Seq = int64(len(r.Trace)) + 1
	if entry.Events == nil {
		entry.Events = []TracedEvent{}
	}
	r.Trace = append(r.Trace, entry)
}

// outcomes counts the outcomes of flow appends.
func (r *Result) outcomes() map[string]int {
	counts := map[string]int{}
	for _, e := range r.Trace {
		if e.Kind == KindAppend {
			counts[e.Outcome]++
		}
	}
	return counts
}
