// Package harness runs conformance scenarios against a live eventide engine.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: order_lifecycle
//	description: "What this scenario validates"
//	setup:
//	  - stream: order-1
//	    events:
//	      - type: Placed
//	        data: { total: 10 }
//	flow:
//	  - stream: order-1
//	    expected: 1
//	    events:
//	      - type: Paid
//	  - stream: order-1
//	    expected: 1
//	    expect: unexpected_stream_sequence
//	    events:
//	      - type: Cancelled
//	assertions:
//	  - type: stream_version
//	    stream: order-1
//	    value: 2
//	  - type: projection
//	    query: category:order
//	    types: [Placed, Paid]
//
// Setup appends must succeed. Flow appends are checked against expect,
// which defaults to ok. expected is "any" (the default) or the exact stream
// sequence the stream must be at.
//
// # Assertion Types
//
//   - stream_version: the stream's highest sequence equals value
//   - global_sequence: the log's highest global sequence equals value
//   - outcome_count: exactly count flow steps ended with outcome
//   - projection: the projection stream of query delivers exactly the
//     listed event types, in order, and its checkpoint reaches that count
//
// # Deterministic Runs
//
// Every run uses a fresh in-memory store, a testutil.DeterministicClock and
// testutil.SequentialIDs, so the same scenario always produces the same
// trace. RunWithGolden compares that trace with testdata/golden.
package harness
