// Package harness runs conformance scenarios against the event manager.
//
// A scenario seeds a synthetic ledger, opens listeners, breaks and restores
// the live transport, and records everything the listeners receive as a
// line-oriented trace. Traces are compared against golden files, so any
// change in delivery order or phase shows up as a diff.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: reconnect_during_live
//	description: "Events appended during an outage arrive after reconnect"
//	config:
//	  page_size: 2
//	history:
//	  - account: A
//	    count: 3
//	steps:
//	  - listen: { as: l1, account: A }
//	  - drain_catchup: { listener: l1, expect: [1, 2, 3] }
//	  - hold: A
//	  - wait_state: { account: A, state: RECONNECTING }
//	  - append: { account: A }
//	  - resume: A
//	  - next_live: { listener: l1, expect: [4] }
//	assertions:
//	  - type: cursor
//	    account: A
//	    seq: 4
//
// Each step holds exactly one action: listen, drain_catchup, next_live,
// append, disconnect, hold, resume, release, fail_fetches,
// duplicate_pages, corrupt, expect_error or wait_state.
//
// # Assertion Types
//
//   - cursor: the persisted cursor seq of an account
//   - trace_order: a listener received seqs in order
//   - trace_count: a listener received N events, optionally of one source
//   - trace_contains: the trace holds a line verbatim
//   - metric: a counter series reads a value
//
// # Deterministic Testing
//
// The harness uses:
//   - A synthetic ledger stamped by testutil.DeterministicClock
//   - Sequential subscription ids (sub-1, sub-2, ...)
//   - An in-memory SQLite cursor store, isolated per run
//
// Steps run one at a time and every read is explicit, so two runs of the
// same scenario produce identical traces.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/reconnect.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
package harness
