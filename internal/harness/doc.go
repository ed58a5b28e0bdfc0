// Package harness runs conformance scenarios against plans.
//
// A scenario starts an execution of a named plan with a scripted executor,
// interleaves engine runs with operator writes, and then asserts on the
// transition log and the final state.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: approval_completes
//	description: "An operator approval ends the execution"
//	plan: approval
//	output: "drafted"
//	outcomes:
//	  local:merge:
//	    - error: "connection reset"
//	      retryable: true
//	    - result: "merged"
//	flow:
//	  - run: true
//	    expect: { status: running }
//	  - set: { approved: true }
//	  - run: true
//	    expect: { status: completed, reason: approved }
//	assertions:
//	  - type: transition_contains
//	    key: approved
//	    phase: operator
//	  - type: transition_order
//	    keys: [draft, review/requested, approved]
//	  - type: final_state
//	    key: draft
//	    expect: "drafted"
//	  - type: replay_matches
//
// Every run step starts the execution (first run) or resumes it and ticks
// until it is idle or finished. Outcomes are keyed by node id or target;
// attempts without a scripted outcome return output.
//
// # Assertion Types
//
//   - transition_contains: a transition of key exists, optionally with value, phase and trigger
//   - transition_order: the first transitions of keys appear in order
//   - transition_count: key has exactly count transitions
//   - final_state: key holds expect at the end (or is absent with absent: true)
//   - replay_matches: folding the transition log reproduces the state table
//
// Each scenario runs against a fresh in-memory database.
package harness
