package harness

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/ir"
)

const validScenario = `
name: approve
description: "approval completes the gate"
plan: gate
output: "first draft"
outcomes:
  local:merge:
    - error: "connection reset"
      retryable: true
    - result: { merged: [1, 2] }
flow:
  - run: true
    expect: { status: running }
  - set: { approved: true, meta: { by: sam } }
  - delete: [meta]
  - status: paused
  - run: true
assertions:
  - type: transition_contains
    key: approved
    value: true
  - type: final_state
    key: draft
    expect: "first draft"
  - type: final_state
    key: meta
    absent: true
  - type: replay_matches
`

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(validScenario))
	require.NoError(t, err)

	assert.Equal(t, "approve", s.Name)
	assert.Equal(t, "gate", s.Plan)
	assert.Equal(t, "first draft", s.Output)
	require.Len(t, s.Outcomes["local:merge"], 2)
	assert.True(t, s.Outcomes["local:merge"][0].Retryable)

	require.Len(t, s.Flow, 5)
	assert.True(t, s.Flow[0].Run)
	assert.Equal(t, ir.ExecutionRunning, s.Flow[0].Expect.Status)
	assert.Equal(t, map[string]any{"approved": true, "meta": map[string]any{"by": "sam"}}, s.Flow[1].Set)
	assert.Equal(t, []string{"meta"}, s.Flow[2].Delete)
	assert.Equal(t, ir.ExecutionPaused, s.Flow[3].Status)
	assert.Len(t, s.Assertions, 4)

	v, err := ir.ValueOf(s.Outcomes["local:merge"][1].Result)
	require.NoError(t, err)
	assert.Equal(t, ir.Obj(ir.O("merged", ir.Arr(ir.IRInt(1), ir.IRInt(2)))), v)
}

func TestParseScenario_Invalid(t *testing.T) {
	base := "name: n\ndescription: d\nplan: p\n"
	run := "flow:\n  - run: true\n"
	assertion := "assertions:\n  - type: replay_matches\n"

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", base + run + assertion + "flows: []\n", "failed to parse YAML"},
		{"missing name", "description: d\nplan: p\n" + run + assertion, "name is required"},
		{"missing plan", "name: n\ndescription: d\n" + run + assertion, "plan is required"},
		{"empty flow", base + "flow: []\n" + assertion, "flow list is required"},
		{"no assertions", base + run, "assertions list is required"},
		{"first step not run", base + "flow:\n  - set: { a: 1 }\n" + assertion, "first step must be a run"},
		{"two actions", base + "flow:\n  - run: true\n    status: paused\n" + assertion, "exactly one of"},
		{"no action", base + run + "  - expect: { status: running }\n" + assertion, "exactly one of"},
		{"expect on set", base + run + "  - set: { a: 1 }\n    expect: { status: running }\n" + assertion, "only allowed on run steps"},
		{"expect without status", base + "flow:\n  - run: true\n    expect: { reason: x }\n" + assertion, "status is required"},
		{"bad status", base + run + "  - status: completed\n" + assertion, "running, paused or stopped"},
		{"float value", base + run + "  - set: { score: 1.5 }\n" + assertion, "floats are not allowed"},
		{"float output", base + "output: 0.5\n" + run + assertion, "output"},
		{"result and error", base + "outcomes:\n  t:\n    - { result: ok, error: boom }\n" + run + assertion, "exclusive"},
		{"unknown assertion", base + run + "assertions:\n  - type: trace_contains\n", "unknown assertion type"},
		{"contains without key", base + run + "assertions:\n  - type: transition_contains\n", "key is required"},
		{"order without keys", base + run + "assertions:\n  - type: transition_order\n", "keys list is required"},
		{"negative count", base + run + "assertions:\n  - type: transition_count\n    key: a\n    count: -1\n", "non-negative"},
		{"final state both", base + run + "assertions:\n  - type: final_state\n    key: a\n    expect: 1\n    absent: true\n", "exactly one of expect and absent"},
		{"final state neither", base + run + "assertions:\n  - type: final_state\n    key: a\n", "exactly one of expect and absent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scenarios/approve.yaml", []byte(validScenario), 0o644))

	s, err := LoadScenario(fs, "/scenarios/approve.yaml")
	require.NoError(t, err)
	assert.Equal(t, "approve", s.Name)

	_, err = LoadScenario(fs, "/scenarios/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
