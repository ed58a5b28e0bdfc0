package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/ir"
)

func sampleResult() *Result {
	r := NewResult()
	r.AddTransition(ir.Transition{Key: "draft", NewValue: ir.IRString("v1"), Phase: ir.PhaseCommit, Trigger: "on_finished"})
	r.AddTransition(ir.Transition{Key: "notified", NewValue: ir.IRBool(true), Phase: ir.PhaseEffects, Trigger: "effect:abc#0"})
	r.AddStatus(ir.ExecutionRunning, "")
	r.AddTransition(ir.Transition{Key: "approved", NewValue: ir.IRBool(true), Phase: ir.PhaseOperator, Trigger: "operator"})
	r.AddTransition(ir.Transition{Key: "draft", NewValue: nil, Phase: ir.PhaseOperator, Trigger: "operator"})
	r.State = map[string]ir.IRValue{"notified": ir.IRBool(true), "approved": ir.IRBool(true)}
	return r
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	assertions := []Assertion{
		{Type: AssertTransitionContains, Key: "draft", Value: "v1"},
		{Type: AssertTransitionContains, Key: "notified", Phase: ir.PhaseEffects},
		{Type: AssertTransitionContains, Key: "approved", Trigger: "operator", Value: true},
		{Type: AssertTransitionOrder, Keys: []string{"draft", "notified", "approved"}},
		{Type: AssertTransitionCount, Key: "draft", Count: 2},
		{Type: AssertTransitionCount, Key: "missing", Count: 0},
		{Type: AssertFinalState, Key: "approved", Expect: true},
		{Type: AssertFinalState, Key: "draft", Absent: true},
	}
	assert.Empty(t, EvaluateAssertions(sampleResult(), assertions, nil))
}

func TestEvaluateAssertions_Fail(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"contains wrong value", Assertion{Type: AssertTransitionContains, Key: "draft", Value: "v2"}, `transition of draft, value "v2"`},
		{"contains wrong phase", Assertion{Type: AssertTransitionContains, Key: "approved", Phase: ir.PhaseCommit}, "phase commit"},
		{"contains missing key", Assertion{Type: AssertTransitionContains, Key: "missing"}, "not found in trace"},
		{"order missing key", Assertion{Type: AssertTransitionOrder, Keys: []string{"draft", "missing"}}, "missing key: missing"},
		{"order reversed", Assertion{Type: AssertTransitionOrder, Keys: []string{"approved", "draft"}}, "approved (pos 4) should be before draft (pos 1)"},
		{"count", Assertion{Type: AssertTransitionCount, Key: "draft", Count: 1}, "2 transitions"},
		{"final state value", Assertion{Type: AssertFinalState, Key: "approved", Expect: false}, "approved = true"},
		{"final state unset", Assertion{Type: AssertFinalState, Key: "draft", Expect: "v1"}, "key not set"},
		{"final state present", Assertion{Type: AssertFinalState, Key: "notified", Absent: true}, "notified to be absent"},
		{"replay without store", Assertion{Type: AssertReplayMatches}, "requires database context"},
		{"unknown type", Assertion{Type: "trace_order"}, "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion}, nil)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestAssertionError_Trace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTransitionCount,
		Expected: "1 transitions of draft",
		Actual:   "2 transitions",
		Trace:    sampleResult().Trace,
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: transition_count")
	assert.Contains(t, msg, `[1] commit draft = "v1" (on_finished)`)
	assert.Contains(t, msg, "[3] status running")
	assert.Contains(t, msg, "[5] operator draft = <deleted> (operator)")
}

func TestTraceSnapshot_Canonical(t *testing.T) {
	s := TraceSnapshot{ScenarioName: "s", Status: "running", Trace: sampleResult().Trace[:3]}
	data, err := s.Canonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"s","status":"running","trace":[`+
			`{"key":"draft","phase":"commit","seq":0,"trigger":"on_finished","type":"transition","value":"v1"},`+
			`{"key":"notified","phase":"effects","seq":1,"trigger":"effect","type":"transition","value":true},`+
			`{"seq":2,"status":"running","type":"status"}]}`,
		string(data))
}
