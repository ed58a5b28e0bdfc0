package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			switch event.Type {
			case EventTransition:
				fmt.Fprintf(&buf, "  [%d] %s %s = %s (%s)\n", i+1, event.Phase, event.Key, describe(event.Value), event.Trigger)
			case EventStatus:
				fmt.Fprintf(&buf, "  [%d] status %s %s\n", i+1, event.Status, event.Reason)
			}
		}
	}
	return buf.String()
}

func describe(v ir.IRValue) string {
	if v == nil {
		return "<deleted>"
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// assertTransitionContains checks for a transition of the key that matches
// every narrowing field the assertion sets.
func assertTransitionContains(trace []TraceEvent, assertion Assertion) error {
	var want ir.IRValue
	if assertion.Value != nil {
		// Validated by validateAssertion.
		want, _ = ir.ValueOf(assertion.Value)
	}
	for _, event := range trace {
		if event.Type != EventTransition || event.Key != assertion.Key {
			continue
		}
		if assertion.Phase != "" && event.Phase != assertion.Phase {
			continue
		}
		if assertion.Trigger != "" && event.Trigger != assertion.Trigger {
			continue
		}
		if want != nil && (event.Value == nil || !ir.Equal(event.Value, want)) {
			continue
		}
		return nil
	}

	return &AssertionError{
		Type:     AssertTransitionContains,
		Expected: describeContains(assertion, want),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func describeContains(a Assertion, want ir.IRValue) string {
	parts := []string{"transition of " + a.Key}
	if want != nil {
		parts = append(parts, "value "+describe(want))
	}
	if a.Phase != "" {
		parts = append(parts, "phase "+a.Phase)
	}
	if a.Trigger != "" {
		parts = append(parts, "trigger "+a.Trigger)
	}
	return strings.Join(parts, ", ")
}

// assertTransitionOrder checks that the first transitions of the keys
// appear in order. Other transitions may come in between.
func assertTransitionOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventTransition {
			continue
		}
		if _, seen := positions[event.Key]; !seen {
			positions[event.Key] = i + 1
		}
	}

	for _, key := range assertion.Keys {
		if positions[key] == 0 {
			return &AssertionError{
				Type:     AssertTransitionOrder,
				Expected: fmt.Sprintf("transitions of all keys: %v", assertion.Keys),
				Actual:   fmt.Sprintf("missing key: %s", key),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Keys); i++ {
		prev, curr := assertion.Keys[i-1], assertion.Keys[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTransitionOrder,
				Expected: fmt.Sprintf("keys in order: %v", assertion.Keys),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTransitionCount checks the exact number of transitions of a key.
func assertTransitionCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventTransition && event.Key == assertion.Key {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTransitionCount,
			Expected: fmt.Sprintf("%d transitions of %s", assertion.Count, assertion.Key),
			Actual:   fmt.Sprintf("%d transitions", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks one key of the final state.
func assertFinalState(state map[string]ir.IRValue, assertion Assertion) error {
	actual, ok := state[assertion.Key]
	if assertion.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s to be absent", assertion.Key),
				Actual:   fmt.Sprintf("%s = %s", assertion.Key, describe(actual)),
			}
		}
		return nil
	}

	want, err := ir.ValueOf(assertion.Expect)
	if err != nil {
		return fmt.Errorf("final_state %s: %w", assertion.Key, err)
	}
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %s", assertion.Key, describe(want)),
			Actual:   "key not set",
		}
	}
	if !ir.Equal(actual, want) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %s", assertion.Key, describe(want)),
			Actual:   fmt.Sprintf("%s = %s", assertion.Key, describe(actual)),
		}
	}
	return nil
}

// assertReplayMatches folds the transition log and compares it with the
// state table.
func assertReplayMatches(ctx context.Context, st *store.Store, executionID string) error {
	report, err := st.VerifyReplay(ctx, executionID)
	if err != nil {
		return fmt.Errorf("replay_matches: %w", err)
	}
	if !report.Match() {
		return &AssertionError{
			Type:     AssertReplayMatches,
			Expected: "replayed state equal to the state table",
			Actual:   strings.Join(report.Mismatches, "; "),
		}
	}
	return nil
}

// AssertionContext provides database access for replay assertions.
type AssertionContext struct {
	Store       *store.Store
	Ctx         context.Context
	ExecutionID string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTransitionContains:
			err = assertTransitionContains(result.Trace, assertion)
		case AssertTransitionOrder:
			err = assertTransitionOrder(result.Trace, assertion)
		case AssertTransitionCount:
			err = assertTransitionCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result.State, assertion)
		case AssertReplayMatches:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: replay_matches requires database context", i)
			} else {
				err = assertReplayMatches(actx.Ctx, actx.Store, actx.ExecutionID)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
