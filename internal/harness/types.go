package harness

import "github.com/evmts/smithers/internal/ir"

// Trace event types.
const (
	EventTransition = "transition"
	EventStatus     = "status"
)

// TraceEvent is one entry of a scenario trace: a committed transition or
// the execution status after a run step.
type TraceEvent struct {
	Type    string     `json:"type"`
	Seq     int64      `json:"seq"`
	Key     string     `json:"key,omitempty"`
	Value   ir.IRValue `json:"value,omitempty"`
	Deleted bool       `json:"deleted,omitempty"`
	Phase   string     `json:"phase,omitempty"`
	Trigger string     `json:"trigger,omitempty"`

	Status ir.ExecutionStatus `json:"status,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// State is the durable state at the end of the flow.
	State  map[string]ir.IRValue `json:"state,omitempty"`
	Status ir.ExecutionStatus    `json:"status"`

	// Attempts counts executor calls across the flow.
	Attempts int `json:"attempts"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]ir.IRValue),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTransition appends a transition to the trace.
func (r *Result) AddTransition(t ir.Transition) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:    EventTransition,
		Seq:     int64(len(r.Trace)),
		Key:     t.Key,
		Value:   t.NewValue,
		Deleted: t.NewValue == nil,
		Phase:   t.Phase,
		Trigger: t.Trigger,
	})
}

// AddStatus appends the execution status after a run step.
func (r *Result) AddStatus(status ir.ExecutionStatus, reason string) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventStatus,
		Seq:    int64(len(r.Trace)),
		Status: status,
		Reason: reason,
	})
}

// Transitions returns the transition events of the trace.
func (r *Result) Transitions() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventTransition {
			out = append(out, e)
		}
	}
	return out
}
