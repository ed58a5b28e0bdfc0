package engine

import (
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/state"
	"github.com/evmts/smithers/internal/tasks"
)

// HandlerContext is what a completion handler sees. State is the snapshot
// of the current tick; writes go through Write (durable) and Volatile and
// are applied at Commit-Actions.
type HandlerContext struct {
	ExecutionID string
	FrameSeq    int64
	Event       ir.Event

	NodeID string
	Kind   ir.NodeKind
	Path   string
	Props  ir.IRObject

	Task   ir.Task
	Result ir.IRValue
	Err    error
	// Progress is set for ir.EventProgress.
	Progress ir.IRValue
	// Approval is set for approval nodes; Result then summarizes the
	// decision.
	Approval ir.Approval

	State    state.ReadView
	Write    ir.Writer
	Volatile ir.Writer
}

// Handler reacts to a task event of one node kind.
type Handler func(hc HandlerContext) error

// Handlers is the dispatch table from node kind to handler. Nodes persist
// only their capability flags; the closure is looked up here at execution
// time, so frames and the transition log never contain code.
type Handlers map[ir.NodeKind]Handler

// Dispatch runs the handler of kind for ev if the node declared ev.
// It reports whether a handler ran.
func (h Handlers) Dispatch(events ir.Events, hc HandlerContext) (bool, error) {
	if !events.Has(hc.Event) {
		return false, nil
	}
	fn, ok := h[hc.Kind]
	if !ok || fn == nil {
		return false, nil
	}
	return true, fn(hc)
}

// OutputKey returns where a runnable node's result is stored: its "output"
// prop, or results/<node_id>.
func OutputKey(nodeID string, props ir.IRObject) string {
	if key, ok := props.GetString(ir.PropOutput); ok && key != "" {
		return key
	}
	return "results/" + nodeID
}

// ErrorKey returns where a runnable node's terminal error is stored.
func ErrorKey(nodeID string) string {
	return "errors/" + nodeID
}

// ProgressKey returns the volatile key of a node's latest progress report.
func ProgressKey(nodeID string) string {
	return "progress/" + nodeID
}

// DefaultHandlers stores results and errors of agents and tools in state:
// on_finished sets OutputKey to the result, on_error sets ErrorKey to an
// object with the message and task status, and on_progress mirrors the
// report into the volatile store under "progress/<node_id>/handled".
// Approval nodes store the decision summary the same way.
func DefaultHandlers() Handlers {
	runnable := func(hc HandlerContext) error {
		switch hc.Event {
		case ir.EventFinished:
			hc.Write.Set(OutputKey(hc.NodeID, hc.Props), hc.Result)
		case ir.EventError:
			msg := hc.Task.LastError
			if msg == "" && hc.Err != nil {
				msg = hc.Err.Error()
			}
			hc.Write.Set(ErrorKey(hc.NodeID), ir.Obj(
				ir.O("message", ir.IRString(msg)),
				ir.O("status", ir.IRString(hc.Task.Status)),
				ir.O("retryable", ir.IRBool(tasks.Classify(hc.Err).Retryable)),
			))
		case ir.EventProgress:
			hc.Volatile.Set(ProgressKey(hc.NodeID)+"/handled", hc.Progress)
		}
		return nil
	}
	approval := func(hc HandlerContext) error {
		switch hc.Event {
		case ir.EventFinished:
			hc.Write.Set(OutputKey(hc.NodeID, hc.Props), hc.Result)
		case ir.EventError:
			summary, _ := hc.Result.(ir.IRObject)
			summary = summary.Clone()
			if summary == nil {
				summary = ir.IRObject{}
			}
			if hc.Err != nil {
				summary["message"] = ir.IRString(hc.Err.Error())
			}
			hc.Write.Set(ErrorKey(hc.NodeID), summary)
		}
		return nil
	}
	return Handlers{
		ir.KindAgent:    runnable,
		ir.KindTool:     runnable,
		ir.KindApproval: approval,
	}
}
