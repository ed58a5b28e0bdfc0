package testutil

import (
	"context"
	"sync"

	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/tasks"
)

// Outcome scripts one attempt of a task.
type Outcome struct {
	Result   ir.IRValue
	Err      error
	Progress []ir.IRValue
	// Artifacts are stored through the request before the attempt returns.
	Artifacts []ir.Artifact

	// Gate, when set, holds the attempt until it is closed or the context
	// ends. A context end returns context.Cause unless IgnoreCancel is set.
	Gate chan struct{}
	// IgnoreCancel keeps waiting on Gate after cancellation and then
	// returns Result, like an executor that never checks its context.
	IgnoreCancel bool

	Panic any
}

// Executor is a tasks.Executor that plays back scripted outcomes.
//
// Scripts are keyed by node id first, then target. Each attempt consumes the
// next outcome of its script; the last outcome repeats once the script is
// exhausted. Attempts with no script return the fallback.
type Executor struct {
	mu       sync.Mutex
	scripts  map[string][]Outcome
	fallback Outcome
	calls    []tasks.Request
	started  chan tasks.Request
}

// NewExecutor creates an executor whose unscripted attempts succeed with
// fallback.
func NewExecutor(fallback ir.IRValue) *Executor {
	return &Executor{
		scripts:  make(map[string][]Outcome),
		fallback: Outcome{Result: fallback},
		started:  make(chan tasks.Request, 256),
	}
}

// On appends outcomes to the script of a node id or target.
func (e *Executor) On(match string, outcomes ...Outcome) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[match] = append(e.scripts[match], outcomes...)
	return e
}

// Started delivers every request as its attempt begins.
func (e *Executor) Started() <-chan tasks.Request {
	return e.started
}

// Calls returns the requests seen so far, in start order.
func (e *Executor) Calls() []tasks.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]tasks.Request, len(e.calls))
	copy(out, e.calls)
	return out
}

// Attempts counts the requests seen for a node id.
func (e *Executor) Attempts(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.NodeID == nodeID {
			n++
		}
	}
	return n
}

func (e *Executor) next(req tasks.Request) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)

	for _, key := range []string{req.NodeID, req.Target} {
		script, ok := e.scripts[key]
		if !ok || len(script) == 0 {
			continue
		}
		out := script[0]
		if len(script) > 1 {
			e.scripts[key] = script[1:]
		}
		return out
	}
	return e.fallback
}

// Execute implements tasks.Executor.
func (e *Executor) Execute(ctx context.Context, req tasks.Request, progress tasks.ProgressFunc) (ir.IRValue, error) {
	out := e.next(req)
	select {
	case e.started <- req:
	default:
	}

	if out.Panic != nil {
		panic(out.Panic)
	}
	for _, p := range out.Progress {
		progress(p)
	}
	for _, a := range out.Artifacts {
		if req.Artifacts == nil {
			break
		}
		if _, err := req.Artifacts(ctx, a); err != nil {
			return nil, err
		}
	}

	if out.Gate != nil {
		if out.IgnoreCancel {
			<-out.Gate
		} else {
			select {
			case <-out.Gate:
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		}
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Result, nil
}

var _ tasks.Executor = (*Executor)(nil)
