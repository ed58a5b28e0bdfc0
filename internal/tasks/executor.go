package tasks

import (
	"context"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

// Spec is what the engine knows about a runnable node when it schedules or
// starts it.
type Spec struct {
	NodeID     string
	Kind       ir.NodeKind
	Target     string
	Props      ir.IRObject
	MaxRetries int
	Timeout    time.Duration
	// FrameSeq is the frame that started the attempt. It stamps the
	// attempt's artifacts.
	FrameSeq int64
}

// Request is handed to the executor for one attempt.
type Request struct {
	TaskID      string
	ExecutionID string
	NodeID      string
	Kind        ir.NodeKind
	Target      string
	Props       ir.IRObject
	Attempt     int

	// Artifacts publishes user-facing outputs of the attempt.
	Artifacts ArtifactFunc
}

// ArtifactFunc stores an artifact of the running attempt. Execution, node
// and frame are filled in. A keyed artifact replaces the previous one with
// the same key in the execution.
type ArtifactFunc func(ctx context.Context, a ir.Artifact) (ir.Artifact, error)

// ProgressFunc reports an intermediate value. Safe to call from the
// executor's goroutine; never blocks.
type ProgressFunc func(ir.IRValue)

// Executor runs agents and tools. It must return promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, req Request, progress ProgressFunc) (ir.IRValue, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request, progress ProgressFunc) (ir.IRValue, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request, progress ProgressFunc) (ir.IRValue, error) {
	return f(ctx, req, progress)
}
