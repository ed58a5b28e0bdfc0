package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/evmts/smithers/internal/events"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/ratelimit"
	"github.com/evmts/smithers/internal/state"
	"github.com/evmts/smithers/internal/store"
	"github.com/evmts/smithers/internal/tasks"
)

// ErrExecutionDone is returned by Tick once the execution reached a
// terminal status.
var ErrExecutionDone = errors.New("execution is not running")

// RenderContext is the frozen input of one render.
//
// State and Volatile never reflect writes made during the same render:
// Write and WriteVolatile only enqueue, and the queue is applied at
// Commit-Actions.
type RenderContext struct {
	ExecutionID string
	FrameSeq    int64
	State       state.ReadView
	Volatile    state.ReadView
	// Nodes maps node id to its instance as of the previous frame.
	Nodes map[string]ir.NodeInstance

	Write         ir.Writer
	WriteVolatile ir.Writer
}

// Status returns the status of a node instance, or idle if unknown.
func (rc RenderContext) Status(nodeID string) ir.NodeStatus {
	if inst, ok := rc.Nodes[nodeID]; ok {
		return inst.Status
	}
	return ir.NodeIdle
}

// RenderFunc builds the plan tree from a snapshot. It must be deterministic
// given its input and must not perform I/O.
type RenderFunc func(rc RenderContext) (*ir.Node, error)

// Engine creates and resumes executions of one plan.
//
// Thread-safety model:
//   - Start/Resume: safe from any goroutine
//   - Execution.Tick/Run: must be called from exactly ONE goroutine per
//     execution
//   - Execution.Stop/Wake: safe from any goroutine
//
// The Engine holds no per-execution state; everything about a run lives in
// its Execution.
type Engine struct {
	db       *store.Store
	render   RenderFunc
	exec     tasks.Executor
	handlers Handlers
	limiter  *ratelimit.Coordinator
	bus      *events.Bus
	opts     Options
	owner    string
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithOptions replaces the tuning options.
func WithOptions(o Options) EngineOption {
	return func(e *Engine) { e.opts = o }
}

// WithHandlers replaces the handler dispatch table.
// Default: DefaultHandlers().
func WithHandlers(h Handlers) EngineOption {
	return func(e *Engine) { e.handlers = h }
}

// WithRateLimiter shares a coordinator between executions.
// Default: a private ratelimit.New().
func WithRateLimiter(c *ratelimit.Coordinator) EngineOption {
	return func(e *Engine) { e.limiter = c }
}

// WithBus publishes notifications to b.
func WithBus(b *events.Bus) EngineOption {
	return func(e *Engine) { e.bus = b }
}

// WithOwner fixes the lease owner id. Default: a fresh UUIDv7 per engine.
func WithOwner(owner string) EngineOption {
	return func(e *Engine) { e.owner = owner }
}

// WithClock overrides the wall clock used for leases, backoff windows,
// frame timestamps and stop conditions.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracerProvider records a span per tick and per phase.
// Default: the global provider, a no-op unless the binary installs one.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// New creates an Engine for one plan.
func New(db *store.Store, render RenderFunc, exec tasks.Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		db:       db,
		render:   render,
		exec:     exec,
		handlers: DefaultHandlers(),
		opts:     DefaultOptions(),
		owner:    uuid.Must(uuid.NewV7()).String(),
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New(ratelimit.WithClock(e.now))
	}
	return e
}

// Owner returns the lease owner id used by this engine's executions.
func (e *Engine) Owner() string { return e.owner }

// Start creates a new execution row and returns its context. An empty id
// generates a UUIDv7.
func (e *Engine) Start(ctx context.Context, id string) (*Execution, error) {
	if err := e.opts.Validate(); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	config, err := ir.MarshalCanonical(e.opts.Config())
	if err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	now := e.now()
	ex := ir.Execution{
		ID:        id,
		Status:    ir.ExecutionRunning,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.db.CreateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}

	x, err := e.newExecution(ctx, ex, NewClock(), e.opts)
	if err != nil {
		return nil, err
	}
	e.logger.Info("execution started",
		"execution_id", id,
		"effect_commit_mode", e.opts.EffectCommitMode,
	)
	x.publish(events.Event{Type: events.ExecutionStatus, Status: string(ir.ExecutionRunning)})
	return x, nil
}

// Resume reloads an execution after a restart: frame sequence, node
// instances and pending tasks, then runs orphan recovery. Paused and stalled
// executions are set back to running; stopped, completed and failed ones are
// refused.
func (e *Engine) Resume(ctx context.Context, id string) (*Execution, error) {
	ex, err := e.db.GetExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resume execution: %w", err)
	}
	switch ex.Status {
	case ir.ExecutionStopped, ir.ExecutionCompleted, ir.ExecutionFailed:
		return nil, fmt.Errorf("resume execution %s: status %s: %w", id, ex.Status, ErrExecutionDone)
	}

	opts := e.opts
	if mode, ok := persistedCommitMode(ex.Config); ok {
		opts.EffectCommitMode = mode
	}

	clock := NewClock()
	if last, ok, err := e.db.LastFrame(ctx, id); err != nil {
		return nil, fmt.Errorf("resume execution: %w", err)
	} else if ok {
		clock = NewClockAt(last.Seq)
	}

	x, err := e.newExecution(ctx, ex, clock, opts)
	if err != nil {
		return nil, err
	}
	if err := x.restore(ctx); err != nil {
		return nil, fmt.Errorf("resume execution %s: %w", id, err)
	}
	if ex.Status != ir.ExecutionRunning {
		if err := e.db.SetExecutionStatus(ctx, id, ir.ExecutionRunning, "", e.now()); err != nil {
			return nil, fmt.Errorf("resume execution: %w", err)
		}
		x.publish(events.Event{Type: events.ExecutionStatus, Status: string(ir.ExecutionRunning), Message: "resumed from " + string(ex.Status)})
	}
	e.logger.Info("execution resumed",
		"execution_id", id,
		"last_frame", clock.Current(),
		"nodes", len(x.nodes),
		"pending_tasks", len(x.active),
	)
	return x, nil
}
