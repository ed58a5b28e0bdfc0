package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/evmts/smithers/internal/effects"
	"github.com/evmts/smithers/internal/events"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/ratelimit"
	"github.com/evmts/smithers/internal/reconcile"
	"github.com/evmts/smithers/internal/state"
	"github.com/evmts/smithers/internal/store"
	"github.com/evmts/smithers/internal/tasks"
)

// Execution is the explicit context of one workflow run. Its lifecycle is
// tied 1:1 to an executions row; nothing about a run lives in package state.
//
// Nodes are correlated across ticks only through their ids: the execution
// keeps flat maps keyed by node id, never references into a previous tree.
type Execution struct {
	id       string
	eng      *Engine
	db       *store.Store
	opts     Options
	render   RenderFunc
	handlers Handlers
	limiter  *ratelimit.Coordinator
	bus      *events.Bus
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer

	guard    *state.RenderGuard
	durable  *state.Durable
	volatile *state.Volatile
	tasks    *tasks.Manager
	effects  *effects.Registry
	clock    *Clock
	storm    *FrameStormGuard
	stop     *StopConditions

	startedAt   time.Time
	lastFrameAt time.Time
	wake        chan struct{}
	orphanDue   atomic.Bool

	mu     sync.Mutex
	status ir.ExecutionStatus
	reason string

	// Tick loop state. Only touched by the goroutine calling Tick.
	nodes     map[string]ir.NodeInstance
	tree      *reconcile.Tree
	active    map[string]ir.Task   // node id -> current attempt
	canceled  map[string]bool      // task ids canceled by unmount
	cancelBy  map[string]time.Time // node id -> deadline of an unacknowledged cancel
	foreign   map[string]bool      // running task ids leased by another owner
	recovered []tasks.Completion
	carried   []ir.Action
	dirty     map[string]bool
	linted    map[string]bool
	orphanAt  time.Time

	// productive reports whether the last full tick mounted, unmounted,
	// started or finished anything.
	productive bool
}

func (e *Engine) newExecution(ctx context.Context, ex ir.Execution, clock *Clock, opts Options) (*Execution, error) {
	logger := e.logger.With("execution_id", ex.ID)
	guard := &state.RenderGuard{}
	durable, err := state.NewDurable(ctx, e.db, ex.ID,
		state.WithDurableGuard(guard),
		state.WithDurableClock(e.now),
	)
	if err != nil {
		return nil, fmt.Errorf("open durable state: %w", err)
	}

	var x *Execution
	artifactWritten := func(a ir.Artifact) {
		x.publish(events.Event{Type: events.ArtifactWritten, NodeID: a.NodeID, Key: a.ID, Message: a.Name, Attrs: map[string]any{
			"type":         string(a.Type),
			"artifact_key": a.Key,
		}})
	}
	x = &Execution{
		id:       ex.ID,
		eng:      e,
		db:       e.db,
		opts:     opts,
		render:   e.render,
		handlers: e.handlers,
		limiter:  e.limiter,
		bus:      e.bus,
		now:      e.now,
		logger:   logger,
		tracer:   e.tracer,
		guard:    guard,
		durable:  durable,
		volatile: state.NewVolatile(state.WithVolatileGuard(guard), state.WithVolatileClock(e.now)),
		tasks: tasks.NewManager(e.db, ex.ID, e.exec,
			tasks.WithOwner(e.owner),
			tasks.WithLease(opts.LeaseDuration, opts.HeartbeatInterval),
			tasks.WithBackoff(opts.Backoff),
			tasks.WithRateLimiter(e.limiter),
			tasks.WithClock(e.now),
			tasks.WithLogger(logger),
			tasks.WithArtifactHook(artifactWritten),
		),
		effects: effects.NewRegistry(
			effects.WithLoopDetector(effects.NewLoopDetector(opts.EffectLoopThreshold, opts.EffectLoopWindow, opts.EffectLoopHistory)),
			effects.WithLogger(logger),
			effects.WithClock(e.now),
		),
		clock:     clock,
		storm:     NewFrameStormGuard(opts.Storm),
		stop:      &StopConditions{MaxWallClock: opts.MaxWallClock, MaxFrames: opts.MaxFrames},
		startedAt: e.now(),
		wake:      make(chan struct{}, 1),
		status:    ir.ExecutionRunning,
		nodes:     make(map[string]ir.NodeInstance),
		active:    make(map[string]ir.Task),
		canceled:  make(map[string]bool),
		cancelBy:  make(map[string]time.Time),
		foreign:   make(map[string]bool),
		dirty:     make(map[string]bool),
		linted:    make(map[string]bool),

		productive: true,
	}
	return x, nil
}

// ID returns the execution id.
func (x *Execution) ID() string { return x.id }

// Status returns the status as last observed by the tick loop.
func (x *Execution) Status() ir.ExecutionStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// Reason returns why the execution left running, if it did.
func (x *Execution) Reason() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.reason
}

// Options returns the effective options, including a commit mode restored
// from the execution row.
func (x *Execution) Options() Options { return x.opts }

// Durable returns the durable state store of the execution.
func (x *Execution) Durable() *state.Durable { return x.durable }

// Volatile returns the in-memory state store of the execution.
func (x *Execution) Volatile() *state.Volatile { return x.volatile }

// FrameSeq returns the last committed frame number, -1 before the first.
func (x *Execution) FrameSeq() int64 { return x.clock.Current() }

// Nodes returns a copy of the node instances as of the last tick.
// Only safe to call from the tick goroutine or after Run returned.
func (x *Execution) Nodes() map[string]ir.NodeInstance {
	out := make(map[string]ir.NodeInstance, len(x.nodes))
	for id, n := range x.nodes {
		out[id] = n
	}
	return out
}

// Stop asks the execution to stop at its next tick. Active tasks are
// canceled then. Safe from any goroutine.
func (x *Execution) Stop(reason string) {
	x.stop.Request(reason)
	x.Wake()
}

// Wake re-triggers a waiting Run loop, for example after an external state
// write. Safe from any goroutine; wake-ups coalesce.
func (x *Execution) Wake() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

// Close cancels running tasks, waits for their workers and runs pending
// effect cleanups. The execution row keeps its status, so a closed
// execution can be resumed.
func (x *Execution) Close(ctx context.Context) error {
	err := x.tasks.Close(ctx)
	x.effects.Close()
	return err
}

func (x *Execution) publish(e events.Event) {
	e.ExecutionID = x.id
	e.FrameSeq = x.clock.Current()
	if e.Time.IsZero() {
		e.Time = x.now()
	}
	x.bus.Publish(e)
}

func (x *Execution) setStatus(status ir.ExecutionStatus, reason string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.status = status
	x.reason = reason
}

// finish moves the execution to a terminal status and cancels its tasks.
// Node statuses are left as they are, so resuming a stalled execution
// remounts the nodes whose attempts were canceled here.
func (x *Execution) finish(ctx context.Context, status ir.ExecutionStatus, reason string) error {
	canceled := x.tasks.CancelAll()
	for _, nodeID := range sortedKeys(x.active) {
		if t := x.active[nodeID]; t.Status == ir.TaskScheduled {
			if err := x.db.CancelScheduledTask(ctx, t.TaskID, reason, x.now()); err != nil {
				return err
			}
			delete(x.active, nodeID)
		}
	}
	if err := x.flushNodes(ctx); err != nil {
		return err
	}

	if err := x.db.SetExecutionStatus(ctx, x.id, status, reason, x.now()); err != nil {
		return err
	}
	x.setStatus(status, reason)
	x.publish(events.Event{Type: events.ExecutionStatus, Status: string(status), Message: reason})

	attrs := []any{"status", status, "reason", reason, "frame", x.clock.Current(), "canceled_tasks", canceled}
	switch status {
	case ir.ExecutionFailed, ir.ExecutionStalled:
		x.logger.Error("execution halted", attrs...)
	default:
		x.logger.Info("execution finished", attrs...)
	}
	return nil
}

// fail records a fatal engine error on the execution row and returns it.
func (x *Execution) fail(ctx context.Context, ee *EngineError) error {
	if err := x.finish(ctx, ee.Status(), ee.Error()); err != nil {
		return errors.Join(ee, err)
	}
	return ee
}

func (x *Execution) setNodeStatus(nodeID string, status ir.NodeStatus, lastError string) {
	inst, ok := x.nodes[nodeID]
	if !ok {
		return
	}
	if inst.Status == status && inst.LastError == lastError {
		return
	}
	inst.Status = status
	inst.LastError = lastError
	inst.UpdatedAt = x.now()
	x.nodes[nodeID] = inst
	x.dirty[nodeID] = true
}

// dirtyNodes returns the changed node instances in node id order.
func (x *Execution) dirtyNodes() []ir.NodeInstance {
	ids := make([]string, 0, len(x.dirty))
	for id := range x.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	batch := make([]ir.NodeInstance, 0, len(ids))
	for _, id := range ids {
		batch = append(batch, x.nodes[id])
	}
	return batch
}

// flushNodes persists node instances changed outside a frame or action
// commit.
func (x *Execution) flushNodes(ctx context.Context) error {
	if len(x.dirty) == 0 {
		return nil
	}
	if err := x.db.UpsertNodeInstances(ctx, x.dirtyNodes()); err != nil {
		return fmt.Errorf("persist node instances: %w", err)
	}
	clear(x.dirty)
	return nil
}

// restore rebuilds the tick loop state of a resumed execution.
//
// A tick commits node statuses in the same transaction as the actions its
// handlers wrote, so a node still active here never had its outcome
// applied: the process stopped before the tick that would have drained the
// completion. Such attempts are replayed as completions in the first tick,
// exactly once. Attempts that were canceled by a shutdown, and active nodes
// with no attempt at all, are remounted so the first tick schedules them
// again.
func (x *Execution) restore(ctx context.Context) error {
	nodes, err := x.db.LoadNodeInstances(ctx, x.id)
	if err != nil {
		return err
	}
	x.nodes = nodes

	if _, err := x.recoverOrphans(ctx); err != nil {
		return err
	}

	pending, err := x.db.ActiveTasks(ctx, x.id)
	if err != nil {
		return err
	}
	for _, t := range pending {
		switch t.Status {
		case ir.TaskScheduled:
			x.active[t.NodeID] = t
		case ir.TaskRunning:
			// No worker of this process runs it; it is recovered once its
			// lease expires.
			x.foreign[t.TaskID] = true
			x.active[t.NodeID] = t
		}
	}

	for _, id := range sortedKeys(x.nodes) {
		inst := x.nodes[id]
		if !inst.Mounted || !inst.Status.Active() {
			continue
		}
		if _, ok := x.active[id]; ok {
			continue
		}
		attempts, err := x.db.TasksForNode(ctx, x.id, id)
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			x.remount(id)
			continue
		}
		last := attempts[len(attempts)-1]
		switch last.Status {
		case ir.TaskSucceeded, ir.TaskFailed, ir.TaskTimeout:
			x.active[id] = last
			x.recovered = append(x.recovered, completionFromTask(last))
		case ir.TaskCanceled:
			x.remount(id)
		case ir.TaskAbandoned:
			x.setNodeStatus(id, ir.NodeAbandoned, last.LastError)
		}
	}
	x.logger.Debug("execution restored",
		"nodes", len(x.nodes),
		"pending", len(x.active),
		"foreign", len(x.foreign),
		"recovered_completions", len(x.recovered),
	)
	return x.flushNodes(ctx)
}

// remount resets a node so the next render mounts it again and schedules a
// fresh attempt.
func (x *Execution) remount(nodeID string) {
	inst := x.nodes[nodeID]
	inst.Mounted = false
	inst.Status = ir.NodeIdle
	inst.UpdatedAt = x.now()
	x.nodes[nodeID] = inst
	x.dirty[nodeID] = true
}

// recoverOrphans requeues or abandons this execution's tasks whose lease
// expired and folds the result into the tick loop state.
func (x *Execution) recoverOrphans(ctx context.Context) (int, error) {
	recovered, err := x.tasks.RecoverOrphans(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range recovered {
		t := r.Task
		if r.Abandoned {
			delete(x.active, t.NodeID)
			x.setNodeStatus(t.NodeID, ir.NodeAbandoned, t.LastError)
		} else {
			x.active[t.NodeID] = t
			x.setNodeStatus(t.NodeID, ir.NodeScheduled, t.LastError)
		}
		delete(x.foreign, t.TaskID)
		x.publish(events.Event{
			Type:    events.TaskStatus,
			NodeID:  t.NodeID,
			TaskID:  t.TaskID,
			Status:  string(t.Status),
			Message: t.LastError,
			Attrs:   map[string]any{"orphan": true, "retry_count": t.RetryCount},
		})
	}
	x.orphanAt = time.Time{}
	return len(recovered), nil
}

// refreshForeign reloads attempts leased by other owners. Renewed leases
// push the next orphan check out; attempts that finished meanwhile are
// applied as completions in the current tick.
func (x *Execution) refreshForeign(ctx context.Context) error {
	for _, id := range sortedKeys(x.active) {
		t := x.active[id]
		if !x.foreign[t.TaskID] {
			continue
		}
		latest, err := x.db.GetTask(ctx, t.TaskID)
		if err != nil {
			return err
		}
		x.active[id] = latest
		switch {
		case latest.Status == ir.TaskScheduled:
			delete(x.foreign, t.TaskID)
		case latest.Status.Terminal():
			delete(x.foreign, t.TaskID)
			x.recovered = append(x.recovered, completionFromTask(latest))
		}
	}
	return nil
}

// requestOrphanCheck makes the next tick run orphan recovery. Safe from
// any goroutine.
func (x *Execution) requestOrphanCheck() {
	x.orphanDue.Store(true)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
