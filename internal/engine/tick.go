package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/evmts/smithers/internal/effects"
	"github.com/evmts/smithers/internal/events"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/ratelimit"
	"github.com/evmts/smithers/internal/reconcile"
	"github.com/evmts/smithers/internal/state"
	"github.com/evmts/smithers/internal/tasks"
)

// TickResult summarizes one tick.
type TickResult struct {
	// FrameSeq is the frame committed by this tick, or the last committed
	// frame when the tick stopped before Commit-Frame.
	FrameSeq int64
	Trigger  string

	NewlyMounted []string
	Unmounted    []string
	// Started lists nodes whose task started this tick.
	Started []string
	// Completed lists nodes whose task outcome or approval decision was
	// applied this tick.
	Completed []string
	// Stale lists nodes whose task outcome was discarded.
	Stale []string

	// Committed counts durable and volatile transitions written.
	Committed int
	// EffectsRan counts effect runs caused by a mount or a deps change.
	// Runs of effects without deps are not counted.
	EffectsRan int

	// Running counts attempts on this process's workers.
	Running int
	// Waiting counts scheduled attempts held back by a retry time, a
	// rate-limit window, a full target or a lease conflict, and approvals
	// pending until a deadline.
	Waiting int
	// Leased counts attempts leased by another owner.
	Leased int
	// NextWake is the earliest time a waiting attempt becomes due.
	NextWake time.Time

	Idle   bool
	Status ir.ExecutionStatus
}

// Changed reports whether the tick produced anything the next render may
// observe, in which case the run loop ticks again right away.
func (r TickResult) Changed() bool {
	return len(r.NewlyMounted) > 0 || len(r.Unmounted) > 0 ||
		len(r.Started) > 0 || len(r.Completed) > 0 || len(r.Stale) > 0 ||
		r.Committed > 0 || r.EffectsRan > 0
}

func (r *TickResult) wakeAt(t time.Time) {
	if t.IsZero() {
		return
	}
	if r.NextWake.IsZero() || t.Before(r.NextWake) {
		r.NextWake = t
	}
}

// tick carries what one pass of the cycle shares between its phases.
type tick struct {
	seq      int64
	now      time.Time
	trigger  string
	durable  state.ReadView
	volatile state.ReadView
	tree     *reconcile.Tree
	diff     reconcile.Diff
	// terminal is the first stop or end node of the tree, if any.
	terminal *ir.Node
	res      *TickResult
}

// Tick runs one pass of the cycle: Snapshot, Render, Reconcile,
// Commit-Frame, Execute, Commit-Actions, Effects.
//
// Fatal engine errors (*EngineError) move the execution to failed, stalled
// or stopped before they are returned. A reached stop condition is returned
// as an *EngineError with code STOP_CONDITION. Must be called from one
// goroutine per execution.
func (x *Execution) Tick(ctx context.Context, trigger string) (res TickResult, err error) {
	if st := x.Status(); st != ir.ExecutionRunning && st != ir.ExecutionPaused {
		return TickResult{FrameSeq: x.clock.Current(), Trigger: trigger, Status: st}, ErrExecutionDone
	}

	ctx, span := x.tracer.Start(ctx, "tick", trace.WithAttributes(
		attrExecutionID.String(x.id),
		attrTrigger.String(trigger),
	))
	defer func() {
		span.SetAttributes(attrFrameSeq.Int64(res.FrameSeq))
		endSpan(span, err)
	}()

	res = TickResult{FrameSeq: x.clock.Current(), Trigger: trigger}
	t := &tick{now: x.now(), trigger: trigger, res: &res}
	defer func() { res.Status = x.Status() }()

	if done, err := x.checkStop(ctx, t); done || err != nil {
		return res, err
	}

	if err := x.phase(ctx, "snapshot", func(ctx context.Context) error { return x.snapshot(ctx, t) }); err != nil {
		return res, err
	}
	if err := x.phase(ctx, "render", func(ctx context.Context) error { return x.renderAndReconcile(ctx, t) }); err != nil {
		return res, err
	}
	if err := x.phase(ctx, "commit_frame", func(ctx context.Context) error { return x.commitFrame(ctx, t) }); err != nil {
		return res, err
	}
	if err := x.phase(ctx, "execute", func(ctx context.Context) error { return x.execute(ctx, t) }); err != nil {
		return res, err
	}
	if err := x.phase(ctx, "commit_actions", func(ctx context.Context) error { return x.commitActions(ctx, t) }); err != nil {
		return res, err
	}

	if t.terminal != nil {
		return res, x.finishAtNode(ctx, t.terminal)
	}

	if err := x.phase(ctx, "effects", func(ctx context.Context) error { return x.runEffects(ctx, t) }); err != nil {
		return res, err
	}

	x.settle(t)
	return res, nil
}

// checkStop applies operator status changes and stop conditions. It reports
// whether the tick must not proceed.
func (x *Execution) checkStop(ctx context.Context, t *tick) (bool, error) {
	ex, err := x.db.GetExecution(ctx, x.id)
	if err != nil {
		return true, fmt.Errorf("tick: %w", err)
	}
	switch ex.Status {
	case ir.ExecutionPaused:
		if x.Status() != ir.ExecutionPaused {
			x.setStatus(ir.ExecutionPaused, ex.Error)
			x.logger.Info("execution paused", "frame", x.clock.Current())
			x.publish(events.Event{Type: events.ExecutionStatus, Status: string(ir.ExecutionPaused)})
		}
		return true, nil
	case ir.ExecutionRunning:
		if x.Status() == ir.ExecutionPaused {
			x.setStatus(ir.ExecutionRunning, "")
			x.logger.Info("execution unpaused", "frame", x.clock.Current())
			x.publish(events.Event{Type: events.ExecutionStatus, Status: string(ir.ExecutionRunning)})
		}
	case ir.ExecutionStopped:
		reason := ex.Error
		if reason == "" {
			reason = "stopped by operator"
		}
		if err := x.finish(ctx, ir.ExecutionStopped, reason); err != nil {
			return true, err
		}
		return true, NewStopError(x.id, x.clock.Current(), reason)
	default:
		x.setStatus(ex.Status, ex.Error)
		return true, ErrExecutionDone
	}

	if reason := x.stop.Check(x.startedAt, t.now, x.clock.Peek()); reason != "" {
		if err := x.finish(ctx, ir.ExecutionStopped, reason); err != nil {
			return true, err
		}
		return true, NewStopError(x.id, x.clock.Current(), reason)
	}
	return false, nil
}

func (x *Execution) snapshot(ctx context.Context, t *tick) error {
	var err error
	if t.durable, err = x.durable.Snapshot(ctx); err != nil {
		return fmt.Errorf("snapshot durable state: %w", err)
	}
	if t.volatile, err = x.volatile.Snapshot(ctx); err != nil {
		return fmt.Errorf("snapshot volatile state: %w", err)
	}
	return nil
}

func (x *Execution) renderAndReconcile(ctx context.Context, t *tick) error {
	seq := x.clock.Peek()
	rc := RenderContext{
		ExecutionID:   x.id,
		FrameSeq:      seq,
		State:         t.durable,
		Volatile:      t.volatile,
		Nodes:         x.Nodes(),
		Write:         state.NewWriter(x.durable, TriggerRender, seq, ""),
		WriteVolatile: state.NewWriter(x.volatile, TriggerRender, seq, ""),
	}

	x.guard.Enter()
	root, err := x.callRender(rc)
	violated := x.guard.Exit()

	if violated {
		x.discardQueued()
		return x.fail(ctx, NewRenderPhaseViolation(x.id, seq, state.ErrWriteDuringRender))
	}
	if err != nil {
		x.discardQueued()
		return x.fail(ctx, NewRenderFailed(x.id, seq, err))
	}

	tree, diff, err := reconcile.Reconcile(x.nodes, root)
	if err != nil {
		var (
			dup          *reconcile.DuplicateIdentityError
			invalid      *reconcile.InvalidNodeError
			nodeID, path string
		)
		switch {
		case errors.As(err, &dup):
			nodeID, path = dup.NodeID, dup.SecondPath
		case errors.As(err, &invalid):
			path = invalid.Path
		}
		x.discardQueued()
		return x.fail(ctx, NewReconciliationError(x.id, seq, nodeID, path, err))
	}
	t.tree, t.diff = tree, diff

	for _, w := range tree.Warnings {
		key := w.Rule + "@" + w.NodeID
		if x.linted[key] {
			continue
		}
		x.linted[key] = true
		x.logger.Warn("lint warning", "rule", w.Rule, "node_id", w.NodeID, "path", w.Path, "message", w.Message)
		x.publish(events.Event{Type: events.LintWarning, NodeID: w.NodeID, Message: w.String(), Attrs: map[string]any{"rule": w.Rule}})
	}
	for _, id := range tree.Order {
		if n := tree.Nodes[id]; n.Kind == ir.KindStop || n.Kind == ir.KindEnd {
			t.terminal = n
			break
		}
	}
	return nil
}

func (x *Execution) callRender(rc RenderContext) (root *ir.Node, err error) {
	defer func() {
		if v := recover(); v != nil {
			root = nil
			err = fmt.Errorf("render panicked: %v", v)
		}
	}()
	return x.render(rc)
}

// discardQueued drops writes enqueued by an aborted tick.
func (x *Execution) discardQueued() {
	x.durable.Drain()
	x.volatile.Drain()
}

// stateHash fingerprints everything a render can observe, for the frame
// storm guard.
func (x *Execution) stateHash(t *tick) (string, error) {
	statuses := make(ir.IRObject, len(x.nodes))
	for id, n := range x.nodes {
		statuses[id] = ir.IRString(n.Status)
	}
	attempts := make(ir.IRObject, len(x.active))
	for id, task := range x.active {
		attempts[id] = ir.IRObject{
			"task_id":     ir.IRString(task.TaskID),
			"retry_count": ir.IRInt(task.RetryCount),
			"status":      ir.IRString(task.Status),
			"last_error":  ir.IRString(task.LastError),
		}
	}
	return ir.StateHash(map[string]ir.IRValue{
		"durable":  ir.IRObject(state.Entries(t.durable)),
		"volatile": ir.IRObject(state.Entries(t.volatile)),
		"nodes":    statuses,
		"tasks":    attempts,
	})
}

func (x *Execution) commitFrame(ctx context.Context, t *tick) error {
	seq := x.clock.Peek()
	data, treeHash, err := ir.SerializeTree(t.tree.Root)
	if err != nil {
		return fmt.Errorf("commit frame %d: %w", seq, err)
	}
	stateHash, err := x.stateHash(t)
	if err != nil {
		return fmt.Errorf("commit frame %d: %w", seq, err)
	}
	productive := x.productive || len(t.diff.NewlyMounted) > 0 || len(t.diff.Unmounted) > 0
	if v := x.storm.Check(treeHash, stateHash, t.now, productive); v != nil {
		x.discardQueued()
		return x.fail(ctx, NewFrameStormError(x.id, seq, v.Limit, v.Count, v.Max))
	}

	changed := make(map[string]ir.NodeInstance, len(t.diff.Present)+len(t.diff.Unmounted)+len(x.dirty))
	for id := range x.dirty {
		changed[id] = x.nodes[id]
	}
	for _, id := range t.diff.Present {
		n := t.tree.Nodes[id]
		inst, ok := x.nodes[id]
		if !ok || !inst.Mounted {
			status := ir.NodeIdle
			if n.Kind.Runnable() && t.terminal == nil {
				status = ir.NodeScheduled
			}
			inst = ir.NodeInstance{ExecutionID: x.id, NodeID: id, Status: status, MountedAtFrame: seq}
		}
		inst.Kind = n.Kind
		inst.Path = n.Path
		inst.LastSeenFrame = seq
		inst.Mounted = true
		inst.UpdatedAt = t.now
		changed[id] = inst
	}
	for _, id := range t.diff.Unmounted {
		inst := x.nodes[id]
		inst.Mounted = false
		inst.UpdatedAt = t.now
		changed[id] = inst
	}
	batch := make([]ir.NodeInstance, 0, len(changed))
	for _, id := range sortedKeys(changed) {
		batch = append(batch, changed[id])
	}

	frame := ir.Frame{
		ExecutionID:        x.id,
		Seq:                seq,
		Tree:               data,
		TreeHash:           treeHash,
		TriggerReason:      t.trigger,
		StateVersionBefore: t.durable.Version(),
		CreatedAt:          t.now,
	}
	if err := x.db.CommitFrame(ctx, frame, batch); err != nil {
		return err
	}
	x.clock.Next()
	for _, inst := range batch {
		x.nodes[inst.NodeID] = inst
	}
	clear(x.dirty)
	x.tree = t.tree
	x.lastFrameAt = t.now
	t.seq = seq
	t.res.FrameSeq = seq
	t.res.NewlyMounted = t.diff.NewlyMounted
	t.res.Unmounted = t.diff.Unmounted

	x.logger.Debug("frame committed",
		"frame", seq,
		"trigger", t.trigger,
		"tree_hash", treeHash[:12],
		"nodes", len(t.diff.Present),
		"mounted", len(t.diff.NewlyMounted),
		"unmounted", len(t.diff.Unmounted),
	)
	x.publish(events.Event{Type: events.FrameCommitted, Message: t.trigger, Attrs: map[string]any{
		"tree_hash": treeHash,
		"nodes":     len(t.diff.Present),
	}})
	for _, id := range t.diff.NewlyMounted {
		x.publish(events.Event{Type: events.NodeMounted, NodeID: id, Status: string(x.nodes[id].Status), Message: x.nodes[id].Path})
	}
	for _, id := range t.diff.Unmounted {
		x.publish(events.Event{Type: events.NodeUnmounted, NodeID: id, Message: x.nodes[id].Path})
		if err := x.cancelNode(ctx, id, "node unmounted"); err != nil {
			return err
		}
	}
	return nil
}

// cancelNode signals the current attempt of an unmounted node. A running
// attempt keeps its node status until the worker acknowledges, and its
// outcome is then discarded as stale. A cancel that is never acknowledged
// leaves the node abandoned.
func (x *Execution) cancelNode(ctx context.Context, nodeID, reason string) error {
	if x.nodes[nodeID].Kind == ir.KindApproval {
		return x.withdrawApproval(ctx, nodeID, reason)
	}
	t, ok := x.active[nodeID]
	if !ok {
		return nil
	}
	switch {
	case t.Status == ir.TaskScheduled:
		if err := x.db.CancelScheduledTask(ctx, t.TaskID, reason, x.now()); err != nil {
			return err
		}
		delete(x.active, nodeID)
		x.setNodeStatus(nodeID, ir.NodeCanceled, reason)
		x.publish(events.Event{Type: events.TaskStatus, NodeID: nodeID, TaskID: t.TaskID, Status: string(ir.TaskCanceled), Message: reason})
	case x.tasks.Cancel(t.TaskID):
		x.canceled[t.TaskID] = true
		x.cancelBy[nodeID] = x.now().Add(x.opts.CancelTimeout)
		x.logger.Info("task cancel requested", "node_id", nodeID, "task_id", t.TaskID, "reason", reason, "deadline", x.cancelBy[nodeID])
	case t.LeaseOwner == x.tasks.Owner() && !x.foreign[t.TaskID]:
		// The worker already exited; its queued outcome is discarded as
		// stale by the next drain.
		x.canceled[t.TaskID] = true
	default:
		// Leased by another owner: no cancel can be sent, so none is ever
		// acknowledged. Its outcome is recorded there and never reaches
		// this execution's handlers.
		delete(x.active, nodeID)
		delete(x.foreign, t.TaskID)
		msg := fmt.Sprintf("%s; cancel not acknowledged by lease owner %s", reason, t.LeaseOwner)
		x.setNodeStatus(nodeID, ir.NodeAbandoned, msg)
		x.logger.Warn("node abandoned", "node_id", nodeID, "task_id", t.TaskID, "lease_owner", t.LeaseOwner)
		x.publish(events.Event{Type: events.NodeStatus, NodeID: nodeID, TaskID: t.TaskID, Status: string(ir.NodeAbandoned), Message: msg})
	}
	return nil
}

// abandonUnacknowledged gives up on canceled attempts whose worker missed
// its deadline. A late outcome of such an attempt is still recorded as
// stale.
func (x *Execution) abandonUnacknowledged(t *tick) {
	for _, id := range sortedKeys(x.cancelBy) {
		deadline := x.cancelBy[id]
		cur, ok := x.active[id]
		if !ok || !x.canceled[cur.TaskID] {
			delete(x.cancelBy, id)
			continue
		}
		if t.now.Before(deadline) {
			t.res.wakeAt(deadline)
			continue
		}
		delete(x.cancelBy, id)
		delete(x.active, id)
		msg := fmt.Sprintf("cancel not acknowledged within %s", x.opts.CancelTimeout)
		x.setNodeStatus(id, ir.NodeAbandoned, msg)
		x.logger.Warn("node abandoned", "node_id", id, "task_id", cur.TaskID, "error", msg)
		x.publish(events.Event{Type: events.NodeStatus, NodeID: id, TaskID: cur.TaskID, Status: string(ir.NodeAbandoned), Message: msg})
	}
}

func (x *Execution) execute(ctx context.Context, t *tick) error {
	// Everything signaled so far is drained below.
	select {
	case <-x.tasks.Done():
	default:
	}
	select {
	case <-x.tasks.Progressed():
	default:
	}

	if x.orphanDue.Swap(false) || (!x.orphanAt.IsZero() && !t.now.Before(x.orphanAt)) {
		if _, err := x.recoverOrphans(ctx); err != nil {
			return err
		}
		if err := x.refreshForeign(ctx); err != nil {
			return err
		}
	}

	completions := append(x.recovered, x.tasks.Completions()...)
	x.recovered = nil
	slices.SortStableFunc(completions, func(a, b tasks.Completion) int {
		return strings.Compare(a.Task.NodeID, b.Task.NodeID)
	})
	for _, c := range completions {
		if err := x.applyCompletion(ctx, t, c); err != nil {
			return err
		}
	}
	x.abandonUnacknowledged(t)

	for _, p := range x.tasks.ProgressUpdates() {
		cur, ok := x.active[p.NodeID]
		if !ok || cur.TaskID != p.TaskID || x.canceled[p.TaskID] || !x.nodes[p.NodeID].Mounted {
			continue
		}
		state.NewWriter(x.volatile, TriggerProgress, t.seq, p.NodeID).Set(ProgressKey(p.NodeID), p.Value)
		if n := t.tree.Nodes[p.NodeID]; n != nil {
			x.dispatch(t, n, HandlerContext{Event: ir.EventProgress, Task: cur, Progress: p.Value})
		}
	}

	if t.terminal != nil {
		return nil
	}

	for _, id := range t.diff.NewlyMounted {
		n := t.tree.Nodes[id]
		if !n.Kind.Runnable() {
			continue
		}
		task, err := x.tasks.Schedule(ctx, x.specFor(n))
		if err != nil {
			return err
		}
		x.active[id] = task
		x.setNodeStatus(id, ir.NodeScheduled, "")
		x.publish(events.Event{Type: events.TaskStatus, NodeID: id, TaskID: task.TaskID, Status: string(ir.TaskScheduled)})
	}
	if err := x.awaitApprovals(ctx, t); err != nil {
		return err
	}

	for _, id := range sortedKeys(x.active) {
		task := x.active[id]
		if task.Status != ir.TaskScheduled || !x.nodes[id].Mounted {
			continue
		}
		n := t.tree.Nodes[id]
		if n == nil {
			continue
		}
		if err := x.tryStart(ctx, t, n, task); err != nil {
			return err
		}
	}
	return nil
}

func (x *Execution) specFor(n *ir.Node) tasks.Spec {
	spec := tasks.Spec{
		NodeID:     n.ID,
		Kind:       n.Kind,
		Target:     string(n.Kind),
		Props:      n.Props,
		MaxRetries: x.opts.MaxRetries,
	}
	if target, ok := n.Props.GetString(ir.PropTarget); ok && target != "" {
		spec.Target = target
	}
	if v, ok := n.Props.GetInt(ir.PropMaxRetries); ok && v >= 0 {
		spec.MaxRetries = int(v)
	}
	if ms, ok := n.Props.GetInt(ir.PropTimeoutMS); ok && ms > 0 {
		spec.Timeout = time.Duration(ms) * time.Millisecond
	}
	return spec
}

// concurrencyRecheck is how soon an attempt refused by a full target is
// tried again when no completion arrives first.
const concurrencyRecheck = 100 * time.Millisecond

// tryStart starts one scheduled attempt if its retry time passed, its
// target has a free slot outside any backoff window, and the node's lease
// is free.
func (x *Execution) tryStart(ctx context.Context, t *tick, n *ir.Node, task ir.Task) error {
	now := x.now()
	if task.NextRetryAt.After(now) {
		t.res.Waiting++
		t.res.wakeAt(task.NextRetryAt)
		return nil
	}

	spec := x.specFor(n)
	spec.Target = task.Target
	spec.FrameSeq = t.seq
	permit, err := x.limiter.Acquire(task.Target)
	if err != nil {
		var blocked *ratelimit.BlockedError
		if !errors.As(err, &blocked) {
			return err
		}
		t.res.Waiting++
		x.setNodeStatus(n.ID, ir.NodeBlocked, blocked.Error())
		if blocked.Reason == ratelimit.ReasonBackoff {
			if err := x.db.DeferTask(ctx, task.TaskID, blocked.Until, blocked.Until.Sub(now), now); err != nil {
				return err
			}
			task.NextRetryAt = blocked.Until
			x.active[n.ID] = task
			t.res.wakeAt(blocked.Until)
		} else {
			// The slot may be held by another execution sharing the
			// coordinator, whose release never reaches this run loop.
			t.res.wakeAt(now.Add(concurrencyRecheck))
		}
		x.logger.Debug("task start blocked", "node_id", n.ID, "target", task.Target, "reason", blocked.Reason, "until", blocked.Until)
		return nil
	}

	if err := x.tasks.Start(ctx, task, spec, permit.Release); err != nil {
		permit.Release()
		if errors.Is(err, tasks.ErrLeaseConflict) {
			t.res.Waiting++
			x.logger.Warn("lease conflict; start deferred", "node_id", n.ID, "task_id", task.TaskID)
			return nil
		}
		return err
	}
	task.Status = ir.TaskRunning
	task.LeaseOwner = x.tasks.Owner()
	task.LeaseExpiresAt = now.Add(x.opts.LeaseDuration)
	task.HeartbeatAt = now
	x.active[n.ID] = task
	delete(x.foreign, task.TaskID)
	x.setNodeStatus(n.ID, ir.NodeRunning, task.LastError)
	t.res.Started = append(t.res.Started, n.ID)
	x.publish(events.Event{Type: events.TaskStatus, NodeID: n.ID, TaskID: task.TaskID, Status: string(ir.TaskRunning), Attrs: map[string]any{
		"attempt": task.RetryCount + 1,
		"target":  task.Target,
	}})
	return nil
}

// applyCompletion folds one attempt outcome into node state and runs the
// node's handler. Outcomes of canceled or superseded attempts are stale:
// recorded for audit, never handled.
func (x *Execution) applyCompletion(ctx context.Context, t *tick, c tasks.Completion) error {
	task := c.Task
	nodeID := task.NodeID
	cur, hasCur := x.active[nodeID]
	current := hasCur && cur.TaskID == task.TaskID
	inst, known := x.nodes[nodeID]

	if c.LeaseLost {
		x.logger.Warn("lease lost; attempt outcome dropped", "node_id", nodeID, "task_id", task.TaskID, "error", c.Err)
		if !current {
			return nil
		}
		latest, err := x.db.GetTask(ctx, task.TaskID)
		if err != nil {
			return err
		}
		x.active[nodeID] = latest
		switch {
		case latest.Status == ir.TaskRunning:
			x.foreign[latest.TaskID] = true
		case latest.Status.Terminal():
			x.recovered = append(x.recovered, completionFromTask(latest))
		}
		return nil
	}

	stale := c.Stale || x.canceled[task.TaskID] || !known || !inst.Mounted || !current
	if stale {
		delete(x.canceled, task.TaskID)
		if c.Next != nil {
			if err := x.db.CancelScheduledTask(ctx, c.Next.TaskID, "node unmounted", x.now()); err != nil {
				return err
			}
		}
		if c.Status == ir.TaskSucceeded && !task.Stale {
			if err := x.db.MarkTaskStale(ctx, task.TaskID, x.now()); err != nil {
				return err
			}
		}
		if current {
			delete(x.active, nodeID)
			x.setNodeStatus(nodeID, ir.NodeCanceled, "canceled: node unmounted")
		}
		t.res.Stale = append(t.res.Stale, nodeID)
		x.logger.Warn("stale result discarded", "node_id", nodeID, "task_id", task.TaskID, "status", c.Status)
		x.publish(events.Event{Type: events.TaskStatus, NodeID: nodeID, TaskID: task.TaskID, Status: string(c.Status), Attrs: map[string]any{"stale": true}})
		return nil
	}
	delete(x.foreign, task.TaskID)

	attrs := map[string]any{"attempt": task.RetryCount + 1}
	if c.Next != nil {
		attrs["next_task_id"] = c.Next.TaskID
		attrs["retry_at"] = c.RetryAt
	}
	x.publish(events.Event{Type: events.TaskStatus, NodeID: nodeID, TaskID: task.TaskID, Status: string(c.Status), Message: task.LastError, Attrs: attrs})

	if c.Next != nil {
		x.active[nodeID] = *c.Next
		x.setNodeStatus(nodeID, ir.NodeScheduled, task.LastError)
		x.logger.Info("task retry scheduled",
			"node_id", nodeID,
			"task_id", task.TaskID,
			"next_task_id", c.Next.TaskID,
			"retry_at", c.RetryAt,
			"error", task.LastError,
		)
		t.res.wakeAt(c.RetryAt)
		t.res.Completed = append(t.res.Completed, nodeID)
		return nil
	}

	delete(x.active, nodeID)
	t.res.Completed = append(t.res.Completed, nodeID)
	n := t.tree.Nodes[nodeID]
	switch c.Status {
	case ir.TaskSucceeded:
		x.setNodeStatus(nodeID, ir.NodeSucceeded, "")
		x.logger.Info("task succeeded", "node_id", nodeID, "task_id", task.TaskID, "attempt", task.RetryCount+1)
		if n != nil {
			x.dispatch(t, n, HandlerContext{Event: ir.EventFinished, Task: task, Result: c.Result})
		}
	case ir.TaskFailed, ir.TaskTimeout:
		msg := task.LastError
		if c.Status == ir.TaskTimeout {
			msg = "timeout"
		}
		x.setNodeStatus(nodeID, ir.NodeFailed, msg)
		x.logger.Warn("task failed", "node_id", nodeID, "task_id", task.TaskID, "status", c.Status, "error", task.LastError, "retryable", c.Class.Retryable)
		if n != nil {
			x.dispatch(t, n, HandlerContext{Event: ir.EventError, Task: task, Err: c.Err})
		}
	case ir.TaskCanceled:
		x.setNodeStatus(nodeID, ir.NodeCanceled, task.LastError)
	case ir.TaskAbandoned:
		x.setNodeStatus(nodeID, ir.NodeAbandoned, task.LastError)
	}
	return nil
}

// completionFromTask rebuilds the completion of an attempt that finished
// without this process observing it.
func completionFromTask(t ir.Task) tasks.Completion {
	c := tasks.Completion{Task: t, Status: t.Status, Result: t.Result, Stale: t.Stale}
	if t.LastError != "" {
		c.Err = errors.New(t.LastError)
		c.Class = tasks.Classify(c.Err)
		if t.Status == ir.TaskTimeout {
			c.Class.Timeout = true
		}
	}
	return c
}

// dispatch runs the handler of n for hc.Event. Handler failures are logged;
// they never abort the tick.
func (x *Execution) dispatch(t *tick, n *ir.Node, hc HandlerContext) {
	hc.ExecutionID = x.id
	hc.FrameSeq = t.seq
	hc.NodeID = n.ID
	hc.Kind = n.Kind
	hc.Path = n.Path
	hc.Props = n.Props
	hc.State = t.durable
	hc.Write = state.NewWriter(x.durable, string(hc.Event), t.seq, n.ID)
	hc.Volatile = state.NewWriter(x.volatile, string(hc.Event), t.seq, n.ID)

	ran, err := x.callHandler(n.Events, hc)
	if err != nil {
		x.logger.Error("handler failed", "node_id", n.ID, "path", n.Path, "event", hc.Event, "error", err)
		return
	}
	if ran {
		x.logger.Debug("handler ran", "node_id", n.ID, "event", hc.Event)
	}
}

func (x *Execution) callHandler(evs ir.Events, hc HandlerContext) (ran bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			ran = true
			err = fmt.Errorf("handler panicked: %v", v)
		}
	}()
	return x.handlers.Dispatch(evs, hc)
}

// commitActions writes the tick's durable actions together with the node
// statuses the Execute phase changed, so a crash never leaves a handler's
// writes committed under a node that still looks active.
func (x *Execution) commitActions(ctx context.Context, t *tick) error {
	batch := append(x.carried, x.durable.Drain()...)
	x.carried = nil
	if len(batch) > 0 {
		ir.SortActions(batch)
		cr, err := x.durable.CommitWithNodes(ctx, batch, ir.PhaseCommit, x.dirtyNodes())
		if err != nil {
			return fmt.Errorf("commit actions of frame %d: %w", t.seq, err)
		}
		clear(x.dirty)
		t.res.Committed += len(cr.Transitions)
		x.publishTransitions(cr.Transitions, false)
	}
	if vb := x.volatile.Drain(); len(vb) > 0 {
		ir.SortActions(vb)
		cr, err := x.volatile.Commit(ctx, vb, ir.PhaseCommit)
		if err != nil {
			return fmt.Errorf("commit volatile actions of frame %d: %w", t.seq, err)
		}
		t.res.Committed += len(cr.Transitions)
		x.publishTransitions(cr.Transitions, true)
	}
	return x.flushNodes(ctx)
}

func (x *Execution) publishTransitions(ts []ir.Transition, volatile bool) {
	for _, tr := range ts {
		attrs := map[string]any{"trigger": tr.Trigger, "phase": tr.Phase, "frame_id": tr.FrameID}
		if volatile {
			attrs["volatile"] = true
		}
		x.publish(events.Event{Type: events.ActionCommitted, NodeID: tr.NodeID, Key: tr.Key, Attrs: attrs})
	}
}

func (x *Execution) runEffects(ctx context.Context, t *tick) error {
	regs := make([]effects.Registration, 0, len(t.tree.Effects))
	for _, n := range t.tree.Effects {
		regs = append(regs, effects.FromNode(n))
	}
	due, unmounted, err := x.effects.Sync(regs)
	if err != nil {
		return err
	}
	for _, id := range unmounted {
		x.logger.Debug("effect unmounted", "effect_id", id)
	}

	for _, d := range due {
		w := state.NewWriter(x.durable, "effect:"+d.EffectID, t.seq, d.NodeID)
		err := x.effects.Run(d, w)
		if effects.IsLoopError(err) {
			x.durable.Drain()
			path := ""
			if n := t.tree.Nodes[d.NodeID]; n != nil {
				path = n.Path
			}
			return x.fail(ctx, NewEffectLoopError(x.id, t.seq, d.NodeID, path, err))
		}
		if !d.EveryTick {
			t.res.EffectsRan++
		}
		if err != nil {
			x.logger.Error("effect failed", "effect_id", d.EffectID, "node_id", d.NodeID, "error", err)
		}
		x.publish(events.Event{Type: events.EffectRun, NodeID: d.NodeID, Key: d.EffectID, Attrs: map[string]any{"first": d.First}})
	}

	switch x.opts.EffectCommitMode {
	case CommitNextTick:
		x.carried = x.durable.Drain()
	default:
		if batch := x.durable.Drain(); len(batch) > 0 {
			ir.SortActions(batch)
			cr, err := x.durable.Commit(ctx, batch, ir.PhaseEffects)
			if err != nil {
				return fmt.Errorf("commit effect actions of frame %d: %w", t.seq, err)
			}
			t.res.Committed += len(cr.Transitions)
			x.publishTransitions(cr.Transitions, false)
		}
	}
	return nil
}

// finishAtNode ends the execution because the tree rendered a stop or end
// node.
func (x *Execution) finishAtNode(ctx context.Context, n *ir.Node) error {
	reason, _ := n.Props.GetString(ir.PropReason)
	if reason == "" {
		reason, _ = n.Props.GetString(ir.PropMessage)
	}
	status := ir.ExecutionStopped
	if n.Kind == ir.KindEnd {
		status = ir.ExecutionCompleted
	}
	if reason == "" {
		reason = fmt.Sprintf("%s node at %s", n.Kind, n.Path)
	}
	return x.finish(ctx, status, reason)
}

// settle computes what the run loop waits for after a full tick.
func (x *Execution) settle(t *tick) {
	owner := x.tasks.Owner()
	x.orphanAt = time.Time{}
	for _, id := range sortedKeys(x.active) {
		task := x.active[id]
		if task.Status != ir.TaskRunning {
			continue
		}
		if task.LeaseOwner == owner && !x.foreign[task.TaskID] {
			t.res.Running++
			continue
		}
		t.res.Leased++
		due := task.LeaseExpiresAt.Add(time.Millisecond)
		if x.orphanAt.IsZero() || due.Before(x.orphanAt) {
			x.orphanAt = due
		}
	}
	t.res.wakeAt(x.orphanAt)
	x.productive = len(t.res.NewlyMounted) > 0 || len(t.res.Unmounted) > 0 ||
		len(t.res.Started) > 0 || len(t.res.Completed) > 0 || len(t.res.Stale) > 0
	t.res.Idle = !t.res.Changed() && t.res.Running == 0 && t.res.Waiting == 0 && t.res.Leased == 0 && len(x.carried) == 0
}
