package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evmts/smithers/internal/events"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/store"
)

// Decide records a decision on one of the execution's pending approvals
// and wakes the run loop, which applies it at its next tick. Safe from any
// goroutine. Deciding twice returns an error wrapping
// store.ErrApprovalDecided.
func (x *Execution) Decide(ctx context.Context, approvalID string, approved bool, responder, comment string) (ir.Approval, error) {
	a, err := x.db.GetApproval(ctx, approvalID)
	if err != nil {
		return ir.Approval{}, err
	}
	if a.ExecutionID != x.id {
		return ir.Approval{}, fmt.Errorf("approval %s belongs to execution %s: %w", approvalID, a.ExecutionID, store.ErrNotFound)
	}
	a, err = x.db.DecideApproval(ctx, approvalID, approved, responder, comment, x.now())
	if err != nil {
		return ir.Approval{}, err
	}
	x.logger.Info("approval decided", "approval_id", a.ID, "node_id", a.NodeID, "status", a.Status, "responder", responder)
	x.Wake()
	return a, nil
}

// awaitApprovals raises a request for every mounted approval node and
// applies decisions that arrived since the last tick. A pending request
// suspends its node; only a request with a deadline keeps the run loop
// waiting, so an execution blocked on an open-ended request goes idle.
func (x *Execution) awaitApprovals(ctx context.Context, t *tick) error {
	for _, id := range t.tree.Order {
		n := t.tree.Nodes[id]
		if n.Kind != ir.KindApproval {
			continue
		}
		inst := x.nodes[id]
		if inst.Status != ir.NodeIdle && inst.Status != ir.NodeWaiting {
			continue
		}
		a, created, err := x.db.EnsureApproval(ctx, x.approvalFor(n, inst, t.now))
		if err != nil {
			return err
		}
		if created {
			x.logger.Info("approval requested", "node_id", id, "approval_id", a.ID, "kind", a.Kind, "expires_at", a.ExpiresAt)
			x.publish(events.Event{Type: events.ApprovalRequested, NodeID: id, Key: a.ID, Message: a.Prompt, Attrs: map[string]any{
				"kind": string(a.Kind),
			}})
		}
		if a.Expired(t.now) {
			expired, err := x.db.ExpireApproval(ctx, a.ID, "no decision before deadline", t.now)
			switch {
			case err == nil:
				a = expired
			case errors.Is(err, store.ErrApprovalDecided):
				if a, err = x.db.GetApproval(ctx, a.ID); err != nil {
					return err
				}
			default:
				return err
			}
		}
		x.applyApproval(t, n, a)
	}
	return nil
}

func (x *Execution) approvalFor(n *ir.Node, inst ir.NodeInstance, now time.Time) ir.Approval {
	kind := ir.ApprovalHumanReview
	if k, ok := n.Props.GetString(ir.PropApprovalKind); ok && ir.ApprovalKind(k).Valid() {
		kind = ir.ApprovalKind(k)
	}
	payload := n.Prop(ir.PropPayload)
	prompt, _ := n.Props.GetString(ir.PropPrompt)
	if prompt == "" {
		prompt = ir.DefaultApprovalPrompt(kind, payload)
	}
	a := ir.Approval{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ExecutionID:    x.id,
		NodeID:         n.ID,
		Path:           n.Path,
		Kind:           kind,
		Prompt:         prompt,
		Payload:        payload,
		RequestedFrame: inst.MountedAtFrame,
		RequestedAt:    now,
	}
	if ms, ok := n.Props.GetInt(ir.PropTimeoutMS); ok && ms > 0 {
		a.ExpiresAt = now.Add(time.Duration(ms) * time.Millisecond)
	}
	return a
}

func (x *Execution) applyApproval(t *tick, n *ir.Node, a ir.Approval) {
	if a.Status == ir.ApprovalPending {
		x.setNodeStatus(n.ID, ir.NodeWaiting, "")
		if !a.ExpiresAt.IsZero() {
			t.res.Waiting++
			t.res.wakeAt(a.ExpiresAt)
		}
		return
	}

	t.res.Completed = append(t.res.Completed, n.ID)
	x.publish(events.Event{Type: events.ApprovalDecided, NodeID: n.ID, Key: a.ID, Status: string(a.Status), Message: a.Comment, Attrs: map[string]any{
		"responder": a.Responder,
	}})
	hc := HandlerContext{Result: approvalResult(a), Approval: a}
	if a.Status == ir.ApprovalApproved {
		x.setNodeStatus(n.ID, ir.NodeSucceeded, "")
		x.logger.Info("approval granted", "node_id", n.ID, "approval_id", a.ID, "responder", a.Responder)
		hc.Event = ir.EventFinished
		x.dispatch(t, n, hc)
		return
	}
	msg := "approval " + string(a.Status)
	if a.Comment != "" {
		msg += ": " + a.Comment
	}
	x.setNodeStatus(n.ID, ir.NodeFailed, msg)
	x.logger.Warn("approval refused", "node_id", n.ID, "approval_id", a.ID, "status", a.Status, "responder", a.Responder)
	hc.Event = ir.EventError
	hc.Err = errors.New(msg)
	x.dispatch(t, n, hc)
}

// withdrawApproval expires the pending request of an unmounted approval
// node.
func (x *Execution) withdrawApproval(ctx context.Context, nodeID, reason string) error {
	n, err := x.db.WithdrawApprovals(ctx, x.id, nodeID, reason, x.now())
	if err != nil {
		return err
	}
	if st := x.nodes[nodeID].Status; st == ir.NodeIdle || st == ir.NodeWaiting {
		x.setNodeStatus(nodeID, ir.NodeCanceled, reason)
	}
	if n > 0 {
		x.logger.Info("approval withdrawn", "node_id", nodeID, "reason", reason)
		x.publish(events.Event{Type: events.ApprovalDecided, NodeID: nodeID, Status: string(ir.ApprovalExpired), Message: reason})
	}
	return nil
}

// approvalResult is what an approval node's handlers receive as Result.
func approvalResult(a ir.Approval) ir.IRObject {
	return ir.Obj(
		ir.O("approval_id", ir.IRString(a.ID)),
		ir.O("approved", ir.IRBool(a.Status == ir.ApprovalApproved)),
		ir.O("status", ir.IRString(a.Status)),
		ir.O("responder", ir.IRString(a.Responder)),
		ir.O("comment", ir.IRString(a.Comment)),
	)
}
