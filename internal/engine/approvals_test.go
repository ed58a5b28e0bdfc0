package engine

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/events"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/state"
	"github.com/evmts/smithers/internal/store"
	"github.com/evmts/smithers/internal/testutil"
)

var deployID = ir.NodeID(planID, "deploy", ir.KindApproval)

func approval(key string, props ...ir.IRPair) *ir.Node {
	base := []ir.IRPair{
		ir.O(ir.PropApprovalKind, ir.IRString(ir.ApprovalCommandExec)),
		ir.O(ir.PropPayload, ir.Obj(ir.O("command", ir.IRString("make deploy")))),
	}
	return ir.N(ir.KindApproval, key, ir.Obj(append(base, props...)...)).On(ir.EventFinished, ir.EventError)
}

func pendingApproval(t *testing.T, h *harness, x *Execution) ir.Approval {
	t.Helper()
	pending, err := h.db.ListApprovals(context.Background(), x.ID(), ir.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func TestApproval_GrantResumesNode(t *testing.T) {
	h := newHarness(t, staticRender(func() *ir.Node { return planWith(approval("deploy")) }), noStorm)
	sub := h.bus.Subscribe(16)
	defer sub.Close()
	x := h.start(t)

	h.tick(t, x, TriggerStart)
	assert.Equal(t, ir.NodeWaiting, h.node(t, x, deployID).Status)
	a := pendingApproval(t, h, x)
	assert.Equal(t, "Approve execution of: make deploy?", a.Prompt)
	assert.Equal(t, ir.ApprovalCommandExec, a.Kind)
	assert.True(t, a.ExpiresAt.IsZero())

	res := h.tick(t, x, TriggerStateChanged)
	assert.True(t, res.Idle, "an open-ended request does not keep the run loop busy")
	assert.Zero(t, res.Waiting)
	assert.Equal(t, a.ID, pendingApproval(t, h, x).ID, "one request per mount")

	decided, err := x.Decide(context.Background(), a.ID, true, "alice", "ship it")
	require.NoError(t, err)
	assert.Equal(t, ir.ApprovalApproved, decided.Status)

	res = h.tick(t, x, TriggerExternal)
	assert.Equal(t, []string{deployID}, res.Completed)
	assert.Equal(t, ir.NodeSucceeded, h.node(t, x, deployID).Status)
	assert.Equal(t, ir.Obj(
		ir.O("approval_id", ir.IRString(a.ID)),
		ir.O("approved", ir.IRBool(true)),
		ir.O("status", ir.IRString(ir.ApprovalApproved)),
		ir.O("responder", ir.IRString("alice")),
		ir.O("comment", ir.IRString("ship it")),
	), h.state(t, x)["results/"+deployID])

	var types []events.Type
	for _, e := range drain(sub) {
		if e.NodeID == deployID {
			types = append(types, e.Type)
		}
	}
	assert.True(t, slices.Contains(types, events.ApprovalRequested))
	assert.True(t, slices.Contains(types, events.ApprovalDecided))

	_, err = x.Decide(context.Background(), a.ID, false, "bob", "")
	assert.ErrorIs(t, err, store.ErrApprovalDecided)
}

func TestApproval_DenyFailsNode(t *testing.T) {
	h := newHarness(t, staticRender(func() *ir.Node { return planWith(approval("deploy")) }), noStorm)
	x := h.start(t)
	h.tick(t, x, TriggerStart)

	_, err := x.Decide(context.Background(), pendingApproval(t, h, x).ID, false, "alice", "too risky")
	require.NoError(t, err)
	h.tick(t, x, TriggerExternal)

	node := h.node(t, x, deployID)
	assert.Equal(t, ir.NodeFailed, node.Status)
	assert.Equal(t, "approval denied: too risky", node.LastError)
	stored := h.state(t, x)["errors/"+deployID].(ir.IRObject)
	assert.Equal(t, ir.IRString("approval denied: too risky"), stored["message"])
	assert.Equal(t, ir.IRString(ir.ApprovalDenied), stored["status"])
	_, ok := h.state(t, x)["results/"+deployID]
	assert.False(t, ok)
}

func TestApproval_ExpiresAtDeadline(t *testing.T) {
	render := staticRender(func() *ir.Node {
		return planWith(approval("deploy", ir.O(ir.PropTimeoutMS, ir.IRInt(60_000))))
	})
	h := newHarness(t, render, noStorm)
	x := h.start(t)

	res := h.tick(t, x, TriggerStart)
	assert.Equal(t, 1, res.Waiting)
	assert.Equal(t, h.clock.Now().Add(time.Minute), res.NextWake)

	h.clock.Advance(59 * time.Second)
	res = h.tick(t, x, TriggerTimer)
	assert.False(t, res.Idle)
	assert.Equal(t, ir.NodeWaiting, h.node(t, x, deployID).Status)

	h.clock.Advance(time.Second)
	res = h.tick(t, x, TriggerTimer)
	assert.Equal(t, []string{deployID}, res.Completed)
	node := h.node(t, x, deployID)
	assert.Equal(t, ir.NodeFailed, node.Status)
	assert.Equal(t, "approval expired: no decision before deadline", node.LastError)

	all, err := h.db.ListApprovals(context.Background(), x.ID(), "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ir.ApprovalExpired, all[0].Status)
}

func TestApproval_UnmountWithdrawsRequest(t *testing.T) {
	render := func(rc RenderContext) (*ir.Node, error) {
		if state.GetBool(rc.State, "skip") {
			return planWith(), nil
		}
		return planWith(approval("deploy")), nil
	}
	h := newHarness(t, render, noStorm)
	x := h.start(t)
	h.tick(t, x, TriggerStart)
	a := pendingApproval(t, h, x)

	h.setState(t, x, "skip", ir.IRBool(true))
	res := h.tick(t, x, TriggerExternal)
	assert.Equal(t, []string{deployID}, res.Unmounted)
	assert.Equal(t, ir.NodeCanceled, h.node(t, x, deployID).Status)

	got, err := h.db.GetApproval(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.ApprovalExpired, got.Status)
	assert.Equal(t, "node unmounted", got.Comment)
}

func TestApproval_DecisionAppliedAfterResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, staticRender(func() *ir.Node { return planWith(approval("deploy")) }), noStorm)
	x := h.start(t)
	h.tick(t, x, TriggerStart)
	a := pendingApproval(t, h, x)
	require.NoError(t, x.Close(ctx))

	// Decided from another process while no engine ran the execution.
	_, err := h.db.DecideApproval(ctx, a.ID, true, "alice", "", h.clock.Now())
	require.NoError(t, err)

	y := h.resume(t, x.ID())
	assert.Equal(t, ir.NodeWaiting, y.Nodes()[deployID].Status)
	h.tick(t, y, TriggerResume)
	assert.Equal(t, ir.NodeSucceeded, h.node(t, y, deployID).Status)

	all, err := h.db.ListApprovals(ctx, y.ID(), "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "the resumed mount reuses its request")
}

func TestApproval_DecideRejectsForeignExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, staticRender(func() *ir.Node { return planWith(approval("deploy")) }), noStorm)
	x := h.start(t)
	other := h.start(t)
	h.tick(t, other, TriggerStart)
	a := pendingApproval(t, h, other)

	_, err := x.Decide(ctx, a.ID, true, "alice", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, ir.ApprovalPending, pendingApproval(t, h, other).Status)
}

func TestArtifacts_StoredByAttempt(t *testing.T) {
	h := newHarness(t, staticRender(func() *ir.Node { return planWith(agent("research")) }), noStorm)
	report := ir.MarkdownArtifact("report", "# sources")
	report.Key = "report"
	h.exec.On(agentID, testutil.Outcome{Result: ir.IRString("done"), Artifacts: []ir.Artifact{report}})
	sub := h.bus.Subscribe(16, events.ArtifactWritten)
	defer sub.Close()
	x := h.start(t)

	res := h.tick(t, x, TriggerStart)
	startFrame := res.FrameSeq
	awaitWorkers(t, x)
	h.tick(t, x, TriggerTaskCompleted)

	stored, err := h.db.ListArtifacts(context.Background(), x.ID(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, agentID, stored[0].NodeID)
	assert.Equal(t, startFrame, stored[0].FrameID)
	assert.Equal(t, ir.IRString("# sources"), stored[0].Content)

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, stored[0].ID, evs[0].Key)
	assert.Equal(t, "report", evs[0].Message)
}
