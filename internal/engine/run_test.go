package engine

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/state"
	"github.com/evmts/smithers/internal/testutil"
)

func TestRun_UntilIdle(t *testing.T) {
	// research runs first; summarize mounts once its result is in state.
	summarizeID := ir.NodeID(planID, "summarize", ir.KindAgent)
	render := func(rc RenderContext) (*ir.Node, error) {
		children := []*ir.Node{agent("research")}
		if _, ok := rc.State.Get("results/" + agentID); ok {
			children = append(children, agent("summarize"))
		}
		return planWith(children...), nil
	}
	h := newHarness(t, render, noStorm)
	h.exec.On(agentID, testutil.Outcome{Result: ir.IRString("sources")})
	h.exec.On(summarizeID, testutil.Outcome{Result: ir.IRString("summary")})
	x := h.start(t)

	require.NoError(t, x.Run(context.Background()))
	assert.Equal(t, ir.ExecutionRunning, x.Status())

	st := h.state(t, x)
	assert.Equal(t, ir.IRString("sources"), st["results/"+agentID])
	assert.Equal(t, ir.IRString("summary"), st["results/"+summarizeID])
	assert.Equal(t, 1, h.exec.Attempts(agentID))
	assert.Equal(t, 1, h.exec.Attempts(summarizeID))

	nodes := x.Nodes()
	assert.Equal(t, ir.NodeSucceeded, nodes[agentID].Status)
	assert.Equal(t, ir.NodeSucceeded, nodes[summarizeID].Status)

	frame, ok, err := h.db.LastFrame(context.Background(), x.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, x.FrameSeq(), frame.Seq)
}

func TestRun_ResumeTriggerAfterFrames(t *testing.T) {
	h := newHarness(t, staticRender(emptyPlan))
	x := h.start(t)
	require.NoError(t, x.Run(context.Background()))

	y := h.resume(t, x.ID())
	require.NoError(t, y.Run(context.Background()))

	frames, err := h.db.FramesSince(context.Background(), x.ID(), -1, 100)
	require.NoError(t, err)
	triggers := make([]string, len(frames))
	for i, f := range frames {
		triggers[i] = f.TriggerReason
	}
	assert.Equal(t, TriggerStart, triggers[0])
	assert.True(t, slices.Contains(triggers, TriggerResume), "triggers: %v", triggers)
}

func TestRun_StopWhileWaiting(t *testing.T) {
	h := newHarness(t, staticRender(func() *ir.Node { return planWith(agent("research")) }))
	h.exec.On(agentID, testutil.Outcome{Gate: make(chan struct{})})
	x := h.start(t)

	done := make(chan error, 1)
	go func() { done <- x.Run(context.Background()) }()

	select {
	case <-h.exec.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	x.Stop("operator says enough")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, ir.ExecutionStopped, x.Status())
	assert.Equal(t, "operator says enough", x.Reason())

	require.Eventually(t, func() bool {
		attempts, err := h.db.TasksForNode(context.Background(), x.ID(), agentID)
		return err == nil && len(attempts) == 1 && attempts[0].Status == ir.TaskCanceled
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRun_ContextCancel(t *testing.T) {
	h := newHarness(t, staticRender(func() *ir.Node { return planWith(agent("research")) }))
	h.exec.On(agentID, testutil.Outcome{Gate: make(chan struct{})})
	x := h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx) }()

	<-h.exec.Started()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	// Canceling the caller's context leaves the execution resumable.
	assert.Equal(t, ir.ExecutionRunning, x.Status())
}

func TestRun_AgainAfterExternalWrite(t *testing.T) {
	render := func(rc RenderContext) (*ir.Node, error) {
		if state.GetBool(rc.State, "done") {
			return planWith(ir.N(ir.KindEnd, "finish", ir.Obj(ir.O(ir.PropMessage, ir.IRString("approved"))))), nil
		}
		return planWith(), nil
	}
	h := newHarness(t, render)
	x := h.start(t)
	require.NoError(t, x.Run(context.Background()))
	require.Equal(t, ir.ExecutionRunning, x.Status())

	h.setState(t, x, "done", ir.IRBool(true))
	require.NoError(t, x.Run(context.Background()))
	assert.Equal(t, ir.ExecutionCompleted, x.Status())
	assert.Equal(t, "approved", x.Reason())
}
