package engine

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/state"
)

func quietRunner(t *testing.T, opts ...RunnerOption) *Runner {
	t.Helper()
	opts = append([]RunnerOption{WithRunnerLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	r, err := NewRunner(opts...)
	require.NoError(t, err)
	return r
}

func TestNewRunner_InvalidSchedule(t *testing.T) {
	_, err := NewRunner(WithSweepSchedule("every now and then"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every now and then")
}

func TestRunner_StartStop(t *testing.T) {
	r := quietRunner(t, WithSweepSchedule("@every 1h"))
	r.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, r.Stop(ctx))
}

func TestRunner_SweepWakesOnExternalChange(t *testing.T) {
	render := func(rc RenderContext) (*ir.Node, error) {
		if state.GetBool(rc.State, "approved") {
			return planWith(ir.N(ir.KindEnd, "finish", nil)), nil
		}
		return planWith(), nil
	}
	h := newHarness(t, render)
	x := h.start(t)
	r := quietRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, x) }()

	require.Eventually(t, func() bool {
		return slices.Contains(r.Watched(), x.ID()) && x.FrameSeq() >= 1
	}, 5*time.Second, 5*time.Millisecond)

	h.setState(t, x, "approved", ir.IRBool(true))
	r.Sweep(context.Background())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Serve did not finish after the sweep")
	}
	assert.Equal(t, ir.ExecutionCompleted, x.Status())
	assert.Empty(t, r.Watched())
}

func TestRunner_SweepWakesOnApprovalDecision(t *testing.T) {
	render := func(rc RenderContext) (*ir.Node, error) {
		if _, ok := rc.State.Get("results/" + deployID); ok {
			return planWith(approval("deploy"), ir.N(ir.KindEnd, "finish", nil)), nil
		}
		return planWith(approval("deploy")), nil
	}
	h := newHarness(t, render, noStorm)
	x := h.start(t)
	r := quietRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, x) }()

	var pending []ir.Approval
	require.Eventually(t, func() bool {
		var err error
		pending, err = h.db.ListApprovals(context.Background(), x.ID(), ir.ApprovalPending)
		if err != nil || len(pending) != 1 {
			return false
		}
		nodes, err := h.db.LoadNodeInstances(context.Background(), x.ID())
		return err == nil && nodes[deployID].Status == ir.NodeWaiting
	}, 5*time.Second, 5*time.Millisecond)

	// Decided the way the approve command does: straight in the store.
	_, err := h.db.DecideApproval(context.Background(), pending[0].ID, true, "alice", "", h.clock.Now())
	require.NoError(t, err)
	r.Sweep(context.Background())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Serve did not finish after the sweep")
	}
	assert.Equal(t, ir.ExecutionCompleted, x.Status())
}

func TestRunner_ServeReturnsOnContextEnd(t *testing.T) {
	h := newHarness(t, staticRender(emptyPlan))
	x := h.start(t)
	r := quietRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, x) }()

	require.Eventually(t, func() bool { return x.FrameSeq() >= 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, ir.ExecutionRunning, x.Status())
}
