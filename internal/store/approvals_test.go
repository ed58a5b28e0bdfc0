package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/ir"
)

func testApproval(id, execID, nodeID string, frame int64) ir.Approval {
	return ir.Approval{
		ID:             id,
		ExecutionID:    execID,
		NodeID:         nodeID,
		Path:           "plan/" + nodeID,
		Kind:           ir.ApprovalCommandExec,
		Prompt:         "Approve execution of: make deploy?",
		Payload:        ir.Obj(ir.O("command", ir.IRString("make deploy"))),
		RequestedFrame: frame,
		RequestedAt:    testEpoch,
	}
}

func TestEnsureApproval_OnePerMount(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	execID := createTestExecution(t, s, "exec-1")

	a, created, err := s.EnsureApproval(ctx, testApproval("ap-1", execID, "n1", 2))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ir.ApprovalPending, a.Status)

	again, created, err := s.EnsureApproval(ctx, testApproval("ap-2", execID, "n1", 2))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ap-1", again.ID)
	assert.Equal(t, ir.Obj(ir.O("command", ir.IRString("make deploy"))), again.Payload)

	remount, created, err := s.EnsureApproval(ctx, testApproval("ap-3", execID, "n1", 7))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ap-3", remount.ID)

	all, err := s.ListApprovals(ctx, execID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDecideApproval(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	execID := createTestExecution(t, s, "exec-1")
	_, _, err := s.EnsureApproval(ctx, testApproval("ap-1", execID, "n1", 0))
	require.NoError(t, err)

	at := testEpoch.Add(time.Minute)
	a, err := s.DecideApproval(ctx, "ap-1", true, "alice", "ship it", at)
	require.NoError(t, err)
	assert.Equal(t, ir.ApprovalApproved, a.Status)
	assert.Equal(t, at, a.RespondedAt)

	stored, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, a, stored)

	_, err = s.DecideApproval(ctx, "ap-1", false, "bob", "", at)
	assert.True(t, errors.Is(err, ErrApprovalDecided))
	_, err = s.ExpireApproval(ctx, "ap-1", "timeout", at)
	assert.True(t, errors.Is(err, ErrApprovalDecided))

	_, err = s.DecideApproval(ctx, "missing", true, "alice", "", at)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListApprovals_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	execID := createTestExecution(t, s, "exec-1")
	for _, id := range []string{"n1", "n2", "n3"} {
		_, _, err := s.EnsureApproval(ctx, testApproval("ap-"+id, execID, id, 0))
		require.NoError(t, err)
	}
	_, err := s.DecideApproval(ctx, "ap-n2", false, "alice", "no", testEpoch)
	require.NoError(t, err)

	pending, err := s.ListApprovals(ctx, execID, ir.ApprovalPending)
	require.NoError(t, err)
	ids := []string{}
	for _, a := range pending {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"ap-n1", "ap-n3"}, ids)

	denied, err := s.ListApprovals(ctx, execID, ir.ApprovalDenied)
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "no", denied[0].Comment)
}

func TestWithdrawApprovals_ExpiresPendingOnly(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	execID := createTestExecution(t, s, "exec-1")
	_, _, err := s.EnsureApproval(ctx, testApproval("ap-1", execID, "n1", 0))
	require.NoError(t, err)
	_, _, err = s.EnsureApproval(ctx, testApproval("ap-2", execID, "n1", 4))
	require.NoError(t, err)
	_, err = s.DecideApproval(ctx, "ap-1", true, "alice", "", testEpoch)
	require.NoError(t, err)

	n, err := s.WithdrawApprovals(ctx, execID, "n1", "node unmounted", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := s.GetApproval(ctx, "ap-2")
	require.NoError(t, err)
	assert.Equal(t, ir.ApprovalExpired, a.Status)
	assert.Equal(t, "node unmounted", a.Comment)
}

func TestDecidedWaitingApprovals(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	execID := createTestExecution(t, s, "exec-1")
	node := func(id string, status ir.NodeStatus, frame int64) ir.NodeInstance {
		return ir.NodeInstance{
			ExecutionID: execID, NodeID: id, Kind: ir.KindApproval, Path: "plan/" + id,
			Status: status, MountedAtFrame: frame, LastSeenFrame: frame, Mounted: true, UpdatedAt: testEpoch,
		}
	}
	require.NoError(t, s.UpsertNodeInstances(ctx, []ir.NodeInstance{
		node("waiting-decided", ir.NodeWaiting, 1),
		node("waiting-pending", ir.NodeWaiting, 1),
		node("applied", ir.NodeSucceeded, 1),
		node("remounted", ir.NodeWaiting, 5),
	}))
	for _, id := range []string{"waiting-decided", "waiting-pending", "applied", "remounted"} {
		_, _, err := s.EnsureApproval(ctx, testApproval("ap-"+id, execID, id, 1))
		require.NoError(t, err)
	}
	for _, id := range []string{"waiting-decided", "applied", "remounted"} {
		_, err := s.DecideApproval(ctx, "ap-"+id, true, "alice", "", testEpoch)
		require.NoError(t, err)
	}

	got, err := s.DecidedWaitingApprovals(ctx, execID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ap-waiting-decided", got[0].ID)
}
