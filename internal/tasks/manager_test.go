package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

const execID = "exec-1"

type harness struct {
	db  *store.Store
	mgr *Manager
}

func newHarness(t *testing.T, exec Executor, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.CreateExecution(ctx, ir.Execution{ID: execID, Status: ir.ExecutionRunning, CreatedAt: testEpoch}))

	base := []Option{
		WithClock(func() time.Time { return testEpoch }),
		WithBackoff(Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2}),
		WithOwner("owner-a"),
	}
	mgr := NewManager(db, execID, exec, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Close(ctx)
	})
	return &harness{db: db, mgr: mgr}
}

func (h *harness) start(t *testing.T, spec Spec) ir.Task {
	t.Helper()
	task, err := h.mgr.Schedule(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, h.mgr.Start(context.Background(), task, spec, nil))
	return task
}

func waitCompletions(t *testing.T, m *Manager, n int) []Completion {
	t.Helper()
	var out []Completion
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case <-m.Done():
			out = append(out, m.Completions()...)
		case <-deadline:
			t.Fatalf("timed out waiting for %d completions, got %d", n, len(out))
		}
	}
	return out
}

func returns(v ir.IRValue, err error) ExecutorFunc {
	return func(context.Context, Request, ProgressFunc) (ir.IRValue, error) { return v, err }
}

func blockUntilCanceled() ExecutorFunc {
	return func(ctx context.Context, _ Request, _ ProgressFunc) (ir.IRValue, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestManager_Success(t *testing.T) {
	h := newHarness(t, returns(ir.IRString("answer"), nil))
	task := h.start(t, Spec{NodeID: "n1", Kind: ir.KindAgent, Target: "anthropic:sonnet", MaxRetries: 2})

	cs := waitCompletions(t, h.mgr, 1)
	c := cs[0]
	assert.Equal(t, ir.TaskSucceeded, c.Status)
	assert.Equal(t, ir.IRString("answer"), c.Result)
	assert.Nil(t, c.Next)
	assert.NoError(t, c.Err)

	row, err := h.db.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ir.TaskSucceeded, row.Status)
	assert.Equal(t, ir.IRString("answer"), row.Result)
	assert.Empty(t, row.LeaseOwner)
}

func TestManager_RetryableFailureSchedulesNextAttempt(t *testing.T) {
	h := newHarness(t, returns(nil, HTTPError(503, "overloaded", 0)))
	task := h.start(t, Spec{NodeID: "n1", Kind: ir.KindTool, MaxRetries: 2})

	c := waitCompletions(t, h.mgr, 1)[0]
	assert.Equal(t, ir.TaskFailed, c.Status)
	assert.True(t, c.Class.Retryable)
	require.NotNil(t, c.Next)
	assert.Equal(t, 1, c.Next.RetryCount)
	assert.Equal(t, testEpoch.Add(time.Second), c.Next.NextRetryAt)
	assert.Equal(t, int64(1000), c.Next.BackoffMS)

	rows, err := h.db.TasksForNode(context.Background(), execID, "n1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, task.TaskID, rows[0].TaskID)
	assert.Equal(t, ir.TaskFailed, rows[0].Status)
	assert.Equal(t, ir.TaskScheduled, rows[1].Status)
	assert.Equal(t, testEpoch.Add(time.Second), rows[1].NextRetryAt)
}

func TestManager_ReleaseBeforeCompletion(t *testing.T) {
	h := newHarness(t, returns(ir.IRString("ok"), nil))
	spec := Spec{NodeID: "n1", Kind: ir.KindTool, Target: "tool:grep"}
	task, err := h.mgr.Schedule(context.Background(), spec)
	require.NoError(t, err)

	var released atomic.Int32
	require.NoError(t, h.mgr.Start(context.Background(), task, spec, func() { released.Add(1) }))

	waitCompletions(t, h.mgr, 1)
	assert.Equal(t, int32(1), released.Load(), "slot must be free once the completion is visible")

	// The worker has exited after Close; the slot was released only once.
	require.NoError(t, h.mgr.Close(context.Background()))
	assert.Equal(t, int32(1), released.Load())
}

func TestManager_NonRetryableIsTerminal(t *testing.T) {
	h := newHarness(t, returns(nil, HTTPError(401, "bad key", 0)))
	h.start(t, Spec{NodeID: "n1", Kind: ir.KindTool, MaxRetries: 3})

	c := waitCompletions(t, h.mgr, 1)[0]
	assert.Equal(t, ir.TaskFailed, c.Status)
	assert.False(t, c.Class.Retryable)
	assert.Nil(t, c.Next)
}

func TestManager_RetriesExhausted(t *testing.T) {
	h := newHarness(t, returns(nil, errors.New("connection refused")))
	spec := Spec{NodeID: "n1", Kind: ir.KindTool, MaxRetries: 1}
	h.start(t, spec)

	first := waitCompletions(t, h.mgr, 1)[0]
	require.NotNil(t, first.Next)
	require.NoError(t, h.mgr.Start(context.Background(), *first.Next, spec, nil))

	second := waitCompletions(t, h.mgr, 1)[0]
	assert.Equal(t, ir.TaskFailed, second.Status)
	assert.Nil(t, second.Next)
	assert.Equal(t, 1, second.Task.RetryCount)
}

func TestManager_TimeoutIsDistinctFromFailure(t *testing.T) {
	h := newHarness(t, blockUntilCanceled())
	h.start(t, Spec{NodeID: "n1", Kind: ir.KindAgent, Timeout: 20 * time.Millisecond})

	c := waitCompletions(t, h.mgr, 1)[0]
	assert.Equal(t, ir.TaskTimeout, c.Status)
	assert.True(t, c.Class.Timeout)
	assert.ErrorIs(t, c.Err, ErrTimeout)
}

func TestManager_CancelAcknowledged(t *testing.T) {
	h := newHarness(t, blockUntilCanceled())
	task := h.start(t, Spec{NodeID: "n1", Kind: ir.KindAgent})

	assert.True(t, h.mgr.Cancel(task.TaskID))
	c := waitCompletions(t, h.mgr, 1)[0]
	assert.Equal(t, ir.TaskCanceled, c.Status)
	assert.True(t, c.Canceled)
	assert.False(t, c.Stale)
	assert.False(t, h.mgr.Cancel(task.TaskID))
}

func TestManager_CancelIgnoredYieldsStaleResult(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ Request, _ ProgressFunc) (ir.IRValue, error) {
		<-release
		return ir.IRString("late"), nil
	})
	h := newHarness(t, exec)
	task := h.start(t, Spec{NodeID: "n1", Kind: ir.KindAgent})

	require.True(t, h.mgr.Cancel(task.TaskID))
	close(release)

	c := waitCompletions(t, h.mgr, 1)[0]
	assert.True(t, c.Stale)
	var stale *StaleResultError
	assert.ErrorAs(t, c.Err, &stale)

	row, err := h.db.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.True(t, row.Stale)
	assert.Equal(t, ir.IRString("late"), row.Result)
}

type recordingLimiter struct {
	mu      sync.Mutex
	targets []string
	until   time.Time
}

func (r *recordingLimiter) ReportRateLimit(target string, _ time.Duration) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	return r.until
}

func TestManager_RateLimitedRetryWaitsForWindow(t *testing.T) {
	limiter := &recordingLimiter{until: testEpoch.Add(90 * time.Second)}
	h := newHarness(t, returns(nil, errors.New("429: rate limit exceeded")), WithRateLimiter(limiter))
	h.start(t, Spec{NodeID: "n1", Kind: ir.KindAgent, Target: "anthropic:sonnet", MaxRetries: 3})

	c := waitCompletions(t, h.mgr, 1)[0]
	assert.True(t, c.Class.RateLimited)
	require.NotNil(t, c.Next)
	assert.Equal(t, limiter.until, c.Next.NextRetryAt)
	assert.Equal(t, []string{"anthropic:sonnet"}, limiter.targets)
}

func TestManager_LeaseConflict(t *testing.T) {
	h := newHarness(t, blockUntilCanceled())
	ctx := context.Background()
	spec := Spec{NodeID: "n1", Kind: ir.KindAgent}

	h.start(t, spec)
	second, err := h.mgr.Schedule(ctx, spec)
	require.NoError(t, err)

	err = h.mgr.Start(ctx, second, spec, nil)
	assert.ErrorIs(t, err, ErrLeaseConflict)
	assert.Len(t, h.mgr.Running(), 1)
}

func TestManager_LeaseLostStopsWorker(t *testing.T) {
	h := newHarness(t, blockUntilCanceled(), WithLease(time.Minute, 10*time.Millisecond))
	task := h.start(t, Spec{NodeID: "n1", Kind: ir.KindAgent})

	_, err := h.db.DB().Exec(`UPDATE tasks SET lease_owner = 'owner-b' WHERE task_id = ?`, task.TaskID)
	require.NoError(t, err)

	c := waitCompletions(t, h.mgr, 1)[0]
	assert.True(t, c.LeaseLost)

	row, err := h.db.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "owner-b", row.LeaseOwner, "the new owner's claim is untouched")
}

func TestManager_ProgressIsQueued(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, _ Request, progress ProgressFunc) (ir.IRValue, error) {
		progress(ir.IRString("halfway"))
		return ir.IRBool(true), nil
	})
	h := newHarness(t, exec)
	h.start(t, Spec{NodeID: "n1", Kind: ir.KindAgent})
	waitCompletions(t, h.mgr, 1)

	ps := h.mgr.ProgressUpdates()
	require.Len(t, ps, 1)
	assert.Equal(t, "n1", ps[0].NodeID)
	assert.Equal(t, ir.IRString("halfway"), ps[0].Value)
}

func TestManager_ArtifactsAreStamped(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, req Request, _ ProgressFunc) (ir.IRValue, error) {
		a := ir.MarkdownArtifact("summary", "# findings")
		a.Key = "summary"
		if _, err := req.Artifacts(ctx, a); err != nil {
			return nil, err
		}
		return ir.IRBool(true), nil
	})
	var hooked []ir.Artifact
	var mu sync.Mutex
	h := newHarness(t, exec, WithArtifactHook(func(a ir.Artifact) {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, a)
	}))
	h.start(t, Spec{NodeID: "n1", Kind: ir.KindAgent, FrameSeq: 4})
	c := waitCompletions(t, h.mgr, 1)[0]
	require.Equal(t, ir.TaskSucceeded, c.Status)

	stored, err := h.db.ListArtifacts(context.Background(), execID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	a := stored[0]
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, execID, a.ExecutionID)
	assert.Equal(t, "n1", a.NodeID)
	assert.Equal(t, int64(4), a.FrameID)
	assert.Equal(t, testEpoch, a.CreatedAt)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hooked, 1)
	assert.Equal(t, a.ID, hooked[0].ID)
}

func TestManager_CompletionsSortedByNode(t *testing.T) {
	h := newHarness(t, returns(ir.IRInt(1), nil))
	for _, id := range []string{"n3", "n1", "n2"} {
		h.start(t, Spec{NodeID: id, Kind: ir.KindTool})
	}
	cs := waitCompletions(t, h.mgr, 3)
	sortCompletions(cs)
	assert.Equal(t, "n1", cs[0].Task.NodeID)
	assert.Equal(t, "n3", cs[2].Task.NodeID)
}

func TestManager_PanicBecomesFailure(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, Request, ProgressFunc) (ir.IRValue, error) {
		panic("boom")
	})
	h := newHarness(t, exec)
	h.start(t, Spec{NodeID: "n1", Kind: ir.KindTool})

	c := waitCompletions(t, h.mgr, 1)[0]
	assert.Equal(t, ir.TaskFailed, c.Status)
	assert.ErrorContains(t, c.Err, "panicked")
}

func TestManager_CloseCancelsWorkers(t *testing.T) {
	h := newHarness(t, blockUntilCanceled())
	task := h.start(t, Spec{NodeID: "n1", Kind: ir.KindAgent})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Close(ctx))

	row, err := h.db.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ir.TaskCanceled, row.Status)

	next, err := h.mgr.Schedule(context.Background(), Spec{NodeID: "n2"})
	require.NoError(t, err)
	assert.ErrorIs(t, h.mgr.Start(context.Background(), next, Spec{NodeID: "n2"}, nil), ErrManagerClosed)
}

func TestManager_RecoverOrphans(t *testing.T) {
	h := newHarness(t, returns(nil, nil))
	ctx := context.Background()
	require.NoError(t, h.db.CreateTask(ctx, ir.Task{
		TaskID: "orphan", ExecutionID: execID, NodeID: "n1", Status: ir.TaskRunning,
		LeaseOwner: "crashed", LeaseExpiresAt: testEpoch.Add(-time.Minute), MaxRetries: 2, CreatedAt: testEpoch,
	}))

	recovered, err := h.mgr.RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.False(t, recovered[0].Abandoned)
	assert.Equal(t, 1, recovered[0].Task.RetryCount)
}
