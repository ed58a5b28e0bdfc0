package tasks

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/store"
)

// Defaults.
const (
	DefaultLeaseDuration     = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

var (
	// ErrLeaseConflict is returned by Start when another owner holds the
	// node's lease or the task is no longer scheduled.
	ErrLeaseConflict = store.ErrLeaseConflict

	// ErrManagerClosed is returned by Start after Close.
	ErrManagerClosed = errors.New("task manager closed")

	errCanceled  = errors.New("canceled by engine")
	errLeaseLost = errors.New("lease lost")
)

// StaleResultError describes a result that arrived for a node that had
// already unmounted. It is logged and never reaches a handler.
type StaleResultError struct {
	TaskID string
	NodeID string
}

func (e *StaleResultError) Error() string {
	return fmt.Sprintf("stale result for task %s of unmounted node %s", e.TaskID, e.NodeID)
}

// RateLimitReporter receives rate-limit failures and returns the end of the
// target's backoff window.
type RateLimitReporter interface {
	ReportRateLimit(target string, retryAfter time.Duration) time.Time
}

type worker struct {
	task     ir.Task
	cancel   context.CancelCauseFunc
	canceled bool
}

// Manager runs the tasks of one execution.
type Manager struct {
	db          *store.Store
	executionID string
	owner       string
	exec        Executor
	lease       time.Duration
	heartbeat   time.Duration
	backoff     Backoff
	limiter     RateLimitReporter
	now         func() time.Time
	logger      *slog.Logger
	onArtifact  func(ir.Artifact)

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	workers  map[string]*worker
	closed   bool
	idMu     sync.Mutex
	entropy  *ulid.MonotonicEntropy
	done     *queue[Completion]
	progress *queue[Progress]
}

// Option configures a Manager.
type Option func(*Manager)

// WithOwner sets the lease owner id. Defaults to a fresh UUIDv7.
func WithOwner(owner string) Option {
	return func(m *Manager) {
		if owner != "" {
			m.owner = owner
		}
	}
}

// WithLease sets the lease duration and heartbeat interval.
func WithLease(lease, heartbeat time.Duration) Option {
	return func(m *Manager) {
		if lease > 0 {
			m.lease = lease
		}
		if heartbeat > 0 {
			m.heartbeat = heartbeat
		}
	}
}

// WithBackoff sets the retry backoff policy.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

// WithRateLimiter routes rate-limit failures to r.
func WithRateLimiter(r RateLimitReporter) Option {
	return func(m *Manager) { m.limiter = r }
}

// WithClock overrides the time source used for persisted timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithArtifactHook calls fn after each artifact a worker stores.
func WithArtifactHook(fn func(ir.Artifact)) Option {
	return func(m *Manager) { m.onArtifact = fn }
}

// NewManager creates a manager for one execution.
func NewManager(db *store.Store, executionID string, exec Executor, opts ...Option) *Manager {
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		db:          db,
		executionID: executionID,
		owner:       uuid.Must(uuid.NewV7()).String(),
		exec:        exec,
		lease:       DefaultLeaseDuration,
		heartbeat:   DefaultHeartbeatInterval,
		backoff:     DefaultBackoff(),
		now:         time.Now,
		logger:      slog.Default(),
		base:        base,
		stop:        stop,
		workers:     make(map[string]*worker),
		entropy:     ulid.Monotonic(rand.Reader, 0),
		done:        newQueue[Completion](),
		progress:    newQueue[Progress](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the lease owner id of this manager.
func (m *Manager) Owner() string { return m.owner }

func (m *Manager) newTaskID() string {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(m.now()), m.entropy).String()
}

// Schedule inserts a scheduled task row for a runnable node.
func (m *Manager) Schedule(ctx context.Context, spec Spec) (ir.Task, error) {
	now := m.now()
	t := ir.Task{
		TaskID:      m.newTaskID(),
		ExecutionID: m.executionID,
		NodeID:      spec.NodeID,
		Target:      spec.Target,
		Status:      ir.TaskScheduled,
		MaxRetries:  spec.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.db.CreateTask(ctx, t); err != nil {
		return ir.Task{}, fmt.Errorf("schedule node %s: %w", spec.NodeID, err)
	}
	return t, nil
}

// Start claims the lease of a scheduled task and runs it on a new worker.
// release, if not nil, is called once when the worker exits, before its
// Completion is queued.
// Returns an error wrapping ErrLeaseConflict when the lease is held.
func (m *Manager) Start(ctx context.Context, t ir.Task, spec Spec, release func()) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.mu.Unlock()

	now := m.now()
	if err := m.db.AcquireLease(ctx, t.TaskID, m.owner, now, m.lease); err != nil {
		return err
	}
	t.Status = ir.TaskRunning
	t.LeaseOwner = m.owner
	t.LeaseExpiresAt = now.Add(m.lease)
	t.HeartbeatAt = now

	wctx, cancel := context.WithCancelCause(m.base)
	w := &worker{task: t, cancel: cancel}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel(errCanceled)
		m.finish(t, nil, errCanceled, true, false)
		return ErrManagerClosed
	}
	m.workers[t.TaskID] = w
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(wctx, w, spec, release)
	return nil
}

func (m *Manager) run(ctx context.Context, w *worker, spec Spec, release func()) {
	defer m.wg.Done()
	if release == nil {
		release = func() {}
	}
	release = sync.OnceFunc(release)
	defer release()
	defer w.cancel(nil)

	t := w.task
	hbDone := make(chan struct{})
	go m.heartbeatLoop(ctx, w, hbDone)

	execCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeoutCause(ctx, spec.Timeout, ErrTimeout)
		defer cancel()
	}

	req := Request{
		TaskID:      t.TaskID,
		ExecutionID: t.ExecutionID,
		NodeID:      t.NodeID,
		Kind:        spec.Kind,
		Target:      t.Target,
		Props:       spec.Props,
		Attempt:     t.RetryCount + 1,
		Artifacts:   m.artifactSink(t, spec.FrameSeq),
	}
	progress := func(v ir.IRValue) {
		m.progress.push(Progress{TaskID: t.TaskID, NodeID: t.NodeID, Value: v, At: m.now()})
	}

	result, err := m.invoke(execCtx, req, progress)
	if err != nil && context.Cause(execCtx) == ErrTimeout && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrTimeout, spec.Timeout)
	}

	w.cancel(nil)
	<-hbDone

	m.mu.Lock()
	canceled := w.canceled
	delete(m.workers, t.TaskID)
	m.mu.Unlock()

	c := m.finish(t, result, err, canceled, context.Cause(ctx) == errLeaseLost)
	// A tick draining c may start a sibling on the same target.
	release()
	m.done.push(c)
}

func (m *Manager) artifactSink(t ir.Task, frame int64) ArtifactFunc {
	return func(ctx context.Context, a ir.Artifact) (ir.Artifact, error) {
		if a.ID == "" {
			a.ID = uuid.Must(uuid.NewV7()).String()
		}
		now := m.now()
		a.ExecutionID, a.NodeID, a.FrameID = t.ExecutionID, t.NodeID, frame
		a.CreatedAt, a.UpdatedAt = now, now
		stored, err := m.db.PutArtifact(ctx, a)
		if err != nil {
			return ir.Artifact{}, fmt.Errorf("store artifact %q of %s: %w", a.Name, t.NodeID, err)
		}
		m.logger.Debug("artifact stored", "node_id", t.NodeID, "task_id", t.TaskID, "artifact_id", stored.ID, "type", stored.Type)
		if m.onArtifact != nil {
			m.onArtifact(stored)
		}
		return stored, nil
	}
}

func (m *Manager) invoke(ctx context.Context, req Request, progress ProgressFunc) (result ir.IRValue, err error) {
	defer func() {
		if v := recover(); v != nil {
			result = nil
			err = fmt.Errorf("executor panicked: %v", v)
		}
	}()
	return m.exec.Execute(ctx, req, progress)
}

func (m *Manager) heartbeatLoop(ctx context.Context, w *worker, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.db.Heartbeat(context.WithoutCancel(ctx), w.task.TaskID, m.owner, m.now(), m.lease)
			if errors.Is(err, store.ErrLeaseLost) {
				m.logger.Warn("lease lost", "task_id", w.task.TaskID, "node_id", w.task.NodeID)
				w.cancel(errLeaseLost)
				return
			}
			if err != nil {
				m.logger.Warn("heartbeat failed", "task_id", w.task.TaskID, "error", err)
			}
		}
	}
}

// finish persists the outcome of an attempt and builds its Completion.
func (m *Manager) finish(t ir.Task, result ir.IRValue, err error, canceled, leaseLost bool) Completion {
	ctx := context.Background()
	now := m.now()
	c := Completion{Task: t, Result: result, Err: err, Canceled: canceled, LeaseLost: leaseLost}

	if leaseLost {
		c.Status = t.Status
		return c
	}

	var out store.TaskOutcome
	switch {
	case canceled && err == nil:
		out = store.TaskOutcome{Status: ir.TaskSucceeded, Result: result, Stale: true}
		c.Stale = true
		c.Err = &StaleResultError{TaskID: t.TaskID, NodeID: t.NodeID}
	case canceled:
		out = store.TaskOutcome{Status: ir.TaskCanceled, LastError: err.Error()}
	case err == nil:
		out = store.TaskOutcome{Status: ir.TaskSucceeded, Result: result}
	default:
		c.Class = Classify(err)
		status := ir.TaskFailed
		if c.Class.Timeout {
			status = ir.TaskTimeout
		}
		out = store.TaskOutcome{Status: status, LastError: err.Error()}

		if c.Class.RateLimited && m.limiter != nil {
			c.RetryAt = m.limiter.ReportRateLimit(t.Target, c.Class.RetryAfter)
		}
		if c.Class.Retryable && t.RetryCount < t.MaxRetries {
			delay := m.backoff.Delay(t.RetryCount)
			if c.Class.RetryAfter > delay {
				delay = c.Class.RetryAfter
			}
			retryAt := now.Add(delay)
			if c.RetryAt.After(retryAt) {
				retryAt = c.RetryAt
			}
			next := ir.Task{
				TaskID:      m.newTaskID(),
				ExecutionID: t.ExecutionID,
				NodeID:      t.NodeID,
				Target:      t.Target,
				Status:      ir.TaskScheduled,
				RetryCount:  t.RetryCount + 1,
				MaxRetries:  t.MaxRetries,
				NextRetryAt: retryAt,
				BackoffMS:   retryAt.Sub(now).Milliseconds(),
				LastError:   err.Error(),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if perr := m.db.RetryTask(ctx, t.TaskID, m.owner, out, next, now); perr != nil {
				return m.persistFailed(c, perr)
			}
			c.Status = out.Status
			c.Next = &next
			c.RetryAt = retryAt
			c.Task.Status = out.Status
			c.Task.LastError = out.LastError
			return c
		}
	}

	if perr := m.db.FinishTask(ctx, t.TaskID, m.owner, out, now); perr != nil {
		return m.persistFailed(c, perr)
	}
	c.Status = out.Status
	c.Task.Status = out.Status
	c.Task.Result = out.Result
	c.Task.LastError = out.LastError
	c.Task.Stale = out.Stale
	c.Task.LeaseOwner = ""
	c.Task.LeaseExpiresAt = time.Time{}
	return c
}

func (m *Manager) persistFailed(c Completion, err error) Completion {
	if errors.Is(err, store.ErrLeaseLost) {
		m.logger.Warn("lease lost before finish", "task_id", c.Task.TaskID, "node_id", c.Task.NodeID)
		c.LeaseLost = true
		c.Status = c.Task.Status
		return c
	}
	m.logger.Error("persist task outcome", "task_id", c.Task.TaskID, "error", err)
	c.LeaseLost = true
	c.Status = c.Task.Status
	c.Err = errors.Join(c.Err, err)
	return c
}

// Cancel asks a running task to stop. It reports whether a worker was
// running. The outcome still arrives as a Completion.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[taskID]
	if !ok {
		return false
	}
	w.canceled = true
	w.cancel(errCanceled)
	return true
}

// CancelAll cancels every running task.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.canceled = true
		w.cancel(errCanceled)
	}
	return len(m.workers)
}

// Running returns the ids of tasks with a live worker.
func (m *Manager) Running() map[string]ir.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ir.Task, len(m.workers))
	for id, w := range m.workers {
		out[id] = w.task
	}
	return out
}

// Completions drains finished attempts, sorted by node id.
func (m *Manager) Completions() []Completion {
	cs := m.done.drain()
	sortCompletions(cs)
	return cs
}

// ProgressUpdates drains progress reports, sorted by node id.
func (m *Manager) ProgressUpdates() []Progress {
	ps := m.progress.drain()
	sortProgress(ps)
	return ps
}

// Pending reports whether completions are waiting to be drained.
func (m *Manager) Pending() bool {
	return m.done.len() > 0
}

// Done signals that at least one completion was posted since the last
// receive.
func (m *Manager) Done() <-chan struct{} { return m.done.signal }

// Progressed signals that progress was reported since the last receive.
func (m *Manager) Progressed() <-chan struct{} { return m.progress.signal }

// RecoverOrphans requeues or abandons this execution's running tasks whose
// lease expired.
func (m *Manager) RecoverOrphans(ctx context.Context) ([]store.OrphanRecovery, error) {
	recovered, err := m.db.RecoverOrphans(ctx, m.executionID, m.now())
	if err != nil {
		return nil, err
	}
	for _, r := range recovered {
		if r.Abandoned {
			m.logger.Warn("orphan abandoned", "task_id", r.Task.TaskID, "node_id", r.Task.NodeID, "retry_count", r.Task.RetryCount)
		} else {
			m.logger.Info("orphan requeued", "task_id", r.Task.TaskID, "node_id", r.Task.NodeID, "retry_count", r.Task.RetryCount)
		}
	}
	return recovered, nil
}

// Close cancels every worker and waits for them to exit or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.CancelAll()
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		return ctx.Err()
	}
}
