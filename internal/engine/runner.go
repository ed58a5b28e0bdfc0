package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/evmts/smithers/internal/ir"
)

// DefaultSweepSchedule is the cron spec of the runner's sweep.
const DefaultSweepSchedule = "@every 5s"

// Runner keeps executions moving between idle periods.
//
// An idle execution only ticks again when something outside the tick loop
// changes: an operator edits state or status, decides an approval, or a
// lease held by a crashed process expires. The runner's sweep, scheduled with cron, looks for those
// changes and wakes the affected execution.
type Runner struct {
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger

	mu    sync.Mutex
	execs map[string]*Execution
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSweepSchedule sets the cron spec of the sweep. Default: "@every 5s".
func WithSweepSchedule(spec string) RunnerOption {
	return func(r *Runner) {
		if spec != "" {
			r.schedule = spec
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner. The sweep is not scheduled until Start.
func NewRunner(opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		schedule: DefaultSweepSchedule,
		logger:   slog.Default(),
		execs:    make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(r)
	}
	cl := cronLogger{r.logger}
	r.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", r.schedule, err)
	}
	return r, nil
}

// Start schedules the sweep.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop unschedules the sweep and waits for a running sweep to return or
// ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs x until it reaches a terminal status or ctx ends. Whenever x
// goes idle, Serve sleeps until the sweep or a caller wakes it.
func (r *Runner) Serve(ctx context.Context, x *Execution) error {
	r.watch(x)
	defer r.unwatch(x)

	err := x.Run(ctx)
	for {
		if err != nil {
			return err
		}
		if st := x.Status(); st != ir.ExecutionRunning && st != ir.ExecutionPaused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-x.wake:
		}
		err = x.run(ctx, TriggerExternal)
	}
}

// Sweep checks every served execution once: it requests orphan recovery
// for the next tick and wakes executions whose state or status was changed
// by another writer, or whose approvals were decided.
func (r *Runner) Sweep(ctx context.Context) {
	for _, x := range r.watched() {
		x.requestOrphanCheck()
		changed, err := x.durable.Refresh(ctx)
		if err != nil {
			r.logger.Warn("sweep: refresh state version", "execution_id", x.id, "error", err)
			continue
		}
		ex, err := x.db.GetExecution(ctx, x.id)
		if err != nil {
			r.logger.Warn("sweep: read execution", "execution_id", x.id, "error", err)
			continue
		}
		decided, err := x.db.DecidedWaitingApprovals(ctx, x.id)
		if err != nil {
			r.logger.Warn("sweep: read approvals", "execution_id", x.id, "error", err)
			continue
		}
		if changed || ex.Status != x.Status() || len(decided) > 0 {
			r.logger.Debug("sweep: external change", "execution_id", x.id, "state_changed", changed, "status", ex.Status, "decisions", len(decided))
			x.Wake()
		}
	}
}

// Watched returns the ids of served executions, sorted.
func (r *Runner) Watched() []string {
	xs := r.watched()
	ids := make([]string, len(xs))
	for i, x := range xs {
		ids[i] = x.id
	}
	return ids
}

func (r *Runner) watch(x *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[x.id] = x
}

func (r *Runner) unwatch(x *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.execs, x.id)
}

func (r *Runner) watched() []*Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Execution, 0, len(r.execs))
	for _, x := range r.execs {
		out = append(out, x)
	}
	slices.SortFunc(out, func(a, b *Execution) int { return strings.Compare(a.id, b.id) })
	return out
}

// cronLogger adapts slog to robfig/cron's logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("sweep scheduler: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("sweep scheduler: "+msg, append(keysAndValues, "error", err)...)
}
