package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/evmts/smithers/internal/config"
	"github.com/evmts/smithers/internal/engine"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/ratelimit"
	"github.com/evmts/smithers/internal/store"
	"github.com/evmts/smithers/internal/tasks"
	"github.com/evmts/smithers/internal/testutil"
)

// Options configure scenario runs.
type Options struct {
	// Plans maps plan names to render functions.
	Plans map[string]engine.RenderFunc

	// Config supplies engine, retry and rate limit settings. The zero value
	// means config.Default().
	Config *config.Config

	// Logger receives engine logs. Defaults to discarding them.
	Logger *slog.Logger
}

// UnknownPlanError is returned when a scenario names a plan that is not in
// Options.Plans.
type UnknownPlanError struct {
	Scenario string
	Plan     string
}

func (e *UnknownPlanError) Error() string {
	return fmt.Sprintf("scenario %q uses unknown plan %q", e.Scenario, e.Plan)
}

// Harness runs one scenario against a fresh in-memory database.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	executor *testutil.Executor
	id       string
	started  bool
	cursor   int64
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Create a fresh in-memory database
//  2. Script the executor from the scenario's outcomes
//  3. Execute the flow steps, checking expect clauses
//  4. Collect the transition log and the final state
//  5. Evaluate the assertions
func Run(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	render, ok := opts.Plans[scenario.Plan]
	if !ok {
		return nil, &UnknownPlanError{Scenario: scenario.Name, Plan: scenario.Plan}
	}
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	st, err := store.Open(":memory:", cfg.StoreOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	executor, err := scriptExecutor(scenario)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:    st,
		executor: executor,
		id:       scenario.ExecutionID,
		logger:   logger,
		engine: engine.New(st, render, executor,
			engine.WithOptions(cfg.EngineOptions()),
			engine.WithRateLimiter(ratelimit.New(cfg.RateLimitOptions()...)),
			engine.WithLogger(logger),
		),
	}
	if h.id == "" {
		h.id = DefaultExecutionID
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}
	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}

	actx := &AssertionContext{Store: st, Ctx: ctx, ExecutionID: h.id}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func scriptExecutor(s *Scenario) (*testutil.Executor, error) {
	fallback, err := outputValue(s.Output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	executor := testutil.NewExecutor(fallback)
	for match, outcomes := range s.Outcomes {
		scripted := make([]testutil.Outcome, 0, len(outcomes))
		for _, o := range outcomes {
			if o.Error != "" {
				scripted = append(scripted, testutil.Outcome{Err: &tasks.TaskError{Message: o.Error, Retryable: o.Retryable}})
				continue
			}
			v, err := outputValue(o.Result)
			if err != nil {
				return nil, fmt.Errorf("outcomes[%s]: %w", match, err)
			}
			scripted = append(scripted, testutil.Outcome{Result: v})
		}
		executor.On(match, scripted...)
	}
	return executor, nil
}

// executeFlow runs the flow steps in order. A failed expect clause is
// recorded on the result; the flow continues so the trace stays complete.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		var err error
		switch {
		case step.Run:
			err = h.run(ctx, i, step, result)
		case step.Set != nil:
			err = h.write(ctx, setActions(step.Set))
		case step.Delete != nil:
			err = h.write(ctx, deleteActions(step.Delete))
		case step.Status != "":
			err = h.setStatus(ctx, step.Status)
		}
		if err == nil {
			err = h.drain(ctx, result)
		}
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
		h.logger.Info("flow step completed", "step", i)
	}
	return nil
}

// run starts the execution on the first run step and resumes it on later
// ones, then ticks until it is idle or finished.
func (h *Harness) run(ctx context.Context, index int, step FlowStep, result *Result) error {
	var (
		x   *engine.Execution
		err error
	)
	if h.started {
		x, err = h.engine.Resume(ctx, h.id)
	} else {
		x, err = h.engine.Start(ctx, h.id)
		h.started = true
	}
	switch {
	case errors.Is(err, engine.ErrExecutionDone):
		ex, err := h.store.GetExecution(ctx, h.id)
		if err != nil {
			return err
		}
		h.expect(index, step.Expect, ex.Status, ex.Error, result)
		return nil
	case err != nil:
		return err
	}

	runErr := x.Run(ctx)
	if err := x.Close(ctx); err != nil {
		return fmt.Errorf("close execution: %w", err)
	}
	if runErr != nil {
		return runErr
	}
	if err := h.drain(ctx, result); err != nil {
		return err
	}
	h.expect(index, step.Expect, x.Status(), x.Reason(), result)
	return nil
}

func (h *Harness) expect(index int, want *ExpectClause, status ir.ExecutionStatus, reason string, result *Result) {
	result.AddStatus(status, reason)
	if want == nil {
		return
	}
	if status != want.Status {
		result.AddError(fmt.Sprintf("flow[%d]: expected status %s, got %s (%s)", index, want.Status, status, reason))
		return
	}
	if want.Reason != "" && reason != want.Reason {
		result.AddError(fmt.Sprintf("flow[%d]: expected reason %q, got %q", index, want.Reason, reason))
	}
}

func (h *Harness) setStatus(ctx context.Context, status ir.ExecutionStatus) error {
	reason := ""
	if status == ir.ExecutionStopped {
		reason = "stopped by scenario"
	}
	return h.store.SetExecutionStatus(ctx, h.id, status, reason, time.Now())
}

// write commits operator actions stamped with the last frame.
func (h *Harness) write(ctx context.Context, actions []ir.Action) error {
	last, ok, err := h.store.LastFrame(ctx, h.id)
	if err != nil {
		return err
	}
	for i := range actions {
		actions[i].Trigger = engine.TriggerOperator
		if ok {
			actions[i].FrameID = last.Seq
		}
	}
	_, err = h.store.CommitActions(ctx, h.id, actions, ir.PhaseOperator, time.Now())
	return err
}

func setActions(set map[string]any) []ir.Action {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	actions := make([]ir.Action, 0, len(keys))
	for _, k := range keys {
		// Validated by validateScenario.
		v, _ := ir.ValueOf(set[k])
		actions = append(actions, ir.Action{Key: k, Kind: ir.ActionSet, Value: v})
	}
	return actions
}

func deleteActions(keys []string) []ir.Action {
	actions := make([]ir.Action, 0, len(keys))
	for _, k := range keys {
		actions = append(actions, ir.Action{Key: k, Kind: ir.ActionDelete})
	}
	return actions
}

// drain appends the transitions committed since the last drain.
func (h *Harness) drain(ctx context.Context, result *Result) error {
	for {
		page, err := h.store.TransitionsSince(ctx, h.id, h.cursor, transitionPage)
		if err != nil {
			return fmt.Errorf("load transitions: %w", err)
		}
		for _, t := range page {
			result.AddTransition(t)
			h.cursor = t.ID
		}
		if len(page) < transitionPage {
			return nil
		}
	}
}

const transitionPage = 500

// collect loads the final state and status.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	entries, _, err := h.store.LoadState(ctx, h.id)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	result.State = entries

	ex, err := h.store.GetExecution(ctx, h.id)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	result.Status = ex.Status
	result.Attempts = len(h.executor.Calls())
	return nil
}
