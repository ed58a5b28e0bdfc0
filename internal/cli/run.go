package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evmts/smithers/internal/engine"
	"github.com/evmts/smithers/internal/events"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/ratelimit"
	"github.com/evmts/smithers/internal/tasks"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Demo      string
	ID        string
	Resume    string
	UntilIdle bool
	Delay     time.Duration

	// Executor overrides the simulated model (for testing).
	Executor tasks.Executor
}

// RunResult is the outcome of a run.
type RunResult struct {
	ExecutionID string             `json:"execution_id"`
	Demo        string             `json:"demo"`
	Status      ir.ExecutionStatus `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	Frames      int64              `json:"frames"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start or resume an execution of a built-in plan",
		Long: fmt.Sprintf(`Start or resume an execution of a built-in plan.

The execution ticks until it completes, stops or fails. While it is idle
the command keeps serving it: the sweep schedule picks up state written by
"smithers set" and status changes written by "smithers stop". Use
--until-idle to return as soon as nothing is left to do; the execution can
be resumed later with --resume.

Demos: %s

Examples:
  smithers run --demo research --db ./smithers.db
  smithers run --demo approval --id release-42
  smithers run --demo approval --resume release-42 --until-idle`, strings.Join(DemoNames(), ", ")),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecution(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Demo, "demo", "", "built-in plan to run (required)")
	_ = cmd.MarkFlagRequired("demo")
	cmd.Flags().StringVar(&opts.ID, "id", "", "execution id for a new execution (default: UUIDv7)")
	cmd.Flags().StringVar(&opts.Resume, "resume", "", "resume the execution with this id")
	cmd.Flags().BoolVar(&opts.UntilIdle, "until-idle", false, "return once the execution is idle")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 200*time.Millisecond, "simulated model latency")

	return cmd
}

func runExecution(opts *RunOptions, cmd *cobra.Command) error {
	demo, ok := Demos()[opts.Demo]
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown demo %q: must be one of %v", opts.Demo, DemoNames()))
	}
	if opts.ID != "" && opts.Resume != "" {
		return NewExitError(ExitCommandError, "--id and --resume are mutually exclusive")
	}
	cfg := opts.Config

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	var busOpts []events.BusOption
	if cfg.EventLog != "" {
		sink, err := events.OpenNDJSON(opts.Fs, cfg.EventLog)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open event log", err)
		}
		defer func() {
			if closeErr := sink.Close(); closeErr != nil {
				slog.Error("error closing event log", "error", closeErr)
			}
		}()
		busOpts = append(busOpts, events.WithSink(sink))
	}
	bus := events.NewBus(busOpts...)
	defer bus.Close()

	executor := opts.Executor
	if executor == nil {
		executor = simulatedModel{delay: opts.Delay}
	}
	eng := engine.New(st, demo.Render, executor,
		engine.WithOptions(cfg.EngineOptions()),
		engine.WithRateLimiter(ratelimit.New(cfg.RateLimitOptions()...)),
		engine.WithBus(bus),
		engine.WithLogger(slog.Default()),
	)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var x *engine.Execution
	if opts.Resume != "" {
		x, err = eng.Resume(ctx, opts.Resume)
	} else {
		x, err = eng.Start(ctx, opts.ID)
	}
	if err != nil {
		if errors.Is(err, engine.ErrExecutionDone) {
			return WrapExitError(ExitCommandError, "execution already finished", err)
		}
		return WrapExitError(ExitCommandError, "failed to start execution", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if closeErr := x.Close(closeCtx); closeErr != nil {
			slog.Error("error closing execution", "execution_id", x.ID(), "error", closeErr)
		}
	}()

	if opts.UntilIdle {
		err = x.Run(ctx)
	} else {
		err = serve(ctx, cfg.SweepSchedule, x)
	}
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return exitErr
	case errors.Is(err, context.Canceled):
		slog.Info("interrupted; execution can be resumed", "execution_id", x.ID())
	case err != nil:
		_ = opts.formatter(cmd).Error(ErrCodeFailed, err.Error(), map[string]string{"execution_id": x.ID()})
		return WrapExitError(ExitFailure, "execution failed", err)
	}

	result := RunResult{
		ExecutionID: x.ID(),
		Demo:        demo.Name,
		Status:      x.Status(),
		Reason:      x.Reason(),
		Frames:      x.FrameSeq() + 1,
	}
	if err := opts.formatter(cmd).Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "Execution %s (%s): %s\n", result.ExecutionID, result.Demo, result.Status)
		if result.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", result.Reason)
		}
		fmt.Fprintf(w, "  Frames: %d\n", result.Frames)
	}); err != nil {
		return err
	}
	if result.Status == ir.ExecutionFailed || result.Status == ir.ExecutionStalled {
		return NewExitError(ExitFailure, fmt.Sprintf("execution %s %s", result.ExecutionID, result.Status))
	}
	return nil
}

// serve runs x under a Runner so external writes wake it between ticks.
func serve(ctx context.Context, schedule string, x *engine.Execution) error {
	runner, err := engine.NewRunner(
		engine.WithSweepSchedule(schedule),
		engine.WithRunnerLogger(slog.Default()),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid sweep schedule", err)
	}
	runner.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Stop(stopCtx)
	}()
	return runner.Serve(ctx, x)
}
