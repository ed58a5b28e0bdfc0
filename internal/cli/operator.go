package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/evmts/smithers/internal/engine"
	"github.com/evmts/smithers/internal/ir"
)

// SetOptions holds flags for the set command.
type SetOptions struct {
	*RootOptions
	Delete bool
}

// SetResult reports an operator write.
type SetResult struct {
	ExecutionID string     `json:"execution_id"`
	Key         string     `json:"key"`
	Value       ir.IRValue `json:"value,omitempty"`
	Deleted     bool       `json:"deleted,omitempty"`
	Version     int64      `json:"state_version"`
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <execution-id> <key> [json-value]",
		Short: "Write one state key of an execution",
		Long: `Write one state key of an execution, as an operator.

The value is canonical JSON: strings, integers, booleans, null, arrays and
objects. Floats are rejected. The write is committed atomically with a
transition in phase "operator"; a running engine picks it up on its next
sweep.

Examples:
  smithers set release-42 approved true
  smithers set release-42 reviewer '"sam"'
  smithers set release-42 draft --delete`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Delete, "delete", false, "delete the key instead of setting it")

	return cmd
}

func runSet(opts *SetOptions, args []string, cmd *cobra.Command) error {
	id, key := args[0], args[1]
	action := ir.Action{Key: key, Trigger: engine.TriggerOperator}
	switch {
	case opts.Delete && len(args) == 3:
		return NewExitError(ExitCommandError, "--delete takes no value")
	case opts.Delete:
		action.Kind = ir.ActionDelete
	case len(args) == 2:
		return NewExitError(ExitCommandError, "missing value (or pass --delete)")
	default:
		v, err := ir.UnmarshalIRValue([]byte(args[2]))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid value", err)
		}
		action.Kind = ir.ActionSet
		action.Value = v
	}

	ctx := context.Background()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ex, err := st.GetExecution(ctx, id)
	if err != nil {
		return lookupError("execution", id, err)
	}
	if finished(ex.Status) {
		return NewExitError(ExitCommandError, fmt.Sprintf("execution %s is %s", id, ex.Status))
	}
	if last, ok, err := st.LastFrame(ctx, id); err != nil {
		return WrapExitError(ExitCommandError, "failed to load last frame", err)
	} else if ok {
		action.FrameID = last.Seq
	}

	res, err := st.CommitActions(ctx, id, []ir.Action{action}, ir.PhaseOperator, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to commit", err)
	}
	slog.Info("operator write committed", "execution_id", id, "key", key, "version", res.Version)

	result := SetResult{ExecutionID: id, Key: key, Value: action.Value, Deleted: opts.Delete, Version: res.Version}
	return opts.formatter(cmd).Result(result, func(w io.Writer) {
		if result.Deleted {
			fmt.Fprintf(w, "Deleted %s (state version %d)\n", key, result.Version)
			return
		}
		fmt.Fprintf(w, "Set %s = %s (state version %d)\n", key, formatValue(result.Value), result.Version)
	})
}

// StatusChange reports an operator status change.
type StatusChange struct {
	ExecutionID string             `json:"execution_id"`
	From        ir.ExecutionStatus `json:"from"`
	To          ir.ExecutionStatus `json:"to"`
	Reason      string             `json:"reason,omitempty"`
}

// NewStopCommand creates the stop command.
func NewStopCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop <execution-id>",
		Short: "Stop an execution",
		Long: `Mark an execution as stopped. A running engine cancels the
execution's tasks on its next tick; a stopped execution cannot be resumed.

Example:
  smithers stop release-42 --reason "superseded by release-43"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeStatus(rootOpts, cmd, args[0], ir.ExecutionStopped, reason, nil)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "stopped by operator", "reason recorded on the execution")
	return cmd
}

// NewPauseCommand creates the pause command.
func NewPauseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <execution-id>",
		Short: "Pause a running execution",
		Long: `Pause a running execution. The engine stops ticking until the
execution is unpaused; tasks that are already running keep running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeStatus(rootOpts, cmd, args[0], ir.ExecutionPaused, "", []ir.ExecutionStatus{ir.ExecutionRunning})
		},
	}
}

// NewUnpauseCommand creates the unpause command.
func NewUnpauseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unpause <execution-id>",
		Short: "Let a paused execution continue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeStatus(rootOpts, cmd, args[0], ir.ExecutionRunning, "", []ir.ExecutionStatus{ir.ExecutionPaused})
		},
	}
}

// changeStatus sets an execution's status. from lists the statuses the
// change is allowed from; nil allows any status an execution can be resumed
// from.
func changeStatus(opts *RootOptions, cmd *cobra.Command, id string, to ir.ExecutionStatus, reason string, from []ir.ExecutionStatus) error {
	ctx := context.Background()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ex, err := st.GetExecution(ctx, id)
	if err != nil {
		return lookupError("execution", id, err)
	}
	if !allowed(ex.Status, from) {
		return NewExitError(ExitCommandError, fmt.Sprintf("execution %s is %s; cannot change it to %s", id, ex.Status, to))
	}
	if err := st.SetExecutionStatus(ctx, id, to, reason, time.Now()); err != nil {
		return WrapExitError(ExitCommandError, "failed to update execution", err)
	}
	slog.Info("execution status changed by operator", "execution_id", id, "from", ex.Status, "to", to)

	change := StatusChange{ExecutionID: id, From: ex.Status, To: to, Reason: reason}
	return opts.formatter(cmd).Result(change, func(w io.Writer) {
		fmt.Fprintf(w, "Execution %s: %s -> %s\n", id, change.From, change.To)
	})
}

func allowed(status ir.ExecutionStatus, from []ir.ExecutionStatus) bool {
	if from == nil {
		return !finished(status)
	}
	return slices.Contains(from, status)
}

// finished reports whether an execution can no longer be resumed. Stalled
// executions are terminal for the engine but can be resumed.
func finished(status ir.ExecutionStatus) bool {
	return status.Terminal() && status != ir.ExecutionStalled
}
