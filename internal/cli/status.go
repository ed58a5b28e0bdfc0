package cli

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/evmts/smithers/internal/ir"
)

// StatusResult describes one execution.
type StatusResult struct {
	Execution   ir.Execution      `json:"execution"`
	Nodes       []ir.NodeInstance `json:"nodes"`
	ActiveTasks []ir.Task         `json:"active_tasks"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [execution-id]",
		Short: "List executions or show one execution's nodes and tasks",
		Long: `Without an argument, list every execution, newest first.

With an execution id, show its status, the node instances of the last
frame and the tasks that are scheduled or running.

Examples:
  smithers status
  smithers status release-42 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return listExecutions(rootOpts, cmd)
			}
			return showExecution(rootOpts, args[0], cmd)
		},
	}
}

func listExecutions(opts *RootOptions, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	executions, err := st.ListExecutions(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list executions", err)
	}
	return opts.formatter(cmd).Result(executions, func(w io.Writer) {
		if len(executions) == 0 {
			fmt.Fprintln(w, "No executions found.")
			return
		}
		for _, ex := range executions {
			fmt.Fprintf(w, "%s  %-9s  v%d  %s\n", ex.ID, ex.Status, ex.StateVersion, ex.CreatedAt.Format(time.RFC3339))
		}
	})
}

func showExecution(opts *RootOptions, id string, cmd *cobra.Command) error {
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
	nodes, err := st.LoadNodeInstances(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load nodes", err)
	}
	active, err := st.ActiveTasks(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load tasks", err)
	}

	result := StatusResult{Execution: ex, Nodes: make([]ir.NodeInstance, 0, len(nodes)), ActiveTasks: active}
	for _, n := range nodes {
		result.Nodes = append(result.Nodes, n)
	}
	slices.SortFunc(result.Nodes, func(a, b ir.NodeInstance) int {
		return cmp.Or(cmp.Compare(a.Path, b.Path), cmp.Compare(a.NodeID, b.NodeID))
	})

	return opts.formatter(cmd).Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "Execution %s: %s (state version %d)\n", ex.ID, ex.Status, ex.StateVersion)
		if ex.Error != "" {
			fmt.Fprintf(w, "  Reason: %s\n", ex.Error)
		}
		fmt.Fprintln(w, "Nodes:")
		for _, n := range result.Nodes {
			mounted := ""
			if !n.Mounted {
				mounted = " (unmounted)"
			}
			fmt.Fprintf(w, "  %-40s %-8s %-10s%s\n", n.Path, n.Kind, n.Status, mounted)
			if n.LastError != "" {
				fmt.Fprintf(w, "    error: %s\n", n.LastError)
			}
		}
		if len(active) > 0 {
			fmt.Fprintln(w, "Active tasks:")
			for _, t := range active {
				fmt.Fprintf(w, "  %s  %s  %s  retry %d/%d\n", t.TaskID, t.NodeID, t.Status, t.RetryCount, t.MaxRetries)
			}
		}
	})
}
