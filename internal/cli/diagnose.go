package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// DiagnoseOptions holds flags for the diagnose command.
type DiagnoseOptions struct {
	*RootOptions
	Last int
}

// NewDiagnoseCommand creates the diagnose command.
func NewDiagnoseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiagnoseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diagnose <execution-id>",
		Short: "Show what an operator needs to understand a failure",
		Long: `Show the execution status and error, the last frame, the last
transitions, and every failed, timed-out or abandoned task and node.

Example:
  smithers diagnose release-42 --last 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnose(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Last, "last", "n", 10, "number of transitions to show")

	return cmd
}

func runDiagnose(opts *DiagnoseOptions, id string, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := st.Diagnose(context.Background(), id, opts.Last)
	if err != nil {
		return lookupError("execution", id, err)
	}

	return opts.formatter(cmd).Result(d, func(w io.Writer) {
		fmt.Fprintf(w, "Execution %s: %s\n", d.Execution.ID, d.Execution.Status)
		if d.Execution.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", d.Execution.Error)
		}
		if d.LastFrame != nil {
			fmt.Fprintf(w, "Last frame: #%d (%s) tree %s\n", d.LastFrame.Seq, d.LastFrame.TriggerReason, shortHash(d.LastFrame.TreeHash))
		} else {
			fmt.Fprintln(w, "Last frame: none")
		}
		if len(d.FailedNodes) > 0 {
			fmt.Fprintln(w, "Failed nodes:")
			for _, n := range d.FailedNodes {
				fmt.Fprintf(w, "  %s %s: %s\n", n.Path, n.Status, n.LastError)
			}
		}
		if len(d.FailedTasks) > 0 {
			fmt.Fprintln(w, "Failed tasks:")
			for _, t := range d.FailedTasks {
				fmt.Fprintf(w, "  %s node %s %s after %d retries: %s\n", t.TaskID, shortHash(t.NodeID), t.Status, t.RetryCount, t.LastError)
			}
		}
		if len(d.Transitions) > 0 {
			fmt.Fprintf(w, "Last %d transitions:\n", len(d.Transitions))
			printTransitions(w, d.Transitions)
		}
	})
}
