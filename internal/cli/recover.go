package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// RecoveredTask is one row touched by orphan recovery.
type RecoveredTask struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	RetryCount  int    `json:"retry_count"`
	Abandoned   bool   `json:"abandoned"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover [execution-id]",
		Short: "Requeue or abandon tasks whose lease expired",
		Long: `Find running tasks whose lease expired, which happens when the process
that owned them died. Tasks with retries left are requeued; the rest are
abandoned. Without an execution id every execution is scanned.

Engines also recover orphans on resume and on every sweep; this command is
for databases no engine is serving.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runRecover(rootOpts, id, cmd)
		},
	}
}

func runRecover(opts *RootOptions, id string, cmd *cobra.Command) error {
	ctx := context.Background()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if id != "" {
		if _, err := st.GetExecution(ctx, id); err != nil {
			return lookupError("execution", id, err)
		}
	}
	recovered, err := st.RecoverOrphans(ctx, id, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to recover orphans", err)
	}

	result := make([]RecoveredTask, len(recovered))
	for i, r := range recovered {
		result[i] = RecoveredTask{
			TaskID:      r.Task.TaskID,
			ExecutionID: r.Task.ExecutionID,
			NodeID:      r.Task.NodeID,
			RetryCount:  r.Task.RetryCount,
			Abandoned:   r.Abandoned,
		}
	}
	return opts.formatter(cmd).Result(result, func(w io.Writer) {
		if len(result) == 0 {
			fmt.Fprintln(w, "No orphaned tasks.")
			return
		}
		for _, r := range result {
			action := "requeued"
			if r.Abandoned {
				action = "abandoned"
			}
			fmt.Fprintf(w, "%s %s (execution %s, node %s, retry %d)\n", action, r.TaskID, r.ExecutionID, shortHash(r.NodeID), r.RetryCount)
		}
	})
}
