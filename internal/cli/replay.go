package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/evmts/smithers/internal/ir"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Frame int64
}

// ReplayResult holds the replay outcome.
type ReplayResult struct {
	ExecutionID string                `json:"execution_id"`
	Frame       int64                 `json:"frame,omitempty"`
	Keys        int                   `json:"keys"`
	Match       bool                  `json:"match"`
	Mismatches  []string              `json:"mismatches,omitempty"`
	State       map[string]ir.IRValue `json:"state,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <execution-id>",
		Short: "Rebuild state from the transition log",
		Long: `Rebuild an execution's state by folding its transition log.

Without --frame the full log is replayed and compared with the state table;
any difference is reported and the command exits 1. With --frame the state
as of that frame is printed instead.

Exit codes:
  0 - Replay matches the state table
  1 - Replay differs from the state table
  2 - Command error (database not found, etc.)

Examples:
  smithers replay release-42
  smithers replay release-42 --frame 7 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Frame, "frame", -1, "print the state as of this frame")

	return cmd
}

func runReplay(opts *ReplayOptions, id string, cmd *cobra.Command) error {
	ctx := context.Background()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetExecution(ctx, id); err != nil {
		return lookupError("execution", id, err)
	}

	if opts.Frame >= 0 {
		replayed, err := st.ReplayState(ctx, id, opts.Frame)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to replay", err)
		}
		result := ReplayResult{ExecutionID: id, Frame: opts.Frame, Keys: len(replayed), Match: true, State: replayed}
		return opts.formatter(cmd).Result(result, func(w io.Writer) {
			fmt.Fprintf(w, "State of %s at frame %d (%d keys):\n", id, opts.Frame, len(replayed))
			keys := make([]string, 0, len(replayed))
			for k := range replayed {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "  %s = %s\n", k, formatValue(replayed[k]))
			}
		})
	}

	report, err := st.VerifyReplay(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay", err)
	}
	result := ReplayResult{ExecutionID: id, Keys: report.Keys, Match: report.Match(), Mismatches: report.Mismatches}
	if err := opts.formatter(cmd).Result(result, func(w io.Writer) {
		if result.Match {
			fmt.Fprintf(w, "Replay of %s matches the state table (%d keys).\n", id, result.Keys)
			return
		}
		fmt.Fprintf(w, "Replay of %s differs from the state table:\n", id)
		for _, m := range result.Mismatches {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}); err != nil {
		return err
	}
	if !result.Match {
		return NewExitError(ExitFailure, fmt.Sprintf("replay of %s differs in %d keys", id, len(result.Mismatches)))
	}
	return nil
}
