package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/evmts/smithers/internal/ir"
)

// TraceOptions holds the cursor flags shared by frames and transitions.
type TraceOptions struct {
	*RootOptions
	Since int64
	Limit int
	Tree  bool
}

// NewFramesCommand creates the frames command.
func NewFramesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "frames <execution-id>",
		Short: "List committed frames after a sequence number",
		Long: `List the frames of an execution in sequence order, starting after
--since. Each frame records the trigger of its tick, the tree hash and the
state version the tree was rendered from. --tree includes the serialized
plan tree.

Examples:
  smithers frames release-42
  smithers frames release-42 --since 10 --limit 5 --tree`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listFrames(opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Since, "since", -1, "list frames after this sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of frames")
	cmd.Flags().BoolVar(&opts.Tree, "tree", false, "include the serialized tree")

	return cmd
}

func listFrames(opts *TraceOptions, id string, cmd *cobra.Command) error {
	ctx := context.Background()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetExecution(ctx, id); err != nil {
		return lookupError("execution", id, err)
	}
	frames, err := st.FramesSince(ctx, id, opts.Since, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load frames", err)
	}
	if !opts.Tree {
		for i := range frames {
			frames[i].Tree = nil
		}
	}

	return opts.formatter(cmd).Result(frames, func(w io.Writer) {
		if len(frames) == 0 {
			fmt.Fprintln(w, "No frames.")
			return
		}
		for _, f := range frames {
			fmt.Fprintf(w, "#%-5d %-15s v%-5d %s  %s\n", f.Seq, f.TriggerReason, f.StateVersionBefore, shortHash(f.TreeHash), f.CreatedAt.Format(time.RFC3339Nano))
			if opts.Tree {
				fmt.Fprintf(w, "       %s\n", f.Tree)
			}
		}
	})
}

// NewTransitionsCommand creates the transitions command.
func NewTransitionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transitions <execution-id>",
		Short: "List state transitions after a cursor",
		Long: `List the state transitions of an execution in commit order, starting
after the transition id given by --since. Poll with the last id printed to
follow an execution.

Examples:
  smithers transitions release-42
  smithers transitions release-42 --since 120 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listTransitions(opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Since, "since", 0, "list transitions after this id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of transitions")

	return cmd
}

func listTransitions(opts *TraceOptions, id string, cmd *cobra.Command) error {
	ctx := context.Background()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetExecution(ctx, id); err != nil {
		return lookupError("execution", id, err)
	}
	transitions, err := st.TransitionsSince(ctx, id, opts.Since, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load transitions", err)
	}

	return opts.formatter(cmd).Result(transitions, func(w io.Writer) {
		if len(transitions) == 0 {
			fmt.Fprintln(w, "No transitions.")
			return
		}
		printTransitions(w, transitions)
	})
}

func printTransitions(w io.Writer, transitions []ir.Transition) {
	for _, t := range transitions {
		fmt.Fprintf(w, "%-6d frame %-4d %-8s %s = %s  (%s", t.ID, t.FrameID, t.Phase, t.Key, formatValue(t.NewValue), t.Trigger)
		if t.NodeID != "" {
			fmt.Fprintf(w, ", node %s", shortHash(t.NodeID))
		}
		fmt.Fprintln(w, ")")
	}
}

// formatValue renders a state value as canonical JSON, or "<deleted>".
func formatValue(v ir.IRValue) string {
	if v == nil {
		return "<deleted>"
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
