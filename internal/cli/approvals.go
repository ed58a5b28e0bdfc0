package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/store"
)

// NewApprovalsCommand creates the approvals command.
func NewApprovalsCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "approvals <execution-id>",
		Short: "List the approval requests of an execution",
		Long: `List the approval requests raised by an execution's approval nodes,
oldest first. Pass --status to filter by pending, approved, denied or
expired.

Examples:
  smithers approvals release-42
  smithers approvals release-42 --status pending`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listApprovals(rootOpts, cmd, args[0], ir.ApprovalStatus(status))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list requests with this status")
	return cmd
}

func listApprovals(opts *RootOptions, cmd *cobra.Command, id string, status ir.ApprovalStatus) error {
	switch status {
	case "", ir.ApprovalPending, ir.ApprovalApproved, ir.ApprovalDenied, ir.ApprovalExpired:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown approval status %q", status))
	}

	ctx := context.Background()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetExecution(ctx, id); err != nil {
		return lookupError("execution", id, err)
	}
	approvals, err := st.ListApprovals(ctx, id, status)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list approvals", err)
	}
	return opts.formatter(cmd).Result(approvals, func(w io.Writer) {
		if len(approvals) == 0 {
			fmt.Fprintln(w, "No approval requests.")
			return
		}
		for _, a := range approvals {
			fmt.Fprintf(w, "%s  %-8s  %-12s  %s\n", a.ID, a.Status, a.Kind, a.Path)
			fmt.Fprintf(w, "    %s\n", a.Prompt)
			if !a.ExpiresAt.IsZero() && a.Status == ir.ApprovalPending {
				fmt.Fprintf(w, "    expires %s\n", a.ExpiresAt.Format(time.RFC3339))
			}
			if a.Responder != "" || a.Comment != "" {
				fmt.Fprintf(w, "    by %s: %s\n", a.Responder, a.Comment)
			}
		}
	})
}

// DecideOptions holds flags for the approve and deny commands.
type DecideOptions struct {
	*RootOptions
	By      string
	Comment string
}

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	return newDecideCommand(rootOpts, true)
}

// NewDenyCommand creates the deny command.
func NewDenyCommand(rootOpts *RootOptions) *cobra.Command {
	return newDecideCommand(rootOpts, false)
}

func newDecideCommand(rootOpts *RootOptions, approved bool) *cobra.Command {
	opts := &DecideOptions{RootOptions: rootOpts}
	verb, outcome := "approve", "succeeds and its finished handler runs"
	if !approved {
		verb, outcome = "deny", "fails and its error handler runs"
	}

	cmd := &cobra.Command{
		Use:   verb + " <approval-id>",
		Short: fmt.Sprintf("%s a pending approval request", capitalize(verb)),
		Long: fmt.Sprintf(`Decide a pending approval request. The waiting approval node %s
on the engine's next tick; a running engine picks the decision up on its
next sweep. A request can be decided once.

Example:
  smithers %s 0192f4c1-... --by sam --comment "looks good"`, outcome, verb),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(opts, cmd, args[0], approved)
		},
	}

	cmd.Flags().StringVar(&opts.By, "by", "", "responder recorded on the request (default: current user)")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment recorded on the request")

	return cmd
}

func runDecide(opts *DecideOptions, cmd *cobra.Command, id string, approved bool) error {
	responder := opts.By
	if responder == "" {
		if u, err := user.Current(); err == nil {
			responder = u.Username
		}
	}

	ctx := context.Background()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	a, err := st.DecideApproval(ctx, id, approved, responder, opts.Comment, time.Now())
	switch {
	case errors.Is(err, store.ErrApprovalDecided):
		return WrapExitError(ExitCommandError, fmt.Sprintf("approval %s was already decided", id), err)
	case err != nil:
		return lookupError("approval", id, err)
	}
	slog.Info("approval decided", "approval_id", a.ID, "execution_id", a.ExecutionID, "status", a.Status, "responder", responder)

	return opts.formatter(cmd).Result(a, func(w io.Writer) {
		fmt.Fprintf(w, "Approval %s %s by %s (node %s)\n", a.ID, a.Status, a.Responder, a.Path)
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// NewArtifactsCommand creates the artifacts command.
func NewArtifactsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "artifacts <execution-id>",
		Short: "List the artifacts an execution's tasks published",
		Long: `List the artifacts published by an execution's tasks, most recently
updated first. Keyed artifacts appear once with their latest content.

Examples:
  smithers artifacts release-42
  smithers artifacts release-42 --limit 5 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listArtifacts(rootOpts, cmd, args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of artifacts (0 for all)")
	return cmd
}

func listArtifacts(opts *RootOptions, cmd *cobra.Command, id string, limit int) error {
	if limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	ctx := context.Background()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetExecution(ctx, id); err != nil {
		return lookupError("execution", id, err)
	}
	artifacts, err := st.ListArtifacts(ctx, id, limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list artifacts", err)
	}
	return opts.formatter(cmd).Result(artifacts, func(w io.Writer) {
		if len(artifacts) == 0 {
			fmt.Fprintln(w, "No artifacts.")
			return
		}
		for _, a := range artifacts {
			name := a.Name
			if a.Key != "" && a.Key != a.Name {
				name += " [" + a.Key + "]"
			}
			fmt.Fprintf(w, "%s  %-8s  %-30s  frame %d  %s\n", a.ID, a.Type, name, a.FrameID, a.NodeID)
		}
	})
}
