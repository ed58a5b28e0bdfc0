package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/evmts/smithers/internal/engine"
	"github.com/evmts/smithers/internal/harness"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <scenario-file-or-dir>",
		Short: "Run conformance scenarios against the built-in plans",
		Long: `Run YAML scenarios against the built-in plans. Each scenario gets a
fresh in-memory database and a scripted executor; its flow interleaves runs
with operator writes, and its assertions check the transition log and the
final state. A directory runs every *.yaml and *.yml file in it.

Exit codes:
  0 - All scenarios passed
  1 - At least one scenario failed
  2 - Command error (path not found, etc.)

Example:
  smithers check ./scenarios`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, args[0], cmd)
		},
	}
}

func runCheck(opts *RootOptions, path string, cmd *cobra.Command) error {
	plans := make(map[string]engine.RenderFunc, len(Demos()))
	for name, demo := range Demos() {
		plans[name] = demo.Render
	}
	cfg := opts.Config

	result, err := harness.RunSuite(context.Background(), opts.Fs, path, harness.Options{
		Plans:  plans,
		Config: &cfg,
		Logger: slog.Default(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenarios", err)
	}

	if err := opts.formatter(cmd).Result(result, func(w io.Writer) {
		for _, f := range result.Failures {
			fmt.Fprintf(w, "FAIL %s (%s)\n", f.Path, f.Scenario)
			for _, e := range f.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		fmt.Fprintf(w, "%d scenarios: %d passed, %d failed\n", result.TotalScenarios, result.Passed, result.Failed)
	}); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.TotalScenarios))
	}
	return nil
}
