package cli

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Long: `Load the configuration from defaults, the --config file and SMITHERS_*
environment variables, validate it against the schema and print the result.
Exits 2 when the configuration is invalid.

Examples:
  smithers config --config ./smithers.yaml
  SMITHERS_EFFECT_COMMIT_MODE=next_tick smithers config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			return rootOpts.formatter(cmd).Result(cfg, func(w io.Writer) {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				_ = enc.Encode(cfg)
				_ = enc.Close()
			})
		},
	}
}
