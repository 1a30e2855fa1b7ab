package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanindex/internal/config"
	"github.com/Aman-CERP/amanindex/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
		Long: `Inspect configuration.

Precedence (lowest to highest):
  1. Defaults
  2. User config (~/.config/amanindex/config.yaml)
  3. Project config (` + config.ProjectConfigFile + `)
  4. .env in the workspace root
  5. Environment variables (AMANINDEX_*)`,
		Example: `  # Show the merged configuration
  amanindex config show

  # Print the user config file path
  amanindex config path`,
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the merged configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root := rootFlag
			if root == "" {
				found, err := config.FindProjectRoot(".")
				if err != nil {
					return err
				}
				root = found
			}
			cfg, err := config.Load(root)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			cfg = cfg.Redacted()
			if jsonOutput {
				return output.New(cmd.OutOrStdout()).JSON(cfg)
			}
			return cfg.EncodeYAML(cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}
