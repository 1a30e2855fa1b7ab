package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanindex/configs"
	"github.com/Aman-CERP/amanindex/internal/config"
	"github.com/Aman-CERP/amanindex/internal/output"
)

func newInitCmd() *cobra.Command {
	var (
		force bool
		user  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented " + config.ProjectConfigFile + " for the workspace",
		Long: `Write a commented configuration template showing every default.

Without flags the template goes to ` + config.ProjectConfigFile + ` in the workspace
root. With --user it goes to the per-user config file instead, which is
the place for API keys and the Qdrant URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, template := "", configs.ProjectConfigTemplate
			if user {
				path, template = config.GetUserConfigPath(), configs.UserConfigTemplate
			} else {
				root := rootFlag
				if root == "" {
					found, err := config.FindProjectRoot(".")
					if err != nil {
						return err
					}
					root = found
				}
				path = filepath.Join(root, config.ProjectConfigFile)
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			output.New(cmd.OutOrStdout()).Successf("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&user, "user", false, "Write the per-user config instead of the project config")

	return cmd
}
