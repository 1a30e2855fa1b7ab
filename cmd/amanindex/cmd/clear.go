package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanindex/internal/output"
)

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every indexed point and the change cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := loadWorkspace(cmd, false)
			if err != nil {
				return err
			}
			defer ws.close()

			m, err := ws.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			if err := m.Clear(cmd.Context()); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Cleared index for %s", ws.root)
			return nil
		},
	}
}
