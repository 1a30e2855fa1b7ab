package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanindex/internal/index"
	"github.com/Aman-CERP/amanindex/internal/output"
)

func newStatusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the workspace index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := loadWorkspace(cmd, false)
			if err != nil {
				return err
			}
			defer ws.close()

			m, err := ws.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			out := output.New(cmd.OutOrStdout())
			st := m.Status()
			if format == "json" {
				return out.JSON(st)
			}
			out.Table(statusRows(st))
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func statusRows(st index.Status) [][2]string {
	rows := [][2]string{
		{"Root", st.Root},
		{"Data directory", st.DataDir},
		{"Backend", st.Backend},
		{"Model", fmt.Sprintf("%s (%d dimensions)", st.Model, st.Dimensions)},
		{"Indexed files", fmt.Sprint(st.IndexedFiles)},
	}
	if st.LastError != "" {
		rows = append(rows, [2]string{"Last error", st.LastError})
	}
	return rows
}
