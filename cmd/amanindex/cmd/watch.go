package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Index the workspace and keep it in sync with file changes",
		Long: `Run a full index pass, then watch the workspace and re-index files as
they change. Events are debounced and processed in batches. Stop with Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := loadWorkspace(cmd, true)
			if err != nil {
				return err
			}
			defer ws.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			m, err := ws.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl+C to stop)\n", ws.root)
			return m.Watch(ctx)
		},
	}
}
