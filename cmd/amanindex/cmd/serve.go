package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
	"github.com/Aman-CERP/amanindex/internal/index"
	"github.com/Aman-CERP/amanindex/internal/mcp"
)

func newServeCmd() *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Serve codebase_search and index_status to MCP clients over stdio.

The index is kept in sync with the workspace while the server runs. When
another amanindex process already owns the index, the server answers
searches read-only and leaves updates to that process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, transport)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport: stdio")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, transport string) error {
	// stdout carries JSON-RPC; logs go to the file and stderr only.
	ws, err := loadWorkspace(cmd, true)
	if err != nil {
		return err
	}
	defer ws.close()

	ctx, stop := signalContext(ctx)
	defer stop()

	readOnly := false
	m, err := ws.open(ctx, false)
	if amerrors.GetCode(err) == amerrors.ErrCodeIndexLocked {
		ws.logger.Info("serve_read_only", slog.String("root", ws.root))
		readOnly = true
		m, err = ws.open(ctx, true)
	}
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	srv, err := mcp.NewServer(m, ws.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The client closing stdin ends the session and the watch.
		defer cancel()
		return srv.Serve(gctx, transport)
	})
	if !readOnly {
		g.Go(func() error {
			watchIndex(gctx, m, ws.logger)
			return nil
		})
	}
	return g.Wait()
}

// watchIndex keeps the index in sync. Failures are logged; the server keeps
// answering from whatever is indexed.
func watchIndex(ctx context.Context, m *index.Manager, logger *slog.Logger) {
	err := m.Watch(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watch_failed", slog.String("error", err.Error()))
	}
}
