// Package cmd provides the CLI commands for amanindex.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanindex/internal/config"
	"github.com/Aman-CERP/amanindex/internal/index"
	"github.com/Aman-CERP/amanindex/internal/logging"
	"github.com/Aman-CERP/amanindex/internal/profiling"
	"github.com/Aman-CERP/amanindex/pkg/version"
)

// Global flags.
var (
	rootFlag  string
	debugMode bool
	profile   profiling.Options

	profileSession *profiling.Session
)

// NewRootCmd creates the root command for the amanindex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amanindex",
		Short: "Incremental semantic code index",
		Long: `amanindex keeps a vector index of a workspace's source code in sync
with the files on disk and answers natural-language code searches.

Run 'amanindex index' once, then 'amanindex watch' or 'amanindex serve'
to keep the index current while you work.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("amanindex version {{.Version}}\n")

	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		if !profile.Enabled() {
			return nil
		}
		s, err := profiling.Start(profile)
		if err != nil {
			return err
		}
		profileSession = s
		return nil
	}
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		return stopProfiling()
	}

	cmd.PersistentFlags().StringVar(&rootFlag, "root", "", "Workspace root (default: nearest directory with .git or .amanindex.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&profile.CPUPath, "profile-cpu", "", "Write a CPU profile to this file")
	cmd.PersistentFlags().StringVar(&profile.HeapPath, "profile-mem", "", "Write a heap profile to this file on exit")
	cmd.PersistentFlags().StringVar(&profile.TracePath, "profile-trace", "", "Write an execution trace to this file")
	_ = cmd.PersistentFlags().MarkHidden("profile-trace")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	err := NewRootCmd().Execute()
	// PostRun is skipped when RunE fails.
	if stopErr := stopProfiling(); err == nil {
		err = stopErr
	}
	return err
}

func stopProfiling() error {
	if profileSession == nil {
		return nil
	}
	err := profileSession.Stop()
	profileSession = nil
	return err
}

// workspace holds what every command needs: the root, its configuration
// and a logger.
type workspace struct {
	root    string
	cfg     *config.Config
	logger  *slog.Logger
	cleanup func()
}

// loadWorkspace resolves the workspace root and configuration and sets up
// logging. Records always go to the log file; toStderr adds a stderr sink
// for long-running commands.
func loadWorkspace(cmd *cobra.Command, toStderr bool) (*workspace, error) {
	root := rootFlag
	if root == "" {
		found, err := config.FindProjectRoot(".")
		if err != nil {
			return nil, err
		}
		root = found
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if debugMode {
		cfg.Logging.Level = "debug"
	}

	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.File,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: toStderr,
		Stderr:        cmd.ErrOrStderr(),
	}
	if logCfg.FilePath == "" {
		logCfg.FilePath = logging.DefaultLogPath()
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	return &workspace{root: root, cfg: cfg, logger: logger, cleanup: cleanup}, nil
}

func (w *workspace) open(ctx context.Context, readOnly bool) (*index.Manager, error) {
	return index.Open(ctx, index.Options{
		Root:     w.root,
		Config:   w.cfg,
		ReadOnly: readOnly,
		Logger:   w.logger,
	})
}

func (w *workspace) close() {
	if w.cleanup != nil {
		w.cleanup()
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
