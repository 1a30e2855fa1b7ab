package cmd

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanindex/internal/config"
	"github.com/Aman-CERP/amanindex/internal/logging"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	noColor bool
	file    string
}

func newLogsCmd() *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show amanindex logs",
		Long: `Show the last lines of the amanindex log file. Use -f to follow new
records as they are written.

Examples:
  amanindex logs -n 100
  amanindex logs -f --level warn
  amanindex logs --filter batch_`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&opts.level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Only show lines matching this regex")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.file, "file", "", "Log file (default: logging.file from config, then ~/.amanindex/logs/amanindex.log)")

	return cmd
}

func runLogs(ctx context.Context, cmd *cobra.Command, opts logsOptions) error {
	path := opts.file
	if path == "" {
		path = logging.DefaultLogPath()
		root := rootFlag
		if root == "" {
			root, _ = config.FindProjectRoot(".")
		}
		if cfg, err := config.Load(root); err == nil && cfg.Logging.File != "" {
			path = cfg.Logging.File
		}
	}

	var pattern *regexp.Regexp
	if opts.filter != "" {
		var err error
		if pattern, err = regexp.Compile(opts.filter); err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	noColor := opts.noColor
	if f, ok := cmd.OutOrStdout().(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		noColor = true
	}
	viewer := logging.NewViewer(logging.ViewerConfig{Level: opts.level, Pattern: pattern, NoColor: noColor})
	out := cmd.OutOrStdout()

	entries, err := viewer.Tail(path, opts.lines)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, _ = fmt.Fprintln(out, viewer.Format(e))
	}
	if !opts.follow {
		return nil
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	ch := make(chan logging.Entry, 100)
	errCh := make(chan error, 1)
	go func() { errCh <- viewer.Follow(ctx, path, ch) }()
	for {
		select {
		case e := <-ch:
			_, _ = fmt.Fprintln(out, viewer.Format(e))
		case err := <-errCh:
			return err
		}
	}
}
