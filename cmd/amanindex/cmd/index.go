package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanindex/internal/index"
	"github.com/Aman-CERP/amanindex/internal/output"
	"github.com/Aman-CERP/amanindex/internal/ui"
)

type indexOptions struct {
	force   bool
	format  string
	quiet   bool
	plain   bool
	noColor bool
}

// indexReport is the JSON form of an index run.
type indexReport struct {
	Root       string `json:"root"`
	Candidates int    `json:"candidates"`
	Removed    int    `json:"removed"`
	Batches    int    `json:"batches"`
	Success    int    `json:"success"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
	DurationMS int64  `json:"durationMs"`
	BatchError string `json:"batchError,omitempty"`
}

func newIndexCmd() *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Bring the index up to date with the workspace",
		Long: `Scan the workspace, embed new and changed files and remove files that
no longer exist. Unchanged files are skipped using the change cache.

Examples:
  amanindex index
  amanindex index --force
  amanindex index --root ~/src/project --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.force, "force", false, "Clear the index and rebuild it from scratch")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not show progress")
	cmd.Flags().BoolVar(&opts.plain, "no-tui", false, "Show progress as plain lines")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored progress")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, opts indexOptions) error {
	ws, err := loadWorkspace(cmd, false)
	if err != nil {
		return err
	}
	defer ws.close()

	ctx, stop := signalContext(ctx)
	defer stop()

	m, err := ws.open(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if opts.force {
		if err := m.Clear(ctx); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
	}

	var result *index.ReconcileResult
	if opts.quiet || opts.format == "json" {
		result, err = m.Index(ctx)
	} else {
		result, err = indexWithProgress(ctx, cmd.ErrOrStderr(), m, opts)
	}
	if err != nil {
		return err
	}
	if err := printIndexResult(cmd.OutOrStdout(), ws.root, result, opts.format); err != nil {
		return err
	}
	if result.LastBatchError != nil {
		return fmt.Errorf("index incomplete: %w", result.LastBatchError)
	}
	return nil
}

func printIndexResult(w io.Writer, root string, r *index.ReconcileResult, format string) error {
	out := output.New(w)
	if format == "json" {
		report := indexReport{
			Root:       root,
			Candidates: r.Candidates,
			Removed:    r.Removed,
			Batches:    r.Batches,
			Success:    r.Success,
			Skipped:    r.Skipped,
			Errors:     r.Errors,
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.LastBatchError != nil {
			report.BatchError = r.LastBatchError.Error()
		}
		return out.JSON(report)
	}

	out.Successf("Indexed %s in %s", root, r.Duration.Round(time.Millisecond))
	out.Table([][2]string{
		{"Files found", fmt.Sprint(r.Candidates)},
		{"Indexed or removed", fmt.Sprint(r.Success)},
		{"Unchanged or skipped", fmt.Sprint(r.Skipped)},
		{"Stale entries", fmt.Sprint(r.Removed)},
	})
	if r.Errors > 0 {
		out.Warningf("%d files failed; see the log for details", r.Errors)
	}
	return nil
}

// indexWithProgress runs the pass with a progress renderer on w.
func indexWithProgress(ctx context.Context, w io.Writer, m *index.Manager, opts indexOptions) (*index.ReconcileResult, error) {
	renderer := ui.NewRenderer(ui.NewConfig(w,
		ui.WithForcePlain(opts.plain),
		ui.WithNoColor(opts.noColor),
		ui.WithProjectDir(m.Root()),
	))
	if err := renderer.Start(ctx); err != nil {
		return m.Index(ctx)
	}
	defer func() { _ = renderer.Stop() }()

	var ev ui.ProgressEvent
	result, err := m.IndexWithProgress(ctx, func(done, total int, summary index.BatchSummary) {
		ev.Current, ev.Total = done, total
		ev.Indexed += summary.Count(index.StatusSuccess)
		ev.Skipped += summary.Count(index.StatusSkipped)
		ev.Failed += summary.Count(index.StatusError)
		for _, f := range summary.ProcessedFiles {
			ev.LastFile = f.Path
			if f.Status == index.StatusError {
				renderer.AddError(ui.ErrorEvent{File: f.Path, Err: fileError(f)})
			}
		}
		renderer.UpdateProgress(ev)
	})
	if err != nil {
		return nil, err
	}

	st := m.Status()
	renderer.Complete(ui.CompletionStats{
		Files:      result.Candidates,
		Indexed:    max(result.Success-result.Removed, 0),
		Skipped:    result.Skipped,
		Removed:    result.Removed,
		Errors:     result.Errors,
		Duration:   result.Duration,
		Backend:    st.Backend,
		Model:      st.Model,
		Dimensions: st.Dimensions,
	})
	return result, nil
}

func fileError(f index.FileResult) error {
	if f.Err != nil {
		return f.Err
	}
	return fmt.Errorf("%s", f.Reason)
}
