package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanindex/internal/output"
	"github.com/Aman-CERP/amanindex/internal/search"
)

type searchOptions struct {
	dir      string
	minScore float64
	limit    int
	format   string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed codebase",
		Long: `Embed the query and return the most similar code blocks.

Examples:
  amanindex search "retry with exponential backoff"
  amanindex search "http handler" --dir internal/api --limit 5
  amanindex search "config loading" --min-score 0.6 --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var minScore *float64
			if cmd.Flags().Changed("min-score") {
				minScore = &opts.minScore
			}
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), minScore, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "Only search under this directory")
	cmd.Flags().Float64Var(&opts.minScore, "min-score", 0, "Minimum similarity (default from config)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, minScore *float64, opts searchOptions) error {
	ws, err := loadWorkspace(cmd, false)
	if err != nil {
		return err
	}
	defer ws.close()

	m, err := ws.open(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	results, err := m.Search(ctx, query, search.Options{
		DirectoryPrefix: opts.dir,
		MinScore:        minScore,
		MaxResults:      opts.limit,
	})
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if opts.format == "json" {
		return out.JSON(results)
	}
	if len(results) == 0 {
		out.Status("", "No results found for \""+query+"\"")
		return nil
	}
	for i, r := range results {
		out.Hit(i+1, r.FilePath, r.StartLine, r.EndLine, r.Score, r.CodeChunk)
	}
	return nil
}
