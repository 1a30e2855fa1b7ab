package mcp

import (
	"fmt"
	"path"
	"strings"

	"github.com/Aman-CERP/amanindex/internal/search"
)

// FormatSearchResults renders results as markdown.
func FormatSearchResults(query string, results []search.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Search Results for \"%s\"\n\n", query)
	fmt.Fprintf(&sb, "Found %d result", len(results))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		formatResult(&sb, i+1, r)
	}
	return sb.String()
}

func formatResult(sb *strings.Builder, num int, r search.Result) {
	fmt.Fprintf(sb, "### %d. %s:%d-%d (score: %.2f)\n",
		num,
		r.FilePath,
		r.StartLine,
		r.EndLine,
		r.Score,
	)
	fmt.Fprintf(sb, "```%s\n%s\n```\n\n", fenceLanguage(r.FilePath), strings.TrimRight(r.CodeChunk, "\n"))
}

// fenceLanguage picks a code fence hint from the file extension.
func fenceLanguage(file string) string {
	switch ext := strings.TrimPrefix(path.Ext(file), "."); ext {
	case "":
		return "text"
	case "py":
		return "python"
	case "rs":
		return "rust"
	case "ts", "tsx":
		return "typescript"
	case "js", "jsx", "mjs":
		return "javascript"
	case "md":
		return "markdown"
	default:
		return ext
	}
}

// ToSearchResultOutput converts a search result to the tool output format.
func ToSearchResultOutput(r search.Result) SearchResultOutput {
	return SearchResultOutput{
		FilePath:  r.FilePath,
		StartLine: r.StartLine,
		EndLine:   r.EndLine,
		Score:     r.Score,
		Content:   r.CodeChunk,
	}
}

// clampLimit bounds limit, mapping non-positive values to defaultVal.
func clampLimit(limit, defaultVal, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit > max {
		return max
	}
	return limit
}
