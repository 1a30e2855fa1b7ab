package mcp

import (
	"fmt"
	"time"

	"github.com/Aman-CERP/amanindex/internal/index"
)

// Tool names.
const (
	ToolCodebaseSearch = "codebase_search"
	ToolIndexStatus    = "index_status"
)

// SearchInput defines the input schema for the codebase_search tool.
type SearchInput struct {
	Query           string   `json:"query" jsonschema:"natural language description of the code to find"`
	DirectoryPrefix string   `json:"directory_prefix,omitempty" jsonschema:"only search files under this workspace-relative directory"`
	MinScore        *float64 `json:"min_score,omitempty" jsonschema:"minimum similarity between 0 and 1, default 0.4"`
	MaxResults      int      `json:"max_results,omitempty" jsonschema:"maximum number of results, default 50"`
}

// SearchOutput defines the output schema for the codebase_search tool.
type SearchOutput struct {
	Results  []SearchResultOutput `json:"results" jsonschema:"matching code blocks ordered by score"`
	Markdown string               `json:"markdown" jsonschema:"the results rendered for reading"`
}

// SearchResultOutput is one matching code block.
type SearchResultOutput struct {
	FilePath  string  `json:"file_path" jsonschema:"file path relative to the workspace root"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score" jsonschema:"cosine similarity between 0 and 1"`
	Content   string  `json:"content"`
}

// IndexStatusInput defines the input schema for the index_status tool (no parameters).
type IndexStatusInput struct{}

// IndexStatusOutput defines the output schema for the index_status tool.
type IndexStatusOutput struct {
	Project ProjectInfo `json:"project"`
	Index   IndexInfo   `json:"index"`
}

// IndexInfo is the index state as reported to clients.
type IndexInfo struct {
	State        string `json:"state" jsonschema:"standby, indexing, indexed or error"`
	Backend      string `json:"backend"`
	Model        string `json:"model"`
	Dimensions   int    `json:"dimensions"`
	IndexedFiles int    `json:"indexed_files"`
	Pending      int    `json:"pending" jsonschema:"file events waiting for the next batch"`
	LastBatchAt  string `json:"last_batch_at,omitempty" jsonschema:"RFC3339 time the last batch finished"`
	LastBatch    string `json:"last_batch,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func toIndexInfo(st index.Status) IndexInfo {
	info := IndexInfo{
		State:        string(st.State),
		Backend:      st.Backend,
		Model:        st.Model,
		Dimensions:   st.Dimensions,
		IndexedFiles: st.IndexedFiles,
		Pending:      st.Pending,
		LastError:    st.LastError,
	}
	if b := st.LastBatch; b != nil {
		info.LastBatchAt = b.FinishedAt.UTC().Format(time.RFC3339)
		info.LastBatch = fmt.Sprintf("%d files: %d indexed, %d skipped, %d failed", b.Files, b.Success, b.Skipped, b.Errors)
	}
	return info
}
