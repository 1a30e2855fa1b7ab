package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/amanindex/internal/index"
	"github.com/Aman-CERP/amanindex/internal/search"
	"github.com/Aman-CERP/amanindex/internal/store"
	"github.com/Aman-CERP/amanindex/pkg/version"
)

// ServerName is reported to clients during initialization.
const ServerName = "amanindex"

// Backend is the index the server answers from. *index.Manager implements it.
type Backend interface {
	Root() string
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
	Status() index.Status
}

// Server exposes a workspace index as MCP tools.
type Server struct {
	mcp     *mcp.Server
	backend Backend
	project ProjectInfo
	logger  *slog.Logger
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name: ToolCodebaseSearch,
		Description: "Semantic code search over the indexed workspace. Describe the behaviour you are looking for " +
			"in natural language; results are code blocks ranked by similarity. Narrow with directory_prefix.",
	},
	{
		Name:        ToolIndexStatus,
		Description: "Report whether the workspace index is ready, which embedding model built it and how many files it holds.",
	},
}

// NewServer creates an MCP server over backend.
func NewServer(backend Backend, logger *slog.Logger) (*Server, error) {
	if backend == nil {
		return nil, errors.New("index backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		backend: backend,
		project: DetectProject(backend.Root()),
		logger:  logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    ServerName,
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[0].Name,
		Description: tools[0].Description,
	}, s.mcpSearchHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[1].Name,
		Description: tools[1].Description,
	}, s.mcpIndexStatusHandler)

	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

// CallTool invokes a tool by name with JSON-style arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolCodebaseSearch:
		var input SearchInput
		if err := decodeArgs(args, &input); err != nil {
			return nil, err
		}
		return s.search(ctx, input)
	case ToolIndexStatus:
		return s.status(), nil
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func decodeArgs(args map[string]any, dst any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return NewInvalidParamsError(err.Error())
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	output, err := s.search(ctx, input)
	if err != nil {
		return nil, SearchOutput{}, err
	}
	return nil, output, nil
}

func (s *Server) mcpIndexStatusHandler(_ context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	IndexStatusOutput,
	error,
) {
	return nil, s.status(), nil
}

func (s *Server) search(ctx context.Context, input SearchInput) (SearchOutput, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return SearchOutput{}, NewInvalidParamsError("query cannot be empty or whitespace only")
	}
	if input.MinScore != nil && (*input.MinScore < 0 || *input.MinScore > 1) {
		return SearchOutput{}, NewInvalidParamsError("min_score must be between 0 and 1")
	}

	start := time.Now()
	requestID := generateRequestID()
	opts := search.Options{
		DirectoryPrefix: input.DirectoryPrefix,
		MinScore:        input.MinScore,
		MaxResults:      clampLimit(input.MaxResults, store.DefaultMaxResults, store.DefaultMaxResults),
	}

	results, err := s.backend.Search(ctx, query, opts)
	if err != nil {
		s.logger.Error("mcp_search_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return SearchOutput{}, MapError(err)
	}

	s.logger.Info("mcp_search_complete",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_count", len(results)))

	output := SearchOutput{
		Results:  make([]SearchResultOutput, 0, len(results)),
		Markdown: FormatSearchResults(query, results),
	}
	for _, r := range results {
		output.Results = append(output.Results, ToSearchResultOutput(r))
	}
	return output, nil
}

func (s *Server) status() IndexStatusOutput {
	return IndexStatusOutput{Project: s.project, Index: toIndexInfo(s.backend.Status())}
}

// Serve runs the server on the given transport until ctx is canceled.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp_server_stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
