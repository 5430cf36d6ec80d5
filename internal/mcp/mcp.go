// Package mcp implements the Model Context Protocol server for Tracebrain.
//
// The MCP server exposes the trace store's read side through MCP resources
// and tools, so MCP-compatible AI agents can inspect traces, analytics, and
// run natural language queries without going through the HTTP API.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tracebrain/tracebrain/internal/analytics"
	"github.com/tracebrain/tracebrain/internal/model"
)

// Store is the subset of the trace store the MCP server reads from.
type Store interface {
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)
	ListTraces(ctx context.Context, filter model.TraceFilter, skip, limit int) ([]model.Trace, int, error)
	ListEpisodeTraces(ctx context.Context, episodeID string) ([]model.Trace, error)
}

// Translator converts natural language questions into structured queries.
type Translator interface {
	Translate(ctx context.Context, question string) (model.StructuredQuery, error)
}

// Server wraps the MCP server with Tracebrain's service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	store      Store
	analytics  *analytics.Engine
	translator Translator
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts. Translator may be nil; the natural language query tool then
// reports that no provider is configured.
func New(store Store, engine *analytics.Engine, translator Translator, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:      store,
		analytics:  engine,
		translator: translator,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tracebrain",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
