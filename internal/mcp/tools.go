package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/reconstruct"
	"github.com/tracebrain/tracebrain/internal/storage"
	"github.com/tracebrain/tracebrain/internal/translate"
)

func (s *Server) registerTools() {
	// tracebrain_recent — recent traces, optionally filtered by status.
	s.mcpServer.AddTool(
		mcplib.NewTool("tracebrain_recent",
			mcplib.WithDescription(`List the most recently ingested agent traces.

WHEN TO USE: as the starting point for any investigation. The result gives
you trace ids you can drill into with tracebrain_get_trace.

WHAT YOU GET BACK: trace ids, status, episode membership, and attached
feedback for each trace, newest first.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Filter by trace status: pending, running, completed, or failed"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum traces to return (default 10)"),
			),
		),
		s.handleRecent,
	)

	// tracebrain_get_trace — full trace with reconstructed span content.
	s.mcpServer.AddTool(
		mcplib.NewTool("tracebrain_get_trace",
			mcplib.WithDescription(`Fetch one trace with the full span tree and reconstructed content.

Spans store only the text each step ADDED. This tool resolves every span's
full content by concatenating the deltas along its ancestor chain, so you
see what the agent's context actually looked like at that point.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trace_id",
				mcplib.Description("The trace identifier"),
				mcplib.Required(),
			),
		),
		s.handleGetTrace,
	)

	// tracebrain_search — substring search over system prompts.
	s.mcpServer.AddTool(
		mcplib.NewTool("tracebrain_search",
			mcplib.WithDescription(`Search traces whose system prompt contains a given text fragment.

Useful for finding every run of a particular agent configuration, e.g. all
traces whose prompt mentions "code review".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("prompt_contains",
				mcplib.Description("Case-insensitive fragment to match against the system prompt"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum traces to return (default 10)"),
			),
		),
		s.handleSearch,
	)

	// tracebrain_stats — aggregate store statistics.
	s.mcpServer.AddTool(
		mcplib.NewTool("tracebrain_stats",
			mcplib.WithDescription(`Aggregate statistics over the whole trace store: trace counts by status,
success rate, average human rating, average AI evaluation confidence,
error type counts, and token totals.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleStats,
	)

	// tracebrain_tool_usage — per-tool call statistics.
	s.mcpServer.AddTool(
		mcplib.NewTool("tracebrain_tool_usage",
			mcplib.WithDescription(`Per-tool usage statistics across all traces: call counts, error rates,
and average durations for every tool the agents invoked.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleToolUsage,
	)

	// tracebrain_query — natural language query over the store.
	s.mcpServer.AddTool(
		mcplib.NewTool("tracebrain_query",
			mcplib.WithDescription(`Ask a question about the trace store in natural language.

The question is translated into a structured query by an LLM and executed
against the store. Prefer the specific tools above when you already know
what you want; use this for open-ended questions like "show me failed
traces from episode checkout with rating below 3".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("question",
				mcplib.Description("Natural language question about the traces"),
				mcplib.Required(),
			),
		),
		s.handleQuery,
	)
}

func (s *Server) handleRecent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var filter model.TraceFilter
	if v := request.GetString("status", ""); v != "" {
		status := model.TraceStatus(v)
		filter.Status = &status
	}
	limit := request.GetInt("limit", 10)

	traces, total, err := s.store.ListTraces(ctx, filter, 0, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list traces failed: %v", err)), nil
	}
	if traces == nil {
		traces = []model.Trace{}
	}

	data, _ := json.MarshalIndent(map[string]any{
		"traces": traces,
		"total":  total,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleGetTrace(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}

	tr, err := s.store.GetTrace(ctx, traceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("trace %s not found", traceID)), nil
		}
		return errorResult(fmt.Sprintf("get trace failed: %v", err)), nil
	}

	view, err := reconstruct.View(tr)
	if err != nil {
		return errorResult(fmt.Sprintf("reconstruct trace failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(view, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	fragment := request.GetString("prompt_contains", "")
	if fragment == "" {
		return errorResult("prompt_contains is required"), nil
	}
	limit := request.GetInt("limit", 10)

	filter := model.TraceFilter{PromptContains: &fragment}
	traces, total, err := s.store.ListTraces(ctx, filter, 0, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	if traces == nil {
		traces = []model.Trace{}
	}

	data, _ := json.MarshalIndent(map[string]any{
		"traces": traces,
		"total":  total,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	stats, err := s.analytics.Stats(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("stats failed: %v", err)), nil
	}
	data, _ := json.MarshalIndent(stats, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleToolUsage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	usage, err := s.analytics.Tools(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("tool usage failed: %v", err)), nil
	}
	data, _ := json.MarshalIndent(usage, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.translator == nil {
		return errorResult("no translation provider configured"), nil
	}
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	query, err := s.translator.Translate(ctx, question)
	if err != nil {
		var tfe *translate.TranslationFailedError
		if errors.As(err, &tfe) {
			return errorResult("question could not be translated into a supported query; try rephrasing or use a specific tool"), nil
		}
		return errorResult(fmt.Sprintf("translation failed: %v", err)), nil
	}

	result, err := s.executeQuery(ctx, query)
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(model.NLQueryResponse{Query: query, Result: result}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) executeQuery(ctx context.Context, q model.StructuredQuery) (any, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	switch q.Kind {
	case model.QueryListTraces:
		traces, total, err := s.store.ListTraces(ctx, q.Filter, 0, limit)
		if err != nil {
			return nil, err
		}
		if traces == nil {
			traces = []model.Trace{}
		}
		return model.PagedResult[model.Trace]{Items: traces, Total: total, Limit: limit}, nil
	case model.QueryGetTrace:
		tr, err := s.store.GetTrace(ctx, q.TraceID)
		if err != nil {
			return nil, err
		}
		return reconstruct.View(tr)
	case model.QueryEpisodeTraces:
		traces, err := s.store.ListEpisodeTraces(ctx, q.EpisodeID)
		if err != nil {
			return nil, err
		}
		return model.Episode{EpisodeID: q.EpisodeID, Traces: traces}, nil
	case model.QueryStats:
		return s.analytics.Stats(ctx)
	case model.QueryToolUsage:
		return s.analytics.Tools(ctx)
	default:
		return nil, errors.New("mcp: unsupported query kind")
	}
}
