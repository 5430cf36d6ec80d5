package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// investigate-trace — guides the agent through a structured trace review.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("investigate-trace",
			mcplib.WithPromptDescription("Walk through one trace step by step and diagnose what went wrong"),
			mcplib.WithArgument("trace_id",
				mcplib.ArgumentDescription("The trace to investigate"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleInvestigatePrompt,
	)

	// analyst-setup — system prompt snippet for trace analysis sessions.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("analyst-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Tracebrain analysis workflow"),
		),
		s.handleAnalystSetupPrompt,
	)
}

func (s *Server) handleInvestigatePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	traceID := request.Params.Arguments["trace_id"]
	if traceID == "" {
		return nil, fmt.Errorf("trace_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Investigate trace %s", traceID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Investigate trace %s step by step:

1. CALL tracebrain_get_trace with trace_id="%s". The reconstructed_content
   of each span is the full context the agent had at that step, not just
   the delta it added.

2. WALK the span tree from the root. At each step note:
   - what new content the step added
   - which tools were called and whether they errored
   - where the conversation branched, and why

3. CHECK the trace attributes for an error type, an AI evaluation, and
   human feedback. If humans rated the trace low, find the span where
   the run went off course.

4. COMPARE against siblings when useful: tracebrain_recent and
   tracebrain_search find similar traces to contrast with.

Report the root cause span, what the agent should have done instead, and
whether the failure looks systemic (check tracebrain_tool_usage for
elevated error rates on the tools involved).`, traceID, traceID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAnalystSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Tracebrain analysis workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Tracebrain, a store of AI agent execution traces. Each
trace is a tree of spans; a span records only the content its step ADDED,
and the store reconstructs the full context of any step on demand.

## Workflow

Start broad, then drill in:

1. tracebrain_stats for the overall picture: success rate, error types,
   ratings, token spend.
2. tracebrain_recent or tracebrain_search to find traces worth a look.
3. tracebrain_get_trace to walk one trace with reconstructed content.
4. tracebrain_tool_usage when tool failures look like the cause.

## Available Tools

- tracebrain_recent: recent traces, newest first (good starting point)
- tracebrain_search: find traces by system prompt fragment
- tracebrain_get_trace: one trace with full reconstructed span content
- tracebrain_stats: store-wide aggregate statistics
- tracebrain_tool_usage: per-tool call counts, error rates, durations
- tracebrain_query: open-ended natural language questions

## Reading a trace

Spans carry a type attribute: user_request, llm_inference, or
tool_execution. Sibling spans under one parent are alternative branches
that shared the same context up to that point. A span with
otel.status_code=ERROR failed; the error type is on its attributes.
Human feedback and AI evaluations live on the trace, not on spans.`,
				},
			},
		},
	}, nil
}
