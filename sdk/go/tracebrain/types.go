package tracebrain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Span mirrors the server's span record. Attributes carry the delta-based
// content model: "tracebrain.llm.new_content" holds only the text this span
// added on top of its parent.
type Span struct {
	SpanID     string         `json:"span_id"`
	TraceID    string         `json:"trace_id,omitempty"`
	ParentID   *string        `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Attributes map[string]any `json:"attributes"`
	Seq        int64          `json:"seq"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SpanInput is one span in an ingestion request.
type SpanInput struct {
	SpanID     string         `json:"span_id"`
	ParentID   *string        `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Feedback is a human rating attached to a trace.
type Feedback struct {
	ID        uuid.UUID      `json:"id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Rating    int            `json:"rating"`
	Comment   string         `json:"comment,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FeedbackInput is the payload for attaching feedback to a trace.
// Rating must be between 1 and 5.
type FeedbackInput struct {
	Rating   int            `json:"rating"`
	Comment  string         `json:"comment,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Signal is an explicit review marker on a trace.
type Signal struct {
	ID        uuid.UUID `json:"id"`
	TraceID   string    `json:"trace_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Trace is a stored trace with its raw spans.
type Trace struct {
	TraceID    string         `json:"trace_id"`
	Attributes map[string]any `json:"attributes"`
	Spans      []Span         `json:"spans"`
	Feedbacks  []Feedback     `json:"feedbacks,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SpanView is a span with its full content reconstructed from the ancestor
// chain's deltas.
type SpanView struct {
	Span
	ReconstructedContent string `json:"reconstructed_content"`
}

// TraceView is the read model returned by GetTrace.
type TraceView struct {
	TraceID    string         `json:"trace_id"`
	Attributes map[string]any `json:"attributes"`
	Spans      []SpanView     `json:"spans"`
	Feedbacks  []Feedback     `json:"feedbacks,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IngestTraceRequest is the payload for POST /traces. Spans merge into any
// existing forest for the trace id; the whole batch is applied atomically.
type IngestTraceRequest struct {
	TraceID    string         `json:"trace_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Spans      []SpanInput    `json:"spans"`
	Feedback   *FeedbackInput `json:"feedback,omitempty"`
}

// Episode groups the traces that share an episode id, in ingestion order.
type Episode struct {
	EpisodeID string  `json:"episode_id"`
	Traces    []Trace `json:"traces"`
}

// TracePage is one page of a trace listing.
type TracePage struct {
	Traces  []Trace
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// TraceStats is the server's aggregate health view over recent traces.
type TraceStats struct {
	TotalTraces   int            `json:"total_traces"`
	StatusCounts  map[string]int `json:"status_counts"`
	SuccessRate   *float64       `json:"success_rate,omitempty"`
	AvgRating     *float64       `json:"avg_rating,omitempty"`
	RatedTraces   int            `json:"rated_traces"`
	AvgConfidence *float64       `json:"avg_confidence,omitempty"`
	Evaluated     int            `json:"evaluated_traces"`
	ErrorCounts   map[string]int `json:"error_counts"`
	TotalSpans    int            `json:"total_spans"`
	TotalTokens   int64          `json:"total_tokens"`
	Episodes      []EpisodeStats `json:"episodes,omitempty"`
}

// EpisodeStats is one episode's rollup within TraceStats.
type EpisodeStats struct {
	EpisodeID     string   `json:"episode_id"`
	TraceCount    int      `json:"trace_count"`
	SuccessRate   *float64 `json:"success_rate,omitempty"`
	AvgRating     *float64 `json:"avg_rating,omitempty"`
	AvgConfidence *float64 `json:"avg_confidence,omitempty"`
	Evaluated     int      `json:"evaluated_traces"`
}

// ToolStat describes one tool's usage across all traces.
type ToolStat struct {
	Name        string  `json:"name"`
	Calls       int     `json:"calls"`
	Errors      int     `json:"errors"`
	ErrorRate   float64 `json:"error_rate"`
	AvgDuration float64 `json:"avg_duration_ms"`
}

// ToolUsage is the per-tool rollup.
type ToolUsage struct {
	TotalCalls int        `json:"total_calls"`
	Tools      []ToolStat `json:"tools"`
}

// EvaluateResponse acknowledges an asynchronous evaluation request.
type EvaluateResponse struct {
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
}

// QueryResponse is the answer to a natural language query. Query echoes the
// structured query the question was translated into; Result is the raw
// result payload, whose shape depends on the query kind.
type QueryResponse struct {
	Query  StructuredQuery `json:"query"`
	Result json.RawMessage `json:"result"`
}

// StructuredQuery is the server's closed query grammar.
type StructuredQuery struct {
	Kind      string         `json:"kind"`
	TraceID   string         `json:"trace_id,omitempty"`
	EpisodeID string         `json:"episode_id,omitempty"`
	Filter    map[string]any `json:"filter,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

// HealthResponse reports server health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	Evaluator string `json:"evaluator,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
