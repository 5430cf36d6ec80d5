package tracebrain

import "time"

// TraceSummary is the public representation of an ingested trace.
// It is a curated view of internal/model.Trace for use in extension
// interfaces. No internal package imports, so it is safe to use from
// outside the module.
type TraceSummary struct {
	TraceID string
	// Attributes is the trace-level attribute bag, returned verbatim.
	Attributes map[string]any
	Spans      []SpanSummary
	// EpisodeID is empty when the trace belongs to no episode.
	EpisodeID string
	// Status is the trace lifecycle attribute, empty when unset.
	Status    string
	CreatedAt time.Time
}

// SpanSummary is the public representation of one span in a trace.
// NewContent carries only the delta produced by this span; full content
// reconstruction is available via the HTTP and MCP read paths.
type SpanSummary struct {
	SpanID     string
	ParentID   *string
	Name       string
	Type       string
	NewContent string
	Seq        int64
	StartTime  time.Time
	EndTime    time.Time
}

// CompletionOptions tunes a single completion call made through an external
// CompletionProvider. Zero values mean provider defaults.
type CompletionOptions struct {
	System      string
	Temperature float32
	MaxTokens   int
	// JSONMode asks the provider to return a single JSON object.
	JSONMode bool
}
