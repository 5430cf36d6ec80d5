package model

import (
	"encoding/json"
)

// Standard attribute keys for TraceBrain spans and traces. Attribute bags are
// open: unknown keys are stored and returned verbatim, so only these
// constants carry engine semantics.
const (
	// Span identity.
	AttrSpanType = "tracebrain.span.type"

	// LLM inference attributes. NewContent holds only the delta produced by
	// this span, never the accumulated text.
	AttrLLMNewContent = "tracebrain.llm.new_content"
	AttrLLMCompletion = "tracebrain.llm.completion"
	AttrLLMTokenUsage = "tracebrain.llm.token_usage"

	// Tool execution attributes.
	AttrToolName   = "tracebrain.tool.name"
	AttrToolInput  = "tracebrain.tool.input"
	AttrToolOutput = "tracebrain.tool.output"

	// Error status, OTLP-style.
	AttrStatusCode        = "otel.status_code"
	AttrStatusDescription = "otel.status_description"
	AttrErrorType         = "tracebrain.error.type"

	// Trace-level attributes.
	AttrTraceStatus   = "tracebrain.trace.status"
	AttrTracePriority = "tracebrain.trace.priority"
	AttrEpisodeID     = "tracebrain.episode.id"
	AttrSystemPrompt  = "system_prompt"
	AttrAIEvaluation  = "tracebrain.ai_evaluation"
)

// StatusCodeError is the otel.status_code value marking a failed span.
const StatusCodeError = "ERROR"

// TokenUsage is the typed view of the tracebrain.llm.token_usage attribute.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Evaluation is the AI-evaluation block attached to a trace by the
// asynchronous evaluation worker. Optional: traces without one are excluded
// from confidence rollups rather than counted as zero.
type Evaluation struct {
	Rating     int     `json:"rating"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	Feedback   string  `json:"feedback,omitempty"`
}

// Validate checks the evaluation block's value ranges.
func (e Evaluation) Validate() error {
	if e.Rating < MinRating || e.Rating > MaxRating {
		return Invalidf("evaluation rating must be between %d and %d", MinRating, MaxRating)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return Invalidf("evaluation confidence must be within [0, 1]")
	}
	return nil
}

// attrString reads a string-valued attribute, tolerating absent keys.
func attrString(attrs map[string]any, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	v, ok := attrs[key].(string)
	return v, ok
}

// SpanTypeOf returns the enumerated span type, or empty string when the
// attribute is absent or not a known variant.
func SpanTypeOf(s Span) SpanType {
	v, ok := attrString(s.Attributes, AttrSpanType)
	if !ok || !ValidSpanType(SpanType(v)) {
		return ""
	}
	return SpanType(v)
}

// NewContentOf returns the span's delta content, or empty string.
func NewContentOf(s Span) string {
	v, _ := attrString(s.Attributes, AttrLLMNewContent)
	return v
}

// ToolNameOf returns the tool name for a tool_execution span. Spans of that
// type without a name report "unknown" so aggregation never drops them.
func ToolNameOf(s Span) string {
	if v, ok := attrString(s.Attributes, AttrToolName); ok && v != "" {
		return v
	}
	return "unknown"
}

// SpanHasError reports whether the span carries an OTLP error status.
func SpanHasError(s Span) bool {
	v, _ := attrString(s.Attributes, AttrStatusCode)
	return v == StatusCodeError
}

// TokenUsageOf decodes the token usage attribute, if present and well-formed.
func TokenUsageOf(s Span) (TokenUsage, bool) {
	raw, ok := s.Attributes[AttrLLMTokenUsage]
	if !ok {
		return TokenUsage{}, false
	}
	var u TokenUsage
	if err := decodeAttr(raw, &u); err != nil {
		return TokenUsage{}, false
	}
	return u, true
}

// TraceStatusOf returns the trace's status attribute, or empty string when
// absent or not an enumerated value.
func TraceStatusOf(t Trace) TraceStatus {
	v, ok := attrString(t.Attributes, AttrTraceStatus)
	if !ok || !ValidTraceStatus(TraceStatus(v)) {
		return ""
	}
	return TraceStatus(v)
}

// EpisodeIDOf returns the trace's episode membership, or empty string.
func EpisodeIDOf(t Trace) string {
	v, _ := attrString(t.Attributes, AttrEpisodeID)
	return v
}

// SystemPromptOf returns the trace's system prompt attribute, or empty string.
func SystemPromptOf(t Trace) string {
	v, _ := attrString(t.Attributes, AttrSystemPrompt)
	return v
}

// EvaluationOf decodes the trace's AI-evaluation block. The second return is
// false when no evaluation has been attached yet.
func EvaluationOf(t Trace) (Evaluation, bool) {
	raw, ok := t.Attributes[AttrAIEvaluation]
	if !ok {
		return Evaluation{}, false
	}
	ev, err := ParseEvaluation(raw)
	if err != nil {
		return Evaluation{}, false
	}
	return ev, true
}

// ParseEvaluation decodes and validates an ai_evaluation attribute value.
func ParseEvaluation(raw any) (Evaluation, error) {
	var ev Evaluation
	if err := decodeAttr(raw, &ev); err != nil {
		return Evaluation{}, Invalidf("malformed %s block: %v", AttrAIEvaluation, err)
	}
	if err := ev.Validate(); err != nil {
		return Evaluation{}, err
	}
	return ev, nil
}

// decodeAttr converts an attribute value (a decoded-JSON map, typically) into
// a typed struct by round-tripping through JSON.
func decodeAttr(raw, target any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}
