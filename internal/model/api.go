package model

import (
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
// Total reflects the filtered-but-unpaginated count.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeTranslationFailed = "TRANSLATION_FAILED"
	ErrCodeProviderError     = "PROVIDER_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// SpanInput is a single span in an ingestion request. Seq is assigned
// server-side; everything else comes from the caller.
type SpanInput struct {
	SpanID     string         `json:"span_id"`
	ParentID   *string        `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span converts the input into a Span for validation and persistence.
func (in SpanInput) Span(traceID string) Span {
	attrs := in.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return Span{
		SpanID:     in.SpanID,
		TraceID:    traceID,
		ParentID:   in.ParentID,
		Name:       in.Name,
		StartTime:  in.StartTime,
		EndTime:    in.EndTime,
		Attributes: attrs,
	}
}

// FeedbackInput is a feedback record in an ingestion or append request.
type FeedbackInput struct {
	Rating   int            `json:"rating"`
	Comment  string         `json:"comment,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IngestTraceRequest is the request body for POST /traces. Upsert semantics:
// spans merge into any existing forest for the trace id.
type IngestTraceRequest struct {
	TraceID    string         `json:"trace_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Spans      []SpanInput    `json:"spans"`
	Feedback   *FeedbackInput `json:"feedback,omitempty"`
}

// Validate checks the request's structural conformance. Batch-level checks
// only; per-span attribute conformance is ValidateSpan's job.
func (r IngestTraceRequest) Validate() error {
	if err := ValidateTraceID(r.TraceID); err != nil {
		return err
	}
	if len(r.Spans) == 0 && r.Feedback == nil && len(r.Attributes) == 0 {
		return Invalidf("request must carry spans, attributes, or feedback")
	}
	if r.Feedback != nil {
		if err := ValidateFeedback(Feedback{Rating: r.Feedback.Rating}); err != nil {
			return err
		}
	}
	return nil
}

// SignalRequest is the request body for POST /traces/{id}/signal.
type SignalRequest struct {
	Reason string `json:"reason"`
}

// NLQueryRequest is the request body for POST /natural_language_query.
type NLQueryRequest struct {
	Question string `json:"question"`
}

// NLQueryResponse pairs the translated query with its execution result, so
// callers can audit exactly what ran against the store.
type NLQueryResponse struct {
	Query  StructuredQuery `json:"query"`
	Result any             `json:"result"`
}

// SpanView is a span plus its lazily reconstructed full content, returned by
// GET /traces/{id}.
type SpanView struct {
	Span
	ReconstructedContent string `json:"reconstructed_content"`
}

// TraceView is the response shape for single-trace reads.
type TraceView struct {
	TraceID    string         `json:"trace_id"`
	Attributes map[string]any `json:"attributes"`
	Spans      []SpanView     `json:"spans"`
	Feedbacks  []Feedback     `json:"feedbacks,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	Evaluator string `json:"evaluator,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
