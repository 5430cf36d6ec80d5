// Package model defines the core domain types for TraceBrain.
//
// Types correspond directly to database tables and wire payloads. Spans and
// traces carry an open attribute bag; the typed accessors in attributes.go
// are the supported way to read well-known keys.
package model

import (
	"time"
)

// SpanType classifies a span by the kind of agent work it records.
type SpanType string

const (
	SpanTypeUserRequest   SpanType = "user_request"
	SpanTypeLLMInference  SpanType = "llm_inference"
	SpanTypeToolExecution SpanType = "tool_execution"
)

// ValidSpanType reports whether t is one of the enumerated span types.
func ValidSpanType(t SpanType) bool {
	switch t {
	case SpanTypeUserRequest, SpanTypeLLMInference, SpanTypeToolExecution:
		return true
	}
	return false
}

// Span is a single unit of agent work within a trace. Spans form a forest
// via ParentID; content is stored as deltas and reconstructed on demand.
// Immutable once ingested.
type Span struct {
	SpanID     string         `json:"span_id"`
	TraceID    string         `json:"trace_id,omitempty"`
	ParentID   *string        `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Attributes map[string]any `json:"attributes"`
	// Seq is the per-trace ingestion sequence number. It defines sibling
	// order during reconstruction and is assigned server-side.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxSpanNameLen bounds the human-readable span name.
const MaxSpanNameLen = 500

// ValidateSpan checks structural and attribute-schema conformance for a span
// submitted for ingestion. Forest-level checks (parent resolution, cycles)
// are the reconstruction engine's job.
func ValidateSpan(s Span) error {
	if s.SpanID == "" {
		return Invalidf("span_id is required")
	}
	if s.ParentID != nil && *s.ParentID == s.SpanID {
		return Invalidf("span %s: parent_id must not reference the span itself", s.SpanID)
	}
	if len(s.Name) > MaxSpanNameLen {
		return Invalidf("span %s: name exceeds maximum length of %d characters", s.SpanID, MaxSpanNameLen)
	}
	if !s.StartTime.IsZero() && !s.EndTime.IsZero() && s.EndTime.Before(s.StartTime) {
		return Invalidf("span %s: end_time precedes start_time", s.SpanID)
	}
	if raw, ok := s.Attributes[AttrSpanType]; ok {
		st, ok := raw.(string)
		if !ok || !ValidSpanType(SpanType(st)) {
			return Invalidf("span %s: invalid %s value %v", s.SpanID, AttrSpanType, raw)
		}
	}
	if eval, ok := s.Attributes[AttrAIEvaluation]; ok {
		if _, err := ParseEvaluation(eval); err != nil {
			return Invalidf("span %s: %v", s.SpanID, err)
		}
	}
	return nil
}
