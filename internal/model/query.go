package model

import (
	"time"
)

// TraceFilter is the composable filter vocabulary for trace queries.
// All set fields combine with AND; a nil field means no constraint on that
// dimension, never "match empty".
type TraceFilter struct {
	Status         *TraceStatus `json:"status,omitempty"`
	ErrorType      *string      `json:"error_type,omitempty"`
	MinRating      *int         `json:"min_rating,omitempty"`
	ConfidenceMin  *float64     `json:"confidence_min,omitempty"`
	ConfidenceMax  *float64     `json:"confidence_max,omitempty"`
	StartedAfter   *time.Time   `json:"started_after,omitempty"`
	StartedBefore  *time.Time   `json:"started_before,omitempty"`
	EpisodeID      *string      `json:"episode_id,omitempty"`
	PromptContains *string      `json:"prompt_contains,omitempty"`
}

// Validate checks filter value ranges; an empty filter is always valid.
func (f TraceFilter) Validate() error {
	if f.Status != nil && !ValidTraceStatus(*f.Status) {
		return Invalidf("unknown status %q", *f.Status)
	}
	if f.MinRating != nil && (*f.MinRating < MinRating || *f.MinRating > MaxRating) {
		return Invalidf("min_rating must be between %d and %d", MinRating, MaxRating)
	}
	if f.ConfidenceMin != nil && (*f.ConfidenceMin < 0 || *f.ConfidenceMin > 1) {
		return Invalidf("confidence_min must be within [0, 1]")
	}
	if f.ConfidenceMax != nil && (*f.ConfidenceMax < 0 || *f.ConfidenceMax > 1) {
		return Invalidf("confidence_max must be within [0, 1]")
	}
	if f.ConfidenceMin != nil && f.ConfidenceMax != nil && *f.ConfidenceMin > *f.ConfidenceMax {
		return Invalidf("confidence_min must not exceed confidence_max")
	}
	if f.StartedAfter != nil && f.StartedBefore != nil && f.StartedAfter.After(*f.StartedBefore) {
		return Invalidf("started_after must not be after started_before")
	}
	return nil
}

// QueryKind selects which read operation a structured query executes.
type QueryKind string

const (
	QueryListTraces    QueryKind = "list_traces"
	QueryGetTrace      QueryKind = "get_trace"
	QueryEpisodeTraces QueryKind = "episode_traces"
	QueryStats         QueryKind = "stats"
	QueryToolUsage     QueryKind = "tool_usage"
)

// ValidQueryKind reports whether k is part of the closed query grammar.
func ValidQueryKind(k QueryKind) bool {
	switch k {
	case QueryListTraces, QueryGetTrace, QueryEpisodeTraces, QueryStats, QueryToolUsage:
		return true
	}
	return false
}

// StructuredQuery is the closed grammar the natural-language translator emits.
// It is restricted to the trace store's filter vocabulary and the analytics
// operations; it is never an executable expression. Translated queries run
// against live data, so anything outside this grammar must be rejected at
// parse time, not coerced.
type StructuredQuery struct {
	Kind      QueryKind   `json:"kind"`
	TraceID   string      `json:"trace_id,omitempty"`
	EpisodeID string      `json:"episode_id,omitempty"`
	Filter    TraceFilter `json:"filter,omitzero"`
	Limit     int         `json:"limit,omitempty"`
}

// maxQueryLimit caps translator-chosen result sizes.
const maxQueryLimit = 100

// Validate enforces grammar closure on a decoded structured query.
func (q StructuredQuery) Validate() error {
	if !ValidQueryKind(q.Kind) {
		return Invalidf("unknown query kind %q", q.Kind)
	}
	if q.Kind == QueryGetTrace && q.TraceID == "" {
		return Invalidf("get_trace requires trace_id")
	}
	if q.Kind == QueryEpisodeTraces && q.EpisodeID == "" {
		return Invalidf("episode_traces requires episode_id")
	}
	if q.Limit < 0 || q.Limit > maxQueryLimit {
		return Invalidf("limit must be between 0 and %d", maxQueryLimit)
	}
	if err := q.Filter.Validate(); err != nil {
		return err
	}
	return nil
}

// PagedResult wraps paginated query results.
type PagedResult[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
