package model

import (
	"time"

	"github.com/google/uuid"
)

// TraceStatus is the lifecycle state recorded in the trace attribute bag.
type TraceStatus string

const (
	TraceStatusPending   TraceStatus = "pending"
	TraceStatusRunning   TraceStatus = "running"
	TraceStatusCompleted TraceStatus = "completed"
	TraceStatusFailed    TraceStatus = "failed"
)

// ValidTraceStatus reports whether s is one of the enumerated statuses.
func ValidTraceStatus(s TraceStatus) bool {
	switch s {
	case TraceStatusPending, TraceStatusRunning, TraceStatusCompleted, TraceStatusFailed:
		return true
	}
	return false
}

// Trace is a complete agent execution: the forest of spans sharing a
// trace_id, plus trace-level attributes and the append-only feedback log.
// Created on first ingestion; only ever appended to.
type Trace struct {
	TraceID    string         `json:"trace_id"`
	Attributes map[string]any `json:"attributes"`
	Spans      []Span         `json:"spans"`
	Feedbacks  []Feedback     `json:"feedbacks,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Feedback is a single human feedback record attached to a trace.
// The feedback log is append-only; entries are never mutated or removed.
type Feedback struct {
	ID        uuid.UUID      `json:"id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Rating    int            `json:"rating"`
	Comment   string         `json:"comment,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LatestFeedback returns the most recently appended feedback entry, or nil.
func (t Trace) LatestFeedback() *Feedback {
	if len(t.Feedbacks) == 0 {
		return nil
	}
	return &t.Feedbacks[len(t.Feedbacks)-1]
}

// Signal flags a trace for human review with a free-text reason.
type Signal struct {
	ID        uuid.UUID `json:"id"`
	TraceID   string    `json:"trace_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Episode is a derived grouping of traces forming one session. Episodes are
// never mutated directly; membership comes from the episode id attribute.
type Episode struct {
	EpisodeID string  `json:"episode_id"`
	Traces    []Trace `json:"traces"`
}

// Feedback rating bounds (1 = worst, 5 = best).
const (
	MinRating = 1
	MaxRating = 5
)

// ValidateFeedback checks a feedback record submitted for append.
func ValidateFeedback(f Feedback) error {
	if f.Rating < MinRating || f.Rating > MaxRating {
		return Invalidf("feedback rating must be between %d and %d", MinRating, MaxRating)
	}
	return nil
}

// MaxTraceIDLen bounds caller-supplied trace identifiers.
const MaxTraceIDLen = 128

// ValidateTraceID checks that a caller-supplied trace id is usable.
func ValidateTraceID(id string) error {
	if id == "" {
		return Invalidf("trace_id is required")
	}
	if len(id) > MaxTraceIDLen {
		return Invalidf("trace_id exceeds maximum length of %d characters", MaxTraceIDLen)
	}
	return nil
}
