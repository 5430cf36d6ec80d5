package storage

import (
	"context"
	"fmt"

	"github.com/tracebrain/tracebrain/internal/model"
)

// SnapshotTraces returns the most recent limit traces with spans and
// feedbacks attached, for analytics passes that fold over whole traces.
// A limit <= 0 means no cap.
func (db *DB) SnapshotTraces(ctx context.Context, limit int) ([]model.Trace, error) {
	q := `SELECT trace_id, attributes, created_at FROM traces
	      ORDER BY created_at DESC, trace_id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: snapshot traces: %w", err)
	}
	defer rows.Close()

	var traces []model.Trace
	for rows.Next() {
		var t model.Trace
		if err := rows.Scan(&t.TraceID, &t.Attributes, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.attachSpansAndFeedbacks(ctx, traces); err != nil {
		return nil, err
	}
	return traces, nil
}

// attachSpansAndFeedbacks bulk-loads spans and feedbacks for a slice of
// traces with two queries rather than one pair per trace.
func (db *DB) attachSpansAndFeedbacks(ctx context.Context, traces []model.Trace) error {
	if len(traces) == 0 {
		return nil
	}
	ids := make([]string, len(traces))
	index := make(map[string]int, len(traces))
	for i, t := range traces {
		ids[i] = t.TraceID
		index[t.TraceID] = i
	}

	spanRows, err := db.pool.Query(ctx,
		`SELECT span_id, trace_id, parent_id, name, start_time, end_time, attributes, seq, created_at
		 FROM spans WHERE trace_id = ANY($1) ORDER BY trace_id, seq ASC`, ids)
	if err != nil {
		return fmt.Errorf("storage: bulk load spans: %w", err)
	}
	defer spanRows.Close()
	for spanRows.Next() {
		var s model.Span
		if err := spanRows.Scan(&s.SpanID, &s.TraceID, &s.ParentID, &s.Name,
			&s.StartTime, &s.EndTime, &s.Attributes, &s.Seq, &s.CreatedAt); err != nil {
			return fmt.Errorf("storage: scan span: %w", err)
		}
		i := index[s.TraceID]
		traces[i].Spans = append(traces[i].Spans, s)
	}
	if err := spanRows.Err(); err != nil {
		return err
	}

	fbRows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, rating, comment, tags, metadata, created_at
		 FROM feedbacks WHERE trace_id = ANY($1) ORDER BY trace_id, created_at ASC, id ASC`, ids)
	if err != nil {
		return fmt.Errorf("storage: bulk load feedbacks: %w", err)
	}
	defer fbRows.Close()
	for fbRows.Next() {
		var fb model.Feedback
		if err := fbRows.Scan(&fb.ID, &fb.TraceID, &fb.Rating, &fb.Comment,
			&fb.Tags, &fb.Metadata, &fb.CreatedAt); err != nil {
			return fmt.Errorf("storage: scan feedback: %w", err)
		}
		i := index[fb.TraceID]
		traces[i].Feedbacks = append(traces[i].Feedbacks, fb)
	}
	return fbRows.Err()
}

// StoreStats is a coarse inventory of the store's contents.
type StoreStats struct {
	Traces    int `json:"traces"`
	Spans     int `json:"spans"`
	Feedbacks int `json:"feedbacks"`
	Signals   int `json:"signals"`
	Episodes  int `json:"episodes"`
}

// Stats counts the store's rows. Episode count is derived from distinct
// episode attributes, matching how episode membership is defined.
func (db *DB) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	err := db.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM traces),
			(SELECT COUNT(*) FROM spans),
			(SELECT COUNT(*) FROM feedbacks),
			(SELECT COUNT(*) FROM signals),
			(SELECT COUNT(DISTINCT attributes->>'`+model.AttrEpisodeID+`') FROM traces
			 WHERE attributes ? '`+model.AttrEpisodeID+`')`,
	).Scan(&st.Traces, &st.Spans, &st.Feedbacks, &st.Signals, &st.Episodes)
	if err != nil {
		return StoreStats{}, fmt.Errorf("storage: store stats: %w", err)
	}
	return st, nil
}
