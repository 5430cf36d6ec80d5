package storage

import (
	"context"
	"fmt"

	"github.com/tracebrain/tracebrain/internal/model"
)

// ListEpisodeTraces returns all traces belonging to an episode, ordered by
// creation time ascending so the session reads chronologically. Episodes are
// derived groupings: membership comes from the episode attribute, and an
// episode with no member traces does not exist.
func (db *DB) ListEpisodeTraces(ctx context.Context, episodeID string) ([]model.Trace, error) {
	if episodeID == "" {
		return nil, model.Invalidf("episode_id is required")
	}
	rows, err := db.pool.Query(ctx,
		`SELECT trace_id, attributes, created_at FROM traces
		 WHERE attributes->>'`+model.AttrEpisodeID+`' = $1
		 ORDER BY created_at ASC, trace_id ASC`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("storage: list episode %s traces: %w", episodeID, err)
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
	if len(traces) == 0 {
		return nil, ErrNotFound
	}

	if err := db.attachSpansAndFeedbacks(ctx, traces); err != nil {
		return nil, err
	}
	return traces, nil
}
