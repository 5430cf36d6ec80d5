package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tracebrain/tracebrain/internal/model"
)

// AppendFeedback appends a human feedback record to a trace's ledger. The
// ledger is append-only: records are never updated or removed, and the latest
// entry governs rating-based filters.
func (db *DB) AppendFeedback(ctx context.Context, traceID string, in model.FeedbackInput) (model.Feedback, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("storage: begin feedback tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fb, err := appendFeedbackTx(ctx, tx, traceID, in, time.Now().UTC())
	if err != nil {
		return model.Feedback{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Feedback{}, fmt.Errorf("storage: commit feedback tx: %w", err)
	}
	return fb, nil
}

func insertFeedback(ctx context.Context, tx pgx.Tx, traceID string, in model.FeedbackInput, now time.Time) error {
	_, err := appendFeedbackTx(ctx, tx, traceID, in, now)
	return err
}

func appendFeedbackTx(ctx context.Context, tx pgx.Tx, traceID string, in model.FeedbackInput, now time.Time) (model.Feedback, error) {
	fb := model.Feedback{
		ID:        uuid.New(),
		TraceID:   traceID,
		Rating:    in.Rating,
		Comment:   in.Comment,
		Tags:      in.Tags,
		Metadata:  in.Metadata,
		CreatedAt: now,
	}
	if err := model.ValidateFeedback(fb); err != nil {
		return model.Feedback{}, err
	}
	if fb.Tags == nil {
		fb.Tags = []string{}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO feedbacks (id, trace_id, rating, comment, tags, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		fb.ID, fb.TraceID, fb.Rating, fb.Comment, fb.Tags, fb.Metadata, fb.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Feedback{}, ErrNotFound
		}
		return model.Feedback{}, fmt.Errorf("storage: append feedback to trace %s: %w", traceID, err)
	}
	return fb, nil
}

func (db *DB) feedbacksForTrace(ctx context.Context, traceID string) ([]model.Feedback, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, rating, comment, tags, metadata, created_at
		 FROM feedbacks WHERE trace_id = $1 ORDER BY created_at ASC, id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list feedbacks for trace %s: %w", traceID, err)
	}
	defer rows.Close()

	var fbs []model.Feedback
	for rows.Next() {
		var fb model.Feedback
		if err := rows.Scan(&fb.ID, &fb.TraceID, &fb.Rating, &fb.Comment,
			&fb.Tags, &fb.Metadata, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan feedback: %w", err)
		}
		fbs = append(fbs, fb)
	}
	return fbs, rows.Err()
}
