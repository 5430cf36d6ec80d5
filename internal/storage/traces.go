package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/reconstruct"
)

// IngestTrace upserts a trace and merges the submitted spans into its forest
// within a single transaction. Validation order: attribute-schema conformance
// per span, then forest validation over the merged span set, then persistence.
// Any failure aborts the whole batch; no partial span writes.
//
// Re-submitting a span with an identical payload is idempotent. A span id
// already present with different content fails with DuplicateSpanError.
func (db *DB) IngestTrace(ctx context.Context, req model.IngestTraceRequest) (model.Trace, error) {
	if err := req.Validate(); err != nil {
		return model.Trace{}, err
	}

	incoming := make([]model.Span, len(req.Spans))
	seen := make(map[string]bool, len(req.Spans))
	for i, in := range req.Spans {
		s := in.Span(req.TraceID)
		if err := model.ValidateSpan(s); err != nil {
			return model.Trace{}, err
		}
		if seen[s.SpanID] {
			return model.Trace{}, &DuplicateSpanError{TraceID: req.TraceID, SpanID: s.SpanID}
		}
		seen[s.SpanID] = true
		incoming[i] = s
	}

	// Advisory locks plus concurrent batches can deadlock; those aborts are
	// transient, so the whole transaction retries.
	if err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		return db.ingestTx(ctx, req, incoming)
	}); err != nil {
		return model.Trace{}, err
	}

	return db.GetTrace(ctx, req.TraceID)
}

// ingestTx runs one attempt of the ingestion transaction.
func (db *DB) ingestTx(ctx context.Context, req model.IngestTraceRequest, incoming []model.Span) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize mutations per trace id. Concurrent ingestion of different
	// traces is unaffected; the lock releases at commit/rollback.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, req.TraceID); err != nil {
		return fmt.Errorf("storage: lock trace %s: %w", req.TraceID, err)
	}

	now := time.Now().UTC()
	attrs := req.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO traces (trace_id, attributes, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (trace_id) DO UPDATE SET attributes = traces.attributes || EXCLUDED.attributes`,
		req.TraceID, attrs, now,
	); err != nil {
		return fmt.Errorf("storage: upsert trace %s: %w", req.TraceID, err)
	}

	existing, err := spansForTrace(ctx, tx, req.TraceID)
	if err != nil {
		return err
	}

	merged := existing
	maxSeq := int64(0)
	existingByID := make(map[string]model.Span, len(existing))
	for _, s := range existing {
		existingByID[s.SpanID] = s
		if s.Seq > maxSeq {
			maxSeq = s.Seq
		}
	}

	var fresh []model.Span
	for _, s := range incoming {
		if old, ok := existingByID[s.SpanID]; ok {
			if !identicalSpan(old, s) {
				return &DuplicateSpanError{TraceID: req.TraceID, SpanID: s.SpanID}
			}
			continue // idempotent re-ingestion
		}
		maxSeq++
		s.Seq = maxSeq
		s.CreatedAt = now
		fresh = append(fresh, s)
		merged = append(merged, s)
	}

	// Forest validation over the merged set: dangling parents and cycles are
	// rejected before anything is persisted for this batch.
	if _, err := reconstruct.BuildForest(merged); err != nil {
		return err
	}

	if len(fresh) > 0 {
		columns := []string{"span_id", "trace_id", "parent_id", "name", "start_time", "end_time", "attributes", "seq", "created_at"}
		rows := make([][]any, len(fresh))
		for i, s := range fresh {
			rows[i] = []any{s.SpanID, s.TraceID, s.ParentID, s.Name, s.StartTime, s.EndTime, s.Attributes, s.Seq, s.CreatedAt}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"spans"}, columns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("storage: copy spans for trace %s: %w", req.TraceID, err)
		}
	}

	if req.Feedback != nil {
		if err := insertFeedback(ctx, tx, req.TraceID, *req.Feedback, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit ingest tx: %w", err)
	}
	return nil
}

// identicalSpan reports whether two spans carry the same caller-supplied
// payload. Seq and CreatedAt are server-assigned and excluded.
func identicalSpan(a, b model.Span) bool {
	if a.Name != b.Name {
		return false
	}
	if (a.ParentID == nil) != (b.ParentID == nil) {
		return false
	}
	if a.ParentID != nil && *a.ParentID != *b.ParentID {
		return false
	}
	if !a.StartTime.Equal(b.StartTime) || !a.EndTime.Equal(b.EndTime) {
		return false
	}
	// encoding/json sorts map keys, so byte equality is a stable comparison.
	aj, err := json.Marshal(a.Attributes)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b.Attributes)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// GetTrace retrieves a trace with its spans (ingestion order) and feedbacks.
func (db *DB) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	var t model.Trace
	err := db.pool.QueryRow(ctx,
		`SELECT trace_id, attributes, created_at FROM traces WHERE trace_id = $1`, traceID,
	).Scan(&t.TraceID, &t.Attributes, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trace{}, ErrNotFound
		}
		return model.Trace{}, fmt.Errorf("storage: get trace %s: %w", traceID, err)
	}

	if t.Spans, err = spansForTrace(ctx, db.pool, traceID); err != nil {
		return model.Trace{}, err
	}
	if t.Feedbacks, err = db.feedbacksForTrace(ctx, traceID); err != nil {
		return model.Trace{}, err
	}
	return t, nil
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func spansForTrace(ctx context.Context, q querier, traceID string) ([]model.Span, error) {
	rows, err := q.Query(ctx,
		`SELECT span_id, trace_id, parent_id, name, start_time, end_time, attributes, seq, created_at
		 FROM spans WHERE trace_id = $1 ORDER BY seq ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list spans for trace %s: %w", traceID, err)
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		var s model.Span
		if err := rows.Scan(&s.SpanID, &s.TraceID, &s.ParentID, &s.Name,
			&s.StartTime, &s.EndTime, &s.Attributes, &s.Seq, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

// ListTraces returns traces matching the filter, ordered by created_at DESC,
// windowed by skip/limit. Total reflects the filtered count independent of
// pagination. Returned traces carry attributes only; spans and feedbacks are
// fetched per trace via GetTrace.
func (db *DB) ListTraces(ctx context.Context, filter model.TraceFilter, skip, limit int) ([]model.Trace, int, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}
	if skip < 0 {
		skip = 0
	}

	where, args := buildTraceFilter(filter)

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM traces t`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count traces: %w", err)
	}

	args = append(args, limit, skip)
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT t.trace_id, t.attributes, t.created_at FROM traces t%s
		 ORDER BY t.created_at DESC, t.trace_id DESC
		 LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var traces []model.Trace
	for rows.Next() {
		var t model.Trace
		if err := rows.Scan(&t.TraceID, &t.Attributes, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, total, rows.Err()
}

// likeEscaper neutralizes LIKE metacharacters so prompt_contains matches the
// user's text literally. Postgres treats backslash as the escape character.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// buildTraceFilter renders the filter into a WHERE clause. Absent fields add
// no constraint. All predicates read from the attribute map or the feedback
// ledger; filters combine with AND.
func buildTraceFilter(f model.TraceFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Status != nil {
		add(`t.attributes->>'`+model.AttrTraceStatus+`' = $%d`, string(*f.Status))
	}
	if f.ErrorType != nil {
		add(`(t.attributes->>'`+model.AttrErrorType+`' = $%[1]d OR EXISTS (
			SELECT 1 FROM spans s WHERE s.trace_id = t.trace_id
			AND s.attributes->>'`+model.AttrErrorType+`' = $%[1]d))`, *f.ErrorType)
	}
	if f.MinRating != nil {
		add(`(SELECT fb.rating FROM feedbacks fb WHERE fb.trace_id = t.trace_id
			ORDER BY fb.created_at DESC, fb.id DESC LIMIT 1) >= $%d`, *f.MinRating)
	}
	if f.ConfidenceMin != nil {
		add(`(t.attributes#>>'{`+model.AttrAIEvaluation+`,confidence}')::float8 >= $%d`, *f.ConfidenceMin)
	}
	if f.ConfidenceMax != nil {
		add(`(t.attributes#>>'{`+model.AttrAIEvaluation+`,confidence}')::float8 <= $%d`, *f.ConfidenceMax)
	}
	if f.StartedAfter != nil {
		add(`t.created_at >= $%d`, *f.StartedAfter)
	}
	if f.StartedBefore != nil {
		add(`t.created_at <= $%d`, *f.StartedBefore)
	}
	if f.EpisodeID != nil {
		add(`t.attributes->>'`+model.AttrEpisodeID+`' = $%d`, *f.EpisodeID)
	}
	if f.PromptContains != nil {
		add(`t.attributes->>'`+model.AttrSystemPrompt+`' ILIKE '%%' || $%d || '%%'`, escapeLike(*f.PromptContains))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// SetEvaluation merges the AI-evaluation block into the trace's attributes.
// The advisory lock keeps the merge serial with concurrent ingestion of the
// same trace; the update itself is a single atomic statement.
func (db *DB) SetEvaluation(ctx context.Context, traceID string, eval model.Evaluation) error {
	if err := eval.Validate(); err != nil {
		return err
	}
	patch := map[string]any{model.AttrAIEvaluation: eval}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin evaluation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, traceID); err != nil {
		return fmt.Errorf("storage: lock trace %s: %w", traceID, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE traces SET attributes = attributes || $2 WHERE trace_id = $1`,
		traceID, patch)
	if err != nil {
		return fmt.Errorf("storage: set evaluation for trace %s: %w", traceID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// CreateSignal flags a trace for human review with a free-text reason.
func (db *DB) CreateSignal(ctx context.Context, traceID, reason string) (model.Signal, error) {
	sig := model.Signal{
		ID:        uuid.New(),
		TraceID:   traceID,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO signals (id, trace_id, reason, created_at) VALUES ($1, $2, $3, $4)`,
		sig.ID, sig.TraceID, sig.Reason, sig.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Signal{}, ErrNotFound
		}
		return model.Signal{}, fmt.Errorf("storage: create signal for trace %s: %w", traceID, err)
	}
	return sig, nil
}
