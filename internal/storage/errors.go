package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested trace or episode does not exist.
var ErrNotFound = errors.New("storage: not found")

// DuplicateSpanError reports a span id submitted for ingestion that already
// exists in the trace with a different payload. Identical re-submissions are
// idempotent and do not produce this error.
type DuplicateSpanError struct {
	TraceID string
	SpanID  string
}

func (e *DuplicateSpanError) Error() string {
	return fmt.Sprintf("storage: span %s already exists in trace %s with different content", e.SpanID, e.TraceID)
}

// isForeignKeyViolation reports whether err is a Postgres foreign key
// violation, which surfaces as ErrNotFound for the referenced parent row.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
