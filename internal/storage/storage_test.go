package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/reconstruct"
	"github.com/tracebrain/tracebrain/internal/storage"
	"github.com/tracebrain/tracebrain/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func ptr[T any](v T) *T { return &v }

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func spanInput(id string, parent *string, attrs map[string]any) model.SpanInput {
	return model.SpanInput{
		SpanID:     id,
		ParentID:   parent,
		Name:       "span-" + id,
		StartTime:  baseTime,
		EndTime:    baseTime.Add(time.Second),
		Attributes: attrs,
	}
}

func TestIngestTrace_BuildsForest(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	tr, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Attributes: map[string]any{
			model.AttrTraceStatus: "completed",
			"agent":               "planner",
		},
		Spans: []model.SpanInput{
			spanInput("root", nil, map[string]any{model.AttrLLMNewContent: "Hello "}),
			spanInput("child", ptr("root"), map[string]any{model.AttrLLMNewContent: "World"}),
			spanInput("leaf", ptr("child"), nil),
		},
	})
	require.NoError(t, err)
	require.Equal(t, traceID, tr.TraceID)
	require.Len(t, tr.Spans, 3)

	// Ingestion order is preserved and seq is strictly increasing.
	assert.Equal(t, "root", tr.Spans[0].SpanID)
	assert.Equal(t, "child", tr.Spans[1].SpanID)
	assert.Equal(t, "leaf", tr.Spans[2].SpanID)
	assert.Less(t, tr.Spans[0].Seq, tr.Spans[1].Seq)
	assert.Less(t, tr.Spans[1].Seq, tr.Spans[2].Seq)
	assert.Equal(t, "planner", tr.Attributes["agent"])

	forest, err := reconstruct.BuildForest(tr.Spans)
	require.NoError(t, err)
	content, err := forest.Reconstruct("leaf")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", content)
}

func TestIngestTrace_IdempotentResubmission(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	req := model.IngestTraceRequest{
		TraceID: traceID,
		Spans: []model.SpanInput{
			spanInput("a", nil, nil),
			spanInput("b", ptr("a"), nil),
		},
	}
	first, err := testDB.IngestTrace(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Spans, 2)

	// Re-submitting the same batch changes nothing, including seq.
	second, err := testDB.IngestTrace(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.Spans, 2)
	assert.Equal(t, first.Spans[0].Seq, second.Spans[0].Seq)
	assert.Equal(t, first.Spans[1].Seq, second.Spans[1].Seq)
}

func TestIngestTrace_ConflictingSpanRejected(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Spans:   []model.SpanInput{spanInput("a", nil, map[string]any{"k": "v1"})},
	})
	require.NoError(t, err)

	_, err = testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Spans:   []model.SpanInput{spanInput("a", nil, map[string]any{"k": "v2"})},
	})
	var dup *storage.DuplicateSpanError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.SpanID)
}

func TestIngestTrace_DanglingParentRejectsBatch(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Spans: []model.SpanInput{
			spanInput("ok", nil, nil),
			spanInput("orphan", ptr("missing"), nil),
		},
	})
	var dangling *reconstruct.DanglingParentError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, "orphan", dangling.SpanID)

	// All-or-nothing: the valid span in the same batch was not persisted,
	// but the trace row upsert rolled back too.
	_, err = testDB.GetTrace(ctx, traceID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestTrace_CycleRejected(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Spans: []model.SpanInput{
			spanInput("a", ptr("b"), nil),
			spanInput("b", ptr("a"), nil),
		},
	})
	var cycle *reconstruct.CycleError
	require.ErrorAs(t, err, &cycle)
}

func TestIngestTrace_AttributeMerge(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID:    traceID,
		Attributes: map[string]any{model.AttrTraceStatus: "running", "agent": "planner"},
		Spans:      []model.SpanInput{spanInput("a", nil, nil)},
	})
	require.NoError(t, err)

	tr, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID:    traceID,
		Attributes: map[string]any{model.AttrTraceStatus: "completed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", tr.Attributes[model.AttrTraceStatus])
	assert.Equal(t, "planner", tr.Attributes["agent"])
}

func TestAppendFeedback(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Spans:   []model.SpanInput{spanInput("a", nil, nil)},
	})
	require.NoError(t, err)

	fb1, err := testDB.AppendFeedback(ctx, traceID, model.FeedbackInput{Rating: 2, Comment: "meh"})
	require.NoError(t, err)
	fb2, err := testDB.AppendFeedback(ctx, traceID, model.FeedbackInput{Rating: 5, Tags: []string{"fixed"}})
	require.NoError(t, err)
	assert.NotEqual(t, fb1.ID, fb2.ID)

	tr, err := testDB.GetTrace(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, tr.Feedbacks, 2)
	latest := tr.LatestFeedback()
	require.NotNil(t, latest)
	assert.Equal(t, 5, latest.Rating)
}

func TestAppendFeedback_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.AppendFeedback(ctx, "trace-"+uuid.NewString(), model.FeedbackInput{Rating: 4})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	traceID := "trace-" + uuid.NewString()
	_, err = testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Spans:   []model.SpanInput{spanInput("a", nil, nil)},
	})
	require.NoError(t, err)

	_, err = testDB.AppendFeedback(ctx, traceID, model.FeedbackInput{Rating: 6})
	assert.Error(t, err)
}

func TestListTraces_Filters(t *testing.T) {
	ctx := context.Background()
	episode := "ep-" + uuid.NewString()

	completed := "trace-" + uuid.NewString()
	failed := "trace-" + uuid.NewString()

	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: completed,
		Attributes: map[string]any{
			model.AttrTraceStatus:  "completed",
			model.AttrEpisodeID:    episode,
			model.AttrSystemPrompt: "You are a careful planner agent.",
		},
		Spans:    []model.SpanInput{spanInput("a", nil, nil)},
		Feedback: &model.FeedbackInput{Rating: 5},
	})
	require.NoError(t, err)

	_, err = testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: failed,
		Attributes: map[string]any{
			model.AttrTraceStatus: "failed",
			model.AttrEpisodeID:   episode,
		},
		Spans:    []model.SpanInput{spanInput("a", nil, nil)},
		Feedback: &model.FeedbackInput{Rating: 1},
	})
	require.NoError(t, err)

	status := model.TraceStatusCompleted
	got, total, err := testDB.ListTraces(ctx, model.TraceFilter{
		Status:    &status,
		EpisodeID: &episode,
	}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, completed, got[0].TraceID)

	got, total, err = testDB.ListTraces(ctx, model.TraceFilter{
		MinRating: ptr(4),
		EpisodeID: &episode,
	}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, completed, got[0].TraceID)

	got, total, err = testDB.ListTraces(ctx, model.TraceFilter{
		PromptContains: ptr("planner"),
		EpisodeID:      &episode,
	}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, completed, got[0].TraceID)

	// Pagination window: total counts matches, not the page.
	_, total, err = testDB.ListTraces(ctx, model.TraceFilter{EpisodeID: &episode}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestListTraces_PromptContainsIsLiteral(t *testing.T) {
	ctx := context.Background()
	episode := "ep-" + uuid.NewString()

	traceID := "trace-" + uuid.NewString()
	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Attributes: map[string]any{
			model.AttrEpisodeID:    episode,
			model.AttrSystemPrompt: "Use snake_case names and 100% valid JSON.",
		},
		Spans: []model.SpanInput{spanInput("a", nil, nil)},
	})
	require.NoError(t, err)

	// LIKE metacharacters in the search term match themselves, not wildcards.
	got, total, err := testDB.ListTraces(ctx, model.TraceFilter{
		PromptContains: ptr("snake_case"),
		EpisodeID:      &episode,
	}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, traceID, got[0].TraceID)

	_, total, err = testDB.ListTraces(ctx, model.TraceFilter{
		PromptContains: ptr("100% valid"),
		EpisodeID:      &episode,
	}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// A bare % is no longer a match-everything wildcard.
	_, total, err = testDB.ListTraces(ctx, model.TraceFilter{
		PromptContains: ptr("100%valid"),
		EpisodeID:      &episode,
	}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestListEpisodeTraces(t *testing.T) {
	ctx := context.Background()
	episode := "ep-" + uuid.NewString()

	for i := range 3 {
		_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
			TraceID:    fmt.Sprintf("episode-trace-%d-%s", i, uuid.NewString()),
			Attributes: map[string]any{model.AttrEpisodeID: episode},
			Spans:      []model.SpanInput{spanInput("a", nil, nil)},
		})
		require.NoError(t, err)
	}

	traces, err := testDB.ListEpisodeTraces(ctx, episode)
	require.NoError(t, err)
	require.Len(t, traces, 3)
	for i := 1; i < len(traces); i++ {
		assert.False(t, traces[i].CreatedAt.Before(traces[i-1].CreatedAt))
	}
	for _, tr := range traces {
		assert.Len(t, tr.Spans, 1)
	}

	_, err = testDB.ListEpisodeTraces(ctx, "ep-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetEvaluation(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Spans:   []model.SpanInput{spanInput("a", nil, nil)},
	})
	require.NoError(t, err)

	eval := model.Evaluation{Rating: 4, Confidence: 0.85, Status: "evaluated", Feedback: "solid run"}
	require.NoError(t, testDB.SetEvaluation(ctx, traceID, eval))

	tr, err := testDB.GetTrace(ctx, traceID)
	require.NoError(t, err)
	got, ok := model.EvaluationOf(tr)
	require.True(t, ok)
	assert.Equal(t, eval, got)

	err = testDB.SetEvaluation(ctx, "trace-"+uuid.NewString(), eval)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateSignal(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID: traceID,
		Spans:   []model.SpanInput{spanInput("a", nil, nil)},
	})
	require.NoError(t, err)

	sig, err := testDB.CreateSignal(ctx, traceID, "tool output looks truncated")
	require.NoError(t, err)
	assert.Equal(t, traceID, sig.TraceID)
	assert.NotEqual(t, uuid.Nil, sig.ID)

	_, err = testDB.CreateSignal(ctx, "trace-"+uuid.NewString(), "whatever")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestConcurrentIngestion exercises the per-trace advisory lock: concurrent
// batches for the same trace must all land with distinct seq values and no
// lost spans.
func TestConcurrentIngestion(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = testDB.IngestTrace(ctx, model.IngestTraceRequest{
				TraceID: traceID,
				Spans:   []model.SpanInput{spanInput(fmt.Sprintf("w%d", i), nil, nil)},
			})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	tr, err := testDB.GetTrace(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, tr.Spans, workers)

	seqs := make(map[int64]bool, workers)
	for _, s := range tr.Spans {
		assert.False(t, seqs[s.Seq], "duplicate seq %d", s.Seq)
		seqs[s.Seq] = true
	}
}

func TestSnapshotAndStats(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-" + uuid.NewString()

	_, err := testDB.IngestTrace(ctx, model.IngestTraceRequest{
		TraceID:  traceID,
		Spans:    []model.SpanInput{spanInput("a", nil, nil)},
		Feedback: &model.FeedbackInput{Rating: 3},
	})
	require.NoError(t, err)

	traces, err := testDB.SnapshotTraces(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, traces)
	assert.LessOrEqual(t, len(traces), 5)
	// Most recent first, spans and feedbacks attached.
	assert.Equal(t, traceID, traces[0].TraceID)
	assert.Len(t, traces[0].Spans, 1)
	assert.Len(t, traces[0].Feedbacks, 1)

	st, err := testDB.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, st.Traces)
	assert.Positive(t, st.Spans)
	assert.Positive(t, st.Feedbacks)
}

func TestGetTrace_NotFound(t *testing.T) {
	_, err := testDB.GetTrace(context.Background(), "trace-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithRetry_NonRetriableError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
