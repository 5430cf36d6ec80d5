package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/testutil"
)

type fakeSource struct {
	traces []model.Trace
	calls  int
}

func (f *fakeSource) SnapshotTraces(context.Context, int) ([]model.Trace, error) {
	f.calls++
	return f.traces, nil
}

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func toolSpan(id, tool string, dur time.Duration, failed bool) model.Span {
	attrs := map[string]any{
		model.AttrSpanType: string(model.SpanTypeToolExecution),
	}
	if tool != "" {
		attrs[model.AttrToolName] = tool
	}
	if failed {
		attrs[model.AttrStatusCode] = model.StatusCodeError
	}
	return model.Span{
		SpanID:     id,
		Name:       "tool",
		StartTime:  t0,
		EndTime:    t0.Add(dur),
		Attributes: attrs,
	}
}

func trace(id string, status model.TraceStatus, rating *int, spans ...model.Span) model.Trace {
	tr := model.Trace{
		TraceID:    id,
		Attributes: map[string]any{model.AttrTraceStatus: string(status)},
		Spans:      spans,
	}
	if rating != nil {
		tr.Feedbacks = []model.Feedback{{Rating: *rating, CreatedAt: t0}}
	}
	return tr
}

func ptr[T any](v T) *T { return &v }

func TestStats(t *testing.T) {
	src := &fakeSource{traces: []model.Trace{
		trace("t1", model.TraceStatusCompleted, ptr(5)),
		trace("t2", model.TraceStatusCompleted, ptr(3)),
		trace("t3", model.TraceStatusFailed, nil),
		trace("t4", model.TraceStatusRunning, nil),
	}}
	// One evaluated trace; the rest are excluded from confidence, not zeroed.
	src.traces[0].Attributes[model.AttrAIEvaluation] = map[string]any{
		"rating": 4, "confidence": 0.9, "status": "evaluated",
	}
	src.traces[2].Attributes[model.AttrErrorType] = "timeout"

	st, err := New(src, testutil.TestLogger()).Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, st.TotalTraces)
	assert.Equal(t, 2, st.StatusCounts["completed"])
	assert.Equal(t, 1, st.StatusCounts["failed"])

	require.NotNil(t, st.SuccessRate)
	assert.InDelta(t, 2.0/3.0, *st.SuccessRate, 1e-9)

	assert.Equal(t, 2, st.RatedTraces)
	require.NotNil(t, st.AvgRating)
	assert.InDelta(t, 4.0, *st.AvgRating, 1e-9)

	assert.Equal(t, 1, st.Evaluated)
	require.NotNil(t, st.AvgConfidence)
	assert.InDelta(t, 0.9, *st.AvgConfidence, 1e-9)

	assert.Equal(t, 1, st.ErrorCounts["timeout"])
}

func TestStats_EmptyStore(t *testing.T) {
	st, err := New(&fakeSource{}, testutil.TestLogger()).Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, st.TotalTraces)
	// No finished traces means no success rate, not a zero rate.
	assert.Nil(t, st.SuccessRate)
	assert.Nil(t, st.AvgRating)
	assert.Nil(t, st.AvgConfidence)
}

func TestTools(t *testing.T) {
	src := &fakeSource{traces: []model.Trace{
		trace("t1", model.TraceStatusCompleted, nil,
			toolSpan("s1", "search", 100*time.Millisecond, false),
			toolSpan("s2", "search", 300*time.Millisecond, true),
			toolSpan("s3", "calculator", 50*time.Millisecond, false),
		),
		trace("t2", model.TraceStatusCompleted, nil,
			toolSpan("s4", "search", 200*time.Millisecond, false),
			toolSpan("s5", "", 10*time.Millisecond, false),
		),
	}}

	usage, err := New(src, testutil.TestLogger()).Tools(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, usage.TotalCalls)
	require.Len(t, usage.Tools, 3)

	// Per-tool counts sum to the total; most-called first.
	sum := 0
	for _, tool := range usage.Tools {
		sum += tool.Calls
	}
	assert.Equal(t, usage.TotalCalls, sum)

	search := usage.Tools[0]
	assert.Equal(t, "search", search.Name)
	assert.Equal(t, 3, search.Calls)
	assert.Equal(t, 1, search.Errors)
	assert.InDelta(t, 1.0/3.0, search.ErrorRate, 1e-9)
	assert.InDelta(t, 200.0, search.AvgDuration, 1e-9)

	// Unnamed tool spans aggregate under "unknown".
	names := []string{usage.Tools[1].Name, usage.Tools[2].Name}
	assert.Contains(t, names, "unknown")
}

func TestTools_IgnoresNonToolSpans(t *testing.T) {
	llmSpan := model.Span{
		SpanID:    "s1",
		Name:      "inference",
		StartTime: t0,
		EndTime:   t0.Add(time.Second),
		Attributes: map[string]any{
			model.AttrSpanType: string(model.SpanTypeLLMInference),
			model.AttrToolName: "not-a-tool",
		},
	}
	src := &fakeSource{traces: []model.Trace{
		trace("t1", model.TraceStatusCompleted, nil, llmSpan),
	}}

	usage, err := New(src, testutil.TestLogger()).Tools(context.Background())
	require.NoError(t, err)
	assert.Zero(t, usage.TotalCalls)
	assert.Empty(t, usage.Tools)
}

func TestEpisode(t *testing.T) {
	members := []model.Trace{
		trace("t1", model.TraceStatusCompleted, ptr(4)),
		trace("t2", model.TraceStatusFailed, ptr(2)),
	}
	members[0].Attributes[model.AttrAIEvaluation] = map[string]any{
		"rating": 4, "confidence": 0.8, "status": "evaluated",
	}
	st := Episode("ep-1", members)
	assert.Equal(t, "ep-1", st.EpisodeID)
	assert.Equal(t, 2, st.TraceCount)
	require.NotNil(t, st.SuccessRate)
	assert.InDelta(t, 0.5, *st.SuccessRate, 1e-9)
	require.NotNil(t, st.AvgRating)
	assert.InDelta(t, 3.0, *st.AvgRating, 1e-9)
	assert.Equal(t, 1, st.Evaluated)
	require.NotNil(t, st.AvgConfidence)
	assert.InDelta(t, 0.8, *st.AvgConfidence, 1e-9)

	empty := Episode("ep-missing", nil)
	assert.Zero(t, empty.TraceCount)
	assert.Nil(t, empty.SuccessRate)
	assert.Nil(t, empty.AvgRating)
	// No evaluated members means no confidence, not a zero confidence.
	assert.Nil(t, empty.AvgConfidence)
}

func TestStats_EpisodeRollups(t *testing.T) {
	src := &fakeSource{traces: []model.Trace{
		trace("t1", model.TraceStatusCompleted, nil),
		trace("t2", model.TraceStatusCompleted, nil),
		trace("t3", model.TraceStatusFailed, nil),
		trace("t4", model.TraceStatusRunning, nil),
	}}
	src.traces[0].Attributes[model.AttrEpisodeID] = "ep-a"
	src.traces[0].Attributes[model.AttrAIEvaluation] = map[string]any{
		"rating": 5, "confidence": 0.6, "status": "evaluated",
	}
	src.traces[1].Attributes[model.AttrEpisodeID] = "ep-a"
	src.traces[2].Attributes[model.AttrEpisodeID] = "ep-b"

	st, err := New(src, testutil.TestLogger()).Stats(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Episodes, 2)
	assert.Equal(t, "ep-a", st.Episodes[0].EpisodeID)
	assert.Equal(t, 2, st.Episodes[0].TraceCount)
	assert.Equal(t, 1, st.Episodes[0].Evaluated)
	require.NotNil(t, st.Episodes[0].AvgConfidence)
	assert.InDelta(t, 0.6, *st.Episodes[0].AvgConfidence, 1e-9)

	// ep-b has no evaluated members: confidence is absent.
	assert.Equal(t, "ep-b", st.Episodes[1].EpisodeID)
	assert.Equal(t, 1, st.Episodes[1].TraceCount)
	assert.Nil(t, st.Episodes[1].AvgConfidence)
}
