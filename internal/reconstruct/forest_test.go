package reconstruct

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracebrain/tracebrain/internal/model"
)

func span(id string, parent *string, seq int64, delta string) model.Span {
	attrs := map[string]any{}
	if delta != "" {
		attrs[model.AttrLLMNewContent] = delta
	}
	return model.Span{
		SpanID:     id,
		ParentID:   parent,
		Name:       id,
		StartTime:  time.Now().UTC(),
		EndTime:    time.Now().UTC(),
		Attributes: attrs,
		Seq:        seq,
	}
}

func ptr(s string) *string { return &s }

func TestBuildForestIndexesRootsAndChildren(t *testing.T) {
	f, err := BuildForest([]model.Span{
		span("a", nil, 1, ""),
		span("b", ptr("a"), 2, ""),
		span("c", ptr("a"), 3, ""),
		span("d", nil, 4, ""),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, f.Len())
	assert.Equal(t, []string{"a", "d"}, f.Roots())
	assert.Equal(t, []string{"b", "c"}, f.Children("a"))
	assert.Empty(t, f.Children("b"))
}

func TestBuildForestSiblingOrderFollowsIngestionSequence(t *testing.T) {
	// Input order deliberately scrambled; seq decides.
	f, err := BuildForest([]model.Span{
		span("c", ptr("a"), 3, ""),
		span("a", nil, 1, ""),
		span("b", ptr("a"), 2, ""),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, f.Children("a"))
}

func TestBuildForestDanglingParent(t *testing.T) {
	_, err := BuildForest([]model.Span{
		span("a", nil, 1, ""),
		span("b", ptr("missing"), 2, ""),
	})
	var dangling *DanglingParentError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, "b", dangling.SpanID)
	assert.Equal(t, "missing", dangling.ParentID)
}

func TestBuildForestCycleDetected(t *testing.T) {
	_, err := BuildForest([]model.Span{
		span("a", ptr("c"), 1, ""),
		span("b", ptr("a"), 2, ""),
		span("c", ptr("b"), 3, ""),
	})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
}

func TestBuildForestDuplicateSpanID(t *testing.T) {
	_, err := BuildForest([]model.Span{
		span("a", nil, 1, ""),
		span("a", nil, 2, ""),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate span id")
}

func TestReconstructComposesDeltasRootFirst(t *testing.T) {
	f, err := BuildForest([]model.Span{
		span("a", nil, 1, "Hello "),
		span("b", ptr("a"), 2, "World"),
	})
	require.NoError(t, err)

	got, err := f.Reconstruct("b")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", got)

	got, err = f.Reconstruct("a")
	require.NoError(t, err)
	assert.Equal(t, "Hello ", got)
}

func TestReconstructSkipsEmptyDeltas(t *testing.T) {
	// Root user_request without a delta contributes nothing.
	f, err := BuildForest([]model.Span{
		span("s1", nil, 1, ""),
		span("s2", ptr("s1"), 2, "42"),
		span("s3", ptr("s2"), 3, ""),
	})
	require.NoError(t, err)

	got, err := f.Reconstruct("s3")
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestReconstructUnknownSpan(t *testing.T) {
	f, err := BuildForest([]model.Span{span("a", nil, 1, "x")})
	require.NoError(t, err)

	_, err = f.Reconstruct("nope")
	require.Error(t, err)
}

func TestReconstructIsDeterministic(t *testing.T) {
	spans := []model.Span{
		span("r", nil, 1, "alpha "),
		span("m", ptr("r"), 2, "beta "),
		span("l", ptr("m"), 3, "gamma"),
	}
	f, err := BuildForest(spans)
	require.NoError(t, err)

	first, err := f.Reconstruct("l")
	require.NoError(t, err)
	for range 10 {
		again, err := f.Reconstruct("l")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "alpha beta gamma", first)
}

func TestBuildForestDeepChainNoFalseCycle(t *testing.T) {
	// A long straight chain must validate without tripping cycle detection.
	const depth = 1000
	spans := make([]model.Span, 0, depth)
	spans = append(spans, span("s0", nil, 0, ""))
	for i := 1; i < depth; i++ {
		prev := "s" + strconv.Itoa(i-1)
		spans = append(spans, span("s"+strconv.Itoa(i), &prev, int64(i), ""))
	}
	f, err := BuildForest(spans)
	require.NoError(t, err)
	assert.Equal(t, depth, f.Len())

	var cycle *CycleError
	assert.False(t, errors.As(err, &cycle))
}
