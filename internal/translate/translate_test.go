package translate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracebrain/tracebrain/internal/llm"
	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/testutil"
)

// scriptedProvider returns canned completions in order, then repeats the last.
type scriptedProvider struct {
	replies []string
	errs    []error
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, _ string, _ llm.Options) (string, error) {
	i := p.calls
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	return p.replies[i], nil
}

func newTestTranslator(p llm.Provider) *Translator {
	tr := New(p, testutil.TestLogger())
	tr.baseDelay = time.Millisecond
	return tr
}

func TestTranslate_ValidQuery(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		`{"kind": "list_traces", "filter": {"status": "failed", "min_rating": 2}, "limit": 10}`,
	}}
	q, err := newTestTranslator(p).Translate(context.Background(), "show me failed traces rated at least 2")
	require.NoError(t, err)
	assert.Equal(t, model.QueryListTraces, q.Kind)
	require.NotNil(t, q.Filter.Status)
	assert.Equal(t, model.TraceStatusFailed, *q.Filter.Status)
	require.NotNil(t, q.Filter.MinRating)
	assert.Equal(t, 2, *q.Filter.MinRating)
	assert.Equal(t, 10, q.Limit)
	assert.Equal(t, 1, p.calls)
}

func TestTranslate_StripsMarkdownFences(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		"```json\n{\"kind\": \"stats\"}\n```",
	}}
	q, err := newTestTranslator(p).Translate(context.Background(), "how are my agents doing overall?")
	require.NoError(t, err)
	assert.Equal(t, model.QueryStats, q.Kind)
}

func TestTranslate_RetriesOnInvalidOutputThenSucceeds(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		`{"kind": "drop_tables"}`,
		`{"kind": "tool_usage"}`,
	}}
	q, err := newTestTranslator(p).Translate(context.Background(), "which tools get used most?")
	require.NoError(t, err)
	assert.Equal(t, model.QueryToolUsage, q.Kind)
	assert.Equal(t, 2, p.calls)
}

// Grammar closure: nothing outside the closed vocabulary survives parsing,
// whatever the model emits.
func TestTranslate_RejectsOutOfGrammarOutput(t *testing.T) {
	for _, tc := range []struct {
		name  string
		reply string
	}{
		{"unknown kind", `{"kind": "execute_sql", "sql": "DELETE FROM traces"}`},
		{"unknown field", `{"kind": "list_traces", "raw_where": "1=1"}`},
		{"unknown filter field", `{"kind": "list_traces", "filter": {"injection": "x"}}`},
		{"limit too large", `{"kind": "list_traces", "limit": 100000}`},
		{"bad status", `{"kind": "list_traces", "filter": {"status": "exploded"}}`},
		{"missing trace id", `{"kind": "get_trace"}`},
		{"trailing content", `{"kind": "stats"} DROP TABLE traces`},
		{"prose", `Sure! Here is your query: list_traces`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := &scriptedProvider{replies: []string{tc.reply}}
			_, err := newTestTranslator(p).Translate(context.Background(), "anything")
			var tfe *TranslationFailedError
			require.ErrorAs(t, err, &tfe, "reply %q must not parse", tc.reply)
			assert.Equal(t, 3, tfe.Attempts)
		})
	}
}

func TestTranslate_NonRetriableProviderErrorSurfacesImmediately(t *testing.T) {
	perr := &llm.ProviderError{Provider: "scripted", Retriable: false, Err: errors.New("invalid api key")}
	p := &scriptedProvider{replies: []string{""}, errs: []error{perr}}

	_, err := newTestTranslator(p).Translate(context.Background(), "anything")
	var got *llm.ProviderError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 1, p.calls)
}

func TestTranslate_RetriableProviderErrorExhaustsBudget(t *testing.T) {
	perr := &llm.ProviderError{Provider: "scripted", Retriable: true, Err: errors.New("timeout")}
	p := &scriptedProvider{replies: []string{"", "", ""}, errs: []error{perr, perr, perr}}

	_, err := newTestTranslator(p).Translate(context.Background(), "anything")
	var got *llm.ProviderError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 3, p.calls)
}

func TestTranslate_EmptyQuestion(t *testing.T) {
	p := &scriptedProvider{replies: []string{`{"kind": "stats"}`}}
	_, err := newTestTranslator(p).Translate(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, 0, p.calls)
}
