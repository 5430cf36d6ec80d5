package evaluate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracebrain/tracebrain/internal/llm"
	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/testutil"
)

type fakeStore struct {
	mu     sync.Mutex
	traces map[string]model.Trace
	evals  map[string]model.Evaluation
}

func newFakeStore(traces ...model.Trace) *fakeStore {
	fs := &fakeStore{traces: map[string]model.Trace{}, evals: map[string]model.Evaluation{}}
	for _, tr := range traces {
		fs.traces[tr.TraceID] = tr
	}
	return fs
}

func (f *fakeStore) GetTrace(_ context.Context, traceID string) (model.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.traces[traceID]
	if !ok {
		return model.Trace{}, assert.AnError
	}
	return tr, nil
}

func (f *fakeStore) SetEvaluation(_ context.Context, traceID string, eval model.Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals[traceID] = eval
	return nil
}

func (f *fakeStore) evaluation(traceID string) (model.Evaluation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.evals[traceID]
	return ev, ok
}

type fixedProvider struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (p *fixedProvider) Name() string { return "fixed" }

func (p *fixedProvider) Complete(context.Context, string, llm.Options) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	p.calls++
	return p.replies[i], nil
}

func testTrace(id string) model.Trace {
	return model.Trace{
		TraceID:    id,
		Attributes: map[string]any{model.AttrTraceStatus: "completed"},
		Spans: []model.Span{{
			SpanID:  "root",
			TraceID: id,
			Name:    "inference",
			Attributes: map[string]any{
				model.AttrSpanType:      string(model.SpanTypeLLMInference),
				model.AttrLLMNewContent: "The answer is 42.",
			},
		}},
	}
}

func waitForEvaluation(t *testing.T, fs *fakeStore, traceID string) model.Evaluation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := fs.evaluation(traceID); ok {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("trace %s was never evaluated", traceID)
	return model.Evaluation{}
}

func TestWorker_EvaluatesEnqueuedTrace(t *testing.T) {
	fs := newFakeStore(testTrace("t1"))
	p := &fixedProvider{replies: []string{
		`{"rating": 4, "confidence": 0.8, "status": "evaluated", "feedback": "clean run"}`,
	}}

	w := New(fs, p, testutil.TestLogger(), 2)
	w.Start(context.Background())
	defer w.Drain(context.Background())

	require.True(t, w.Enqueue("t1"))
	ev := waitForEvaluation(t, fs, "t1")
	assert.Equal(t, 4, ev.Rating)
	assert.InDelta(t, 0.8, ev.Confidence, 1e-9)
	assert.Equal(t, "clean run", ev.Feedback)
}

func TestWorker_RetriesMalformedVerdict(t *testing.T) {
	fs := newFakeStore(testTrace("t1"))
	p := &fixedProvider{replies: []string{
		`not json at all`,
		`{"rating": 9, "confidence": 0.5}`,
		`{"rating": 3, "confidence": 0.5, "status": "evaluated"}`,
	}}

	w := New(fs, p, testutil.TestLogger(), 1)
	w.baseDelay = time.Millisecond
	w.Start(context.Background())
	defer w.Drain(context.Background())

	require.True(t, w.Enqueue("t1"))
	ev := waitForEvaluation(t, fs, "t1")
	assert.Equal(t, 3, ev.Rating)
	assert.Equal(t, 3, p.calls)
}

func TestWorker_InvalidTraceLeavesNoEvaluation(t *testing.T) {
	// A trace whose forest cannot be built is skipped, not retried forever.
	broken := testTrace("t1")
	parent := "missing"
	broken.Spans[0].ParentID = &parent
	fs := newFakeStore(broken)
	p := &fixedProvider{replies: []string{`{"rating": 5, "confidence": 1, "status": "evaluated"}`}}

	w := New(fs, p, testutil.TestLogger(), 1)
	w.Start(context.Background())
	require.True(t, w.Enqueue("t1"))

	time.Sleep(100 * time.Millisecond)
	w.Drain(context.Background())

	_, ok := fs.evaluation("t1")
	assert.False(t, ok)
	assert.Zero(t, p.calls)
}

// slowProvider blocks inside Complete until released or its context ends,
// signalling when the call is in flight.
type slowProvider struct {
	started chan struct{}
	release chan struct{}
	reply   string
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Complete(ctx context.Context, _ string, _ llm.Options) (string, error) {
	close(p.started)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.release:
		return p.reply, nil
	}
}

func TestWorker_DrainWaitsForInflightEvaluation(t *testing.T) {
	fs := newFakeStore(testTrace("t1"))
	p := &slowProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
		reply:   `{"rating": 4, "confidence": 0.9, "status": "evaluated"}`,
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := New(fs, p, testutil.TestLogger(), 1)
	w.Start(ctx)

	require.True(t, w.Enqueue("t1"))
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider call never started")
	}

	// Shutdown arrives while the judgment is still in flight. It must not
	// abort the provider call; Drain waits for it to finish.
	cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(p.release)
	}()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	w.Drain(drainCtx)

	ev, ok := fs.evaluation("t1")
	require.True(t, ok, "in-flight evaluation should complete during drain")
	assert.Equal(t, 4, ev.Rating)
}

func TestWorker_QueueBackpressure(t *testing.T) {
	fs := newFakeStore()
	p := &fixedProvider{replies: []string{`{}`}}

	// Never started, so the queue only drains at capacity.
	w := New(fs, p, testutil.TestLogger(), 1)
	for range maxQueueCapacity {
		require.True(t, w.Enqueue("t"))
	}
	assert.False(t, w.Enqueue("overflow"))
	assert.Equal(t, int64(1), w.dropped.Load())
}

func TestParseVerdict(t *testing.T) {
	ev, err := parseVerdict("```json\n{\"rating\": 2, \"confidence\": 0.3}\n```")
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Rating)
	assert.Equal(t, "evaluated", ev.Status)

	_, err = parseVerdict(`{"rating": 0, "confidence": 0.3}`)
	assert.Error(t, err)
}
