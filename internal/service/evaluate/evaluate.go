// Package evaluate runs asynchronous AI evaluation of completed traces.
//
// Evaluation is requested explicitly per trace and scored out of band: a
// bounded pool of workers reconstructs each trace's content, asks the
// configured LLM provider for a quality judgment, and merges the result into
// the trace's attribute bag. Enqueueing never blocks the caller.
package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/tracebrain/tracebrain/internal/llm"
	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/reconstruct"
	"github.com/tracebrain/tracebrain/internal/telemetry"
)

// maxQueueCapacity is the hard upper limit on pending evaluations. When the
// queue is full, Enqueue drops the request rather than blocking the caller.
const maxQueueCapacity = 10_000

// Store is the persistence surface the worker needs.
type Store interface {
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)
	SetEvaluation(ctx context.Context, traceID string, eval model.Evaluation) error
}

// Worker evaluates traces asynchronously with bounded concurrency.
type Worker struct {
	store    Store
	provider llm.Provider
	logger   *slog.Logger

	sem      *semaphore.Weighted
	queue    chan string
	dropped  atomic.Int64
	inflight atomic.Int64

	maxAttempts int
	baseDelay   time.Duration
	evalTimeout time.Duration

	wg         sync.WaitGroup
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// New creates a worker with the given provider and concurrency bound.
func New(store Store, provider llm.Provider, logger *slog.Logger, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Worker{
		store:       store,
		provider:    provider,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		queue:       make(chan string, maxQueueCapacity),
		maxAttempts: 3,
		baseDelay:   time.Second,
		evalTimeout: 2 * time.Minute,
		done:        make(chan struct{}),
	}
}

// Start begins the dispatch loop and registers OTEL metrics. Call Drain to stop.
func (w *Worker) Start(ctx context.Context) {
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	// Evaluations run detached from the dispatch context: cancelling ctx
	// (or calling Drain) stops dispatching new work but lets in-flight
	// judgments finish, bounded per evaluation by evalTimeout.
	go w.dispatchLoop(loopCtx, context.WithoutCancel(ctx))
}

// Enqueue schedules a trace for evaluation. Returns false when the queue is
// full and the request was dropped; the caller's operation is unaffected
// either way.
func (w *Worker) Enqueue(traceID string) bool {
	select {
	case w.queue <- traceID:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("evaluation queue full, dropping trace", "trace_id", traceID)
		return false
	}
}

func (w *Worker) dispatchLoop(ctx, base context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case traceID := <-w.queue:
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
			w.wg.Add(1)
			w.inflight.Add(1)
			go func() {
				defer w.wg.Done()
				defer w.inflight.Add(-1)
				defer w.sem.Release(1)
				evalCtx, cancel := context.WithTimeout(base, w.evalTimeout)
				defer cancel()
				w.evaluateOne(evalCtx, traceID)
			}()
		}
	}
}

// Drain stops accepting dispatches and waits for in-flight evaluations,
// bounded by ctx. Queued but undispatched traces are abandoned; evaluation
// is best-effort and re-runnable.
func (w *Worker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		w.logger.Warn("evaluation drain timed out", "inflight", w.inflight.Load())
	}
}

const evalSystemPrompt = `You judge the quality of an AI agent's recorded execution.
Respond with a single JSON object and nothing else:

  {"rating": <integer 1-5>, "confidence": <number 0-1>, "status": "evaluated", "feedback": "<one or two sentences>"}

Rate 5 for a correct, efficient run and 1 for a run that failed its task.`

func (w *Worker) evaluateOne(ctx context.Context, traceID string) {
	tr, err := w.store.GetTrace(ctx, traceID)
	if err != nil {
		w.logger.Error("evaluation fetch failed", "trace_id", traceID, "error", err)
		return
	}

	prompt, err := renderTrace(tr)
	if err != nil {
		w.logger.Error("evaluation render failed", "trace_id", traceID, "error", err)
		return
	}

	eval, err := w.judge(ctx, prompt)
	if err != nil {
		w.logger.Error("evaluation failed", "trace_id", traceID, "error", err)
		return
	}

	if err := w.store.SetEvaluation(ctx, traceID, eval); err != nil {
		w.logger.Error("evaluation write failed", "trace_id", traceID, "error", err)
		return
	}
	w.logger.Info("trace evaluated",
		"trace_id", traceID,
		"rating", eval.Rating,
		"confidence", eval.Confidence,
	)
}

// judge asks the provider for a verdict, retrying retriable provider errors
// and malformed verdicts with jittered backoff.
func (w *Worker) judge(ctx context.Context, prompt string) (model.Evaluation, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		raw, err := w.provider.Complete(ctx, prompt, llm.Options{
			System:   evalSystemPrompt,
			JSONMode: true,
		})
		if err != nil {
			var perr *llm.ProviderError
			if errors.As(err, &perr) && !perr.Retriable {
				return model.Evaluation{}, err
			}
			lastErr = err
		} else {
			eval, perr := parseVerdict(raw)
			if perr == nil {
				return eval, nil
			}
			lastErr = perr
		}

		if attempt < w.maxAttempts {
			jitter := time.Duration(rand.Int64N(int64(w.baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
			select {
			case <-ctx.Done():
				return model.Evaluation{}, ctx.Err()
			case <-time.After(w.baseDelay + jitter):
			}
		}
	}
	return model.Evaluation{}, fmt.Errorf("evaluate: no valid verdict after %d attempts: %w", w.maxAttempts, lastErr)
}

func parseVerdict(raw string) (model.Evaluation, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")

	var eval model.Evaluation
	if err := json.Unmarshal([]byte(raw), &eval); err != nil {
		return model.Evaluation{}, fmt.Errorf("evaluate: malformed verdict: %w", err)
	}
	if eval.Status == "" {
		eval.Status = "evaluated"
	}
	if err := eval.Validate(); err != nil {
		return model.Evaluation{}, err
	}
	return eval, nil
}

// renderTrace flattens a trace into a textual transcript for the judge.
// LLM spans contribute their reconstructed full content, tool spans their
// name and outcome.
func renderTrace(tr model.Trace) (string, error) {
	forest, err := reconstruct.BuildForest(tr.Spans)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Trace %s (status: %s)\n", tr.TraceID, model.TraceStatusOf(tr))
	if prompt := model.SystemPromptOf(tr); prompt != "" {
		fmt.Fprintf(&b, "System prompt: %s\n", prompt)
	}
	b.WriteString("\n")

	for _, s := range tr.Spans {
		switch model.SpanTypeOf(s) {
		case model.SpanTypeUserRequest:
			fmt.Fprintf(&b, "[user] %s\n", model.NewContentOf(s))
		case model.SpanTypeLLMInference:
			content, err := forest.Reconstruct(s.SpanID)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "[assistant] %s\n", content)
		case model.SpanTypeToolExecution:
			outcome := "ok"
			if model.SpanHasError(s) {
				outcome = "error"
			}
			fmt.Fprintf(&b, "[tool %s] %s\n", model.ToolNameOf(s), outcome)
		}
	}
	return b.String(), nil
}

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("tracebrain/evaluate")

	_, _ = meter.Int64ObservableGauge("tracebrain.evaluate.queue_depth",
		metric.WithDescription("Traces waiting for evaluation"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(w.queue)))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tracebrain.evaluate.dropped_total",
		metric.WithDescription("Evaluation requests dropped due to queue capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.dropped.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tracebrain.evaluate.inflight",
		metric.WithDescription("Evaluations currently running"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.inflight.Load())
			return nil
		}),
	)
}
