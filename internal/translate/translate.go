// Package translate turns natural-language questions into structured queries.
//
// The translator is a security boundary: model output is parsed strictly
// against the closed query grammar and anything outside it is rejected, never
// coerced or passed through. The worst a malicious or confused question can
// produce is a well-formed query over data the caller could already read.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tracebrain/tracebrain/internal/llm"
	"github.com/tracebrain/tracebrain/internal/model"
)

// TranslationFailedError reports that the model could not produce a valid
// structured query within the attempt budget. The question itself may be
// unanswerable within the grammar; this is a client-side condition, not a
// provider outage.
type TranslationFailedError struct {
	Question string
	Attempts int
	LastErr  error
}

func (e *TranslationFailedError) Error() string {
	return fmt.Sprintf("translate: no valid query after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *TranslationFailedError) Unwrap() error { return e.LastErr }

// Translator converts questions into StructuredQuery values via an LLM.
type Translator struct {
	provider llm.Provider
	logger   *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
}

// New creates a translator with the default attempt budget.
func New(provider llm.Provider, logger *slog.Logger) *Translator {
	return &Translator{
		provider:    provider,
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
}

const systemPrompt = `You translate questions about AI agent execution traces into a JSON query.
Respond with a single JSON object and nothing else. The object has these fields:

  "kind": one of "list_traces", "get_trace", "episode_traces", "stats", "tool_usage" (required)
  "trace_id": string, required when kind is "get_trace"
  "episode_id": string, required when kind is "episode_traces"
  "limit": integer 1-100, optional
  "filter": optional object used with "list_traces", with optional fields:
      "status": one of "pending", "running", "completed", "failed"
      "error_type": string
      "min_rating": integer 1-5 (latest human feedback rating at least this)
      "confidence_min", "confidence_max": number 0-1 (AI evaluation confidence)
      "started_after", "started_before": RFC 3339 timestamps
      "episode_id": string
      "prompt_contains": string (substring of the system prompt)

Use "stats" for aggregate questions about success rates, ratings, or errors.
Use "tool_usage" for questions about which tools were called and how often.
Do not invent fields. If the question cannot be expressed with these fields,
pick the closest "list_traces" query.`

// Translate converts a question into a validated structured query. Invalid
// model output is retried with the parse error fed back; provider failures
// are retried only when retriable. Exhausting the budget yields a
// *TranslationFailedError, except when the final failure was the provider's,
// which surfaces as the *llm.ProviderError itself.
func (t *Translator) Translate(ctx context.Context, question string) (model.StructuredQuery, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return model.StructuredQuery{}, fmt.Errorf("translate: question is required")
	}

	prompt := "Question: " + question
	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		raw, err := t.provider.Complete(ctx, prompt, llm.Options{
			System:      systemPrompt,
			Temperature: 0,
			JSONMode:    true,
		})
		if err != nil {
			var perr *llm.ProviderError
			if errors.As(err, &perr) && !perr.Retriable {
				return model.StructuredQuery{}, err
			}
			lastErr = err
		} else {
			q, perr := parseQuery(raw)
			if perr == nil {
				t.logger.Debug("translated query",
					"kind", q.Kind,
					"attempt", attempt)
				return q, nil
			}
			lastErr = perr
			t.logger.Debug("rejected model output", "attempt", attempt, "error", perr)
			// Feed the rejection back so the next attempt can correct it.
			prompt = fmt.Sprintf("Question: %s\n\nYour previous answer was rejected: %v\nRespond with corrected JSON only.", question, perr)
		}

		if attempt < t.maxAttempts {
			jitter := time.Duration(rand.Int64N(int64(t.baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
			select {
			case <-ctx.Done():
				return model.StructuredQuery{}, ctx.Err()
			case <-time.After(t.baseDelay + jitter):
			}
		}
	}

	var perr *llm.ProviderError
	if errors.As(lastErr, &perr) {
		return model.StructuredQuery{}, lastErr
	}
	return model.StructuredQuery{}, &TranslationFailedError{
		Question: question,
		Attempts: t.maxAttempts,
		LastErr:  lastErr,
	}
}

// parseQuery strictly decodes model output into the query grammar. Unknown
// fields, trailing content, and out-of-range values are all rejections.
func parseQuery(raw string) (model.StructuredQuery, error) {
	raw = stripFences(raw)

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	var q model.StructuredQuery
	if err := dec.Decode(&q); err != nil {
		return model.StructuredQuery{}, fmt.Errorf("malformed query JSON: %w", err)
	}
	if dec.More() {
		return model.StructuredQuery{}, fmt.Errorf("trailing content after query JSON")
	}
	if err := q.Validate(); err != nil {
		return model.StructuredQuery{}, err
	}
	return q, nil
}

// stripFences removes a markdown code fence wrapper, which some models emit
// even when asked for bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
