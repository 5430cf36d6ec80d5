package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tracebrain/tracebrain/internal/analytics"
	"github.com/tracebrain/tracebrain/internal/llm"
	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/reconstruct"
	"github.com/tracebrain/tracebrain/internal/storage"
	"github.com/tracebrain/tracebrain/internal/translate"
)

// Store is the persistence surface the handlers depend on. *storage.DB
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	IngestTrace(ctx context.Context, req model.IngestTraceRequest) (model.Trace, error)
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)
	ListTraces(ctx context.Context, filter model.TraceFilter, skip, limit int) ([]model.Trace, int, error)
	AppendFeedback(ctx context.Context, traceID string, in model.FeedbackInput) (model.Feedback, error)
	CreateSignal(ctx context.Context, traceID, reason string) (model.Signal, error)
	ListEpisodeTraces(ctx context.Context, episodeID string) ([]model.Trace, error)
	Ping(ctx context.Context) error
}

// Translator converts a natural-language question into a structured query.
type Translator interface {
	Translate(ctx context.Context, question string) (model.StructuredQuery, error)
}

// Evaluator schedules asynchronous trace evaluation.
type Evaluator interface {
	Enqueue(traceID string) bool
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	analytics           *analytics.Engine
	translator          Translator
	evaluator           Evaluator
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	providerName        string
	maxRequestBodyBytes int64
	onIngest            func(ctx context.Context, tr model.Trace)
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Translator, Evaluator, OnIngest.
type HandlersDeps struct {
	Store               Store
	Analytics           *analytics.Engine
	Translator          Translator
	Evaluator           Evaluator
	Logger              *slog.Logger
	Version             string
	ProviderName        string
	MaxRequestBodyBytes int64

	// OnIngest is called after each successful ingestion, before the
	// response is written. Implementations must not block.
	OnIngest func(ctx context.Context, tr model.Trace)
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		analytics:           d.Analytics,
		translator:          d.Translator,
		evaluator:           d.Evaluator,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		providerName:        d.ProviderName,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		onIngest:            d.OnIngest,
	}
}

// HandleIngestTrace handles POST /traces. Upsert semantics: spans merge into
// any existing forest for the trace id, all-or-nothing per batch.
func (h *Handlers) HandleIngestTrace(w http.ResponseWriter, r *http.Request) {
	var req model.IngestTraceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	tr, err := h.store.IngestTrace(r.Context(), req)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	// Evaluation is deliberately not queued here: a trace often arrives in
	// several batches, and scoring a partial trace wastes a judge call.
	// POST /ai_evaluate/{trace_id} is the trigger.
	if h.onIngest != nil {
		h.onIngest(r.Context(), tr)
	}
	writeJSON(w, r, http.StatusCreated, tr)
}

// HandleGetTrace handles GET /traces/{trace_id}. Every span is returned with
// its full content reconstructed from the ancestor chain's deltas.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := h.store.GetTrace(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	view, err := traceView(tr)
	if err != nil {
		h.logger.Error("trace reconstruction failed", "trace_id", tr.TraceID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "trace reconstruction failed")
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// traceView assembles the reconstructed read model for one trace.
func traceView(tr model.Trace) (model.TraceView, error) {
	return reconstruct.View(tr)
}

// HandleListTraces handles GET /traces with filter and pagination parameters.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	skip := intQuery(r, "skip", 0)
	limit := intQuery(r, "limit", 50)

	traces, total, err := h.store.ListTraces(r.Context(), filter, skip, limit)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if traces == nil {
		traces = []model.Trace{}
	}
	writeList(w, r, traces, total, limit, skip)
}

// filterFromQuery parses TraceFilter fields from URL query parameters.
// Absent parameters add no constraint.
func filterFromQuery(r *http.Request) (model.TraceFilter, error) {
	var f model.TraceFilter
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		s := model.TraceStatus(v)
		f.Status = &s
	}
	if v := q.Get("error_type"); v != "" {
		f.ErrorType = &v
	}
	if v := q.Get("episode_id"); v != "" {
		f.EpisodeID = &v
	}
	if v := q.Get("prompt_contains"); v != "" {
		f.PromptContains = &v
	}
	if v := q.Get("min_rating"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("min_rating must be an integer")
		}
		f.MinRating = &n
	}
	for param, dst := range map[string]**float64{
		"confidence_min": &f.ConfidenceMin,
		"confidence_max": &f.ConfidenceMax,
	} {
		if v := q.Get(param); v != "" {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return f, errors.New(param + " must be a number")
			}
			*dst = &x
		}
	}
	for param, dst := range map[string]**time.Time{
		"started_after":  &f.StartedAfter,
		"started_before": &f.StartedBefore,
	} {
		if v := q.Get(param); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errors.New(param + " must be an RFC 3339 timestamp")
			}
			*dst = &ts
		}
	}
	return f, f.Validate()
}

func intQuery(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// HandleAppendFeedback handles POST /traces/{trace_id}/feedback.
func (h *Handlers) HandleAppendFeedback(w http.ResponseWriter, r *http.Request) {
	var in model.FeedbackInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	fb, err := h.store.AppendFeedback(r.Context(), r.PathValue("trace_id"), in)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, fb)
}

// HandleSignal handles POST /traces/{trace_id}/signal.
func (h *Handlers) HandleSignal(w http.ResponseWriter, r *http.Request) {
	var req model.SignalRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required")
		return
	}

	sig, err := h.store.CreateSignal(r.Context(), r.PathValue("trace_id"), req.Reason)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sig)
}

// HandleEvaluate handles POST /ai_evaluate/{trace_id}. Evaluation is
// asynchronous: a 202 means the trace was queued, not scored.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	if h.evaluator == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeProviderError, "no evaluation provider configured")
		return
	}

	traceID := r.PathValue("trace_id")
	if _, err := h.store.GetTrace(r.Context(), traceID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	if !h.evaluator.Enqueue(traceID) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "evaluation queue is full")
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{
		"trace_id": traceID,
		"status":   "queued",
	})
}

// HandleEpisodeTraces handles GET /episodes/{episode_id}/traces.
func (h *Handlers) HandleEpisodeTraces(w http.ResponseWriter, r *http.Request) {
	episodeID := r.PathValue("episode_id")
	traces, err := h.store.ListEpisodeTraces(r.Context(), episodeID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.Episode{EpisodeID: episodeID, Traces: traces})
}

// HandleStats handles GET /stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.analytics.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats rollup failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "stats rollup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleToolUsage handles GET /analytics/tool_usage.
func (h *Handlers) HandleToolUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.analytics.Tools(r.Context())
	if err != nil {
		h.logger.Error("tool usage rollup failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "tool usage rollup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, usage)
}

// HandleNLQuery handles POST /natural_language_query: translate the question
// into the closed query grammar, then execute the result.
func (h *Handlers) HandleNLQuery(w http.ResponseWriter, r *http.Request) {
	if h.translator == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeProviderError, "no translation provider configured")
		return
	}

	var req model.NLQueryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Question == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "question is required")
		return
	}

	query, err := h.translator.Translate(r.Context(), req.Question)
	if err != nil {
		var tfe *translate.TranslationFailedError
		if errors.As(err, &tfe) {
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeTranslationFailed,
				"question could not be translated into a supported query")
			return
		}
		var perr *llm.ProviderError
		if errors.As(err, &perr) {
			writeError(w, r, http.StatusBadGateway, model.ErrCodeProviderError, "translation provider unavailable")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	result, err := h.executeQuery(r.Context(), query)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NLQueryResponse{Query: query, Result: result})
}

// executeQuery runs a validated structured query against the store.
func (h *Handlers) executeQuery(ctx context.Context, q model.StructuredQuery) (any, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	switch q.Kind {
	case model.QueryListTraces:
		traces, total, err := h.store.ListTraces(ctx, q.Filter, 0, limit)
		if err != nil {
			return nil, err
		}
		if traces == nil {
			traces = []model.Trace{}
		}
		return model.PagedResult[model.Trace]{Items: traces, Total: total, Limit: limit}, nil
	case model.QueryGetTrace:
		tr, err := h.store.GetTrace(ctx, q.TraceID)
		if err != nil {
			return nil, err
		}
		return traceView(tr)
	case model.QueryEpisodeTraces:
		traces, err := h.store.ListEpisodeTraces(ctx, q.EpisodeID)
		if err != nil {
			return nil, err
		}
		return model.Episode{EpisodeID: q.EpisodeID, Traces: traces}, nil
	case model.QueryStats:
		return h.analytics.Stats(ctx)
	case model.QueryToolUsage:
		return h.analytics.Tools(ctx)
	default:
		// Unreachable: Validate rejects unknown kinds at parse time.
		return nil, errors.New("server: unsupported query kind")
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Postgres:  "ok",
		Evaluator: h.providerName,
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// writeStoreError maps storage and validation errors onto HTTP statuses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *storage.DuplicateSpanError
	if errors.As(err, &dup) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, dup.Error())
		return
	}
	var dangling *reconstruct.DanglingParentError
	if errors.As(err, &dangling) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, dangling.Error())
		return
	}
	var cycle *reconstruct.CycleError
	if errors.As(err, &cycle) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, cycle.Error())
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	var invalid *model.ValidationError
	if errors.As(err, &invalid) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, invalid.Error())
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "request cancelled")
		return
	}
	h.logger.Error("storage error", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}
