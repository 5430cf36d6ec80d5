// Package tracebrain is the public API for embedding the TraceBrain trace
// analytics server.
//
// Platform and plugin consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := tracebrain.New(
//	    tracebrain.WithVersion(version),
//	    tracebrain.WithLogger(logger),
//	    tracebrain.WithIngestHook(myPipelineHook{}),
//	    tracebrain.WithExtraRoutes(myExtraRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: tracebrain (root)
// imports internal/*, but internal/* never imports tracebrain (root).
// Public types (TraceSummary, SpanSummary) are standalone structs with no
// internal imports; conversion helpers (toTraceSummary) live here because
// this is the only file that sees both sides of the boundary.
package tracebrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/tracebrain/tracebrain/api"
	"github.com/tracebrain/tracebrain/internal/analytics"
	"github.com/tracebrain/tracebrain/internal/config"
	"github.com/tracebrain/tracebrain/internal/llm"
	"github.com/tracebrain/tracebrain/internal/mcp"
	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/ratelimit"
	"github.com/tracebrain/tracebrain/internal/server"
	"github.com/tracebrain/tracebrain/internal/service/evaluate"
	"github.com/tracebrain/tracebrain/internal/storage"
	"github.com/tracebrain/tracebrain/internal/telemetry"
	"github.com/tracebrain/tracebrain/internal/translate"
	"github.com/tracebrain/tracebrain/migrations"
)

// App is the TraceBrain server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	worker       *evaluate.Worker // nil when evaluation is disabled
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the TraceBrain server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tracebrain starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database and run embedded migrations.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Run extra (consumer) migrations after the embedded ones.
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Completion provider: external override takes priority over auto-detect.
	var provider llm.Provider
	if o.provider != nil {
		provider = &providerAdapter{p: o.provider}
		logger.Info("llm provider: external", "name", o.provider.Name())
	} else {
		provider = autoDetectProvider(context.Background(), cfg, logger)
	}

	// Translator turns natural language questions into structured queries.
	var translator *translate.Translator
	if provider != nil {
		translator = translate.New(provider, logger)
	}

	// Analytics engine reads rollups straight from the store.
	engine := analytics.New(db, logger)
	engine.SetSnapshotLimit(cfg.SnapshotLimit)

	// Background evaluation worker. Created here, started in Run().
	var worker *evaluate.Worker
	if cfg.EvalEnabled && provider != nil {
		worker = evaluate.New(db, provider, logger, cfg.EvalConcurrency)
		logger.Info("evaluation worker: enabled", "concurrency", cfg.EvalConcurrency)
	} else {
		logger.Info("evaluation worker: disabled")
	}

	// Rate limiter for the LLM-backed endpoints.
	var limiter ratelimit.Limiter
	if cfg.QueryRateLimit > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.QueryRateLimit, cfg.QueryRateBurst)
		logger.Info("query rate limiting: memory (in-process token bucket)",
			"rate", cfg.QueryRateLimit, "burst", cfg.QueryRateBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("query rate limiting: disabled")
	}

	providerName := "none"
	if provider != nil {
		providerName = provider.Name()
	}

	deps := server.HandlersDeps{
		Store:               db,
		Analytics:           engine,
		Logger:              logger,
		Version:             version,
		ProviderName:        providerName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	// Interface fields stay nil unless a concrete value exists; assigning a
	// nil pointer would defeat the handlers' nil checks.
	if translator != nil {
		deps.Translator = translator
	}
	if worker != nil {
		deps.Evaluator = worker
	}

	// Fan ingest notifications out to registered hooks. Hooks run in
	// goroutines so the ingest response is never delayed by them.
	if len(o.ingestHooks) > 0 {
		hooks := o.ingestHooks
		deps.OnIngest = func(_ context.Context, tr model.Trace) {
			summary := toTraceSummary(tr)
			go func() {
				hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				for _, h := range hooks {
					if err := h.OnTraceIngested(hookCtx, summary); err != nil {
						logger.Warn("ingest hook failed", "error", err, "trace_id", summary.TraceID)
					}
				}
			}()
		}
	}

	// Adapt route registrars and middlewares to the internal server format.
	var extraRoutes func(mux *http.ServeMux)
	if len(o.routeRegistrars) > 0 {
		registrars := o.routeRegistrars
		extraRoutes = func(mux *http.ServeMux) {
			for _, fn := range registrars {
				fn(mux)
			}
		}
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	srvCfg := server.Config{
		Handlers:     server.NewHandlers(deps),
		Logger:       logger,
		Limiter:      limiter,
		OpenAPISpec:  api.OpenAPISpec,
		ExtraRoutes:  extraRoutes,
		Middlewares:  middlewares,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// MCP server (mounted at /mcp when enabled).
	if cfg.MCPEnabled {
		var mcpTranslator mcp.Translator
		if translator != nil {
			mcpTranslator = translator
		}
		mcpSrv := mcp.New(db, engine, mcpTranslator, logger, version)
		srvCfg.MCPServer = mcpSrv.MCPServer()
		logger.Info("mcp: enabled")
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          server.New(srvCfg),
		worker:       worker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the fully assembled HTTP handler, including registered
// extra routes and middlewares. Useful for mounting the App inside a larger
// server or for tests that drive it via httptest.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the evaluation worker and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.worker != nil {
		a.worker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight ones (they may still
// enqueue evaluations), (2) let queued evaluations finish.
// It then closes the rate limiter, database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tracebrain shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.worker != nil {
		evalCtx, evalCancel := context.WithTimeout(ctx, 20*time.Second)
		a.worker.Drain(evalCtx)
		evalCancel()
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("tracebrain stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// providerAdapter wraps a public CompletionProvider to satisfy llm.Provider.
type providerAdapter struct {
	p CompletionProvider
}

func (a *providerAdapter) Complete(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return a.p.Complete(ctx, prompt, CompletionOptions{
		System:      opts.System,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		JSONMode:    opts.JSONMode,
	})
}

func (a *providerAdapter) Name() string { return a.p.Name() }

// ── Type converters ────────────────────────────────────────────────────────────

// toTraceSummary converts an internal model.Trace to the public TraceSummary.
// Lives here because this is the only file that imports both sides of the
// boundary.
func toTraceSummary(t model.Trace) TraceSummary {
	spans := make([]SpanSummary, len(t.Spans))
	for i, s := range t.Spans {
		spans[i] = SpanSummary{
			SpanID:     s.SpanID,
			ParentID:   s.ParentID,
			Name:       s.Name,
			Type:       string(model.SpanTypeOf(s)),
			NewContent: model.NewContentOf(s),
			Seq:        s.Seq,
			StartTime:  s.StartTime,
			EndTime:    s.EndTime,
		}
	}
	return TraceSummary{
		TraceID:    t.TraceID,
		Attributes: t.Attributes,
		Spans:      spans,
		EpisodeID:  model.EpisodeIDOf(t),
		Status:     string(model.TraceStatusOf(t)),
		CreatedAt:  t.CreatedAt,
	}
}

// autoDetectProvider creates the completion provider based on configuration.
// Provider selection: "ollama", "openai", "none", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present.
// Ollama is preferred: traces stay on-premises with no external API costs.
func autoDetectProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) llm.Provider {
	switch cfg.LLMProvider {
	case "openai":
		logger.Info("llm provider: openai", "model", cfg.OpenAIModel)
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)

	case "ollama":
		logger.Info("llm provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return llm.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel)

	case "none":
		logger.Info("llm provider: none (evaluation and natural language queries disabled)")
		return nil

	case "auto":
		fallthrough
	default:
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		ollama := llm.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel)
		if ollama.Available(probeCtx) {
			logger.Info("llm provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return ollama
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("llm provider: openai (auto-detected)", "model", cfg.OpenAIModel)
			return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		}
		logger.Warn("no llm provider available (evaluation and natural language queries disabled)")
		return nil
	}
}
