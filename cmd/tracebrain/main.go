package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tracebrain/tracebrain/api"
	"github.com/tracebrain/tracebrain/internal/analytics"
	"github.com/tracebrain/tracebrain/internal/config"
	"github.com/tracebrain/tracebrain/internal/llm"
	"github.com/tracebrain/tracebrain/internal/mcp"
	"github.com/tracebrain/tracebrain/internal/ratelimit"
	"github.com/tracebrain/tracebrain/internal/server"
	"github.com/tracebrain/tracebrain/internal/service/evaluate"
	"github.com/tracebrain/tracebrain/internal/storage"
	"github.com/tracebrain/tracebrain/internal/telemetry"
	"github.com/tracebrain/tracebrain/internal/translate"
	"github.com/tracebrain/tracebrain/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TRACEBRAIN_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tracebrain starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and run migrations. Migrations are embedded and
	// tracked in schema_migrations, so reapplying on every start is safe.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create LLM provider (nil when none is configured or reachable).
	provider := newLLMProvider(ctx, cfg, logger)

	// Translator turns natural language questions into structured queries.
	var translator *translate.Translator
	if provider != nil {
		translator = translate.New(provider, logger)
	}

	// Analytics engine reads rollups straight from the store.
	engine := analytics.New(db, logger)
	engine.SetSnapshotLimit(cfg.SnapshotLimit)

	// Background evaluation worker. Ingestion never blocks on it.
	var worker *evaluate.Worker
	if cfg.EvalEnabled && provider != nil {
		worker = evaluate.New(db, provider, logger, cfg.EvalConcurrency)
		worker.Start(ctx)
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
	defer func() { _ = limiter.Close() }()

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

	srvCfg := server.Config{
		Handlers:     server.NewHandlers(deps),
		Logger:       logger,
		Limiter:      limiter,
		OpenAPISpec:  api.OpenAPISpec,
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

	srv := server.New(srvCfg)

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight ones (they may still enqueue
	// evaluations), (2) let queued evaluations finish.
	slog.Info("tracebrain shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if worker != nil {
		evalCtx, evalCancel := context.WithTimeout(context.Background(), 20*time.Second)
		worker.Drain(evalCtx)
		evalCancel()
	}

	slog.Info("tracebrain stopped")
	return nil
}

// newLLMProvider creates the completion provider based on configuration.
// Provider selection: "ollama", "openai", "none", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present.
// Ollama is preferred: traces stay on-premises with no external API costs.
func newLLMProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) llm.Provider {
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
