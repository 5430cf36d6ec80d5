package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tracebrain/tracebrain/internal/ratelimit"
)

// Server is the TraceBrain HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, and the Handlers' optional
// Translator and Evaluator.
type Config struct {
	Handlers *Handlers
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte
	ExtraRoutes func(mux *http.ServeMux)

	// Middlewares are applied outside the built-in chain, in registration
	// order: the first entry is outermost and sees every request.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := cfg.Handlers

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// LLM-backed endpoints are rate limited per client IP; plain store
	// operations are not.
	llmRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Ingestion and trace reads.
	mux.HandleFunc("POST /traces", h.HandleIngestTrace)
	mux.HandleFunc("GET /traces", h.HandleListTraces)
	mux.HandleFunc("GET /traces/{trace_id}", h.HandleGetTrace)

	// Feedback ledger and review signals.
	mux.HandleFunc("POST /traces/{trace_id}/feedback", h.HandleAppendFeedback)
	mux.HandleFunc("POST /traces/{trace_id}/signal", h.HandleSignal)

	// Asynchronous AI evaluation (LLM-backed, rate limited).
	mux.Handle("POST /ai_evaluate/{trace_id}", llmRL(http.HandlerFunc(h.HandleEvaluate)))

	// Episodes.
	mux.HandleFunc("GET /episodes/{episode_id}/traces", h.HandleEpisodeTraces)

	// Analytics.
	mux.HandleFunc("GET /stats", h.HandleStats)
	mux.HandleFunc("GET /analytics/tool_usage", h.HandleToolUsage)

	// Natural-language querying (LLM-backed, rate limited).
	mux.Handle("POST /natural_language_query", llmRL(http.HandlerFunc(h.HandleNLQuery)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// OpenAPI specification.
	if len(cfg.OpenAPISpec) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}

	// Extension point for embedders.
	if cfg.ExtraRoutes != nil {
		cfg.ExtraRoutes(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
