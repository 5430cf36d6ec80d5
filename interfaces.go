package tracebrain

import (
	"context"
	"net/http"
)

// CompletionProvider generates chat completions for evaluation and natural
// language query translation. When provided via WithCompletionProvider it
// replaces the auto-detected Ollama/OpenAI provider. Uses plain option
// structs rather than internal/llm types so external consumers never import
// internal packages; App wraps it in an adapter.
type CompletionProvider interface {
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
	// Name identifies the provider in logs and the health endpoint.
	Name() string
}

// IngestHook receives async notifications after a trace batch is accepted.
// Multiple hooks may be registered via multiple WithIngestHook calls.
// Hook methods run in goroutines and must not block indefinitely.
// Failures are logged but do not fail the originating request.
type IngestHook interface {
	OnTraceIngested(ctx context.Context, trace TraceSummary) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, middleware chain, and OTEL instrumentation
// with the built-in routes. The function is called once during New() after
// all built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler. Applied outermost, before
// routing, so it sees all requests including /health. Multiple middlewares
// are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
