// Package llm abstracts chat-completion providers behind a single interface.
//
// Two implementations ship: a local Ollama server (recommended for
// production, data never leaves the network) and the OpenAI API. Callers
// treat both identically; provider failures surface as *ProviderError so the
// HTTP layer can map them to upstream-failure responses.
package llm

import (
	"context"
	"fmt"
)

// Options tunes a single completion call. Zero values mean provider defaults.
type Options struct {
	System      string
	Temperature float32
	MaxTokens   int
	JSONMode    bool
}

// Provider generates a chat completion for a prompt.
type Provider interface {
	// Complete returns the assistant text for the prompt, or a *ProviderError
	// when the upstream call fails.
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
	// Name identifies the provider for logs and health reporting.
	Name() string
}

// ProviderError wraps an upstream completion failure. Retriable reports
// whether the caller may usefully try again (timeouts, 5xx, rate limits).
type ProviderError struct {
	Provider  string
	Retriable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: %s provider: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
