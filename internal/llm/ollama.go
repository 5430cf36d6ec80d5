package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaProvider generates completions using a local Ollama server.
// This is the recommended provider for production: no external API costs,
// and trace content never leaves the customer's network.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaProvider creates a provider that calls Ollama's chat API.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1"
	}
	return &OllamaProvider{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

// Complete runs a single non-streaming chat completion.
func (p *OllamaProvider) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	creq := ollamaChatRequest{
		Model:  p.model,
		Stream: false,
	}
	if opts.System != "" {
		creq.Messages = append(creq.Messages, ollamaMessage{Role: "system", Content: opts.System})
	}
	creq.Messages = append(creq.Messages, ollamaMessage{Role: "user", Content: prompt})
	if opts.JSONMode {
		creq.Format = "json"
	}
	if opts.Temperature > 0 || opts.MaxTokens > 0 {
		creq.Options = map[string]any{}
		if opts.Temperature > 0 {
			creq.Options["temperature"] = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			creq.Options["num_predict"] = opts.MaxTokens
		}
	}

	reqBody, err := json.Marshal(creq)
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Retriable: true, Err: fmt.Errorf("send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &ProviderError{
			Provider:  p.Name(),
			Retriable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProviderError{Provider: p.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	return result.Message.Content, nil
}

// Available probes the Ollama server's version endpoint. Used at startup to
// auto-select a provider when none is configured explicitly.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
