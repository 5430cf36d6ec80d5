package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaProvider_Complete(t *testing.T) {
	// Mock Ollama server echoing the last user message.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		if len(req.Messages) == 0 {
			http.Error(w, "no messages", http.StatusBadRequest)
			return
		}

		last := req.Messages[len(req.Messages)-1]
		if err := json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: "echo: " + last.Content},
		}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer server.Close()

	t.Run("basic completion", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model")
		got, err := p.Complete(context.Background(), "hello", Options{})
		if err != nil {
			t.Fatal(err)
		}
		if got != "echo: hello" {
			t.Errorf("unexpected completion: %q", got)
		}
	})

	t.Run("system prompt goes first", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model")
		got, err := p.Complete(context.Background(), "ping", Options{System: "be terse"})
		if err != nil {
			t.Fatal(err)
		}
		// The user message stays last even with a system message prepended.
		if got != "echo: ping" {
			t.Errorf("unexpected completion: %q", got)
		}
	})
}

func TestOllamaProvider_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "test-model")
	_, err := p.Complete(context.Background(), "hello", Options{})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !perr.Retriable {
		t.Error("5xx should be retriable")
	}
	if perr.Provider != "ollama" {
		t.Errorf("unexpected provider name: %s", perr.Provider)
	}
}

func TestOllamaProvider_Available(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"version":"0.5.0"}`))
	}))
	defer server.Close()

	if !NewOllamaProvider(server.URL, "").Available(context.Background()) {
		t.Error("expected server to be reported available")
	}

	server.Close()
	if NewOllamaProvider(server.URL, "").Available(context.Background()) {
		t.Error("expected closed server to be reported unavailable")
	}
}
