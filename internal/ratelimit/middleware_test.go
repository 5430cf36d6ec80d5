package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tracebrain/tracebrain/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAllowsUnderLimit(t *testing.T) {
	m := NewMemoryLimiter(100, 5)
	defer closeLimiter(t, m)

	handler := Middleware(m, IPKeyFunc, nil)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/query", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1) // one request, effectively no refill
	defer closeLimiter(t, m)

	handler := Middleware(m, IPKeyFunc, func(*http.Request) string { return "req-123" })(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/query", nil)
	req.RemoteAddr = "10.0.0.2:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	var apiErr model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if apiErr.Error.Code != model.ErrCodeRateLimited {
		t.Errorf("expected %s, got %s", model.ErrCodeRateLimited, apiErr.Error.Code)
	}
	if apiErr.Meta.RequestID != "req-123" {
		t.Errorf("expected request id in envelope, got %q", apiErr.Meta.RequestID)
	}
}

func TestMiddlewareSeparateKeys(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer closeLimiter(t, m)

	handler := Middleware(m, IPKeyFunc, nil)(okHandler())

	for _, addr := range []string{"10.0.0.3:1", "10.0.0.4:1"} {
		req := httptest.NewRequest(http.MethodPost, "/query", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("addr %s: expected 200, got %d", addr, rec.Code)
		}
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := Middleware(nil, IPKeyFunc, nil)(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/query", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
