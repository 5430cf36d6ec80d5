package tracebrain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Tracebrain server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Tracebrain trace API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracebrain: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// IngestTrace submits a batch of spans for one trace. Re-submitting the same
// spans is a no-op; submitting a span id with a different payload fails with
// a 409 (see IsConflict).
func (c *Client) IngestTrace(ctx context.Context, req IngestTraceRequest) (*Trace, error) {
	var resp Trace
	if err := c.post(ctx, "/traces", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrace retrieves one trace with every span's full content reconstructed.
func (c *Client) GetTrace(ctx context.Context, traceID string) (*TraceView, error) {
	var resp TraceView
	if err := c.get(ctx, "/traces/"+url.PathEscape(traceID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListOptions are optional filters for the ListTraces method.
type ListOptions struct {
	Status         string
	ErrorType      string
	EpisodeID      string
	PromptContains string
	MinRating      int
	ConfidenceMin  *float64
	ConfidenceMax  *float64
	StartedAfter   *time.Time
	StartedBefore  *time.Time
	Skip           int
	Limit          int
}

// ListTraces returns a page of traces, newest first, optionally filtered.
func (c *Client) ListTraces(ctx context.Context, opts *ListOptions) (*TracePage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.ErrorType != "" {
			params.Set("error_type", opts.ErrorType)
		}
		if opts.EpisodeID != "" {
			params.Set("episode_id", opts.EpisodeID)
		}
		if opts.PromptContains != "" {
			params.Set("prompt_contains", opts.PromptContains)
		}
		if opts.MinRating > 0 {
			params.Set("min_rating", strconv.Itoa(opts.MinRating))
		}
		if opts.ConfidenceMin != nil {
			params.Set("confidence_min", strconv.FormatFloat(*opts.ConfidenceMin, 'f', -1, 64))
		}
		if opts.ConfidenceMax != nil {
			params.Set("confidence_max", strconv.FormatFloat(*opts.ConfidenceMax, 'f', -1, 64))
		}
		if opts.StartedAfter != nil {
			params.Set("started_after", opts.StartedAfter.Format(time.RFC3339))
		}
		if opts.StartedBefore != nil {
			params.Set("started_before", opts.StartedBefore.Format(time.RFC3339))
		}
		if opts.Skip > 0 {
			params.Set("skip", strconv.Itoa(opts.Skip))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/traces"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("tracebrain: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracebrain: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracebrain: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// List endpoints use a flat envelope with pagination fields.
	var envelope struct {
		Data    []Trace `json:"data"`
		Total   int     `json:"total"`
		HasMore bool    `json:"has_more"`
		Limit   int     `json:"limit"`
		Offset  int     `json:"offset"`
	}
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("tracebrain: decode list response: %w", err)
	}
	return &TracePage{
		Traces:  envelope.Data,
		Total:   envelope.Total,
		HasMore: envelope.HasMore,
		Limit:   envelope.Limit,
		Offset:  envelope.Offset,
	}, nil
}

// AppendFeedback attaches a human rating to a trace. Feedback is append-only;
// the latest entry wins for analytics.
func (c *Client) AppendFeedback(ctx context.Context, traceID string, input FeedbackInput) (*Feedback, error) {
	var resp Feedback
	if err := c.post(ctx, "/traces/"+url.PathEscape(traceID)+"/feedback", input, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Signal flags a trace for review.
func (c *Client) Signal(ctx context.Context, traceID, reason string) (*Signal, error) {
	body := map[string]string{"reason": reason}
	var resp Signal
	if err := c.post(ctx, "/traces/"+url.PathEscape(traceID)+"/signal", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Evaluate queues an asynchronous AI evaluation of a trace. A nil error
// means the trace was queued, not that it has been scored.
func (c *Client) Evaluate(ctx context.Context, traceID string) (*EvaluateResponse, error) {
	var resp EvaluateResponse
	if err := c.post(ctx, "/ai_evaluate/"+url.PathEscape(traceID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EpisodeTraces returns all traces belonging to an episode, in ingestion order.
func (c *Client) EpisodeTraces(ctx context.Context, episodeID string) (*Episode, error) {
	var resp Episode
	if err := c.get(ctx, "/episodes/"+url.PathEscape(episodeID)+"/traces", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats returns aggregate statistics over recent traces.
func (c *Client) Stats(ctx context.Context) (*TraceStats, error) {
	var resp TraceStats
	if err := c.get(ctx, "/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ToolUsage returns per-tool call statistics across all traces.
func (c *Client) ToolUsage(ctx context.Context) (*ToolUsage, error) {
	var resp ToolUsage
	if err := c.get(ctx, "/analytics/tool_usage", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Query asks a natural language question about the trace store.
// A 422 (see IsTranslationFailed) means the question could not be turned
// into a supported query.
func (c *Client) Query(ctx context.Context, question string) (*QueryResponse, error) {
	body := map[string]string{"question": question}
	var resp QueryResponse
	if err := c.post(ctx, "/natural_language_query", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tracebrain: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("tracebrain: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tracebrain: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracebrain: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tracebrain: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("tracebrain: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
