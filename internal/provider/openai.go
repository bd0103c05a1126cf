// Package provider wraps the upstream OpenAI-compatible API: a raw
// HTTP client with retry and circuit breaking, a token estimator, and a
// quota-gated service that reserves counter capacity around every call.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/tokengate/internal/circuitbreaker"
	"github.com/mbd888/tokengate/internal/config"
	"github.com/mbd888/tokengate/internal/logging"
	"github.com/mbd888/tokengate/internal/metrics"
	"github.com/mbd888/tokengate/internal/retry"
)

// ChatMessage is one turn of a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ResponseFormat selects structured output, e.g. {"type": "json_object"}.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest is the chat completions payload.
type ChatRequest struct {
	Messages       []ChatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Usage is the provider's authoritative token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one generated reply.
type ChatChoice struct {
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse is the chat completions result.
type ChatResponse struct {
	ID      string       `json:"id"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// EmbeddingRequest is the embeddings payload.
type EmbeddingRequest struct {
	Input []string `json:"input"`
}

// EmbeddingData is one embedding vector.
type EmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse is the embeddings result.
type EmbeddingResponse struct {
	Data  []EmbeddingData `json:"data"`
	Usage Usage           `json:"usage"`
}

// APIError is a non-2xx answer from the provider. Status 429 and 5xx
// are transient; everything else is permanent.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the call is worth retrying.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client is the raw HTTP client for an Azure-style OpenAI deployment.
// Every call goes through the retry helper and a per-operation circuit
// breaker; quota is the caller's problem.
type Client struct {
	endpoint   string
	apiKey     string
	deployment string
	apiVersion string
	http       *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
}

// ClientOption configures the provider client
type ClientOption func(*Client)

// WithClientHTTP sets a custom HTTP client
func WithClientHTTP(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClientLogger sets a custom logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRetry overrides the transient-retry policy
func WithRetry(maxAttempts int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = baseDelay
	}
}

// NewClient builds a provider client from configuration.
func NewClient(cfg *config.Config, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:    cfg.ProviderEndpoint,
		apiKey:      cfg.ProviderAPIKey,
		deployment:  cfg.ProviderDeployment,
		apiVersion:  cfg.ProviderAPIVersion,
		http:        &http.Client{Timeout: 120 * time.Second},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New("info", "json")
	}
	return c
}

// ChatCompletion calls the chat completions endpoint.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.call(ctx, "chat", "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Embeddings calls the embeddings endpoint.
func (c *Client) Embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	var resp EmbeddingResponse
	if err := c.call(ctx, "embeddings", "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/openai/deployments/%s%s?api-version=%s",
		c.endpoint, c.deployment, path, c.apiVersion)
}

// call runs one JSON operation through the breaker and retry policy.
func (c *Client) call(ctx context.Context, operation, path string, body, out any) error {
	if !c.breaker.Allow(operation) {
		return fmt.Errorf("provider circuit open for %s", operation)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", operation, err)
	}

	start := time.Now()
	err = retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		// Fresh reader per attempt; the previous one may be drained.
		return c.once(ctx, operation, c.url(path), "application/json", bytes.NewReader(payload), out)
	})
	metrics.ProviderCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		c.breaker.RecordFailure(operation)
		return err
	}
	c.breaker.RecordSuccess(operation)
	return nil
}

// once performs a single HTTP exchange. Permanent failures are wrapped
// so the retry helper stops immediately.
func (c *Client) once(ctx context.Context, operation, url, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build %s request: %w", operation, err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s call: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if !apiErr.Transient() {
			return retry.Permanent(apiErr)
		}
		c.logger.WarnContext(ctx, "transient provider error",
			"operation", operation, "status", resp.StatusCode)
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s response: %w", operation, err))
	}
	return nil
}
