// Package quotaclient is the worker-side client for the counter
// service: reserve capacity before a provider call, report actual usage
// after it, release on failure, and coordinate backoff when a window is
// exhausted.
package quotaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/tokengate/internal/logging"
)

// Group selects which budget family an operation targets.
type Group string

const (
	Completion    Group = "completion"
	Embedding     Group = "embedding"
	Transcription Group = "transcription"
)

func (g Group) prefix() string {
	switch g {
	case Embedding:
		return "/embedding"
	case Transcription:
		return "/transcription"
	default:
		return ""
	}
}

// Reservation is an approved hold on the counter. Handle is the
// compound identifier the counter issued; RateHandle is the request
// half, carried separately for the report and release payloads.
type Reservation struct {
	Handle     string
	RateHandle string
}

// tokenHalf is the token side of the compound handle. Report and
// release payloads carry the two halves in separate fields, never the
// joined form.
func (r *Reservation) tokenHalf() string {
	if i := strings.IndexByte(r.Handle, ':'); i >= 0 {
		return r.Handle[:i]
	}
	return r.Handle
}

// Status is the counter's snapshot of one budget group. Requests-only
// groups leave the token fields at zero.
type Status struct {
	AvailableTokens   int `json:"available_tokens"`
	UsedTokens        int `json:"used_tokens"`
	LockedTokens      int `json:"locked_tokens"`
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

// Client talks to the counter service. Safe for concurrent use.
type Client struct {
	baseURL string
	appID   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a counter client for the given base URL and app identity.
func New(baseURL, appID string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		appID:   appID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New("info", "json")
	}
	return c
}

type lockRequest struct {
	AppID      string `json:"app_id"`
	TokenCount int    `json:"token_count"`
}

type lockResponse struct {
	Allowed           bool   `json:"allowed"`
	RequestID         string `json:"request_id"`
	RateRequestID     string `json:"rate_request_id"`
	SecondsUntilReset int    `json:"seconds_until_reset"`
	Error             string `json:"error"`
}

type reportRequest struct {
	AppID            string `json:"app_id"`
	RequestID        string `json:"request_id"`
	RateRequestID    string `json:"rate_request_id,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

type releaseRequest struct {
	AppID         string `json:"app_id"`
	RequestID     string `json:"request_id"`
	RateRequestID string `json:"rate_request_id,omitempty"`
}

// Lock reserves tokens (and one request slot) in the given group. A
// quota denial comes back as *QuotaError; transport and protocol
// failures come back as ordinary errors. The counter treats the
// transcription group's token count as one slot regardless of value.
func (c *Client) Lock(ctx context.Context, group Group, tokens int) (*Reservation, error) {
	var resp lockResponse
	if err := c.post(ctx, group.prefix()+"/lock", lockRequest{
		AppID:      c.appID,
		TokenCount: tokens,
	}, &resp); err != nil {
		return nil, err
	}

	if !resp.Allowed {
		c.logger.InfoContext(ctx, "reservation denied",
			"group", group, "tokens", tokens, "reset_in", resp.SecondsUntilReset)
		return nil, &QuotaError{
			Kind:              denialKind(resp.Error),
			SecondsUntilReset: resp.SecondsUntilReset,
			Message:           resp.Error,
		}
	}

	c.logger.DebugContext(ctx, "reservation approved",
		"group", group, "tokens", tokens, "handle", resp.RequestID)
	return &Reservation{Handle: resp.RequestID, RateHandle: resp.RateRequestID}, nil
}

// Report settles a reservation with the actual token usage. Reporting a
// reservation the counter already reclaimed succeeds.
func (c *Client) Report(ctx context.Context, group Group, res *Reservation, promptTokens, completionTokens int) error {
	return c.post(ctx, group.prefix()+"/report", reportRequest{
		AppID:            c.appID,
		RequestID:        res.tokenHalf(),
		RateRequestID:    res.RateHandle,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, nil)
}

// Release abandons a reservation without consuming quota, typically
// after a failed provider call.
func (c *Client) Release(ctx context.Context, group Group, res *Reservation) error {
	return c.post(ctx, group.prefix()+"/release", releaseRequest{
		AppID:         c.appID,
		RequestID:     res.tokenHalf(),
		RateRequestID: res.RateHandle,
	}, nil)
}

// Status fetches the current window snapshot for the group.
func (c *Client) Status(ctx context.Context, group Group) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+group.prefix()+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("counter status: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("counter status: unexpected status %d: %s", httpResp.StatusCode, body)
	}

	var st Status
	if err := json.NewDecoder(httpResp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &st, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("counter %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("counter %s: status %d: %s", path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("counter %s: unexpected status %d: %s", path, resp.StatusCode, raw)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
