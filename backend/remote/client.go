// Package remote provides the HTTP client for the habitkeep sync API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"habitkeep/backend"
	"habitkeep/internal/credentials"
	"habitkeep/internal/ratelimit"
	"habitkeep/internal/utils"
)

const (
	// DefaultTimeout bounds a single HTTP call
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the number of 429 retries per call
	DefaultMaxRetries = 3
)

// ErrUnauthorized is returned when no access token is available for a call.
var ErrUnauthorized = errors.New("unauthorized")

// Config holds remote API connection settings
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int              // 429 retries; 0 uses DefaultMaxRetries, negative disables
	Retry      ratelimit.Policy // wait between 429 retries when no Retry-After is sent
	Stats      *ratelimit.Stats // optional
}

// Response is the part of an HTTP response the sync engine classifies.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Excerpt returns the start of the body for error messages.
func (r *Response) Excerpt() string {
	const limit = 200
	s := strings.TrimSpace(string(r.Body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// Client calls the remote API with bearer authentication
type Client struct {
	http   *resty.Client
	tokens credentials.TokenProvider
	stats  *ratelimit.Stats

	refreshMu sync.Mutex
}

// New creates a client for cfg. tokens may be nil for unauthenticated use.
func New(cfg Config, tokens credentials.TokenProvider) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := cfg.MaxRetries
	switch {
	case retries == 0:
		retries = DefaultMaxRetries
	case retries < 0:
		retries = 0
	}
	policy := cfg.Retry
	if policy.BaseDelay <= 0 {
		policy = ratelimit.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, EnableJitter: true}
	}
	stats := cfg.Stats
	if stats == nil {
		stats = ratelimit.NewStats()
	}

	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetLogger(utils.GetLogger().Base()).
		SetHeader("Accept", "application/json").
		SetRetryCount(retries).
		SetRetryWaitTime(policy.BaseDelay).
		SetRetryMaxWaitTime(policy.MaxDelay).
		// Only rate limiting is retried here. Transport errors and 5xx go
		// back to the outbox, which owns the longer backoff.
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err == nil && resp != nil && resp.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			attempt := 0
			if resp.Request != nil {
				attempt = resp.Request.Attempt - 1
			}
			return policy.RetryDelay(attempt, ratelimit.ParseRetryAfter(resp.Header().Get("Retry-After"))), nil
		}).
		OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
			if resp.StatusCode() == http.StatusTooManyRequests {
				stats.RecordRateLimit()
				utils.GetLogger().Warn("rate limited", "url", resp.Request.URL, "retry_after", resp.Header().Get("Retry-After"))
			}
			return nil
		})

	return &Client{http: hc, tokens: tokens, stats: stats}, nil
}

// Stats returns the client's rate limit counters.
func (c *Client) Stats() *ratelimit.Stats {
	return c.stats
}

// Do sends one call to ep. body is sent as JSON when the endpoint carries one.
// A transport failure is returned as an error with a nil Response; any HTTP
// status, including 401 after a failed refresh, is returned as a Response.
func (c *Client) Do(ctx context.Context, ep Endpoint, id string, body any) (*Response, error) {
	if !ep.HasBody() {
		body = nil
	}
	return c.authorized(ctx, ep.Method, ep.Resolve(id), nil, body)
}

// authorized runs one call with the current token. On 401 the token is
// refreshed once and the call repeated.
func (c *Client) authorized(ctx context.Context, method, path string, query map[string]string, body any) (*Response, error) {
	if c.tokens == nil {
		return nil, fmt.Errorf("%w: no token provider", ErrUnauthorized)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	resp, err := c.send(ctx, method, path, token, query, body)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	fresh, err := c.refresh(ctx, token)
	if err != nil {
		utils.GetLogger().Warn("token refresh failed, signing out", "error", err)
		if signOutErr := c.tokens.SignOut(ctx); signOutErr != nil {
			utils.GetLogger().Error("sign out failed", "error", signOutErr)
		}
		return resp, nil
	}
	return c.send(ctx, method, path, fresh, query, body)
}

// refresh obtains a new access token. Callers that hit 401 concurrently wait
// here; whoever arrives after a successful refresh reuses its token.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if current, err := c.tokens.Token(ctx); err == nil && current != stale {
		return current, nil
	}
	return c.tokens.Refresh(ctx)
}

func (c *Client) send(ctx context.Context, method, path, token string, query map[string]string, body any) (*Response, error) {
	req := c.http.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	utils.GetLogger().Debug("remote call", "method", method, "path", path, "status", resp.StatusCode(), "attempts", resp.Request.Attempt)
	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Body(),
		Header:     resp.Header(),
	}, nil
}

// RefreshToken exchanges a refresh token for a new token pair. It is the
// credentials.Refresher wired into the token manager.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (credentials.Tokens, error) {
	var tokens credentials.Tokens
	resp, err := c.send(ctx, refreshEndpoint.Method, refreshEndpoint.Path, "", nil,
		map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return tokens, err
	}
	if !resp.Success() {
		return tokens, fmt.Errorf("%s returned %d: %s", refreshEndpoint, resp.StatusCode, resp.Excerpt())
	}
	if err := json.Unmarshal(resp.Body, &tokens); err != nil {
		return tokens, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if tokens.AccessToken == "" {
		return tokens, fmt.Errorf("%s returned no access token", refreshEndpoint)
	}
	return tokens, nil
}

// Change is one entry of the server change feed. Data holds the entity's
// payload, or a backend.DeletePayload for deletes.
type Change struct {
	ID     int64              `json:"id"`
	Entity backend.EntityKind `json:"entity"`
	Op     backend.OpKind     `json:"op"`
	Data   json.RawMessage    `json:"data"`
}

// ChangeSet is a page of the change feed. Next is the watermark to store.
type ChangeSet struct {
	Changes []Change `json:"changes"`
	Next    int64    `json:"next"`
}

// FetchChanges returns the remote changes after the since watermark.
func (c *Client) FetchChanges(ctx context.Context, since int64) (*ChangeSet, error) {
	resp, err := c.authorized(ctx, changesEndpoint.Method, changesEndpoint.Path,
		map[string]string{"since": strconv.FormatInt(since, 10)}, nil)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("%s returned %d: %s", changesEndpoint, resp.StatusCode, resp.Excerpt())
	}

	var set ChangeSet
	if err := json.Unmarshal(resp.Body, &set); err != nil {
		return nil, fmt.Errorf("failed to decode change feed: %w", err)
	}
	if set.Next < since {
		set.Next = since
	}
	return &set, nil
}
