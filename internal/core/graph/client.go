// Package graph talks to the Microsoft Graph drive and subscription APIs.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Config holds app-only credentials for the Graph API.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	BaseURL      string
	RPS          float64
}

// ErrResyncRequired matches a 410 on a delta link: the cursor is no longer valid.
var ErrResyncRequired = errors.New("graph: delta resync required")

// APIError is a non-2xx Graph response.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusGone {
		return ErrResyncRequired
	}
	return nil
}

// Client is a thin JSON client over Graph with token handling and throttling.
type Client struct {
	http    *http.Client
	plain   *http.Client
	base    *url.URL
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewClient builds a client that authenticates with the client-credentials flow.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("graph credentials not set")
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token",
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	httpClient := cc.Client(ctx)
	httpClient.Timeout = 0 // downloads are bounded by their context

	return NewClientWithHTTP(httpClient, cfg.BaseURL, NewRateLimiter(cfg.RPS, 10), logger)
}

// NewClientWithHTTP uses an already authenticated HTTP client.
func NewClientWithHTTP(httpClient *http.Client, baseURL string, limiter *RateLimiter, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid graph base url: %w", err)
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    httpClient,
		plain:   &http.Client{},
		base:    u,
		limiter: limiter,
		logger:  logger.With("component", "graph"),
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// sameOrigin guards server-provided links so the bearer token never leaves Graph.
func (c *Client) sameOrigin(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return u.Scheme == c.base.Scheme && u.Host == c.base.Host
}

func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	resp, err := c.send(ctx, c.http, method, rawURL, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, rawURL, err)
	}
	return nil
}

// send performs one throttled request and turns non-2xx responses into *APIError.
// Redirects are returned to the caller when the client is configured not to follow them.
func (c *Client) send(ctx context.Context, hc *http.Client, method, rawURL string, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph %s %s: %w", method, rawURL, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		c.limiter.RecordRateLimitError(retryAfter(resp.Header.Get("Retry-After")))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, &APIError{Method: method, URL: rawURL, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		return time.Until(t)
	}
	return 0
}
