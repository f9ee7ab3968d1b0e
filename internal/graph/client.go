// Package graph is a thin HTTP client for the Microsoft Graph API: bearer
// auth, JSON conventions, reachability probing, and transient-failure
// classification for the store-and-forward fallback.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/infodancer/m365proxy/internal/metrics"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const (
	requestTimeout = 10 * time.Second
	probeTimeout   = 1 * time.Second
)

// TokenSource supplies bearer tokens for Graph requests.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StatusError reports a non-success HTTP status from Graph. The body is
// retained for logging; Graph error bodies are small JSON documents.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graph: unexpected status %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is a failure worth retrying later: a
// transport-level error (connection refused, timeout, DNS) or an upstream
// gateway status. Other HTTP errors are permanent and propagate to the
// client.
func IsTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// Client issues authenticated requests against the Graph API.
type Client struct {
	base    string
	httpc   *http.Client
	tokens  TokenSource
	metrics metrics.Collector
	logger  *slog.Logger
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	TokenSource TokenSource
	BaseURL     string   // defaults to DefaultBaseURL
	ProxyURL    *url.URL // optional HTTPS proxy for all Graph traffic
	Metrics     metrics.Collector
	Logger      *slog.Logger
}

// NewClient creates a Graph client.
func NewClient(cfg ClientConfig) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	}

	return &Client{
		base:    base,
		httpc:   &http.Client{Timeout: requestTimeout, Transport: transport},
		tokens:  cfg.TokenSource,
		metrics: collector,
		logger:  logger,
	}
}

// url resolves a request path against the base URL. Absolute URLs, such as
// @odata.nextLink pagination links, pass through unchanged.
func (c *Client) url(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return c.base + path
	}
	return path
}

// Do issues an authenticated request. A leading-slash path is resolved
// against the Graph base URL; anything else is treated as a full URL. The
// caller owns the response body.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), rd)
	if err != nil {
		return nil, err
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.metrics.GraphRequest(method, "error")
		return nil, err
	}
	c.metrics.GraphRequest(method, strconv.Itoa(resp.StatusCode))
	return resp, nil
}

// GetJSON issues a GET and decodes a 200 response into out. Any other status
// is returned as a StatusError.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode, Body: data}
	}
	return json.Unmarshal(data, out)
}

// Post issues a POST with a JSON body and returns an error unless the status
// is one of want.
func (c *Client) Post(ctx context.Context, path string, body any, want ...int) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	resp, err := c.Do(ctx, http.MethodPost, path, data, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for _, w := range want {
		if resp.StatusCode == w {
			return nil
		}
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Status: resp.StatusCode, Body: respBody}
}

// Reachable reports whether Graph looks usable: the host resolves in DNS and
// answers an unauthenticated HEAD within a second. 401/403/405 count as
// reachable; the probe carries no credentials.
func (c *Client) Reachable(ctx context.Context) bool {
	u, err := url.Parse(c.base)
	if err != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if _, err := net.DefaultResolver.LookupHost(probeCtx, u.Hostname()); err != nil {
		c.logger.Debug("reachability probe failed: DNS", slog.String("host", u.Hostname()))
		return false
	}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.base+"/me", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Debug("reachability probe failed: HEAD", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized, http.StatusForbidden, http.StatusMethodNotAllowed:
		return true
	}
	c.logger.Debug("reachability probe failed: status", slog.Int("status", resp.StatusCode))
	return false
}
