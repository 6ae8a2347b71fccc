// Package backend talks to the hosted backend (Supabase) the readers report
// to: edge functions, the devices table and the toy photo bucket.
package backend

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
	"strings"
	"time"
)

// ErrGatewayTimeout matches an *HTTPError with status 504.
var ErrGatewayTimeout = errors.New("backend: gateway timeout")

// ErrNotConfigured is returned when the client has no base URL.
var ErrNotConfigured = errors.New("backend: url not configured")

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string // truncated response body
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("backend: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// GatewayTimeout reports whether the gateway gave up on the upstream.
func (e *HTTPError) GatewayTimeout() bool {
	return e.StatusCode == http.StatusGatewayTimeout
}

// Is lets errors.Is(err, ErrGatewayTimeout) match 504 responses.
func (e *HTTPError) Is(target error) bool {
	return target == ErrGatewayTimeout && e.GatewayTimeout()
}

const maxErrorBody = 512

// Options configures a Client.
type Options struct {
	URL         string
	AnonKey     string
	AccessToken string // signed-in user's token; the anon key is used when empty
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client is a minimal REST client for the backend.
type Client struct {
	baseURL     string
	anonKey     string
	accessToken string
	http        *http.Client
}

// NewClient creates a Client. Surrounding quotes and whitespace are trimmed
// from every credential, as values often come from .env files.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(Clean(opts.URL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backend: parse url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:     base,
		anonKey:     Clean(opts.AnonKey),
		accessToken: Clean(opts.AccessToken),
		http:        hc,
	}, nil
}

// Clean trims whitespace and one pair of surrounding quotes.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// BaseURL returns the normalized backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// AnonKey returns the public API key.
func (c *Client) AnonKey() string { return c.anonKey }

func (c *Client) bearer() string {
	if c.accessToken != "" {
		return c.accessToken
	}
	return c.anonKey
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	header      http.Header
}

// do sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, req request, out any) error {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, req.body)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	if c.anonKey != "" {
		httpReq.Header.Set("apikey", c.anonKey)
	}
	if b := c.bearer(); b != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()
	slog.Debug("[BACKEND] response", "method", req.method, "path", req.path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			Method:     req.method,
			Path:       req.path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("backend: decode %s response: %w", req.path, err)
	}
	return nil
}

func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("backend: encode request: %w", err)
	}
	return bytes.NewReader(data), nil
}
