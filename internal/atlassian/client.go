// Package atlassian is the REST plumbing shared by the Jira and Confluence
// clients: basic auth, JSON bodies, rate limiting, retries and ADF documents.
package atlassian

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimit  = 5.0
	defaultMaxRetries = 2
	defaultBackoff    = 500 * time.Millisecond
	defaultTimeout    = 30 * time.Second
)

// Config holds site credentials. BaseURL is the site root, e.g.
// https://acme.atlassian.net.
type Config struct {
	BaseURL    string
	Email      string
	Token      string `json:"-"`
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
}

// APIError is a non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 APIError.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// Client sends authenticated JSON requests.
type Client struct {
	baseURL    string
	email      string
	token      string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("atlassian base url required")
	}
	if cfg.Email == "" || cfg.Token == "" {
		return nil, fmt.Errorf("atlassian email and token required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = defaultBackoff
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		email:      cfg.Email,
		token:      cfg.Token,
		http:       hc,
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), 1),
		maxRetries: retries,
		backoff:    backoff,
	}, nil
}

// BaseURL returns the site root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends in as the JSON body (when non-nil) and decodes the response into
// out (when non-nil). 429 and 5xx responses are retried.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		body, status, err := c.send(ctx, method, path, payload)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = &APIError{Method: method, Path: path, Status: status, Body: truncate(body)}
			continue
		}
		if status < 200 || status > 299 {
			return &APIError{Method: method, Path: path, Status: status, Body: truncate(body)}
		}
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Atlassian-Token", "no-check")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
