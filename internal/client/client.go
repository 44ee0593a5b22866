// Package client talks to the keyshare HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

var (
	ErrNotFound    = errors.New("share not found")
	ErrLocked      = errors.New("share is locked")
	ErrThrottled   = errors.New("too many attempts")
	ErrUnavailable = errors.New("server unavailable")
	ErrBadRequest  = errors.New("request rejected")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("keyshare: %s (%d)", e.Message, e.StatusCode)
}

// Is lets callers match status classes with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrLocked:
		return e.StatusCode == http.StatusLocked
	case ErrThrottled:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for serverURL. A nil httpClient gets a 30 second
// timeout.
func New(serverURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("keyshare: invalid server url %q", serverURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(serverURL, "/"),
		httpClient: httpClient,
	}, nil
}

type CreateResult struct {
	ShareCode string    `json:"shareCode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Create stores secret and returns its share code. ttlMinutes of zero
// uses the server default.
func (c *Client) Create(ctx context.Context, secret string, ttlMinutes int) (*CreateResult, error) {
	req := map[string]any{"secret": secret}
	if ttlMinutes != 0 {
		req["ttlMinutes"] = ttlMinutes
	}

	var res CreateResult
	if err := c.post(ctx, "/api/shares", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Retrieve opens a share. It succeeds at most once per code.
func (c *Client) Retrieve(ctx context.Context, code string) (string, error) {
	var res struct {
		Secret string `json:"secret"`
	}
	if err := c.post(ctx, "/api/shares/retrieve", map[string]string{"shareCode": code}, &res); err != nil {
		return "", err
	}
	return res.Secret, nil
}

func (c *Client) Revoke(ctx context.Context, code string) error {
	return c.post(ctx, "/api/shares/revoke", map[string]string{"shareCode": code}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("keyshare: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("keyshare: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keyshare: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("keyshare: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("keyshare: failed to parse response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response, data []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
