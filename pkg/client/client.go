// Package client is a typed Go client for the trellis daemon's local API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/verdantlabs/trellis/internal/types"
)

const defaultTimeout = 10 * time.Second

// APIError is a decoded RFC 7807 problem response.
type APIError struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api: %s (status %d)", e.Detail, e.Status)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Title, e.Status)
}

// Client talks to a running daemon over its local HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the daemon at baseURL (e.g.
// "http://127.0.0.1:8686").
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health fetches the public health summary.
func (c *Client) Health(ctx context.Context) (types.HealthResponse, error) {
	var out types.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/health", &out)
	return out, err
}

// QueueStatus fetches the operation queue snapshot.
func (c *Client) QueueStatus(ctx context.Context) (types.QueueStatus, error) {
	var out types.QueueStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/queue/status", &out)
	return out, err
}

// PendingOperations lists the queued operations.
func (c *Client) PendingOperations(ctx context.Context) (types.QueueListResponse, error) {
	var out types.QueueListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/queue", &out)
	return out, err
}

// TriggerFlush schedules a queue flush pass.
func (c *Client) TriggerFlush(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/queue/flush", nil)
}

// Connection fetches the realtime connection snapshot.
func (c *Client) Connection(ctx context.Context) (types.ConnectionSnapshot, error) {
	var out types.ConnectionSnapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/connection", &out)
	return out, err
}

// ForceReconnect schedules a forced realtime reconnect.
func (c *Client) ForceReconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/connection/reconnect", nil)
}

// ConnectionHealth probes the live connection.
func (c *Client) ConnectionHealth(ctx context.Context) (types.ConnectionHealth, error) {
	var out types.ConnectionHealth
	err := c.do(ctx, http.MethodGet, "/api/v1/connection/health", &out)
	return out, err
}

// DeadLetters lists permanently failed operations, newest first. A limit
// of 0 uses the server default.
func (c *Client) DeadLetters(ctx context.Context, limit int) (types.DeadLetterListResponse, error) {
	path := "/api/v1/deadletters"
	if limit > 0 {
		path += "?limit=" + url.QueryEscape(strconv.Itoa(limit))
	}
	var out types.DeadLetterListResponse
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

// PurgeDeadLetters deletes the dead-letter archive and reports how many
// entries were removed.
func (c *Client) PurgeDeadLetters(ctx context.Context) (int64, error) {
	var out struct {
		Purged int64 `json:"purged"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/v1/deadletters", &out)
	return out.Purged, err
}

// Stats fetches the sync statistics snapshot.
func (c *Client) Stats(ctx context.Context) (types.SyncStats, error) {
	var out types.SyncStats
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", &out)
	return out, err
}

// do performs one request, decoding JSON success bodies into out and
// problem+json failures into *APIError.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns a non-2xx response into an *APIError.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		// Best effort; a non-problem body keeps the status-derived fields.
		json.Unmarshal(body, apiErr)
		apiErr.Status = resp.StatusCode
	}
	return apiErr
}
