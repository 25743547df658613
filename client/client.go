// Package client is the Go client for the timersync server. It exposes
// the timer operations plus the pieces a long-lived UI process needs to
// stay consistent: a local clock (clock), an idle monitor (idle), a
// durable offline queue (queue), and a cross-tab coordinator (tabs).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/timersync/server/internal/models"
)

// NetworkError marks a failure that never reached a definitive server
// answer: transport errors, timeouts, 5xx. These are the only errors
// the offline queue retries.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError is a definitive server rejection. It must not be blindly
// retried; callers re-fetch state first.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// IsConflict reports whether the error is the server's Conflict answer
// (timer already exists, or stale sync token).
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsNotFound reports whether the error is the server's NotFound answer.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsRetryable reports whether the error may be retried as-is.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// Config holds client connection settings.
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	UserID       string
	TabID        string
	Timeout      time.Duration
}

// Client talks to the timersync server.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client. TabID should be the coordinator's tab id so the
// server never echoes this tab's own mutations back to it.
func New(cfg Config) *Client {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Current fetches the active timer snapshot.
func (c *Client) Current(ctx context.Context) (*models.TimerSnapshot, error) {
	var snapshot models.TimerSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/timer", nil, "", &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Start starts a timer.
func (c *Client) Start(ctx context.Context, req models.StartTimerRequest, idempotencyKey string) (*models.TimerSnapshot, error) {
	var snapshot models.TimerSnapshot
	if err := c.do(ctx, http.MethodPost, "/api/timer/start", req, idempotencyKey, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Pause pauses the timer.
func (c *Client) Pause(ctx context.Context, idempotencyKey string) (*models.TimerSnapshot, error) {
	var snapshot models.TimerSnapshot
	if err := c.do(ctx, http.MethodPost, "/api/timer/pause", nil, idempotencyKey, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Resume resumes the timer.
func (c *Client) Resume(ctx context.Context, idempotencyKey string) (*models.TimerSnapshot, error) {
	var snapshot models.TimerSnapshot
	if err := c.do(ctx, http.MethodPost, "/api/timer/resume", nil, idempotencyKey, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Stop stops the timer and returns the created time entry.
func (c *Client) Stop(ctx context.Context, idempotencyKey string) (*models.TimeEntrySummary, error) {
	var summary models.TimeEntrySummary
	if err := c.do(ctx, http.MethodPost, "/api/timer/stop", nil, idempotencyKey, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Sync merges client fields into the server timer.
func (c *Client) Sync(ctx context.Context, req models.SyncTimerRequest, idempotencyKey string) (*models.TimerSnapshot, error) {
	var snapshot models.TimerSnapshot
	if err := c.do(ctx, http.MethodPost, "/api/timer/sync", req, idempotencyKey, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Do executes a queued operation by path. The offline queue uses this
// to replay arbitrary persisted requests.
func (c *Client) Do(ctx context.Context, method, path string, payload json.RawMessage, idempotencyKey string) error {
	var body interface{}
	if len(payload) > 0 {
		body = payload
	}
	return c.do(ctx, method, path, body, idempotencyKey, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	req.Header.Set("X-User-Id", c.cfg.UserID)
	if c.cfg.TabID != "" {
		req.Header.Set("X-Tab-Id", c.cfg.TabID)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &NetworkError{Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}

	if resp.StatusCode >= 400 {
		var errResp models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       errResp.Code,
			Message:    errResp.Error,
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
