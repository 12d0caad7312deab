// Package remote is the client for the server API the agent reports to.
// Every call is a JSON POST; 401 and 403 map to ErrUnauthorized.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// API paths
const (
	PathGetToken     = "/api/get_token"
	PathRegister     = "/register"
	PathCheckToken   = "/api/check_token"
	PathReportUptime = "/api/report_uptime"
	PathGetTask      = "/api/get_task"
	PathSubmitTask   = "/api/submit_task"
)

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 4 << 10

// ErrUnauthorized is returned when the server rejects the credentials
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for any other non-2xx response
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Path, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Path, e.Code, e.Body)
}

// Credentials identify the session on every authenticated call
type Credentials struct {
	Email    string `json:"email"`
	APIToken string `json:"api_token"`
}

// Client talks to the server API
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client for baseURL. timeout bounds each request.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "remote"),
	}
}

// WithBaseURL returns a copy of the client pointed at another server
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := *c
	clone.baseURL = strings.TrimRight(baseURL, "/")
	return &clone
}

// BaseURL returns the server URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetToken exchanges email and password for an API token
func (c *Client) GetToken(ctx context.Context, email, password string) (string, error) {
	req := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{email, password}

	var resp struct {
		APIToken string `json:"api_token"`
	}
	if err := c.post(ctx, PathGetToken, req, &resp); err != nil {
		return "", err
	}
	if resp.APIToken == "" {
		return "", fmt.Errorf("%s: empty api_token in response", PathGetToken)
	}
	return resp.APIToken, nil
}

// RegisterRequest is the account creation payload
type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	InviteCode      string `json:"invite_code,omitempty"`
}

// Register creates an account
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	return c.post(ctx, PathRegister, req, nil)
}

// CheckToken asks the server whether the token is still valid. A rejected
// token is reported as false with a nil error.
func (c *Client) CheckToken(ctx context.Context, creds Credentials) (bool, error) {
	err := c.post(ctx, PathCheckToken, creds, nil)
	if errors.Is(err, ErrUnauthorized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UptimeReport is one heartbeat from the device
type UptimeReport struct {
	Credentials
	DeviceID uuid.UUID `json:"device_id"`
	Uptime   float64   `json:"uptime"`
}

// ReportUptime sends a heartbeat
func (c *Client) ReportUptime(ctx context.Context, report UptimeReport) error {
	return c.post(ctx, PathReportUptime, report, nil)
}

// Task is a unit of work handed out by the server: one HTTP request to
// perform on its behalf
type Task struct {
	ID      uuid.UUID         `json:"id"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// GetTask fetches the next task. It returns nil when there is none.
func (c *Client) GetTask(ctx context.Context, creds Credentials) (*Task, error) {
	var task *Task
	if err := c.post(ctx, PathGetTask, creds, &task); err != nil {
		return nil, err
	}
	if task != nil && task.ID == uuid.Nil {
		return nil, nil
	}
	return task, nil
}

// TaskResult reports the outcome of a task
type TaskResult struct {
	Credentials
	TaskID       uuid.UUID `json:"task_id"`
	Status       string    `json:"status"`
	ResponseCode int       `json:"response_code"`
	ResponseRaw  string    `json:"response_raw"`
	DurationMS   int64     `json:"duration_ms"`
}

// SubmitTask reports a task result
func (c *Client) SubmitTask(ctx context.Context, result TaskResult) error {
	return c.post(ctx, PathSubmitTask, result, nil)
}

// post sends body as JSON and decodes the response into out when out is
// non-nil and the response has content
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: failed to encode request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("remote call",
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: %w", path, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: failed to decode response: %w", path, err)
	}
	return nil
}
