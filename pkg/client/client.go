// Package client is the Go SDK for the match run service.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrRateLimited is returned by Status when the service rejects the poll
// with HTTP 429. Callers on a polling schedule should treat it as a skipped
// observation, not a failure.
var ErrRateLimited = errors.New("status poll rate limited")

// ErrRunNotFound is returned by Status for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// Config points the client at a match run service.
type Config struct {
	BaseURL string
	APIKey  string
	// ClientID identifies this caller to the server's rate limiter. Leave
	// empty to be keyed by source address.
	ClientID string
	Timeout  time.Duration
}

// Client talks to the match run HTTP API.
type Client struct {
	http *resty.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetHeader("X-API-Key", cfg.APIKey)
	}
	if cfg.ClientID != "" {
		httpClient.SetHeader("X-Client-ID", cfg.ClientID)
	}
	return &Client{http: httpClient}
}

// SubmitResult reports the outcome of a submission.
type SubmitResult struct {
	RunID        string `json:"run_id"`
	CanonicalKey string `json:"canonical_key"`
	Status       string `json:"status"`
	// Created is false when an active run for the same canonical key
	// already existed and was returned instead.
	Created bool `json:"created"`
}

type submitRequest struct {
	URL   string `json:"url"`
	Force bool   `json:"force,omitempty"`
}

// Submit requests a match run for the given URL. Submission is idempotent:
// resubmitting while a run for the same canonical key is active returns that
// run. Force supersedes any active run and starts fresh.
func (c *Client) Submit(ctx context.Context, rawURL string, force bool) (SubmitResult, error) {
	var result SubmitResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{URL: rawURL, Force: force}).
		SetResult(&result).
		Post("/v1/runs")
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit %q: %w", rawURL, err)
	}
	if resp.IsError() {
		return SubmitResult{}, fmt.Errorf("submit %q: unexpected status %s", rawURL, resp.Status())
	}
	return result, nil
}

// RunStatus is the polled view of a run.
type RunStatus struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	ProgressStep string `json:"progress_step"`
	ResultRef    string `json:"result_ref"`
	ResultCount  int    `json:"result_count"`
	LastError    string `json:"last_error"`
	Attempts     int    `json:"attempts"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Terminal reports whether the run finished, successfully or not.
func (s RunStatus) Terminal() bool {
	return s.Status == "ready" || s.Status == "error"
}

// Status fetches the current state of a run. The server may return a
// snapshot a few seconds stale.
func (c *Client) Status(ctx context.Context, runID string) (RunStatus, error) {
	var status RunStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&status).
		Get("/v1/runs/" + runID)
	if err != nil {
		return RunStatus{}, fmt.Errorf("status %q: %w", runID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return status, nil
	case http.StatusTooManyRequests:
		return RunStatus{}, ErrRateLimited
	case http.StatusNotFound:
		return RunStatus{}, ErrRunNotFound
	default:
		return RunStatus{}, fmt.Errorf("status %q: unexpected status %s", runID, resp.Status())
	}
}
