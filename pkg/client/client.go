package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// Client is an HTTP client for the pipeline worker API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, pipeline.ErrRunNotFound) match 404 responses
func (e *StatusError) Is(target error) bool {
	return target == pipeline.ErrRunNotFound && e.StatusCode == http.StatusNotFound
}

// EventPage is one read of the event history
type EventPage struct {
	Events  []pipeline.RunEvent `json:"events"`
	LastSeq int64               `json:"last_seq"`
}

// HistoryEntry is a finished run as recorded by the worker
type HistoryEntry struct {
	RunID       string             `json:"run_id"`
	RecordID    string             `json:"record_id"`
	Kind        pipeline.Kind      `json:"kind"`
	Status      pipeline.Status    `json:"status"`
	Progress    float64            `json:"progress"`
	Error       string             `json:"error,omitempty"`
	ErrorCode   pipeline.ErrorCode `json:"error_code,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Duration    time.Duration      `json:"duration"`
	Outputs     json.RawMessage    `json:"outputs,omitempty"`
	SeenCount   int                `json:"seen_count"`
}

// Process triggers processing and returns as soon as the run is accepted
func (c *Client) Process(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.ProcessResponse, error) {
	var resp pipeline.ProcessResponse
	if err := c.do(ctx, http.MethodPost, "/v1/process", req, http.StatusAccepted, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the status of an active or recently finished run
func (c *Client) Status(ctx context.Context, runID string) (*pipeline.StatusSnapshot, error) {
	var snap pipeline.StatusSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, http.StatusOK, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// List returns the status of every active run
func (c *Client) List(ctx context.Context) ([]pipeline.StatusSnapshot, error) {
	var body struct {
		Runs []pipeline.StatusSnapshot `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/runs", nil, http.StatusOK, &body); err != nil {
		return nil, err
	}
	return body.Runs, nil
}

// Cancel cancels an active run
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/runs/"+url.PathEscape(runID), nil, http.StatusOK, nil)
}

// CancelAll cancels every active run and returns how many were cancelled
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	var body struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/runs", nil, http.StatusOK, &body); err != nil {
		return 0, err
	}
	return body.Cancelled, nil
}

// Events returns history events with a sequence greater than since
func (c *Client) Events(ctx context.Context, since int64) (*EventPage, error) {
	var page EventPage
	path := "/v1/events?since=" + strconv.FormatInt(since, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// History returns the recorded outcome of a finished run
func (c *Client) History(ctx context.Context, runID string) (*HistoryEntry, error) {
	var entry HistoryEntry
	if err := c.do(ctx, http.MethodGet, "/v1/history/"+url.PathEscape(runID), nil, http.StatusOK, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Wait polls Status until the run reaches a terminal state
func (c *Client) Wait(ctx context.Context, runID string, interval time.Duration) (*pipeline.StatusSnapshot, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, err := c.Status(ctx, runID)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
