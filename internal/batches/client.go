package batches

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Status is the server-side batch lifecycle value.
type Status string

const (
	StatusUploaded     Status = "uploaded"
	StatusValidating   Status = "validating"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusReprocessing Status = "reprocessing"
)

// Terminal reports whether no further server-side transitions occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Known() bool {
	switch s {
	case StatusUploaded, StatusValidating, StatusProcessing, StatusCompleted, StatusFailed, StatusReprocessing:
		return true
	}
	return false
}

// Summary is one point-in-time batch status snapshot.
type Summary struct {
	BatchID         string `json:"batch_id"`
	Status          Status `json:"status"`
	SheetsTotal     int    `json:"sheets_total"`
	SheetsProcessed int    `json:"sheets_processed"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// TokenSource supplies the current bearer token.
type TokenSource func() string

// Client reads batch status from the backend REST API.
type Client struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
}

func NewClient(baseURL string, token TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Status fetches GET /batches/{id}/status.
func (c *Client) Status(ctx context.Context, batchID string) (Summary, error) {
	if batchID == "" {
		return Summary{}, fmt.Errorf("batch id is required")
	}

	url := fmt.Sprintf("%s/batches/%s/status", c.baseURL, batchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch batch status: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Summary{}, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Summary{}, fmt.Errorf("batch status request failed with status %d", resp.StatusCode)
	}

	var summary Summary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return Summary{}, fmt.Errorf("parse status response: %w", err)
	}
	if summary.BatchID == "" {
		summary.BatchID = batchID
	}
	if !summary.Status.Known() {
		return Summary{}, fmt.Errorf("unknown batch status %q", string(summary.Status))
	}
	return summary, nil
}
