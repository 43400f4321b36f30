package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kaljuvee/alpacacode/internal/orchestrator"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// Client calls a running server. It implements Workflow, mapping HTTP
// error statuses back to the errors the engine returned.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Start starts a run.
func (c *Client) Start(ctx context.Context, req workflow.StartRequest) (*workflow.Run, error) {
	var run workflow.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetStatus returns a run.
func (c *Client) GetStatus(ctx context.Context, runID string) (*workflow.Run, error) {
	var run workflow.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Cancel cancels a run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Report returns the report of a finished run.
func (c *Client) Report(ctx context.Context, runID string) (*workflow.Report, error) {
	var report workflow.Report
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/report", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListRuns lists runs started at or after sinceMs; 0 lists all.
func (c *Client) ListRuns(ctx context.Context, sinceMs int64) ([]*workflow.Run, error) {
	path := "/v1/runs"
	if sinceMs > 0 {
		since := time.UnixMilli(sinceMs).UTC().Format(time.RFC3339Nano)
		path += "?since=" + url.QueryEscape(since)
	}

	var body struct {
		Runs []*workflow.Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Runs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", store.ErrNotFound, apiErr.Error)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", workflow.ErrConfiguration, apiErr.Error)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", orchestrator.ErrRunFinished, apiErr.Error)
		default:
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
