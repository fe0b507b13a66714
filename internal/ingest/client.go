package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joescharf/tracecast/internal/trace"
)

// APIError is a non-2xx response from the ingestion server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ingest server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running ingestion server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for the server on the loopback port.
func NewClient(port int) *Client {
	return &Client{
		BaseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	var out PingResponse
	err := c.do(ctx, http.MethodGet, "/ping", nil, &out)
	return out, err
}

// Status returns the live session status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/session/status", nil, &out)
	return out, err
}

// Start begins a live session.
func (c *Client) Start(ctx context.Context, meta trace.Metadata) error {
	return c.do(ctx, http.MethodPost, "/session/start", meta, &StartResponse{})
}

// Push sends one step and returns the id the server recorded.
func (c *Client) Push(ctx context.Context, step trace.Step) (string, error) {
	var out EventResponse
	if err := c.do(ctx, http.MethodPost, "/event", step, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// End closes the live session and returns its step count.
func (c *Client) End(ctx context.Context) (int, error) {
	var out EndResponse
	if err := c.do(ctx, http.MethodPost, "/session/end", nil, &out); err != nil {
		return 0, err
	}
	return out.EventCount, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ingest server unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(bytes.TrimSpace(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
