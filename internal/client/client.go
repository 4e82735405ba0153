// Package client is a minimal HTTP client for the operator CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/provara/provara/internal/approval"
)

// Client talks to a running provara server.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the given base URL.
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListApprovals fetches approval requests, optionally filtered by state.
func (c *Client) ListApprovals(ctx context.Context, state string) ([]*approval.Request, error) {
	url := c.base + "/v1/approvals"
	if state != "" {
		url += "?state=" + state
	}
	var out []*approval.Request
	if err := c.do(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve approves or denies a pending approval request.
func (c *Client) Resolve(ctx context.Context, id string, approve bool, resolver, reason string) (*approval.Request, error) {
	body := map[string]any{"approve": approve, "resolver": resolver, "reason": reason}
	var out approval.Request
	if err := c.do(ctx, http.MethodPost, c.base+"/v1/approvals/"+id+"/resolve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("client: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("client: server returned HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("client: server returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
