package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Anchorer obtains an external timestamp receipt for a Merkle root.
// The timestamping authority itself is an external collaborator.
type Anchorer interface {
	Anchor(ctx context.Context, root string) ([]byte, error)
}

// NoAnchorer is the Anchorer used when no timestamping authority is
// configured. Checkpoints stay local-only and unanchored.
type NoAnchorer struct{}

func (NoAnchorer) Anchor(context.Context, string) ([]byte, error) {
	return nil, errors.New("checkpoint: no anchoring authority configured")
}

// HTTPAnchorer posts roots to a timestamping endpoint and returns the raw
// receipt body.
type HTTPAnchorer struct {
	URL    string
	Client *http.Client
}

// NewHTTPAnchorer creates an anchorer with a bounded request timeout.
func NewHTTPAnchorer(url string) *HTTPAnchorer {
	return &HTTPAnchorer{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *HTTPAnchorer) Anchor(ctx context.Context, root string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"root": root,
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: anchor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("checkpoint: anchor rejected: HTTP %d", resp.StatusCode)
	}

	receipt, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read receipt: %w", err)
	}
	if len(receipt) == 0 {
		return nil, fmt.Errorf("checkpoint: empty receipt")
	}
	return receipt, nil
}
