package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier delivers a pending approval request to an external channel
// (chat, ticketing). The broker requires one delivery attempt per request;
// implementations decide their own retry budget.
type Notifier interface {
	Notify(ctx context.Context, r Request) error
}

// NopNotifier drops notifications. Used when no channel is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Request) error { return nil }

const webhookMaxRetries = 3

// WebhookNotifier posts pending requests to an HTTP endpoint, retrying on
// transport errors and 5xx responses.
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// NewWebhookNotifier creates a notifier with a bounded request timeout.
func NewWebhookNotifier(url string, headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:     url,
		Headers: headers,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, r Request) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("approval: marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < webhookMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("approval: create notification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.Headers {
			req.Header.Set(k, v)
		}

		resp, err := w.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("approval: webhook rejected: HTTP %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("approval: webhook server error: HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("approval: webhook failed after %d attempts: %w", webhookMaxRetries, lastErr)
}
