package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	// URL receives a POST with the JSON-encoded Event.
	URL string `yaml:"url"`

	// Headers to include in webhook requests (e.g., for authentication).
	Headers map[string]string `yaml:"headers"`

	// Timeout for webhook requests. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// Webhook posts events to an HTTP endpoint.
type Webhook struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(config WebhookConfig) *Webhook {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Webhook{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Notify posts event to the configured URL.
func (w *Webhook) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
