package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SlogSink logs events instead of delivering them anywhere. Default sink
// for lite mode and tests.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Deliver(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", ev.Kind, "worker_id", ev.WorkerID)
	return nil
}

// WebhookSink POSTs events as JSON to the notification collaborator.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink creates a sink with a bounded-timeout HTTP client.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}
