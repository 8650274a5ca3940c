package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notifier posts notifications to a webhook.
type Notifier struct {
	url        string
	httpClient *http.Client
	attempts   int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewNotifier returns a notifier posting to url. An empty url disables it.
func NewNotifier(url string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		attempts:   3,
		backoff:    time.Second,
		logger:     logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Send posts notification, retrying with quadratic backoff.
func (n *Notifier) Send(ctx context.Context, notification Notification) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < n.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt*attempt) * n.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = n.post(ctx, payload, notification)
		if lastErr == nil {
			return nil
		}
		n.logger.Warn("webhook delivery failed",
			zap.Int("attempt", attempt+1),
			zap.String("event_id", notification.EventID),
			zap.Error(lastErr))
	}
	return lastErr
}

func (n *Notifier) post(ctx context.Context, payload []byte, notification Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Graphdiff-Event", string(notification.Type))
	req.Header.Set("X-Graphdiff-Event-Id", notification.EventID)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &WebhookError{URL: n.url, StatusCode: resp.StatusCode}
	}
	return nil
}
