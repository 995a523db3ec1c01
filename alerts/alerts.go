// Package alerts delivers operator notifications for operations that
// exhausted their retries.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Alerter receives operator-facing notifications. Delivery is best effort;
// implementations must not block retry processing on failure.
type Alerter interface {
	Notify(ctx context.Context, subject, detail string)
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Alerter.
func (Nop) Notify(context.Context, string, string) {}

// Webhook posts notifications as JSON to a configured endpoint.
type Webhook struct {
	url        string
	httpClient *http.Client
	logf       func(format string, args ...interface{})
}

// NewWebhook constructs a webhook alerter. logf receives delivery failures;
// nil disables failure logging.
func NewWebhook(url string, timeout time.Duration, logf func(format string, args ...interface{})) (*Webhook, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("alerts: webhook url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Webhook{
		url:        trimmed,
		httpClient: &http.Client{Timeout: timeout},
		logf:       logf,
	}, nil
}

type notification struct {
	Subject string    `json:"subject"`
	Detail  string    `json:"detail"`
	SentAt  time.Time `json:"sentAt"`
}

// Notify implements Alerter. Failures are logged and dropped.
func (w *Webhook) Notify(ctx context.Context, subject, detail string) {
	body, err := json.Marshal(notification{Subject: subject, Detail: detail, SentAt: time.Now().UTC()})
	if err != nil {
		w.logf("alerts: encode notification: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logf("alerts: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logf("alerts: deliver notification: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logf("alerts: webhook returned status %d", resp.StatusCode)
	}
}
