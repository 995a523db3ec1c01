// Package control calls the settlement ("Control") API that finalizes or
// refunds presale fractions. Calls are driven exclusively through the durable
// retry queue, so every failure here is surfaced as a retryable error.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrSettlement marks a settlement call that did not return 2xx. The retry
// queue treats it as transient and re-dispatches until the ceiling.
var ErrSettlement = errors.New("control: settlement call failed")

// Config defines the HTTP client settings for the settlement API.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client invokes the delegate-sgctl settlement endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("control: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type finalizeRequest struct {
	FractionID string `json:"fractionId"`
	FarmID     string `json:"farmId"`
}

type refundRequest struct {
	FractionID string `json:"fractionId"`
}

// Finalize asks the settlement API to disburse a partially or fully funded
// presale fraction to the named farm.
func (c *Client) Finalize(ctx context.Context, fractionID, farmID string) error {
	if strings.TrimSpace(fractionID) == "" || strings.TrimSpace(farmID) == "" {
		return fmt.Errorf("control: fraction id and farm id required")
	}
	return c.post(ctx, "/delegate-sgctl/finalize", finalizeRequest{FractionID: fractionID, FarmID: farmID})
}

// Refund asks the settlement API to return all presale contributions for a
// fraction that expired with zero sales or was cancelled.
func (c *Client) Refund(ctx context.Context, fractionID string) error {
	if strings.TrimSpace(fractionID) == "" {
		return fmt.Errorf("control: fraction id required")
	}
	return c.post(ctx, "/delegate-sgctl/refund", refundRequest{FractionID: fractionID})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	if c == nil {
		return fmt.Errorf("control: client not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("control: encode: %w", err)
	}

	var lastErr error
	// One transport-level retry absorbs connection resets; anything beyond
	// that is the retry queue's job.
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("control: request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrSettlement, err)
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("%w: status %d: %s", ErrSettlement, resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return lastErr
		}
	}
	return lastErr
}
