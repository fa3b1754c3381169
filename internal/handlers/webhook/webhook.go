// Package webhook is an executor that POSTs the task payload to a fixed URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// RatePerSec limits outbound calls; zero disables the limit.
	RatePerSec int
}

type Webhook struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	w := &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RatePerSec > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return w
}

func (w *Webhook) Handle(ctx context.Context, payload json.RawMessage) (string, error) {
	if w.cfg.URL == "" {
		return "", fmt.Errorf("webhook URL is not configured")
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("invalid webhook payload")
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(body))
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode), nil
}
