package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/aixgo-dev/agentd/pkg/security"
)

const (
	defaultWebhookRetries = 3
	defaultWebhookTimeout = 10 * time.Second
	defaultRetryDelay     = 500 * time.Millisecond
)

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	URL string
	// Secret, when set, signs the body with the X-Hub-Signature-256 scheme.
	Secret     string
	Headers    map[string]string
	MaxRetries int
	RetryDelay time.Duration
	Client     *http.Client
}

// WebhookSink POSTs the payload as JSON. Network errors, 429 and 5xx
// responses are retried with exponential backoff.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookSink validates cfg and creates the sink.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook sink: invalid url %q", cfg.URL)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultWebhookRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookSink{cfg: cfg, client: client}, nil
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * w.cfg.RetryDelay
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
		}

		retry, err := w.post(ctx, p.ID, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", w.cfg.MaxRetries, lastErr)
}

// post makes one delivery attempt and reports whether a failure is retryable.
func (w *WebhookSink) post(ctx context.Context, id string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentd-sink")
	req.Header.Set("X-Agentd-Delivery", id)
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	if w.cfg.Secret != "" {
		req.Header.Set(security.SignatureHeader, security.Sign(w.cfg.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func (w *WebhookSink) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
