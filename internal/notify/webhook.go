package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/dcaud/dcaud/internal/resilience"
)

// WebhookOption configures a [Webhook].
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithBreaker guards requests with cb.
func WithBreaker(cb *resilience.CircuitBreaker) WebhookOption {
	return func(w *Webhook) { w.breaker = cb }
}

// Webhook POSTs {"username": ..., "speaking": ...} to a URL for every update.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	prop    propagation.TextMapPropagator
}

// NewWebhook returns a webhook sink for rawURL, which must be an absolute
// http or https URL.
func NewWebhook(rawURL string, opts ...WebhookOption) (*Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("notify: webhook url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("notify: webhook url %q: want absolute http(s) URL", rawURL)
	}
	w := &Webhook{
		url:    rawURL,
		client: &http.Client{Timeout: 10 * time.Second},
		prop:   propagation.TraceContext{},
	}
	for _, o := range opts {
		o(w)
	}
	if w.breaker == nil {
		w.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "webhook"})
	}
	return w, nil
}

// Name implements [Notifier].
func (w *Webhook) Name() string { return "webhook" }

// Notify implements [Notifier].
func (w *Webhook) Notify(ctx context.Context, u Update) error {
	body, err := json.Marshal(u.Payload())
	if err != nil {
		return fmt.Errorf("%w: webhook: encode: %w", ErrDelivery, err)
	}
	if err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.post(ctx, body)
	}); err != nil {
		return fmt.Errorf("%w: webhook: %w", ErrDelivery, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	w.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
