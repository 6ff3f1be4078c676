// Package webhook delivers location notifications as HTTP POST requests.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// HeaderPrefix prefixes every message header sent with a request.
const HeaderPrefix = "X-Locus-"

// Publisher posts each message to the URL in its destination.
// Destination format: "webhook:https://example.com/hooks/locations".
type Publisher struct {
	client         *http.Client
	defaultHeaders map[string]string
}

// Option configures a webhook Publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders adds headers sent with every request.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// New creates a new webhook Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{Timeout: 30 * time.Second},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns "webhook".
func (p *Publisher) Destination() string {
	return "webhook"
}

// Publish posts the messages in order and stops at the first failure.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.Message) error {
	for _, msg := range messages {
		if err := p.post(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) post(ctx context.Context, msg *adapters.Message) error {
	url := extractURL(msg.Destination)
	if url == "" {
		return fmt.Errorf("webhook: invalid destination %q: missing URL", msg.Destination)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Headers {
		if v != "" {
			req.Header.Set(HeaderPrefix+k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request to %s: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook: server error %d from %s", resp.StatusCode, url)
	case resp.StatusCode >= 400:
		return fmt.Errorf("webhook: client error %d from %s", resp.StatusCode, url)
	}
	return nil
}

func extractURL(destination string) string {
	const prefix = "webhook:"
	if strings.HasPrefix(destination, prefix) {
		return destination[len(prefix):]
	}
	return ""
}
