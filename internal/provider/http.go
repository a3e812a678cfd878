package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultSendTimeout = 10 * time.Second

// HTTPProvider delivers messages by POSTing JSON to a provider endpoint.
// Any 2xx response is a completed send; anything else, including transport
// errors, is a failure whose reason surfaces in the delivery outcome.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider creates an adapter for the named provider. timeout bounds
// each individual send attempt; zero or negative selects the default.
func NewHTTPProvider(name, endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name returns the configured provider name.
func (p *HTTPProvider) Name() string { return p.name }

// Send posts the message to the provider endpoint. The returned error never
// repeats the provider name; the orchestrator labels failures per provider
// when it aggregates them.
func (p *HTTPProvider) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", msg.RequestID)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	// Bounded snippet keeps outcome messages readable even when the
	// provider returns an HTML error page.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	reason := strings.TrimSpace(string(snippet))
	if reason == "" {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, reason)
}
