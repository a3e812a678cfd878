package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jharlan/mailrelay/internal/circuitbreaker"
	"github.com/jharlan/mailrelay/internal/idempotency"
	"github.com/jharlan/mailrelay/internal/provider"
	"github.com/jharlan/mailrelay/internal/ratelimit"
	"github.com/jharlan/mailrelay/internal/relay"
	"github.com/jharlan/mailrelay/internal/retry"
)

type stubProvider struct {
	name string
	err  error

	mu    sync.Mutex
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Send(ctx context.Context, msg provider.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fastPolicy keeps retries from sleeping in tests.
var fastPolicy = retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

func steadyBreaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: time.Minute,
	}
}

func newTestHandler(t *testing.T, windowMax int, policy retry.Policy, breaker circuitbreaker.Config, provs ...*stubProvider) *Handler {
	t.Helper()
	chain := make([]relay.ProviderConfig, 0, len(provs))
	for _, p := range provs {
		chain = append(chain, relay.ProviderConfig{Provider: p, Breaker: breaker})
	}
	window := ratelimit.NewWindow(windowMax, time.Minute, nil)
	engine, err := relay.New(chain, window, idempotency.NewGuard(), policy, nil, nil)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	return New(engine)
}

func sendBody(id string) string {
	return `{"to":"user@example.com","subject":"hello","body":"greetings","request_id":"` + id + `"}`
}

func postSend(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/send", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) relay.Outcome {
	t.Helper()
	var out relay.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding outcome: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func TestSend_Success(t *testing.T) {
	p := &stubProvider{name: "alpha"}
	h := newTestHandler(t, 100, fastPolicy, steadyBreaker(), p)

	rec := postSend(h, sendBody("req-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	out := decodeOutcome(t, rec)
	if !out.Success {
		t.Error("expected success outcome")
	}
	if out.ProviderUsed != "alpha" {
		t.Errorf("provider_used = %q, want alpha", out.ProviderUsed)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
	if out.RequestID != "req-1" {
		t.Errorf("request_id = %q, want req-1", out.RequestID)
	}
	if out.TimestampMs == 0 {
		t.Error("expected timestamp_ms to be set")
	}
}

func TestSend_MalformedJSON(t *testing.T) {
	p := &stubProvider{name: "alpha"}
	h := newTestHandler(t, 100, fastPolicy, steadyBreaker(), p)

	rec := postSend(h, `{"to":"user@example.com",`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RELAY_BAD_REQUEST") {
		t.Errorf("expected RELAY_BAD_REQUEST, got %s", rec.Body.String())
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times for malformed payload", p.callCount())
	}
}

func TestSend_MissingFieldRejectedBeforeEngine(t *testing.T) {
	p := &stubProvider{name: "alpha"}
	h := newTestHandler(t, 100, fastPolicy, steadyBreaker(), p)

	rec := postSend(h, `{"to":"user@example.com","body":"x","request_id":"req-1"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "missing field") {
		t.Errorf("expected missing-field message, got %s", rec.Body.String())
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times for invalid payload", p.callCount())
	}

	// Rejected input must not spend the request ID.
	rec = postSend(h, sendBody("req-1"))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for corrected resubmission, got %d", rec.Code)
	}
}

func TestSend_DuplicateRequestID(t *testing.T) {
	p := &stubProvider{name: "alpha"}
	h := newTestHandler(t, 100, fastPolicy, steadyBreaker(), p)

	if rec := postSend(h, sendBody("req-1")); rec.Code != http.StatusOK {
		t.Fatalf("first send: expected 200, got %d", rec.Code)
	}

	rec := postSend(h, sendBody("req-1"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d", rec.Code)
	}
	out := decodeOutcome(t, rec)
	if out.Success {
		t.Error("replay outcome should not be success")
	}
	if out.Reason != relay.ReasonDuplicate {
		t.Errorf("reason = %q, want %q", out.Reason, relay.ReasonDuplicate)
	}
	if p.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", p.callCount())
	}
}

func TestSend_RateLimited(t *testing.T) {
	p := &stubProvider{name: "alpha"}
	h := newTestHandler(t, 1, fastPolicy, steadyBreaker(), p)

	if rec := postSend(h, sendBody("req-1")); rec.Code != http.StatusOK {
		t.Fatalf("first send: expected 200, got %d", rec.Code)
	}

	rec := postSend(h, sendBody("req-2"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	out := decodeOutcome(t, rec)
	if out.Reason != relay.ReasonRateLimited {
		t.Errorf("reason = %q, want %q", out.Reason, relay.ReasonRateLimited)
	}
}

func TestSend_AllProvidersFail(t *testing.T) {
	primary := &stubProvider{name: "alpha", err: errors.New("upstream 500")}
	fallback := &stubProvider{name: "beta", err: errors.New("connection refused")}
	h := newTestHandler(t, 100, fastPolicy, steadyBreaker(), primary, fallback)

	rec := postSend(h, sendBody("req-1"))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	out := decodeOutcome(t, rec)
	if out.ProviderUsed != "none" {
		t.Errorf("provider_used = %q, want none", out.ProviderUsed)
	}
	if out.Reason != relay.ReasonExhausted {
		t.Errorf("reason = %q, want %q", out.Reason, relay.ReasonExhausted)
	}
	if !strings.Contains(out.ErrorMessage, "alpha") || !strings.Contains(out.ErrorMessage, "beta") {
		t.Errorf("expected both providers in error message, got %q", out.ErrorMessage)
	}
}

func TestSend_MethodNotAllowed(t *testing.T) {
	p := &stubProvider{name: "alpha"}
	h := newTestHandler(t, 100, fastPolicy, steadyBreaker(), p)

	req := httptest.NewRequest("GET", "/v1/send", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RELAY_METHOD_NOT_ALLOWED") {
		t.Errorf("expected RELAY_METHOD_NOT_ALLOWED, got %s", rec.Body.String())
	}
}

func TestStatus_Snapshot(t *testing.T) {
	primary := &stubProvider{name: "alpha"}
	fallback := &stubProvider{name: "beta"}
	h := newTestHandler(t, 50, fastPolicy, steadyBreaker(), primary, fallback)

	postSend(h, sendBody("req-1"))

	req := httptest.NewRequest("GET", "/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if !resp.Available {
		t.Error("expected available = true")
	}
	if resp.BestProvider != "alpha" {
		t.Errorf("best_provider = %q, want alpha", resp.BestProvider)
	}
	if len(resp.Breakers) != 2 {
		t.Fatalf("expected 2 breaker snapshots, got %d", len(resp.Breakers))
	}
	if resp.Breakers[0].Provider != "alpha" || resp.Breakers[1].Provider != "beta" {
		t.Errorf("breakers out of priority order: %s, %s", resp.Breakers[0].Provider, resp.Breakers[1].Provider)
	}
	if resp.RateLimit.CurrentRequests != 1 {
		t.Errorf("rate_limit.current_requests = %d, want 1", resp.RateLimit.CurrentRequests)
	}
	if resp.RateLimit.MaxRequests != 50 {
		t.Errorf("rate_limit.max_requests = %d, want 50", resp.RateLimit.MaxRequests)
	}
	if resp.IdempotencyKeys != 1 {
		t.Errorf("idempotency_keys = %d, want 1", resp.IdempotencyKeys)
	}
}

func TestStatus_DoesNotConsumeRecoveryProbe(t *testing.T) {
	p := &stubProvider{name: "alpha", err: errors.New("upstream 500")}
	breaker := circuitbreaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Millisecond,
		MonitoringWindow: time.Minute,
	}
	h := newTestHandler(t, 100, fastPolicy, breaker, p)

	postSend(h, sendBody("req-1"))
	time.Sleep(5 * time.Millisecond) // recovery timeout elapses

	// Polling status must not flip the breaker to half-open.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/v1/status", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		var resp statusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding status: %v", err)
		}
		if resp.Breakers[0].State != "open" {
			t.Fatalf("poll %d: breaker state = %q, want open", i, resp.Breakers[0].State)
		}
	}

	// The probe is still there for a real delivery.
	p.err = nil
	rec := postSend(h, sendBody("req-2"))
	if rec.Code != http.StatusOK {
		t.Errorf("expected probe delivery to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStatus_MethodNotAllowed(t *testing.T) {
	p := &stubProvider{name: "alpha"}
	h := newTestHandler(t, 100, fastPolicy, steadyBreaker(), p)

	req := httptest.NewRequest("POST", "/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestBestProvider(t *testing.T) {
	primary := &stubProvider{name: "alpha"}
	fallback := &stubProvider{name: "beta"}
	h := newTestHandler(t, 100, fastPolicy, steadyBreaker(), primary, fallback)

	req := httptest.NewRequest("GET", "/v1/providers/best", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["provider"] != "alpha" {
		t.Errorf("provider = %q, want alpha", resp["provider"])
	}
}

func TestBestProvider_NoneAvailable(t *testing.T) {
	p := &stubProvider{name: "alpha", err: errors.New("upstream 500")}
	breaker := circuitbreaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: time.Minute,
	}
	h := newTestHandler(t, 100, fastPolicy, breaker, p)

	postSend(h, sendBody("req-1")) // trips the only breaker open

	req := httptest.NewRequest("GET", "/v1/providers/best", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RELAY_UPSTREAM_UNAVAILABLE") {
		t.Errorf("expected RELAY_UPSTREAM_UNAVAILABLE, got %s", rec.Body.String())
	}
}

func TestUnknownPath(t *testing.T) {
	p := &stubProvider{name: "alpha"}
	h := newTestHandler(t, 100, fastPolicy, steadyBreaker(), p)

	req := httptest.NewRequest("GET", "/v2/send", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RELAY_NOT_FOUND") {
		t.Errorf("expected RELAY_NOT_FOUND, got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "no matching endpoint") {
		t.Errorf("expected envelope message, got %s", rec.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		out  relay.Outcome
		want int
	}{
		{"success", relay.Outcome{Success: true}, http.StatusOK},
		{"duplicate", relay.Outcome{Reason: relay.ReasonDuplicate}, http.StatusConflict},
		{"rate limited", relay.Outcome{Reason: relay.ReasonRateLimited}, http.StatusTooManyRequests},
		{"invalid", relay.Outcome{Reason: relay.ReasonInvalid}, http.StatusBadRequest},
		{"canceled", relay.Outcome{Reason: relay.ReasonCanceled}, http.StatusRequestTimeout},
		{"exhausted", relay.Outcome{Reason: relay.ReasonExhausted}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.out); got != tt.want {
			t.Errorf("%s: statusFor = %d, want %d", tt.name, got, tt.want)
		}
	}
}
