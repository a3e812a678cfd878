// Package relay implements the fallback orchestrator: the engine that
// decides whether a delivery request runs at all, how many attempts each
// provider gets, and which provider in the chain serves it.
package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/jharlan/mailrelay/internal/circuitbreaker"
	"github.com/jharlan/mailrelay/internal/clock"
	"github.com/jharlan/mailrelay/internal/idempotency"
	"github.com/jharlan/mailrelay/internal/provider"
	"github.com/jharlan/mailrelay/internal/ratelimit"
	"github.com/jharlan/mailrelay/internal/retry"
)

// Reason classifies a delivery outcome so the boundary can map status codes
// without parsing error text.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonInvalid     Reason = "invalid_request"
	ReasonDuplicate   Reason = "duplicate"
	ReasonRateLimited Reason = "rate_limited"
	ReasonExhausted   Reason = "providers_exhausted"
	ReasonCanceled    Reason = "canceled"
)

// Outcome is the result of one Execute call. It is returned to the caller
// and never stored; TimestampMs is captured when Execute starts, not when
// it completes.
type Outcome struct {
	Success      bool   `json:"success"`
	ProviderUsed string `json:"provider_used"`
	Attempts     int    `json:"attempts"`
	ErrorMessage string `json:"error_message,omitempty"`
	TimestampMs  int64  `json:"timestamp_ms"`
	RequestID    string `json:"request_id"`
	Reason       Reason `json:"reason,omitempty"`
}

// noProvider marks outcomes that no provider served.
const noProvider = "none"

// Rejection messages surfaced verbatim in outcomes.
const (
	msgDuplicate   = "duplicate request"
	msgRateLimited = "rate limit exceeded"
	msgBreakerOpen = "circuit breaker open"
)

// ProviderConfig pairs one provider with the breaker policy guarding it.
type ProviderConfig struct {
	Provider provider.Provider
	Breaker  circuitbreaker.Config
}

// Orchestrator routes each delivery through the admission gates and the
// provider chain in priority order. All shared state (breakers, admission
// window, idempotency guard) is owned here and injected at construction;
// the orchestrator is safe for concurrent use.
type Orchestrator struct {
	providers []provider.Provider
	breakers  []*circuitbreaker.Breaker
	window    *ratelimit.Window
	guard     *idempotency.Guard
	policy    retry.Policy
	clk       clock.Clock
	events    EventSink
}

// New builds an orchestrator over the given provider chain (primary first).
// Each provider gets its own breaker, created here and never shared. A nil
// clk falls back to the wall clock; a nil events sink discards events.
func New(chain []ProviderConfig, window *ratelimit.Window, guard *idempotency.Guard, policy retry.Policy, clk clock.Clock, events EventSink) (*Orchestrator, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("relay: provider chain is empty")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if events == nil {
		events = NopSink{}
	}

	o := &Orchestrator{
		window: window,
		guard:  guard,
		policy: policy.Normalize(),
		clk:    clk,
		events: events,
	}

	seen := make(map[string]struct{}, len(chain))
	for _, pc := range chain {
		name := pc.Provider.Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("relay: duplicate provider name %q", name)
		}
		seen[name] = struct{}{}

		o.providers = append(o.providers, pc.Provider)
		o.breakers = append(o.breakers, circuitbreaker.New(name, pc.Breaker, clk, o.events.BreakerStateChanged))
	}
	return o, nil
}

// Execute runs one delivery request through the full sequence: input
// validation, duplicate check, admission window, then the provider chain,
// each provider guarded by its breaker and given its own full retry budget.
// The first successful attempt wins; its outcome reports only that
// provider's attempt count. A total failure reports the attempts summed
// across providers and one labeled reason per provider.
func (o *Orchestrator) Execute(ctx context.Context, msg provider.Message) Outcome {
	out := Outcome{
		ProviderUsed: noProvider,
		TimestampMs:  o.clk.Now().UnixMilli(),
		RequestID:    msg.RequestID,
	}

	// The boundary validates first, but the engine still fails closed if
	// an incomplete request reaches it.
	if err := msg.Validate(); err != nil {
		out.Reason = ReasonInvalid
		out.ErrorMessage = "invalid request: " + err.Error()
		o.events.DeliveryOutcome(out)
		return out
	}

	if o.guard.IsDuplicate(msg.RequestID) {
		out.Reason = ReasonDuplicate
		out.ErrorMessage = msgDuplicate
		o.events.DeliveryOutcome(out)
		return out
	}

	if !o.window.Allow() {
		out.Reason = ReasonRateLimited
		out.ErrorMessage = msgRateLimited
		o.events.DeliveryOutcome(out)
		return out
	}

	var (
		totalAttempts int
		failures      []string
	)

	for i, p := range o.providers {
		br := o.breakers[i]
		name := p.Name()

		// A denied provider consumes no retry budget and no breaker
		// mutation; the chain simply moves on.
		if !br.Allow() {
			failures = append(failures, name+": "+msgBreakerOpen)
			continue
		}

		attempts, lastErr := o.attempt(ctx, p, msg)
		totalAttempts += attempts

		if lastErr == nil {
			br.RecordSuccess()
			o.guard.MarkComplete(msg.RequestID)
			out.Success = true
			out.ProviderUsed = name
			out.Attempts = attempts
			o.events.DeliveryOutcome(out)
			return out
		}

		if ctx.Err() != nil {
			// The caller gave up mid-flight. Nothing is recorded against
			// the breaker: shared state commits only at completion points
			// and the provider may not be at fault.
			out.Reason = ReasonCanceled
			out.Attempts = totalAttempts
			out.ErrorMessage = "delivery canceled: " + ctx.Err().Error()
			o.events.DeliveryOutcome(out)
			return out
		}

		// Exactly one recorded failure per exhausted provider, however
		// many attempts the loop consumed.
		br.RecordFailure()
		failures = append(failures, name+": "+lastErr.Error())
	}

	out.Reason = ReasonExhausted
	out.Attempts = totalAttempts
	out.ErrorMessage = strings.Join(failures, "; ")
	o.events.DeliveryOutcome(out)
	return out
}

// attempt runs the retry loop against one provider: up to MaxAttempts
// synchronous sends with the policy's backoff between them, short-circuiting
// on the first success. Returns the attempts consumed and the last error
// (nil on success).
func (o *Orchestrator) attempt(ctx context.Context, p provider.Provider, msg provider.Message) (int, error) {
	name := p.Name()
	var lastErr error

	for i := 0; i < o.policy.MaxAttempts; i++ {
		if err := retry.Wait(ctx, o.policy.Delay(i)); err != nil {
			// The wait before attempt i was cut short; attempt i never ran.
			return i, err
		}

		began := o.clk.Now()
		err := p.Send(ctx, msg)
		o.events.DeliveryAttempt(name, i+1, o.clk.Now().Sub(began), err)
		if err == nil {
			return i + 1, nil
		}
		lastErr = err
	}
	return o.policy.MaxAttempts, lastErr
}

// IsAnyProviderAvailable reports whether at least one breaker would admit an
// attempt right now. Pure read: polling it can never consume a recovery
// probe.
func (o *Orchestrator) IsAnyProviderAvailable() bool {
	for _, br := range o.breakers {
		if br.Available() {
			return true
		}
	}
	return false
}

// BestAvailableProvider returns the first provider in priority order whose
// breaker currently admits attempts. Pure read.
func (o *Orchestrator) BestAvailableProvider() (string, bool) {
	for i, br := range o.breakers {
		if br.Available() {
			return o.providers[i].Name(), true
		}
	}
	return "", false
}

// BreakerStatus returns a snapshot of every breaker in priority order.
func (o *Orchestrator) BreakerStatus() []circuitbreaker.Status {
	statuses := make([]circuitbreaker.Status, 0, len(o.breakers))
	for _, br := range o.breakers {
		statuses = append(statuses, br.Status())
	}
	return statuses
}

// RateLimitStatus reports the admission window occupancy.
func (o *Orchestrator) RateLimitStatus() ratelimit.WindowStatus {
	return o.window.Status()
}

// IdempotencySize returns the number of spent request IDs.
func (o *Orchestrator) IdempotencySize() int {
	return o.guard.Size()
}

// ResetBreakers forces every breaker back to closed. Administrative only;
// the admission window and idempotency guard expose no reset.
func (o *Orchestrator) ResetBreakers() {
	for _, br := range o.breakers {
		br.Reset()
	}
}

// ResetBreaker resets the named provider's breaker. Reports whether the
// provider exists.
func (o *Orchestrator) ResetBreaker(name string) bool {
	for _, br := range o.breakers {
		if br.Name() == name {
			br.Reset()
			return true
		}
	}
	return false
}
