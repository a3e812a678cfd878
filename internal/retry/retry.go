// Package retry computes the backoff schedule for delivery attempts against
// a single provider. The attempt loop itself lives in the orchestrator; this
// package only answers "how long to wait before attempt i" and performs the
// wait in a cancelable way.
package retry

import (
	"context"
	"time"
)

// Defaults applied by Normalize for unset policy fields.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Policy bounds the attempt loop for one provider. Construct through config
// defaults or call Normalize before use; Delay assumes MaxDelay > 0.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; it doubles for each
	// attempt after that.
	BaseDelay time.Duration

	// MaxDelay caps the doubling so the schedule can never overflow or
	// grow without bound.
	MaxDelay time.Duration
}

// Normalize returns a copy of the policy with defaults filled in.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Delay returns the wait before the 0-indexed attempt: nothing before the
// first attempt, BaseDelay before the second, doubling after that. For three
// attempts at 1s base the inter-attempt waits are exactly 1s and 2s. The
// result is clamped to MaxDelay and can never be negative.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d <<= 1
		if d <= 0 || d > p.MaxDelay {
			// Shifted past the cap (or wrapped negative).
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Wait blocks for d or until ctx is done, whichever comes first. Returns
// ctx.Err() when the wait was cut short.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
