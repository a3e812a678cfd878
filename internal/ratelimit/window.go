// Package ratelimit provides the two throughput gates of the relay: the
// engine's process-wide sliding-window admission gate (Window) and the
// per-client token bucket middleware protecting the HTTP boundary
// (ClientLimiter).
package ratelimit

import (
	"sync"
	"time"

	"github.com/jharlan/mailrelay/internal/clock"
)

// Window is the engine's admission gate. It bounds how many deliveries may
// be admitted per rolling window; a rejected check is not recorded, so only
// admitted traffic counts against the cap. There is no reset operation.
type Window struct {
	mu     sync.Mutex
	clk    clock.Clock
	max    int
	size   time.Duration
	stamps []time.Time
}

// NewWindow creates an admission gate allowing maxRequests per rolling size.
// A nil clk falls back to the wall clock.
func NewWindow(maxRequests int, size time.Duration, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.Real()
	}
	return &Window{clk: clk, max: maxRequests, size: size}
}

// Allow reports whether this request is admitted. Under the lock it prunes
// admissions that have aged out, rejects without recording when the window
// is full, and otherwise records the admission.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clk.Now()
	w.prune(now)
	if len(w.stamps) >= w.max {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// WindowStatus reports the live occupancy of the admission window.
type WindowStatus struct {
	CurrentRequests int    `json:"current_requests"`
	MaxRequests     int    `json:"max_requests"`
	WindowSize      string `json:"window_size"`
}

// Status reports the in-window count, cap, and window size. It prunes with
// the same policy enforcement uses but never records anything.
func (w *Window) Status() WindowStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.clk.Now())
	return WindowStatus{
		CurrentRequests: len(w.stamps),
		MaxRequests:     w.max,
		WindowSize:      w.size.String(),
	}
}

// prune drops admissions whose age has reached the window size. Stamps are
// appended in clock order, so the slice stays sorted and a prefix scan is
// enough. Must be called with w.mu held.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
