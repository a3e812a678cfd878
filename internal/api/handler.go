// Package api serves the relay's public delivery endpoints: message
// submission, engine status, and provider selection.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jharlan/mailrelay/internal/apierror"
	"github.com/jharlan/mailrelay/internal/circuitbreaker"
	"github.com/jharlan/mailrelay/internal/metrics"
	"github.com/jharlan/mailrelay/internal/provider"
	"github.com/jharlan/mailrelay/internal/ratelimit"
	"github.com/jharlan/mailrelay/internal/relay"
)

const (
	pathSend   = "/v1/send"
	pathStatus = "/v1/status"
	pathBest   = "/v1/providers/best"
)

// Handler dispatches the public API. All state lives in the engine; the
// handler itself is stateless and safe for concurrent use.
type Handler struct {
	engine *relay.Orchestrator
}

// New creates a Handler backed by the given delivery engine.
func New(engine *relay.Orchestrator) *Handler {
	return &Handler{engine: engine}
}

// ServeHTTP implements http.Handler. Requests to unknown paths get a JSON
// 404; matched paths are instrumented with request count and latency metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := matchRoute(r.URL.Path)
	if route == "" {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no matching endpoint")
		return
	}

	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	switch route {
	case pathSend:
		h.send(rec, r)
	case pathStatus:
		h.status(rec, r)
	case pathBest:
		h.bestProvider(rec, r)
	}

	metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
}

// matchRoute maps a request path to its canonical route label. Only known
// routes are instrumented, keeping metric label cardinality bounded.
func matchRoute(path string) string {
	switch path {
	case pathSend, pathStatus, pathBest:
		return path
	}
	return ""
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, pathSend)
		return
	}

	var msg provider.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "malformed JSON body")
		return
	}
	if err := msg.Validate(); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, err.Error())
		return
	}

	out := h.engine.Execute(r.Context(), msg)
	writeJSON(w, statusFor(out), out)
}

// statusFor maps a delivery outcome to its HTTP status code.
func statusFor(out relay.Outcome) int {
	if out.Success {
		return http.StatusOK
	}
	switch out.Reason {
	case relay.ReasonDuplicate:
		return http.StatusConflict
	case relay.ReasonRateLimited:
		return http.StatusTooManyRequests
	case relay.ReasonInvalid:
		return http.StatusBadRequest
	case relay.ReasonCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

// statusResponse is the aggregate engine snapshot served by /v1/status.
type statusResponse struct {
	Available       bool                    `json:"available"`
	BestProvider    string                  `json:"best_provider,omitempty"`
	Breakers        []circuitbreaker.Status `json:"breakers"`
	RateLimit       ratelimit.WindowStatus  `json:"rate_limit"`
	IdempotencyKeys int                     `json:"idempotency_keys"`
}

// status serves the full engine snapshot. Reads only; polling this endpoint
// must never consume a breaker's half-open probe.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, pathStatus)
		return
	}

	resp := statusResponse{
		Breakers:        h.engine.BreakerStatus(),
		RateLimit:       h.engine.RateLimitStatus(),
		IdempotencyKeys: h.engine.IdempotencySize(),
	}
	if name, ok := h.engine.BestAvailableProvider(); ok {
		resp.Available = true
		resp.BestProvider = name
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) bestProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, pathBest)
		return
	}

	name, ok := h.engine.BestAvailableProvider()
	if !ok {
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.UpstreamUnavailable,
			"no delivery provider available")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"provider": name})
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, path string) {
	apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
		fmt.Sprintf("method %s not allowed for %s", r.Method, path))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// responseRecorder captures the status code written by a handler so the
// dispatch loop can label metrics with it.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written {
		rr.statusCode = code
		rr.written = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.statusCode = http.StatusOK
		rr.written = true
	}
	return rr.ResponseWriter.Write(b)
}
