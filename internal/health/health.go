// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/jharlan/mailrelay/internal/relay"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Handler provides /healthz and /readyz endpoints. Readiness derives from
// breaker availability via pure reads, so probe polling can never consume
// a breaker's recovery probe.
type Handler struct {
	engine *relay.Orchestrator
}

// New creates a probe Handler over the delivery engine.
func New(engine *relay.Orchestrator) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes adds the probe routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.liveness)
	mux.HandleFunc("/readyz", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// readiness reports ready while at least one provider can accept traffic.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]string)
	for _, st := range h.engine.BreakerStatus() {
		providers[st.Provider] = st.State
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !h.engine.IsAnyProviderAvailable() {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":    statusStr,
		"providers": providers,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
