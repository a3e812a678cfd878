// Package admin provides the IP-allowlisted administrative surface: circuit
// breaker resets and an engine status snapshot with config warnings.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/jharlan/mailrelay/internal/apierror"
	"github.com/jharlan/mailrelay/internal/circuitbreaker"
	"github.com/jharlan/mailrelay/internal/config"
	"github.com/jharlan/mailrelay/internal/ratelimit"
	"github.com/jharlan/mailrelay/internal/relay"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler serves the admin endpoints. Allowlist checks use the connection's
// RemoteAddr, never forwarded headers; a spoofable header must not open the
// admin surface.
type Handler struct {
	engine   *relay.Orchestrator
	reloader ConfigProvider
	logger   *slog.Logger

	mu          sync.RWMutex
	allowedNets []*net.IPNet
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(engine *relay.Orchestrator, reloader ConfigProvider, allowlist []string, logger *slog.Logger) *Handler {
	return &Handler{
		engine:      engine,
		reloader:    reloader,
		allowedNets: parseAllowlist(allowlist),
		logger:      logger,
	}
}

// UpdateAllowlist swaps the allowlist in place on config hot reload.
func (h *Handler) UpdateAllowlist(allowlist []string) {
	nets := parseAllowlist(allowlist)
	h.mu.Lock()
	h.allowedNets = nets
	h.mu.Unlock()
}

func parseAllowlist(allowlist []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// RegisterRoutes adds the admin routes to the given mux. The exact
// "/admin/breakers/reset" registration wins over the subtree pattern, so
// a provider literally named "reset" cannot be addressed individually.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/status", h.guard(http.MethodGet, h.statusHandler))
	mux.HandleFunc("/admin/breakers/reset", h.guard(http.MethodPost, h.resetAllHandler))
	mux.HandleFunc("/admin/breakers/", h.guard(http.MethodPost, h.resetOneHandler))
}

// guard wraps a handler with allowlist and method checks, in that order.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "access restricted")
			return
		}
		if r.Method != method {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
				fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path))
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// statusDocument mirrors the public status endpoint and adds startup
// config warnings.
type statusDocument struct {
	Available       bool                    `json:"available"`
	BestProvider    string                  `json:"best_provider,omitempty"`
	Breakers        []circuitbreaker.Status `json:"breakers"`
	RateLimit       ratelimit.WindowStatus  `json:"rate_limit"`
	IdempotencyKeys int                     `json:"idempotency_keys"`
	ConfigWarnings  []string                `json:"config_warnings,omitempty"`
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	doc := statusDocument{
		Breakers:        h.engine.BreakerStatus(),
		RateLimit:       h.engine.RateLimitStatus(),
		IdempotencyKeys: h.engine.IdempotencySize(),
	}
	if name, ok := h.engine.BestAvailableProvider(); ok {
		doc.Available = true
		doc.BestProvider = name
	}
	if cfg := h.reloader.Current(); cfg != nil {
		doc.ConfigWarnings = cfg.Warnings
	}

	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) resetAllHandler(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetBreakers()
	h.logger.Info("all circuit breakers reset", "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resetOneHandler handles POST /admin/breakers/{name}/reset.
func (h *Handler) resetOneHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/breakers/")
	name, found := strings.CutSuffix(rest, "/reset")
	if !found || name == "" || strings.Contains(name, "/") {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no matching endpoint")
		return
	}

	if !h.engine.ResetBreaker(name) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound,
			fmt.Sprintf("unknown provider %q", name))
		return
	}

	h.logger.Info("circuit breaker reset", "provider", name, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "provider": name})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
