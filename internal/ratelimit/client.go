package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jharlan/mailrelay/internal/metrics"
)

// client pairs a token bucket with its last-seen time for idle eviction.
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter enforces a per-client request rate at the HTTP boundary,
// keyed by client IP. This is transport abuse protection in front of the
// engine's admission Window; the two are independent gates. X-Forwarded-For
// is honored only when the direct peer is a trusted proxy.
type ClientLimiter struct {
	mu           sync.RWMutex
	clients      map[string]*client
	rate         rate.Limit
	burst        int
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
}

// Pre-serialized 429 body avoids json.Encoder allocation per rejection.
var errBodyThrottled = []byte(`{"error":"Too Many Requests","error_code":"RELAY_CLIENT_THROTTLED","message":"request rate exceeded, retry later"}` + "\n")

// NewClientLimiter creates a limiter allowing rps requests per second with
// the given burst per client. It starts a background goroutine that evicts
// idle client entries. trustedProxies lists CIDRs (e.g. "10.0.0.0/8") whose
// X-Forwarded-For headers are trusted.
func NewClientLimiter(rps float64, burst int, trustedProxies []string, logger *slog.Logger) *ClientLimiter {
	l := &ClientLimiter{
		clients:      make(map[string]*client),
		rate:         rate.Limit(rps),
		burst:        burst,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine.
func (l *ClientLimiter) Stop() {
	close(l.stopCh)
}

// UpdateLimits hot-reloads the rate and burst. Existing per-client buckets
// are cleared so the new limits take effect immediately.
func (l *ClientLimiter) UpdateLimits(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(rps)
	l.burst = burst
	l.clients = make(map[string]*client)
}

// Middleware returns an HTTP middleware that enforces the per-client limit.
func (l *ClientLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.clientIP(r)

			if !l.getBucket(ip).Allow() {
				l.logger.Warn("client request rate exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.ClientThrottled.Inc()

				l.mu.RLock()
				perSecond := float64(l.rate)
				l.mu.RUnlock()
				if perSecond > 0 {
					w.Header().Set("Retry-After", strconv.FormatFloat(1.0/perSecond, 'f', 0, 64))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write(errBodyThrottled)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer (RemoteAddr) is in the trusted proxies list.
func (l *ClientLimiter) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return first non-trusted IP.
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *ClientLimiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
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

// getBucket returns or creates the token bucket for a client IP. RWMutex:
// read-lock for existing clients (the common path), write-lock only for new
// insertions. rate.Limiter is internally goroutine-safe so Allow() does not
// need to be called under our lock.
func (l *ClientLimiter) getBucket(ip string) *rate.Limiter {
	l.mu.RLock()
	if c, exists := l.clients[ip]; exists {
		// Avoid time.Now() on every hit: the eviction threshold is 3
		// minutes, so refreshing lastSeen once per minute is enough.
		if time.Since(c.lastSeen) > time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c, exists := l.clients[ip]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[ip] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *ClientLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
