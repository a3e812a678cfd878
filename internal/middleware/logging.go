// Package middleware provides common HTTP middleware for the mail relay
// including structured logging, request tracing, and panic recovery.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ParseLogLevel converts a logging.level string to a slog.Level.
// Returns slog.LevelInfo for empty string (default).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// maxFailureBodyLog bounds how much of a failed request's body is logged.
const maxFailureBodyLog = 4096

// Logging returns middleware that logs each request as structured JSON
// including method, path, status code, latency, and client IP. Paths in
// skipPaths (exact match) are not logged; health probes and metrics scrapes
// would otherwise drown out delivery traffic. For 4xx/5xx responses a
// redacted snippet of the request body is included to aid diagnosis.
func Logging(logger *slog.Logger, skipPaths []string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			var reqBody string
			if r.Body != nil && r.ContentLength != 0 && shouldLogBody(r.Header.Get("Content-Type")) {
				reqBody = captureRequestBody(r, maxFailureBodyLog)
			}

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if recorder.statusCode >= 400 && reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}

			logger.Log(r.Context(), slog.LevelInfo, "request", attrs...)
		})
	}
}

// shouldLogBody returns true if the content type is text-based.
func shouldLogBody(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") ||
		strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "form-urlencoded")
}

// captureRequestBody reads and replaces r.Body, returning up to maxBytes
// of the body as a string.
func captureRequestBody(r *http.Request, maxBytes int) string {
	var buf bytes.Buffer
	tee := io.TeeReader(r.Body, &buf)
	limited := io.LimitReader(tee, int64(maxBytes)+1)
	captured, _ := io.ReadAll(limited)
	// Reconstruct body for downstream handlers.
	r.Body = io.NopCloser(io.MultiReader(&buf, r.Body))

	s := string(captured)
	if len(captured) > maxBytes {
		s = s[:maxBytes] + "...[truncated]"
	}
	return redactSensitive(s)
}

// sensitiveFieldRe matches JSON key-value pairs for common sensitive fields.
var sensitiveFieldRe = regexp.MustCompile(
	`(?i)"(?:password|secret|token|key|api_key|authorization)"\s*:\s*"[^"]*"`,
)

// redactSensitive replaces common sensitive field values in log output.
func redactSensitive(s string) string {
	return sensitiveFieldRe.ReplaceAllStringFunc(s, func(match string) string {
		// The match ends with the quoted value; swap what sits between the
		// final quote pair for ***.
		closing := strings.LastIndex(match, `"`)
		opening := strings.LastIndex(match[:closing], `"`)
		if opening == -1 {
			return match
		}
		return match[:opening+1] + "***" + `"`
	})
}
