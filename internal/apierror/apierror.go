// Package apierror provides a centralized error response format for the mail
// relay. All boundary components use WriteJSON to produce consistent,
// machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Relay error codes. Clients program against these stable strings, so do
// not rename or remove existing codes.
const (
	BadRequest          ErrorCode = "RELAY_BAD_REQUEST"
	PayloadTooLarge     ErrorCode = "RELAY_PAYLOAD_TOO_LARGE"
	RateLimited         ErrorCode = "RELAY_RATE_LIMITED"
	ClientThrottled     ErrorCode = "RELAY_CLIENT_THROTTLED"
	DuplicateRequest    ErrorCode = "RELAY_DUPLICATE_REQUEST"
	UpstreamUnavailable ErrorCode = "RELAY_UPSTREAM_UNAVAILABLE"
	NotFound            ErrorCode = "RELAY_NOT_FOUND"
	MethodNotAllowed    ErrorCode = "RELAY_METHOD_NOT_ALLOWED"
	Forbidden           ErrorCode = "RELAY_FORBIDDEN"
	InternalError       ErrorCode = "RELAY_INTERNAL_ERROR"
	Timeout             ErrorCode = "RELAY_TIMEOUT"
	RequestCancelled    ErrorCode = "RELAY_REQUEST_CANCELLED"
)

// ErrorResponse is the standardized relay error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preNotFound         = mustMarshal(http.StatusNotFound, NotFound, "no matching endpoint")
	preDuplicate        = mustMarshal(http.StatusConflict, DuplicateRequest, "duplicate request")
	preRateLimited      = mustMarshal(http.StatusTooManyRequests, RateLimited, "rate limit exceeded, retry later")
	preExhausted        = mustMarshal(http.StatusBadGateway, UpstreamUnavailable, "all delivery providers failed")
	preForbidden        = mustMarshal(http.StatusForbidden, Forbidden, "access restricted")
	preRequestCancelled = mustMarshal(http.StatusRequestTimeout, RequestCancelled, "request cancelled")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-Id header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Fast path: use pre-serialized body for common errors when there is
	// no request ID to include (avoids allocation).
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-Id")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == NotFound && status == http.StatusNotFound && message == "no matching endpoint":
		return preNotFound
	case code == DuplicateRequest && status == http.StatusConflict && message == "duplicate request":
		return preDuplicate
	case code == RateLimited && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimited
	case code == UpstreamUnavailable && status == http.StatusBadGateway && message == "all delivery providers failed":
		return preExhausted
	case code == Forbidden && status == http.StatusForbidden && message == "access restricted":
		return preForbidden
	case code == RequestCancelled && status == http.StatusRequestTimeout && message == "request cancelled":
		return preRequestCancelled
	}
	return nil
}
