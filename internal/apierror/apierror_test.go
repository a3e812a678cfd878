package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	WriteJSON(w, r, http.StatusNotFound, NotFound, "no matching endpoint")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Not Found" {
		t.Errorf("error = %q, want %q", resp.Error, "Not Found")
	}
	if resp.ErrorCode != "RELAY_NOT_FOUND" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "RELAY_NOT_FOUND")
	}
	if resp.Message != "no matching endpoint" {
		t.Errorf("message = %q, want %q", resp.Message, "no matching endpoint")
	}
}

func TestWriteJSON_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/send", nil)
	r.Header.Set("X-Request-Id", "test-req-123")

	WriteJSON(w, r, http.StatusConflict, DuplicateRequest, "duplicate request")

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "test-req-123" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "test-req-123")
	}
	if resp.ErrorCode != "RELAY_DUPLICATE_REQUEST" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "RELAY_DUPLICATE_REQUEST")
	}
}

func TestWriteJSON_OmitsEmptyRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/send", nil)
	// No X-Request-Id header set

	WriteJSON(w, r, http.StatusTooManyRequests, RateLimited, "rate limit exceeded, retry later")

	// The pre-serialized path should not include request_id at all.
	var raw map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, exists := raw["request_id"]; exists {
		t.Error("request_id should be omitted when empty")
	}
}

func TestWriteJSON_NilRequest(t *testing.T) {
	w := httptest.NewRecorder()

	WriteJSON(w, nil, http.StatusInternalServerError, InternalError, "an unexpected error occurred")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrorCode != "RELAY_INTERNAL_ERROR" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "RELAY_INTERNAL_ERROR")
	}
}

func TestWriteJSON_NonPreserializedPath(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/send", nil)
	r.Header.Set("X-Request-Id", "custom-id")

	// Custom message won't match any pre-serialized body.
	WriteJSON(w, r, http.StatusBadRequest, BadRequest, `missing field "to"`)

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Bad Request" {
		t.Errorf("error = %q, want %q", resp.Error, "Bad Request")
	}
	if resp.ErrorCode != "RELAY_BAD_REQUEST" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "RELAY_BAD_REQUEST")
	}
	if resp.Message != `missing field "to"` {
		t.Errorf("message = %q, want %q", resp.Message, `missing field "to"`)
	}
	if resp.RequestID != "custom-id" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "custom-id")
	}
}

func TestAllErrorCodes(t *testing.T) {
	// Verify all error codes have the RELAY_ prefix.
	codes := []ErrorCode{
		BadRequest, PayloadTooLarge, RateLimited, ClientThrottled,
		DuplicateRequest, UpstreamUnavailable, NotFound, MethodNotAllowed,
		Forbidden, InternalError, Timeout, RequestCancelled,
	}
	for _, code := range codes {
		if len(code) < 6 || code[:6] != "RELAY_" {
			t.Errorf("code %q does not have RELAY_ prefix", code)
		}
	}
	if len(codes) != 12 {
		t.Errorf("expected 12 error codes, got %d", len(codes))
	}
}
