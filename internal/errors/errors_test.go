package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONSentinel(t *testing.T) {
	w := httptest.NewRecorder()
	ErrNoRoute.WriteJSON(w)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}

	var body GatewayError
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body.Kind != KindRoutingMiss || body.Code != http.StatusBadRequest {
		t.Errorf("body = %+v", body)
	}
}

func TestWithRequestIDDoesNotMutateSentinel(t *testing.T) {
	derived := ErrUpstream.WithRequestID("req-1")
	if derived == ErrUpstream {
		t.Fatal("WithRequestID must clone")
	}
	if ErrUpstream.RequestID != "" {
		t.Fatal("sentinel mutated")
	}

	w := httptest.NewRecorder()
	derived.WriteJSON(w)
	var body GatewayError
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.RequestID != "req-1" {
		t.Errorf("request_id = %q, want req-1", body.RequestID)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := ErrUpstream.Wrap(cause)

	if !errors.Is(wrapped, cause) {
		t.Error("wrapped error should unwrap to its cause")
	}
	if wrapped.Details != "connection refused" {
		t.Errorf("details = %q", wrapped.Details)
	}
	if wrapped.Code != http.StatusBadGateway {
		t.Errorf("code = %d", wrapped.Code)
	}
	if ErrUpstream.underlying != nil {
		t.Error("sentinel mutated by Wrap")
	}
}

func TestWithDetails(t *testing.T) {
	derived := ErrUnauthorized.WithDetails("token expired")
	if derived.Details != "token expired" {
		t.Errorf("details = %q", derived.Details)
	}
	if ErrUnauthorized.Details != "" {
		t.Error("sentinel mutated")
	}
}
