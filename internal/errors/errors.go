package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindRoutingMiss     Kind = "routing_miss"
	KindProtocolPolicy  Kind = "protocol_policy"
	KindAuthFailure     Kind = "auth_failure"
	KindNoCapacity      Kind = "no_capacity"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindUpstreamFailure Kind = "upstream_failure"
	KindInternal        Kind = "internal"
)

// GatewayError represents an error that can be returned to clients.
type GatewayError struct {
	Kind       Kind   `json:"kind"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WithDetails returns a copy of the error with details attached.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	clone := *e
	clone.Details = details
	return &clone
}

// WithRequestID returns a copy of the error carrying the request correlation id.
func (e *GatewayError) WithRequestID(id string) *GatewayError {
	clone := *e
	clone.RequestID = id
	return &clone
}

// Wrap returns a copy of the error wrapping an underlying cause.
func (e *GatewayError) Wrap(err error) *GatewayError {
	clone := *e
	clone.underlying = err
	if err != nil && clone.Details == "" {
		clone.Details = err.Error()
	}
	return &clone
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors, one per pipeline failure mode.
var (
	ErrNoRoute = &GatewayError{
		Kind:    KindRoutingMiss,
		Code:    http.StatusBadRequest,
		Message: "No matching endpoint",
	}

	ErrPayloadTooLarge = &GatewayError{
		Kind:    KindPayloadTooLarge,
		Code:    http.StatusBadRequest,
		Message: "Request body exceeds configured maximum",
	}

	ErrUnauthorized = &GatewayError{
		Kind:    KindAuthFailure,
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrSlowDown = &GatewayError{
		Kind:    KindNoCapacity,
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrNoOrigin = &GatewayError{
		Kind:    KindNoCapacity,
		Code:    http.StatusBadGateway,
		Message: "No healthy origin available",
	}

	ErrUpstream = &GatewayError{
		Kind:    KindUpstreamFailure,
		Code:    http.StatusBadGateway,
		Message: "Origin returned no response",
	}

	ErrHTTPVersion = &GatewayError{
		Kind:    KindProtocolPolicy,
		Code:    http.StatusHTTPVersionNotSupported,
		Message: "HTTP/1.0 is not allowed for this endpoint",
	}

	ErrInternal = &GatewayError{
		Kind:    KindInternal,
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized maps base errors to their serialized JSON body.
var preSerialized = map[*GatewayError][]byte{}

func init() {
	for _, e := range []*GatewayError{
		ErrNoRoute, ErrPayloadTooLarge, ErrUnauthorized, ErrSlowDown,
		ErrNoOrigin, ErrUpstream, ErrHTTPVersion, ErrInternal,
	} {
		body, err := json.Marshal(e)
		if err != nil {
			panic(err)
		}
		preSerialized[e] = append(body, '\n')
	}
}
