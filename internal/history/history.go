// Package history records per-request metadata for audit and debugging.
// The pipeline populates a Capture while handling the request and hands it
// off at completion; persistence is asynchronous and must never delay or
// alter the client-visible response.
package history

import (
	"net/http"
	"time"
)

// Capture is the ephemeral per-request record. It is owned by the pipeline
// until End is called and never read by the pipeline afterward.
type Capture struct {
	CorrelationID string    `json:"correlation_id"`
	StartTime     time.Time `json:"start_time"`

	Method   string `json:"method"`
	Path     string `json:"path"`
	Query    string `json:"query,omitempty"`
	ClientIP string `json:"client_ip"`

	EndpointID    string `json:"endpoint_id,omitempty"`
	OriginID      string `json:"origin_id,omitempty"`
	Authenticated bool   `json:"authenticated"`

	RequestHeaders  http.Header `json:"request_headers,omitempty"`
	RequestBody     []byte      `json:"request_body,omitempty"`
	ResponseHeaders http.Header `json:"response_headers,omitempty"`
	ResponseBody    []byte      `json:"response_body,omitempty"`

	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

// Recorder is the capture sink consumed by the request pipeline.
type Recorder interface {
	// Begin creates a capture for one request at entry.
	Begin(correlationID string) *Capture
	// End finalizes the capture (duration) and queues it for persistence.
	// It never blocks on storage.
	End(c *Capture)
}

// NopRecorder discards all captures.
type NopRecorder struct{}

func (NopRecorder) Begin(correlationID string) *Capture {
	return &Capture{CorrelationID: correlationID, StartTime: time.Now()}
}

func (NopRecorder) End(*Capture) {}
