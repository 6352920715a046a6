package gateway

import "net/http"

// captureWriter wraps the ResponseWriter to record the status code and tee
// up to bodyCap bytes of the response body for history capture.
type captureWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    []byte
	bodyCap int64
}

func newCaptureWriter(w http.ResponseWriter, bodyCap int64) *captureWriter {
	return &captureWriter{ResponseWriter: w, status: http.StatusOK, bodyCap: bodyCap}
}

func (cw *captureWriter) WriteHeader(code int) {
	if !cw.written {
		cw.status = code
		cw.written = true
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	cw.written = true
	if cw.bodyCap > 0 && int64(len(cw.body)) < cw.bodyCap {
		remain := cw.bodyCap - int64(len(cw.body))
		if int64(len(p)) <= remain {
			cw.body = append(cw.body, p...)
		} else {
			cw.body = append(cw.body, p[:remain]...)
		}
	}
	return cw.ResponseWriter.Write(p)
}

// Flush passes streaming flushes through to the underlying writer.
func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StatusCode returns the recorded status code.
func (cw *captureWriter) StatusCode() int { return cw.status }
