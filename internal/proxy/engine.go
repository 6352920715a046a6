// Package proxy builds outbound requests and streams origin responses back
// to the caller, preserving chunk and server-sent-event boundaries.
package proxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/registry"
	"github.com/wudi/relay/internal/router"
)

// Header names the engine sets on outbound requests and relayed responses.
const (
	HeaderRequestID    = "X-Request-ID"
	HeaderOriginID     = "X-Origin-ID"
	HeaderAuthContext  = "X-Auth-Context"
	HeaderForwardedFor = "X-Forwarded-For"
)

// Engine sends proxied requests and relays responses.
type Engine struct {
	transport http.RoundTripper

	// globalBlocked is merged into an endpoint's blocked set when the
	// endpoint opts in; swapped atomically on config reload.
	globalBlocked atomic.Pointer[[]string]
}

// Config holds engine configuration.
type Config struct {
	Transport            http.RoundTripper
	GlobalBlockedHeaders []string
}

// New creates an engine.
func New(cfg Config) *Engine {
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 0, // endpoint timeout governs via context
		}
	}
	e := &Engine{transport: transport}
	e.SetGlobalBlockedHeaders(cfg.GlobalBlockedHeaders)
	return e
}

// SetGlobalBlockedHeaders replaces the global blocked-header list.
func (e *Engine) SetGlobalBlockedHeaders(headers []string) {
	copied := append([]string(nil), headers...)
	e.globalBlocked.Store(&copied)
}

// Request carries everything needed to forward one inbound request.
type Request struct {
	Inbound       *http.Request
	Route         *router.MatchedRoute
	Origin        *registry.Origin
	CorrelationID string

	// AuthContext is caller-supplied auth metadata, forwarded base64-encoded
	// when the endpoint opts in. Empty means none.
	AuthContext string

	// Body is the replayable request body for this attempt, nil when the
	// inbound request has none. The gateway provides a fresh reader per
	// retry attempt.
	Body          io.ReadCloser
	ContentLength int64
}

// Rewrite applies the endpoint's rewrite rules for the request method.
// Rules are tried in configured order; the first whose from-pattern matches
// the path wins, with {name} placeholders in the to-pattern substituted from
// the matched parameters. An unmatched path passes through unchanged.
func Rewrite(ep *config.EndpointConfig, method, path string) string {
	rules := ep.Rewrite[strings.ToUpper(method)]
	for _, rule := range rules {
		params, ok := matchPattern(rule.From, path)
		if !ok {
			continue
		}
		return substitute(rule.To, params)
	}
	return path
}

// matchPattern matches a {param} pattern against a path, segment-wise.
func matchPattern(pattern, path string) (map[string]string, bool) {
	pSegs := splitSegments(pattern)
	segs := splitSegments(path)
	if len(pSegs) != len(segs) {
		return nil, false
	}
	params := make(map[string]string, 2)
	for i, seg := range pSegs {
		if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
			params[strings.ToLower(seg[1:len(seg)-1])] = segs[i]
			continue
		}
		if seg != segs[i] {
			return nil, false
		}
	}
	return params, true
}

// substitute replaces {name} placeholders with matched parameter values.
func substitute(pattern string, params map[string]string) string {
	segs := splitSegments(pattern)
	for i, seg := range segs {
		if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
			if v, ok := params[strings.ToLower(seg[1:len(seg)-1])]; ok {
				segs[i] = v
			}
		}
	}
	return "/" + strings.Join(segs, "/")
}

func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Send builds the outbound request and performs the round trip. Transport
// errors come back wrapped as upstream failures; the caller maps them to 502
// (or retries against another origin).
func (e *Engine) Send(ctx context.Context, pr *Request) (*http.Response, error) {
	outbound := e.buildRequest(ctx, pr)

	resp, err := e.transport.RoundTrip(outbound)
	if err != nil {
		logging.Warn("upstream request failed",
			zap.String("origin", pr.Origin.ID()),
			zap.String("url", outbound.URL.String()),
			zap.String("request_id", pr.CorrelationID),
			zap.Error(err),
		)
		return nil, errors.ErrUpstream.Wrap(err)
	}
	return resp, nil
}

// buildRequest constructs the outbound request: rewritten URL, filtered and
// forwarded headers, correlation id, and the origin's own Host header.
func (e *Engine) buildRequest(ctx context.Context, pr *Request) *http.Request {
	in := pr.Inbound
	ep := pr.Route.Endpoint
	origin := pr.Origin.Config()

	path := Rewrite(ep, in.Method, in.URL.Path)

	targetURL := &url.URL{
		Scheme:   origin.Scheme(),
		Host:     origin.Address(),
		Path:     path,
		RawQuery: in.URL.RawQuery,
	}

	outbound := (&http.Request{
		Method:        in.Method,
		URL:           targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          pr.Body,
		ContentLength: pr.ContentLength,
		// The Host header is always the origin's own address, never the
		// client-supplied one.
		Host: origin.Address(),
	}).WithContext(ctx)

	blocked := e.blockedSet(ep)
	outbound.Header = make(http.Header, len(in.Header)+3)
	for k, vv := range in.Header {
		if blocked[strings.ToLower(k)] {
			continue
		}
		outbound.Header[k] = vv
	}
	removeHopHeaders(outbound.Header)

	// Headers the engine owns override anything forwarded.
	if clientIP := ClientIP(in); clientIP != "" {
		if prior := outbound.Header.Get(HeaderForwardedFor); prior != "" {
			outbound.Header.Set(HeaderForwardedFor, prior+", "+clientIP)
		} else {
			outbound.Header.Set(HeaderForwardedFor, clientIP)
		}
	}
	outbound.Header.Set(HeaderRequestID, pr.CorrelationID)

	if ep.ForwardAuthContext && pr.AuthContext != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(pr.AuthContext))
		outbound.Header.Set(HeaderAuthContext, encoded)
	} else {
		outbound.Header.Del(HeaderAuthContext)
	}

	return outbound
}

// blockedSet is the union of the endpoint's blocked headers and, when the
// endpoint opts in, the global blocked headers. Lower-cased for comparison.
func (e *Engine) blockedSet(ep *config.EndpointConfig) map[string]bool {
	var global []string
	if p := e.globalBlocked.Load(); p != nil {
		global = *p
	}
	set := make(map[string]bool, len(ep.BlockedHeaders)+len(global))
	for _, h := range ep.BlockedHeaders {
		set[strings.ToLower(h)] = true
	}
	if ep.UseGlobalBlockedHeaders {
		for _, h := range global {
			set[strings.ToLower(h)] = true
		}
	}
	return set
}

// Relay copies the origin response to the caller. Server-sent-event and
// chunked responses stream unit-by-unit with one-item look-ahead so the last
// unit is known before it is forwarded; everything else is a buffered copy.
//
// Once the first byte has been written the response is committed: a relay
// error past that point cannot become a clean error response, so it is
// surfaced as ErrAbortHandler for the server to close the connection.
func (e *Engine) Relay(w http.ResponseWriter, resp *http.Response, pr *Request) {
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(header)
	header.Set(HeaderRequestID, pr.CorrelationID)
	header.Set(HeaderOriginID, pr.Origin.ID())

	w.WriteHeader(resp.StatusCode)

	var err error
	switch {
	case isEventStream(resp):
		err = relayEvents(w, resp.Body)
	case isChunked(resp):
		err = relayChunks(w, resp.Body)
	default:
		_, err = io.Copy(w, resp.Body)
	}

	if err != nil {
		logging.Warn("response relay aborted",
			zap.String("origin", pr.Origin.ID()),
			zap.String("request_id", pr.CorrelationID),
			zap.Error(err),
		)
		// Headers and possibly body bytes are already on the wire; the only
		// honest signal left is an abrupt close.
		panic(http.ErrAbortHandler)
	}
}

// relayChunks forwards each origin chunk as one write+flush, appending a
// line-ending byte to the payload to keep downstream chunk delimiting.
func relayChunks(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	return forEachBlock(body, func(block []byte, final bool) error {
		if _, err := w.Write(block); err != nil {
			return err
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
}

// relayEvents forwards server-sent events one at a time, re-framed with a
// single blank-line terminator after stripping trailing CR/LF artifacts.
func relayEvents(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	return forEachEvent(body, func(event []byte, final bool) error {
		if _, err := w.Write(event); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
}

func isEventStream(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(ct)), "text/event-stream")
}

func isChunked(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}

// ClientIP extracts the caller address without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hop-by-hop headers, never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// StreamBody wraps a streaming (chunked) inbound body so each read block is
// forwarded through the same one-block look-ahead pipeline used on the
// response side, keeping block boundaries intact into the transport.
func StreamBody(body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer body.Close()
		err := forEachBlock(body, func(block []byte, final bool) error {
			_, werr := pw.Write(block)
			return werr
		})
		pw.CloseWithError(err)
	}()
	return pr
}

// String implements fmt.Stringer for diagnostics.
func (pr *Request) String() string {
	return fmt.Sprintf("%s %s -> %s", pr.Inbound.Method, pr.Inbound.URL.Path, pr.Origin.ID())
}
