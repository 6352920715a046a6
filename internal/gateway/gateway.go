// Package gateway wires the request pipeline: route matching, auth, origin
// selection, admission control, proxying and history capture.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/admission"
	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/health"
	"github.com/wudi/relay/internal/history"
	"github.com/wudi/relay/internal/loadbalancer"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/proxy"
	"github.com/wudi/relay/internal/registry"
	"github.com/wudi/relay/internal/router"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// captureScope is implemented by recorders that know the merged capture
// settings per endpoint/origin (history.Service does).
type captureScope interface {
	Effective(endpointID, originID string) config.CaptureConfig
}

// Options carries the collaborators injected by the embedding application.
type Options struct {
	// Auth decides authentication/authorization for routes that require it.
	// May be nil; protected routes then fail with 401.
	Auth AuthFunc
	// Recorder receives request history captures. Defaults to NopRecorder.
	Recorder history.Recorder
	// Metrics defaults to a fresh collector.
	Metrics *metrics.Collector
}

// Gateway is the proxy pipeline. It implements http.Handler.
type Gateway struct {
	table     atomic.Pointer[router.Table]
	registry  *registry.Registry
	monitor   *health.Monitor
	balancer  *loadbalancer.Balancer
	admission *admission.Controller
	engine    *proxy.Engine
	recorder  history.Recorder
	scope     captureScope
	auth      AuthFunc
	metrics   *metrics.Collector

	mu  sync.Mutex // serializes ApplyConfig
	cfg *config.Config
}

// New creates a gateway and starts its health monitor loops.
func New(cfg *config.Config, opts Options) *Gateway {
	recorder := opts.Recorder
	if recorder == nil {
		recorder = history.NopRecorder{}
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}

	g := &Gateway{
		registry:  registry.New(cfg.Origins),
		balancer:  nil,
		admission: admission.New(),
		engine: proxy.New(proxy.Config{
			GlobalBlockedHeaders: cfg.Proxy.BlockedHeaders,
		}),
		recorder: recorder,
		auth:     opts.Auth,
		metrics:  collector,
		cfg:      cfg,
	}
	g.balancer = loadbalancer.New(g.registry)
	g.scope, _ = recorder.(captureScope)
	g.table.Store(router.NewTable(cfg.Endpoints))

	g.monitor = health.NewMonitor(health.Config{
		OnChange: func(originID string, healthy bool) {
			collector.SetOriginHealth(originID, healthy)
		},
	})
	for _, o := range g.registry.Snapshot() {
		collector.SetOriginHealth(o.ID(), true)
		g.monitor.Watch(o)
	}

	return g
}

// Registry exposes origin runtime state (admin/diagnostic surface).
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Stop shuts down the health monitor with a bounded grace period.
func (g *Gateway) Stop(grace time.Duration) {
	g.monitor.Stop(grace)
}

// ApplyConfig swaps in a reloaded configuration: new routing table, origin
// delta (new loops started, removed loops cancelled), refreshed capture
// scopes and blocked headers. In-flight requests finish on the old state.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	old := g.cfg
	g.cfg = cfg

	g.table.Store(router.NewTable(cfg.Endpoints))
	g.engine.SetGlobalBlockedHeaders(cfg.Proxy.BlockedHeaders)

	keep := make(map[string]bool, len(cfg.Origins))
	for _, oc := range cfg.Origins {
		keep[oc.ID] = true
		o, isNew := g.registry.Upsert(oc)
		if isNew {
			g.metrics.SetOriginHealth(o.ID(), true)
			g.monitor.Watch(o)
		}
	}
	for _, o := range g.registry.Snapshot() {
		if !keep[o.ID()] {
			g.monitor.Unwatch(o.ID())
			g.registry.Remove(o.ID())
		}
	}

	keepEndpoints := make(map[string]bool, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		keepEndpoints[ep.ID] = true
	}
	for _, ep := range old.Endpoints {
		if !keepEndpoints[ep.ID] {
			g.balancer.Forget(ep.ID)
		}
	}

	if svc, ok := g.recorder.(*history.Service); ok {
		svc.UpdateConfig(cfg)
	}
}

// ServeHTTP runs the pipeline for one inbound request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corrID := r.Header.Get(proxy.HeaderRequestID)
	if corrID == "" {
		corrID = uuid.New().String()
	}

	rec := g.recorder.Begin(corrID)
	rec.Method = r.Method
	rec.Path = r.URL.Path
	rec.Query = r.URL.RawQuery
	rec.ClientIP = proxy.ClientIP(r)
	defer g.recorder.End(rec)
	defer func() {
		label := rec.EndpointID
		if label == "" {
			label = "none"
		}
		g.metrics.RecordRequest(label, r.Method, rec.StatusCode, time.Since(rec.StartTime))
	}()
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				rec.Error = "response aborted mid-stream"
				panic(p)
			}
			logging.Error("panic in request pipeline",
				zap.Any("error", p),
				zap.String("request_id", corrID),
				zap.ByteString("stack", debug.Stack()),
			)
			rec.Error = "internal panic"
			g.fail(w, rec, errors.ErrInternal, corrID)
		}
	}()

	m, ok := g.table.Load().Match(r.Method, r.URL.Path)
	if !ok {
		g.fail(w, rec, errors.ErrNoRoute, corrID)
		return
	}
	ep := m.Endpoint
	rec.EndpointID = ep.ID

	if ep.BlockHTTP10 && r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		g.fail(w, rec, errors.ErrHTTPVersion, corrID)
		return
	}

	if ep.MaxBodySize > 0 && r.ContentLength > ep.MaxBodySize {
		g.fail(w, rec, errors.ErrPayloadTooLarge, corrID)
		return
	}

	var authCtx string
	if m.AuthRequired {
		if g.auth == nil {
			g.fail(w, rec, errors.ErrUnauthorized.WithDetails("no auth callback configured"), corrID)
			return
		}
		res := g.auth(r)
		if !res.OK() {
			g.fail(w, rec, errors.ErrUnauthorized.WithDetails(res.Message), corrID)
			return
		}
		rec.Authenticated = true
		authCtx = res.Metadata
	}

	eff := g.endpointCapture(ep)
	if eff.RequestHeaders {
		rec.RequestHeaders = r.Header.Clone()
	}

	body, err := g.prepareBody(r, ep, eff, rec)
	if err != nil {
		g.fail(w, rec, errors.ErrInternal.Wrap(err), corrID)
		return
	}
	if body.streaming != nil {
		// A streaming body is backed by a pipe goroutine that only exits
		// once the reader is drained or closed. Rejection paths below never
		// hand it to the transport, so close it here; after a send the pipe
		// is already finished and this close is a no-op.
		defer body.streaming.Close()
	}

	g.forward(w, r, m, rec, corrID, authCtx, body)
}

// requestBody describes the inbound body for forwarding: one of no body,
// fully buffered (replayable), or streaming (chunked, single-shot).
type requestBody struct {
	buffered  []byte
	streaming io.ReadCloser
	length    int64
}

func (b *requestBody) replayable() bool { return b.streaming == nil }

// reader returns a fresh body reader for one delivery attempt.
func (b *requestBody) reader() io.ReadCloser {
	if b.streaming != nil {
		return b.streaming
	}
	if b.buffered == nil {
		return nil
	}
	return io.NopCloser(bytes.NewReader(b.buffered))
}

// prepareBody classifies the inbound body. Bodies with a known length are
// buffered when a retry could need to replay them or when capture wants the
// bytes; chunked bodies stream through the look-ahead pipeline and are
// never replayed.
func (g *Gateway) prepareBody(r *http.Request, ep *config.EndpointConfig, eff config.CaptureConfig, rec *history.Capture) (*requestBody, error) {
	switch {
	case r.Body == nil || r.ContentLength == 0:
		return &requestBody{}, nil

	case r.ContentLength > 0:
		if ep.Retries.Enabled || eff.RequestBody {
			data, err := io.ReadAll(io.LimitReader(r.Body, r.ContentLength))
			if err != nil {
				return nil, err
			}
			if eff.RequestBody {
				rec.RequestBody = data
			}
			return &requestBody{buffered: data, length: int64(len(data))}, nil
		}
		return &requestBody{streaming: r.Body, length: r.ContentLength}, nil

	default: // chunked
		body := r.Body
		if ep.MaxBodySize > 0 {
			// Content length is unknown; enforce the cap while streaming.
			body = http.MaxBytesReader(nil, body, ep.MaxBodySize)
		}
		return &requestBody{streaming: proxy.StreamBody(body), length: -1}, nil
	}
}

// forward selects an origin, passes admission control and proxies, retrying
// against a different origin on upstream failure when the endpoint allows.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, m *router.MatchedRoute, rec *history.Capture, corrID, authCtx string, body *requestBody) {
	ep := m.Endpoint

	attempts := 1
	if ep.Retries.Enabled && body.replayable() {
		attempts += ep.Retries.Count
	}
	exclude := make(map[string]bool)
	sawUpstreamFailure := false

	for attempt := 0; attempt < attempts; attempt++ {
		var origin *registry.Origin
		var err error
		if attempt == 0 {
			origin, err = g.balancer.Pick(ep)
		} else {
			origin, err = g.balancer.PickExcluding(ep, exclude)
		}
		if err != nil {
			break
		}
		rec.OriginID = origin.ID()

		release, err := g.admission.Admit(r.Context(), origin)
		if err == admission.ErrRateLimited {
			g.metrics.RecordRejection(origin.ID())
			g.fail(w, rec, errors.ErrSlowDown, corrID)
			return
		}
		if err != nil {
			// Caller disconnected while queued for a slot; nothing left to answer.
			rec.Error = err.Error()
			return
		}
		g.metrics.SetOriginActive(origin.ID(), origin.Active())

		ctx := r.Context()
		cancel := context.CancelFunc(func() {})
		if ep.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		}

		preq := &proxy.Request{
			Inbound:       r,
			Route:         m,
			Origin:        origin,
			CorrelationID: corrID,
			AuthContext:   authCtx,
			Body:          body.reader(),
			ContentLength: body.length,
		}

		resp, err := g.engine.Send(ctx, preq)
		if err != nil {
			release()
			cancel()
			g.metrics.RecordUpstreamFailure(origin.ID())
			g.metrics.SetOriginActive(origin.ID(), origin.Active())
			exclude[origin.ID()] = true
			sawUpstreamFailure = true
			rec.Error = err.Error()
			continue
		}

		// This attempt succeeded; an error left over from an earlier
		// attempt no longer describes the outcome.
		rec.Error = ""

		func() {
			// A mid-stream abort panics through here; the slot must be
			// released either way.
			defer cancel()
			defer release()
			g.relay(w, resp, preq, rec)
		}()
		g.metrics.SetOriginActive(origin.ID(), origin.Active())
		return
	}

	if sawUpstreamFailure {
		g.fail(w, rec, errors.ErrUpstream, corrID)
		return
	}
	g.fail(w, rec, errors.ErrNoOrigin, corrID)
}

// relay streams the origin response to the caller, capturing what the
// merged settings ask for.
func (g *Gateway) relay(w http.ResponseWriter, resp *http.Response, preq *proxy.Request, rec *history.Capture) {
	eff := g.effective(rec.EndpointID, rec.OriginID)

	var bodyCap int64
	if eff.ResponseBody {
		bodyCap = eff.MaxBodySize
	}
	if eff.ResponseHeaders {
		rec.ResponseHeaders = resp.Header.Clone()
	}

	cw := newCaptureWriter(w, bodyCap)
	g.engine.Relay(cw, resp, preq)

	rec.StatusCode = cw.StatusCode()
	rec.ResponseBody = cw.body
}

// fail converts a pipeline error into the structured client response.
func (g *Gateway) fail(w http.ResponseWriter, rec *history.Capture, gerr *errors.GatewayError, corrID string) {
	rec.StatusCode = gerr.Code
	if rec.Error == "" {
		rec.Error = gerr.Error()
	}
	w.Header().Set(proxy.HeaderRequestID, corrID)
	gerr.WithRequestID(corrID).WriteJSON(w)
}

// effective returns merged capture settings, or zero when the recorder has
// no scope knowledge.
func (g *Gateway) effective(endpointID, originID string) config.CaptureConfig {
	if g.scope == nil {
		return config.CaptureConfig{}
	}
	return g.scope.Effective(endpointID, originID)
}

// endpointCapture merges capture settings across the endpoint and all of
// its configured origins, used before an origin has been chosen.
func (g *Gateway) endpointCapture(ep *config.EndpointConfig) config.CaptureConfig {
	if g.scope == nil {
		return config.CaptureConfig{}
	}
	merged := g.scope.Effective(ep.ID, "")
	for _, id := range ep.Origins {
		c := g.scope.Effective(ep.ID, id)
		merged.RequestHeaders = merged.RequestHeaders || c.RequestHeaders
		merged.RequestBody = merged.RequestBody || c.RequestBody
		merged.ResponseHeaders = merged.ResponseHeaders || c.ResponseHeaders
		merged.ResponseBody = merged.ResponseBody || c.ResponseBody
		if c.MaxBodySize > merged.MaxBodySize {
			merged.MaxBodySize = c.MaxBodySize
		}
	}
	return merged
}
