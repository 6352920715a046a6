package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/logging"
)

// defaultBodyCap applies when a body flag is set without an explicit size.
const defaultBodyCap = 64 * 1024

// Service is the standard Recorder: an async bounded queue in front of a
// Store. When the queue is full the capture is dropped and counted; the
// request path never blocks here.
type Service struct {
	store Store
	queue chan *Capture

	// cfg holds the current capture scopes; swapped atomically on reload.
	cfg atomic.Pointer[captureScopes]

	dropped  atomic.Int64
	enqueued atomic.Int64
	onDrop   func()

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type captureScopes struct {
	global    config.CaptureConfig
	endpoints map[string]config.CaptureConfig
	origins   map[string]config.CaptureConfig
}

// ServiceConfig holds service construction options.
type ServiceConfig struct {
	Store     Store
	QueueSize int
	// OnDrop is called when a capture is dropped because the queue is full.
	OnDrop func()
}

// NewService creates and starts the capture service.
func NewService(cfg *config.Config, sc ServiceConfig) *Service {
	size := sc.QueueSize
	if size <= 0 {
		size = 1024
	}
	store := sc.Store
	if store == nil {
		store = NewMemoryStore(MemoryStoreConfig{})
	}

	s := &Service{
		store:  store,
		queue:  make(chan *Capture, size),
		onDrop: sc.OnDrop,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	s.UpdateConfig(cfg)

	go s.worker()
	return s
}

// UpdateConfig swaps the capture scope settings (config reload).
func (s *Service) UpdateConfig(cfg *config.Config) {
	scopes := &captureScopes{
		global:    cfg.History.Capture,
		endpoints: make(map[string]config.CaptureConfig, len(cfg.Endpoints)),
		origins:   make(map[string]config.CaptureConfig, len(cfg.Origins)),
	}
	for _, ep := range cfg.Endpoints {
		scopes.endpoints[ep.ID] = ep.Capture
	}
	for _, o := range cfg.Origins {
		scopes.origins[o.ID] = o.Capture
	}
	s.cfg.Store(scopes)
}

// Begin creates a capture for a request at entry.
func (s *Service) Begin(correlationID string) *Capture {
	return &Capture{
		CorrelationID: correlationID,
		StartTime:     time.Now(),
	}
}

// End computes the duration and queues the capture. Fire and forget: a full
// queue drops the capture rather than delaying the already-sent response.
func (s *Service) End(c *Capture) {
	if c == nil {
		return
	}
	c.Duration = time.Since(c.StartTime)

	select {
	case s.queue <- c:
		s.enqueued.Add(1)
	default:
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// Effective merges the global, endpoint and origin capture settings:
// boolean flags with OR semantics, body cap to the largest configured max.
// Endpoint or origin ids that are unknown (or empty) contribute nothing.
func (s *Service) Effective(endpointID, originID string) config.CaptureConfig {
	scopes := s.cfg.Load()
	if scopes == nil {
		return config.CaptureConfig{}
	}

	merged := scopes.global
	for _, c := range []config.CaptureConfig{scopes.endpoints[endpointID], scopes.origins[originID]} {
		merged.RequestHeaders = merged.RequestHeaders || c.RequestHeaders
		merged.RequestBody = merged.RequestBody || c.RequestBody
		merged.ResponseHeaders = merged.ResponseHeaders || c.ResponseHeaders
		merged.ResponseBody = merged.ResponseBody || c.ResponseBody
		if c.MaxBodySize > merged.MaxBodySize {
			merged.MaxBodySize = c.MaxBodySize
		}
	}
	if (merged.RequestBody || merged.ResponseBody) && merged.MaxBodySize <= 0 {
		merged.MaxBodySize = defaultBodyCap
	}
	return merged
}

// worker persists queued captures. Store failures are logged and swallowed;
// they can never affect responses already sent.
func (s *Service) worker() {
	defer close(s.doneCh)
	for {
		select {
		case c := <-s.queue:
			s.persist(c)
		case <-s.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case c := <-s.queue:
					s.persist(c)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) persist(c *Capture) {
	eff := s.Effective(c.EndpointID, c.OriginID)
	s.applyScopes(c, eff)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, c); err != nil {
		logging.Error("failed to persist request history",
			zap.String("request_id", c.CorrelationID),
			zap.Error(err),
		)
	}
}

// applyScopes drops fields the merged settings exclude and caps body sizes.
func (s *Service) applyScopes(c *Capture, eff config.CaptureConfig) {
	if !eff.RequestHeaders {
		c.RequestHeaders = nil
	}
	if !eff.ResponseHeaders {
		c.ResponseHeaders = nil
	}
	if !eff.RequestBody {
		c.RequestBody = nil
	} else if int64(len(c.RequestBody)) > eff.MaxBodySize {
		c.RequestBody = c.RequestBody[:eff.MaxBodySize]
	}
	if !eff.ResponseBody {
		c.ResponseBody = nil
	} else if int64(len(c.ResponseBody)) > eff.MaxBodySize {
		c.ResponseBody = c.ResponseBody[:eff.MaxBodySize]
	}
}

// Dropped returns how many captures were dropped due to a full queue.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// Stop stops the worker after draining the queue, then closes the store.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		select {
		case <-s.doneCh:
		case <-time.After(10 * time.Second):
			logging.Warn("history worker did not drain in time")
		}
		if err := s.store.Close(); err != nil {
			logging.Error("failed to close history store", zap.Error(err))
		}
	})
}
