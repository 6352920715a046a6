// Package health runs one polling loop per origin and drives the origin's
// health state machine in the registry.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/registry"
)

// probeTimeout is the fixed client-level timeout for a single health probe,
// independent of any endpoint timeout.
const probeTimeout = 5 * time.Second

// Monitor owns the per-origin check loops.
type Monitor struct {
	client   *http.Client
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	onChange func(originID string, healthy bool)

	mu    sync.Mutex
	loops map[string]context.CancelFunc
}

// Config holds monitor configuration.
type Config struct {
	// OnChange is invoked (in its own goroutine) when an origin flips state.
	OnChange func(originID string, healthy bool)
}

// NewMonitor creates a monitor. No loops run until Watch is called.
func NewMonitor(cfg Config) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		client: &http.Client{
			Timeout: probeTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		ctx:      ctx,
		cancel:   cancel,
		onChange: cfg.OnChange,
		loops:    make(map[string]context.CancelFunc),
	}
}

// Watch starts an independent check loop for the origin. Watching an origin
// id that already has a loop cancels the old loop first (config reload).
func (m *Monitor) Watch(o *registry.Origin) {
	m.mu.Lock()
	if cancel, ok := m.loops[o.ID()]; ok {
		cancel()
	}
	loopCtx, loopCancel := context.WithCancel(m.ctx)
	m.loops[o.ID()] = loopCancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.checkLoop(loopCtx, o)
}

// Unwatch cancels the loop for an origin removed from configuration.
func (m *Monitor) Unwatch(originID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.loops[originID]; ok {
		cancel()
		delete(m.loops, originID)
	}
}

// Stop cancels every loop and waits up to grace for them to exit.
func (m *Monitor) Stop(grace time.Duration) {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logging.Warn("health monitor loops did not exit within grace period")
	}
}

// checkLoop probes the origin immediately, then every configured interval,
// until its context is cancelled.
func (m *Monitor) checkLoop(ctx context.Context, o *registry.Origin) {
	defer m.wg.Done()

	interval := o.Config().HealthCheck.Interval
	timer := time.NewTimer(0) // first check fires immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.check(ctx, o)

		select {
		case <-ctx.Done():
			return
		default:
		}
		timer.Reset(interval)
	}
}

// check issues a single probe and records the outcome. The origin's lock is
// never held across the network call; RecordCheck takes it only to apply
// the result.
func (m *Monitor) check(ctx context.Context, o *registry.Origin) {
	hc := o.Config().HealthCheck
	url := o.BaseURL() + hc.Path

	passed := false
	var probeErr error

	req, err := http.NewRequestWithContext(ctx, hc.Method, url, nil)
	if err != nil {
		probeErr = err
	} else {
		resp, err := m.client.Do(req)
		if err != nil {
			// A failure caused by shutdown cancellation must not count
			// against the origin.
			if ctx.Err() != nil {
				return
			}
			probeErr = err
		} else {
			resp.Body.Close()
			passed = resp.StatusCode >= 200 && resp.StatusCode < 300
		}
	}

	healthy, flipped := o.RecordCheck(passed)
	if !passed {
		logging.Debug("health check failed",
			zap.String("origin", o.ID()),
			zap.String("url", url),
			zap.Error(probeErr),
		)
	}

	if flipped {
		logging.Info("origin health changed",
			zap.String("origin", o.ID()),
			zap.Bool("healthy", healthy),
		)
		if m.onChange != nil {
			go m.onChange(o.ID(), healthy)
		}
	}
}
