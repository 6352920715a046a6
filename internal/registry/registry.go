// Package registry holds per-origin runtime state: the health state machine,
// in-flight request counters, and the concurrency limiter. Static origin
// configuration lives in the config package; this package owns everything
// that mutates at runtime.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/wudi/relay/internal/config"
)

// counterCap bounds the consecutive pass/fail counters so a long streak
// cannot overflow.
const counterCap = 99

// Origin is the runtime state of one origin server.
type Origin struct {
	cfg config.OriginConfig

	// Health state machine. The mutex guards the multi-field invariant:
	// a success resets the failure counter and vice versa, and the healthy
	// flag only flips when the relevant counter crosses its threshold.
	mu               sync.Mutex
	healthy          bool
	consecutivePass  int
	consecutiveFail  int

	// In-flight accounting, mutated lock-free by the admission controller.
	active  atomic.Int64
	pending atomic.Int64

	// Slots bounds concurrent requests to MaxParallelRequests.
	slots *semaphore.Weighted
}

// NewOrigin creates runtime state for an origin. Origins start healthy so
// traffic can flow before the first health check completes.
func NewOrigin(cfg config.OriginConfig) *Origin {
	return &Origin{
		cfg:     cfg,
		healthy: true,
		slots:   semaphore.NewWeighted(cfg.MaxParallelRequests),
	}
}

// Config returns the origin's static configuration.
func (o *Origin) Config() config.OriginConfig {
	return o.cfg
}

// ID returns the origin identifier.
func (o *Origin) ID() string {
	return o.cfg.ID
}

// BaseURL returns scheme://host:port for this origin.
func (o *Origin) BaseURL() string {
	return fmt.Sprintf("%s://%s", o.cfg.Scheme(), o.cfg.Address())
}

// Healthy reports the current health state under the origin's own lock.
func (o *Origin) Healthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.healthy
}

// RecordCheck feeds one health check outcome into the state machine and
// returns the new state plus whether it flipped. All failure causes count
// the same; there is no per-cause severity.
func (o *Origin) RecordCheck(passed bool) (healthy, flipped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if passed {
		o.consecutiveFail = 0
		if o.consecutivePass < counterCap {
			o.consecutivePass++
		}
		if !o.healthy && o.consecutivePass >= o.cfg.HealthCheck.HealthyThreshold {
			o.healthy = true
			flipped = true
		}
	} else {
		o.consecutivePass = 0
		if o.consecutiveFail < counterCap {
			o.consecutiveFail++
		}
		if o.healthy && o.consecutiveFail >= o.cfg.HealthCheck.UnhealthyThreshold {
			o.healthy = false
			flipped = true
		}
	}

	return o.healthy, flipped
}

// Active returns the number of requests currently in flight against this origin.
func (o *Origin) Active() int64 { return o.active.Load() }

// Pending returns the number of requests queued for a slot on this origin.
func (o *Origin) Pending() int64 { return o.pending.Load() }

// Load returns active+pending, the value the soft rate limit compares
// against the threshold.
func (o *Origin) Load() int64 { return o.active.Load() + o.pending.Load() }

// AddActive adjusts the active counter.
func (o *Origin) AddActive(delta int64) { o.active.Add(delta) }

// AddPending adjusts the pending counter.
func (o *Origin) AddPending(delta int64) { o.pending.Add(delta) }

// Slots returns the origin's concurrency limiter.
func (o *Origin) Slots() *semaphore.Weighted { return o.slots }

// Registry maps origin ids to their runtime state.
type Registry struct {
	mu      sync.RWMutex
	origins map[string]*Origin
}

// New creates a registry populated from origin configs.
func New(origins []config.OriginConfig) *Registry {
	r := &Registry{origins: make(map[string]*Origin, len(origins))}
	for _, cfg := range origins {
		r.origins[cfg.ID] = NewOrigin(cfg)
	}
	return r
}

// Get returns the origin with the given id, or nil.
func (r *Registry) Get(id string) *Origin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.origins[id]
}

// Upsert adds a new origin or replaces one whose static config changed.
// Replacing resets runtime state (counters, limiter); an unchanged config
// keeps the existing state. Returns the live origin and whether it is new.
func (r *Registry) Upsert(cfg config.OriginConfig) (*Origin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.origins[cfg.ID]; ok {
		if existing.cfg == cfg {
			return existing, false
		}
	}
	o := NewOrigin(cfg)
	r.origins[cfg.ID] = o
	return o, true
}

// Remove deletes an origin from the registry. In-flight requests holding its
// semaphore finish against the removed object.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.origins, id)
}

// Snapshot returns all current origins.
func (r *Registry) Snapshot() []*Origin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Origin, 0, len(r.origins))
	for _, o := range r.origins {
		out = append(out, o)
	}
	return out
}
