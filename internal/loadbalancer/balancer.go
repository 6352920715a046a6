// Package loadbalancer selects a healthy origin for a matched endpoint.
// Round-robin cursors are live routing state owned by the balancer, keyed by
// endpoint id; they are deliberately not stored on the endpoint config.
package loadbalancer

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/registry"
)

// ErrNoOrigin means no configured origin for the endpoint is currently healthy.
var ErrNoOrigin = errors.New("no healthy origin available")

// cursor is the per-endpoint round-robin position.
type cursor struct {
	mu        sync.Mutex
	lastIndex int
}

// Balancer picks origins for endpoints using the endpoint's configured mode.
type Balancer struct {
	registry *registry.Registry

	mu      sync.Mutex
	cursors map[string]*cursor

	// rng is shared across endpoints; guarded by rngMu since math/rand
	// sources are not safe for concurrent use.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a balancer over the given registry.
func New(reg *registry.Registry) *Balancer {
	return &Balancer{
		registry: reg,
		cursors:  make(map[string]*cursor),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick returns a healthy origin for the endpoint, or ErrNoOrigin.
//
// The candidate set is the endpoint's configured origins filtered by current
// health, read per-origin without a cross-origin lock: it is a best-effort
// snapshot, and the index→origin mapping may shift between calls as health
// changes. Round-robin therefore sequences indexes fairly without promising
// a globally stable rotation.
func (b *Balancer) Pick(ep *config.EndpointConfig) (*registry.Origin, error) {
	candidates := b.candidates(ep)
	if len(candidates) == 0 {
		return nil, ErrNoOrigin
	}
	return b.pickFrom(ep, candidates)
}

// PickExcluding behaves like Pick but skips the given origin ids
// (failover retry after an upstream failure).
func (b *Balancer) PickExcluding(ep *config.EndpointConfig, exclude map[string]bool) (*registry.Origin, error) {
	all := b.candidates(ep)
	candidates := all[:0:0]
	for _, o := range all {
		if !exclude[o.ID()] {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoOrigin
	}
	return b.pickFrom(ep, candidates)
}

func (b *Balancer) pickFrom(ep *config.EndpointConfig, candidates []*registry.Origin) (*registry.Origin, error) {
	switch ep.Balancing {
	case config.BalanceRandom:
		return b.pickRandom(ep.ID, candidates), nil
	default:
		return b.pickRoundRobin(ep.ID, candidates), nil
	}
}

// candidates filters the endpoint's origins by health, preserving order.
func (b *Balancer) candidates(ep *config.EndpointConfig) []*registry.Origin {
	out := make([]*registry.Origin, 0, len(ep.Origins))
	for _, id := range ep.Origins {
		o := b.registry.Get(id)
		if o != nil && o.Healthy() {
			out = append(out, o)
		}
	}
	return out
}

// pickRoundRobin selects candidates[lastIndex] and advances the cursor.
// If the healthy set shrank since the last pick, the cursor resets to 0.
func (b *Balancer) pickRoundRobin(endpointID string, candidates []*registry.Origin) *registry.Origin {
	c := b.cursor(endpointID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastIndex >= len(candidates) {
		c.lastIndex = 0
	}
	picked := candidates[c.lastIndex]
	c.lastIndex = (c.lastIndex + 1) % len(candidates)
	return picked
}

// pickRandom selects a uniformly random candidate. The cursor is updated to
// the pick so diagnostics show the last selection; round-robin state is not
// otherwise used in random mode.
func (b *Balancer) pickRandom(endpointID string, candidates []*registry.Origin) *registry.Origin {
	b.rngMu.Lock()
	idx := b.rng.Intn(len(candidates))
	b.rngMu.Unlock()

	c := b.cursor(endpointID)
	c.mu.Lock()
	c.lastIndex = idx
	c.mu.Unlock()

	return candidates[idx]
}

func (b *Balancer) cursor(endpointID string) *cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cursors[endpointID]
	if !ok {
		c = &cursor{}
		b.cursors[endpointID] = c
	}
	return c
}

// Forget drops the cursor for an endpoint removed from configuration.
func (b *Balancer) Forget(endpointID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cursors, endpointID)
}
