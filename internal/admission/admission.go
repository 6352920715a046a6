// Package admission applies per-origin overload protection: a soft rate
// limit that rejects immediately and a hard concurrency bound that queues.
package admission

import (
	"context"
	"errors"
	"sync"

	"github.com/wudi/relay/internal/registry"
)

// ErrRateLimited means the origin's combined active+pending load exceeds its
// rate limit threshold. Callers map this to HTTP 429.
var ErrRateLimited = errors.New("origin over rate limit threshold")

// Controller admits requests against origins.
type Controller struct{}

// New creates an admission controller.
func New() *Controller {
	return &Controller{}
}

// Admit applies both mechanisms in order:
//
//  1. Soft check: if active+pending already exceeds the origin's threshold,
//     fail fast with ErrRateLimited. No queuing starts.
//  2. Hard bound: count the request as pending and wait for a concurrency
//     slot. The wait suspends with the request's context, so a caller
//     disconnect abandons the queue position.
//
// On success the request is counted active and the returned release func
// must be called exactly once when the request finishes (any outcome);
// calling it more than once is a no-op.
func (c *Controller) Admit(ctx context.Context, o *registry.Origin) (func(), error) {
	threshold := o.Config().RateLimitThreshold
	if o.Load() > threshold {
		return nil, ErrRateLimited
	}

	o.AddPending(1)
	if err := o.Slots().Acquire(ctx, 1); err != nil {
		o.AddPending(-1)
		return nil, err
	}
	o.AddActive(1)
	o.AddPending(-1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			o.Slots().Release(1)
			o.AddActive(-1)
		})
	}
	return release, nil
}
