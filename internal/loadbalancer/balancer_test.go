package loadbalancer

import (
	"errors"
	"testing"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/registry"
)

func testRegistry(ids ...string) *registry.Registry {
	cfgs := make([]config.OriginConfig, 0, len(ids))
	for i, id := range ids {
		cfgs = append(cfgs, config.OriginConfig{
			ID:   id,
			Host: "127.0.0.1",
			Port: 9000 + i,
			HealthCheck: config.HealthCheckConfig{
				HealthyThreshold:   1,
				UnhealthyThreshold: 1,
			},
			MaxParallelRequests: 4,
		})
	}
	return registry.New(cfgs)
}

func markUnhealthy(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	o := reg.Get(id)
	if o == nil {
		t.Fatalf("origin %q not in registry", id)
	}
	o.RecordCheck(false)
}

func TestRoundRobinRotation(t *testing.T) {
	reg := testRegistry("a", "b", "c")
	b := New(reg)
	ep := &config.EndpointConfig{ID: "ep", Origins: []string{"a", "b", "c"}}

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		o, err := b.Pick(ep)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		counts[o.ID()]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 3 {
			t.Errorf("origin %q picked %d times, want 3 (counts %v)", id, counts[id], counts)
		}
	}
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	reg := testRegistry("a", "b")
	b := New(reg)
	ep := &config.EndpointConfig{ID: "ep", Origins: []string{"a", "b"}}

	markUnhealthy(t, reg, "a")

	for i := 0; i < 4; i++ {
		o, err := b.Pick(ep)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if o.ID() != "b" {
			t.Fatalf("pick %d: got %q, want b", i, o.ID())
		}
	}
}

func TestPickNoHealthyOrigin(t *testing.T) {
	reg := testRegistry("a")
	b := New(reg)
	ep := &config.EndpointConfig{ID: "ep", Origins: []string{"a"}}

	markUnhealthy(t, reg, "a")

	if _, err := b.Pick(ep); !errors.Is(err, ErrNoOrigin) {
		t.Fatalf("err = %v, want ErrNoOrigin", err)
	}
}

// The cursor resets when the healthy set shrinks below its position instead
// of indexing out of range.
func TestRoundRobinCursorResetOnShrink(t *testing.T) {
	reg := testRegistry("a", "b", "c")
	b := New(reg)
	ep := &config.EndpointConfig{ID: "ep", Origins: []string{"a", "b", "c"}}

	// Advance the cursor to index 2.
	b.Pick(ep)
	b.Pick(ep)

	markUnhealthy(t, reg, "b")
	markUnhealthy(t, reg, "c")

	o, err := b.Pick(ep)
	if err != nil {
		t.Fatal(err)
	}
	if o.ID() != "a" {
		t.Fatalf("got %q, want a", o.ID())
	}
}

func TestRandomCoversAllOrigins(t *testing.T) {
	reg := testRegistry("a", "b")
	b := New(reg)
	ep := &config.EndpointConfig{
		ID:        "ep",
		Origins:   []string{"a", "b"},
		Balancing: config.BalanceRandom,
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		o, err := b.Pick(ep)
		if err != nil {
			t.Fatal(err)
		}
		seen[o.ID()] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("random picks over 100 draws hit %v, want both origins", seen)
	}
}

func TestPickExcluding(t *testing.T) {
	reg := testRegistry("a", "b")
	b := New(reg)
	ep := &config.EndpointConfig{ID: "ep", Origins: []string{"a", "b"}}

	for i := 0; i < 4; i++ {
		o, err := b.PickExcluding(ep, map[string]bool{"a": true})
		if err != nil {
			t.Fatal(err)
		}
		if o.ID() != "b" {
			t.Fatalf("got %q, want b", o.ID())
		}
	}

	if _, err := b.PickExcluding(ep, map[string]bool{"a": true, "b": true}); !errors.Is(err, ErrNoOrigin) {
		t.Fatalf("err = %v, want ErrNoOrigin", err)
	}
}

// Cursors are independent per endpoint.
func TestCursorsPerEndpoint(t *testing.T) {
	reg := testRegistry("a", "b")
	b := New(reg)
	ep1 := &config.EndpointConfig{ID: "one", Origins: []string{"a", "b"}}
	ep2 := &config.EndpointConfig{ID: "two", Origins: []string{"a", "b"}}

	o1, _ := b.Pick(ep1)
	o2, _ := b.Pick(ep2)
	if o1.ID() != o2.ID() {
		t.Fatalf("fresh cursors should both start at the first healthy origin: %q vs %q", o1.ID(), o2.ID())
	}

	b.Forget("one")
	o3, _ := b.Pick(ep1)
	if o3.ID() != o1.ID() {
		t.Fatalf("forgotten cursor should restart: got %q, want %q", o3.ID(), o1.ID())
	}
}
