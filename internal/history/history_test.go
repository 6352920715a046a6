package history

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/wudi/relay/internal/config"
)

func serviceWith(t *testing.T, cfg *config.Config, store Store, queueSize int, onDrop func()) *Service {
	t.Helper()
	s := NewService(cfg, ServiceConfig{Store: store, QueueSize: queueSize, OnDrop: onDrop})
	t.Cleanup(s.Stop)
	return s
}

func TestEffectiveMerge(t *testing.T) {
	cfg := &config.Config{
		History: config.HistoryConfig{
			Capture: config.CaptureConfig{RequestHeaders: true},
		},
		Endpoints: []config.EndpointConfig{
			{ID: "users", Capture: config.CaptureConfig{RequestBody: true, MaxBodySize: 100}},
		},
		Origins: []config.OriginConfig{
			{ID: "o1", Capture: config.CaptureConfig{ResponseBody: true, MaxBodySize: 500}},
			{ID: "o2"},
		},
	}
	s := serviceWith(t, cfg, NewMemoryStore(MemoryStoreConfig{}), 8, nil)

	tests := []struct {
		name       string
		endpointID string
		originID   string
		want       config.CaptureConfig
	}{
		{
			name:       "all scopes merge with OR and largest cap",
			endpointID: "users",
			originID:   "o1",
			want: config.CaptureConfig{
				RequestHeaders: true,
				RequestBody:    true,
				ResponseBody:   true,
				MaxBodySize:    500,
			},
		},
		{
			name:       "origin without settings contributes nothing",
			endpointID: "users",
			originID:   "o2",
			want: config.CaptureConfig{
				RequestHeaders: true,
				RequestBody:    true,
				MaxBodySize:    100,
			},
		},
		{
			name:     "unknown ids fall back to global",
			originID: "nope",
			want:     config.CaptureConfig{RequestHeaders: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Effective(tt.endpointID, tt.originID); got != tt.want {
				t.Errorf("Effective(%q, %q) = %+v, want %+v", tt.endpointID, tt.originID, got, tt.want)
			}
		})
	}
}

// A body flag without an explicit size gets the default cap.
func TestEffectiveDefaultBodyCap(t *testing.T) {
	cfg := &config.Config{
		Endpoints: []config.EndpointConfig{
			{ID: "ep", Capture: config.CaptureConfig{ResponseBody: true}},
		},
	}
	s := serviceWith(t, cfg, NewMemoryStore(MemoryStoreConfig{}), 8, nil)

	eff := s.Effective("ep", "")
	if eff.MaxBodySize != defaultBodyCap {
		t.Fatalf("MaxBodySize = %d, want default %d", eff.MaxBodySize, defaultBodyCap)
	}
}

func TestServicePersistsAsync(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{})
	cfg := &config.Config{
		History: config.HistoryConfig{
			Capture: config.CaptureConfig{
				RequestHeaders: true,
				ResponseBody:   true,
				MaxBodySize:    4,
			},
		},
	}
	s := serviceWith(t, cfg, store, 8, nil)

	c := s.Begin("req-1")
	c.Method = "GET"
	c.Path = "/api/users/1"
	c.StatusCode = 200
	c.RequestHeaders = http.Header{"X-Custom": {"v"}}
	c.RequestBody = []byte("should be dropped")
	c.ResponseBody = []byte("truncate me")
	s.End(c)

	deadline := time.Now().Add(2 * time.Second)
	var saved []*Capture
	for time.Now().Before(deadline) {
		if saved = store.List(); len(saved) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(saved) != 1 {
		t.Fatalf("persisted %d captures, want 1", len(saved))
	}

	got := saved[0]
	if got.CorrelationID != "req-1" {
		t.Errorf("correlation id = %q, want req-1", got.CorrelationID)
	}
	if got.Duration <= 0 {
		t.Error("duration not computed")
	}
	if got.RequestHeaders == nil {
		t.Error("request headers should be kept")
	}
	if got.RequestBody != nil {
		t.Error("request body capture is disabled, field should be nil")
	}
	if string(got.ResponseBody) != "trun" {
		t.Errorf("response body = %q, want truncated %q", got.ResponseBody, "trun")
	}
}

func TestServiceDropsWhenQueueFull(t *testing.T) {
	// blockingStore stalls the worker so the queue backs up.
	release := make(chan struct{})
	store := &blockingStore{release: release}

	drops := 0
	cfg := &config.Config{}
	s := NewService(cfg, ServiceConfig{Store: store, QueueSize: 1, OnDrop: func() { drops++ }})

	// First capture occupies the worker, second fills the queue, third drops.
	s.End(s.Begin("a"))
	s.End(s.Begin("b"))

	deadline := time.Now().Add(2 * time.Second)
	for s.Dropped() == 0 && time.Now().Before(deadline) {
		s.End(s.Begin("c"))
		time.Sleep(time.Millisecond)
	}
	if s.Dropped() == 0 {
		t.Fatal("queue overflow never dropped a capture")
	}
	if drops == 0 {
		t.Fatal("drop callback never invoked")
	}

	close(release)
	s.Stop()
}

type blockingStore struct {
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, _ *Capture) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingStore) Close() error { return nil }

func TestMemoryStoreEviction(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{MaxEntries: 2, CleanupPeriod: time.Hour})
	defer store.Close()

	for _, id := range []string{"a", "b", "c"} {
		store.Save(context.Background(), &Capture{CorrelationID: id, StartTime: time.Now()})
	}

	got := store.List()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].CorrelationID != "b" || got[1].CorrelationID != "c" {
		t.Fatalf("kept %q,%q, want b,c (oldest evicted)", got[0].CorrelationID, got[1].CorrelationID)
	}
}

func TestMemoryStoreRetention(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{Retention: time.Minute, CleanupPeriod: time.Hour})
	defer store.Close()

	now := time.Now()
	store.Save(context.Background(), &Capture{CorrelationID: "old", StartTime: now.Add(-2 * time.Minute)})
	store.Save(context.Background(), &Capture{CorrelationID: "fresh", StartTime: now})

	store.evictExpired(now)

	got := store.List()
	if len(got) != 1 || got[0].CorrelationID != "fresh" {
		t.Fatalf("after eviction got %d entries, want only the fresh one", len(got))
	}
}
