package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, yaml string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeConfig(t, path, validYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if got := w.Config(); got == nil || len(got.Endpoints) != 1 {
		t.Fatal("initial config not loaded")
	}
}

func TestWatcherRejectsInvalidInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeConfig(t, path, "endpoints:\n  - id: broken\n")

	if _, err := NewWatcher(path); err == nil {
		t.Fatal("expected an error for an invalid initial config")
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeConfig(t, path, validYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	var mu sync.Mutex
	var reloaded []*Config
	w.OnChange(func(cfg *Config) {
		mu.Lock()
		reloaded = append(reloaded, cfg)
		mu.Unlock()
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	updated := validYAML + "    max_body_size: 2048\n"
	writeConfig(t, path, updated)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloaded)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reloaded) == 0 {
		t.Fatal("reload callback never fired")
	}
	if got := reloaded[len(reloaded)-1].Endpoints[0].MaxBodySize; got != 2048 {
		t.Fatalf("reloaded max_body_size = %d, want 2048", got)
	}
	if got := w.Config().Endpoints[0].MaxBodySize; got != 2048 {
		t.Fatalf("Config() not updated after reload: %d", got)
	}
}

// A broken rewrite keeps the previous config active.
func TestWatcherKeepsOldConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeConfig(t, path, validYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	fired := make(chan struct{}, 4)
	w.OnChange(func(*Config) { fired <- struct{}{} })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	writeConfig(t, path, "endpoints:\n  - id: broken\n")

	select {
	case <-fired:
		t.Fatal("callback fired for an invalid config")
	case <-time.After(300 * time.Millisecond):
	}
	if got := w.Config(); len(got.Endpoints) != 1 || got.Endpoints[0].ID != "users" {
		t.Fatal("previous config was not kept")
	}
}
