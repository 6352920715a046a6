package history

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wudi/relay/internal/config"
)

// Store persists finalized captures.
type Store interface {
	Save(ctx context.Context, c *Capture) error
	Close() error
}

// NewStore builds the store selected by configuration.
func NewStore(cfg config.HistoryConfig) (Store, error) {
	switch cfg.Store {
	case "redis":
		return NewRedisStore(cfg), nil
	case "file":
		return NewFileStore(cfg.File), nil
	default:
		return NewMemoryStore(MemoryStoreConfig{
			Retention:     cfg.Retention,
			CleanupPeriod: cfg.CleanupPeriod,
			MaxEntries:    cfg.MaxEntries,
		}), nil
	}
}

// MemoryStoreConfig holds memory store settings.
type MemoryStoreConfig struct {
	Retention     time.Duration // default 1h
	CleanupPeriod time.Duration // default 1m
	MaxEntries    int           // default 10000
}

// MemoryStore keeps recent captures in memory with a periodic retention
// cleanup loop and a hard entry cap.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Capture

	retention  time.Duration
	maxEntries int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryStore creates a memory store and starts its cleanup loop.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}

	m := &MemoryStore{
		retention:  cfg.Retention,
		maxEntries: cfg.MaxEntries,
		stopCh:     make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(cfg.CleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.evictExpired(time.Now())
			case <-m.stopCh:
				return
			}
		}
	}()

	return m
}

// Save appends a capture, evicting the oldest entry when full.
func (m *MemoryStore) Save(_ context.Context, c *Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.maxEntries {
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, c)
	return nil
}

// List returns captures newest-last.
func (m *MemoryStore) List() []*Capture {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Capture, len(m.entries))
	copy(out, m.entries)
	return out
}

// evictExpired removes captures older than the retention window. Entries are
// appended in start-time order, so the cutoff is a prefix.
func (m *MemoryStore) evictExpired(now time.Time) {
	cutoff := now.Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.entries) && m.entries[i].StartTime.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.entries = append([]*Capture(nil), m.entries[i:]...)
	}
}

// Close stops the cleanup loop.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

// RedisStore keeps captures in a capped Redis list with a TTL.
type RedisStore struct {
	client     *redis.Client
	key        string
	maxEntries int64
	retention  time.Duration
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(cfg config.HistoryConfig) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}),
		key:        cfg.Redis.Key,
		maxEntries: int64(cfg.MaxEntries),
		retention:  cfg.Retention,
	}
}

// Save pushes the capture and trims the list to the entry cap.
func (r *RedisStore) Save(ctx context.Context, c *Capture) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, r.maxEntries-1)
	if r.retention > 0 {
		pipe.Expire(ctx, r.key, r.retention)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// FileStore writes captures as JSON lines through a rotating file writer.
type FileStore struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	enc    *json.Encoder
}

// NewFileStore creates a rotating-file store.
func NewFileStore(cfg config.FileLogConfig) *FileStore {
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return &FileStore{
		writer: w,
		enc:    json.NewEncoder(w),
	}
}

// Save writes one JSON line.
func (f *FileStore) Save(_ context.Context, c *Capture) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enc.Encode(c)
}

// Close closes the underlying file.
func (f *FileStore) Close() error {
	return f.writer.Close()
}
