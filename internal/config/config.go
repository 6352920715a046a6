package config

import (
	"fmt"
	"time"
)

// BalancingMode selects how an endpoint distributes requests across origins.
type BalancingMode string

const (
	BalanceRoundRobin BalancingMode = "round_robin"
	BalanceRandom     BalancingMode = "random"
)

// Config is the root configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
	History   HistoryConfig    `yaml:"history"`
	Proxy     ProxyConfig      `yaml:"proxy"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Origins   []OriginConfig   `yaml:"origins"`
}

// ServerConfig defines the inbound listener settings
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`               // default 8080
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"` // default 10s
	IdleTimeout       time.Duration `yaml:"idle_timeout"`        // default 60s
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`      // default 15s
}

// MetricsConfig exposes Prometheus metrics on a separate listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"` // default 9090
	Path    string `yaml:"path"` // default "/metrics"
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ProxyConfig holds global proxy behavior.
type ProxyConfig struct {
	// BlockedHeaders are stripped from outbound requests for endpoints
	// that opt in via use_global_blocked_headers.
	BlockedHeaders []string `yaml:"blocked_headers"`
}

// HistoryConfig configures request history capture.
type HistoryConfig struct {
	Capture       CaptureConfig `yaml:"capture"`
	Store         string        `yaml:"store"`           // memory, redis, file; default memory
	QueueSize     int           `yaml:"queue_size"`      // default 1024
	Retention     time.Duration `yaml:"retention"`       // default 1h (memory store)
	CleanupPeriod time.Duration `yaml:"cleanup_period"`  // default 1m (memory store)
	MaxEntries    int           `yaml:"max_entries"`     // default 10000
	Redis         RedisConfig   `yaml:"redis"`
	File          FileLogConfig `yaml:"file"`
}

// RedisConfig defines the Redis connection for the redis history store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"` // list key, default "relay:history"
}

// FileLogConfig defines the rotating file sink for the file history store.
type FileLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`  // default 100
	MaxBackups int    `yaml:"max_backups"`  // default 5
	MaxAgeDays int    `yaml:"max_age_days"` // default 7
}

// CaptureConfig selects what request history records include.
// Flags merge across global/endpoint/origin scopes with OR semantics;
// MaxBodySize takes the largest configured value.
type CaptureConfig struct {
	RequestHeaders  bool  `yaml:"request_headers"`
	RequestBody     bool  `yaml:"request_body"`
	ResponseHeaders bool  `yaml:"response_headers"`
	ResponseBody    bool  `yaml:"response_body"`
	MaxBodySize     int64 `yaml:"max_body_size"` // bytes, default 65536 when any body flag set
}

// RewriteRule maps a matched inbound URL pattern to an outbound pattern.
// Both sides use {name} placeholders; names must appear in the from pattern.
type RewriteRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// RouteGroups holds the two pattern groups of an endpoint, keyed by HTTP method.
// The unauthenticated group is always consulted first.
type RouteGroups struct {
	Unauthenticated map[string][]string `yaml:"unauthenticated"`
	Authenticated   map[string][]string `yaml:"authenticated"`
}

// EndpointConfig is the static configuration of one endpoint.
type EndpointConfig struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name"`
	Routes RouteGroups `yaml:"routes"`

	// Rewrite rules per HTTP method, tried in order; first match wins.
	Rewrite map[string][]RewriteRule `yaml:"rewrite"`

	Origins   []string      `yaml:"origins"`
	Balancing BalancingMode `yaml:"balancing"` // default round_robin

	Timeout     time.Duration `yaml:"timeout"`       // 0 = no timeout
	MaxBodySize int64         `yaml:"max_body_size"` // bytes, 0 = unlimited

	Retries RetryConfig `yaml:"retries"`

	BlockHTTP10             bool     `yaml:"block_http10"`
	BlockedHeaders          []string `yaml:"blocked_headers"`
	UseGlobalBlockedHeaders bool     `yaml:"use_global_blocked_headers"`

	// ForwardAuthContext forwards the caller's authentication metadata
	// to the origin as a base64-encoded header.
	ForwardAuthContext bool `yaml:"forward_auth_context"`

	Capture CaptureConfig `yaml:"capture"`
}

// RetryConfig controls origin-failover retry on upstream failure.
type RetryConfig struct {
	Enabled bool `yaml:"enabled"`
	Count   int  `yaml:"count"` // extra attempts, default 1 when enabled
}

// HealthCheckConfig defines per-origin health probing.
type HealthCheckConfig struct {
	Method             string        `yaml:"method"`              // default "HEAD"
	Path               string        `yaml:"path"`                // default "/health"
	Interval           time.Duration `yaml:"interval"`            // default 10s
	HealthyThreshold   int           `yaml:"healthy_threshold"`   // default 1
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"` // default 3
}

// OriginConfig is the static configuration of one origin server.
type OriginConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`

	HealthCheck HealthCheckConfig `yaml:"health_check"`

	MaxParallelRequests int64 `yaml:"max_parallel_requests"` // default 64
	RateLimitThreshold  int64 `yaml:"rate_limit_threshold"`  // default 128

	Capture CaptureConfig `yaml:"capture"`
}

// Scheme returns the URL scheme for this origin.
func (o *OriginConfig) Scheme() string {
	if o.TLS {
		return "https"
	}
	return "http"
}

// Address returns host:port for this origin.
func (o *OriginConfig) Address() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// applyDefaults fills zero values across the whole tree.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 15 * time.Second
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.History.Store == "" {
		c.History.Store = "memory"
	}
	if c.History.QueueSize == 0 {
		c.History.QueueSize = 1024
	}
	if c.History.Retention == 0 {
		c.History.Retention = time.Hour
	}
	if c.History.CleanupPeriod == 0 {
		c.History.CleanupPeriod = time.Minute
	}
	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = 10000
	}
	if c.History.Redis.Key == "" {
		c.History.Redis.Key = "relay:history"
	}
	if c.History.File.MaxSizeMB == 0 {
		c.History.File.MaxSizeMB = 100
	}
	if c.History.File.MaxBackups == 0 {
		c.History.File.MaxBackups = 5
	}
	if c.History.File.MaxAgeDays == 0 {
		c.History.File.MaxAgeDays = 7
	}

	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Balancing == "" {
			ep.Balancing = BalanceRoundRobin
		}
		if ep.Retries.Enabled && ep.Retries.Count == 0 {
			ep.Retries.Count = 1
		}
	}

	for i := range c.Origins {
		o := &c.Origins[i]
		if o.HealthCheck.Method == "" {
			o.HealthCheck.Method = "HEAD"
		}
		if o.HealthCheck.Path == "" {
			o.HealthCheck.Path = "/health"
		}
		if o.HealthCheck.Interval == 0 {
			o.HealthCheck.Interval = 10 * time.Second
		}
		if o.HealthCheck.HealthyThreshold == 0 {
			o.HealthCheck.HealthyThreshold = 1
		}
		if o.HealthCheck.UnhealthyThreshold == 0 {
			o.HealthCheck.UnhealthyThreshold = 3
		}
		if o.MaxParallelRequests == 0 {
			o.MaxParallelRequests = 64
		}
		if o.RateLimitThreshold == 0 {
			o.RateLimitThreshold = 128
		}
	}
}
