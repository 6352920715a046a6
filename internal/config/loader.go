package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader loads and validates configuration files
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads, parses, defaults and validates a YAML config file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return l.Parse(data)
}

// Parse parses raw YAML bytes into a validated Config.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand ${ENV_VAR} references before parsing
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-references and value ranges. Configuration errors are
// fatal at load time; the request pipeline assumes a well-formed config.
func (c *Config) Validate() error {
	originIDs := make(map[string]bool, len(c.Origins))
	for i := range c.Origins {
		o := &c.Origins[i]
		if o.ID == "" {
			return fmt.Errorf("origin %d: id is required", i)
		}
		if originIDs[o.ID] {
			return fmt.Errorf("origin %q: duplicate id", o.ID)
		}
		originIDs[o.ID] = true

		if o.Host == "" {
			return fmt.Errorf("origin %q: host is required", o.ID)
		}
		if o.Port <= 0 || o.Port > 65535 {
			return fmt.Errorf("origin %q: invalid port %d", o.ID, o.Port)
		}
		if o.HealthCheck.HealthyThreshold <= 0 {
			return fmt.Errorf("origin %q: healthy_threshold must be positive", o.ID)
		}
		if o.HealthCheck.UnhealthyThreshold <= 0 {
			return fmt.Errorf("origin %q: unhealthy_threshold must be positive", o.ID)
		}
		if o.MaxParallelRequests <= 0 {
			return fmt.Errorf("origin %q: max_parallel_requests must be positive", o.ID)
		}
		if o.RateLimitThreshold <= 0 {
			return fmt.Errorf("origin %q: rate_limit_threshold must be positive", o.ID)
		}
	}

	endpointIDs := make(map[string]bool, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.ID == "" {
			return fmt.Errorf("endpoint %d: id is required", i)
		}
		if endpointIDs[ep.ID] {
			return fmt.Errorf("endpoint %q: duplicate id", ep.ID)
		}
		endpointIDs[ep.ID] = true

		if ep.Balancing != BalanceRoundRobin && ep.Balancing != BalanceRandom {
			return fmt.Errorf("endpoint %q: unknown balancing mode %q", ep.ID, ep.Balancing)
		}
		if len(ep.Origins) == 0 {
			return fmt.Errorf("endpoint %q: at least one origin is required", ep.ID)
		}
		for _, id := range ep.Origins {
			if !originIDs[id] {
				return fmt.Errorf("endpoint %q: unknown origin %q", ep.ID, id)
			}
		}
		if len(ep.Routes.Unauthenticated) == 0 && len(ep.Routes.Authenticated) == 0 {
			return fmt.Errorf("endpoint %q: no routes configured", ep.ID)
		}
		if err := validateRouteGroup(ep.ID, "unauthenticated", ep.Routes.Unauthenticated); err != nil {
			return err
		}
		if err := validateRouteGroup(ep.ID, "authenticated", ep.Routes.Authenticated); err != nil {
			return err
		}
		for method, rules := range ep.Rewrite {
			if !validMethod(method) {
				return fmt.Errorf("endpoint %q: invalid rewrite method %q", ep.ID, method)
			}
			for _, rule := range rules {
				if rule.From == "" || rule.To == "" {
					return fmt.Errorf("endpoint %q: rewrite rule needs from and to", ep.ID)
				}
			}
		}
		if ep.Timeout < 0 {
			return fmt.Errorf("endpoint %q: timeout must not be negative", ep.ID)
		}
		if ep.MaxBodySize < 0 {
			return fmt.Errorf("endpoint %q: max_body_size must not be negative", ep.ID)
		}
	}

	switch c.History.Store {
	case "memory", "redis", "file":
	default:
		return fmt.Errorf("history: unknown store %q", c.History.Store)
	}
	if c.History.Store == "redis" && c.History.Redis.Addr == "" {
		return fmt.Errorf("history: redis store requires redis.addr")
	}
	if c.History.Store == "file" && c.History.File.Path == "" {
		return fmt.Errorf("history: file store requires file.path")
	}

	return nil
}

func validateRouteGroup(endpointID, group string, routes map[string][]string) error {
	for method, patterns := range routes {
		if !validMethod(method) {
			return fmt.Errorf("endpoint %q: invalid method %q in %s routes", endpointID, method, group)
		}
		if len(patterns) == 0 {
			return fmt.Errorf("endpoint %q: empty pattern list for %s %s", endpointID, group, method)
		}
		for _, p := range patterns {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("endpoint %q: pattern %q must start with /", endpointID, p)
			}
		}
	}
	return nil
}

func validMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodPatch, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// EndpointByID returns the endpoint with the given id, or nil.
func (c *Config) EndpointByID(id string) *EndpointConfig {
	for i := range c.Endpoints {
		if c.Endpoints[i].ID == id {
			return &c.Endpoints[i]
		}
	}
	return nil
}

// OriginByID returns the origin with the given id, or nil.
func (c *Config) OriginByID(id string) *OriginConfig {
	for i := range c.Origins {
		if c.Origins[i].ID == id {
			return &c.Origins[i]
		}
	}
	return nil
}
