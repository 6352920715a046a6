// Package router matches inbound method+path pairs against configured
// endpoints' URL pattern groups and extracts path parameters.
package router

import (
	"strings"

	"github.com/wudi/relay/internal/config"
)

// MatchedRoute is the result of resolving one inbound request.
type MatchedRoute struct {
	Endpoint     *config.EndpointConfig
	AuthRequired bool
	Pattern      string
	// Params maps parameter names (lower-cased) to matched path segments.
	Params map[string]string
}

// Param returns a path parameter by name, case-insensitively.
func (m *MatchedRoute) Param(name string) (string, bool) {
	v, ok := m.Params[strings.ToLower(name)]
	return v, ok
}

// compiledPattern is a pre-split URL pattern. Segments starting with '{'
// are parameters; everything else must match literally (case-sensitive for
// literals, per URL path semantics).
type compiledPattern struct {
	raw      string
	segments []string
}

// endpointRoutes holds one endpoint's compiled pattern groups keyed by method.
type endpointRoutes struct {
	endpoint *config.EndpointConfig
	unauth   map[string][]compiledPattern
	auth     map[string][]compiledPattern
}

// Table is an immutable matching table built from endpoint configs.
// Rebuild and swap the whole table on config reload; Match performs no
// locking and no I/O.
type Table struct {
	endpoints []endpointRoutes
}

// NewTable compiles endpoint route groups, preserving configuration order.
func NewTable(endpoints []config.EndpointConfig) *Table {
	t := &Table{endpoints: make([]endpointRoutes, 0, len(endpoints))}
	for i := range endpoints {
		ep := &endpoints[i]
		t.endpoints = append(t.endpoints, endpointRoutes{
			endpoint: ep,
			unauth:   compileGroup(ep.Routes.Unauthenticated),
			auth:     compileGroup(ep.Routes.Authenticated),
		})
	}
	return t
}

func compileGroup(group map[string][]string) map[string][]compiledPattern {
	out := make(map[string][]compiledPattern, len(group))
	for method, patterns := range group {
		compiled := make([]compiledPattern, 0, len(patterns))
		for _, p := range patterns {
			compiled = append(compiled, compiledPattern{raw: p, segments: splitPath(p)})
		}
		out[strings.ToUpper(method)] = compiled
	}
	return out
}

// Match resolves a method and raw path (query already stripped) to a route.
// Endpoints are tried in configured order; per endpoint the unauthenticated
// group is consulted before the authenticated group, and patterns within a
// group in configured list order. The first pattern that matches wins.
func (t *Table) Match(method, path string) (*MatchedRoute, bool) {
	method = strings.ToUpper(method)
	segments := splitPath(path)

	for i := range t.endpoints {
		er := &t.endpoints[i]

		for _, p := range er.unauth[method] {
			if params, ok := matchSegments(p.segments, segments); ok {
				return &MatchedRoute{
					Endpoint: er.endpoint,
					Pattern:  p.raw,
					Params:   params,
				}, true
			}
		}

		for _, p := range er.auth[method] {
			if params, ok := matchSegments(p.segments, segments); ok {
				return &MatchedRoute{
					Endpoint:     er.endpoint,
					AuthRequired: true,
					Pattern:      p.raw,
					Params:       params,
				}, true
			}
		}
	}

	return nil, false
}

// matchSegments matches request path segments against pattern segments.
// A {name} pattern segment captures the corresponding request segment.
func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}

	var params map[string]string
	for i, seg := range pattern {
		if name, ok := paramName(seg); ok {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[strings.ToLower(name)] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}

// paramName extracts the name from a "{name}" segment.
func paramName(seg string) (string, bool) {
	if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
