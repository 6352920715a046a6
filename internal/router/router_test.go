package router

import (
	"testing"

	"github.com/wudi/relay/internal/config"
)

func testEndpoints() []config.EndpointConfig {
	return []config.EndpointConfig{
		{
			ID: "users",
			Routes: config.RouteGroups{
				Unauthenticated: map[string][]string{
					"GET": {"/api/users/{id}", "/api/users"},
				},
				Authenticated: map[string][]string{
					"POST":   {"/api/users"},
					"DELETE": {"/api/users/{id}"},
				},
			},
		},
		{
			ID: "orders",
			Routes: config.RouteGroups{
				Unauthenticated: map[string][]string{
					"GET": {"/api/orders/{orderId}/items/{itemId}"},
				},
			},
		},
		{
			ID: "catchall-users",
			Routes: config.RouteGroups{
				Unauthenticated: map[string][]string{
					"GET": {"/api/users/{anything}"},
				},
			},
		},
	}
}

func TestTableMatch(t *testing.T) {
	table := NewTable(testEndpoints())

	tests := []struct {
		name         string
		method       string
		path         string
		wantEndpoint string
		wantAuth     bool
		wantPattern  string
		wantParams   map[string]string
	}{
		{
			name:         "param match",
			method:       "GET",
			path:         "/api/users/42",
			wantEndpoint: "users",
			wantPattern:  "/api/users/{id}",
			wantParams:   map[string]string{"id": "42"},
		},
		{
			name:         "literal match",
			method:       "GET",
			path:         "/api/users",
			wantEndpoint: "users",
			wantPattern:  "/api/users",
		},
		{
			name:         "authenticated group",
			method:       "POST",
			path:         "/api/users",
			wantEndpoint: "users",
			wantAuth:     true,
			wantPattern:  "/api/users",
		},
		{
			name:         "authenticated with param",
			method:       "DELETE",
			path:         "/api/users/7",
			wantEndpoint: "users",
			wantAuth:     true,
			wantParams:   map[string]string{"id": "7"},
		},
		{
			name:         "multiple params",
			method:       "GET",
			path:         "/api/orders/10/items/20",
			wantEndpoint: "orders",
			wantParams:   map[string]string{"orderid": "10", "itemid": "20"},
		},
		{
			name:         "lowercase method",
			method:       "get",
			path:         "/api/users/42",
			wantEndpoint: "users",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := table.Match(tt.method, tt.path)
			if !ok {
				t.Fatalf("expected match for %s %s", tt.method, tt.path)
			}
			if m.Endpoint.ID != tt.wantEndpoint {
				t.Errorf("endpoint = %q, want %q", m.Endpoint.ID, tt.wantEndpoint)
			}
			if m.AuthRequired != tt.wantAuth {
				t.Errorf("authRequired = %v, want %v", m.AuthRequired, tt.wantAuth)
			}
			if tt.wantPattern != "" && m.Pattern != tt.wantPattern {
				t.Errorf("pattern = %q, want %q", m.Pattern, tt.wantPattern)
			}
			for k, v := range tt.wantParams {
				if got, ok := m.Param(k); !ok || got != v {
					t.Errorf("param %q = %q (present=%v), want %q", k, got, ok, v)
				}
			}
		})
	}
}

func TestTableNoMatch(t *testing.T) {
	table := NewTable(testEndpoints())

	tests := []struct {
		method string
		path   string
	}{
		{"GET", "/api/unknown"},
		{"PUT", "/api/users/42"},
		{"GET", "/api/users/42/extra"},
		{"GET", "/"},
	}

	for _, tt := range tests {
		if m, ok := table.Match(tt.method, tt.path); ok {
			t.Errorf("%s %s: expected no match, got endpoint %q", tt.method, tt.path, m.Endpoint.ID)
		}
	}
}

// Endpoints are tried in configured order: the first endpoint's pattern wins
// even when a later endpoint would also match.
func TestTableMatchOrder(t *testing.T) {
	table := NewTable(testEndpoints())

	m, ok := table.Match("GET", "/api/users/99")
	if !ok {
		t.Fatal("expected match")
	}
	if m.Endpoint.ID != "users" {
		t.Errorf("endpoint = %q, want %q (configured first)", m.Endpoint.ID, "users")
	}
}

// The unauthenticated group is consulted before the authenticated group
// within one endpoint.
func TestUnauthenticatedGroupFirst(t *testing.T) {
	table := NewTable([]config.EndpointConfig{{
		ID: "mixed",
		Routes: config.RouteGroups{
			Unauthenticated: map[string][]string{"GET": {"/things/{id}"}},
			Authenticated:   map[string][]string{"GET": {"/things/{id}"}},
		},
	}})

	m, ok := table.Match("GET", "/things/1")
	if !ok {
		t.Fatal("expected match")
	}
	if m.AuthRequired {
		t.Error("expected unauthenticated group to win")
	}
}

func TestParamCaseInsensitive(t *testing.T) {
	table := NewTable([]config.EndpointConfig{{
		ID: "ep",
		Routes: config.RouteGroups{
			Unauthenticated: map[string][]string{"GET": {"/v/{UserID}"}},
		},
	}})

	m, ok := table.Match("GET", "/v/abc")
	if !ok {
		t.Fatal("expected match")
	}
	if got, ok := m.Param("userid"); !ok || got != "abc" {
		t.Errorf("Param(userid) = %q, %v", got, ok)
	}
	if got, ok := m.Param("USERID"); !ok || got != "abc" {
		t.Errorf("Param(USERID) = %q, %v", got, ok)
	}
}
