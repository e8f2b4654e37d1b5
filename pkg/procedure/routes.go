package procedure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/origin"
)

// APIPrefix is the reserved namespace that never falls back to a default
// route.
const APIPrefix = "/api/"

// Request is a transport-neutral inbound HTTP request. Socket-tunnelled
// requests are reconstructed into the same shape.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Headers   http.Header
	Body      []byte
	IPAddress string
	Scope     string
	// Tunnelled is set for requests that arrived over the socket transport.
	Tunnelled bool
	Raw       any
}

// Origin returns the request's Origin header.
func (r *Request) Origin() string { return r.Headers.Get("Origin") }

// Host returns the request's Host header.
func (r *Request) Host() string { return r.Headers.Get("Host") }

// RawHandler serves a non-procedural route.
type RawHandler func(ctx context.Context, req *Request) frame.Response

type RouteKind int

const (
	RouteProcedure RouteKind = iota
	RouteView
	RouteRaw
)

type Route struct {
	Scope     string
	Method    string
	Path      string
	Kind      RouteKind
	Procedure *Procedure
	Raw       RawHandler
	// Origins applies to raw routes; procedure routes use the procedure's.
	Origins origin.Policy
	// SkipRateLimit exempts the route from rate limiting.
	SkipRateLimit bool
	// AnyScope makes a default-scope route answer in every scope that has
	// no route of its own for the same method and path.
	AnyScope bool
}

// Policy returns the origin policy that governs the route.
func (r *Route) Policy() origin.Policy {
	if r.Procedure != nil {
		return r.Procedure.Origins
	}
	return r.Origins
}

type routeKey struct {
	scope, method, path string
}

// RouteTable maps (scope, method, path) to routes. It is write-once at
// startup.
type RouteTable struct {
	routes map[routeKey]*Route
}

// NewRouteTable derives routes from every procedure in reg. View bindings
// only become routes when views is true; otherwise they are skipped with a
// diagnostic.
func NewRouteTable(reg *Registry, views bool, logger *slog.Logger) (*RouteTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &RouteTable{routes: map[routeKey]*Route{}}
	for _, p := range reg.Procedures() {
		if p.HTTP != nil {
			if err := t.Add(Route{
				Scope:     p.HTTP.Scope,
				Method:    p.HTTP.Method,
				Path:      p.HTTP.Path,
				Kind:      RouteProcedure,
				Procedure: p,
			}, false); err != nil {
				return nil, err
			}
		}
		if p.View != nil {
			if !views {
				logger.Warn("view renderer not configured, skipping view route", "procedure", p.Name, "path", p.View.Path)
				continue
			}
			if err := t.Add(Route{
				Scope:     p.View.Scope,
				Method:    http.MethodGet,
				Path:      p.View.Path,
				Kind:      RouteView,
				Procedure: p,
			}, false); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// Add inserts a route. A duplicate key is an error unless override is set.
func (t *RouteTable) Add(r Route, override bool) error {
	if r.Scope == "" {
		r.Scope = ScopeDefault
	}
	r.Method = strings.ToUpper(r.Method)
	key := routeKey{r.Scope, r.Method, r.Path}
	if existing, ok := t.routes[key]; ok && !override {
		name := r.Path
		if existing.Procedure != nil {
			name = existing.Procedure.Name
		}
		return fmt.Errorf("route %s %s (scope %s) already registered by %s", r.Method, r.Path, r.Scope, name)
	}
	stored := r
	t.routes[key] = &stored
	return nil
}

// Resolve finds the route for a request. Paths outside the API namespace
// fall back to the wildcard route of their (scope, method).
func (t *RouteTable) Resolve(scope, method, path string) (*Route, bool) {
	if scope == "" {
		scope = ScopeDefault
	}
	method = strings.ToUpper(method)
	if r, ok := t.routes[routeKey{scope, method, path}]; ok {
		return r, true
	}
	if scope != ScopeDefault {
		if r, ok := t.routes[routeKey{ScopeDefault, method, path}]; ok && r.AnyScope {
			return r, true
		}
	}
	if strings.HasPrefix(path, APIPrefix) {
		return nil, false
	}
	r, ok := t.routes[routeKey{scope, method, Wildcard}]
	return r, ok
}

func (t *RouteTable) Len() int { return len(t.routes) }
