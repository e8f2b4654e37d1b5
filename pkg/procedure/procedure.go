// Package procedure declares named operations and derives the HTTP route
// table from them.
package procedure

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/casual-simulation/casualos-sub007/pkg/origin"
	"github.com/casual-simulation/casualos-sub007/pkg/schema"
	"github.com/casual-simulation/casualos-sub007/pkg/session"
)

const (
	ScopeDefault = "default"
	// Wildcard marks a binding as the fallback route of its (scope, method).
	Wildcard = "**default**"
)

// SessionPolicy states how a procedure treats a missing session key.
type SessionPolicy int

const (
	// SessionOptional resolves the session if present and lets anonymous
	// callers through.
	SessionOptional SessionPolicy = iota
	// SessionRequired rejects no-session callers with not_logged_in.
	SessionRequired
	// SessionNone skips session resolution entirely.
	SessionNone
)

// Binding exposes a procedure at one (method, path) pair of a scope.
type Binding struct {
	Method string
	Path   string
	Scope  string
}

// ViewBinding exposes a procedure as a rendered page.
type ViewBinding struct {
	Path  string
	Scope string
}

// Call is the per-dispatch context handed to handlers.
type Call struct {
	IPAddress  string
	SessionKey string
	Session    session.Validation
	Origin     string
	URL        *url.URL
	Headers    http.Header
	// Raw is the inbound transport value (*http.Request or socket frame).
	Raw any
}

// UserID returns the caller's user id or "" when anonymous.
func (c *Call) UserID() string {
	if c == nil {
		return ""
	}
	return c.Session.UserID
}

// Handler implements a procedure. input and query are nil when the
// procedure declares no schema for them. The returned value is either a
// JSON-serializable result or a frame.Stream. A returned error is an
// unexpected failure and is reported as server_error.
type Handler func(ctx context.Context, input map[string]any, call *Call, query map[string]any) (any, error)

// Partial overrides parts of the transport response.
type Partial struct {
	StatusCode int
	Headers    http.Header
	// Body, when non-nil, replaces the JSON body (for non-JSON content).
	Body *string
}

// Mapper post-processes a handler's output into response overrides.
type Mapper func(output any) Partial

type Procedure struct {
	Name    string
	Origins origin.Policy
	HTTP    *Binding
	View    *ViewBinding
	Input   *schema.Schema
	Query   *schema.Schema
	Session SessionPolicy
	Handler Handler
	Mapper  Mapper
}

// Registry is an insertion-ordered set of procedures. It is built once at
// startup and read-only afterwards.
type Registry struct {
	order  []*Procedure
	byName map[string]*Procedure
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]*Procedure{}}
}

// Register adds p. A duplicate name is a programming error and panics.
func (r *Registry) Register(p Procedure) {
	if p.Name == "" {
		panic("procedure: name is required")
	}
	if p.Handler == nil {
		panic(fmt.Sprintf("procedure %q: handler is required", p.Name))
	}
	if _, exists := r.byName[p.Name]; exists {
		panic(fmt.Sprintf("procedure %q already registered", p.Name))
	}
	if p.HTTP != nil {
		b := *p.HTTP
		if b.Scope == "" {
			b.Scope = ScopeDefault
		}
		p.HTTP = &b
	}
	if p.View != nil {
		v := *p.View
		if v.Scope == "" {
			v.Scope = ScopeDefault
		}
		p.View = &v
	}
	stored := p
	r.order = append(r.order, &stored)
	r.byName[p.Name] = &stored
}

// RegisterAll registers every procedure in order.
func (r *Registry) RegisterAll(ps ...Procedure) {
	for _, p := range ps {
		r.Register(p)
	}
}

func (r *Registry) Get(name string) (*Procedure, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Procedures returns the procedures in registration order.
func (r *Registry) Procedures() []*Procedure {
	out := make([]*Procedure, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int { return len(r.order) }
