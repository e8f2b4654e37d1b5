// Package dispatch runs inbound requests through the procedure pipeline:
// preflight, rate limiting, route resolution, origin policy, schema parsing,
// session resolution, handler invocation and response framing.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/httpx"
	"github.com/casual-simulation/casualos-sub007/pkg/metrics"
	"github.com/casual-simulation/casualos-sub007/pkg/origin"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
	"github.com/casual-simulation/casualos-sub007/pkg/ratelimit"
	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/session"
	"github.com/casual-simulation/casualos-sub007/pkg/telemetry"
)

const (
	CallProcedurePath = "/api/v3/callProcedure"
	StripeWebhookPath = "/api/stripeWebhook"
	// FileRecordsPrefix selects the upload preflight variant.
	FileRecordsPrefix = "/api/v2/records/file"
)

// UploadHeaders is the part of the file upload collaborator the preflight
// responder needs.
type UploadHeaders interface {
	RequiredHeaders() []string
}

// Billing receives verified-or-not webhook payloads. It is responsible for
// checking the signature.
type Billing interface {
	HandleWebhook(ctx context.Context, body, signature string) (any, error)
}

type Config struct {
	Registry *procedure.Registry
	// Routes is derived from Registry when nil.
	Routes   *procedure.RouteTable
	Origins  *origin.Checker
	Limiter  ratelimit.Limiter
	// RateLimit is the per-window budget for a caller IP. Zero disables
	// rate limiting.
	RateLimit int
	Sessions  session.Validator
	Billing   Billing
	Uploads   UploadHeaders
	Views     ViewRenderer
	// Scopes maps request hostnames to transport scopes.
	Scopes         map[string]string
	TrustedProxies httpx.Proxies
	Logger         *slog.Logger
	Metrics        *metrics.Registry
}

type Dispatcher struct {
	registry  *procedure.Registry
	routes    *procedure.RouteTable
	origins   *origin.Checker
	limiter   ratelimit.Limiter
	rateLimit int
	sessions  session.Validator
	billing   Billing
	uploads   UploadHeaders
	views     ViewRenderer
	scopes    map[string]string
	trusted   httpx.Proxies
	logger    *slog.Logger
	metrics   *metrics.Registry
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Origins == nil {
		cfg.Origins = origin.NewChecker(nil, nil, nil, cfg.Logger)
	}
	routes := cfg.Routes
	if routes == nil {
		var err error
		routes, err = procedure.NewRouteTable(cfg.Registry, cfg.Views != nil, cfg.Logger)
		if err != nil {
			return nil, err
		}
	}
	scopes := make(map[string]string, len(cfg.Scopes))
	for host, scope := range cfg.Scopes {
		scopes[strings.ToLower(host)] = scope
	}
	d := &Dispatcher{
		registry:  cfg.Registry,
		routes:    routes,
		origins:   cfg.Origins,
		limiter:   cfg.Limiter,
		rateLimit: cfg.RateLimit,
		sessions:  cfg.Sessions,
		billing:   cfg.Billing,
		uploads:   cfg.Uploads,
		views:     cfg.Views,
		scopes:    scopes,
		trusted:   cfg.TrustedProxies,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if err := d.addBuiltinRoutes(); err != nil {
		return nil, err
	}
	return d, nil
}

// Routes exposes the route table for inspection.
func (d *Dispatcher) Routes() *procedure.RouteTable { return d.routes }

// Dispatch handles one request and never fails: every problem becomes a
// framed result.
func (d *Dispatcher) Dispatch(ctx context.Context, req *procedure.Request) frame.Response {
	start := time.Now()
	transport := "http"
	if req.Tunnelled {
		transport = "socket"
	}
	ctx, span := telemetry.StartDispatch(ctx, transport, req.Method, req.Path)
	defer span.End()
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	resp, name, out := d.dispatch(ctx, req)
	telemetry.AnnotateFailure(span, out)
	d.metrics.ObserveDispatch(name, transport, resp.StatusCode, time.Since(start))
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req *procedure.Request) (frame.Response, string, any) {
	if strings.EqualFold(req.Method, http.MethodOptions) {
		return d.preflight(req), "preflight", nil
	}

	route, found := d.routes.Resolve(req.Scope, req.Method, req.Path)
	if !found || !route.SkipRateLimit {
		if f := d.checkRateLimit(ctx, req.IPAddress, "http"); f != nil {
			headers := origin.Headers(origin.Decision{Allowed: true, Origin: req.Origin(), Policy: origin.All})
			return frame.Format(f, headers), "", f
		}
	}
	if !found {
		f := result.OperationNotFound()
		return frame.Format(f, nil), "", f
	}

	decision := d.origins.Admit(ctx, route.Policy(), req.Origin(), req.Host())
	name := routeName(route)
	if !decision.Allowed {
		f := result.InvalidOrigin()
		return frame.Format(f, nil), name, f
	}

	switch route.Kind {
	case procedure.RouteRaw:
		resp := route.Raw(ctx, req)
		mergeHeaders(&resp, origin.Headers(decision))
		return resp, name, nil
	case procedure.RouteView:
		resp, out := d.serveView(ctx, route, req, decision, true)
		return resp, name, out
	}

	resp, out := d.serveProcedure(ctx, route, req, decision)
	return resp, name, out
}

func (d *Dispatcher) serveProcedure(ctx context.Context, route *procedure.Route, req *procedure.Request, decision origin.Decision) (frame.Response, any) {
	p := route.Procedure
	input, f := d.parseInput(p, req)
	if f != nil {
		return frame.Format(f, origin.Headers(decision)), f
	}
	query, f := parseQuery(p, req.Query)
	if f != nil {
		return frame.Format(f, origin.Headers(decision)), f
	}
	return d.invoke(ctx, p, req, decision, input, query)
}

// checkRateLimit returns a failure only when the caller is over budget.
// Limiter errors are logged and ignored.
func (d *Dispatcher) checkRateLimit(ctx context.Context, ip, transport string) *result.Failure {
	if d.limiter == nil || d.rateLimit <= 0 {
		return nil
	}
	f, err := ratelimit.IP(ctx, d.limiter, ip, d.rateLimit)
	if err != nil {
		d.logger.Warn("rate limiter failed, allowing request", "ip", ip, "error", err)
		d.metrics.SoftFailure("ratelimit")
		return nil
	}
	if f != nil {
		d.metrics.RateLimited(transport)
	}
	return f
}

// CheckRateLimit exposes the advisory limiter to other transports.
func (d *Dispatcher) CheckRateLimit(ctx context.Context, ip, transport string) *result.Failure {
	return d.checkRateLimit(ctx, ip, transport)
}

func notJSON() *result.Failure {
	return result.Fail(result.CodeUnacceptableRequest, "The request body must be JSON.")
}

func (d *Dispatcher) parseInput(p *procedure.Procedure, req *procedure.Request) (map[string]any, *result.Failure) {
	if p.Input == nil {
		return nil, nil
	}
	if strings.EqualFold(req.Method, http.MethodGet) || strings.EqualFold(req.Method, http.MethodHead) {
		data, issues := p.Input.ValidateQuery(req.Query)
		if issues != nil {
			return nil, result.Invalid(issues)
		}
		return data, nil
	}
	var doc any
	if err := json.Unmarshal(req.Body, &doc); err != nil {
		return nil, notJSON()
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, notJSON()
	}
	data, issues := p.Input.Validate(req.Body)
	if issues != nil {
		return nil, result.Invalid(issues)
	}
	return data, nil
}

func parseQuery(p *procedure.Procedure, q url.Values) (map[string]any, *result.Failure) {
	if p.Query == nil {
		return nil, nil
	}
	data, issues := p.Query.ValidateQuery(q)
	if issues != nil {
		return nil, result.Invalid(issues)
	}
	return data, nil
}

// resolveSession applies the procedure's session policy. A key that was
// supplied but does not validate is always rejected.
func (d *Dispatcher) resolveSession(ctx context.Context, p *procedure.Procedure, key string) (session.Validation, *result.Failure) {
	if p.Session == procedure.SessionNone {
		return session.Validation{Status: session.NoSession}, nil
	}
	v := session.Validation{Status: session.NoSession}
	if key != "" && d.sessions != nil {
		v = d.sessions.Validate(ctx, key)
	}
	switch v.Status {
	case session.Invalid:
		return v, result.Fail(result.CodeUnacceptableSessionKey, "The session key is invalid.")
	case session.NoSession:
		if p.Session == procedure.SessionRequired {
			return v, result.Fail(result.CodeNotLoggedIn, "The user is not logged in. A session key must be provided for this operation.")
		}
	}
	return v, nil
}

// invoke runs the handler and frames its output. The handler runs on a
// context that outlives the caller's connection.
func (d *Dispatcher) invoke(ctx context.Context, p *procedure.Procedure, req *procedure.Request, decision origin.Decision, input, query map[string]any) (frame.Response, any) {
	key := session.FromAuthorization(req.Headers.Get("Authorization"))
	validation, f := d.resolveSession(ctx, p, key)
	if f != nil {
		return frame.Format(f, origin.Headers(decision)), f
	}
	call := &procedure.Call{
		IPAddress:  req.IPAddress,
		SessionKey: key,
		Session:    validation,
		Origin:     req.Origin(),
		URL:        requestURL(req),
		Headers:    req.Headers,
		Raw:        req.Raw,
	}
	out := d.run(context.WithoutCancel(ctx), p, req, input, call, query)

	headers := http.Header{}
	var partial procedure.Partial
	_, streaming := out.(frame.Stream)
	if p.Mapper != nil && !streaming {
		partial = p.Mapper(out)
		for k, vs := range partial.Headers {
			headers[k] = append(headers[k], vs...)
		}
	}
	var resp frame.Response
	if partial.Body != nil {
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "text/plain; charset=utf-8")
		}
		resp = frame.Response{StatusCode: frame.StatusCode(out), Headers: headers, Body: *partial.Body}
	} else {
		ct := headers.Get("Content-Type")
		resp = frame.Format(out, headers)
		if ct != "" {
			resp.Headers.Set("Content-Type", ct)
		}
	}
	if partial.StatusCode != 0 {
		resp.StatusCode = partial.StatusCode
	}
	mergeHeaders(&resp, origin.Headers(decision))
	return resp, out
}

// run calls the handler, converting panics and unexpected errors into
// server_error. A *result.Failure returned as the error is a typed result.
func (d *Dispatcher) run(ctx context.Context, p *procedure.Procedure, req *procedure.Request, input map[string]any, call *procedure.Call, query map[string]any) (out any) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("procedure panicked",
				"procedure", p.Name, "method", req.Method, "path", req.Path, "ip", req.IPAddress,
				"panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			out = result.ServerError()
		}
	}()
	v, err := p.Handler(ctx, input, call, query)
	if err != nil {
		var typed *result.Failure
		if errors.As(err, &typed) {
			return typed
		}
		d.logger.Error("procedure failed",
			"procedure", p.Name, "method", req.Method, "path", req.Path, "ip", req.IPAddress, "error", err)
		return result.ServerError()
	}
	return v
}

func requestURL(req *procedure.Request) *url.URL {
	u := &url.URL{Path: req.Path, RawQuery: req.Query.Encode()}
	if host := req.Host(); host != "" {
		u.Host = host
		u.Scheme = "https"
		if proto := req.Headers.Get("X-Forwarded-Proto"); proto != "" {
			u.Scheme = proto
		}
	}
	return u
}

func mergeHeaders(resp *frame.Response, extra http.Header) {
	if len(extra) == 0 {
		return
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	for k, vs := range extra {
		if k == "Vary" {
			resp.Headers[k] = append(resp.Headers[k], vs...)
			continue
		}
		resp.Headers[k] = append([]string(nil), vs...)
	}
}

func routeName(r *procedure.Route) string {
	if r.Procedure != nil {
		return r.Procedure.Name
	}
	return r.Path
}
