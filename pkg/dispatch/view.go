package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/origin"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

var errNoRenderer = errors.New("no view renderer configured")

// ViewRenderer turns a view procedure's output into an HTML page.
type ViewRenderer interface {
	Render(ctx context.Context, p *procedure.Procedure, output any) (string, error)
}

// serveView runs a view procedure and renders it. Renderer failures are
// soft: the request falls back to the scope's default GET route once,
// unless that route requires a session.
func (d *Dispatcher) serveView(ctx context.Context, route *procedure.Route, req *procedure.Request, decision origin.Decision, fallback bool) (frame.Response, any) {
	p := route.Procedure
	input, f := d.parseInput(p, req)
	if f == nil {
		var query map[string]any
		if query, f = parseQuery(p, req.Query); f == nil {
			return d.render(ctx, route, req, decision, input, query, fallback)
		}
	}
	return frame.Format(f, origin.Headers(decision)), f
}

func (d *Dispatcher) render(ctx context.Context, route *procedure.Route, req *procedure.Request, decision origin.Decision, input, query map[string]any, fallback bool) (frame.Response, any) {
	p := route.Procedure
	resp, out := d.invoke(ctx, p, req, decision, input, query)
	if _, streaming := out.(frame.Stream); streaming {
		return resp, out
	}
	page, err := "", errNoRenderer
	if d.views != nil {
		page, err = d.views.Render(ctx, p, out)
	}
	if err == nil {
		h := resp.Headers
		h.Set("Content-Type", "text/html; charset=utf-8")
		return frame.Response{StatusCode: resp.StatusCode, Headers: h, Body: page}, out
	}

	d.logger.Warn("view renderer failed", "procedure", p.Name, "path", req.Path, "error", err)
	d.metrics.SoftFailure("view")
	if fallback {
		def, ok := d.routes.Resolve(req.Scope, http.MethodGet, procedure.Wildcard)
		if ok && def != route && def.Procedure != nil && def.Procedure.Session != procedure.SessionRequired {
			decision = d.origins.Admit(ctx, def.Policy(), req.Origin(), req.Host())
			if !decision.Allowed {
				f := result.InvalidOrigin()
				return frame.Format(f, nil), f
			}
			if def.Kind == procedure.RouteView {
				return d.serveView(ctx, def, req, decision, false)
			}
			return d.serveProcedure(ctx, def, req, decision)
		}
	}
	return resp, out
}

// TemplateRenderer renders views with html/template, keyed by procedure
// name. Procedures without their own template use Default.
type TemplateRenderer struct {
	Templates map[string]*template.Template
	Default   *template.Template
}

func (r *TemplateRenderer) Render(_ context.Context, p *procedure.Procedure, output any) (string, error) {
	tmpl := r.Templates[p.Name]
	if tmpl == nil {
		tmpl = r.Default
	}
	if tmpl == nil {
		return "", fmt.Errorf("no template for view %q", p.Name)
	}
	var buf bytes.Buffer
	data := struct {
		Procedure string
		Output    any
		Failure   *result.Failure
	}{Procedure: p.Name, Output: output}
	if f, ok := output.(*result.Failure); ok {
		data.Failure = f
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
