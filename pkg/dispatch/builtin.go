package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/origin"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

func (d *Dispatcher) addBuiltinRoutes() error {
	if err := d.routes.Add(procedure.Route{
		Method:   http.MethodPost,
		Path:     CallProcedurePath,
		Kind:     procedure.RouteRaw,
		Raw:      d.callProcedure,
		Origins:  origin.All,
		AnyScope: true,
	}, false); err != nil {
		return err
	}
	return d.routes.Add(procedure.Route{
		Method:        http.MethodPost,
		Path:          StripeWebhookPath,
		Kind:          procedure.RouteRaw,
		Raw:           d.stripeWebhook,
		Origins:       origin.All,
		SkipRateLimit: true,
		AnyScope:      true,
	}, false)
}

type callRequest struct {
	Procedure *string         `json:"procedure"`
	Input     json.RawMessage `json:"input"`
	Query     json.RawMessage `json:"query"`
}

// callProcedure dispatches by name. The named procedure's origin policy,
// schemas and session policy apply exactly as on its own route.
func (d *Dispatcher) callProcedure(ctx context.Context, req *procedure.Request) frame.Response {
	var doc any
	if err := json.Unmarshal(req.Body, &doc); err != nil {
		return frame.Format(notJSON(), nil)
	}
	if _, ok := doc.(map[string]any); !ok {
		return frame.Format(notJSON(), nil)
	}
	var body callRequest
	if err := json.Unmarshal(req.Body, &body); err != nil || body.Procedure == nil || *body.Procedure == "" {
		return frame.Format(result.Invalid([]result.Issue{{
			Path:    []string{"procedure"},
			Message: "Required",
			Code:    "required",
		}}), nil)
	}
	p, ok := d.registry.Get(*body.Procedure)
	if !ok {
		return frame.Format(result.OperationNotFound(), nil)
	}
	decision := d.origins.Admit(ctx, p.Origins, req.Origin(), req.Host())
	if !decision.Allowed {
		return frame.Format(result.InvalidOrigin(), nil)
	}

	input, f := decodeSection(p.Input != nil, body.Input, "input")
	if f == nil && p.Input != nil {
		var issues []result.Issue
		if input, issues = p.Input.ValidateData(input); issues != nil {
			f = result.Invalid(issues)
		}
	}
	if f != nil {
		return frame.Format(f, origin.Headers(decision))
	}
	query, f := decodeSection(p.Query != nil, body.Query, "query")
	if f == nil && p.Query != nil {
		var issues []result.Issue
		if query, issues = p.Query.ValidateData(query); issues != nil {
			f = result.Invalid(issues)
		}
	}
	if f != nil {
		return frame.Format(f, origin.Headers(decision))
	}
	resp, _ := d.invoke(ctx, p, req, decision, input, query)
	return resp
}

func decodeSection(declared bool, raw json.RawMessage, field string) (map[string]any, *result.Failure) {
	if !declared {
		return nil, nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, result.Invalid([]result.Issue{{
			Path:    []string{field},
			Message: "Expected object.",
			Code:    "invalid_type",
		}})
	}
	return out, nil
}

// stripeWebhook hands the raw payload to billing. Stripe signs the exact
// bytes, so the body is converted to text without re-encoding.
func (d *Dispatcher) stripeWebhook(ctx context.Context, req *procedure.Request) frame.Response {
	if d.billing == nil {
		return frame.Format(result.Fail(result.CodeNotSupported, "This feature is not supported."), nil)
	}
	out, err := d.billing.HandleWebhook(context.WithoutCancel(ctx), string(req.Body), req.Headers.Get("Stripe-Signature"))
	if err != nil {
		d.logger.Error("stripe webhook failed", "ip", req.IPAddress, "error", err)
		return frame.Format(result.ServerError(), nil)
	}
	return frame.Format(out, nil)
}
