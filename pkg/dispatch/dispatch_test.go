package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/origin"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
	"github.com/casual-simulation/casualos-sub007/pkg/ratelimit"
	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/schema"
	"github.com/casual-simulation/casualos-sub007/pkg/session"
)

const (
	accountOrigin = "https://account.example.com"
	apiOrigin     = "https://api.example.com"
	secret        = "dispatch-secret"
)

var listSchema = schema.MustCompile(`{
	"type": "object",
	"properties": {
		"recordName": {"type": "string", "minLength": 1},
		"limit": {"type": "integer", "minimum": 1},
		"ascending": {"type": "boolean"}
	},
	"required": ["recordName"]
}`)

var recordSchema = schema.MustCompile(`{
	"type": "object",
	"properties": {
		"recordName": {"type": "string", "minLength": 1},
		"address": {"type": "string", "minLength": 1},
		"data": {}
	},
	"required": ["recordName", "address"]
}`)

type fakeUploads []string

func (f fakeUploads) RequiredHeaders() []string { return f }

type fakeBilling struct {
	body, signature string
}

func (b *fakeBilling) HandleWebhook(_ context.Context, body, signature string) (any, error) {
	b.body, b.signature = body, signature
	return result.OK(map[string]any{"received": true}), nil
}

type fakeDomains map[string]bool

func (f fakeDomains) IsVerified(_ context.Context, host string) (bool, error) { return f[host], nil }

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func testProcedures() []procedure.Procedure {
	return []procedure.Procedure{
		{
			Name:    "listData",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: "/api/v2/records/data/list"},
			Input:   listSchema,
			Handler: func(_ context.Context, in map[string]any, call *procedure.Call, _ map[string]any) (any, error) {
				return result.OK(map[string]any{"recordName": in["recordName"], "limit": in["limit"], "user": call.UserID()}), nil
			},
		},
		{
			Name:    "recordData",
			Origins: origin.Account,
			HTTP:    &procedure.Binding{Method: http.MethodPost, Path: "/api/v2/records/data"},
			Input:   recordSchema,
			Session: procedure.SessionRequired,
			Handler: func(_ context.Context, in map[string]any, call *procedure.Call, _ map[string]any) (any, error) {
				return result.OK(map[string]any{"address": in["address"], "userId": call.UserID()}), nil
			},
		},
		{
			Name:    "getServerTime",
			Origins: origin.All,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: "/api/v2/time"},
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				return result.OK(map[string]any{"now": 42}), nil
			},
		},
		{
			Name:    "explode",
			Origins: origin.All,
			HTTP:    &procedure.Binding{Method: http.MethodPost, Path: "/api/explode"},
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				panic("boom")
			},
		},
		{
			Name:    "fail",
			Origins: origin.All,
			HTTP:    &procedure.Binding{Method: http.MethodPost, Path: "/api/fail"},
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				return nil, errors.New("database password is hunter2")
			},
		},
		{
			Name:    "typedFailure",
			Origins: origin.All,
			HTTP:    &procedure.Binding{Method: http.MethodPost, Path: "/api/typed"},
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				return nil, result.Fail(result.CodeDataNotFound, "missing")
			},
		},
		{
			Name:    "count",
			Origins: origin.All,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: "/api/count"},
			Handler: func(ctx context.Context, _ map[string]any, _ *procedure.Call, _ map[string]any) (any, error) {
				return frame.Generate(ctx, func(ctx context.Context, emit func(any) error) (any, error) {
					for i := 1; i <= 2; i++ {
						if err := emit(map[string]int{"n": i}); err != nil {
							return nil, err
						}
					}
					return map[string]bool{"done": true}, nil
				}), nil
			},
		},
		{
			Name:    "manifest",
			Origins: origin.All,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: "/api/manifest"},
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				return "name: app", nil
			},
			Mapper: func(out any) procedure.Partial {
				body := out.(string)
				return procedure.Partial{StatusCode: http.StatusCreated, Headers: http.Header{"Content-Type": {"text/yaml"}}, Body: &body}
			},
		},
		{
			Name:    "home",
			Origins: origin.All,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: procedure.Wildcard},
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				return result.OK(map[string]any{"page": "home"}), nil
			},
		},
		{
			Name:    "clock",
			Origins: origin.All,
			View:    &procedure.ViewBinding{Path: "/clock"},
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				return result.OK(map[string]any{"now": 7}), nil
			},
		},
	}
}

type option func(*Config)

func newDispatcher(t *testing.T, opts ...option) *Dispatcher {
	t.Helper()
	reg := procedure.NewRegistry()
	reg.RegisterAll(testProcedures()...)
	cfg := Config{
		Registry: reg,
		Origins:  origin.NewChecker([]string{accountOrigin}, []string{apiOrigin}, fakeDomains{"custom.example.org": true}, nil),
		Sessions: session.NewHS256Validator(secret, "", nil),
		Uploads:  fakeUploads{"x-amz-acl", "Content-Type", "x-amz-meta-record"},
		Billing:  &fakeBilling{},
	}
	for _, o := range opts {
		o(&cfg)
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func request(method, path, originHeader string, body string) *procedure.Request {
	u, _ := url.Parse(path)
	h := http.Header{}
	if originHeader != "" {
		h.Set("Origin", originHeader)
	}
	h.Set("Host", "records.example.com")
	return &procedure.Request{
		Method:    method,
		Path:      u.Path,
		Query:     u.Query(),
		Headers:   h,
		Body:      []byte(body),
		IPAddress: "10.0.0.1",
		Scope:     procedure.ScopeDefault,
	}
}

func decodeBody(t *testing.T, resp frame.Response) map[string]any {
	t.Helper()
	s, ok := resp.Body.(string)
	if !ok {
		t.Fatalf("expected string body, got %T", resp.Body)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("decode body %q: %v", s, err)
	}
	return out
}

func errorCode(t *testing.T, resp frame.Response) string {
	t.Helper()
	code, _ := decodeBody(t, resp)["errorCode"].(string)
	return code
}

func sessionKey(t *testing.T, userID string) string {
	t.Helper()
	key, err := session.SignHS256(session.Claims{Sub: userID, Exp: time.Now().Add(time.Hour).Unix()}, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return key
}

func TestRejectsDisallowedOriginWithoutCORS(t *testing.T) {
	d := newDispatcher(t)
	resp := d.Dispatch(context.Background(), request(http.MethodGet, "/api/v2/records/data/list?recordName=r", "https://evil.example.com", ""))
	if resp.StatusCode != http.StatusForbidden || errorCode(t, resp) != "invalid_origin" {
		t.Fatalf("expected invalid_origin, got %d %v", resp.StatusCode, resp.Body)
	}
	if resp.Headers.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("rejected callers must not receive Access-Control-Allow-Origin")
	}
}

func TestAdmittedOriginIsEchoed(t *testing.T) {
	d := newDispatcher(t)
	resp := d.Dispatch(context.Background(), request(http.MethodGet, "/api/v2/records/data/list?recordName=r&limit=5", apiOrigin, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, resp.Body)
	}
	if got := resp.Headers.Get("Access-Control-Allow-Origin"); got != apiOrigin {
		t.Fatalf("expected echoed origin, got %q", got)
	}
	body := decodeBody(t, resp)
	if body["success"] != true || body["limit"] != float64(5) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCustomDomainFallback(t *testing.T) {
	d := newDispatcher(t)
	req := request(http.MethodGet, "/api/v2/records/data/list?recordName=r", "https://custom.example.org", "")
	req.Headers.Set("Host", "custom.example.org")
	resp := d.Dispatch(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected verified custom domain to be admitted, got %d %v", resp.StatusCode, resp.Body)
	}

	req = request(http.MethodGet, "/api/v2/records/data/list?recordName=r", "https://other.example.org", "")
	req.Headers.Set("Host", "other.example.org")
	if resp := d.Dispatch(context.Background(), req); errorCode(t, resp) != "invalid_origin" {
		t.Fatal("unverified custom domain must be rejected")
	}
}

func TestGetQueryFailureReportsEveryIssue(t *testing.T) {
	d := newDispatcher(t)
	resp := d.Dispatch(context.Background(), request(http.MethodGet, "/api/v2/records/data/list?limit=0&ascending=maybe", apiOrigin, ""))
	body := decodeBody(t, resp)
	if body["errorCode"] != "unacceptable_request" {
		t.Fatalf("expected unacceptable_request, got %v", body)
	}
	issues, _ := body["issues"].([]any)
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues (recordName, limit, ascending), got %v", issues)
	}
}

func TestBodyMustBeJSONObject(t *testing.T) {
	d := newDispatcher(t)
	for _, body := range []string{"not json", "[1,2]", `"text"`, ""} {
		req := request(http.MethodPost, "/api/v2/records/data", accountOrigin, body)
		req.Headers.Set("Authorization", "Bearer "+sessionKey(t, "u1"))
		resp := d.Dispatch(context.Background(), req)
		b := decodeBody(t, resp)
		if b["errorCode"] != "unacceptable_request" || !strings.Contains(b["errorMessage"].(string), "must be JSON") {
			t.Fatalf("body %q: expected must be JSON, got %v", body, b)
		}
	}
}

func TestSessionPolicy(t *testing.T) {
	d := newDispatcher(t)
	body := `{"recordName":"r","address":"a"}`

	resp := d.Dispatch(context.Background(), request(http.MethodPost, "/api/v2/records/data", accountOrigin, body))
	if errorCode(t, resp) != "not_logged_in" || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected not_logged_in, got %d %v", resp.StatusCode, resp.Body)
	}

	req := request(http.MethodPost, "/api/v2/records/data", accountOrigin, body)
	req.Headers.Set("Authorization", "Bearer nope")
	if resp := d.Dispatch(context.Background(), req); errorCode(t, resp) != "unacceptable_session_key" {
		t.Fatalf("expected unacceptable_session_key, got %v", resp.Body)
	}

	req = request(http.MethodPost, "/api/v2/records/data", accountOrigin, body)
	req.Headers.Set("Authorization", "Bearer "+sessionKey(t, "u1"))
	resp = d.Dispatch(context.Background(), req)
	if b := decodeBody(t, resp); b["success"] != true || b["userId"] != "u1" {
		t.Fatalf("expected authenticated success, got %v", b)
	}
}

func TestOptionalSessionProceedsAnonymously(t *testing.T) {
	d := newDispatcher(t)
	resp := d.Dispatch(context.Background(), request(http.MethodGet, "/api/v2/records/data/list?recordName=r", "", ""))
	if b := decodeBody(t, resp); b["success"] != true || b["user"] != "" {
		t.Fatalf("expected anonymous success, got %v", b)
	}
}

func TestCallProcedureMatchesDedicatedRoute(t *testing.T) {
	d := newDispatcher(t)
	direct := d.Dispatch(context.Background(), request(http.MethodGet, "/api/v2/records/data/list?recordName=r&limit=3", apiOrigin, ""))
	viaCall := d.Dispatch(context.Background(), request(http.MethodPost, CallProcedurePath, apiOrigin,
		`{"procedure":"listData","input":{"recordName":"r","limit":3}}`))
	if direct.Body != viaCall.Body {
		t.Fatalf("expected identical bodies:\n%v\n%v", direct.Body, viaCall.Body)
	}
	if direct.StatusCode != viaCall.StatusCode {
		t.Fatalf("status mismatch %d vs %d", direct.StatusCode, viaCall.StatusCode)
	}
}

func TestCallProcedureFailures(t *testing.T) {
	d := newDispatcher(t)
	cases := []struct {
		name, origin, body, code string
	}{
		{"not json", "", "{", "unacceptable_request"},
		{"missing name", "", `{"input":{}}`, "unacceptable_request"},
		{"unknown", "", `{"procedure":"nope"}`, "operation_not_found"},
		{"origin of target applies", "https://evil.example.com", `{"procedure":"listData","input":{"recordName":"r"}}`, "invalid_origin"},
		{"target schema applies", "", `{"procedure":"listData","input":{}}`, "unacceptable_request"},
		{"target session policy applies", accountOrigin, `{"procedure":"recordData","input":{"recordName":"r","address":"a"}}`, "not_logged_in"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), request(http.MethodPost, CallProcedurePath, tc.origin, tc.body))
			if got := errorCode(t, resp); got != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, got, resp.Body)
			}
		})
	}
}

func TestBuiltinRoutesServeScopedHosts(t *testing.T) {
	d := newDispatcher(t, func(c *Config) { c.Scopes = map[string]string{"player.example.com": "player"} })
	srv := httptest.NewServer(d)
	defer srv.Close()

	post := func(path, body string) map[string]any {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		req.Host = "player.example.com"
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		defer res.Body.Close()
		var out map[string]any
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		return out
	}

	if b := post(CallProcedurePath, `{"procedure":"getServerTime"}`); b["success"] != true || b["now"] != float64(42) {
		t.Fatalf("callProcedure on scoped host: %v", b)
	}
	if b := post(StripeWebhookPath, `{}`); b["received"] != true {
		t.Fatalf("stripe webhook on scoped host: %v", b)
	}
	if b := post("/api/v2/records/data", `{}`); b["errorCode"] != "operation_not_found" {
		t.Fatalf("procedure routes stay scoped: %v", b)
	}
}

func TestUnknownAPIRouteDoesNotFallBack(t *testing.T) {
	d := newDispatcher(t)
	resp := d.Dispatch(context.Background(), request(http.MethodGet, "/api/v2/unknown", "", ""))
	if resp.StatusCode != http.StatusNotFound || errorCode(t, resp) != "operation_not_found" {
		t.Fatalf("expected operation_not_found, got %d %v", resp.StatusCode, resp.Body)
	}
	page := d.Dispatch(context.Background(), request(http.MethodGet, "/some/page", "", ""))
	if b := decodeBody(t, page); b["page"] != "home" {
		t.Fatalf("expected default route, got %v", b)
	}
}

func TestHandlerFailuresBecomeServerError(t *testing.T) {
	d := newDispatcher(t)
	for _, path := range []string{"/api/explode", "/api/fail"} {
		resp := d.Dispatch(context.Background(), request(http.MethodPost, path, "", "{}"))
		if resp.StatusCode != http.StatusInternalServerError || errorCode(t, resp) != "server_error" {
			t.Fatalf("%s: expected server_error, got %d %v", path, resp.StatusCode, resp.Body)
		}
		if strings.Contains(resp.Body.(string), "hunter2") || strings.Contains(resp.Body.(string), "boom") {
			t.Fatalf("%s: internal detail leaked: %v", path, resp.Body)
		}
	}
	typed := d.Dispatch(context.Background(), request(http.MethodPost, "/api/typed", "", "{}"))
	if typed.StatusCode != http.StatusNotFound || errorCode(t, typed) != "data_not_found" {
		t.Fatalf("expected typed failure to pass through, got %d %v", typed.StatusCode, typed.Body)
	}
}

func TestMapperOverridesResponse(t *testing.T) {
	d := newDispatcher(t)
	resp := d.Dispatch(context.Background(), request(http.MethodGet, "/api/manifest", "", ""))
	if resp.StatusCode != http.StatusCreated || resp.Body != "name: app" {
		t.Fatalf("unexpected mapped response %d %v", resp.StatusCode, resp.Body)
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "text/yaml" {
		t.Fatalf("expected mapper content type, got %q", ct)
	}
}

func TestFilePreflightAdvertisesUploadHeaders(t *testing.T) {
	d := newDispatcher(t)
	resp := d.Dispatch(context.Background(), request(http.MethodOptions, "/api/v2/records/file/abc", "https://anywhere.example", ""))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	allowed := map[string]bool{}
	for _, h := range strings.Split(resp.Headers.Get("Access-Control-Allow-Headers"), ",") {
		allowed[strings.ToLower(strings.TrimSpace(h))] = true
	}
	for _, want := range []string{"x-amz-acl", "content-type", "x-amz-meta-record", "authorization"} {
		if !allowed[want] {
			t.Fatalf("expected %s in allowed headers, got %v", want, allowed)
		}
	}

	generic := d.Dispatch(context.Background(), request(http.MethodOptions, "/api/v2/records/data", "", ""))
	if strings.Contains(strings.ToLower(generic.Headers.Get("Access-Control-Allow-Headers")), "x-amz-acl") {
		t.Fatal("generic preflight must not advertise upload headers")
	}
}

func TestRateLimiting(t *testing.T) {
	d := newDispatcher(t, func(c *Config) {
		c.Limiter = ratelimit.NewInMemory(time.Minute)
		c.RateLimit = 1
	})
	first := d.Dispatch(context.Background(), request(http.MethodGet, "/api/v2/time", accountOrigin, ""))
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", first.StatusCode)
	}
	second := d.Dispatch(context.Background(), request(http.MethodGet, "/api/v2/time", accountOrigin, ""))
	if second.StatusCode != http.StatusTooManyRequests || errorCode(t, second) != "rate_limit_exceeded" {
		t.Fatalf("expected rate_limit_exceeded, got %d %v", second.StatusCode, second.Body)
	}
	if second.Headers.Get("Access-Control-Allow-Origin") != accountOrigin {
		t.Fatal("rate limit responses carry all-origins CORS headers")
	}
	webhook := d.Dispatch(context.Background(), request(http.MethodPost, StripeWebhookPath, "", "{}"))
	if webhook.StatusCode != http.StatusOK {
		t.Fatalf("webhook must bypass rate limiting, got %d %v", webhook.StatusCode, webhook.Body)
	}
}

func TestRateLimiterFailureIsSoft(t *testing.T) {
	d := newDispatcher(t, func(c *Config) {
		c.Limiter = brokenLimiter{}
		c.RateLimit = 1
	})
	resp := d.Dispatch(context.Background(), request(http.MethodGet, "/api/v2/time", "", ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected limiter failure to be bypassed, got %d", resp.StatusCode)
	}
}

func TestStripeWebhook(t *testing.T) {
	billing := &fakeBilling{}
	d := newDispatcher(t, func(c *Config) { c.Billing = billing })
	req := request(http.MethodPost, StripeWebhookPath, "https://stripe.example", "{\"id\":\"evt_1\"}\xff")
	req.Headers.Set("Stripe-Signature", "t=1,v1=abc")
	resp := d.Dispatch(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected webhook success, got %d %v", resp.StatusCode, resp.Body)
	}
	if billing.body != "{\"id\":\"evt_1\"}\xff" || billing.signature != "t=1,v1=abc" {
		t.Fatalf("billing received %q %q", billing.body, billing.signature)
	}

	none := newDispatcher(t, func(c *Config) { c.Billing = nil })
	resp = none.Dispatch(context.Background(), request(http.MethodPost, StripeWebhookPath, "", "{}"))
	if resp.StatusCode != http.StatusNotImplemented || errorCode(t, resp) != "not_supported" {
		t.Fatalf("expected not_supported without billing, got %d %v", resp.StatusCode, resp.Body)
	}
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, *procedure.Procedure, any) (string, error) {
	return "", errors.New("template missing")
}

func TestViewRoutes(t *testing.T) {
	withoutViews := newDispatcher(t)
	if page := withoutViews.Dispatch(context.Background(), request(http.MethodGet, "/clock", "", "")); decodeBody(t, page)["page"] != "home" {
		t.Fatal("view routes are skipped without a renderer")
	}

	tmpl := template.Must(template.New("clock").Parse(`<p>{{.Procedure}}</p>`))
	d := newDispatcher(t, func(c *Config) { c.Views = &TemplateRenderer{Default: tmpl} })
	resp := d.Dispatch(context.Background(), request(http.MethodGet, "/clock", "", ""))
	if resp.Body != "<p>clock</p>" || !strings.HasPrefix(resp.Headers.Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected view response %v %v", resp.Body, resp.Headers)
	}

	soft := newDispatcher(t, func(c *Config) { c.Views = failingRenderer{} })
	fallback := soft.Dispatch(context.Background(), request(http.MethodGet, "/clock", "", ""))
	if decodeBody(t, fallback)["page"] != "home" {
		t.Fatalf("expected renderer failure to fall back to default route, got %v", fallback.Body)
	}
}

func TestViewFallbackSkipsSessionRoutes(t *testing.T) {
	calls := 0
	reg := procedure.NewRegistry()
	reg.RegisterAll(
		procedure.Procedure{
			Name:    "clock",
			Origins: origin.All,
			View:    &procedure.ViewBinding{Path: "/clock"},
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				return result.OK(map[string]any{"now": 7}), nil
			},
		},
		procedure.Procedure{
			Name:    "dashboard",
			Origins: origin.All,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: procedure.Wildcard},
			Session: procedure.SessionRequired,
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				calls++
				return result.OK(map[string]any{"page": "dashboard"}), nil
			},
		},
	)
	d := newDispatcher(t, func(c *Config) {
		c.Registry = reg
		c.Views = failingRenderer{}
	})
	req := request(http.MethodGet, "/clock", "", "")
	req.Headers.Set("Authorization", "Bearer "+sessionKey(t, "user-1"))
	resp := d.Dispatch(context.Background(), req)
	if calls != 0 {
		t.Fatalf("session route ran as view fallback %d times", calls)
	}
	if b := decodeBody(t, resp); b["now"] != float64(7) {
		t.Fatalf("expected the view's own output, got %v", b)
	}
}

func TestServeHTTPStreamsNDJSON(t *testing.T) {
	d := newDispatcher(t)
	srv := httptest.NewServer(d)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/count")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if ct := res.Header.Get("Content-Type"); ct != frame.ContentTypeNDJSON {
		t.Fatalf("expected ndjson content type, got %q", ct)
	}
	if string(body) != "{\"n\":1}\n{\"n\":2}\n{\"done\":true}" {
		t.Fatalf("unexpected stream body %q", body)
	}
}

func TestScopeFor(t *testing.T) {
	d := newDispatcher(t, func(c *Config) { c.Scopes = map[string]string{"Player.Example.com": "player"} })
	if d.ScopeFor("player.example.com:443") != "player" {
		t.Fatal("expected host scope mapping")
	}
	if d.ScopeFor("other.example.com") != procedure.ScopeDefault {
		t.Fatal("expected default scope")
	}
}
