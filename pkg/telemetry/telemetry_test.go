package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

func decide(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Name:          "dispatch GET",
	}).Decision
}

func TestSamplerNames(t *testing.T) {
	cases := []struct {
		name, arg string
		want      sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"ALWAYS_ON", "0", sdktrace.RecordAndSample},
		{"traceidratio", "7", sdktrace.RecordAndSample},
		{"traceidratio", "-3", sdktrace.Drop},
		{"parentbased_traceidratio", "0", sdktrace.Drop},
		{"", "not-a-number", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		if got := decide(sampler(tc.name, tc.arg)); got != tc.want {
			t.Fatalf("%s(%s): got %v want %v", tc.name, tc.arg, got, tc.want)
		}
	}
}

func TestSplitPairs(t *testing.T) {
	got := splitPairs(" authorization = Bearer x ,broken,,=nokey,tenant=records")
	if len(got) != 2 || got["authorization"] != "Bearer x" || got["tenant"] != "records" {
		t.Fatalf("unexpected pairs %#v", got)
	}
	if splitPairs("  ") != nil {
		t.Fatal("blank input should yield nil")
	}
}

func TestExporterFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "k=v")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "9")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_REQUIRED", "")
	e := ExporterFromEnv("  ")
	if e.Endpoint != "collector:4318" || e.Headers["k"] != "v" || e.Timeout != 9*time.Second || !e.Insecure || e.Required {
		t.Fatalf("unexpected exporter %+v", e)
	}
	if e.ServiceName != defaultServiceName {
		t.Fatalf("service name %q", e.ServiceName)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "-1")
	if got := ExporterFromEnv("x").Timeout; got != 5*time.Second {
		t.Fatalf("timeout fallback %v", got)
	}
}

func TestInstallWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "records-test")
	if err != nil || shutdown == nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInstallExporterFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := Exporter{Endpoint: "http://" + addr, ServiceName: "records-test"}
	shutdown, err := e.Install(ctx)
	if err != nil || shutdown == nil {
		t.Fatalf("optional exporter should degrade, got %v", err)
	}
	_ = shutdown(context.Background())

	e.Required = true
	if _, err := e.Install(ctx); err == nil {
		t.Fatal("required exporter should fail")
	}
}

func TestInstallExporterAgainstCollector(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()
	u, _ := url.Parse(collector.URL)

	e := Exporter{Endpoint: u.Host, Insecure: true, Required: true, Timeout: time.Second, Headers: map[string]string{"x": "1"}, ServiceName: "records-test"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := e.Install(ctx)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestHTTPMiddlewareAndClient(t *testing.T) {
	for _, name := range []string{"records", "  "} {
		h := HTTPMiddleware(name)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v2/time", nil))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("%q: status %d", name, rr.Code)
		}
	}

	if c := InstrumentClient(nil); c.Transport == nil || c.Timeout != 5*time.Second {
		t.Fatalf("default client %+v", c)
	}
	own := &http.Client{}
	if InstrumentClient(own) != own || own.Transport == nil {
		t.Fatal("client should be wrapped in place")
	}
}

func annotated(t *testing.T, v any) map[attribute.Key]string {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	AnnotateFailure(span, v)
	span.End()
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	out := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes() {
		out[kv.Key] = kv.Value.AsString()
	}
	return out
}

func TestAnnotateFailure(t *testing.T) {
	attrs := annotated(t, result.NotAuthorized(&result.Reason{Type: "missing_permission", Action: "read", ResourceKind: "data", Marker: "secret"}))
	if attrs["result.error_code"] != "not_authorized" || attrs["result.reason.marker"] != "secret" || attrs["result.reason.action"] != "read" {
		t.Fatalf("attributes %v", attrs)
	}
	if _, ok := attrs["result.reason.role"]; ok {
		t.Fatal("empty reason fields must be omitted")
	}
	if attrs := annotated(t, result.OK(map[string]any{"a": 1})); len(attrs) != 0 {
		t.Fatalf("success annotated: %v", attrs)
	}
	if attrs := annotated(t, "plain"); len(attrs) != 0 {
		t.Fatalf("plain value annotated: %v", attrs)
	}
	AnnotateFailure(nil, result.ServerError())
}
