// Package telemetry wires OpenTelemetry tracing for the dispatchers.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

const (
	defaultServiceName = "records-dispatch"
	tracerName         = "github.com/casual-simulation/casualos-sub007/dispatch"
)

// Exporter holds the OTLP settings read from the standard OTEL_* variables.
type Exporter struct {
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	Insecure bool
	// Required turns an exporter failure into an Init error instead of a
	// warning.
	Required    bool
	Sampler     string
	SamplerArg  string
	ServiceName string
}

func ExporterFromEnv(serviceName string) Exporter {
	e := Exporter{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     splitPairs(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     5 * time.Second,
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     os.Getenv("OTEL_TRACES_SAMPLER"),
		SamplerArg:  os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
		ServiceName: strings.TrimSpace(serviceName),
	}
	if sec, err := strconv.Atoi(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC")); err == nil && sec > 0 {
		e.Timeout = time.Duration(sec) * time.Second
	}
	if e.ServiceName == "" {
		e.ServiceName = defaultServiceName
	}
	return e
}

// Init installs the global tracer provider and returns its shutdown.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	return ExporterFromEnv(serviceName).Install(ctx)
}

func (e Exporter) Install(ctx context.Context) (func(context.Context) error, error) {
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(e.ServiceName),
	))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(sampler(e.Sampler, e.SamplerArg))}
	if e.Endpoint != "" {
		exp, err := otlptracehttp.New(ctx, e.clientOptions()...)
		switch {
		case err == nil:
			opts = append(opts, sdktrace.WithBatcher(exp))
		case e.Required:
			return nil, err
		default:
			slog.Warn("otel exporter disabled", "endpoint", e.Endpoint, "error", err)
		}
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func (e Exporter) clientOptions() []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(e.Endpoint), otlptracehttp.WithTimeout(e.Timeout)}
	if e.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(e.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(e.Headers))
	}
	return opts
}

// StartDispatch opens the span that covers one dispatch.
func StartDispatch(ctx context.Context, transport, method, path string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch "+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("dispatch.transport", transport),
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		))
}

// AnnotateFailure copies a failed result's code and reason onto span
// attributes. The response body is never touched.
func AnnotateFailure(span trace.Span, v any) {
	if span == nil {
		return
	}
	o, ok := v.(result.Outcome)
	if !ok || o.Succeeded() {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("result.error_code", string(o.FailureCode()))}
	if r := o.FailureReason(); r != nil {
		for _, kv := range [...]struct{ k, v string }{
			{"result.reason.type", r.Type},
			{"result.reason.action", r.Action},
			{"result.reason.resource_kind", r.ResourceKind},
			{"result.reason.resource_id", r.ResourceID},
			{"result.reason.marker", r.Marker},
			{"result.reason.role", r.Role},
		} {
			if kv.v != "" {
				attrs = append(attrs, attribute.String(kv.k, kv.v))
			}
		}
	}
	span.SetAttributes(attrs...)
}

// sampler maps OTEL_TRACES_SAMPLER names. Unknown names fall back to
// parent-based ratio sampling.
func sampler(name, arg string) sdktrace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	if serviceName = strings.TrimSpace(serviceName); serviceName == "" {
		serviceName = defaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient wraps client's transport in place.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// splitPairs parses "k1=v1,k2=v2". Malformed pairs are skipped.
func splitPairs(raw string) map[string]string {
	var out map[string]string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
