// Package telemetry wires OpenTelemetry tracing for the gateway and its
// outbound domain calls.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
)

const defaultService = "mcp-gateway"

type Options struct {
	Service    string
	Endpoint   string
	Headers    string
	Timeout    time.Duration
	Insecure   bool
	Required   bool
	Sampler    string
	SamplerArg string
	Logger     *slog.Logger
}

// Init installs the global tracer provider and W3C propagators. With no
// endpoint, spans are sampled but never exported, which keeps trace ids in
// outbound headers. The returned func flushes and stops the provider.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	service := serviceName(o.Service)
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(parseSampler(o.Sampler, o.SamplerArg)),
	}

	if endpoint := strings.TrimSpace(o.Endpoint); endpoint != "" {
		exporter, err := newExporter(ctx, endpoint, o)
		if err != nil {
			if o.Required {
				return nil, err
			}
			logging.OrDiscard(o.Logger).Warn("otel exporter disabled", "error", err, "endpoint", endpoint)
		} else {
			providerOpts = append(providerOpts, trace.WithBatcher(exporter))
		}
	}

	tp := trace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, endpoint string, o Options) (trace.SpanExporter, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if o.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if headers := parseHeaders(o.Headers); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware opens a server span per inbound request.
func HTTPMiddleware(service string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceName(service))
}

// InstrumentClient makes client propagate trace context to domain services.
// The client is modified in place and returned.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func serviceName(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return defaultService
	}
	return s
}

// parseHeaders reads the OTLP "k=v,k2=v2" header list.
func parseHeaders(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
