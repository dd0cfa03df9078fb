package observability

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/polybox/internal/config"
	"github.com/jkaninda/polybox/internal/sandbox"
)

// Attribute keys shared by sandbox spans and the tracer resource.
const (
	ProviderKey     = attribute.Key("polybox.provider")
	CapabilityKey   = attribute.Key("polybox.capability")
	ResolutionKey   = attribute.Key("polybox.resolution")
	CommandBytesKey = attribute.Key("polybox.command_bytes")
	ExitCodeKey     = attribute.Key("polybox.exit_code")
)

// operationAttributes describes one adapter call: which provider served it,
// which capability was asked for and how the adapter resolved it.
func operationAttributes(provider string, op sandbox.Capability, res sandbox.Resolution) []attribute.KeyValue {
	return []attribute.KeyValue{
		ProviderKey.String(provider),
		CapabilityKey.String(string(op)),
		ResolutionKey.String(string(res)),
	}
}

// commandAttributes describes one command sent to the execution primitive.
func commandAttributes(provider, command string) []attribute.KeyValue {
	return []attribute.KeyValue{
		ProviderKey.String(provider),
		CapabilityKey.String(string(sandbox.CapExecute)),
		CommandBytesKey.Int(len(command)),
	}
}

// resourceAttributes builds the process-wide resource: the service name, the
// default provider and any configured extras, in key order.
func resourceAttributes(serviceName, provider string, extra map[string]string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if provider != "" {
		attrs = append(attrs, ProviderKey.String(provider))
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == string(semconv.ServiceNameKey) || k == string(ProviderKey) {
			continue
		}
		attrs = append(attrs, attribute.String(k, extra[k]))
	}
	return attrs
}

// TracerSetup holds the OTel TracerProvider and a named tracer.
// The provider is not installed globally; callers inject it.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup creates an OTel TracerProvider with an OTLP exporter. provider
// is recorded on the resource as the default sandbox provider.
func NewTracerSetup(cfg *config.TracingConfig, provider string) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "polybox"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(resourceAttributes(serviceName, provider, cfg.ResourceAttributes)...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc" or empty
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)
	return newTracerSetup(tp, serviceName), nil
}

func newTracerSetup(tp *sdktrace.TracerProvider, name string) *TracerSetup {
	return &TracerSetup{provider: tp, tracer: tp.Tracer(name)}
}

// Tracer returns the named tracer for creating spans.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes any pending spans and shuts down the TracerProvider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
