package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// instrumentationName names the tracer used by every package.
const instrumentationName = "github.com/pcutils/pcutils"

// Tracer owns the trace provider. Packages start spans through the
// package-level helpers, which use the global provider.
type Tracer struct {
	provider *sdktrace.TracerProvider
	config   TracingConfig
}

// NewTracer creates a tracer and installs its provider globally. With
// exporter "none" the global no-op provider is left in place.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string) (*Tracer, error) {
	if !cfg.Enabled() {
		return &Tracer{config: cfg}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(cfg.ExportTimeout)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{provider: provider, config: cfg}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the span covering a whole run.
func StartRunSpan(ctx context.Context, runID string, instances int) (context.Context, trace.Span) {
	return StartSpan(ctx, "run.execute",
		AttrRunID.String(runID),
		attribute.Int("run.instances", instances),
	)
}

// StartInstanceSpan starts the span of one plugin instance.
func StartInstanceSpan(ctx context.Context, plugin string, instance int, remote bool) (context.Context, trace.Span) {
	return StartSpan(ctx, "instance.execute",
		AttrPlugin.String(plugin),
		AttrInstance.Int(instance),
		AttrRemote.Bool(remote),
	)
}

// StartHostSpan starts the span of one host of an SSH fan-out.
func StartHostSpan(ctx context.Context, plugin, host string) (context.Context, trace.Span) {
	return StartSpan(ctx, "host.execute",
		AttrPlugin.String(plugin),
		AttrTargetHost.String(host),
	)
}

// AddPhaseEvent records an SSH phase transition on the span of ctx.
func AddPhaseEvent(ctx context.Context, phase string) {
	trace.SpanFromContext(ctx).AddEvent("phase", trace.WithAttributes(AttrPhase.String(phase)))
}

// RecordError records an error on the current span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordOutcome sets the span status from a success flag.
func RecordOutcome(span trace.Span, success bool, message string) {
	if success {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetStatus(codes.Error, message)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Common attribute keys.
var (
	AttrRunID      = attribute.Key("run.id")
	AttrPlugin     = attribute.Key("plugin.id")
	AttrInstance   = attribute.Key("plugin.instance")
	AttrRemote     = attribute.Key("plugin.remote")
	AttrTargetHost = attribute.Key("target.host")
	AttrPhase      = attribute.Key("ssh.phase")
	AttrErrorClass = attribute.Key("error.class")
)
