package telemetry

import (
	"context"
	"fmt"
	"os"

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

const tracerName = "github.com/openfroyo/harbormaster"

// Span attribute keys.
var (
	attrTaskLink     = attribute.Key("task.link")
	attrTaskKind     = attribute.Key("task.kind")
	attrSubStage     = attribute.Key("task.sub_stage")
	attrTrigger      = attribute.Key("reconcile.trigger")
	attrAdapter      = attribute.Key("adapter.name")
	attrOperation    = attribute.Key("adapter.operation")
	attrResourceLink = attribute.Key("resource.link")
)

// Tracer opens the engine's spans. A nil or disabled Tracer falls back to
// the global provider, which is a no-op unless something else installed one.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer installs a batching provider for the configured exporter as
// the global tracer provider. Exporter "none" samples spans without
// exporting them.
func NewTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		return &Tracer{}, nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
	}
	exporter, err := newExporter(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Exporter, err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Tracer{provider: provider, tracer: provider.Tracer(tracerName)}, nil
}

func newExporter(tc TracingConfig) (sdktrace.SpanExporter, error) {
	switch tc.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		// stderr keeps spans out of command output.
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q", tc.Exporter)
	}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	if t != nil && t.tracer != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartHandlerSpan opens a span around one sub-stage handler invocation.
func (t *Tracer) StartHandlerSpan(ctx context.Context, link, kind, subStage string) (context.Context, trace.Span) {
	return t.start(ctx, "task.handle",
		attrTaskLink.String(link),
		attrTaskKind.String(kind),
		attrSubStage.String(subStage),
	)
}

// StartReconcileSpan opens a span for one reconciliation pass.
func (t *Tracer) StartReconcileSpan(ctx context.Context, trigger string) (context.Context, trace.Span) {
	return t.start(ctx, "reconcile.pass", attrTrigger.String(trigger))
}

// StartAdapterSpan opens a span named adapter.<operation>.
func (t *Tracer) StartAdapterSpan(ctx context.Context, adapter, operation, resourceLink string) (context.Context, trace.Span) {
	return t.start(ctx, "adapter."+operation,
		attrAdapter.String(adapter),
		attrOperation.String(operation),
		attrResourceLink.String(resourceLink),
	)
}

// SetSpanStatus marks span Ok, or records err and marks it Error.
func SetSpanStatus(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush exports pending spans now.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}
