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
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrPoolID      = attribute.Key("pool.id")
	AttrOperation   = attribute.Key("operation")
	AttrTxID        = attribute.Key("tx.id")
	AttrTxIsolation = attribute.Key("tx.isolation")
	AttrTxState     = attribute.Key("tx.state")
	AttrTaskName    = attribute.Key("task.name")
	AttrTaskClass   = attribute.Key("task.class")
)

// Tracer opens the spans of transactions, dispatched tasks and pool
// operations. A nil or disabled *Tracer starts no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer. When tracing is enabled it installs its
// provider and the W3C propagators globally.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{}, nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	exporter, err := newExporter(cfg, serviceName)
	if err != nil {
		return nil, err
	}
	// "none" records spans without exporting them.
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

func newExporter(cfg TracingConfig, serviceName string) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "none":
		return nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(serviceName)),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

// StartSpan starts a span named operation carrying attrs.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var tr trace.Tracer
	if t == nil || t.tracer == nil {
		tr = noop.NewTracerProvider().Tracer("")
	} else {
		tr = t.tracer
	}
	return tr.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartTxSpan covers one cross-backend transaction from begin to its
// terminal state.
func (t *Tracer) StartTxSpan(ctx context.Context, txID, isolation string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "txn.transaction", AttrTxID.String(txID), AttrTxIsolation.String(isolation))
}

// StartTaskSpan covers one dispatched task.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskName, class string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "dispatch."+taskName, AttrTaskName.String(taskName), AttrTaskClass.String(class))
}

// StartPoolSpan covers a pool operation such as open or cleanup.
func (t *Tracer) StartPoolSpan(ctx context.Context, poolID, operation string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "pool."+operation, AttrPoolID.String(poolID), AttrOperation.String(operation))
}

// RecordError marks span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span ok.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
