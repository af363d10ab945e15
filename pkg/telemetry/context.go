package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the logger, tracer and metrics registry shared by every
// component of one core. Components receive the parts they need at
// construction.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds all three parts. If a later part
// fails, the tracer built so far is shut down.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, errors.Join(err, tracer.Shutdown(context.Background()))
	}

	logger.NewComponentLogger("telemetry").WithFields(map[string]interface{}{
		"environment": cfg.Environment,
		"exporter":    cfg.Tracing.Exporter,
		"tracing":     cfg.Tracing.Enabled,
		"metrics":     cfg.Metrics.Enabled,
	}).Debug("Telemetry initialized")

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// Nop discards logs, spans and metrics. Tests and library callers that
// bring no telemetry get this.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	m, _ := NewMetrics(cfg.Metrics)
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  &Tracer{},
		Metrics: m,
		Config:  cfg,
	}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown flushes pending spans and stops the tracer. A metrics server
// started with StartMetricsServer is stopped separately by ShutdownServer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer serves the registry when metrics are enabled and
// returns nil otherwise.
func (t *Telemetry) StartMetricsServer() *http.Server {
	return t.Metrics.StartMetricsServer(t.Logger)
}

// ShutdownServer stops a server returned by StartMetricsServer. A nil
// server is a no-op.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Operation is one traced unit of work started by StartOperation. Span is
// nil when ctx carried no telemetry.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	name    string
	started time.Time
}

// StartOperation opens a span named name and a logger tagged with the
// operation and, when sampled, its trace and span ids.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, Logger: FromContext(ctx), name: name, started: time.Now()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return op
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, name, attrs...)
	logger := tel.Logger.WithField("operation", name)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	op.Ctx = logger.WithContext(spanCtx)
	op.Span = span
	op.Logger = logger
	return op
}

// End closes the span with err's status. Failures are also logged at debug
// level with the elapsed time.
func (op *Operation) End(err error) {
	if op.Span != nil {
		if err != nil {
			RecordError(op.Span, err)
		} else {
			RecordSuccess(op.Span)
		}
		op.Span.End()
	}
	if err != nil {
		op.Logger.WithError(err).
			WithField("duration", time.Since(op.started).String()).
			Debug(op.name + " failed")
	}
}
