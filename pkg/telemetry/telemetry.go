package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and session events.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a telemetry bundle from configuration.
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
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// Nop returns a telemetry bundle that discards logs, spans and metrics while
// still delivering events to subscribers.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	metrics, _ := NewMetrics(cfg.Metrics)
	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	return &Telemetry{
		Logger:  zerolog.Nop(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}
}

// Shutdown stops the event publisher and flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Operation is an instrumented orchestrator operation: a span, a logger
// carrying the operation and trace identifiers, and a timer.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger zerolog.Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation on a session.
func (t *Telemetry) StartOperation(ctx context.Context, operation, sessionID string) *Operation {
	spanCtx, span := t.Tracer.StartSessionSpan(ctx, operation, sessionID)

	lctx := t.Logger.With().Str("operation", operation)
	if sessionID != "" {
		lctx = lctx.Str("session_id", sessionID)
	}
	if span.SpanContext().IsValid() {
		lctx = lctx.
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String())
	}
	logger := lctx.Logger()

	return &Operation{
		Ctx:    WithLogger(spanCtx, logger),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the operation, recording success or failure on its span.
func (o *Operation) End(err error) {
	if err != nil {
		RecordError(o.Span, err)
	} else {
		RecordSuccess(o.Span)
	}
	o.Span.End()
}
