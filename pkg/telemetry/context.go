package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Telemetry bundles the logger, tracer, metrics and event bus handed to
// the engine components.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds every part. Parts already built
// are released when a later one fails.
func NewTelemetry(cfg *Config) (_ *Telemetry, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	defer func() {
		if err != nil {
			_ = t.Shutdown(context.Background())
		}
	}()

	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// Nop returns a bundle that discards everything. Components fall back to
// it when constructed without telemetry.
func Nop() *Telemetry {
	return &Telemetry{Metrics: &Metrics{}, Config: DefaultConfig()}
}

// WithContext stores t in ctx along with its root logger.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return context.WithValue(t.Logger.WithContext(ctx), telemetryKey{}, t)
}

// FromContext returns the bundle stored by WithContext, or Nop.
func FromContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryKey{}).(*Telemetry); ok {
		return t
	}
	return Nop()
}

// Shutdown drains the event bus, flushes spans and closes the log file.
// It does not stop the metrics server, which follows its own context.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	if err := t.Logger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("logger: %w", err))
	}
	return errors.Join(errs...)
}

// Flush exports pending spans.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer serves /metrics until ctx is cancelled. It is a no-op
// when metrics are disabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.Component("metrics"))
}

// RecordAdapterOperation runs fn inside an adapter span and records its
// duration, outcome and event. It is safe on a nil *Telemetry.
func (t *Telemetry) RecordAdapterOperation(ctx context.Context, adapter, operation, resourceLink string, fn func(ctx context.Context) error) error {
	if t == nil {
		t = &Telemetry{}
	}

	ctx, span := t.Tracer.StartAdapterSpan(ctx, adapter, operation, resourceLink)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	t.Metrics.RecordAdapterInvocation(adapter, operation, err, timer.Duration())
	_ = t.Events.PublishAdapterInvoked(adapter, resourceLink, operation, err)
	SetSpanStatus(span, err)
	return err
}
