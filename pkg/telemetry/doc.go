// Package telemetry provides observability instrumentation for Harbormaster.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher into
// one Telemetry bundle handed to the engine components.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//
// Components constructed without telemetry use Nop(). Metrics, Tracer and
// EventPublisher methods are safe to call on nil or disabled values.
//
// # Structured Logging
//
//	logger := tel.Logger.WithTask(link, kind)
//	logger.Warn().Err(err).Msg("callback delivery failed")
//
// Engine packages take a plain zerolog.Logger obtained with Logger.Zerolog()
// or Logger.Component(name). WithContext makes the root logger reachable
// through zerolog.Ctx.
//
// # Tracing
//
// Spans are opened around sub-stage handler dispatch (task.handle), each
// reconciliation pass (reconcile.pass) and adapter operations (adapter.<op>).
// Supported exporters: "otlp" (gRPC), "stdout" (stderr, pretty printed) and
// "none".
//
// # Metrics
//
// Key metrics exposed under the configured namespace:
//
//   - harbormaster_tasks_started_total{kind}
//   - harbormaster_tasks_completed_total{kind,stage}
//   - harbormaster_task_duration_seconds{kind,stage}
//   - harbormaster_task_transitions_total{kind,sub_stage}
//   - harbormaster_task_transition_rejections_total{kind,reason}
//   - harbormaster_barriers_created_total
//   - harbormaster_barriers_fired_total{outcome}
//   - harbormaster_reconcile_passes_total{status}
//   - harbormaster_reconcile_ticks_skipped_total
//   - harbormaster_redeploys_total{outcome}
//   - harbormaster_diff_entries_total{field}
//   - harbormaster_adapter_invocations_total{adapter,operation,status}
//   - harbormaster_errors_by_class_total{class}
//
// # Events
//
// The publisher fans lifecycle events out to subscribers, optionally through
// an async buffer. The AMQP relay in package mq is one such subscriber:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    ...
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
