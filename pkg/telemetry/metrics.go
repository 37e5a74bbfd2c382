package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for Harbormaster. A nil *Metrics and a
// disabled one are both valid no-op collectors.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksStarted         *prometheus.CounterVec
	tasksCompleted       *prometheus.CounterVec
	taskDuration         *prometheus.HistogramVec
	transitions          *prometheus.CounterVec
	transitionRejections *prometheus.CounterVec
	activeTasks          prometheus.Gauge

	// Barrier metrics
	barriersCreated prometheus.Counter
	barriersFired   *prometheus.CounterVec

	// Reconciliation metrics
	reconcilePasses   *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	reconcileSkipped  prometheus.Counter
	redeploys         *prometheus.CounterVec
	diffEntries       *prometheus.CounterVec

	// Adapter metrics
	adapterInvocations *prometheus.CounterVec
	adapterDuration    *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Total number of workflow tasks started",
			},
			[]string{"kind"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of workflow tasks that reached a terminal stage",
			},
			[]string{"kind", "stage"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time from task creation to its terminal stage in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "stage"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transitions_total",
				Help:      "Total number of applied sub-stage transitions",
			},
			[]string{"kind", "sub_stage"},
		),
		transitionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transition_rejections_total",
				Help:      "Total number of patches rejected by the transition table",
			},
			[]string{"kind", "reason"},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Current number of non-terminal tasks started by this process",
			},
		),

		barriersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "barriers_created_total",
				Help:      "Total number of counting barriers created",
			},
		),
		barriersFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "barriers_fired_total",
				Help:      "Total number of counting barriers that reached zero",
			},
			[]string{"outcome"},
		),

		reconcilePasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_passes_total",
				Help:      "Total number of reconciliation passes",
			},
			[]string{"status"},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_pass_duration_seconds",
				Help:      "Duration of reconciliation passes in seconds",
				Buckets:   buckets,
			},
		),
		reconcileSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_ticks_skipped_total",
				Help:      "Total number of control loop ticks skipped because a pass was in flight",
			},
		),
		redeploys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redeploys_total",
				Help:      "Total number of REDEPLOY recommendations by outcome",
			},
			[]string{"outcome"},
		),
		diffEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diff_entries_total",
				Help:      "Total number of desired/actual diff entries found",
			},
			[]string{"field"},
		),

		adapterInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_invocations_total",
				Help:      "Total number of adapter invocations",
			},
			[]string{"adapter", "operation", "status"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_duration_seconds",
				Help:      "Duration of adapter operations in seconds",
				Buckets:   buckets,
			},
			[]string{"adapter", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.tasksStarted,
		m.tasksCompleted,
		m.taskDuration,
		m.transitions,
		m.transitionRejections,
		m.activeTasks,
		m.barriersCreated,
		m.barriersFired,
		m.reconcilePasses,
		m.reconcileDuration,
		m.reconcileSkipped,
		m.redeploys,
		m.diffEntries,
		m.adapterInvocations,
		m.adapterDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Task Metrics

// RecordTaskStarted increments the counter for started tasks.
func (m *Metrics) RecordTaskStarted(kind string) {
	if !m.enabled() {
		return
	}
	m.tasksStarted.WithLabelValues(kind).Inc()
	m.activeTasks.Inc()
}

// RecordTaskCompleted records a task reaching a terminal stage.
func (m *Metrics) RecordTaskCompleted(kind, stage string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksCompleted.WithLabelValues(kind, stage).Inc()
	m.taskDuration.WithLabelValues(kind, stage).Observe(duration.Seconds())
	m.activeTasks.Dec()
}

// RecordTransition records an applied sub-stage transition.
func (m *Metrics) RecordTransition(kind, subStage string) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(kind, subStage).Inc()
}

// RecordTransitionRejected records a patch rejected by the transition table.
func (m *Metrics) RecordTransitionRejected(kind, reason string) {
	if !m.enabled() {
		return
	}
	m.transitionRejections.WithLabelValues(kind, reason).Inc()
}

// Barrier Metrics

// RecordBarrierCreated increments the counter for created barriers.
func (m *Metrics) RecordBarrierCreated() {
	if !m.enabled() {
		return
	}
	m.barriersCreated.Inc()
}

// RecordBarrierFired records a barrier firing on the success or failure path.
func (m *Metrics) RecordBarrierFired(failed bool) {
	if !m.enabled() {
		return
	}
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.barriersFired.WithLabelValues(outcome).Inc()
}

// Reconciliation Metrics

// RecordReconcilePass records a finished reconciliation pass.
func (m *Metrics) RecordReconcilePass(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.reconcilePasses.WithLabelValues(status).Inc()
	m.reconcileDuration.Observe(duration.Seconds())
}

// RecordReconcileSkipped records a tick skipped because a pass was in flight.
func (m *Metrics) RecordReconcileSkipped() {
	if !m.enabled() {
		return
	}
	m.reconcileSkipped.Inc()
}

// RecordRedeploy records the outcome of a REDEPLOY recommendation:
// dispatched, denied or failed.
func (m *Metrics) RecordRedeploy(outcome string) {
	if !m.enabled() {
		return
	}
	m.redeploys.WithLabelValues(outcome).Inc()
}

// RecordDiffEntries records diff entries found for one field.
func (m *Metrics) RecordDiffEntries(field string, count int) {
	if !m.enabled() || count == 0 {
		return
	}
	m.diffEntries.WithLabelValues(field).Add(float64(count))
}

// Adapter Metrics

// RecordAdapterInvocation records an adapter operation with its duration.
func (m *Metrics) RecordAdapterInvocation(adapter, operation string, err error, duration time.Duration) {
	if !m.enabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.adapterInvocations.WithLabelValues(adapter, operation, status).Inc()
	m.adapterDuration.WithLabelValues(adapter, operation).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Gatherer exposes the registry for tests and embedding servers.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if !m.enabled() {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics. The server is
// shut down when ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Metrics are best effort; the service keeps running.
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Str("path", m.config.Path).Msg("metrics server started")
	return nil
}
