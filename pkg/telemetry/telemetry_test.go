package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	assert.Error(t, cfg.Validate(), "otlp needs an endpoint")

	cfg.Tracing.Endpoint = "localhost:4317"
	assert.NoError(t, cfg.Validate())

	cfg.Tracing.SamplingRate = 2
	assert.Error(t, cfg.Validate())
}

func TestMetrics_NilAndDisabledAreNoops(t *testing.T) {
	var nilMetrics *Metrics
	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	for _, m := range []*Metrics{nilMetrics, disabled} {
		m.RecordTaskStarted("removal")
		m.RecordTaskCompleted("removal", "FINISHED", time.Second)
		m.RecordTransition("removal", "INSTANCES_REMOVED")
		m.RecordTransitionRejected("removal", "terminal")
		m.RecordBarrierCreated()
		m.RecordBarrierFired(true)
		m.RecordReconcilePass("success", time.Second)
		m.RecordReconcileSkipped()
		m.RecordRedeploy("dispatched")
		m.RecordDiffEntries("env", 2)
		m.RecordAdapterInvocation("simulated", "create", nil, time.Millisecond)
		m.RecordError("permanent", "TASK_EXPIRED")
	}

	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "hm_test"})
	require.NoError(t, err)

	m.RecordTaskStarted("clustering")
	m.RecordTaskStarted("clustering")
	m.RecordTaskCompleted("clustering", "FINISHED", 2*time.Second)
	m.RecordBarrierFired(true)
	m.RecordBarrierFired(false)
	m.RecordBarrierFired(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksStarted.WithLabelValues("clustering")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeTasks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.barriersFired.WithLabelValues("failure")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "hm_test_tasks_started_total"))
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got []Event
		wg  sync.WaitGroup
	)
	wg.Add(2)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		wg.Done()
	}, FilterByType(EventTypeTaskStarted, EventTypeBarrierFired))

	require.NoError(t, ep.PublishTaskStarted("/tasks/removal/1", "removal", "ctx"))
	require.NoError(t, ep.PublishTaskTransitioned("/tasks/removal/1", "removal", "STARTED", "INSTANCES_REMOVED"))
	require.NoError(t, ep.PublishBarrierFired("/barriers/1", "/tasks/removal/1", false))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	for _, e := range got {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestEventPublisher_AsyncFlushesWithoutFullBatch(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, EnableAsync: true})
	require.NoError(t, err)
	defer ep.Shutdown(context.Background())

	received := make(chan Event, 1)
	ep.Subscribe(func(e Event) { received <- e }, FilterByTask("/tasks/clustering/9"))

	require.NoError(t, ep.PublishTaskFailed("/tasks/clustering/9", "clustering", "", "TASK_EXPIRED", "expired"))

	select {
	case e := <-received:
		assert.Equal(t, EventTypeTaskExpired, e.Type)
		assert.Equal(t, EventLevelError, e.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestEventPublisher_NilIsNoop(t *testing.T) {
	var ep *EventPublisher
	assert.NoError(t, ep.PublishTaskStarted("/tasks/x", "removal", ""))
	ep.Subscribe(func(Event) {}, nil)
	assert.NoError(t, ep.Shutdown(context.Background()))
}

func TestFilterByLevel(t *testing.T) {
	f := FilterByLevel(EventLevelWarning)
	assert.False(t, f(Event{Level: EventLevelInfo}))
	assert.True(t, f(Event{Level: EventLevelWarning}))
	assert.True(t, f(Event{Level: EventLevelError}))
}

func TestRecordAdapterOperation(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "hm_adapter"})
	require.NoError(t, err)
	tel := Nop()
	tel.Metrics = m

	boom := errors.New("boom")
	err = tel.RecordAdapterOperation(context.Background(), "ssh", "delete", "/resources/containers/c1",
		func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	require.NoError(t, tel.RecordAdapterOperation(context.Background(), "ssh", "create", "/resources/containers/c1",
		func(ctx context.Context) error { return nil }))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.adapterInvocations.WithLabelValues("ssh", "delete", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adapterInvocations.WithLabelValues("ssh", "create", "success")))

	var nilTel *Telemetry
	assert.NoError(t, nilTel.RecordAdapterOperation(context.Background(), "ssh", "stop", "/x",
		func(ctx context.Context) error { return nil }))
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)

	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()).Metrics)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewTelemetry_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "xml"
	_, err := NewTelemetry(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Logging.Format")
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hm.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	task := logger.WithTask("/tasks/removal/1", "removal")
	task.Debug().Msg("dispatched")
	comp := logger.Component("barrier")
	comp.Trace().Msg("below level")
	comp.Info().Msg("fired")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"task":"/tasks/removal/1"`)
	assert.Contains(t, lines[0], `"kind":"removal"`)
	assert.Contains(t, lines[1], `"component":"barrier"`)
}

func TestNilLoggerIsNop(t *testing.T) {
	var l *Logger
	zl := l.Component("x")
	zl.Error().Msg("discarded")
	assert.NoError(t, l.Close())
}

func TestEventPublisher_Unsubscribe(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	require.NoError(t, err)

	var count atomic.Int32
	unsubscribe := ep.Subscribe(func(Event) { count.Add(1) }, nil)
	require.NoError(t, ep.PublishTaskStarted("/tasks/removal/1", "removal", ""))
	unsubscribe()
	require.NoError(t, ep.PublishTaskStarted("/tasks/removal/2", "removal", ""))
	assert.Equal(t, int32(1), count.Load())
}

func TestEventPublisher_QueueFullAndClosed(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})
	require.NoError(t, err)

	release := make(chan struct{})
	ep.Subscribe(func(Event) { <-release }, nil)

	// The worker takes the first event and blocks; the second fills the queue.
	require.NoError(t, ep.PublishTaskStarted("/tasks/removal/1", "removal", ""))
	require.Eventually(t, func() bool { return len(ep.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, ep.PublishTaskStarted("/tasks/removal/2", "removal", ""))
	assert.ErrorIs(t, ep.PublishTaskStarted("/tasks/removal/3", "removal", ""), ErrEventDropped)
	assert.Equal(t, int64(1), ep.Dropped())

	close(release)
	require.NoError(t, ep.Shutdown(context.Background()))
	assert.ErrorIs(t, ep.PublishTaskStarted("/tasks/removal/4", "removal", ""), ErrPublisherClosed)
}
