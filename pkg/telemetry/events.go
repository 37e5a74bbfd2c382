package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event of the Harbormaster engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	// TaskLink is the associated task or barrier document, if any.
	TaskLink string `json:"task_link,omitempty"`

	// Kind is the workflow kind of the task, if any.
	Kind string `json:"kind,omitempty"`

	// ContextID is the correlation id of the associated request, if any.
	ContextID string `json:"context_id,omitempty"`

	// ResourceLink is the associated container or description, if any.
	ResourceLink string `json:"resource_link,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for engine events.
const (
	EventTypeTaskStarted         = "task.started"
	EventTypeTaskTransitioned    = "task.transitioned"
	EventTypeTaskFinished        = "task.finished"
	EventTypeTaskFailed          = "task.failed"
	EventTypeTaskExpired         = "task.expired"
	EventTypeBarrierFired        = "barrier.fired"
	EventTypeReconcileCompleted  = "reconcile.completed"
	EventTypeRedeployRecommended = "reconcile.redeploy_recommended"
	EventTypeRedeployDenied      = "reconcile.redeploy_denied"
	EventTypeAdapterInvoked      = "adapter.invoked"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber receives published events. It runs on the publishing
// goroutine, or on the bus worker in async mode, so it must not block.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

var (
	// ErrEventDropped is returned when the async queue is full.
	ErrEventDropped = errors.New("event queue full")
	// ErrPublisherClosed is returned after Shutdown.
	ErrPublisherClosed = errors.New("event publisher closed")
)

// EventPublisher is the in-process lifecycle event bus. A nil or disabled
// publisher accepts and discards everything.
type EventPublisher struct {
	cfg EventsConfig

	mu     sync.RWMutex
	subs   []subscription
	nextID int

	queue   chan Event
	stop    chan struct{}
	stopped sync.Once
	worker  sync.WaitGroup
	dropped atomic.Int64
}

type subscription struct {
	id     int
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher creates the bus. With EnableAsync, events are queued
// up to BufferSize and delivered by one background worker.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg, stop: make(chan struct{})}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.worker.Add(1)
	go ep.run()
	return ep, nil
}

func (ep *EventPublisher) active() bool {
	return ep != nil && ep.cfg.Enabled
}

// Publish stamps the event with an id and time and hands it to the
// subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.active() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-ep.stop:
		return ErrPublisherClosed
	default:
	}
	if ep.queue == nil {
		ep.dispatch(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		ep.dropped.Add(1)
		return ErrEventDropped
	}
}

// Dropped returns how many events the full queue has refused.
func (ep *EventPublisher) Dropped() int64 {
	if ep == nil {
		return 0
	}
	return ep.dropped.Load()
}

func (ep *EventPublisher) dispatch(event Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

func (ep *EventPublisher) run() {
	defer ep.worker.Done()
	for {
		select {
		case event := <-ep.queue:
			ep.dispatch(event)
		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					ep.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// Subscribe registers fn for the events filter accepts; a nil filter
// accepts all. The returned func removes the subscription.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) (unsubscribe func()) {
	if ep == nil {
		return func() {}
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.nextID++
	id := ep.nextID
	// Copy on write keeps dispatch lock free.
	ep.subs = append(slices.Clip(ep.subs), subscription{id: id, fn: fn, filter: filter})

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		ep.subs = slices.DeleteFunc(slices.Clone(ep.subs), func(s subscription) bool { return s.id == id })
	}
}

// Shutdown refuses new events and waits for the queue to drain.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.stopped.Do(func() { close(ep.stop) })

	done := make(chan struct{})
	go func() {
		ep.worker.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event queue not drained: %w", ctx.Err())
	}
}

// PublishTaskStarted publishes a task started event.
func (ep *EventPublisher) PublishTaskStarted(link, kind, contextID string) error {
	return ep.Publish(Event{
		Type:      EventTypeTaskStarted,
		Source:    "task",
		TaskLink:  link,
		Kind:      kind,
		ContextID: contextID,
		Message:   fmt.Sprintf("Task %s of kind %s started", link, kind),
		Level:     EventLevelInfo,
	})
}

// PublishTaskTransitioned publishes an applied sub-stage transition.
func (ep *EventPublisher) PublishTaskTransitioned(link, kind, stage, subStage string) error {
	return ep.Publish(Event{
		Type:     EventTypeTaskTransitioned,
		Source:   "task",
		TaskLink: link,
		Kind:     kind,
		Message:  fmt.Sprintf("Task %s moved to %s/%s", link, stage, subStage),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"stage":     stage,
			"sub_stage": subStage,
		},
	})
}

// PublishTaskFinished publishes a task finished event.
func (ep *EventPublisher) PublishTaskFinished(link, kind, contextID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeTaskFinished,
		Source:    "task",
		TaskLink:  link,
		Kind:      kind,
		ContextID: contextID,
		Message:   fmt.Sprintf("Task %s finished", link),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishTaskFailed publishes a task failed event.
func (ep *EventPublisher) PublishTaskFailed(link, kind, contextID, code, reason string) error {
	eventType := EventTypeTaskFailed
	if code == "TASK_EXPIRED" {
		eventType = EventTypeTaskExpired
	}
	return ep.Publish(Event{
		Type:      eventType,
		Source:    "task",
		TaskLink:  link,
		Kind:      kind,
		ContextID: contextID,
		Message:   fmt.Sprintf("Task %s failed: %s", link, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"code":   code,
			"reason": reason,
		},
	})
}

// PublishBarrierFired publishes a barrier firing event.
func (ep *EventPublisher) PublishBarrierFired(link, parent string, failed bool) error {
	level := EventLevelInfo
	if failed {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:     EventTypeBarrierFired,
		Source:   "barrier",
		TaskLink: link,
		Message:  fmt.Sprintf("Barrier %s fired to %s", link, parent),
		Level:    level,
		Data: map[string]interface{}{
			"parent": parent,
			"failed": failed,
		},
	})
}

// PublishReconcileCompleted publishes the summary of a reconciliation pass.
func (ep *EventPublisher) PublishReconcileCompleted(descriptors, groups, redeploys int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeReconcileCompleted,
		Source:  "reconcile",
		Message: fmt.Sprintf("Reconciliation pass checked %d descriptors and %d groups, %d redeploys", descriptors, groups, redeploys),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"descriptors": descriptors,
			"groups":      groups,
			"redeploys":   redeploys,
			"duration":    duration.Seconds(),
		},
	})
}

// PublishRedeployRecommended publishes a REDEPLOY recommendation.
func (ep *EventPublisher) PublishRedeployRecommended(descriptionLink, contextID string, diffCount int) error {
	return ep.Publish(Event{
		Type:         EventTypeRedeployRecommended,
		Source:       "reconcile",
		ResourceLink: descriptionLink,
		ContextID:    contextID,
		Message:      fmt.Sprintf("Redeploy recommended for %s in context %s (%d diffs)", descriptionLink, contextID, diffCount),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"diff_count": diffCount,
		},
	})
}

// PublishRedeployDenied publishes a redeploy rejected by policy.
func (ep *EventPublisher) PublishRedeployDenied(descriptionLink, contextID string, reasons []string) error {
	return ep.Publish(Event{
		Type:         EventTypeRedeployDenied,
		Source:       "policy",
		ResourceLink: descriptionLink,
		ContextID:    contextID,
		Message:      fmt.Sprintf("Redeploy of %s in context %s denied by policy", descriptionLink, contextID),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"reasons": reasons,
		},
	})
}

// PublishAdapterInvoked publishes an adapter operation outcome.
func (ep *EventPublisher) PublishAdapterInvoked(adapter, resourceLink, operation string, err error) error {
	level := EventLevelInfo
	msg := fmt.Sprintf("Adapter %s performed %s on %s", adapter, operation, resourceLink)
	data := map[string]interface{}{
		"adapter":   adapter,
		"operation": operation,
	}
	if err != nil {
		level = EventLevelError
		msg = fmt.Sprintf("Adapter %s failed %s on %s: %v", adapter, operation, resourceLink, err)
		data["error"] = err.Error()
	}
	return ep.Publish(Event{
		Type:         EventTypeAdapterInvoked,
		Source:       "adapter",
		ResourceLink: resourceLink,
		Message:      msg,
		Level:        level,
		Data:         data,
	})
}

// FilterByLevel accepts events at minLevel or more severe.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank(minLevel)
	return func(event Event) bool { return levelRank(event.Level) >= floor }
}

func levelRank(level string) int {
	switch level {
	case EventLevelError:
		return 2
	case EventLevelWarning:
		return 1
	default:
		return 0
	}
}

// FilterByType accepts the listed event types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool { return slices.Contains(types, event.Type) }
}

// FilterByTask accepts events about one task or barrier.
func FilterByTask(link string) EventFilter {
	return func(event Event) bool { return event.TaskLink == link }
}

// FilterByContextID accepts events of one request context.
func FilterByContextID(contextID string) EventFilter {
	return func(event Event) bool { return event.ContextID == contextID }
}
