package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/harbormaster/pkg/telemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	Exchange string

	// RoutingPrefix is prepended to the event type, e.g. "harbormaster" gives
	// "harbormaster.task.finished".
	RoutingPrefix string

	// BufferSize bounds events waiting to be published. Events arriving on a
	// full buffer are dropped.
	BufferSize int

	// Filter, when set, selects the relayed events.
	Filter telemetry.EventFilter
}

// Relay publishes events from the in-process event bus to an exchange.
type Relay struct {
	pub    Publisher
	cfg    RelayConfig
	logger zerolog.Logger

	events  chan telemetry.Event
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewRelay creates a relay publishing through pub and starts its worker.
func NewRelay(pub Publisher, cfg RelayConfig, logger zerolog.Logger) *Relay {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	r := &Relay{
		pub:     pub,
		cfg:     cfg,
		logger:  logger.With().Str("component", "relay").Str("exchange", cfg.Exchange).Logger(),
		events:  make(chan telemetry.Event, cfg.BufferSize),
		closing: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Attach subscribes the relay to events.
func (r *Relay) Attach(events *telemetry.EventPublisher) {
	events.Subscribe(r.Enqueue, r.cfg.Filter)
}

// Enqueue queues an event for publishing without blocking.
func (r *Relay) Enqueue(ev telemetry.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
		r.logger.Warn().Str("event", ev.Type).Msg("relay buffer full, event dropped")
	}
}

func (r *Relay) run() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.events:
			r.publish(ev)
		case <-r.closing:
			for {
				select {
				case ev := <-r.events:
					r.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) publish(ev telemetry.Event) {
	key, msg, err := Message(r.cfg.RoutingPrefix, ev)
	if err != nil {
		r.failed.Add(1)
		r.logger.Error().Err(err).Str("event", ev.Type).Msg("event not encodable")
		return
	}
	if err := r.pub.PublishWithContext(context.Background(), r.cfg.Exchange, key, false, false, msg); err != nil {
		r.failed.Add(1)
		r.logger.Warn().Err(err).Str("routing_key", key).Msg("event publish failed")
		return
	}
	r.published.Add(1)
	r.logger.Debug().Str("routing_key", key).Str("message_id", msg.MessageId).Msg("event published")
}

// RoutingKey derives the routing key of an event.
func RoutingKey(prefix string, ev telemetry.Event) string {
	if prefix == "" {
		return ev.Type
	}
	return strings.TrimSuffix(prefix, ".") + "." + ev.Type
}

// Message shapes an event into an AMQP message: JSON body, event id as
// message id and correlation headers for the task and context.
func Message(prefix string, ev telemetry.Event) (string, amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	headers := amqp.Table{"level": ev.Level, "source": ev.Source}
	if ev.TaskLink != "" {
		headers["task_link"] = ev.TaskLink
	}
	if ev.Kind != "" {
		headers["kind"] = ev.Kind
	}
	if ev.ResourceLink != "" {
		headers["resource_link"] = ev.ResourceLink
	}

	return RoutingKey(prefix, ev), amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.ID,
		CorrelationId: ev.ContextID,
		Timestamp:     ev.Timestamp,
		Type:          ev.Type,
		AppId:         "harbormaster",
		Headers:       headers,
		Body:          body,
	}, nil
}

// Stats reports relay counters.
type Stats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Stats returns the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

// Close stops accepting events and publishes what is queued, giving up
// when ctx is done.
func (r *Relay) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.closing)
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay close: %w", ctx.Err())
	}
}
