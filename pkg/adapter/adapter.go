// Package adapter implements engine.Adapter endpoints. An adapter accepts a
// request, performs the effect asynchronously, records the observed state on
// the container document and reports the outcome through the request's
// completion callback.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/harbormaster/pkg/callback"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/openfroyo/harbormaster/pkg/telemetry"
	"github.com/rs/zerolog"
)

const updateAttempts = 5

// effect performs one operation against the container snapshot c. The
// returned mutate, when set, is applied to the stored container whether or
// not err is set.
type effect func(ctx context.Context, c engine.Container) (mutate func(*engine.Container), err error)

type options struct {
	tel     *telemetry.Telemetry
	latency time.Duration
	fail    FailFunc
}

// Option configures an adapter.
type Option func(*options)

// WithTelemetry enables adapter spans, metrics and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithLatency delays every simulated operation.
func WithLatency(d time.Duration) Option {
	return func(o *options) { o.latency = d }
}

// FailFunc decides whether the simulated adapter fails a request.
type FailFunc func(req engine.AdapterRequest) error

// WithFailures injects failures into the simulated adapter.
func WithFailures(fn FailFunc) Option {
	return func(o *options) { o.fail = fn }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.tel == nil {
		o.tel = telemetry.Nop()
	}
	return o
}

// dispatcher runs effects off the caller's goroutine and reports them.
type dispatcher struct {
	name     string
	store    stores.Store
	notifier *callback.Notifier
	logger   zerolog.Logger
	tel      *telemetry.Telemetry

	wg     sync.WaitGroup
	closed atomic.Bool
}

func newDispatcher(name string, store stores.Store, notifier *callback.Notifier, logger zerolog.Logger, tel *telemetry.Telemetry) dispatcher {
	return dispatcher{
		name:     name,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "adapter").Str("adapter", name).Logger(),
		tel:      tel,
	}
}

func validateRequest(req engine.AdapterRequest) error {
	if req.ResourceLink == "" {
		return engine.NewValidationError("resource link is required", nil)
	}
	if err := req.Operation.Validate(); err != nil {
		return engine.NewValidationError(err.Error(), err).WithResource(req.ResourceLink)
	}
	return nil
}

// invoke accepts req and runs fn asynchronously. Delete of a container that
// no longer exists succeeds without running fn.
func (d *dispatcher) invoke(ctx context.Context, req engine.AdapterRequest, fn effect) error {
	if d.closed.Load() {
		return engine.NewCollaboratorError(fmt.Sprintf("adapter %s is closed", d.name), nil)
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		err := d.tel.RecordAdapterOperation(bg, d.name, string(req.Operation), req.ResourceLink, func(ctx context.Context) error {
			return d.apply(ctx, req, fn)
		})

		logger := d.logger.With().
			Str("container", req.ResourceLink).
			Str("operation", string(req.Operation)).
			Logger()
		out := callback.Success(req.ResourceLink, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("adapter operation failed")
			out = callback.Failed(req.ResourceLink, err)
		} else {
			logger.Debug().Msg("adapter operation completed")
		}
		d.notifier.Notify(bg, req.Callback, out)
	}()
	return nil
}

func (d *dispatcher) apply(ctx context.Context, req engine.AdapterRequest, fn effect) error {
	c, err := stores.GetAs[engine.Container](ctx, d.store, req.ResourceLink)
	if engine.IsNotFound(err) && req.Operation.IsDestructive() {
		return nil
	}
	if err != nil {
		return engine.NewCollaboratorError("failed to load container", err).WithResource(req.ResourceLink)
	}

	mutate, opErr := fn(ctx, *c)
	if mutate != nil {
		if err := d.update(ctx, req.ResourceLink, mutate); err != nil && opErr == nil {
			opErr = err
		}
	}
	if opErr != nil {
		return fmt.Errorf("%s %s: %w", req.Operation, req.ResourceLink, opErr)
	}
	return nil
}

func (d *dispatcher) update(ctx context.Context, link string, mutate func(*engine.Container)) error {
	_, err := stores.UpdateWithRetry(ctx, d.store, link, updateAttempts, func(doc *stores.Document) error {
		var c engine.Container
		if err := doc.Decode(&c); err != nil {
			return err
		}
		mutate(&c)
		next, err := stores.NewDocument(link, doc.Kind, &c)
		if err != nil {
			return err
		}
		doc.Body = next.Body
		return nil
	})
	if engine.IsNotFound(err) {
		return nil
	}
	return err
}

// Wait blocks until every accepted request has been reported.
func (d *dispatcher) Wait() {
	d.wg.Wait()
}

// Close refuses new requests and waits for the accepted ones.
func (d *dispatcher) Close() {
	d.closed.Store(true)
	d.wg.Wait()
}

func powerStateFor(op engine.ResourceOperation) engine.PowerState {
	switch op {
	case engine.OperationCreate, engine.OperationStart:
		return engine.PowerStateRunning
	case engine.OperationStop:
		return engine.PowerStateStopped
	case engine.OperationDelete:
		return engine.PowerStateRetired
	default:
		return engine.PowerStateUnknown
	}
}
