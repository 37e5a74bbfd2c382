package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/harbormaster/pkg/callback"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/rs/zerolog"
)

// SimulatedHostLink is the host recorded on containers the simulated adapter
// creates.
const SimulatedHostLink = "/resources/hosts/simulated"

// Simulated is a store-backed adapter: it records the power state the real
// operation would produce without touching any host.
type Simulated struct {
	dispatcher

	latency time.Duration
	fail    FailFunc
}

// NewSimulated creates a simulated adapter.
func NewSimulated(store stores.Store, notifier *callback.Notifier, logger zerolog.Logger, opts ...Option) *Simulated {
	o := buildOptions(opts)
	return &Simulated{
		dispatcher: newDispatcher("simulated", store, notifier, logger, o.tel),
		latency:    o.latency,
		fail:       o.fail,
	}
}

// Invoke implements engine.Adapter.
func (s *Simulated) Invoke(ctx context.Context, req engine.AdapterRequest) error {
	return s.invoke(ctx, req, func(ctx context.Context, _ engine.Container) (func(*engine.Container), error) {
		if s.latency > 0 {
			t := time.NewTimer(s.latency)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		if s.fail != nil {
			if err := s.fail(req); err != nil {
				if req.Operation == engine.OperationCreate {
					return func(c *engine.Container) { c.PowerState = engine.PowerStateError }, err
				}
				return nil, err
			}
		}

		state := powerStateFor(req.Operation)
		return func(c *engine.Container) {
			c.PowerState = state
			if req.Operation == engine.OperationCreate && c.ID == "" {
				c.ID = strings.ReplaceAll(uuid.New().String(), "-", "")
				c.HostLink = SimulatedHostLink
			}
		}, nil
	})
}
