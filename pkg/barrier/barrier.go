// Package barrier implements the counting synchronization barrier: an
// ephemeral document that joins N concurrent operation outcomes into exactly
// one continuation.
//
// A workflow stage creates a barrier for the number of operations it is about
// to fan out and hands the barrier's callback to each of them. Every outcome
// decrements the remaining count. The signal that brings the count to zero
// notifies the registered parent, on the failure target if any outcome failed
// and on the success target otherwise, and the barrier then deletes itself.
package barrier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/harbormaster/pkg/callback"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/openfroyo/harbormaster/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultExpiration is how long an unfired barrier is retained.
const DefaultExpiration = 5 * time.Hour

const updateAttempts = 5

// State is the persisted body of a barrier document.
type State struct {
	Link string `json:"documentSelfLink"`

	// Expected is the number of outcomes the creator will deliver.
	Expected int `json:"expected"`

	// Remaining only decreases. It never goes below zero.
	Remaining int `json:"remaining"`

	// OnZero is notified once when Remaining reaches zero.
	OnZero engine.Callback `json:"onZero"`

	// FailedCount is the number of failure signals received.
	FailedCount int `json:"failedCount,omitempty"`

	// Failure is the first failure received.
	Failure *engine.Failure `json:"failure,omitempty"`

	// Fired is set by the signal that reached zero.
	Fired bool `json:"fired,omitempty"`

	// CustomProperties collects the properties sent with the signals.
	CustomProperties map[string]string `json:"customProperties,omitempty"`
}

// Failed reports whether at least one failure was signalled.
func (s *State) Failed() bool {
	return s.FailedCount > 0
}

// Service creates and counts down barriers.
type Service struct {
	store      stores.Store
	notifier   *callback.Notifier
	logger     zerolog.Logger
	tel        *telemetry.Telemetry
	expiration time.Duration
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTelemetry enables metrics and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) {
		if tel != nil {
			s.tel = tel
		}
	}
}

// WithExpiration sets the retention of unfired barriers.
func WithExpiration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.expiration = d
		}
	}
}

// NewService creates a barrier service.
func NewService(store stores.Store, notifier *callback.Notifier, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		notifier:   notifier,
		logger:     logger.With().Str("component", "barrier").Logger(),
		tel:        telemetry.Nop(),
		expiration: DefaultExpiration,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a barrier expecting the given number of outcomes and
// returns its link.
func (s *Service) Create(ctx context.Context, expected int, onZero engine.Callback) (string, error) {
	if expected < 1 {
		return "", engine.NewValidationError(fmt.Sprintf("barrier expects at least one outcome, got %d", expected), nil)
	}
	if onZero.IsEmpty() {
		return "", engine.NewValidationError("barrier callback target is required", nil)
	}

	link := engine.BuildLink(engine.FactoryBarriers, uuid.New().String())
	state := State{
		Link:      link,
		Expected:  expected,
		Remaining: expected,
		OnZero:    onZero,
	}

	doc, err := stores.NewDocument(link, engine.DocumentKindBarrier, state)
	if err != nil {
		return "", fmt.Errorf("failed to encode barrier: %w", err)
	}
	expiresAt := s.now().Add(s.expiration).UTC()
	doc.ExpiresAt = &expiresAt

	if err := s.store.Create(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to create barrier: %w", err)
	}

	s.tel.Metrics.RecordBarrierCreated()
	s.logger.Debug().
		Str("barrier", link).
		Int("expected", expected).
		Str("parent", onZero.TaskLink).
		Msg("barrier created")
	return link, nil
}

// CallbackFor returns the callback fanned-out operations should report to.
// A single operation reports to onZero directly; more than one get a barrier.
func (s *Service) CallbackFor(ctx context.Context, count int, onZero engine.Callback) (engine.Callback, error) {
	if count == 1 {
		return onZero, nil
	}
	link, err := s.Create(ctx, count, onZero)
	if err != nil {
		return engine.Callback{}, err
	}
	return Callback(link), nil
}

// Callback builds the callback that signals the barrier at link.
func Callback(link string) engine.Callback {
	return engine.Callback{
		TaskLink: link,
		Success:  engine.Target{Stage: engine.StageFinished},
		Failure:  engine.Target{Stage: engine.StageFailed},
	}
}

// Patch implements callback.Patcher. Every patch is one signal.
func (s *Service) Patch(ctx context.Context, link string, patch engine.TaskPatch) error {
	var failure *engine.Failure
	if patch.IsFailure() {
		failure = patch.Failure
		if failure == nil {
			failure = &engine.Failure{Message: "operation failed", Code: engine.ErrCodeSubtaskFailed}
		}
	}
	return s.signal(ctx, link, patch.Source, failure, patch.CustomProperties)
}

// Signal records one outcome at the barrier.
func (s *Service) Signal(ctx context.Context, link string, out callback.Outcome) error {
	return s.signal(ctx, link, out.Source, out.Failure, out.CustomProperties)
}

func (s *Service) signal(ctx context.Context, link, source string, failure *engine.Failure, props map[string]string) error {
	var (
		fired    *State
		absorbed bool
	)

	_, err := stores.UpdateWithRetry(ctx, s.store, link, updateAttempts, func(doc *stores.Document) error {
		fired, absorbed = nil, false

		var st State
		if err := doc.Decode(&st); err != nil {
			return fmt.Errorf("failed to decode barrier: %w", err)
		}
		if st.Fired || st.Remaining <= 0 {
			absorbed = true
			return stores.ErrNoop
		}

		st.Remaining--
		if failure != nil {
			st.FailedCount++
			if st.Failure == nil {
				f := *failure
				st.Failure = &f
			}
		}
		for k, v := range props {
			if st.CustomProperties == nil {
				st.CustomProperties = make(map[string]string)
			}
			st.CustomProperties[k] = v
		}
		if st.Remaining == 0 {
			st.Fired = true
			cp := st
			fired = &cp
		}

		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		doc.Body = raw
		return nil
	})

	logger := s.logger.With().Str("barrier", link).Str("source", source).Logger()
	if failure != nil {
		logger.Warn().Str("code", failure.Code).Str("reason", failure.Message).Msg("fanned-out operation failed")
	}

	switch {
	case engine.IsNotFound(err):
		logger.Debug().Msg("signal for a fired or expired barrier absorbed")
		return nil
	case err != nil:
		return fmt.Errorf("failed to signal barrier: %w", err)
	case absorbed:
		logger.Debug().Msg("signal after firing absorbed")
		return nil
	case fired != nil:
		s.fire(ctx, fired)
	}
	return nil
}

func (s *Service) fire(ctx context.Context, st *State) {
	out := callback.Outcome{
		Source:           st.Link,
		CustomProperties: st.CustomProperties,
	}
	if st.Failed() {
		msg := fmt.Sprintf("%d of %d operations failed", st.FailedCount, st.Expected)
		if st.Failure != nil {
			msg = fmt.Sprintf("%s: %s", msg, st.Failure.Message)
		}
		out.Failure = &engine.Failure{
			Message: msg,
			Code:    engine.ErrCodeSubtaskFailed,
			Class:   engine.ErrorClassPermanent,
		}
	}

	s.notifier.Notify(ctx, st.OnZero, out)
	s.tel.Metrics.RecordBarrierFired(st.Failed())
	_ = s.tel.Events.PublishBarrierFired(st.Link, st.OnZero.TaskLink, st.Failed())

	s.logger.Debug().
		Str("barrier", st.Link).
		Str("parent", st.OnZero.TaskLink).
		Bool("failed", st.Failed()).
		Msg("barrier fired")

	if err := s.store.Delete(ctx, st.Link); err != nil {
		s.logger.Warn().Err(err).Str("barrier", st.Link).Msg("failed to delete fired barrier")
	}
}

// Get returns the current state of a barrier.
func (s *Service) Get(ctx context.Context, link string) (*State, error) {
	return stores.GetAs[State](ctx, s.store, link)
}

// Sweep deletes barriers that expired before now. Expired barriers are
// abandoned without notifying their parent; the parent task expires on its
// own schedule.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, engine.DocumentKindBarrier, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep barriers: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("expired barriers deleted")
	}
	return n, nil
}
