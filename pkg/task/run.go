package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/harbormaster/pkg/barrier"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/rs/zerolog"
)

// Run is the context a sub-stage handler works with: a snapshot of the task
// and the operations that move it forward.
type Run[P any] struct {
	host   *Host
	kind   *kindImpl[P]
	record *Record

	// Payload is the decoded payload snapshot. Changes only persist through
	// ProceedTo.
	Payload *P
}

// Link returns the task link.
func (r *Run[P]) Link() string { return r.record.Link }

// ContextID returns the correlation id shared with sibling tasks.
func (r *Run[P]) ContextID() string { return r.record.ContextID }

// TenantLinks returns the tenant scope of the task.
func (r *Run[P]) TenantLinks() []string { return r.record.TenantLinks }

// SubStage returns the sub-stage being handled.
func (r *Run[P]) SubStage() engine.SubStage { return r.record.SubStage }

// CustomProperties returns the task's custom properties.
func (r *Run[P]) CustomProperties() map[string]string { return r.record.CustomProperties }

// Failure returns the failure recorded on the task, if any.
func (r *Run[P]) Failure() *engine.Failure { return r.record.Failure }

// Barriers returns the barrier service for fan-out.
func (r *Run[P]) Barriers() *barrier.Service { return r.host.barriers }

// Logger returns a logger scoped to the task.
func (r *Run[P]) Logger() zerolog.Logger {
	return r.host.logger.With().
		Str("task", r.record.Link).
		Str("kind", r.record.Kind).
		Str("context_id", r.record.ContextID).
		Logger()
}

// ProceedTo moves the task to sub, persisting the payload after mutate ran
// on a copy of the snapshot. The handler of sub runs after the current
// handler returns.
func (r *Run[P]) ProceedTo(ctx context.Context, sub engine.SubStage, mutate func(p *P)) error {
	var raw json.RawMessage
	if mutate != nil {
		p, err := r.kind.decode(r.record)
		if err != nil {
			return err
		}
		mutate(p)
		if raw, err = json.Marshal(p); err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
	}
	return r.host.Patch(ctx, r.record.Link, engine.TaskPatch{
		Stage:    engine.StageStarted,
		SubStage: sub,
		Payload:  raw,
		Source:   r.record.Link,
	})
}

// Complete moves the task to FINISHED.
func (r *Run[P]) Complete(ctx context.Context) error {
	return r.host.Patch(ctx, r.record.Link, engine.TaskPatch{
		Stage:    engine.StageFinished,
		SubStage: engine.SubStageCompleted,
		Source:   r.record.Link,
	})
}

// CompleteWithError moves the task to FAILED. A nil err keeps the failure
// already recorded on the task.
func (r *Run[P]) CompleteWithError(ctx context.Context, err error) error {
	failure := engine.FailureFrom(err)
	if failure == nil {
		failure = r.record.Failure
	}
	if failure == nil {
		failure = &engine.Failure{
			Message: fmt.Sprintf("task failed in sub-stage %s", r.record.SubStage),
			Code:    engine.ErrCodeInternal,
			Class:   engine.ErrorClassPermanent,
		}
	}
	return r.host.failTask(ctx, r.record.Link, failure)
}

// Fail is CompleteWithError with a formatted message.
func (r *Run[P]) Fail(ctx context.Context, format string, args ...interface{}) error {
	return r.CompleteWithError(ctx, fmt.Errorf(format, args...))
}

// SelfCallback builds a callback that patches this task to success or
// failure when a child completes.
func (r *Run[P]) SelfCallback(success, failure engine.SubStage) engine.Callback {
	return engine.NewCallback(r.record.Link, success, failure)
}

// Submit starts a child workflow in this task's context and tenancy unless
// the request overrides them.
func (r *Run[P]) Submit(ctx context.Context, req engine.SubmitRequest) (string, error) {
	if req.ContextID == "" {
		req.ContextID = r.record.ContextID
	}
	if req.TenantLinks == nil {
		req.TenantLinks = r.record.TenantLinks
	}
	return r.host.Start(ctx, req)
}
