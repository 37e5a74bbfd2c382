package workflows

import (
	"context"
	"fmt"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/openfroyo/harbormaster/pkg/task"
)

// RedeploymentRequest replaces the instances of one context group. It is
// the payload the control loop submits.
type RedeploymentRequest = reconcile.RedeployRequest

func (w *workflows) redeployment() task.Definition[RedeploymentRequest] {
	return task.Definition[RedeploymentRequest]{
		Kind: engine.KindRedeployment,
		SubStages: []engine.SubStage{
			engine.SubStageCreated,
			SubStageRemoving,
			SubStageRemoved,
			SubStageClustering,
		},
		Transient: []engine.SubStage{SubStageRemoving, SubStageClustering},
		Validate: func(_ context.Context, p *RedeploymentRequest) error {
			if p.DescriptionLink == "" {
				return engine.NewValidationError("descriptionLink is required", nil)
			}
			if p.DesiredCount <= 0 {
				p.DesiredCount = 1
			}
			return nil
		},
		Handlers: map[engine.SubStage]task.HandlerFunc[RedeploymentRequest]{
			engine.SubStageCreated: w.removeGroup,
			SubStageRemoved:        w.recluster,
		},
	}
}

func (w *workflows) removeGroup(ctx context.Context, run *task.Run[RedeploymentRequest]) error {
	if len(run.Payload.ResourceLinks) == 0 {
		return run.ProceedTo(ctx, SubStageRemoved, nil)
	}
	if err := run.ProceedTo(ctx, SubStageRemoving, nil); err != nil {
		return err
	}
	if _, err := run.Submit(ctx, engine.SubmitRequest{
		Kind:     engine.KindRemoval,
		Payload:  RemovalRequest{ResourceLinks: run.Payload.ResourceLinks},
		Callback: run.SelfCallback(SubStageRemoved, engine.SubStageError),
	}); err != nil {
		return fmt.Errorf("failed to submit removal: %w", err)
	}
	return nil
}

func (w *workflows) recluster(ctx context.Context, run *task.Run[RedeploymentRequest]) error {
	if err := run.ProceedTo(ctx, SubStageClustering, nil); err != nil {
		return err
	}
	p := run.Payload
	if _, err := run.Submit(ctx, engine.SubmitRequest{
		Kind: engine.KindClustering,
		Payload: ClusteringRequest{
			DescriptionLink: p.DescriptionLink,
			ResourceCount:   p.DesiredCount,
			ContextID:       p.ContextID,
			TenantLinks:     p.TenantLinks,
		},
		Callback: run.SelfCallback(engine.SubStageCompleted, engine.SubStageError),
	}); err != nil {
		return fmt.Errorf("failed to submit clustering: %w", err)
	}
	return nil
}
