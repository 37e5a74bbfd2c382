package workflows

import (
	"context"
	"fmt"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/openfroyo/harbormaster/pkg/task"
)

// ClusteringRequest resizes the instances of a description to ResourceCount.
type ClusteringRequest struct {
	DescriptionLink string   `json:"descriptionLink" validate:"required"`
	ResourceCount   int      `json:"resourceCount" validate:"gte=1"`
	ContextID       string   `json:"contextId,omitempty"`
	ResourceLinks   []string `json:"resourceLinks,omitempty" merge:"union"`
	TenantLinks     []string `json:"tenantLinks,omitempty"`
}

// ClusteringResponse is sent to the parent of a clustering task.
type ClusteringResponse struct {
	ResourceLinks []string `json:"resourceLinks"`
}

func (w *workflows) clustering() task.Definition[ClusteringRequest] {
	return task.Definition[ClusteringRequest]{
		Kind:      engine.KindClustering,
		SubStages: []engine.SubStage{engine.SubStageCreated, SubStageClustering},
		Transient: []engine.SubStage{SubStageClustering},
		Validate:  w.validateClustering,
		Handlers: map[engine.SubStage]task.HandlerFunc[ClusteringRequest]{
			engine.SubStageCreated: w.scale,
		},
		Response: func(p *ClusteringRequest) interface{} {
			return ClusteringResponse{ResourceLinks: p.ResourceLinks}
		},
	}
}

func (w *workflows) validateClustering(ctx context.Context, p *ClusteringRequest) error {
	desc, err := w.inv.Descriptor(ctx, p.DescriptionLink)
	if err != nil {
		if engine.IsNotFound(err) {
			return engine.NewValidationError(fmt.Sprintf("description %s not found", p.DescriptionLink), err)
		}
		return engine.NewCollaboratorError("failed to load description", err).WithResource(p.DescriptionLink)
	}
	if desc.System {
		return day2Unsupported(p.DescriptionLink)
	}
	return nil
}

func day2Unsupported(link string) error {
	return engine.NewValidationError("day2 operations are not supported for system containers", nil).
		WithCode(engine.ErrCodeDay2Unsupported).
		WithResource(link)
}

// scale splits the current instances at the requested count and hands the
// difference to a provisioning or removal sub-workflow.
func (w *workflows) scale(ctx context.Context, run *task.Run[ClusteringRequest]) error {
	p := run.Payload
	instances, err := w.inv.Instances(ctx, p.DescriptionLink, p.ContextID)
	if err != nil {
		return err
	}
	for _, c := range instances {
		if c.System {
			return day2Unsupported(c.Link)
		}
	}

	plan := reconcile.Split(instances, p.ResourceCount)
	kept := make([]string, 0, len(plan.Keep))
	for _, c := range plan.Keep {
		kept = append(kept, c.Link)
	}
	logger := run.Logger()
	logger.Info().
		Int("actual", len(instances)).
		Int("desired", p.ResourceCount).
		Int("create", plan.Create).
		Int("remove", len(plan.Remove)).
		Msg("cluster split computed")

	keep := func(req *ClusteringRequest) { req.ResourceLinks = append(req.ResourceLinks, kept...) }

	if plan.Create == 0 && len(plan.Remove) == 0 {
		return run.ProceedTo(ctx, engine.SubStageCompleted, keep)
	}

	if err := run.ProceedTo(ctx, SubStageClustering, keep); err != nil {
		return err
	}

	cb := run.SelfCallback(engine.SubStageCompleted, engine.SubStageError)
	if plan.Create > 0 {
		var placement string
		if len(plan.Keep) > 0 {
			placement = plan.Keep[0].PlacementLink
		}
		_, err = run.Submit(ctx, engine.SubmitRequest{
			Kind: engine.KindProvisioning,
			Payload: ProvisioningRequest{
				DescriptionLink: p.DescriptionLink,
				ResourceCount:   plan.Create,
				ContextID:       p.ContextID,
				PlacementLink:   placement,
				TenantLinks:     p.TenantLinks,
			},
			Callback:  cb,
			ContextID: p.ContextID,
		})
	} else {
		_, err = run.Submit(ctx, engine.SubmitRequest{
			Kind:      engine.KindRemoval,
			Payload:   RemovalRequest{ResourceLinks: plan.RemoveLinks()},
			Callback:  cb,
			ContextID: p.ContextID,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to submit cluster change: %w", err)
	}
	return nil
}
