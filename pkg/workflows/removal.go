package workflows

import (
	"context"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/openfroyo/harbormaster/pkg/task"
	"golang.org/x/sync/errgroup"
)

// RemovalRequest deletes instances and their documents.
type RemovalRequest struct {
	ResourceLinks []string `json:"resourceLinks" validate:"required,min=1,dive,required"`
}

// RemovalResponse lists the instances that were removed.
type RemovalResponse struct {
	RemovedLinks []string `json:"removedLinks"`
}

func (w *workflows) removal() task.Definition[RemovalRequest] {
	return task.Definition[RemovalRequest]{
		Kind: engine.KindRemoval,
		SubStages: []engine.SubStage{
			engine.SubStageCreated,
			SubStageInstancesRemoving,
			SubStageInstancesRemoved,
			SubStageRemovingResourceStates,
		},
		Transient: []engine.SubStage{SubStageInstancesRemoving, SubStageRemovingResourceStates},
		Handlers: map[engine.SubStage]task.HandlerFunc[RemovalRequest]{
			engine.SubStageCreated: w.removeInstances,
			SubStageInstancesRemoved: func(ctx context.Context, run *task.Run[RemovalRequest]) error {
				return run.ProceedTo(ctx, SubStageRemovingResourceStates, nil)
			},
			SubStageRemovingResourceStates: w.removeResourceStates,
		},
		Response: func(p *RemovalRequest) interface{} {
			return RemovalResponse{RemovedLinks: p.ResourceLinks}
		},
	}
}

// removable loads the containers behind links that still need an adapter
// delete. Missing containers, containers that were only allocated and system
// containers count as already removed.
func (w *workflows) removable(ctx context.Context, links []string) ([]*engine.Container, error) {
	var out []*engine.Container
	for _, link := range links {
		c, err := stores.GetAs[engine.Container](ctx, w.store, link)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, engine.NewCollaboratorError("failed to load container", err).WithResource(link)
		}
		out = append(out, c)
	}
	return out, nil
}

func (w *workflows) removeInstances(ctx context.Context, run *task.Run[RemovalRequest]) error {
	containers, err := w.removable(ctx, run.Payload.ResourceLinks)
	if err != nil {
		return err
	}

	logger := run.Logger()
	var targets []string
	for _, c := range containers {
		switch {
		case c.System:
			logger.Debug().Str("container", c.Link).Msg("system container left in place")
		case c.IsAllocatedOnly():
			logger.Debug().Str("container", c.Link).Msg("container was never provisioned")
		default:
			targets = append(targets, c.Link)
		}
	}

	if len(targets) == 0 {
		return run.ProceedTo(ctx, SubStageInstancesRemoved, nil)
	}
	if err := run.ProceedTo(ctx, SubStageInstancesRemoving, nil); err != nil {
		return err
	}

	cb, err := run.Barriers().CallbackFor(ctx, len(targets),
		run.SelfCallback(SubStageInstancesRemoved, engine.SubStageError))
	if err != nil {
		return err
	}
	return w.invokeAll(ctx, run.Barriers(), cb, engine.OperationDelete, targets)
}

// removeResourceStates deletes the container documents in parallel. System
// containers keep their documents.
func (w *workflows) removeResourceStates(ctx context.Context, run *task.Run[RemovalRequest]) error {
	containers, err := w.removable(ctx, run.Payload.ResourceLinks)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for _, c := range containers {
		if c.System {
			continue
		}
		link := c.Link
		g.Go(func() error {
			if err := w.store.Delete(gctx, link); err != nil && !engine.IsNotFound(err) {
				return engine.NewCollaboratorError("failed to delete container state", err).WithResource(link)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return run.Complete(ctx)
}
