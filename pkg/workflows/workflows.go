// Package workflows contains the container lifecycle workflows built on the
// task engine: clustering, provisioning, removal and redeployment.
//
// Every workflow is a task.Definition. Fan-out to adapters goes through a
// barrier, and sub-workflows report back through completion callbacks, so
// none of the handlers block on the work they start.
package workflows

import (
	"context"
	"fmt"

	"github.com/openfroyo/harbormaster/pkg/barrier"
	"github.com/openfroyo/harbormaster/pkg/callback"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/openfroyo/harbormaster/pkg/task"
)

// Sub-stages of the shipped workflows, in addition to CREATED, COMPLETED
// and ERROR.
const (
	SubStageClustering             engine.SubStage = "CLUSTERING"
	SubStageProvisioning           engine.SubStage = "PROVISIONING"
	SubStageProvisioned            engine.SubStage = "PROVISIONED"
	SubStageInstancesRemoving      engine.SubStage = "INSTANCES_REMOVING"
	SubStageInstancesRemoved       engine.SubStage = "INSTANCES_REMOVED"
	SubStageRemovingResourceStates engine.SubStage = "REMOVING_RESOURCE_STATES"
	SubStageRemoving               engine.SubStage = "REMOVING"
	SubStageRemoved                engine.SubStage = "REMOVED"
)

// Deps are the collaborators the workflows need.
type Deps struct {
	Store   stores.Store
	Adapter engine.Adapter

	// Parallelism bounds concurrent document operations inside one stage.
	Parallelism int
}

type workflows struct {
	store       stores.Store
	inv         *reconcile.Inventory
	adapter     engine.Adapter
	parallelism int
}

// Register adds all shipped workflows to h.
func Register(h *task.Host, deps Deps) error {
	if deps.Store == nil {
		return fmt.Errorf("workflows require a store")
	}
	if deps.Adapter == nil {
		return fmt.Errorf("workflows require an adapter")
	}
	w := &workflows{
		store:       deps.Store,
		inv:         reconcile.NewInventory(deps.Store),
		adapter:     deps.Adapter,
		parallelism: deps.Parallelism,
	}
	if w.parallelism <= 0 {
		w.parallelism = 8
	}

	if err := task.Register(h, w.clustering()); err != nil {
		return err
	}
	if err := task.Register(h, w.provisioning()); err != nil {
		return err
	}
	if err := task.Register(h, w.removal()); err != nil {
		return err
	}
	return task.Register(h, w.redeployment())
}

// invokeAll asks the adapter to perform op on every link and report to cb.
// A request the adapter refuses outright counts as a failed outcome at the
// barrier; without a barrier it fails the calling stage.
func (w *workflows) invokeAll(ctx context.Context, barriers *barrier.Service, cb engine.Callback, op engine.ResourceOperation, links []string) error {
	for _, link := range links {
		err := w.adapter.Invoke(ctx, engine.AdapterRequest{
			ResourceLink: link,
			Operation:    op,
			Callback:     cb,
		})
		if err == nil {
			continue
		}
		if !engine.HasFactory(cb.TaskLink, engine.FactoryBarriers) {
			return engine.NewCollaboratorError(fmt.Sprintf("adapter refused %s", op), err).WithResource(link)
		}
		if serr := barriers.Signal(ctx, cb.TaskLink, callback.Failed(link, err)); serr != nil {
			return serr
		}
	}
	return nil
}
