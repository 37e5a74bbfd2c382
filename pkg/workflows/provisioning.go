package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/openfroyo/harbormaster/pkg/task"
	"golang.org/x/sync/errgroup"
)

// ProvisioningRequest creates ResourceCount new instances of a description.
type ProvisioningRequest struct {
	DescriptionLink string   `json:"descriptionLink" validate:"required"`
	ResourceCount   int      `json:"resourceCount" validate:"gte=1"`
	ContextID       string   `json:"contextId,omitempty"`
	PlacementLink   string   `json:"placementLink,omitempty"`
	ResourceLinks   []string `json:"resourceLinks,omitempty" merge:"union"`
	TenantLinks     []string `json:"tenantLinks,omitempty"`
}

// ProvisioningResponse lists the created instances.
type ProvisioningResponse struct {
	ResourceLinks []string `json:"resourceLinks"`
}

func (w *workflows) provisioning() task.Definition[ProvisioningRequest] {
	return task.Definition[ProvisioningRequest]{
		Kind:      engine.KindProvisioning,
		SubStages: []engine.SubStage{engine.SubStageCreated, SubStageProvisioning, SubStageProvisioned},
		Transient: []engine.SubStage{SubStageProvisioning},
		Handlers: map[engine.SubStage]task.HandlerFunc[ProvisioningRequest]{
			engine.SubStageCreated: w.provision,
			SubStageProvisioned: func(ctx context.Context, run *task.Run[ProvisioningRequest]) error {
				return run.Complete(ctx)
			},
		},
		Response: func(p *ProvisioningRequest) interface{} {
			return ProvisioningResponse{ResourceLinks: p.ResourceLinks}
		},
	}
}

// provision allocates the container documents, then asks the adapter to
// create each of them. The adapter outcomes join at a barrier that moves the
// task to PROVISIONED or ERROR.
func (w *workflows) provision(ctx context.Context, run *task.Run[ProvisioningRequest]) error {
	p := run.Payload
	desc, err := w.inv.Descriptor(ctx, p.DescriptionLink)
	if err != nil {
		return engine.NewCollaboratorError("failed to load description", err).WithResource(p.DescriptionLink)
	}

	contextID := p.ContextID
	if contextID == "" {
		contextID = run.ContextID()
	}
	tenants := p.TenantLinks
	if tenants == nil {
		tenants = desc.TenantLinks
	}

	links := make([]string, p.ResourceCount)
	now := time.Now().UTC()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for i := range links {
		id := uuid.New().String()
		links[i] = engine.BuildLink(engine.FactoryContainers, id)
		c := &engine.Container{
			Link:            links[i],
			Names:           []string{fmt.Sprintf("%s-%s", desc.Name, id[:8])},
			DescriptionLink: desc.Link,
			ContextID:       contextID,
			Image:           desc.Image,
			Env:             append([]string(nil), desc.Env...),
			PowerState:      engine.PowerStateProvisioning,
			PlacementLink:   p.PlacementLink,
			TenantLinks:     tenants,
			Created:         now,
		}
		g.Go(func() error {
			doc, err := stores.NewDocument(c.Link, engine.DocumentKindContainer, c)
			if err != nil {
				return err
			}
			doc.ContextID = c.ContextID
			return w.store.Create(gctx, doc)
		})
	}
	if err := g.Wait(); err != nil {
		return engine.NewCollaboratorError("failed to allocate containers", err).WithResource(desc.Link)
	}

	if err := run.ProceedTo(ctx, SubStageProvisioning, func(req *ProvisioningRequest) {
		req.ResourceLinks = append(req.ResourceLinks, links...)
	}); err != nil {
		return err
	}

	cb, err := run.Barriers().CallbackFor(ctx, len(links),
		run.SelfCallback(SubStageProvisioned, engine.SubStageError))
	if err != nil {
		return err
	}
	return w.invokeAll(ctx, run.Barriers(), cb, engine.OperationCreate, links)
}
