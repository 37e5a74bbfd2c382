package reconcile

import (
	"context"
	"sort"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
)

// Group is the actual state of one deployment: the instances of a
// description that share a context id, in discovery order.
type Group struct {
	DescriptionLink string             `json:"descriptionLink"`
	ContextID       string             `json:"contextId"`
	Instances       []engine.Container `json:"instances"`
}

// Links returns the instance links of the group.
func (g Group) Links() []string {
	links := make([]string, 0, len(g.Instances))
	for _, c := range g.Instances {
		links = append(links, c.Link)
	}
	return links
}

// Inventory reads desired and actual state from the document store.
type Inventory struct {
	store    stores.Store
	pageSize int
}

// NewInventory creates an inventory over store.
func NewInventory(store stores.Store) *Inventory {
	return &Inventory{store: store, pageSize: stores.DefaultPageSize}
}

// Descriptors returns the descriptions opted into auto-redeploy, excluding
// system descriptions.
func (inv *Inventory) Descriptors(ctx context.Context) ([]engine.ContainerDescription, error) {
	descs, err := stores.CollectAs[engine.ContainerDescription](ctx, inv.store.Query(stores.Query{
		Kind:     engine.DocumentKindDescription,
		PageSize: inv.pageSize,
	}))
	if err != nil {
		return nil, engine.NewCollaboratorError("failed to list descriptions", err)
	}
	out := descs[:0]
	for _, d := range descs {
		if d.AutoRedeploy() && !d.System {
			out = append(out, d)
		}
	}
	return out, nil
}

// Descriptor returns one description.
func (inv *Inventory) Descriptor(ctx context.Context, link string) (*engine.ContainerDescription, error) {
	return stores.GetAs[engine.ContainerDescription](ctx, inv.store, link)
}

// Instances returns the containers created from a description, restricted
// to one context when contextID is set.
func (inv *Inventory) Instances(ctx context.Context, descriptionLink, contextID string) ([]engine.Container, error) {
	containers, err := stores.CollectAs[engine.Container](ctx, inv.store.Query(stores.Query{
		Kind:      engine.DocumentKindContainer,
		ContextID: contextID,
		PageSize:  inv.pageSize,
		Match: func(doc *stores.Document) bool {
			var probe struct {
				DescriptionLink string `json:"descriptionLink"`
			}
			return doc.Decode(&probe) == nil && probe.DescriptionLink == descriptionLink
		},
	}))
	if err != nil {
		return nil, engine.NewCollaboratorError("failed to list instances", err).WithResource(descriptionLink)
	}
	return containers, nil
}

// Groups returns the instances of a description grouped by context id.
// Instances without a context id were created out of band and are skipped.
func (inv *Inventory) Groups(ctx context.Context, descriptionLink string) ([]Group, error) {
	instances, err := inv.Instances(ctx, descriptionLink, "")
	if err != nil {
		return nil, err
	}
	return GroupByContext(descriptionLink, instances), nil
}

// GroupByContext groups instances by context id, ordered by context id.
func GroupByContext(descriptionLink string, instances []engine.Container) []Group {
	byContext := make(map[string]*Group)
	var order []string
	for _, c := range instances {
		if c.ContextID == "" {
			continue
		}
		g, ok := byContext[c.ContextID]
		if !ok {
			g = &Group{DescriptionLink: descriptionLink, ContextID: c.ContextID}
			byContext[c.ContextID] = g
			order = append(order, c.ContextID)
		}
		g.Instances = append(g.Instances, c)
	}
	sort.Strings(order)

	groups := make([]Group, 0, len(order))
	for _, id := range order {
		groups = append(groups, *byContext[id])
	}
	return groups
}

// SaveDescription upserts a description document.
func (inv *Inventory) SaveDescription(ctx context.Context, desc *engine.ContainerDescription) error {
	doc, err := stores.NewDocument(desc.Link, engine.DocumentKindDescription, desc)
	if err != nil {
		return err
	}
	return stores.Upsert(ctx, inv.store, doc)
}

// SaveContainer upserts a container document.
func (inv *Inventory) SaveContainer(ctx context.Context, c *engine.Container) error {
	doc, err := stores.NewDocument(c.Link, engine.DocumentKindContainer, c)
	if err != nil {
		return err
	}
	doc.ContextID = c.ContextID
	return stores.Upsert(ctx, inv.store, doc)
}
