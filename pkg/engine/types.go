package engine

import (
	"encoding/json"
	"path"
	"strings"
	"time"
)

// Well-known document factories. A document link is the factory path
// followed by a unique id, e.g. "/tasks/removal/6b1f...".
const (
	FactoryTasks            = "/tasks"
	FactoryBarriers         = "/barriers"
	FactoryRequestStatus    = "/request-status"
	FactoryContainers       = "/resources/containers"
	FactoryDescriptions     = "/resources/container-descriptions"
	FactoryPlacementGroups  = "/resources/group-placements"
	DocumentKindRequest     = "request-status"
	DocumentKindContainer   = "container"
	DocumentKindDescription = "container-description"
	DocumentKindBarrier     = "barrier"
)

// Workflow kinds shipped with the engine.
const (
	KindClustering   = "clustering"
	KindProvisioning = "provisioning"
	KindRemoval      = "removal"
	KindRedeployment = "redeployment"
)

// BuildLink joins a factory path and an id into a document link.
func BuildLink(factory, id string) string {
	return path.Join(factory, id)
}

// LastPathSegment returns the id portion of a document link.
func LastPathSegment(link string) string {
	return path.Base(link)
}

// HasFactory reports whether link was created under the given factory.
func HasFactory(link, factory string) bool {
	return strings.HasPrefix(link, strings.TrimSuffix(factory, "/")+"/")
}

// Target is one end of a completion callback: the stage and sub-stage the
// parent is patched to.
type Target struct {
	Stage    TaskStage `json:"stage"`
	SubStage SubStage  `json:"subStage,omitempty"`
}

// Callback tells a child workflow how to notify its parent. It is a pure
// data value and is persisted on the child document.
type Callback struct {
	// TaskLink is the document that receives the notification.
	TaskLink string `json:"taskLink,omitempty"`

	// Success is applied when the child finishes.
	Success Target `json:"success"`

	// Failure is applied when the child fails.
	Failure Target `json:"failure"`
}

// IsEmpty returns true if no parent is registered.
func (c Callback) IsEmpty() bool {
	return c.TaskLink == ""
}

// NewCallback builds a callback to a STARTED-stage parent with the given
// success and failure sub-stages.
func NewCallback(taskLink string, success, failure SubStage) Callback {
	return Callback{
		TaskLink: taskLink,
		Success:  Target{Stage: StageStarted, SubStage: success},
		Failure:  Target{Stage: StageStarted, SubStage: failure},
	}
}

// TaskPatch is a merge-update request against a task or barrier document.
type TaskPatch struct {
	// Stage is the stage the document should move to.
	Stage TaskStage `json:"taskStage"`

	// SubStage is the workflow sub-stage the document should move to.
	SubStage SubStage `json:"taskSubStage,omitempty"`

	// Failure is recorded when the patch reports an error.
	Failure *Failure `json:"failure,omitempty"`

	// Payload is a partial workflow payload merged according to the
	// workflow's declared merge policy.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CustomProperties are merged key by key.
	CustomProperties map[string]string `json:"customProperties,omitempty"`

	// Source is the link of the document that sent the patch.
	Source string `json:"source,omitempty"`
}

// IsFailure returns true if the patch reports a failed outcome.
func (p TaskPatch) IsFailure() bool {
	return p.Stage == StageFailed || p.Stage == StageCancelled ||
		p.SubStage == SubStageError || p.Failure != nil
}

// HealthConfig describes how a container description is supervised.
type HealthConfig struct {
	// AutoRedeploy opts the description into the reconciliation control loop.
	AutoRedeploy bool `json:"autoRedeploy" yaml:"autoRedeploy"`
}

// ContainerDescription is a desired-state descriptor.
type ContainerDescription struct {
	Link             string            `json:"documentSelfLink" validate:"required"`
	Name             string            `json:"name" validate:"required"`
	Image            string            `json:"image" validate:"required"`
	Env              []string          `json:"env,omitempty" validate:"dive,contains=="`
	ClusterSize      int               `json:"clusterSize,omitempty" validate:"gte=0"`
	HealthConfig     *HealthConfig     `json:"healthConfig,omitempty"`
	System           bool              `json:"system,omitempty"`
	TenantLinks      []string          `json:"tenantLinks,omitempty"`
	CustomProperties map[string]string `json:"customProperties,omitempty"`
}

// AutoRedeploy reports whether the description opted into reconciliation.
func (d *ContainerDescription) AutoRedeploy() bool {
	return d.HealthConfig != nil && d.HealthConfig.AutoRedeploy
}

// DesiredCount returns the cluster size, defaulting to one.
func (d *ContainerDescription) DesiredCount() int {
	if d.ClusterSize <= 0 {
		return 1
	}
	return d.ClusterSize
}

// Container is an actual-state instance.
type Container struct {
	Link string `json:"documentSelfLink"`

	// ID is the runtime id. It is empty while the container is only allocated.
	ID               string            `json:"id,omitempty"`
	Names            []string          `json:"names,omitempty"`
	DescriptionLink  string            `json:"descriptionLink"`
	ContextID        string            `json:"contextId,omitempty"`
	Image            string            `json:"image,omitempty"`
	Env              []string          `json:"env,omitempty"`
	PowerState       PowerState        `json:"powerState"`
	HostLink         string            `json:"parentLink,omitempty"`
	PlacementLink    string            `json:"groupResourcePlacementLink,omitempty"`
	System           bool              `json:"system,omitempty"`
	TenantLinks      []string          `json:"tenantLinks,omitempty"`
	CustomProperties map[string]string `json:"customProperties,omitempty"`
	Created          time.Time         `json:"created"`
}

// IsAllocatedOnly returns true if the container was never provisioned.
func (c *Container) IsAllocatedOnly() bool {
	return c.ID == "" && (c.PowerState == PowerStateProvisioning || c.PowerState == PowerStateUnknown || c.PowerState == "")
}
