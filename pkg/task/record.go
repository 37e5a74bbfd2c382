package task

import (
	"encoding/json"
	"time"

	"github.com/openfroyo/harbormaster/pkg/engine"
)

// Record is the persisted body of a task document.
type Record struct {
	Link     string           `json:"documentSelfLink"`
	Kind     string           `json:"kind"`
	Stage    engine.TaskStage `json:"taskStage"`
	SubStage engine.SubStage  `json:"taskSubStage"`

	// Failure is set once and kept through the terminal transition.
	Failure *engine.Failure `json:"failure,omitempty"`

	// Callback is the parent notified when the task becomes terminal.
	Callback engine.Callback `json:"completionCallback"`

	ContextID          string            `json:"contextId,omitempty"`
	TenantLinks        []string          `json:"tenantLinks,omitempty"`
	CustomProperties   map[string]string `json:"customProperties,omitempty"`
	RequestTrackerLink string            `json:"requestTrackerLink,omitempty"`

	// Payload is the kind-specific payload.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Notified is set after terminal processing ran.
	Notified bool `json:"notified,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Active reports whether the task has not reached a terminal stage.
func (r *Record) Active() bool {
	return !r.Stage.IsTerminal()
}

// Decode unmarshals the payload into v.
func (r *Record) Decode(v interface{}) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// DocumentKind is the store kind of task documents of the given workflow kind.
func DocumentKind(kind string) string {
	return "task:" + kind
}

// RequestStatus is the externally visible progress of a tracked task.
type RequestStatus struct {
	Link          string           `json:"documentSelfLink"`
	TaskLink      string           `json:"taskLink"`
	Phase         string           `json:"phase"`
	Stage         engine.TaskStage `json:"taskStage"`
	SubStage      engine.SubStage  `json:"taskSubStage"`
	Progress      int              `json:"progress"`
	ResourceLinks []string         `json:"resourceLinks,omitempty"`
	Failure       *engine.Failure  `json:"failure,omitempty"`
	ContextID     string           `json:"contextId,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// resourceLinks reads the conventional "resourceLinks" payload key, if any.
func resourceLinks(payload json.RawMessage) []string {
	if len(payload) == 0 {
		return nil
	}
	var probe struct {
		ResourceLinks []string `json:"resourceLinks"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}
	return probe.ResourceLinks
}
