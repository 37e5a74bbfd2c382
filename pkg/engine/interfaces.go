package engine

import (
	"context"
	"time"
)

// SubmitRequest asks the broker to start a new workflow instance.
type SubmitRequest struct {
	// Kind is the registered workflow kind, e.g. "removal".
	Kind string

	// Payload is the workflow-specific initial payload.
	Payload interface{}

	// Callback is the parent to notify when the new task is terminal.
	Callback Callback

	// ContextID correlates sibling tasks of one higher-level request.
	ContextID string

	// TenantLinks scopes the task.
	TenantLinks []string

	// CustomProperties are copied onto the task document.
	CustomProperties map[string]string

	// ExpiresAt overrides the default task expiration.
	ExpiresAt time.Time

	// TrackRequest creates a request status document for the task.
	TrackRequest bool
}

// Broker creates sub-workflows. Submit returns as soon as the task document
// is persisted; the workflow runs asynchronously.
type Broker interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}

// AdapterRequest asks an adapter to perform an out-of-band effect.
type AdapterRequest struct {
	ResourceLink string
	Operation    ResourceOperation
	Callback     Callback
}

// Adapter performs effects on real resources. Invoke returns once the
// request is accepted; the outcome is reported later through the callback.
type Adapter interface {
	Invoke(ctx context.Context, req AdapterRequest) error
}
