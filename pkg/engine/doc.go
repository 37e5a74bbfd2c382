// Package engine provides the core types shared by the Harbormaster task engine.
//
// # Overview
//
// Harbormaster manages the lifecycle of containers across a fleet of hosts. Every lifecycle
// operation (scale, provision, remove, redeploy) is a workflow built on one generic engine:
//
//  1. Task documents: persisted state machines driven stage by stage (pkg/task)
//  2. Completion callbacks: a child notifies a parent at a declared stage (pkg/callback)
//  3. Counting barriers: N concurrent outcomes joined into one continuation (pkg/barrier)
//  4. Reconciliation: a periodic diff of actual against desired state (pkg/reconcile)
//
// # Core Domain Types
//
//   - TaskStage: the generic lifecycle CREATED -> STARTED -> FINISHED | FAILED | CANCELLED
//   - SubStage: a workflow-specific step; CREATED, COMPLETED and ERROR are shared
//   - TaskPatch: a merge-update request submitted to a document
//   - Callback: parent link plus success and failure targets
//   - ContainerDescription / Container: desired-state descriptor and actual instance
//   - Recommendation: the REDEPLOY or NONE verdict of a diff
//
// # Collaborators
//
// The engine talks to the outside world through two interfaces defined here:
//
//	type Broker interface {
//	    Submit(ctx context.Context, req SubmitRequest) (string, error)
//	}
//
//	type Adapter interface {
//	    Invoke(ctx context.Context, req AdapterRequest) error
//	}
//
// Both return immediately. Results come back as TaskPatch notifications.
//
// # Error Handling
//
// All components return *Error values classified by kind:
//
//   - validation: a request was malformed; nothing was persisted
//   - transition: a patch targeted an illegal stage; the document is unchanged
//   - collaborator: a dependency failed; the owning workflow moves to ERROR
//   - aggregate: at least one fanned-out operation failed
//
// A terminal failure is stored on the task as a Failure with a message and a code.
package engine
