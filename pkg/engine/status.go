package engine

import (
	"encoding/json"
	"fmt"
)

// TaskStage is the generic lifecycle phase shared by every workflow kind.
type TaskStage string

const (
	// StageCreated indicates the document is persisted but not yet driven.
	StageCreated TaskStage = "CREATED"

	// StageStarted indicates the workflow is executing its sub-stages.
	StageStarted TaskStage = "STARTED"

	// StageFinished indicates the workflow completed successfully.
	StageFinished TaskStage = "FINISHED"

	// StageFailed indicates the workflow ended with a recorded failure.
	StageFailed TaskStage = "FAILED"

	// StageCancelled indicates the workflow was abandoned.
	StageCancelled TaskStage = "CANCELLED"
)

// Ordinal returns the position of the stage in the lifecycle order.
// The three terminal stages share the same ordinal.
func (s TaskStage) Ordinal() int {
	switch s {
	case StageCreated:
		return 0
	case StageStarted:
		return 1
	case StageFinished, StageFailed, StageCancelled:
		return 2
	default:
		return -1
	}
}

// IsTerminal returns true if the stage represents a final state.
func (s TaskStage) IsTerminal() bool {
	return s == StageFinished || s == StageFailed || s == StageCancelled
}

// IsActive returns true if the task has not reached a terminal stage.
func (s TaskStage) IsActive() bool {
	return s == StageCreated || s == StageStarted
}

// Validate checks if the task stage is valid.
func (s TaskStage) Validate() error {
	if s.Ordinal() < 0 {
		return fmt.Errorf("invalid task stage: %s", s)
	}
	return nil
}

// SubStage is a workflow-specific step within a stage. Each workflow kind
// declares its own ordered set; the three below are shared by all of them.
type SubStage string

const (
	SubStageCreated   SubStage = "CREATED"
	SubStageCompleted SubStage = "COMPLETED"
	SubStageError     SubStage = "ERROR"
)

// PowerState is the observed runtime state of a container instance.
type PowerState string

const (
	PowerStateUnknown      PowerState = "UNKNOWN"
	PowerStateProvisioning PowerState = "PROVISIONING"
	PowerStateRunning      PowerState = "RUNNING"
	PowerStatePaused       PowerState = "PAUSED"
	PowerStateStopped      PowerState = "STOPPED"
	PowerStateRetired      PowerState = "RETIRED"
	PowerStateError        PowerState = "ERROR"
)

// Importance ranks power states for scaling decisions: lower is more
// important and is kept first when a cluster shrinks.
func (p PowerState) Importance() int {
	switch p {
	case PowerStateRunning:
		return 0
	case PowerStateProvisioning:
		return 1
	case PowerStatePaused:
		return 2
	case PowerStateStopped:
		return 3
	case PowerStateUnknown, "":
		return 4
	case PowerStateRetired:
		return 5
	case PowerStateError:
		return 6
	default:
		return 4
	}
}

// IsHealthy returns true for instances that are serving or about to serve.
func (p PowerState) IsHealthy() bool {
	return p == PowerStateRunning || p == PowerStateProvisioning
}

// Validate checks if the power state is valid.
func (p PowerState) Validate() error {
	switch p {
	case PowerStateUnknown, PowerStateProvisioning, PowerStateRunning,
		PowerStatePaused, PowerStateStopped, PowerStateRetired, PowerStateError:
		return nil
	default:
		return fmt.Errorf("invalid power state: %s", p)
	}
}

// Recommendation is the verdict of a reconciliation diff.
type Recommendation string

const (
	// RecommendationNone means the actual state matches the descriptor.
	RecommendationNone Recommendation = "NONE"

	// RecommendationRedeploy means the group must be replaced.
	RecommendationRedeploy Recommendation = "REDEPLOY"
)

// MarshalJSON implements json.Marshaler.
func (r Recommendation) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Recommendation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	rec := Recommendation(s)
	if rec != RecommendationNone && rec != RecommendationRedeploy {
		return fmt.Errorf("invalid recommendation: %s", s)
	}
	*r = rec
	return nil
}

// ResourceOperation is an out-of-band effect requested from an adapter.
type ResourceOperation string

const (
	OperationCreate ResourceOperation = "create"
	OperationDelete ResourceOperation = "delete"
	OperationStart  ResourceOperation = "start"
	OperationStop   ResourceOperation = "stop"
)

// IsDestructive returns true if the operation destroys the resource.
func (o ResourceOperation) IsDestructive() bool {
	return o == OperationDelete
}

// Validate checks if the resource operation is valid.
func (o ResourceOperation) Validate() error {
	switch o {
	case OperationCreate, OperationDelete, OperationStart, OperationStop:
		return nil
	default:
		return fmt.Errorf("invalid resource operation: %s", o)
	}
}
