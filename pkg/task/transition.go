package task

import (
	"fmt"

	"github.com/openfroyo/harbormaster/pkg/engine"
)

// decision is the outcome of checking a patch against the current record.
type decision int

const (
	// decisionApply moves the task and dispatches the target handler.
	decisionApply decision = iota

	// decisionDuplicate re-targets the current (stage, sub-stage). The
	// payload is merged but nothing is dispatched.
	decisionDuplicate

	// decisionStale is a late patch to an already passed transient
	// sub-stage. It is absorbed without any change.
	decisionStale
)

const (
	rejectTerminal      = "terminal"
	rejectBackwardStage = "backward_stage"
	rejectBackwardSub   = "backward_sub_stage"
	rejectUndeclared    = "undeclared"
	rejectMismatch      = "stage_mismatch"
)

func rejected(reason, format string, args ...interface{}) error {
	return engine.NewTransitionError(fmt.Sprintf(format, args...)).WithDetail("reason", reason)
}

// normalizeSubStage fills in the sub-stage a patch omitted.
func normalizeSubStage(current *Record, stage engine.TaskStage, sub engine.SubStage) engine.SubStage {
	if sub != "" {
		return sub
	}
	switch stage {
	case engine.StageFinished:
		return engine.SubStageCompleted
	case engine.StageFailed, engine.StageCancelled:
		return engine.SubStageError
	default:
		return current.SubStage
	}
}

// check is the single transition table every patch goes through. It returns
// the normalized target sub-stage and what to do with the patch.
func (m *kindMeta) check(current *Record, patch engine.TaskPatch) (engine.SubStage, decision, error) {
	if current.Stage.IsTerminal() {
		return "", 0, rejected(rejectTerminal, "task %s is already %s", current.Link, current.Stage)
	}
	if patch.Stage == "" {
		return "", 0, engine.NewValidationError("patch stage is required", nil)
	}
	if err := patch.Stage.Validate(); err != nil {
		return "", 0, engine.NewValidationError(err.Error(), err)
	}
	if patch.Stage.Ordinal() < current.Stage.Ordinal() {
		return "", 0, rejected(rejectBackwardStage, "task %s cannot move from %s back to %s",
			current.Link, current.Stage, patch.Stage)
	}

	sub := normalizeSubStage(current, patch.Stage, patch.SubStage)
	target, ok := m.index[sub]
	if !ok {
		return "", 0, rejected(rejectUndeclared, "sub-stage %s is not declared by kind %s", sub, m.name)
	}

	switch patch.Stage {
	case engine.StageFinished:
		if sub != engine.SubStageCompleted {
			return "", 0, rejected(rejectMismatch, "stage %s requires sub-stage %s, got %s",
				patch.Stage, engine.SubStageCompleted, sub)
		}
	case engine.StageFailed, engine.StageCancelled:
		if sub != engine.SubStageError {
			return "", 0, rejected(rejectMismatch, "stage %s requires sub-stage %s, got %s",
				patch.Stage, engine.SubStageError, sub)
		}
	}

	cur := m.index[current.SubStage]
	switch {
	case target < cur:
		if m.transient[sub] {
			return sub, decisionStale, nil
		}
		return "", 0, rejected(rejectBackwardSub, "task %s cannot move from %s back to %s",
			current.Link, current.SubStage, sub)
	case target == cur && patch.Stage == current.Stage:
		return sub, decisionDuplicate, nil
	default:
		return sub, decisionApply, nil
	}
}
