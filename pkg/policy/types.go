package policy

import (
	"time"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block a redeploy.
	SeverityWarning Severity = "warning"

	// SeverityError blocks a redeploy.
	SeverityError Severity = "error"

	// SeverityCritical blocks a redeploy.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. Violations are the members of its
	// deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the link of the offending document, if any.
	Resource string `json:"resource,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when a violation blocks.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking violations and evaluation errors.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluatedPolicies"`
	EvaluatedAt       time.Time     `json:"evaluatedAt"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document a redeploy is judged on, available as `input` in
// Rego.
type Input struct {
	Description    *engine.ContainerDescription `json:"description"`
	Group          reconcile.Group              `json:"group"`
	Diffs          []reconcile.DiffEntry        `json:"diffs"`
	Recommendation engine.Recommendation        `json:"recommendation"`
	Context        Context                      `json:"context"`
}

// Context describes the evaluation.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// InputFrom builds the policy input for an admission request.
func InputFrom(req reconcile.AdmissionRequest, now time.Time) Input {
	return Input{
		Description:    req.Description,
		Group:          req.Group,
		Diffs:          req.Diffs,
		Recommendation: req.Recommendation,
		Context: Context{
			Timestamp: now.UTC(),
			Operation: engine.KindRedeployment,
		},
	}
}
