// Package policy gates automatic redeployments with Open Policy Agent.
//
// The reconciliation control loop asks an admitter before it dispatches a
// redeployment. Gate implements that admitter: every enabled policy is a Rego
// module whose deny set lists violations, evaluated against an Input built
// from the group, its description and the computed diff. Violations with
// error or critical severity deny the redeployment; the rest are logged.
//
// A policy module looks like:
//
//	package harbormaster.redeploy.tenants
//
//	import rego.v1
//
//	deny contains msg if {
//		count(input.group.instances) > 10
//		msg := "group too large for automatic redeploy"
//	}
//
// Built-in policies refuse system containers and descriptions carrying the
// FreezeProperty custom property. Additional policies are read from .rego or
// .json files with Gate.Load, or kept current with Gate.Watch.
package policy
