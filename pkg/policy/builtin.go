package policy

// Custom property a description sets to "true" to freeze automatic
// redeployment.
const FreezeProperty = "harbormaster.redeploy.frozen"

// BuiltinPolicies returns the policies every gate starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		systemContainerPolicy(),
		redeployFreezePolicy(),
		wholeGroupPolicy(),
	}
}

// systemContainerPolicy refuses to replace system containers.
func systemContainerPolicy() Policy {
	return Policy{
		Name:        "system-containers",
		Description: "System containers are never redeployed automatically",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"day2"},
		Rego: `package harbormaster.redeploy.system

import rego.v1

deny contains violation if {
	input.description.system
	violation := {
		"message": sprintf("description %s is a system container", [input.description.documentSelfLink]),
		"resource": input.description.documentSelfLink,
	}
}

deny contains violation if {
	some instance in input.group.instances
	instance.system
	violation := {
		"message": sprintf("instance %s is a system container", [instance.documentSelfLink]),
		"resource": instance.documentSelfLink,
	}
}`,
	}
}

// redeployFreezePolicy lets operators pause reconciliation of a description.
func redeployFreezePolicy() Policy {
	return Policy{
		Name:        "redeploy-freeze",
		Description: "Descriptions marked frozen are left as they are",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"change-control"},
		Rego: `package harbormaster.redeploy.freeze

import rego.v1

deny contains violation if {
	input.description.customProperties["` + FreezeProperty + `"] == "true"
	violation := {
		"message": sprintf("redeployment of %s is frozen", [input.description.documentSelfLink]),
		"resource": input.description.documentSelfLink,
	}
}`,
	}
}

// wholeGroupPolicy warns when every instance of a group is unhealthy, which
// usually points at the description rather than the instances.
func wholeGroupPolicy() Policy {
	return Policy{
		Name:        "whole-group-failure",
		Description: "Warns when every instance in a group is in error",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"health"},
		Rego: `package harbormaster.redeploy.health

import rego.v1

deny contains violation if {
	count(input.group.instances) > 1
	every instance in input.group.instances {
		instance.powerState == "ERROR"
	}
	violation := {
		"message": sprintf("all %d instances of context %s are in error", [count(input.group.instances), input.group.contextId]),
	}
}`,
	}
}
