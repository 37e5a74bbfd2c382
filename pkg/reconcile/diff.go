package reconcile

import (
	"sort"
	"strings"

	"github.com/openfroyo/harbormaster/pkg/engine"
)

// Diff fields.
const (
	FieldEnv        = "env"
	FieldPowerState = "powerState"
)

// DiffEntry is one mismatch between a description and an instance.
type DiffEntry struct {
	InstanceLink string `json:"instanceLink"`
	Field        string `json:"field"`
	Desired      string `json:"desired"`
	Actual       string `json:"actual"`
}

// Diff compares every instance of the group with the description. Each
// declared environment variable the instance lacks or sets differently and
// every instance in the ERROR power state yields an entry. The result is
// sorted so identical inputs give identical output.
func Diff(desired *engine.ContainerDescription, group Group) []DiffEntry {
	var entries []DiffEntry
	for i := range group.Instances {
		c := &group.Instances[i]

		actual := envMap(c.Env)
		for _, kv := range desired.Env {
			name, want := splitEnv(kv)
			got, ok := actual[name]
			if ok && got == want {
				continue
			}
			entry := DiffEntry{InstanceLink: c.Link, Field: FieldEnv, Desired: kv}
			if ok {
				entry.Actual = name + "=" + got
			}
			entries = append(entries, entry)
		}

		if c.PowerState == engine.PowerStateError {
			entries = append(entries, DiffEntry{
				InstanceLink: c.Link,
				Field:        FieldPowerState,
				Desired:      string(engine.PowerStateRunning),
				Actual:       string(c.PowerState),
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.InstanceLink != b.InstanceLink {
			return a.InstanceLink < b.InstanceLink
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Desired < b.Desired
	})
	return entries
}

// Recommend returns REDEPLOY when any entry concerns the environment or the
// power state and NONE otherwise.
func Recommend(diffs []DiffEntry) engine.Recommendation {
	for _, d := range diffs {
		if d.Field == FieldEnv || d.Field == FieldPowerState {
			return engine.RecommendationRedeploy
		}
	}
	return engine.RecommendationNone
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		name, value := splitEnv(kv)
		m[name] = value
	}
	return m
}

func splitEnv(kv string) (string, string) {
	name, value, _ := strings.Cut(kv, "=")
	return name, value
}
