package reconcile

import (
	"sort"

	"github.com/openfroyo/harbormaster/pkg/engine"
)

// Plan is the outcome of a scaling decision.
type Plan struct {
	// Keep are the most important instances, at most the desired count.
	Keep []engine.Container `json:"keep"`

	// Remove are the instances beyond the desired count, least important last.
	Remove []engine.Container `json:"remove,omitempty"`

	// Create is the number of instances missing.
	Create int `json:"create"`
}

// SortByImportance orders instances from most to least important. Ties keep
// their discovery order.
func SortByImportance(instances []engine.Container) []engine.Container {
	out := append([]engine.Container(nil), instances...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PowerState.Importance() < out[j].PowerState.Importance()
	})
	return out
}

// Split sorts instances by importance and cuts at desired. Remove and
// Create are never both non-empty.
func Split(instances []engine.Container, desired int) Plan {
	if desired < 0 {
		desired = 0
	}
	sorted := SortByImportance(instances)
	if len(sorted) <= desired {
		return Plan{Keep: sorted, Create: desired - len(sorted)}
	}
	return Plan{Keep: sorted[:desired], Remove: sorted[desired:]}
}

// RemoveLinks returns the links of the instances to remove.
func (p Plan) RemoveLinks() []string {
	links := make([]string, 0, len(p.Remove))
	for _, c := range p.Remove {
		links = append(links, c.Link)
	}
	return links
}
