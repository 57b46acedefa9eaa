package task

import (
	"encoding/json"
	"fmt"
)

// Plan is the ordered task list produced by the planning collaborator.
// crewd consumes it as-is; insertion order is planning order.
type Plan struct {
	FeatureID string `json:"feature_id,omitempty"`
	Tasks     []Task `json:"tasks"`
}

// ParsePlan decodes and validates a JSON plan document.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks identifiers, capability tags, and the dependency graph.
// Statuses are normalized to pending; the planner does not set lifecycle state.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan contains no tasks")
	}

	seen := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.ID == "" {
			return fmt.Errorf("task at index %d has no identifier", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task identifier %q", t.ID)
		}
		seen[t.ID] = true

		if _, err := ParseCapability(string(t.Capability)); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return fmt.Errorf("task %s depends on itself", t.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("task %s depends on unknown task %q", t.ID, dep)
			}
		}
	}

	if cycle := findCycle(p.Tasks); len(cycle) > 0 {
		return fmt.Errorf("dependency cycle: %v", cycle)
	}
	return nil
}

// RequirementIDs returns every requirement claimed by the plan, first-seen
// order, deduplicated.
func (p *Plan) RequirementIDs() []string {
	var ids []string
	seen := make(map[string]bool)
	for i := range p.Tasks {
		for _, id := range p.Tasks[i].RequirementIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// findCycle runs a three-color DFS over the dependency edges.
func findCycle(tasks []Task) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	deps := make(map[string][]string, len(tasks))
	for i := range tasks {
		deps[tasks[i].ID] = tasks[i].Dependencies
	}

	var cycle []string
	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				cycle = append(append([]string(nil), path...), id, dep)
				return true
			case white:
				if visit(dep, append(path, id)) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for i := range tasks {
		if color[tasks[i].ID] == white {
			if visit(tasks[i].ID, nil) {
				return cycle
			}
		}
	}
	return nil
}
