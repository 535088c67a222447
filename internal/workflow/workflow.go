// Package workflow validates and orchestrates multi-step tool workflows.
// Steps form a dependency DAG; execution is topological, optionally in
// bounded parallel waves. Each step runs the full admission and state
// machine cycle through the execution runner.
package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/nagare/internal/model"
)

// MaxSteps is the default bound on the size of one workflow.
const MaxSteps = 10

// ErrInvalid tags all validation failures.
var ErrInvalid = errors.New("workflow: invalid")

// Spec is one workflow submission.
type Spec struct {
	Name     string                `json:"name"`
	Steps    []model.WorkflowStep  `json:"steps"`
	Parallel bool                  `json:"parallel"`
	Options  model.WorkflowOptions `json:"options"`
}

// Validate checks the spec before any step runs: step count, unique
// non-empty ids, referenced ids exist, and the dependency graph is acyclic.
// maxSteps <= 0 applies the MaxSteps default.
func Validate(spec Spec, maxSteps int) error {
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}
	if len(spec.Steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", ErrInvalid)
	}
	if len(spec.Steps) > maxSteps {
		return fmt.Errorf("%w: %d steps exceeds the limit of %d", ErrInvalid, len(spec.Steps), maxSteps)
	}

	ids := make(map[string]struct{}, len(spec.Steps))
	for i, step := range spec.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step %d has an empty id", ErrInvalid, i)
		}
		if step.ToolName == "" {
			return fmt.Errorf("%w: step %q names no tool", ErrInvalid, step.ID)
		}
		if _, dup := ids[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalid, step.ID)
		}
		ids[step.ID] = struct{}{}
	}
	for _, step := range spec.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalid, step.ID, dep)
			}
			if dep == step.ID {
				return fmt.Errorf("%w: step %q depends on itself", ErrInvalid, step.ID)
			}
		}
		if step.InputFrom != "" {
			if _, ok := ids[step.InputFrom]; !ok {
				return fmt.Errorf("%w: step %q takes input from unknown step %q", ErrInvalid, step.ID, step.InputFrom)
			}
		}
	}

	if _, err := topoOrder(spec.Steps); err != nil {
		return err
	}
	return nil
}

// topoOrder returns step indices in topological order using Kahn's
// algorithm, preserving submission order among simultaneously ready steps.
// A cycle produces an error naming the steps involved.
func topoOrder(steps []model.WorkflowStep) ([]int, error) {
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		index[step.ID] = i
	}
	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, step := range steps {
		for _, dep := range step.DependsOn {
			j := index[dep]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i := range steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, len(steps))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, i)
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
				slices.Sort(ready)
			}
		}
	}

	if len(order) < len(steps) {
		var stuck []string
		for i := range steps {
			if indegree[i] > 0 {
				stuck = append(stuck, steps[i].ID)
			}
		}
		return nil, fmt.Errorf("%w: dependency cycle involving steps %s", ErrInvalid, strings.Join(stuck, ", "))
	}
	return order, nil
}
