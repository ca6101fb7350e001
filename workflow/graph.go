// Package workflow contains the step graph, the rule-gated traversal engine,
// the task template loader, and the session manager that binds the engine to
// a persistence store.
package workflow

import (
	"fmt"
	"sort"
	"time"

	"taskguide/condition"
	"taskguide/rules"
	"taskguide/shared"
)

// DocumentRequirement is one document a step may ask for, optionally gated by
// a condition on the user context.
type DocumentRequirement struct {
	ID   string               `yaml:"id" json:"id"`
	Name map[string]string    `yaml:"name" json:"name"` // language code -> text
	Gate *condition.Condition `yaml:"gate,omitempty" json:"gate,omitempty"`
}

// InputSpec declares one input a step collects from the user. The answer is
// merged into the user context under Key.
type InputSpec struct {
	Key      string           `yaml:"key" json:"key"`
	Kind     shared.ValueKind `yaml:"kind" json:"kind"`
	Options  []string         `yaml:"options,omitempty" json:"options,omitempty"`
	Required bool             `yaml:"required,omitempty" json:"required,omitempty"`
}

// Step is one node of a task template. Prerequisite edges form a DAG; the
// optional branch condition decides per-context applicability.
type Step struct {
	ID               string                `yaml:"id" json:"id"`
	Sequence         int                   `yaml:"sequence" json:"sequence"`
	Title            map[string]string     `yaml:"title" json:"title"`
	Instructions     map[string]string     `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Prerequisites    []string              `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	Branch           *condition.Condition  `yaml:"branch,omitempty" json:"branch,omitempty"`
	Documents        []DocumentRequirement `yaml:"documents,omitempty" json:"documents,omitempty"`
	Inputs           []InputSpec           `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	EstimatedMinutes int                   `yaml:"estimatedMinutes,omitempty" json:"estimatedMinutes,omitempty"`
	// Preference orders recommended paths when several steps are available
	// at a user-choice branch point. Lower is preferred.
	Preference int `yaml:"preference,omitempty" json:"preference,omitempty"`
}

// EstimatedDuration returns the declared time estimate
func (s *Step) EstimatedDuration() time.Duration {
	return time.Duration(s.EstimatedMinutes) * time.Minute
}

// Graph is the immutable step graph of one task-template version plus its
// rule set. Built once by the template loader and shared read-only across all
// sessions of the task type; sessions hold a reference, never a copy.
type Graph struct {
	TaskType string
	Version  string

	steps      map[string]*Step
	ordered    []*Step             // by sequence, ascending
	dependents map[string][]string // step id -> ids of steps that require it
	ruleSet    *rules.RuleSet
}

// NewGraph validates the step definitions and assembles the graph.
// Validation rejects duplicate ids, duplicate sequence numbers, references to
// unknown prerequisites, malformed conditions, and prerequisite cycles.
func NewGraph(taskType, version string, steps []Step, ruleSet *rules.RuleSet) (*Graph, error) {
	g := &Graph{
		TaskType:   taskType,
		Version:    version,
		steps:      make(map[string]*Step, len(steps)),
		ordered:    make([]*Step, 0, len(steps)),
		dependents: make(map[string][]string),
		ruleSet:    ruleSet,
	}

	seqSeen := make(map[int]string, len(steps))
	for i := range steps {
		step := steps[i]
		if step.ID == "" {
			return nil, &shared.ValidationError{Kind: shared.ValidationUnknownReference, Msg: "step missing id"}
		}
		if _, dup := g.steps[step.ID]; dup {
			return nil, &shared.ValidationError{
				Kind: shared.ValidationDuplicateID,
				Msg:  fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		if prev, dup := seqSeen[step.Sequence]; dup {
			return nil, &shared.ValidationError{
				Kind: shared.ValidationDuplicateSequence,
				Msg:  fmt.Sprintf("steps %q and %q share sequence %d", prev, step.ID, step.Sequence),
			}
		}
		seqSeen[step.Sequence] = step.ID

		if step.Branch != nil {
			if err := step.Branch.Validate(); err != nil {
				return nil, err
			}
		}
		for _, doc := range step.Documents {
			if doc.Gate != nil {
				if err := doc.Gate.Validate(); err != nil {
					return nil, err
				}
			}
		}
		for _, in := range step.Inputs {
			if in.Key == "" {
				return nil, &shared.ValidationError{
					Kind: shared.ValidationUnknownReference,
					Msg:  fmt.Sprintf("step %q declares an input without a context key", step.ID),
				}
			}
		}

		g.steps[step.ID] = &step
		g.ordered = append(g.ordered, &step)
	}

	// Prerequisite closure: every referenced id must exist.
	for _, step := range g.ordered {
		for _, pre := range step.Prerequisites {
			if _, ok := g.steps[pre]; !ok {
				return nil, &shared.ValidationError{
					Kind: shared.ValidationUnknownReference,
					Msg:  fmt.Sprintf("step %q requires unknown step %q", step.ID, pre),
				}
			}
			g.dependents[pre] = append(g.dependents[pre], step.ID)
		}
	}

	sort.Slice(g.ordered, func(i, j int) bool {
		return g.ordered[i].Sequence < g.ordered[j].Sequence
	})
	for _, deps := range g.dependents {
		sort.Strings(deps)
	}

	if cycle := findCycle(g); cycle != nil {
		return nil, &shared.ValidationError{Kind: shared.ValidationCycle, Cycle: cycle}
	}

	return g, nil
}

// Step looks up a step by id
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Steps returns all steps in sequence order
func (g *Graph) Steps() []*Step {
	return g.ordered
}

// Dependents returns the ids of steps that list the given step as a
// prerequisite
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// RuleSet returns the rules bound to this task type
func (g *Graph) RuleSet() *rules.RuleSet {
	return g.ruleSet
}

// TotalSteps returns the number of steps in the graph
func (g *Graph) TotalSteps() int {
	return len(g.ordered)
}

// TransitiveDependents returns every step downstream of the given one,
// following prerequisite edges forward.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
