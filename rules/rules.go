// Package rules models the eligibility, constraint, requirement and deadline
// rules bound to one task type, and evaluates them into an EligibilityResult.
package rules

import (
	"fmt"
	"time"

	"taskguide/condition"
	"taskguide/shared"
)

// Kind classifies a rule
type Kind string

const (
	KindEligibility Kind = "eligibility"
	KindConstraint  Kind = "constraint"
	KindRequirement Kind = "requirement"
	KindDeadline    Kind = "deadline"
)

func (k Kind) known() bool {
	switch k {
	case KindEligibility, KindConstraint, KindRequirement, KindDeadline:
		return true
	default:
		return false
	}
}

// Rule is one rule of a task template. Immutable after load; a republished
// template supersedes its rules rather than editing them.
type Rule struct {
	ID          string               `yaml:"id" json:"id"`
	Kind        Kind                 `yaml:"kind" json:"kind"`
	Condition   *condition.Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	Deadline    *time.Time           `yaml:"deadline,omitempty" json:"deadline,omitempty"`
	Description map[string]string    `yaml:"description" json:"description"` // language code -> text
	Source      string               `yaml:"source" json:"source"`
	Blocking    bool                 `yaml:"blocking,omitempty" json:"blocking,omitempty"`

	// Effective date range. Rules outside the range at evaluation time are
	// not applied.
	EffectiveFrom  *time.Time `yaml:"effectiveFrom,omitempty" json:"effectiveFrom,omitempty"`
	EffectiveUntil *time.Time `yaml:"effectiveUntil,omitempty" json:"effectiveUntil,omitempty"`
}

// EffectiveAt reports whether the rule applies at the given instant
func (r *Rule) EffectiveAt(asOf time.Time) bool {
	if r.EffectiveFrom != nil && asOf.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && asOf.After(*r.EffectiveUntil) {
		return false
	}
	return true
}

// Validate checks that the rule is well formed. Every rule must carry a
// non-empty source reference.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return badRule("rule missing id")
	}
	if !r.Kind.known() {
		return badRule(fmt.Sprintf("rule %q has unknown kind %q", r.ID, r.Kind))
	}
	if r.Source == "" {
		return badRule(fmt.Sprintf("rule %q missing source reference", r.ID))
	}
	if r.Kind == KindDeadline {
		if r.Deadline == nil {
			return badRule(fmt.Sprintf("deadline rule %q missing deadline", r.ID))
		}
	} else if r.Condition == nil {
		return badRule(fmt.Sprintf("rule %q missing condition", r.ID))
	}
	if r.Condition != nil {
		if err := r.Condition.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Vars returns the context variables the rule's condition references
func (r *Rule) Vars() []string {
	if r.Condition == nil {
		return nil
	}
	return r.Condition.Vars()
}

// RuleSet holds the rules bound to one task type, derived deterministically
// from the template at load time. Read-only after Build.
type RuleSet struct {
	TaskType string
	rules    []*Rule
	byID     map[string]*Rule
}

// Build validates the rules and assembles a RuleSet. Declaration order is
// preserved so evaluation results are stable.
func Build(taskType string, rs []Rule) (*RuleSet, error) {
	set := &RuleSet{
		TaskType: taskType,
		rules:    make([]*Rule, 0, len(rs)),
		byID:     make(map[string]*Rule, len(rs)),
	}
	for i := range rs {
		r := rs[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := set.byID[r.ID]; dup {
			return nil, badRule(fmt.Sprintf("duplicate rule id %q", r.ID))
		}
		set.rules = append(set.rules, &r)
		set.byID[r.ID] = &r
	}
	return set, nil
}

// Rules returns the rules in declaration order
func (s *RuleSet) Rules() []*Rule {
	return s.rules
}

// Get looks up a rule by id
func (s *RuleSet) Get(id string) (*Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// RulesReferencing returns the ids of rules whose conditions mention any of
// the given variables. Used to invalidate only the affected eligibility cache
// entries after a context mutation.
func (s *RuleSet) RulesReferencing(vars []string) []string {
	varSet := make(map[string]bool, len(vars))
	for _, v := range vars {
		varSet[v] = true
	}
	var out []string
	for _, r := range s.rules {
		for _, v := range r.Vars() {
			if varSet[v] {
				out = append(out, r.ID)
				break
			}
		}
	}
	return out
}

func badRule(msg string) error {
	return &shared.ValidationError{Kind: shared.ValidationBadRule, Msg: msg}
}
