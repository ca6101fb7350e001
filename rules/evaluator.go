package rules

import (
	"fmt"
	"time"

	"taskguide/condition"
	"taskguide/shared"
)

// RequirementResult is the outcome of evaluating one rule. Unmet because of
// missing data is distinguishable from unmet because the check failed, so
// callers can prompt for input instead of rejecting.
type RequirementResult struct {
	RuleID             string            `json:"ruleId"`
	Kind               Kind              `json:"kind"`
	Passed             bool              `json:"passed"`
	MissingInformation []string          `json:"missingInformation,omitempty"`
	Blocking           bool              `json:"blocking,omitempty"`
	Description        map[string]string `json:"description"`
	Source             string            `json:"source"`
}

// Undetermined reports whether the rule could not be decided for lack of data
func (r RequirementResult) Undetermined() bool {
	return !r.Passed && len(r.MissingInformation) > 0
}

// EligibilityResult aggregates a whole rule set evaluation
type EligibilityResult struct {
	OverallEligible    bool                `json:"overallEligible"`
	Requirements       []RequirementResult `json:"requirements"`
	Warnings           []string            `json:"warnings,omitempty"`
	Recommendations    []string            `json:"recommendations,omitempty"`
	MissingInformation []string            `json:"missingInformation,omitempty"`
}

// Evaluate runs every effective rule of the set against the context.
//
// OverallEligible is the conjunction of all eligibility-kind results, plus any
// constraint or deadline rule explicitly flagged blocking. Non-blocking
// constraint and deadline outcomes only populate warnings and recommendations.
//
// Deadlines compare against the caller-supplied asOf, never a wall-clock read;
// the same arguments always produce the same result.
func Evaluate(set *RuleSet, ctx shared.Context, asOf time.Time) EligibilityResult {
	result := EligibilityResult{OverallEligible: true}
	missingSeen := make(map[string]bool)

	for _, rule := range set.rules {
		if !rule.EffectiveAt(asOf) {
			continue
		}

		rr := RequirementResult{
			RuleID:      rule.ID,
			Kind:        rule.Kind,
			Blocking:    rule.Blocking,
			Description: rule.Description,
			Source:      rule.Source,
		}

		if rule.Kind == KindDeadline {
			rr.Passed = !asOf.After(*rule.Deadline)
		} else {
			passed, err := condition.Evaluate(rule.Condition, ctx)
			switch {
			case err == nil:
				rr.Passed = passed
			default:
				if vars := shared.MissingVars(err); vars != nil {
					rr.Passed = false
					rr.MissingInformation = vars
					for _, v := range vars {
						if !missingSeen[v] {
							missingSeen[v] = true
							result.MissingInformation = append(result.MissingInformation, v)
						}
					}
				} else {
					// A type mismatch inside a loaded rule is a template
					// defect. Fail the rule closed rather than pass it open.
					rr.Passed = false
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("rule %s could not be evaluated: %v", rule.ID, err))
				}
			}
		}

		switch rule.Kind {
		case KindEligibility, KindRequirement:
			if !rr.Passed {
				result.OverallEligible = false
			}
		case KindConstraint:
			if !rr.Passed {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("constraint %s not satisfied", rule.ID))
				if rule.Blocking {
					result.OverallEligible = false
				}
			}
		case KindDeadline:
			if !rr.Passed {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("deadline %s passed on %s", rule.ID, rule.Deadline.Format("2006-01-02")))
				if rule.Blocking {
					result.OverallEligible = false
				}
			} else if remaining := rule.Deadline.Sub(asOf); remaining < 14*24*time.Hour {
				result.Recommendations = append(result.Recommendations,
					fmt.Sprintf("deadline %s is %d day(s) away", rule.ID, int(remaining.Hours()/24)))
			}
		}

		result.Requirements = append(result.Requirements, rr)
	}

	return result
}
