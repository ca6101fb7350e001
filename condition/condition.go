// Package condition implements the boolean expression language used by task
// templates: branch conditions on steps, gates on document requirements, and
// the body of eligibility rules.
//
// A Condition is data, not code: a small tagged expression tree that can be
// declared in template YAML, validated at load time, serialized, and evaluated
// by a pure interpreter against a context snapshot.
package condition

import (
	"fmt"
	"sort"

	"taskguide/shared"
)

// Op is a comparison operator on a leaf condition
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpIn  Op = "in"
)

// ordered reports whether the operator requires an ordered comparison
func (o Op) ordered() bool {
	switch o {
	case OpLt, OpLte, OpGt, OpGte:
		return true
	default:
		return false
	}
}

func (o Op) known() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn:
		return true
	default:
		return false
	}
}

// Condition is one node of the expression tree. Exactly one form is set:
// composite (All, Any or Not) or leaf (Var + Op + Value). Immutable once
// parsed.
type Condition struct {
	All []*Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []*Condition `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Condition   `yaml:"not,omitempty" json:"not,omitempty"`

	Var   string      `yaml:"var,omitempty" json:"var,omitempty"`
	Op    Op          `yaml:"op,omitempty" json:"op,omitempty"`
	Value interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// Validate checks the structural well-formedness of the tree. Conditions in a
// template must validate at load time so evaluation never sees a malformed
// node.
func (c *Condition) Validate() error {
	if c == nil {
		return badCondition("nil condition")
	}
	forms := 0
	if len(c.All) > 0 {
		forms++
	}
	if len(c.Any) > 0 {
		forms++
	}
	if c.Not != nil {
		forms++
	}
	if c.Var != "" {
		forms++
	}
	if forms != 1 {
		return badCondition("condition must be exactly one of all/any/not or a var comparison")
	}

	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	case c.Not != nil:
		return c.Not.Validate()
	default:
		if !c.Op.known() {
			return badCondition(fmt.Sprintf("unknown operator %q on variable %q", c.Op, c.Var))
		}
		if c.Value == nil {
			return badCondition(fmt.Sprintf("operator %q on variable %q requires a literal value", c.Op, c.Var))
		}
	}
	return nil
}

// Vars returns the sorted, deduplicated set of context variables the
// condition references
func (c *Condition) Vars() []string {
	seen := make(map[string]bool)
	c.collectVars(seen)
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (c *Condition) collectVars(seen map[string]bool) {
	if c == nil {
		return
	}
	if c.Var != "" {
		seen[c.Var] = true
	}
	for _, sub := range c.All {
		sub.collectVars(seen)
	}
	for _, sub := range c.Any {
		sub.collectVars(seen)
	}
	if c.Not != nil {
		c.Not.collectVars(seen)
	}
}

func badCondition(msg string) error {
	return &shared.ValidationError{Kind: shared.ValidationBadCondition, Msg: msg}
}
