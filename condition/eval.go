package condition

import (
	"errors"
	"fmt"
	"time"

	"taskguide/shared"
)

// Evaluate interprets the condition against a context snapshot. It is pure:
// the same condition and context always yield the same result, and there are
// no clock or randomness reads inside.
//
// A reference to an absent variable fails with MissingVariableError rather
// than defaulting to true or false. AND/OR short-circuit on the decided
// operand regardless of order: a definite false decides an All and a definite
// true decides an Any even when a sibling operand is missing a variable.
func Evaluate(c *Condition, ctx shared.Context) (bool, error) {
	if c == nil {
		// Absent condition means "always applicable".
		return true, nil
	}

	switch {
	case len(c.All) > 0:
		var missing *shared.MissingVariableError
		for _, sub := range c.All {
			res, err := Evaluate(sub, ctx)
			if err != nil {
				if mv, ok := missingFrom(err); ok {
					missing = shared.MergeMissing(missing, mv)
					continue
				}
				return false, err
			}
			if !res {
				return false, nil
			}
		}
		if missing != nil {
			return false, missing
		}
		return true, nil

	case len(c.Any) > 0:
		var missing *shared.MissingVariableError
		for _, sub := range c.Any {
			res, err := Evaluate(sub, ctx)
			if err != nil {
				if mv, ok := missingFrom(err); ok {
					missing = shared.MergeMissing(missing, mv)
					continue
				}
				return false, err
			}
			if res {
				return true, nil
			}
		}
		if missing != nil {
			return false, missing
		}
		return false, nil

	case c.Not != nil:
		res, err := Evaluate(c.Not, ctx)
		if err != nil {
			return false, err
		}
		return !res, nil

	default:
		return evaluateLeaf(c, ctx)
	}
}

// tagVar attaches the variable name to a type mismatch raised by a value
// comparison
func tagVar(name string, err error) error {
	if err == nil {
		return nil
	}
	var tm *shared.TypeMismatchError
	if errors.As(err, &tm) && tm.Var == "" {
		return &shared.TypeMismatchError{Var: name, Want: tm.Want, Got: tm.Got}
	}
	return err
}

func missingFrom(err error) (*shared.MissingVariableError, bool) {
	if vars := shared.MissingVars(err); vars != nil {
		return &shared.MissingVariableError{Vars: vars}, true
	}
	return nil, false
}

func evaluateLeaf(c *Condition, ctx shared.Context) (bool, error) {
	val, ok := ctx.Get(c.Var)
	if !ok {
		return false, &shared.MissingVariableError{Vars: []string{c.Var}}
	}

	if c.Op == OpIn {
		return evaluateIn(c, val)
	}

	lit, err := coerceLiteral(c.Var, val.Kind, c.Value)
	if err != nil {
		return false, err
	}

	switch c.Op {
	case OpEq:
		eq, err := val.Equal(lit)
		return eq, tagVar(c.Var, err)
	case OpNe:
		eq, err := val.Equal(lit)
		return !eq, tagVar(c.Var, err)
	default:
		if !c.Op.ordered() {
			return false, badCondition(fmt.Sprintf("unknown operator %q on variable %q", c.Op, c.Var))
		}
		cmp, err := val.Compare(lit)
		if err != nil {
			return false, tagVar(c.Var, err)
		}
		switch c.Op {
		case OpLt:
			return cmp < 0, nil
		case OpLte:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default: // OpGte
			return cmp >= 0, nil
		}
	}
}

// evaluateIn handles both membership directions: a stringSet variable
// containing a literal member, and a string variable appearing in a literal
// list.
func evaluateIn(c *Condition, val shared.Value) (bool, error) {
	switch val.Kind {
	case shared.KindStringSet:
		member, ok := c.Value.(string)
		if !ok {
			return false, &shared.TypeMismatchError{Var: c.Var, Want: shared.KindString, Got: literalKind(c.Value)}
		}
		return val.Contains(member)
	case shared.KindString:
		members, err := literalStringList(c.Value)
		if err != nil {
			return false, &shared.TypeMismatchError{Var: c.Var, Want: shared.KindStringSet, Got: literalKind(c.Value)}
		}
		for _, m := range members {
			if m == val.Str {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, &shared.TypeMismatchError{Var: c.Var, Want: shared.KindStringSet, Got: val.Kind}
	}
}

// coerceLiteral converts a template literal to the kind of the context value
// it is compared against. No silent cross-kind coercion: a literal that does
// not fit the kind is a TypeMismatch.
func coerceLiteral(varName string, kind shared.ValueKind, lit interface{}) (shared.Value, error) {
	switch kind {
	case shared.KindString:
		if s, ok := lit.(string); ok {
			return shared.StringValue(s), nil
		}
	case shared.KindNumber:
		switch n := lit.(type) {
		case float64:
			return shared.NumberValue(n), nil
		case float32:
			return shared.NumberValue(float64(n)), nil
		case int:
			return shared.NumberValue(float64(n)), nil
		case int64:
			return shared.NumberValue(float64(n)), nil
		case uint64:
			return shared.NumberValue(float64(n)), nil
		}
	case shared.KindBool:
		if b, ok := lit.(bool); ok {
			return shared.BoolValue(b), nil
		}
	case shared.KindDate:
		if s, ok := lit.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return shared.DateValue(t), nil
			}
			if t, err := time.Parse("2006-01-02", s); err == nil {
				return shared.DateValue(t), nil
			}
		}
		if t, ok := lit.(time.Time); ok {
			return shared.DateValue(t), nil
		}
	case shared.KindStringSet:
		members, err := literalStringList(lit)
		if err == nil {
			return shared.StringSetValue(members...), nil
		}
	}
	return shared.Value{}, &shared.TypeMismatchError{Var: varName, Want: kind, Got: literalKind(lit)}
}

// literalStringList accepts both []string and the []interface{} YAML produces
func literalStringList(lit interface{}) ([]string, error) {
	switch l := lit.(type) {
	case []string:
		return l, nil
	case []interface{}:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string list member %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a string list: %T", lit)
	}
}

func literalKind(lit interface{}) shared.ValueKind {
	switch lit.(type) {
	case string:
		return shared.KindString
	case bool:
		return shared.KindBool
	case float64, float32, int, int64, uint64:
		return shared.KindNumber
	case time.Time:
		return shared.KindDate
	case []string, []interface{}:
		return shared.KindStringSet
	default:
		return shared.ValueKind(fmt.Sprintf("%T", lit))
	}
}
