package shared

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ValueKind identifies the type of a context value
type ValueKind string

const (
	KindString    ValueKind = "string"
	KindNumber    ValueKind = "number"
	KindBool      ValueKind = "bool"
	KindDate      ValueKind = "date"
	KindStringSet ValueKind = "stringSet"
)

// Value is a typed context value. Exactly one payload field is meaningful,
// selected by Kind.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Date time.Time
	Set  []string
}

// StringValue wraps a string as a Value
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NumberValue wraps a float64 as a Value
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// BoolValue wraps a bool as a Value
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// DateValue wraps a time.Time as a Value. Only the instant matters; callers
// supply it, the engine never reads the wall clock.
func DateValue(t time.Time) Value { return Value{Kind: KindDate, Date: t} }

// StringSetValue wraps a set of strings as a Value
func StringSetValue(members ...string) Value {
	set := make([]string, len(members))
	copy(set, members)
	sort.Strings(set)
	return Value{Kind: KindStringSet, Set: set}
}

// Equal reports whether two values are equal. Comparing values of different
// kinds is a type error, not false.
func (v Value) Equal(other Value) (bool, error) {
	if v.Kind != other.Kind {
		return false, &TypeMismatchError{Want: v.Kind, Got: other.Kind}
	}
	switch v.Kind {
	case KindString:
		return v.Str == other.Str, nil
	case KindNumber:
		return v.Num == other.Num, nil
	case KindBool:
		return v.Bool == other.Bool, nil
	case KindDate:
		return v.Date.Equal(other.Date), nil
	case KindStringSet:
		if len(v.Set) != len(other.Set) {
			return false, nil
		}
		for i := range v.Set {
			if v.Set[i] != other.Set[i] {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

// Compare returns -1, 0 or 1 for ordered kinds (number, date). Other kinds
// have no ordering and comparing them is a type error.
func (v Value) Compare(other Value) (int, error) {
	if v.Kind != other.Kind {
		return 0, &TypeMismatchError{Want: v.Kind, Got: other.Kind}
	}
	switch v.Kind {
	case KindNumber:
		switch {
		case v.Num < other.Num:
			return -1, nil
		case v.Num > other.Num:
			return 1, nil
		default:
			return 0, nil
		}
	case KindDate:
		switch {
		case v.Date.Before(other.Date):
			return -1, nil
		case v.Date.After(other.Date):
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, &TypeMismatchError{Want: KindNumber, Got: v.Kind}
	}
}

// Contains reports whether a stringSet value contains the member
func (v Value) Contains(member string) (bool, error) {
	if v.Kind != KindStringSet {
		return false, &TypeMismatchError{Want: KindStringSet, Got: v.Kind}
	}
	for _, m := range v.Set {
		if m == member {
			return true, nil
		}
	}
	return false, nil
}

// String renders the value for logs and error messages
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return fmt.Sprintf("%g", v.Num)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindDate:
		return v.Date.Format(time.RFC3339)
	case KindStringSet:
		return fmt.Sprintf("%v", v.Set)
	default:
		return fmt.Sprintf("<%s>", v.Kind)
	}
}

// valueJSON is the wire form of a Value
type valueJSON struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as a tagged {kind, value} pair
func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.Kind {
	case KindString:
		payload = v.Str
	case KindNumber:
		payload = v.Num
	case KindBool:
		payload = v.Bool
	case KindDate:
		payload = v.Date.Format(time.RFC3339Nano)
	case KindStringSet:
		payload = v.Set
	default:
		return nil, fmt.Errorf("cannot marshal value of unknown kind %q", v.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON decodes a tagged {kind, value} pair
func (v *Value) UnmarshalJSON(data []byte) error {
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case KindString:
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case KindNumber:
		var n float64
		if err := json.Unmarshal(wire.Value, &n); err != nil {
			return err
		}
		*v = NumberValue(n)
	case KindBool:
		var b bool
		if err := json.Unmarshal(wire.Value, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case KindDate:
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = DateValue(t)
	case KindStringSet:
		var set []string
		if err := json.Unmarshal(wire.Value, &set); err != nil {
			return err
		}
		*v = Value{Kind: KindStringSet, Set: set}
	default:
		return fmt.Errorf("cannot unmarshal value of unknown kind %q", wire.Kind)
	}
	return nil
}

// Context maps variable names to typed values. One Context belongs to exactly
// one session; it is mutated only by the engine on behalf of the acting user.
type Context map[string]Value

// Get looks up a variable
func (c Context) Get(name string) (Value, bool) {
	v, ok := c[name]
	return v, ok
}

// Set stores a variable
func (c Context) Set(name string, v Value) {
	c[name] = v
}

// Clone returns an independent deep copy of the context
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		if v.Kind == KindStringSet {
			set := make([]string, len(v.Set))
			copy(set, v.Set)
			v.Set = set
		}
		out[k] = v
	}
	return out
}
