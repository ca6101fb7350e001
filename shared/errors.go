package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrSessionNotFound is returned when loading an unknown or expired
	// session id. Expired and never-existed are deliberately the same
	// observable outcome.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConcurrentModification is returned when a save carries a stale
	// version number. The loser must reload and retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrTemplateInvalid is the base error for all template validation
	// failures. Fatal at load time; never surfaced mid-session.
	ErrTemplateInvalid = errors.New("invalid task template")
)

// MissingVariableError reports that a condition referenced context variables
// that are not present. It is recoverable: callers convert it into "ask the
// user for X", never into a silent pass or fail.
type MissingVariableError struct {
	Vars []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing context variable(s): %s", strings.Join(e.Vars, ", "))
}

// MissingVars extracts the deduplicated variable names from an error chain,
// or nil if the error is not a missing-variable failure.
func MissingVars(err error) []string {
	var mv *MissingVariableError
	if !errors.As(err, &mv) {
		return nil
	}
	seen := make(map[string]bool, len(mv.Vars))
	var out []string
	for _, v := range mv.Vars {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// MergeMissing combines two missing-variable errors into one
func MergeMissing(a, b *MissingVariableError) *MissingVariableError {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &MissingVariableError{Vars: append(append([]string{}, a.Vars...), b.Vars...)}
}

// TypeMismatchError reports a comparison between incompatible value kinds
type TypeMismatchError struct {
	Var  string
	Want ValueKind
	Got  ValueKind
}

func (e *TypeMismatchError) Error() string {
	if e.Var != "" {
		return fmt.Sprintf("type mismatch on %q: want %s, got %s", e.Var, e.Want, e.Got)
	}
	return fmt.Sprintf("type mismatch: want %s, got %s", e.Want, e.Got)
}

// ValidationKind classifies template validation failures
type ValidationKind string

const (
	ValidationDuplicateID       ValidationKind = "duplicate_id"
	ValidationDuplicateSequence ValidationKind = "duplicate_sequence"
	ValidationUnknownReference  ValidationKind = "unknown_reference"
	ValidationCycle             ValidationKind = "cyclic_dependency"
	ValidationBadCondition      ValidationKind = "bad_condition"
	ValidationBadRule           ValidationKind = "bad_rule"
)

// ValidationError describes a malformed template. Cycle failures carry the
// offending path as a stable witness.
type ValidationError struct {
	Kind  ValidationKind
	Msg   string
	Cycle []string
}

func (e *ValidationError) Error() string {
	if e.Kind == ValidationCycle && len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s: %s", ErrTemplateInvalid, e.Kind, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%s: %s: %s", ErrTemplateInvalid, e.Kind, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrTemplateInvalid }

// StepNotAvailableError rejects a completion of a step that is not currently
// AVAILABLE. Indicates stale client state; caller should refetch the next step.
type StepNotAvailableError struct {
	StepID string
	State  StepState
}

func (e *StepNotAvailableError) Error() string {
	return fmt.Sprintf("step %q is not available (state %s)", e.StepID, e.State)
}

// InvalidStepInputError rejects step input that does not match the declared
// input requirements. Carries a machine-checkable reason; never coerces.
type InvalidStepInputError struct {
	StepID  string
	Input   string
	Want    ValueKind
	Got     ValueKind
	Options []string
	Reason  string
}

func (e *InvalidStepInputError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid input %q for step %q: %s", e.Input, e.StepID, e.Reason)
	}
	return fmt.Sprintf("invalid input %q for step %q: want %s, got %s", e.Input, e.StepID, e.Want, e.Got)
}
