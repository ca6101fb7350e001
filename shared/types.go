package shared

import (
	"encoding/json"
	"time"
)

// StepState defines the current state of a step within one session
type StepState string

const (
	StepStateLocked    StepState = "locked"    // prerequisites unmet
	StepStateAvailable StepState = "available" // ready for the user
	StepStateCompleted StepState = "completed"
	StepStateSkipped   StepState = "skipped" // branch condition held false; terminal
)

// Done reports whether the state satisfies prerequisites of dependent steps
func (s StepState) Done() bool {
	return s == StepStateCompleted || s == StepStateSkipped
}

// WorkflowState defines the lifecycle state of one session's workflow
type WorkflowState string

const (
	WorkflowNotStarted WorkflowState = "not_started"
	WorkflowInProgress WorkflowState = "in_progress"
	WorkflowCompleted  WorkflowState = "completed"
	WorkflowAbandoned  WorkflowState = "abandoned"
	// WorkflowDeadlocked means no step is available but the workflow is not
	// complete. A template defect, reported rather than retried.
	WorkflowDeadlocked WorkflowState = "deadlocked"
)

// Terminal reports whether the workflow can no longer progress
func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowAbandoned
}

// StepCompletion is one history entry: a user completion or an engine skip
type StepCompletion struct {
	StepID    string           `json:"stepId"`
	Timestamp time.Time        `json:"timestamp"`
	Input     map[string]Value `json:"input,omitempty"`
	Skipped   bool             `json:"skipped,omitempty"`
}

// Session is the serializable, single-writer record of one user's progress
// through a workflow. It references its step graph by task type and template
// version; the graph itself is shared read-only across sessions and never
// embedded here.
type Session struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	LanguageCode    string           `json:"languageCode"`
	TaskType        string           `json:"taskType"`
	TemplateVersion string           `json:"templateVersion"`
	State           WorkflowState    `json:"state"`
	CurrentStepID   string           `json:"currentStepId,omitempty"`
	Context         Context          `json:"context"`
	History         []StepCompletion `json:"history"`
	Eligibility     map[string]bool  `json:"eligibility,omitempty"` // rule id -> passed, derived cache
	PercentComplete float64          `json:"percentComplete"`       // denormalized for listings
	CreatedAt       time.Time        `json:"createdAt"`
	LastAccessedAt  time.Time        `json:"lastAccessedAt"`
	ExpiresAt       time.Time        `json:"expiresAt"`
	Version         int64            `json:"version"` // optimistic concurrency sequence
}

// Clone returns an independent deep copy of the session. CompleteStep works on
// a clone so an interrupted update never leaves a half-mutated session behind.
func (s *Session) Clone() *Session {
	out := *s
	out.Context = s.Context.Clone()
	out.History = make([]StepCompletion, len(s.History))
	for i, h := range s.History {
		out.History[i] = h
		if h.Input != nil {
			in := make(map[string]Value, len(h.Input))
			for k, v := range h.Input {
				in[k] = v
			}
			out.History[i].Input = in
		}
	}
	if s.Eligibility != nil {
		out.Eligibility = make(map[string]bool, len(s.Eligibility))
		for k, v := range s.Eligibility {
			out.Eligibility[k] = v
		}
	}
	return &out
}

// DoneSteps returns the step ids recorded as completed or skipped
func (s *Session) DoneSteps() map[string]StepState {
	done := make(map[string]StepState, len(s.History))
	for _, h := range s.History {
		if h.Skipped {
			done[h.StepID] = StepStateSkipped
		} else {
			done[h.StepID] = StepStateCompleted
		}
	}
	return done
}

// Marshal encodes the session for persistence
func (s *Session) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSession decodes a persisted session
func UnmarshalSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Context == nil {
		s.Context = make(Context)
	}
	return &s, nil
}

// SessionSummary is the lightweight listing form of a session
type SessionSummary struct {
	ID              string        `json:"id"`
	TaskType        string        `json:"taskType"`
	State           WorkflowState `json:"state"`
	PercentComplete float64       `json:"percentComplete"`
	LastAccessedAt  time.Time     `json:"lastAccessedAt"`
}
