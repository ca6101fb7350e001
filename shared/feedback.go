package shared

import "go.uber.org/zap"

// IssueType classifies a feedback flag
type IssueType string

const (
	IssueInvalidInput      IssueType = "invalid_input"
	IssueDeadlock          IssueType = "deadlocked_workflow"
	IssueMissingRuleSource IssueType = "missing_rule_source"
	IssueUserReported      IssueType = "user_reported"
)

// Flag is an anomaly report emitted to the feedback collaborator. The engine
// only emits flags; aggregation and prioritization happen downstream.
type Flag struct {
	SessionID string    `json:"sessionId"`
	StepID    string    `json:"stepId,omitempty"`
	IssueType IssueType `json:"issueType"`
	Detail    string    `json:"detail,omitempty"`
}

// FlagSink receives feedback flags out of band
type FlagSink interface {
	Emit(flag Flag)
}

// NopSink discards all flags
type NopSink struct{}

func (NopSink) Emit(Flag) {}

// LogSink writes flags to a structured logger. Useful as a default sink when
// no feedback collaborator is configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Emit(flag Flag) {
	s.Logger.Warn("Feedback flag emitted",
		zap.String("sessionID", flag.SessionID),
		zap.String("stepID", flag.StepID),
		zap.String("issueType", string(flag.IssueType)),
		zap.String("detail", flag.Detail))
}
