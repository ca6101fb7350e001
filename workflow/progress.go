package workflow

import (
	"time"

	"taskguide/condition"
	"taskguide/shared"
)

// ProgressInfo summarizes how far a session has come
type ProgressInfo struct {
	TotalSteps             int           `json:"totalSteps"`
	CompletedSteps         int           `json:"completedSteps"` // includes skipped
	PercentComplete        float64       `json:"percentComplete"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`
}

// Progress computes completion statistics. Skipped steps count as completed;
// the remaining-time estimate covers only steps still reachable, so work
// foreclosed by a skipped branch stops inflating the estimate.
func (e *Engine) Progress(sess *shared.Session) ProgressInfo {
	done := sess.DoneSteps()
	info := ProgressInfo{
		TotalSteps:     e.graph.TotalSteps(),
		CompletedSteps: len(done),
	}
	if info.TotalSteps > 0 {
		info.PercentComplete = float64(info.CompletedSteps) / float64(info.TotalSteps)
	}
	for _, step := range e.graph.Steps() {
		if _, isDone := done[step.ID]; isDone {
			continue
		}
		if e.reachable(sess, step) {
			info.EstimatedTimeRemaining += step.EstimatedDuration()
		}
	}
	return info
}

// DocumentStatus is one entry of the derived document checklist
type DocumentStatus struct {
	Document DocumentRequirement `json:"document"`
	StepID   string              `json:"stepId"`
	Required bool                `json:"required"`
	// PendingConfirmation marks documents whose gate could not be decided
	// for lack of context. They are listed rather than omitted: omission
	// could hide a mandatory document.
	PendingConfirmation bool     `json:"pendingConfirmation,omitempty"`
	MissingInformation  []string `json:"missingInformation,omitempty"`
}

// DocumentChecklist collects the document requirements of every step still
// reachable, applying each document's gate condition to the current context.
func (e *Engine) DocumentChecklist(sess *shared.Session) ([]DocumentStatus, error) {
	done := sess.DoneSteps()
	var out []DocumentStatus
	for _, step := range e.graph.Steps() {
		if _, isDone := done[step.ID]; isDone {
			continue
		}
		if !e.reachable(sess, step) {
			continue
		}
		for _, doc := range step.Documents {
			required, err := condition.Evaluate(doc.Gate, sess.Context)
			switch {
			case err == nil && required:
				out = append(out, DocumentStatus{Document: doc, StepID: step.ID, Required: true})
			case err == nil:
				// gate held false: document not needed
			default:
				vars := shared.MissingVars(err)
				if vars == nil {
					return nil, err
				}
				out = append(out, DocumentStatus{
					Document:            doc,
					StepID:              step.ID,
					Required:            true,
					PendingConfirmation: true,
					MissingInformation:  vars,
				})
			}
		}
	}
	return out, nil
}
