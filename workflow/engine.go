package workflow

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"taskguide/condition"
	"taskguide/rules"
	"taskguide/shared"
)

// Engine performs the rule-gated traversal of one step graph. It is stateless
// and free of I/O: all mutable state lives in the session it is handed, all
// time comes from the caller, and the same session and instant always produce
// the same decision.
type Engine struct {
	graph  *Graph
	logger *zap.Logger
}

// NewEngine creates an engine over an immutable step graph
func NewEngine(graph *Graph, logger *zap.Logger) *Engine {
	return &Engine{graph: graph, logger: logger}
}

// Graph returns the step graph the engine traverses
func (e *Engine) Graph() *Graph {
	return e.graph
}

// Decision is the outcome of a next-step computation
type Decision struct {
	State shared.WorkflowState
	Step  *Step
	// NeedsContext lists variables whose absence keeps the step's
	// applicability unconfirmed. The step is presented anyway: skipping on
	// missing data would hide required steps.
	NeedsContext []string
	// NewlySkipped lists steps this evaluation skipped because their branch
	// condition held false.
	NewlySkipped []string
}

// candidate is an available step plus any variables blocking branch
// confirmation
type candidate struct {
	step    *Step
	missing []string
}

// advance materializes all branch-condition skips reachable from the current
// session state and returns the AVAILABLE candidates in sequence order.
// Skips cascade: a skip satisfies its dependents' prerequisites, which may
// expose further steps whose branches then also get evaluated.
func (e *Engine) advance(sess *shared.Session, now time.Time) ([]candidate, []string, error) {
	done := sess.DoneSteps()
	var skipped []string

	for {
		progressed := false
		for _, step := range e.graph.Steps() {
			if _, isDone := done[step.ID]; isDone {
				continue
			}
			if !prereqsMet(step, done) {
				continue
			}
			applicable, err := condition.Evaluate(step.Branch, sess.Context)
			if err != nil {
				if shared.MissingVars(err) != nil {
					continue // stays a candidate, flagged below
				}
				return nil, nil, fmt.Errorf("branch condition of step %q: %w", step.ID, err)
			}
			if !applicable {
				sess.History = append(sess.History, shared.StepCompletion{
					StepID:    step.ID,
					Timestamp: now,
					Skipped:   true,
				})
				done[step.ID] = shared.StepStateSkipped
				skipped = append(skipped, step.ID)
				progressed = true
				e.logger.Info("Step skipped, branch condition held false",
					zap.String("sessionID", sess.ID),
					zap.String("stepID", step.ID))
			}
		}
		if !progressed {
			break
		}
	}

	var avail []candidate
	for _, step := range e.graph.Steps() {
		if _, isDone := done[step.ID]; isDone {
			continue
		}
		if !prereqsMet(step, done) {
			continue
		}
		applicable, err := condition.Evaluate(step.Branch, sess.Context)
		switch {
		case err == nil && applicable:
			avail = append(avail, candidate{step: step})
		case err != nil:
			if vars := shared.MissingVars(err); vars != nil {
				avail = append(avail, candidate{step: step, missing: vars})
			} else {
				return nil, nil, fmt.Errorf("branch condition of step %q: %w", step.ID, err)
			}
		}
	}
	return avail, skipped, nil
}

func prereqsMet(step *Step, done map[string]shared.StepState) bool {
	for _, pre := range step.Prerequisites {
		if !done[pre].Done() {
			return false
		}
	}
	return true
}

// NextStep computes the step to present next. It records any branch skips
// into the session, moves the current-step pointer, and detects completion
// and deadlock.
func (e *Engine) NextStep(sess *shared.Session, now time.Time) (Decision, error) {
	if sess.State.Terminal() {
		return Decision{State: sess.State}, nil
	}

	avail, skipped, err := e.advance(sess, now)
	if err != nil {
		return Decision{}, err
	}

	if len(avail) > 0 {
		// Sequence numbers are unique by construction, so the order is total
		// and the choice stable.
		first := avail[0]
		sess.CurrentStepID = first.step.ID
		return Decision{
			State:        sess.State,
			Step:         first.step,
			NeedsContext: first.missing,
			NewlySkipped: skipped,
		}, nil
	}

	done := sess.DoneSteps()
	if len(done) == e.graph.TotalSteps() {
		sess.State = shared.WorkflowCompleted
		sess.CurrentStepID = ""
		return Decision{State: shared.WorkflowCompleted, NewlySkipped: skipped}, nil
	}

	// No step available, workflow incomplete: malformed prerequisites or an
	// impossible branch combination. Reported, never looped.
	sess.State = shared.WorkflowDeadlocked
	sess.CurrentStepID = ""
	e.logger.Error("Workflow deadlocked",
		zap.String("sessionID", sess.ID),
		zap.String("taskType", sess.TaskType),
		zap.Int("doneSteps", len(done)),
		zap.Int("totalSteps", e.graph.TotalSteps()))
	return Decision{State: shared.WorkflowDeadlocked, NewlySkipped: skipped}, nil
}

// CompleteStep applies one user completion and advances the workflow. It is
// the single point of mutation for workflow progression and is atomic: it
// works on a clone of the session and returns it, so a failure at any point
// leaves the caller's session untouched.
func (e *Engine) CompleteStep(sess *shared.Session, stepID string, input map[string]shared.Value, now time.Time) (*shared.Session, Decision, error) {
	if sess.State.Terminal() {
		return nil, Decision{}, fmt.Errorf("workflow is %s, no further steps can be completed", sess.State)
	}
	step, ok := e.graph.Step(stepID)
	if !ok {
		return nil, Decision{}, &shared.StepNotAvailableError{StepID: stepID, State: shared.StepStateLocked}
	}

	next := sess.Clone()
	avail, _, err := e.advance(next, now)
	if err != nil {
		return nil, Decision{}, err
	}

	if !isCandidate(avail, stepID) {
		state := shared.StepStateLocked
		if s, isDone := next.DoneSteps()[stepID]; isDone {
			state = s
		}
		return nil, Decision{}, &shared.StepNotAvailableError{StepID: stepID, State: state}
	}

	if err := validateInput(step, input); err != nil {
		return nil, Decision{}, err
	}

	next.History = append(next.History, shared.StepCompletion{
		StepID:    stepID,
		Timestamp: now,
		Input:     input,
	})

	var changedVars []string
	for key, val := range input {
		next.Context.Set(key, val)
		changedVars = append(changedVars, key)
	}
	if len(changedVars) > 0 {
		e.refreshEligibility(next, changedVars, now)
	}

	if next.State == shared.WorkflowNotStarted {
		next.State = shared.WorkflowInProgress
	}

	dec, err := e.NextStep(next, now)
	if err != nil {
		return nil, Decision{}, err
	}

	e.logger.Info("Step completed",
		zap.String("sessionID", sess.ID),
		zap.String("stepID", stepID),
		zap.String("workflowState", string(next.State)))
	return next, dec, nil
}

func isCandidate(avail []candidate, stepID string) bool {
	for _, c := range avail {
		if c.step.ID == stepID {
			return true
		}
	}
	return false
}

// validateInput checks the completion input against the step's declared
// input requirements. Mismatches are rejected, never coerced.
func validateInput(step *Step, input map[string]shared.Value) error {
	declared := make(map[string]InputSpec, len(step.Inputs))
	for _, spec := range step.Inputs {
		declared[spec.Key] = spec
		val, present := input[spec.Key]
		if !present {
			if spec.Required {
				return &shared.InvalidStepInputError{
					StepID: step.ID,
					Input:  spec.Key,
					Want:   spec.Kind,
					Reason: "required input missing",
				}
			}
			continue
		}
		if val.Kind != spec.Kind {
			return &shared.InvalidStepInputError{
				StepID: step.ID,
				Input:  spec.Key,
				Want:   spec.Kind,
				Got:    val.Kind,
			}
		}
		if len(spec.Options) > 0 && val.Kind == shared.KindString {
			if !containsString(spec.Options, val.Str) {
				return &shared.InvalidStepInputError{
					StepID:  step.ID,
					Input:   spec.Key,
					Options: spec.Options,
					Reason:  fmt.Sprintf("value %q not among declared options", val.Str),
				}
			}
		}
	}
	for key := range input {
		if _, ok := declared[key]; !ok {
			return &shared.InvalidStepInputError{
				StepID: step.ID,
				Input:  key,
				Reason: "input not declared by step",
			}
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// refreshEligibility invalidates cache entries for rules touching the changed
// variables and recomputes them, keeping the cache consistent with the
// context before the next step decision.
func (e *Engine) refreshEligibility(sess *shared.Session, changedVars []string, now time.Time) {
	set := e.graph.RuleSet()
	if set == nil {
		return
	}
	if sess.Eligibility != nil {
		for _, id := range set.RulesReferencing(changedVars) {
			delete(sess.Eligibility, id)
		}
	}
	result := rules.Evaluate(set, sess.Context, now)
	if sess.Eligibility == nil {
		sess.Eligibility = make(map[string]bool, len(result.Requirements))
	}
	for _, rr := range result.Requirements {
		if _, cached := sess.Eligibility[rr.RuleID]; !cached {
			sess.Eligibility[rr.RuleID] = rr.Passed
		}
	}
}

// Eligibility evaluates the task's rule set against the session context
func (e *Engine) Eligibility(sess *shared.Session, now time.Time) rules.EligibilityResult {
	set := e.graph.RuleSet()
	if set == nil {
		return rules.EligibilityResult{OverallEligible: true}
	}
	return rules.Evaluate(set, sess.Context, now)
}

// Abandon transitions the workflow to its terminal abandoned state. History
// and context are preserved; only progression stops.
func (e *Engine) Abandon(sess *shared.Session) error {
	if sess.State == shared.WorkflowCompleted {
		return fmt.Errorf("cannot abandon a completed workflow")
	}
	sess.State = shared.WorkflowAbandoned
	sess.CurrentStepID = ""
	return nil
}

// RecommendPath picks the available step to do first when a branch point
// offers several. The choice minimizes the estimated remaining time of the
// path rooted at each candidate; ties break on the template's declared
// preference, then on sequence. When eligibility is undetermined for lack of
// data, candidates whose inputs collect the missing variables are preferred
// so the user can resolve their own eligibility first.
func (e *Engine) RecommendPath(sess *shared.Session, now time.Time) (*Step, error) {
	scratch := sess.Clone()
	avail, _, err := e.advance(scratch, now)
	if err != nil {
		return nil, err
	}
	if len(avail) == 0 {
		return nil, nil
	}
	if len(avail) == 1 {
		return avail[0].step, nil
	}

	missingInfo := make(map[string]bool)
	for _, v := range e.Eligibility(sess, now).MissingInformation {
		missingInfo[v] = true
	}

	type scored struct {
		step      *Step
		resolves  bool
		remaining time.Duration
	}
	ranked := make([]scored, 0, len(avail))
	for _, c := range avail {
		s := scored{step: c.step, remaining: e.pathEstimate(sess, c.step)}
		for _, in := range c.step.Inputs {
			if missingInfo[in.Key] {
				s.resolves = true
				break
			}
		}
		ranked = append(ranked, s)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].resolves != ranked[j].resolves {
			return ranked[i].resolves
		}
		if ranked[i].remaining != ranked[j].remaining {
			return ranked[i].remaining < ranked[j].remaining
		}
		if ranked[i].step.Preference != ranked[j].step.Preference {
			return ranked[i].step.Preference < ranked[j].step.Preference
		}
		return ranked[i].step.Sequence < ranked[j].step.Sequence
	})
	return ranked[0].step, nil
}

// pathEstimate sums the estimates of a step and its reachable transitive
// dependents
func (e *Engine) pathEstimate(sess *shared.Session, step *Step) time.Duration {
	total := step.EstimatedDuration()
	done := sess.DoneSteps()
	for _, id := range e.graph.TransitiveDependents(step.ID) {
		if _, isDone := done[id]; isDone {
			continue
		}
		dep, _ := e.graph.Step(id)
		if e.reachable(sess, dep) {
			total += dep.EstimatedDuration()
		}
	}
	return total
}

// reachable reports whether a pending step can still need doing: a branch
// already known false forecloses it (it will be skipped), while a branch
// blocked on missing data keeps it reachable.
func (e *Engine) reachable(sess *shared.Session, step *Step) bool {
	applicable, err := condition.Evaluate(step.Branch, sess.Context)
	if err != nil {
		return true
	}
	return applicable
}
