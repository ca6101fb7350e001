// Package steps holds the godog step definitions for the workflow scenarios.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cucumber/godog"
	"go.uber.org/zap"

	"taskguide/shared"
	"taskguide/store"
	"taskguide/workflow"
)

// captureSink records feedback flags for scenario assertions
type captureSink struct {
	mu    sync.Mutex
	flags []shared.Flag
}

func (s *captureSink) Emit(flag shared.Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = append(s.flags, flag)
}

// SessionContext holds the state shared across the steps of one scenario
type SessionContext struct {
	ctx       context.Context
	manager   *workflow.Manager
	sink      *captureSink
	sessionID string

	lastDecision workflow.Decision
	lastErr      error
}

// NewSessionContext creates an isolated context for one scenario
func NewSessionContext() *SessionContext {
	return &SessionContext{ctx: context.Background()}
}

// Register connects the Gherkin steps to their implementations
func (sc *SessionContext) Register(ctx *godog.ScenarioContext) {
	ctx.Step(`^the task templates are loaded from "([^"]*)"$`, sc.templatesLoadedFrom)
	ctx.Step(`^a session for user "([^"]*)" speaking "([^"]*)" on task "([^"]*)"$`, sc.aSessionForUser)

	ctx.Step(`^the user completes step "([^"]*)" with:$`, sc.userCompletesStepWith)
	ctx.Step(`^the session context is updated with:$`, sc.contextUpdatedWith)
	ctx.Step(`^the user abandons the session$`, sc.userAbandonsSession)

	ctx.Step(`^the current step should be "([^"]*)"$`, sc.currentStepShouldBe)
	ctx.Step(`^the workflow state should be "([^"]*)"$`, sc.workflowStateShouldBe)
	ctx.Step(`^step "([^"]*)" should be recorded as skipped$`, sc.stepShouldBeSkipped)
	ctx.Step(`^the session history should be empty$`, sc.historyShouldBeEmpty)
	ctx.Step(`^the progress should be (\d+) percent$`, sc.progressShouldBe)

	ctx.Step(`^the completion should be rejected because the step is not available$`, sc.rejectedStepNotAvailable)
	ctx.Step(`^the completion should be rejected as invalid input$`, sc.rejectedInvalidInput)
	ctx.Step(`^the completion should be rejected because the workflow is terminal$`, sc.rejectedTerminal)
	ctx.Step(`^an "([^"]*)" flag should have been emitted$`, sc.flagShouldHaveBeenEmitted)

	ctx.Step(`^the document checklist should list "([^"]*)" as pending confirmation$`, sc.checklistListsPending)
	ctx.Step(`^the document checklist should list "([^"]*)" as required$`, sc.checklistListsRequired)
	ctx.Step(`^the document checklist should not list "([^"]*)"$`, sc.checklistOmits)

	ctx.Step(`^the eligibility check should report missing information "([^"]*)"$`, sc.eligibilityMissing)
	ctx.Step(`^the session should be eligible$`, sc.sessionShouldBeEligible)
}

func (sc *SessionContext) templatesLoadedFrom(dir string) error {
	graphs, err := workflow.LoadTemplateDir(dir)
	if err != nil {
		return err
	}
	sc.sink = &captureSink{}
	sc.manager = workflow.NewManager(store.NewMemory(), sc.sink, zap.NewNop())
	for _, graph := range graphs {
		if err := sc.manager.Register(graph); err != nil {
			return err
		}
	}
	return nil
}

func (sc *SessionContext) aSessionForUser(userID, languageCode, taskType string) error {
	sess, dec, err := sc.manager.StartSession(sc.ctx, userID, languageCode, taskType)
	if err != nil {
		return err
	}
	sc.sessionID = sess.ID
	sc.lastDecision = dec
	return nil
}

func parseValues(doc *godog.DocString) (map[string]shared.Value, error) {
	values := make(map[string]shared.Value)
	if strings.TrimSpace(doc.Content) == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(doc.Content), &values); err != nil {
		return nil, fmt.Errorf("step input is not valid: %w", err)
	}
	return values, nil
}

func (sc *SessionContext) userCompletesStepWith(stepID string, doc *godog.DocString) error {
	input, err := parseValues(doc)
	if err != nil {
		return err
	}
	_, dec, err := sc.manager.CompleteStep(sc.ctx, sc.sessionID, stepID, input)
	sc.lastErr = err
	if err == nil {
		sc.lastDecision = dec
	}
	return nil
}

func (sc *SessionContext) contextUpdatedWith(doc *godog.DocString) error {
	values, err := parseValues(doc)
	if err != nil {
		return err
	}
	_, err = sc.manager.UpdateContext(sc.ctx, sc.sessionID, values)
	return err
}

func (sc *SessionContext) userAbandonsSession() error {
	sess, err := sc.manager.Abandon(sc.ctx, sc.sessionID)
	if err != nil {
		return err
	}
	sc.lastDecision = workflow.Decision{State: sess.State}
	return nil
}

func (sc *SessionContext) loadSession() (*shared.Session, error) {
	sess, _, err := sc.manager.NextStep(sc.ctx, sc.sessionID)
	return sess, err
}

func (sc *SessionContext) currentStepShouldBe(stepID string) error {
	if sc.lastDecision.Step == nil {
		return fmt.Errorf("no step is presented, workflow state is %s", sc.lastDecision.State)
	}
	if sc.lastDecision.Step.ID != stepID {
		return fmt.Errorf("current step is %q, expected %q", sc.lastDecision.Step.ID, stepID)
	}
	return nil
}

func (sc *SessionContext) workflowStateShouldBe(state string) error {
	if got := sc.lastDecision.State; got != shared.WorkflowState(state) {
		return fmt.Errorf("workflow state is %q, expected %q", got, state)
	}
	return nil
}

func (sc *SessionContext) stepShouldBeSkipped(stepID string) error {
	sess, err := sc.loadSession()
	if err != nil {
		return err
	}
	if got := sess.DoneSteps()[stepID]; got != shared.StepStateSkipped {
		return fmt.Errorf("step %q is %q, expected skipped", stepID, got)
	}
	return nil
}

func (sc *SessionContext) historyShouldBeEmpty() error {
	sess, err := sc.loadSession()
	if err != nil {
		return err
	}
	if len(sess.History) != 0 {
		return fmt.Errorf("history has %d entries, expected none", len(sess.History))
	}
	return nil
}

func (sc *SessionContext) progressShouldBe(percent int) error {
	info, err := sc.manager.Progress(sc.ctx, sc.sessionID)
	if err != nil {
		return err
	}
	if got := int(info.PercentComplete * 100); got != percent {
		return fmt.Errorf("progress is %d%%, expected %d%%", got, percent)
	}
	return nil
}

func (sc *SessionContext) rejectedStepNotAvailable() error {
	var notAvail *shared.StepNotAvailableError
	if !errors.As(sc.lastErr, &notAvail) {
		return fmt.Errorf("expected a step-not-available rejection, got %v", sc.lastErr)
	}
	return nil
}

func (sc *SessionContext) rejectedInvalidInput() error {
	var invalid *shared.InvalidStepInputError
	if !errors.As(sc.lastErr, &invalid) {
		return fmt.Errorf("expected an invalid-input rejection, got %v", sc.lastErr)
	}
	return nil
}

func (sc *SessionContext) rejectedTerminal() error {
	if sc.lastErr == nil {
		return fmt.Errorf("expected a rejection, completion succeeded")
	}
	return nil
}

func (sc *SessionContext) flagShouldHaveBeenEmitted(issueType string) error {
	sc.sink.mu.Lock()
	defer sc.sink.mu.Unlock()
	for _, flag := range sc.sink.flags {
		if flag.IssueType == shared.IssueType(issueType) {
			return nil
		}
	}
	return fmt.Errorf("no %q flag was emitted", issueType)
}

func (sc *SessionContext) checklistEntry(docID string) (*workflow.DocumentStatus, error) {
	checklist, err := sc.manager.DocumentChecklist(sc.ctx, sc.sessionID)
	if err != nil {
		return nil, err
	}
	for i := range checklist {
		if checklist[i].Document.ID == docID {
			return &checklist[i], nil
		}
	}
	return nil, nil
}

func (sc *SessionContext) checklistListsPending(docID string) error {
	entry, err := sc.checklistEntry(docID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("document %q is not on the checklist", docID)
	}
	if !entry.PendingConfirmation {
		return fmt.Errorf("document %q is not pending confirmation", docID)
	}
	return nil
}

func (sc *SessionContext) checklistListsRequired(docID string) error {
	entry, err := sc.checklistEntry(docID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("document %q is not on the checklist", docID)
	}
	if entry.PendingConfirmation {
		return fmt.Errorf("document %q is still pending confirmation", docID)
	}
	if !entry.Required {
		return fmt.Errorf("document %q is not marked required", docID)
	}
	return nil
}

func (sc *SessionContext) checklistOmits(docID string) error {
	entry, err := sc.checklistEntry(docID)
	if err != nil {
		return err
	}
	if entry != nil {
		return fmt.Errorf("document %q is on the checklist but should not be", docID)
	}
	return nil
}

func (sc *SessionContext) eligibilityMissing(variable string) error {
	result, err := sc.manager.Eligibility(sc.ctx, sc.sessionID)
	if err != nil {
		return err
	}
	for _, v := range result.MissingInformation {
		if v == variable {
			return nil
		}
	}
	return fmt.Errorf("missing information is %v, expected it to include %q", result.MissingInformation, variable)
}

func (sc *SessionContext) sessionShouldBeEligible() error {
	result, err := sc.manager.Eligibility(sc.ctx, sc.sessionID)
	if err != nil {
		return err
	}
	if !result.OverallEligible {
		return fmt.Errorf("session is not eligible: %v", result.Warnings)
	}
	return nil
}
