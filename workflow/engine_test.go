package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"taskguide/condition"
	"taskguide/rules"
	"taskguide/shared"
)

type EngineTestSuite struct {
	suite.Suite
	engine *Engine
	now    time.Time
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	ruleSet, err := rules.Build("benefit_claim", []rules.Rule{
		{
			ID:   "adult_or_guardian",
			Kind: rules.KindEligibility,
			Condition: &condition.Condition{Any: []*condition.Condition{
				{Var: "age", Op: condition.OpGte, Value: 18},
				{Var: "hasGuardian", Op: condition.OpEq, Value: true},
			}},
			Description: map[string]string{"en": "Adults, or minors with a guardian"},
			Source:      "benefit act §2",
		},
	})
	s.Require().NoError(err)

	graph, err := NewGraph("benefit_claim", "v1", []Step{
		{
			ID:       "provide_age",
			Sequence: 1,
			Title:    map[string]string{"en": "Tell us your age"},
			Inputs: []InputSpec{
				{Key: "age", Kind: shared.KindNumber, Required: true},
			},
			EstimatedMinutes: 2,
		},
		{
			ID:            "income_review",
			Sequence:      2,
			Title:         map[string]string{"en": "Income review"},
			Prerequisites: []string{"provide_age"},
			Branch:        &condition.Condition{Var: "age", Op: condition.OpGte, Value: 18},
			Inputs: []InputSpec{
				{Key: "income", Kind: shared.KindNumber, Required: true},
			},
			EstimatedMinutes: 10,
		},
		{
			ID:            "confirm_claim",
			Sequence:      3,
			Title:         map[string]string{"en": "Confirm your claim"},
			Prerequisites: []string{"income_review"},
			Documents: []DocumentRequirement{
				{
					ID:   "proof_of_residence",
					Name: map[string]string{"en": "Proof of residence"},
					Gate: &condition.Condition{Var: "country", Op: condition.OpEq, Value: "US"},
				},
			},
			EstimatedMinutes: 5,
		},
	}, ruleSet)
	s.Require().NoError(err)

	s.engine = NewEngine(graph, zap.NewNop())
	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *EngineTestSuite) newSession() *shared.Session {
	return &shared.Session{
		ID:              "sess-1",
		UserID:          "user-1",
		TaskType:        "benefit_claim",
		TemplateVersion: "v1",
		State:           shared.WorkflowNotStarted,
		Context:         make(shared.Context),
		CreatedAt:       s.now,
	}
}

func (s *EngineTestSuite) Test_FirstStepIsLowestSequence() {
	sess := s.newSession()
	dec, err := s.engine.NextStep(sess, s.now)
	s.Require().NoError(err)
	s.Require().NotNil(dec.Step)
	s.Equal("provide_age", dec.Step.ID)
	s.Equal("provide_age", sess.CurrentStepID)
}

func (s *EngineTestSuite) Test_PrerequisiteOrdering() {
	sess := s.newSession()
	// confirm_claim requires income_review which requires provide_age:
	// neither may be completed out of order.
	for _, blocked := range []string{"income_review", "confirm_claim"} {
		_, _, err := s.engine.CompleteStep(sess, blocked, nil, s.now)
		var na *shared.StepNotAvailableError
		s.Require().True(errors.As(err, &na), "expected StepNotAvailable for %s", blocked)
		s.Equal(blocked, na.StepID)
	}
}

func (s *EngineTestSuite) Test_SkipCascade_MinorSkipsIncomeReview() {
	sess := s.newSession()

	next, dec, err := s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{"age": shared.NumberValue(16)}, s.now)
	s.Require().NoError(err)

	// income_review's branch held false, so it was skipped without user
	// interaction and its dependent became available through the skip.
	s.Contains(dec.NewlySkipped, "income_review")
	s.Require().NotNil(dec.Step)
	s.Equal("confirm_claim", dec.Step.ID)

	done := next.DoneSteps()
	s.Equal(shared.StepStateCompleted, done["provide_age"])
	s.Equal(shared.StepStateSkipped, done["income_review"])
}

func (s *EngineTestSuite) Test_AdultGetsIncomeReview() {
	sess := s.newSession()
	_, dec, err := s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{"age": shared.NumberValue(30)}, s.now)
	s.Require().NoError(err)
	s.Empty(dec.NewlySkipped)
	s.Require().NotNil(dec.Step)
	s.Equal("income_review", dec.Step.ID)
}

func (s *EngineTestSuite) Test_MissingContextPresentsStepFlagged() {
	// A branch blocked on a missing variable must present the step rather
	// than skip it: skipping on missing data would hide required steps.
	graph, err := NewGraph("t", "v1", []Step{
		{
			ID: "maybe", Sequence: 1,
			Title:  map[string]string{"en": "Maybe"},
			Branch: &condition.Condition{Var: "country", Op: condition.OpEq, Value: "US"},
		},
	}, nil)
	s.Require().NoError(err)
	engine := NewEngine(graph, zap.NewNop())

	sess := s.newSession()
	dec, err := engine.NextStep(sess, s.now)
	s.Require().NoError(err)
	s.Require().NotNil(dec.Step)
	s.Equal("maybe", dec.Step.ID)
	s.Equal([]string{"country"}, dec.NeedsContext)
}

func (s *EngineTestSuite) Test_WorkflowCompletes() {
	sess := s.newSession()
	sess, _, err := s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{"age": shared.NumberValue(16)}, s.now)
	s.Require().NoError(err)

	sess, dec, err := s.engine.CompleteStep(sess, "confirm_claim", nil, s.now)
	s.Require().NoError(err)
	s.Nil(dec.Step)
	s.Equal(shared.WorkflowCompleted, dec.State)
	s.Equal(shared.WorkflowCompleted, sess.State)
	s.Empty(sess.CurrentStepID)
}

func (s *EngineTestSuite) Test_Deadlock_ReportedNotLooped() {
	// Build time is the first line of defense: mutual prerequisites are a
	// cycle and are rejected outright.
	_, err := NewGraph("t", "v1", []Step{
		{ID: "start", Sequence: 1, Title: map[string]string{"en": "Start"}},
		{ID: "blocked", Sequence: 2, Title: map[string]string{"en": "Blocked"}, Prerequisites: []string{"never"}},
		{ID: "never", Sequence: 3, Title: map[string]string{"en": "Never"}, Prerequisites: []string{"blocked"}},
	}, nil)
	s.Require().Error(err)

	// If such a graph nonetheless reached the engine (a cycle missed at
	// build time), the run must end in a reported DEADLOCKED state, never a
	// silent loop. Assembled by hand to bypass validation.
	a := &Step{ID: "a", Sequence: 1, Title: map[string]string{"en": "A"}, Prerequisites: []string{"b"}}
	b := &Step{ID: "b", Sequence: 2, Title: map[string]string{"en": "B"}, Prerequisites: []string{"a"}}
	dead := &Graph{
		TaskType: "t", Version: "v1",
		steps:      map[string]*Step{"a": a, "b": b},
		ordered:    []*Step{a, b},
		dependents: map[string][]string{"a": {"b"}, "b": {"a"}},
	}
	engine := NewEngine(dead, zap.NewNop())

	sess := s.newSession()
	dec, err := engine.NextStep(sess, s.now)
	s.Require().NoError(err)
	s.Nil(dec.Step)
	s.Equal(shared.WorkflowDeadlocked, dec.State)
	s.Equal(shared.WorkflowDeadlocked, sess.State)
}

func (s *EngineTestSuite) Test_InputValidation() {
	sess := s.newSession()

	_, _, err := s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{"age": shared.StringValue("sixteen")}, s.now)
	var invalid *shared.InvalidStepInputError
	s.Require().True(errors.As(err, &invalid))
	s.Equal(shared.KindNumber, invalid.Want)
	s.Equal(shared.KindString, invalid.Got)

	_, _, err = s.engine.CompleteStep(sess, "provide_age", nil, s.now)
	s.Require().True(errors.As(err, &invalid), "required input missing")

	_, _, err = s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{
			"age":      shared.NumberValue(30),
			"nickname": shared.StringValue("sam"),
		}, s.now)
	s.Require().True(errors.As(err, &invalid), "undeclared input rejected")
}

func (s *EngineTestSuite) Test_CompletionAtomicity() {
	sess := s.newSession()
	before := sess.Clone()

	// A rejected completion must leave the session untouched.
	_, _, err := s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{"age": shared.StringValue("oops")}, s.now)
	s.Require().Error(err)
	s.Equal(before, sess)

	// A successful completion returns a new session; the input session is
	// still the pre-call state, so an interrupted caller observes either
	// all of the update or none of it.
	next, _, err := s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{"age": shared.NumberValue(16)}, s.now)
	s.Require().NoError(err)
	s.Equal(before, sess)
	s.NotEqual(before.History, next.History)
}

func (s *EngineTestSuite) Test_ProgressMonotonicity() {
	sess := s.newSession()
	last := s.engine.Progress(sess).PercentComplete

	sess, _, err := s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{"age": shared.NumberValue(16)}, s.now)
	s.Require().NoError(err)
	cur := s.engine.Progress(sess).PercentComplete
	s.GreaterOrEqual(cur, last)
	last = cur

	sess, _, err = s.engine.CompleteStep(sess, "confirm_claim", nil, s.now)
	s.Require().NoError(err)
	cur = s.engine.Progress(sess).PercentComplete
	s.GreaterOrEqual(cur, last)
	s.InDelta(1.0, cur, 1e-9)
}

func (s *EngineTestSuite) Test_ProgressExcludesForeclosedBranch() {
	sess := s.newSession()
	full := s.engine.Progress(sess).EstimatedTimeRemaining
	s.Equal(17*time.Minute, full)

	// Once the minor's branch forecloses income_review, its ten minutes
	// drop out of the estimate.
	sess.Context.Set("age", shared.NumberValue(16))
	s.Equal(7*time.Minute, s.engine.Progress(sess).EstimatedTimeRemaining)
}

func (s *EngineTestSuite) Test_EligibilityCacheFollowsContext() {
	sess := s.newSession()

	sess, _, err := s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{"age": shared.NumberValue(30)}, s.now)
	s.Require().NoError(err)
	s.True(sess.Eligibility["adult_or_guardian"])

	minor := s.newSession()
	minor, _, err = s.engine.CompleteStep(minor, "provide_age",
		map[string]shared.Value{"age": shared.NumberValue(16)}, s.now)
	s.Require().NoError(err)
	s.False(minor.Eligibility["adult_or_guardian"])
}

func (s *EngineTestSuite) Test_DocumentChecklist_PendingConfirmation() {
	sess := s.newSession()

	// country is unknown: the residence document's gate cannot be decided,
	// so it is listed as pending confirmation, never omitted.
	docs, err := s.engine.DocumentChecklist(sess)
	s.Require().NoError(err)
	s.Require().Len(docs, 1)
	s.True(docs[0].Required)
	s.True(docs[0].PendingConfirmation)
	s.Equal([]string{"country"}, docs[0].MissingInformation)

	sess.Context.Set("country", shared.StringValue("US"))
	docs, err = s.engine.DocumentChecklist(sess)
	s.Require().NoError(err)
	s.Require().Len(docs, 1)
	s.True(docs[0].Required)
	s.False(docs[0].PendingConfirmation)

	sess.Context.Set("country", shared.StringValue("DE"))
	docs, err = s.engine.DocumentChecklist(sess)
	s.Require().NoError(err)
	s.Empty(docs, "gate held false: document not required")
}

func (s *EngineTestSuite) Test_Abandon() {
	sess := s.newSession()
	sess, _, err := s.engine.CompleteStep(sess, "provide_age",
		map[string]shared.Value{"age": shared.NumberValue(30)}, s.now)
	s.Require().NoError(err)

	s.Require().NoError(s.engine.Abandon(sess))
	s.Equal(shared.WorkflowAbandoned, sess.State)
	s.NotEmpty(sess.History, "abandonment preserves history")

	dec, err := s.engine.NextStep(sess, s.now)
	s.Require().NoError(err)
	s.Nil(dec.Step)
	s.Equal(shared.WorkflowAbandoned, dec.State)
}

func TestRecommendPath(t *testing.T) {
	graph, err := NewGraph("t", "v1", []Step{
		{ID: "fork", Sequence: 1, Title: map[string]string{"en": "Fork"}},
		{
			ID: "long_route", Sequence: 2,
			Title:            map[string]string{"en": "Long route"},
			Prerequisites:    []string{"fork"},
			EstimatedMinutes: 30,
			Preference:       1,
		},
		{
			ID: "short_route", Sequence: 3,
			Title:            map[string]string{"en": "Short route"},
			Prerequisites:    []string{"fork"},
			EstimatedMinutes: 5,
			Preference:       2,
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(graph, zap.NewNop())
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	sess := &shared.Session{
		ID: "s", TaskType: "t", TemplateVersion: "v1",
		State: shared.WorkflowNotStarted, Context: make(shared.Context),
	}
	sess, _, err = engine.CompleteStep(sess, "fork", nil, now)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := engine.RecommendPath(sess, now)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.ID != "short_route" {
		t.Fatalf("expected short_route recommended, got %+v", rec)
	}
}
