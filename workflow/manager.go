package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskguide/rules"
	"taskguide/shared"
	"taskguide/store"
)

// MinRetention is the floor on the session retention window. Sessions are
// kept at least this long past their last access.
const MinRetention = 30 * 24 * time.Hour

// Manager binds engines to a persistence store and serializes all mutation
// per session. Cross-session operations share only the read-only graphs; the
// per-session lock plus the store's version check give single-writer
// semantics even across processes.
type Manager struct {
	store     store.Store
	graphs    map[string]*Graph
	engines   map[string]*Engine
	flags     shared.FlagSink
	logger    *zap.Logger
	clock     func() time.Time
	retention time.Duration

	locks sync.Map // session id -> *sync.Mutex
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithClock injects the time source; tests use it for deterministic decisions
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = now }
}

// WithRetention sets the session retention window, clamped to MinRetention
func WithRetention(window time.Duration) ManagerOption {
	return func(m *Manager) {
		if window < MinRetention {
			window = MinRetention
		}
		m.retention = window
	}
}

// NewManager creates a manager over a store and a feedback sink
func NewManager(st store.Store, flags shared.FlagSink, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     st,
		graphs:    make(map[string]*Graph),
		engines:   make(map[string]*Engine),
		flags:     flags,
		logger:    logger,
		clock:     time.Now,
		retention: MinRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register makes a task-template graph available for sessions
func (m *Manager) Register(graph *Graph) error {
	if _, dup := m.graphs[graph.TaskType]; dup {
		return fmt.Errorf("task type %q already registered", graph.TaskType)
	}
	m.graphs[graph.TaskType] = graph
	m.engines[graph.TaskType] = NewEngine(graph, m.logger)
	m.logger.Info("Task template registered",
		zap.String("taskType", graph.TaskType),
		zap.String("version", graph.Version),
		zap.Int("steps", graph.TotalSteps()))
	return nil
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) engineFor(sess *shared.Session) (*Engine, error) {
	engine, ok := m.engines[sess.TaskType]
	if !ok {
		return nil, fmt.Errorf("no template registered for task type %q", sess.TaskType)
	}
	if engine.Graph().Version != sess.TemplateVersion {
		return nil, fmt.Errorf("session %s was created against template %s version %s, loaded version is %s",
			sess.ID, sess.TaskType, sess.TemplateVersion, engine.Graph().Version)
	}
	return engine, nil
}

// touch refreshes access bookkeeping before a save
func (m *Manager) touch(engine *Engine, sess *shared.Session, now time.Time) {
	sess.LastAccessedAt = now
	sess.ExpiresAt = now.Add(m.retention)
	sess.PercentComplete = engine.Progress(sess).PercentComplete
}

// StartSession creates a session for a confirmed task type and returns the
// first decision. The task type arrives already identified and confirmed by
// the intent collaborator; it is not re-derived here.
func (m *Manager) StartSession(ctx context.Context, userID, languageCode, taskType string) (*shared.Session, Decision, error) {
	engine, ok := m.engines[taskType]
	if !ok {
		return nil, Decision{}, fmt.Errorf("no template registered for task type %q", taskType)
	}

	now := m.clock()
	sess := &shared.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		LanguageCode:    languageCode,
		TaskType:        taskType,
		TemplateVersion: engine.Graph().Version,
		State:           shared.WorkflowNotStarted,
		Context:         make(shared.Context),
		CreatedAt:       now,
	}

	dec, err := engine.NextStep(sess, now)
	if err != nil {
		return nil, Decision{}, err
	}
	m.maybeFlagDeadlock(sess, dec)
	m.touch(engine, sess, now)

	if err := m.store.Save(ctx, sess, 0); err != nil {
		return nil, Decision{}, err
	}
	m.logger.Info("Session started",
		zap.String("sessionID", sess.ID),
		zap.String("taskType", taskType),
		zap.String("userID", userID))
	return sess, dec, nil
}

// NextStep recomputes the step to present for an existing session
func (m *Manager) NextStep(ctx context.Context, sessionID string) (*shared.Session, Decision, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, Decision{}, err
	}
	engine, err := m.engineFor(sess)
	if err != nil {
		return nil, Decision{}, err
	}

	now := m.clock()
	loadedVersion := sess.Version
	dec, err := engine.NextStep(sess, now)
	if err != nil {
		return nil, Decision{}, err
	}
	m.maybeFlagDeadlock(sess, dec)
	m.touch(engine, sess, now)

	if err := m.store.Save(ctx, sess, loadedVersion); err != nil {
		return nil, Decision{}, err
	}
	return sess, dec, nil
}

// CompleteStep applies a completion and persists the advanced session. The
// engine works on a clone, so a failed validation or save leaves the stored
// session exactly as loaded: either the whole update commits or none of it.
func (m *Manager) CompleteStep(ctx context.Context, sessionID, stepID string, input map[string]shared.Value) (*shared.Session, Decision, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, Decision{}, err
	}
	engine, err := m.engineFor(sess)
	if err != nil {
		return nil, Decision{}, err
	}

	now := m.clock()
	next, dec, err := engine.CompleteStep(sess, stepID, input, now)
	if err != nil {
		var invalid *shared.InvalidStepInputError
		if errors.As(err, &invalid) {
			m.flags.Emit(shared.Flag{
				SessionID: sessionID,
				StepID:    stepID,
				IssueType: shared.IssueInvalidInput,
				Detail:    invalid.Error(),
			})
		}
		return nil, Decision{}, err
	}
	m.maybeFlagDeadlock(next, dec)
	m.touch(engine, next, now)

	if err := m.store.Save(ctx, next, sess.Version); err != nil {
		return nil, Decision{}, err
	}
	return next, dec, nil
}

// UpdateContext merges caller-supplied context values (e.g. answers collected
// outside any step) and re-evaluates the affected eligibility entries.
func (m *Manager) UpdateContext(ctx context.Context, sessionID string, values map[string]shared.Value) (*shared.Session, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	engine, err := m.engineFor(sess)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	loadedVersion := sess.Version
	var changed []string
	for key, val := range values {
		sess.Context.Set(key, val)
		changed = append(changed, key)
	}
	if len(changed) > 0 {
		engine.refreshEligibility(sess, changed, now)
	}
	m.touch(engine, sess, now)

	if err := m.store.Save(ctx, sess, loadedVersion); err != nil {
		return nil, err
	}
	return sess, nil
}

// Eligibility evaluates the session's rule set as of now
func (m *Manager) Eligibility(ctx context.Context, sessionID string) (rules.EligibilityResult, error) {
	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return rules.EligibilityResult{}, err
	}
	engine, err := m.engineFor(sess)
	if err != nil {
		return rules.EligibilityResult{}, err
	}
	result := engine.Eligibility(sess, m.clock())

	// A failed rule the user cannot read the grounds for is a template gap
	// worth surfacing to the template authors.
	for _, rr := range result.Requirements {
		if !rr.Passed && rr.Description[sess.LanguageCode] == "" {
			m.flags.Emit(shared.Flag{
				SessionID: sessionID,
				IssueType: shared.IssueMissingRuleSource,
				Detail:    fmt.Sprintf("rule %s has no %s description (source %s)", rr.RuleID, sess.LanguageCode, rr.Source),
			})
		}
	}
	return result, nil
}

// DocumentChecklist derives the current document checklist
func (m *Manager) DocumentChecklist(ctx context.Context, sessionID string) ([]DocumentStatus, error) {
	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	engine, err := m.engineFor(sess)
	if err != nil {
		return nil, err
	}
	return engine.DocumentChecklist(sess)
}

// Progress reports completion statistics for a session
func (m *Manager) Progress(ctx context.Context, sessionID string) (ProgressInfo, error) {
	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return ProgressInfo{}, err
	}
	engine, err := m.engineFor(sess)
	if err != nil {
		return ProgressInfo{}, err
	}
	return engine.Progress(sess), nil
}

// RecommendPath picks the preferred next step among the available ones
func (m *Manager) RecommendPath(ctx context.Context, sessionID string) (*Step, error) {
	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	engine, err := m.engineFor(sess)
	if err != nil {
		return nil, err
	}
	return engine.RecommendPath(sess, m.clock())
}

// Abandon terminates a session's workflow, preserving history and context
func (m *Manager) Abandon(ctx context.Context, sessionID string) (*shared.Session, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	engine, err := m.engineFor(sess)
	if err != nil {
		return nil, err
	}

	loadedVersion := sess.Version
	if err := engine.Abandon(sess); err != nil {
		return nil, err
	}
	m.touch(engine, sess, m.clock())

	if err := m.store.Save(ctx, sess, loadedVersion); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns the user's session summaries, newest first
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]shared.SessionSummary, error) {
	return m.store.ListByUser(ctx, userID)
}

// ExpireSessions deletes sessions idle past the retention window
func (m *Manager) ExpireSessions(ctx context.Context) (int, error) {
	return m.store.ExpireOlderThan(ctx, m.retention)
}

// ReportIssue forwards a user-reported anomaly to the feedback collaborator
func (m *Manager) ReportIssue(sessionID, stepID, detail string) {
	m.flags.Emit(shared.Flag{
		SessionID: sessionID,
		StepID:    stepID,
		IssueType: shared.IssueUserReported,
		Detail:    detail,
	})
}

func (m *Manager) maybeFlagDeadlock(sess *shared.Session, dec Decision) {
	if dec.State == shared.WorkflowDeadlocked {
		m.flags.Emit(shared.Flag{
			SessionID: sess.ID,
			IssueType: shared.IssueDeadlock,
			Detail:    fmt.Sprintf("task type %s template %s", sess.TaskType, sess.TemplateVersion),
		})
	}
}
