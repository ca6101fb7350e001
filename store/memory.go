package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskguide/shared"
)

// Memory is an in-process Store used by tests and the demo runner. It keeps
// full deep copies so callers can never alias stored state.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*shared.Session
	now      func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*shared.Session),
		now:      time.Now,
	}
}

// WithClock overrides the store's clock; tests use it to control expiry
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Save implements Store
func (m *Memory) Save(ctx context.Context, sess *shared.Session, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.sessions[sess.ID]
	switch {
	case !exists && expectedVersion != 0:
		return shared.ErrSessionNotFound
	case exists && current.Version != expectedVersion:
		return shared.ErrConcurrentModification
	}

	sess.Version = expectedVersion + 1
	m.sessions[sess.ID] = sess.Clone()
	return nil
}

// Load implements Store
func (m *Memory) Load(ctx context.Context, id string) (*shared.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[id]
	if !exists {
		return nil, shared.ErrSessionNotFound
	}
	if !sess.ExpiresAt.IsZero() && !m.now().Before(sess.ExpiresAt) {
		// Expired sessions are tombstoned, not recoverable.
		delete(m.sessions, id)
		return nil, shared.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// ListByUser implements Store
func (m *Memory) ListByUser(ctx context.Context, userID string) ([]shared.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []shared.SessionSummary
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			out = append(out, summaryOf(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})
	return out, nil
}

// ExpireOlderThan implements Store
func (m *Memory) ExpireOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-age)
	count := 0
	for id, sess := range m.sessions {
		if sess.LastAccessedAt.Before(cutoff) {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}
