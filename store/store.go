// Package store defines the persistence contract for session state and
// provides an in-memory and a sqlite implementation plus a retrying
// decorator. The engine never touches storage; load and save are the only
// suspension points of the system and live behind this interface.
package store

import (
	"context"
	"time"

	"taskguide/shared"
)

// Store is the narrow persistence contract the core depends on.
//
// Save carries the version the caller loaded; a save against a stale version
// fails with shared.ErrConcurrentModification instead of overwriting. On
// success the stored (and passed) session carries expectedVersion+1.
//
// Load of an unknown or expired identifier fails with
// shared.ErrSessionNotFound; the two cases are indistinguishable to the
// caller.
type Store interface {
	Save(ctx context.Context, sess *shared.Session, expectedVersion int64) error
	Load(ctx context.Context, id string) (*shared.Session, error)
	ListByUser(ctx context.Context, userID string) ([]shared.SessionSummary, error)
	ExpireOlderThan(ctx context.Context, age time.Duration) (int, error)
}

func summaryOf(sess *shared.Session) shared.SessionSummary {
	return shared.SessionSummary{
		ID:              sess.ID,
		TaskType:        sess.TaskType,
		State:           sess.State,
		PercentComplete: sess.PercentComplete,
		LastAccessedAt:  sess.LastAccessedAt,
	}
}
