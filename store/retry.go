package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"taskguide/shared"
)

// Retrying decorates a Store with exponential-backoff retries for transient
// failures. Retry policy lives here, at the persistence boundary: the engine
// itself never retries. ConcurrentModification and SessionNotFound are
// definitive outcomes and are returned immediately.
type Retrying struct {
	inner    Store
	attempts int
	base     time.Duration
	logger   *zap.Logger
}

// WithRetry wraps a store. attempts is the total number of tries; base is the
// first backoff delay, doubled per retry.
func WithRetry(inner Store, attempts int, base time.Duration, logger *zap.Logger) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{inner: inner, attempts: attempts, base: base, logger: logger}
}

func definitive(err error) bool {
	return errors.Is(err, shared.ErrConcurrentModification) ||
		errors.Is(err, shared.ErrSessionNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (r *Retrying) retry(ctx context.Context, op string, fn func() error) error {
	delay := r.base
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || definitive(err) {
			return err
		}
		if attempt == r.attempts {
			break
		}
		r.logger.Warn("Store operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Save implements Store
func (r *Retrying) Save(ctx context.Context, sess *shared.Session, expectedVersion int64) error {
	return r.retry(ctx, "save", func() error {
		return r.inner.Save(ctx, sess, expectedVersion)
	})
}

// Load implements Store
func (r *Retrying) Load(ctx context.Context, id string) (*shared.Session, error) {
	var sess *shared.Session
	err := r.retry(ctx, "load", func() error {
		var err error
		sess, err = r.inner.Load(ctx, id)
		return err
	})
	return sess, err
}

// ListByUser implements Store
func (r *Retrying) ListByUser(ctx context.Context, userID string) ([]shared.SessionSummary, error) {
	var out []shared.SessionSummary
	err := r.retry(ctx, "listByUser", func() error {
		var err error
		out, err = r.inner.ListByUser(ctx, userID)
		return err
	})
	return out, err
}

// ExpireOlderThan implements Store
func (r *Retrying) ExpireOlderThan(ctx context.Context, age time.Duration) (int, error) {
	var count int
	err := r.retry(ctx, "expireOlderThan", func() error {
		var err error
		count, err = r.inner.ExpireOlderThan(ctx, age)
		return err
	})
	return count, err
}

var _ Store = (*Retrying)(nil)
