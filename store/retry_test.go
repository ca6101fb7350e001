package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskguide/shared"
)

// flaky fails the first failures calls of every operation, then delegates to
// an in-memory store.
type flaky struct {
	inner    *Memory
	failures int
	calls    int
	err      error
}

func (f *flaky) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flaky) Save(ctx context.Context, sess *shared.Session, expectedVersion int64) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.inner.Save(ctx, sess, expectedVersion)
}

func (f *flaky) Load(ctx context.Context, id string) (*shared.Session, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.inner.Load(ctx, id)
}

func (f *flaky) ListByUser(ctx context.Context, userID string) ([]shared.SessionSummary, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.inner.ListByUser(ctx, userID)
}

func (f *flaky) ExpireOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.inner.ExpireOlderThan(ctx, age)
}

func TestRetrying_TransientFailureRecovered(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	f := &flaky{inner: NewMemory(), failures: 2, err: errors.New("disk hiccup")}
	st := WithRetry(f, 3, time.Millisecond, zap.NewNop())

	sess := newSession("s-1", "user-1", now)
	require.NoError(t, st.Save(ctx, sess, 0))
	assert.Equal(t, 3, f.calls)

	got, err := st.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.ID)
}

func TestRetrying_ExhaustedReturnsLastError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk gone")
	f := &flaky{inner: NewMemory(), failures: 10, err: boom}
	st := WithRetry(f, 3, time.Millisecond, zap.NewNop())

	_, err := st.Load(ctx, "s-1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, f.calls)
}

func TestRetrying_DefinitiveErrorsNotRetried(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	f := &flaky{inner: NewMemory()}
	st := WithRetry(f, 5, time.Millisecond, zap.NewNop())

	_, err := st.Load(ctx, "absent")
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)
	assert.Equal(t, 1, f.calls)

	sess := newSession("s-1", "user-1", now)
	require.NoError(t, st.Save(ctx, sess, 0))
	stale := sess.Clone()
	stale.Version = 0
	callsBefore := f.calls
	err = st.Save(ctx, stale, 0)
	assert.ErrorIs(t, err, shared.ErrConcurrentModification)
	assert.Equal(t, callsBefore+1, f.calls)
}

func TestRetrying_ContextCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &flaky{inner: NewMemory(), failures: 10, err: errors.New("busy")}
	st := WithRetry(f, 5, time.Hour, zap.NewNop())

	_, err := st.Load(ctx, "s-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrying_AttemptFloor(t *testing.T) {
	st := WithRetry(NewMemory(), 0, time.Millisecond, zap.NewNop())
	assert.Equal(t, 1, st.attempts)
}
