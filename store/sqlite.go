package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"taskguide/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	task_type        TEXT NOT NULL,
	state            TEXT NOT NULL,
	percent_complete REAL NOT NULL DEFAULT 0,
	last_accessed    TEXT NOT NULL,
	expires_at       TEXT NOT NULL,
	version          INTEGER NOT NULL,
	payload          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_accessed ON sessions(last_accessed);
`

// SQLite is the durable Store implementation. Sessions are stored as a JSON
// payload plus the few columns listing and expiry need.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the session database at path
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	logger.Info("Session database opened", zap.String("path", path))
	return &SQLite{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the underlying database handle
func (s *SQLite) Close() error {
	return s.db.Close()
}

// WithClock overrides the store's clock; tests use it to control expiry
func (s *SQLite) WithClock(now func() time.Time) *SQLite {
	s.now = now
	return s
}

// Save implements Store
func (s *SQLite) Save(ctx context.Context, sess *shared.Session, expectedVersion int64) error {
	payload, err := sess.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, task_type, state, percent_complete, last_accessed, expires_at, version, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.UserID, sess.TaskType, string(sess.State), sess.PercentComplete,
			sess.LastAccessedAt.UTC().Format(time.RFC3339Nano),
			sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
			newVersion, string(payload),
		)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				return shared.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
		}
		sess.Version = newVersion
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, percent_complete = ?, last_accessed = ?, expires_at = ?, version = ?, payload = ?
		WHERE id = ? AND version = ?`,
		string(sess.State), sess.PercentComplete,
		sess.LastAccessedAt.UTC().Format(time.RFC3339Nano),
		sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
		newVersion, string(payload),
		sess.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for session %s: %w", sess.ID, err)
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return shared.ErrSessionNotFound
		case err != nil:
			return fmt.Errorf("failed to check session %s: %w", sess.ID, err)
		default:
			return shared.ErrConcurrentModification
		}
	}
	sess.Version = newVersion
	return nil
}

// Load implements Store
func (s *SQLite) Load(ctx context.Context, id string) (*shared.Session, error) {
	var payload, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM sessions WHERE id = ?`, id).Scan(&payload, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, shared.ErrSessionNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err == nil && !expiry.IsZero() && !s.now().Before(expiry) {
		// Expired sessions are tombstoned, indistinguishable from absent.
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			s.logger.Warn("Failed to delete expired session", zap.String("sessionID", id), zap.Error(err))
		}
		return nil, shared.ErrSessionNotFound
	}

	return shared.UnmarshalSession([]byte(payload))
}

// ListByUser implements Store
func (s *SQLite) ListByUser(ctx context.Context, userID string) ([]shared.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_type, state, percent_complete, last_accessed
		FROM sessions WHERE user_id = ?
		ORDER BY last_accessed DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []shared.SessionSummary
	for rows.Next() {
		var summary shared.SessionSummary
		var state, lastAccessed string
		if err := rows.Scan(&summary.ID, &summary.TaskType, &state, &summary.PercentComplete, &lastAccessed); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		summary.State = shared.WorkflowState(state)
		if t, err := time.Parse(time.RFC3339Nano, lastAccessed); err == nil {
			summary.LastAccessedAt = t
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// ExpireOlderThan implements Store
func (s *SQLite) ExpireOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.now().Add(-age).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_accessed < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.logger.Info("Expired sessions removed", zap.Int64("count", affected))
	}
	return int(affected), nil
}

// Verify interface compliance
var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Memory)(nil)
)
