package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synedrio/internal/debate"
)

const sessionColumns = `id, config, status, current_iteration, created_at, completed_at`

func scanSession(sc scanner) (*debate.Session, error) {
	s := &debate.Session{}
	var cfg string
	var createdAt int64
	var completedAt sql.NullInt64
	if err := sc.Scan(&s.ID, &cfg, &s.Status, &s.CurrentIteration, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &s.Config); err != nil {
		return nil, fmt.Errorf("decode session config: %w", err)
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.CompletedAt = fromNullMillis(completedAt)
	return s, nil
}

// CreateSession inserts s, assigning an ID and creation time when unset.
func (s *Store) CreateSession(ctx context.Context, sess *debate.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.Status == "" {
		sess.Status = debate.SessionPending
	}

	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO debate_sessions (id, topic, config, status, current_iteration, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Config.Topic, string(cfg), sess.Status, sess.CurrentIteration, toMillis(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns the session with its elements and their full history.
func (s *Store) GetSession(ctx context.Context, id string) (*debate.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM debate_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, debate.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	elems, err := s.queryElements(ctx, `WHERE session_id = ?`, id)
	if err != nil {
		return nil, err
	}
	sess.Elements = elems
	return sess, nil
}

// ListSessions returns the most recent sessions first, without elements.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]debate.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM debate_sessions
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []debate.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateIteration(ctx context.Context, sessionID string, iteration int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE debate_sessions SET current_iteration = ? WHERE id = ?`, iteration, sessionID)
	if err != nil {
		return fmt.Errorf("update iteration: %w", err)
	}
	return expectRow(res, "session", sessionID)
}

// UpdateSessionStatus sets the status and stamps completed_at on terminal
// statuses.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status debate.SessionStatus) error {
	var completedAt sql.NullInt64
	if status.Terminal() {
		completedAt = sql.NullInt64{Int64: toMillis(time.Now()), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE debate_sessions SET status = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?`, status, completedAt, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return expectRow(res, "session", sessionID)
}

// FailStaleSessions moves sessions left pending or running by a previous
// process to error and returns how many were changed.
func (s *Store) FailStaleSessions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE debate_sessions SET status = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		debate.SessionError, toMillis(time.Now()), debate.SessionPending, debate.SessionRunning)
	if err != nil {
		return 0, fmt.Errorf("fail stale sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM debate_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return expectRow(res, "session", id)
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, debate.ErrNotFound)
	}
	return nil
}
