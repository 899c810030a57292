package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synedrio/internal/debate"
)

const elementColumns = `id, session_id, name, position, status, current_score, completion_reason, completed_at`

func scanElement(sc scanner) (*debate.Element, error) {
	e := &debate.Element{}
	var reason sql.NullString
	var completedAt sql.NullInt64
	err := sc.Scan(&e.ID, &e.SessionID, &e.Name, &e.Position, &e.Status, &e.CurrentScore, &reason, &completedAt)
	if err != nil {
		return nil, err
	}
	e.CompletionReason = debate.CompletionReason(reason.String)
	e.CompletedAt = fromNullMillis(completedAt)
	return e, nil
}

// CreateElements inserts one pending element per name, in order.
func (s *Store) CreateElements(ctx context.Context, sessionID string, names []string) ([]debate.Element, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	elems := make([]debate.Element, 0, len(names))
	for i, name := range names {
		e := debate.Element{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Name:      name,
			Position:  i,
			Status:    debate.ElementPending,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO debate_elements (id, session_id, name, position, status)
			VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, e.Name, e.Position, e.Status)
		if err != nil {
			return nil, fmt.Errorf("create element %q: %w", name, err)
		}
		elems = append(elems, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit elements: %w", err)
	}
	return elems, nil
}

// IncompleteElements returns the session's pending and in-progress elements
// in position order, with their history.
func (s *Store) IncompleteElements(ctx context.Context, sessionID string) ([]debate.Element, error) {
	return s.queryElements(ctx, `WHERE session_id = ? AND status IN (?, ?)`,
		sessionID, debate.ElementPending, debate.ElementInProgress)
}

func (s *Store) GetElement(ctx context.Context, id string) (*debate.Element, error) {
	elems, err := s.queryElements(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("element %s: %w", id, debate.ErrNotFound)
	}
	return &elems[0], nil
}

func (s *Store) queryElements(ctx context.Context, where string, args ...any) ([]debate.Element, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+elementColumns+` FROM debate_elements `+where+` ORDER BY position`, args...)
	if err != nil {
		return nil, fmt.Errorf("query elements: %w", err)
	}

	var elems []debate.Element
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan element: %w", err)
		}
		elems = append(elems, *e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range elems {
		versions, err := s.versions(ctx, elems[i].ID, -1)
		if err != nil {
			return nil, err
		}
		elems[i].VersionHistory = versions
		elems[i].ScoreHistory = make([]int, len(versions))
		for j, v := range versions {
			elems[i].ScoreHistory[j] = v.Score
		}
	}
	return elems, nil
}

// UpdateElementScore appends v to the element's history and makes its score
// current. Terminal elements are rejected with debate.ErrElementClosed.
func (s *Store) UpdateElementScore(ctx context.Context, elementID string, v debate.Version) error {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status debate.ElementStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM debate_elements WHERE id = ?`, elementID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("element %s: %w", elementID, debate.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get element status: %w", err)
	}
	if status.Terminal() {
		return fmt.Errorf("element %s: %w", elementID, debate.ErrElementClosed)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO element_versions (element_id, iteration, content, score, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		elementID, v.Iteration, v.Content, v.Score, v.Provider, toMillis(v.Timestamp))
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE debate_elements SET current_score = ?, status = ? WHERE id = ?`,
		v.Score, debate.ElementInProgress, elementID)
	if err != nil {
		return fmt.Errorf("update element score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit score: %w", err)
	}
	return nil
}

// MarkElementComplete moves a non-terminal element to the status implied by
// reason.
func (s *Store) MarkElementComplete(ctx context.Context, elementID string, reason debate.CompletionReason) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE debate_elements SET status = ?, completion_reason = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		reason.Status(), reason, toMillis(time.Now()), elementID, debate.ElementPending, debate.ElementInProgress)
	if err != nil {
		return fmt.Errorf("mark element complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM debate_elements WHERE id = ?`, elementID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("element %s: %w", elementID, debate.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check element: %w", err)
	}
	return fmt.Errorf("element %s: %w", elementID, debate.ErrElementClosed)
}

// LastVersions returns up to n most recent versions, oldest first.
func (s *Store) LastVersions(ctx context.Context, elementID string, n int) ([]debate.Version, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.versions(ctx, elementID, n)
}

// versions loads the last n versions of an element in chronological order.
// A negative n loads all of them.
func (s *Store) versions(ctx context.Context, elementID string, n int) ([]debate.Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT iteration, content, score, provider, created_at
		FROM element_versions WHERE element_id = ?
		ORDER BY id DESC LIMIT ?`, elementID, n)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []debate.Version
	for rows.Next() {
		var v debate.Version
		var ts int64
		if err := rows.Scan(&v.Iteration, &v.Content, &v.Score, &v.Provider, &ts); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Timestamp = time.UnixMilli(ts)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
