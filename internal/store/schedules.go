package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/synedrio/internal/debate"
)

const (
	ScheduleActive    = "active"
	SchedulePaused    = "paused"
	ScheduleCompleted = "completed"
)

// ScheduledDebate is a debate configuration started on a schedule.
type ScheduledDebate struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Schedule      string        `json:"schedule"`
	Config        debate.Config `json:"config"`
	Status        string        `json:"status"`
	NextRunAt     *time.Time    `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time    `json:"last_run_at,omitempty"`
	LastStatus    string        `json:"last_status,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LastSessionID string        `json:"last_session_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

const scheduleColumns = `id, name, schedule, config, status, next_run_at, last_run_at,
	last_status, last_error, last_session_id, created_at`

func scanSchedule(sc scanner) (*ScheduledDebate, error) {
	d := &ScheduledDebate{}
	var cfg string
	var nextRun, lastRun sql.NullInt64
	var lastStatus, lastError, lastSession sql.NullString
	var createdAt int64
	err := sc.Scan(&d.ID, &d.Name, &d.Schedule, &cfg, &d.Status, &nextRun, &lastRun,
		&lastStatus, &lastError, &lastSession, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &d.Config); err != nil {
		return nil, fmt.Errorf("decode schedule config: %w", err)
	}
	d.NextRunAt = fromNullMillis(nextRun)
	d.LastRunAt = fromNullMillis(lastRun)
	d.LastStatus = lastStatus.String
	d.LastError = lastError.String
	d.LastSessionID = lastSession.String
	d.CreatedAt = time.UnixMilli(createdAt)
	return d, nil
}

// SaveSchedule inserts or updates a scheduled debate. The stored next run is
// only replaced when the schedule expression changes or the entry is
// reactivated, so restarts do not reset pending runs.
func (s *Store) SaveSchedule(ctx context.Context, d *ScheduledDebate) error {
	if d.Status == "" {
		d.Status = ScheduleActive
	}
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("encode schedule config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO debate_schedules (id, name, schedule, config, status, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config = excluded.config,
			next_run_at = CASE
				WHEN debate_schedules.schedule != excluded.schedule OR debate_schedules.status != excluded.status
				THEN excluded.next_run_at
				ELSE debate_schedules.next_run_at END,
			schedule = excluded.schedule,
			status = excluded.status`,
		d.ID, d.Name, d.Schedule, string(cfg), d.Status, nullMillis(d.NextRunAt), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*ScheduledDebate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM debate_schedules WHERE id = ?`, id)
	d, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, debate.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return d, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]ScheduledDebate, error) {
	return s.querySchedules(ctx, `ORDER BY name`)
}

func (s *Store) GetDueSchedules(ctx context.Context, now time.Time) ([]ScheduledDebate, error) {
	return s.querySchedules(ctx, `WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, ScheduleActive, toMillis(now))
}

func (s *Store) querySchedules(ctx context.Context, tail string, args ...any) ([]ScheduledDebate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM debate_schedules `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduledDebate
	for rows.Next() {
		d, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduleRun(ctx context.Context, id, lastStatus, lastError, sessionID string, nextRunAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE debate_schedules
		SET last_run_at = ?, last_status = ?, last_error = ?, last_session_id = ?, next_run_at = ?
		WHERE id = ?`,
		toMillis(time.Now()), lastStatus, lastError, sessionID, nullMillis(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE debate_schedules SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

// DeleteSchedulesNotIn removes every schedule whose ID is not in ids.
func (s *Store) DeleteSchedulesNotIn(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM debate_schedules`)
		return err
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM debate_schedules WHERE id NOT IN (`+placeholders(len(ids))+`)`, args...)
	return err
}
