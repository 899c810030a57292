package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them. WAL allows
	// concurrent readers and the busy timeout makes writers retry instead of
	// immediately returning SQLITE_BUSY.
	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Backup writes a consistent copy of the database to path.
func (s *Store) Backup(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS debate_sessions (
			id                TEXT PRIMARY KEY,
			topic             TEXT NOT NULL,
			config            TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			current_iteration INTEGER NOT NULL DEFAULT 0,
			created_at        INTEGER NOT NULL,
			completed_at      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON debate_sessions(created_at)`,
		`CREATE TABLE IF NOT EXISTS debate_elements (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL REFERENCES debate_sessions(id) ON DELETE CASCADE,
			name              TEXT NOT NULL,
			position          INTEGER NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			current_score     INTEGER NOT NULL DEFAULT 0,
			completion_reason TEXT,
			completed_at      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_elements_session ON debate_elements(session_id, position)`,
		`CREATE TABLE IF NOT EXISTS element_versions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			element_id  TEXT NOT NULL REFERENCES debate_elements(id) ON DELETE CASCADE,
			iteration   INTEGER NOT NULL,
			content     TEXT NOT NULL,
			score       INTEGER NOT NULL,
			provider    TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_element ON element_versions(element_id, id)`,
		`CREATE TABLE IF NOT EXISTS debate_schedules (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			schedule        TEXT NOT NULL,
			config          TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			next_run_at     INTEGER,
			last_run_at     INTEGER,
			last_status     TEXT,
			last_error      TEXT,
			last_session_id TEXT,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON debate_schedules(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
