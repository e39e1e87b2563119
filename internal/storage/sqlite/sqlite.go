// Package sqlite is an embedded session store for single-node deployments and
// tests. It satisfies the same contract as the Postgres store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kaigi/internal/storage"
)

// tsLayout is fixed-width so that TEXT comparison orders timestamps.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a modernc.org/sqlite backed session store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (if needed) and opens the database at path. ":memory:" is
// accepted for throwaway stores.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			agents TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'chat',
			context TEXT,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			run_id TEXT,
			correlation_id TEXT,
			job_id TEXT,
			status TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, seq);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_correlation ON messages(correlation_id) WHERE correlation_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS council_runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			run_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			phase TEXT NOT NULL,
			query TEXT NOT NULL,
			context TEXT NOT NULL,
			positions TEXT NOT NULL DEFAULT '[]',
			debate_rounds TEXT NOT NULL DEFAULT '[]',
			synthesis TEXT,
			veto INTEGER NOT NULL DEFAULT 0,
			veto_reason TEXT,
			started_at TEXT,
			completed_at TEXT,
			error TEXT,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_council_runs_session ON council_runs(session_id, created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_council_runs_one_active ON council_runs(session_id) WHERE status IN ('pending', 'running');`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			actor_type TEXT NOT NULL DEFAULT 'system',
			payload TEXT NOT NULL DEFAULT '{}',
			session_ref TEXT NOT NULL DEFAULT '',
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ref ON events(session_ref, occurred_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(tsLayout, v)
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func marshalText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func notFound(what string, id any) error {
	return fmt.Errorf("sqlite: %s %v: %w", what, id, storage.ErrNotFound)
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
