package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// migrationLockKey serializes migrations across replicas starting at once.
const migrationLockKey int64 = 0x6b61696769 // "kaigi"

// RunMigrations applies the .sql files in fsys that are not yet recorded,
// in file name order. Versions are recorded as set/file, so an embedder's
// extra migrations never collide with the built-in ones. Each file runs in
// its own transaction together with its bookkeeping row, under an advisory
// lock.
func (db *DB) RunMigrations(ctx context.Context, set string, fsys fs.FS) error {
	if set == "" || strings.Contains(set, "/") {
		return fmt.Errorf("storage: invalid migration set %q", set)
	}
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("storage: read %s migrations: %w", set, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		version := path.Join(set, name)
		ran, err := db.applyMigration(ctx, fsys, name, version)
		if err != nil {
			return err
		}
		if ran {
			applied++
		}
	}
	db.logger.Info("storage: migrations checked", "set", set, "files", len(files), "applied", applied)
	return nil
}

// applyMigration runs one file unless version is already recorded. The
// check happens after taking the lock, so a concurrent replica that got there
// first wins and this call becomes a no-op.
func (db *DB) applyMigration(ctx context.Context, fsys fs.FS, name, version string) (bool, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return false, fmt.Errorf("storage: read migration %s: %w", version, err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("storage: lock migrations: %w", err)
	}
	var done bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
	).Scan(&done); err != nil {
		return false, fmt.Errorf("storage: check migration %s: %w", version, err)
	}
	if done {
		db.logger.Debug("storage: migration already applied", "version", version)
		return false, nil
	}

	db.logger.Info("storage: applying migration", "version", version)
	// Simple protocol lets one file hold several statements.
	if _, err := tx.Exec(ctx, string(content), pgx.QueryExecModeSimpleProtocol); err != nil {
		return false, fmt.Errorf("storage: execute migration %s: %w", version, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return false, fmt.Errorf("storage: record migration %s: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit migration %s: %w", version, err)
	}
	return true, nil
}

// AppliedMigrations lists recorded versions in order.
func (db *DB) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: scan migrations: %w", err)
	}
	return versions, nil
}
