package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"habitkeep/backend"
)

// ErrSchemaTooNew is returned when the database was written by a newer binary.
var ErrSchemaTooNew = errors.New("database schema is newer than this build supports")

// Migration is one forward-only schema step
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// Migrations is the ordered schema history of the local store.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "initial schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL DEFAULT '',
				premium INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				modified_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS spaces (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				owner_id TEXT REFERENCES users(id) ON DELETE CASCADE,
				created_at TEXT NOT NULL,
				modified_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_spaces_name_owner
				ON spaces(name COLLATE NOCASE, COALESCE(owner_id, ''))`,
			`CREATE TABLE IF NOT EXISTS tags (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				owner_id TEXT REFERENCES users(id) ON DELETE CASCADE,
				created_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_tags_name_owner
				ON tags(name COLLATE NOCASE, COALESCE(owner_id, ''))`,
			`CREATE TABLE IF NOT EXISTS repetitive_task_templates (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				schedule TEXT NOT NULL,
				weekdays TEXT NOT NULL DEFAULT '[]',
				time_of_day TEXT NOT NULL DEFAULT '',
				scored INTEGER NOT NULL DEFAULT 0,
				active INTEGER NOT NULL DEFAULT 1,
				last_generated_date TEXT,
				space_id TEXT REFERENCES spaces(id) ON DELETE SET NULL,
				owner_id TEXT REFERENCES users(id) ON DELETE CASCADE,
				created_at TEXT NOT NULL,
				modified_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				schedule TEXT NOT NULL DEFAULT 'unscheduled',
				due_date TEXT,
				due_time TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'incomplete',
				score INTEGER,
				active INTEGER NOT NULL DEFAULT 1,
				space_id TEXT REFERENCES spaces(id) ON DELETE SET NULL,
				template_id TEXT REFERENCES repetitive_task_templates(id) ON DELETE CASCADE,
				owner_id TEXT REFERENCES users(id) ON DELETE CASCADE,
				created_at TEXT NOT NULL,
				modified_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_template_due
				ON tasks(template_id, due_date) WHERE template_id IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id)`,
			`CREATE TABLE IF NOT EXISTS task_tags (
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
				PRIMARY KEY (task_id, tag_id)
			)`,
			`CREATE TABLE IF NOT EXISTS template_tags (
				template_id TEXT NOT NULL REFERENCES repetitive_task_templates(id) ON DELETE CASCADE,
				tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
				PRIMARY KEY (template_id, tag_id)
			)`,
			`CREATE TABLE IF NOT EXISTS pending_operations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				op TEXT NOT NULL CHECK (op IN ('create', 'update', 'delete')),
				entity TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'failed')),
				attempts INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_owner_status
				ON pending_operations(owner_id, status, id)`,
			`CREATE TABLE IF NOT EXISTS settings (
				owner_key TEXT NOT NULL DEFAULT '',
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				modified_at TEXT NOT NULL,
				PRIMARY KEY (owner_key, key)
			)`,
		},
	},
	{
		Version: 2,
		Name:    "outbox retry bookkeeping",
		Statements: []string{
			`ALTER TABLE pending_operations ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE pending_operations ADD COLUMN next_attempt_at TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_owner_due ON tasks(owner_id, due_date)`,
		},
	},
	{
		Version: 3,
		Name:    "sync leases",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS sync_leases (
				owner_id TEXT PRIMARY KEY,
				holder TEXT NOT NULL,
				expires_at TEXT NOT NULL
			)`,
		},
	},
}

// LatestVersion returns the highest version in Migrations.
func LatestVersion() int {
	return latestOf(Migrations)
}

func latestOf(migrations []Migration) int {
	latest := 0
	for _, m := range migrations {
		if m.Version > latest {
			latest = m.Version
		}
	}
	return latest
}

const createSchemaVersion = `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`

// CurrentVersion returns the persisted schema version, 0 for a fresh database.
func CurrentVersion(ctx context.Context, q querier) (int, error) {
	var exists int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// Migrate brings db from its persisted version to target. Every missing
// migration and the version bump run in a single transaction, so the store is
// never left at a partially migrated version. It returns the number of
// migrations applied. When the store is already current only foreign key
// enforcement is (re)enabled.
func Migrate(ctx context.Context, db *sql.DB, migrations []Migration, target int) (int, error) {
	// PRAGMA foreign_keys is a no-op inside a transaction.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return 0, &backend.MigrationError{Version: target, Err: err}
	}

	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return 0, &backend.MigrationError{Version: target, Err: err}
	}
	if current > latestOf(migrations) {
		return 0, &backend.MigrationError{Version: current, Err: ErrSchemaTooNew}
	}
	if current >= target {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &backend.MigrationError{Version: current + 1, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, createSchemaVersion); err != nil {
		return 0, &backend.MigrationError{Version: current + 1, Err: err}
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current || m.Version > target {
			continue
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return 0, &backend.MigrationError{
					Version: m.Version,
					Err:     fmt.Errorf("%s: %w", m.Name, err),
				}
			}
		}
		applied++
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version"); err != nil {
		return 0, &backend.MigrationError{Version: target, Err: err}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", target); err != nil {
		return 0, &backend.MigrationError{Version: target, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &backend.MigrationError{Version: target, Err: err}
	}
	return applied, nil
}
