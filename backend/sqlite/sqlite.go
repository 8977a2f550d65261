// Package sqlite is the embedded local store: schema migrations, entity
// repositories, the outbox queue and scoped transactions over one shared
// SQLite connection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"habitkeep/backend"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repos hands out repositories bound to one querier
type repos struct {
	q   querier
	now func() time.Time
}

func (r repos) Tasks() *TaskRepository         { return &TaskRepository{q: r.q, now: r.now} }
func (r repos) Templates() *TemplateRepository { return &TemplateRepository{q: r.q, now: r.now} }
func (r repos) Spaces() *SpaceRepository       { return &SpaceRepository{q: r.q, now: r.now} }
func (r repos) Tags() *TagRepository           { return &TagRepository{q: r.q, now: r.now} }
func (r repos) Users() *UserRepository         { return &UserRepository{q: r.q, now: r.now} }
func (r repos) Settings() *SettingsRepository  { return &SettingsRepository{q: r.q, now: r.now} }
func (r repos) Outbox() *OutboxRepository      { return &OutboxRepository{q: r.q, now: r.now} }
func (r repos) Leases() *LeaseRepository       { return &LeaseRepository{q: r.q, now: r.now} }

// Store owns the single shared SQLite connection
type Store struct {
	repos
	db   *sql.DB
	path string
}

// Tx is a scoped transaction. Repositories obtained from it run inside the
// transaction.
type Tx struct {
	repos
	tx *sql.Tx
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used to stamp created_at/modified_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New opens the database at path (":memory:" for an in-memory store) and
// migrates it to the latest schema version.
func New(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: every repository and the outbox share it, and an
	// in-memory database lives exactly as long as this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	s.repos = repos{q: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}

	// The daemon and foreground commands open the same file; wait on their
	// write locks instead of failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := Migrate(context.Background(), db, Migrations, LatestVersion()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithTx runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back when fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backend.WrapRepo("begin transaction", err)
	}

	tx := &Tx{repos: repos{q: sqlTx, now: s.now}, tx: sqlTx}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = sqlTx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return backend.WrapRepo("commit transaction", err)
	}
	committed = true
	return nil
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// SchemaVersion returns the persisted schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return CurrentVersion(ctx, s.db)
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ownerClause scopes a query to owner, or to anonymous rows when owner is nil.
func ownerClause(column string, owner *string) (string, []any) {
	if owner == nil {
		return column + " IS NULL", nil
	}
	return column + " = ?", []any{*owner}
}

// formatTime stores t in the fixed-width layout.
func formatTime(t time.Time) string {
	return backend.FormatTimestamp(t)
}

// parseTime parses a stored timestamp, returning the zero time on bad input.
func parseTime(s string) time.Time {
	t, _ := backend.ParseTimestamp(s)
	return t
}

// nullString converts an optional string for storage.
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// stringPtr converts a nullable column into an optional string.
func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// dateToNullString converts a *time.Time date to sql.NullString for storage.
func dateToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(backend.DateLayout), Valid: true}
}

// parseOptionalDate parses a nullable date column.
func parseOptionalDate(ns sql.NullString) *time.Time {
	if ns.Valid && ns.String != "" {
		if parsed, err := backend.ParseDate(ns.String); err == nil {
			return &parsed
		}
	}
	return nil
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// scanner is an interface satisfied by both *sql.Rows and *sql.Row
type scanner interface {
	Scan(dest ...any) error
}

// notFoundIfNoRows maps sql.ErrNoRows to backend.ErrNotFound.
func notFoundIfNoRows(err error) error {
	if err == sql.ErrNoRows {
		return backend.ErrNotFound
	}
	return err
}

// requireAffected returns ErrNotFound when an UPDATE/DELETE matched nothing.
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return backend.ErrNotFound
	}
	return nil
}
