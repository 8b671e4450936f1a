package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// Package db persists model cache records in SQL.
//
// One SQLStore implementation serves both dialects: queries are written with
// '?' placeholders and rebound by sqlx for PostgreSQL. Schema changes are
// versioned migrations recorded in schema_versions.
//
// Integration Points:
//   - Model Cache: SQLStore implements modelcache.Store
//   - CLI: model_cache.backend = sqlite | postgres

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type migration struct {
	version int
	sql     string
}

// migrations per driver. Column names match the persisted cache record shape.
var migrations = map[string][]migration{
	DriverSQLite: {
		{
			version: 1,
			sql: `
CREATE TABLE IF NOT EXISTS model_cache (
    cache_key          TEXT PRIMARY KEY,
    scope              TEXT NOT NULL,
    model_type         TEXT NOT NULL,
    serialized_model   BLOB NOT NULL,
    training_metadata  TEXT NOT NULL DEFAULT '{}',
    accuracy_metrics   TEXT NOT NULL DEFAULT '',
    created_at         DATETIME NOT NULL,
    expires_at         DATETIME NOT NULL,
    last_used_at       DATETIME NOT NULL,
    use_count          INTEGER NOT NULL DEFAULT 0,
    is_active          BOOLEAN NOT NULL DEFAULT 1,
    inactive_reason    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_model_cache_scope_type ON model_cache(scope, model_type);
CREATE INDEX IF NOT EXISTS idx_model_cache_expires_at ON model_cache(expires_at);
`,
		},
	},
	DriverPostgres: {
		{
			version: 1,
			sql: `
CREATE TABLE IF NOT EXISTS model_cache (
    cache_key          TEXT PRIMARY KEY,
    scope              TEXT NOT NULL,
    model_type         TEXT NOT NULL,
    serialized_model   BYTEA NOT NULL,
    training_metadata  TEXT NOT NULL DEFAULT '{}',
    accuracy_metrics   TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL,
    expires_at         TIMESTAMPTZ NOT NULL,
    last_used_at       TIMESTAMPTZ NOT NULL,
    use_count          BIGINT NOT NULL DEFAULT 0,
    is_active          BOOLEAN NOT NULL DEFAULT TRUE,
    inactive_reason    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_model_cache_scope_type ON model_cache(scope, model_type);
CREATE INDEX IF NOT EXISTS idx_model_cache_expires_at ON model_cache(expires_at);
`,
		},
	},
}

// SQLStore is the SQL-backed model cache store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs all
// pending migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sqlx.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return openStore(db)
}

// NewPostgresStore connects to PostgreSQL and runs pending migrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return openStore(db)
}

func openStore(db *sqlx.DB) (*SQLStore, error) {
	s := NewSQLStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewSQLStore wraps an open handle without migrating.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate applies any unapplied migrations for the handle's driver in order.
func (s *SQLStore) Migrate(ctx context.Context) error {
	list, ok := migrations[s.db.DriverName()]
	if !ok {
		return fmt.Errorf("no migrations for driver %q", s.db.DriverName())
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range list {
		var count int
		err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_versions(version) VALUES(?)`), m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// parseTime accepts the layouts the SQLite and PostgreSQL drivers hand back
// when a timestamp column is scanned into a string.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
