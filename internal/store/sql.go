package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
    id                        TEXT PRIMARY KEY,
    title                     TEXT NOT NULL,
    maximum_concurrency_limit INTEGER,
    created_at                TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS environments (
    id                        TEXT PRIMARY KEY,
    organization_id           TEXT NOT NULL,
    project_id                TEXT NOT NULL,
    type                      TEXT NOT NULL,
    maximum_concurrency_limit INTEGER,
    current_worker_id         TEXT NOT NULL DEFAULT '',
    created_at                TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS task_queues (
    id                TEXT PRIMARY KEY,
    friendly_id       TEXT NOT NULL,
    environment_id    TEXT NOT NULL,
    name              TEXT NOT NULL,
    concurrency_limit INTEGER,
    rate_limit        TEXT,
    paused            BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMP NOT NULL,
    UNIQUE (environment_id, name)
)`,
	`CREATE TABLE IF NOT EXISTS background_workers (
    id             TEXT PRIMARY KEY,
    friendly_id    TEXT NOT NULL,
    environment_id TEXT NOT NULL,
    version        TEXT NOT NULL,
    image          TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL,
    UNIQUE (environment_id, version)
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
    worker_id      TEXT NOT NULL,
    slug           TEXT NOT NULL,
    queue          TEXT NOT NULL,
    machine_config TEXT,
    retry_config   TEXT,
    PRIMARY KEY (worker_id, slug)
)`,
	`CREATE TABLE IF NOT EXISTS runs (
    id                         TEXT PRIMARY KEY,
    friendly_id                TEXT NOT NULL,
    task_identifier            TEXT NOT NULL,
    queue                      TEXT NOT NULL,
    environment_id             TEXT NOT NULL,
    environment_type           TEXT NOT NULL,
    organization_id            TEXT NOT NULL,
    project_id                 TEXT NOT NULL,
    machine                    TEXT NOT NULL DEFAULT '',
    attempt_number             INTEGER NOT NULL DEFAULT 0,
    max_attempts               INTEGER NOT NULL,
    status                     TEXT NOT NULL,
    master_queue               TEXT NOT NULL,
    worker_id                  TEXT NOT NULL DEFAULT '',
    idempotency_key            TEXT,
    idempotency_key_scope      TEXT NOT NULL DEFAULT '',
    idempotency_key_expires_at TIMESTAMP,
    trace_context              TEXT,
    payload                    TEXT,
    payload_type               TEXT NOT NULL DEFAULT '',
    output                     TEXT,
    output_type                TEXT NOT NULL DEFAULT '',
    error                      TEXT,
    parent_run_id              TEXT NOT NULL DEFAULT '',
    root_run_id                TEXT NOT NULL DEFAULT '',
    associated_waitpoint_id    TEXT NOT NULL DEFAULT '',
    schedule_id                TEXT NOT NULL DEFAULT '',
    concurrency_key            TEXT NOT NULL DEFAULT '',
    rate_limit_key             TEXT NOT NULL DEFAULT '',
    delay_until                TIMESTAMP,
    ttl                        TEXT NOT NULL DEFAULT '',
    priority_ms                BIGINT NOT NULL DEFAULT 0,
    overrides                  TEXT,
    created_at                 TIMESTAMP NOT NULL,
    updated_at                 TIMESTAMP NOT NULL,
    completed_at               TIMESTAMP
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency_key
    ON runs (environment_id, task_identifier, idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS runs_environment_status ON runs (environment_id, status)`,
	`CREATE TABLE IF NOT EXISTS run_snapshots (
    id                      TEXT PRIMARY KEY,
    friendly_id             TEXT NOT NULL,
    run_id                  TEXT NOT NULL,
    seq                     BIGINT NOT NULL,
    status                  TEXT NOT NULL,
    description             TEXT NOT NULL DEFAULT '',
    attempt_number          INTEGER NOT NULL DEFAULT 0,
    checkpoint_id           TEXT NOT NULL DEFAULT '',
    worker_id               TEXT NOT NULL DEFAULT '',
    resume_attempt          BOOLEAN NOT NULL DEFAULT FALSE,
    completed_waitpoint_ids TEXT,
    heartbeat_deadline      TIMESTAMP,
    created_at              TIMESTAMP NOT NULL,
    UNIQUE (run_id, seq)
)`,
	`CREATE TABLE IF NOT EXISTS run_latest_snapshot (
    run_id      TEXT PRIMARY KEY,
    snapshot_id TEXT NOT NULL,
    seq         BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
    id          TEXT PRIMARY KEY,
    friendly_id TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    type        TEXT NOT NULL,
    location    TEXT NOT NULL,
    image_ref   TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS waitpoints (
    id                         TEXT PRIMARY KEY,
    friendly_id                TEXT NOT NULL,
    type                       TEXT NOT NULL,
    status                     TEXT NOT NULL,
    completed_by               TEXT NOT NULL DEFAULT '',
    output                     TEXT,
    output_type                TEXT NOT NULL DEFAULT '',
    output_is_error            BOOLEAN NOT NULL DEFAULT FALSE,
    output_object_key          TEXT NOT NULL DEFAULT '',
    idempotency_key            TEXT,
    idempotency_key_expires_at TIMESTAMP,
    completed_after            TIMESTAMP,
    completed_by_run_id        TEXT NOT NULL DEFAULT '',
    environment_id             TEXT NOT NULL,
    project_id                 TEXT NOT NULL,
    created_at                 TIMESTAMP NOT NULL,
    completed_at               TIMESTAMP
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS waitpoints_idempotency_key
    ON waitpoints (environment_id, idempotency_key)`,
	`CREATE TABLE IF NOT EXISTS run_waitpoints (
    run_id          TEXT NOT NULL,
    waitpoint_id    TEXT NOT NULL,
    project_id      TEXT NOT NULL,
    organization_id TEXT NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, waitpoint_id)
)`,
	`CREATE INDEX IF NOT EXISTS run_waitpoints_waitpoint ON run_waitpoints (waitpoint_id)`,
	`CREATE TABLE IF NOT EXISTS schedules (
    id              TEXT PRIMARY KEY,
    friendly_id     TEXT NOT NULL,
    task_identifier TEXT NOT NULL,
    environment_id  TEXT NOT NULL,
    project_id      TEXT NOT NULL,
    cron            TEXT NOT NULL,
    timezone        TEXT NOT NULL DEFAULT '',
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    last_run_at     TIMESTAMP,
    next_run_at     TIMESTAMP,
    created_at      TIMESTAMP NOT NULL
)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on database/sql, against SQLite or Postgres.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// NewSQLiteStore opens the SQLite database at dbPath and creates the schema.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return Open(context.Background(), DriverSQLite, dbPath)
}

// Open connects with driver ("sqlite" or "pgx") and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLStore{db: db}
	switch driver {
	case DriverSQLite:
		// One connection serializes writers and keeps a :memory: database alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	case DriverPostgres:
		s.postgres = true
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString maps "" to NULL so unique indexes ignore unset keys.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func rawOf(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// prefixed qualifies each column in a comma-separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
