// Package sqlite provides the embedded storage backend for Converge,
// backed by modernc.org/sqlite (pure Go, no cgo). It implements the same
// ports as the Postgres backend and is selected by the factory when
// CONVERGE_DB_PATH is set.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ghmbegerez/converge/internal/store"
)

// queryer is the subset of database/sql shared by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the sqlite implementation of store.Store.
type DB struct {
	db     *sql.DB
	q      queryer
	logger *slog.Logger
}

var _ store.Store = (*DB)(nil)

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema. WAL mode keeps the worker and the HTTP process
// from serializing on every write.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single writer at a time; sqlite serializes writes anyway and
	// concurrent write handles just trade SQLITE_BUSY errors.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.ExecContext(ctx, `PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: pragma: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	db := &DB{db: sqlDB, logger: logger}
	db.q = sqlDB
	return db, nil
}

// WithTx runs fn against a transaction-bound copy of the store.
func (db *DB) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if _, inTx := db.q.(*sql.Tx); inTx {
		return fn(db)
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	txDB := &DB{db: db.db, q: tx, logger: db.logger}
	if err := fn(txDB); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return nil
}

// Ping checks the database file is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close closes the database handle.
func (db *DB) Close(_ context.Context) error {
	return db.db.Close()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nullable converts an empty string to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    trace_id   TEXT NOT NULL,
    timestamp  TIMESTAMP NOT NULL,
    event_type TEXT NOT NULL,
    intent_id  TEXT,
    agent_id   TEXT,
    tenant_id  TEXT,
    payload    TEXT NOT NULL DEFAULT '{}',
    evidence   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON events (event_type);
CREATE INDEX IF NOT EXISTS idx_events_intent_id ON events (intent_id);
CREATE INDEX IF NOT EXISTS idx_events_tenant_id ON events (tenant_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);
CREATE INDEX IF NOT EXISTS idx_events_agent_id ON events (agent_id);
CREATE INDEX IF NOT EXISTS idx_events_trace_id ON events (trace_id);

CREATE TABLE IF NOT EXISTS event_chain_state (
    chain_id    TEXT PRIMARY KEY,
    last_hash   TEXT NOT NULL,
    event_count INTEGER NOT NULL DEFAULT 0,
    updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS intents (
    id              TEXT PRIMARY KEY,
    source          TEXT NOT NULL,
    target          TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    created_by      TEXT,
    risk_level      TEXT NOT NULL DEFAULT 'medium',
    priority        INTEGER NOT NULL DEFAULT 100,
    semantic        TEXT NOT NULL DEFAULT '{}',
    technical       TEXT NOT NULL DEFAULT '{}',
    checks_required TEXT NOT NULL DEFAULT '[]',
    dependencies    TEXT NOT NULL DEFAULT '[]',
    retries         INTEGER NOT NULL DEFAULT 0,
    tenant_id       TEXT,
    plan_id         TEXT,
    origin_type     TEXT NOT NULL DEFAULT 'human',
    repo            TEXT
);
CREATE INDEX IF NOT EXISTS idx_intents_status ON intents (status);
CREATE INDEX IF NOT EXISTS idx_intents_tenant_id ON intents (tenant_id);
CREATE INDEX IF NOT EXISTS idx_intents_status_source ON intents (status, source);
CREATE INDEX IF NOT EXISTS idx_intents_plan_id ON intents (plan_id);
CREATE INDEX IF NOT EXISTS idx_intents_origin_type ON intents (origin_type);
CREATE INDEX IF NOT EXISTS idx_intents_repo_source ON intents (repo, source);

CREATE TABLE IF NOT EXISTS review_tasks (
    id           TEXT PRIMARY KEY,
    intent_id    TEXT NOT NULL,
    status       TEXT NOT NULL,
    reviewer     TEXT,
    priority     INTEGER NOT NULL DEFAULT 100,
    risk_level   TEXT NOT NULL,
    trigger_type TEXT NOT NULL,
    sla_deadline TIMESTAMP NOT NULL,
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    resolution   TEXT,
    tenant_id    TEXT
);
CREATE INDEX IF NOT EXISTS idx_review_tasks_intent_id ON review_tasks (intent_id);
CREATE INDEX IF NOT EXISTS idx_review_tasks_status ON review_tasks (status);

CREATE TABLE IF NOT EXISTS security_findings (
    id         TEXT PRIMARY KEY,
    scanner    TEXT NOT NULL,
    category   TEXT NOT NULL,
    severity   TEXT NOT NULL,
    file       TEXT,
    line       INTEGER NOT NULL DEFAULT 0,
    rule       TEXT,
    evidence   TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    intent_id  TEXT,
    tenant_id  TEXT,
    scan_id    TEXT,
    timestamp  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_findings_intent_id ON security_findings (intent_id);

CREATE TABLE IF NOT EXISTS intent_commit_links (
    intent_id   TEXT NOT NULL,
    repo        TEXT NOT NULL,
    sha         TEXT NOT NULL,
    role        TEXT NOT NULL,
    observed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (intent_id, sha, role)
);

CREATE TABLE IF NOT EXISTS intent_embeddings (
    intent_id    TEXT NOT NULL,
    model        TEXT NOT NULL,
    dimension    INTEGER NOT NULL,
    checksum     TEXT NOT NULL,
    vector       TEXT NOT NULL,
    generated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (intent_id, model)
);

CREATE TABLE IF NOT EXISTS agent_policies (
    agent_id   TEXT NOT NULL,
    tenant_id  TEXT NOT NULL DEFAULT '',
    max_risk   TEXT NOT NULL DEFAULT 'high',
    allowed    INTEGER NOT NULL DEFAULT 1,
    data       TEXT NOT NULL DEFAULT '{}',
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (agent_id, tenant_id)
);

CREATE TABLE IF NOT EXISTS risk_policies (
    tenant_id         TEXT PRIMARY KEY DEFAULT '',
    version           INTEGER NOT NULL DEFAULT 1,
    risk_threshold    REAL NOT NULL DEFAULT 75,
    damage_threshold  REAL NOT NULL DEFAULT 70,
    propagation_limit REAL NOT NULL DEFAULT 60,
    mode              TEXT NOT NULL DEFAULT 'shadow',
    enforce_ratio     REAL NOT NULL DEFAULT 0,
    updated_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS compliance_thresholds (
    tenant_id           TEXT PRIMARY KEY DEFAULT '',
    min_review_coverage REAL NOT NULL DEFAULT 0.8,
    max_open_critical   INTEGER NOT NULL DEFAULT 0,
    max_sla_breaches    INTEGER NOT NULL DEFAULT 3,
    updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS intake_overrides (
    tenant_id TEXT PRIMARY KEY DEFAULT '',
    mode      TEXT NOT NULL,
    set_by    TEXT NOT NULL,
    set_at    TIMESTAMP NOT NULL,
    reason    TEXT
);

CREATE TABLE IF NOT EXISTS queue_locks (
    lock_name   TEXT PRIMARY KEY,
    holder_pid  INTEGER NOT NULL,
    acquired_at TIMESTAMP NOT NULL,
    expires_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    delivery_id TEXT PRIMARY KEY,
    received_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS feature_flags (
    name       TEXT PRIMARY KEY,
    enabled    INTEGER NOT NULL,
    mode       TEXT,
    updated_at TIMESTAMP NOT NULL
);
`
