// Package storage provides the PostgreSQL storage backend for Converge.
//
// It manages connection pooling via pgxpool, embedded SQL migrations, and
// query methods for every port in internal/store. The sqlite subpackage
// provides the embedded dialect; Open selects between them.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/ghmbegerez/converge/internal/store"
	sqlitestore "github.com/ghmbegerez/converge/internal/storage/sqlite"
)

// querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx, so the
// same query methods work inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the PostgreSQL implementation of store.Store.
type DB struct {
	pool   *pgxpool.Pool
	q      querier // pool normally, tx inside WithTx
	logger *slog.Logger
}

var _ store.Store = (*DB)(nil)

// Config selects and configures a storage backend.
type Config struct {
	// DatabaseURL is the Postgres DSN. Used when Path is empty.
	DatabaseURL string
	// Path is a sqlite database file. When set, the embedded sqlite
	// backend is used instead of Postgres (CONVERGE_DB_PATH).
	Path   string
	Logger *slog.Logger
}

// Open is the backend factory: sqlite when cfg.Path is set, Postgres
// otherwise.
func Open(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.Path != "" {
		return sqlitestore.Open(ctx, cfg.Path, cfg.Logger)
	}
	return New(ctx, cfg.DatabaseURL, cfg.Logger)
}

// New creates a Postgres-backed store with a connection pool.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection so embedding writes
	// can encode vectors. Best-effort: the extension may not exist yet
	// during initial startup before migrations.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	db.q = pool
	return db, nil
}

// WithTx runs fn against a transaction-bound copy of the store. The
// transaction commits only if fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if _, inTx := db.q.(pgx.Tx); inTx {
		// Already transactional; nested calls join the outer transaction.
		return fn(db)
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	txDB := &DB{pool: db.pool, q: tx, logger: db.logger}
	if err := fn(txDB); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close(_ context.Context) error {
	db.pool.Close()
	return nil
}
