package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// AcquireLock implements the lazy-TTL advisory lock: stale rows for the
// name are deleted first, then a unique insert is attempted. A duplicate
// key means another live holder owns the lock.
func (db *DB) AcquireLock(ctx context.Context, name string, holderPID int, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	if _, err := db.q.Exec(ctx,
		`DELETE FROM queue_locks WHERE lock_name = $1 AND expires_at < $2`, name, now,
	); err != nil {
		return false, fmt.Errorf("storage: evict stale lock: %w", err)
	}

	_, err := db.q.Exec(ctx,
		`INSERT INTO queue_locks (lock_name, holder_pid, acquired_at, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		name, holderPID, now, now.Add(ttl),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return false, nil
		}
		return false, fmt.Errorf("storage: acquire lock: %w", err)
	}
	return true, nil
}

// ReleaseLock removes the lock only when holderPID matches.
func (db *DB) ReleaseLock(ctx context.Context, name string, holderPID int) (bool, error) {
	tag, err := db.q.Exec(ctx,
		`DELETE FROM queue_locks WHERE lock_name = $1 AND holder_pid = $2`, name, holderPID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: release lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ForceReleaseLock removes the lock regardless of holder.
func (db *DB) ForceReleaseLock(ctx context.Context, name string) error {
	if _, err := db.q.Exec(ctx,
		`DELETE FROM queue_locks WHERE lock_name = $1`, name,
	); err != nil {
		return fmt.Errorf("storage: force release lock: %w", err)
	}
	return nil
}

// GetLock returns the current lock row, or ErrNotFound when free.
func (db *DB) GetLock(ctx context.Context, name string) (*model.QueueLock, error) {
	var l model.QueueLock
	err := db.q.QueryRow(ctx,
		`SELECT lock_name, holder_pid, acquired_at, expires_at
		 FROM queue_locks WHERE lock_name = $1`, name,
	).Scan(&l.Name, &l.HolderPID, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get lock: %w", err)
	}
	return &l, nil
}
