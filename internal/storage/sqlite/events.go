package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// InsertEvent appends one event to the log.
func (db *DB) InsertEvent(ctx context.Context, e model.Event) error {
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: marshal event payload: %w", err)
	}
	evidence, err := marshalJSON(e.Evidence)
	if err != nil {
		return fmt.Errorf("sqlite: marshal event evidence: %w", err)
	}
	_, err = db.q.ExecContext(ctx,
		`INSERT INTO events (id, trace_id, timestamp, event_type, intent_id, agent_id, tenant_id, payload, evidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TraceID, e.Timestamp.UTC(), string(e.Type),
		nullable(e.IntentID), nullable(e.AgentID), nullable(e.TenantID),
		string(payload), string(evidence),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert event: %w", err)
	}
	return nil
}

func eventQuerySQL(q model.EventQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		conds = append(conds, cond)
		args = append(args, val)
	}
	if q.Type != "" {
		add("event_type = ?", string(q.Type))
	}
	if q.IntentID != "" {
		add("intent_id = ?", q.IntentID)
	}
	if q.AgentID != "" {
		add("agent_id = ?", q.AgentID)
	}
	if q.TenantID != "" {
		add("tenant_id = ?", q.TenantID)
	}
	if q.TraceID != "" {
		add("trace_id = ?", q.TraceID)
	}
	if !q.Since.IsZero() {
		add("timestamp >= ?", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		add("timestamp <= ?", q.Until.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryEvents returns events matching q, newest first.
func (db *DB) QueryEvents(ctx context.Context, q model.EventQuery) ([]model.Event, error) {
	where, args := eventQuerySQL(q)
	limit := q.Limit
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	args = append(args, limit)

	rows, err := db.q.QueryContext(ctx,
		`SELECT id, trace_id, timestamp, event_type, intent_id, agent_id, tenant_id, payload, evidence
		 FROM events`+where+` ORDER BY timestamp DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e                         model.Event
			intentID, agentID, tenant *string
			payload, evidence         string
		)
		if err := rows.Scan(
			&e.ID, &e.TraceID, &e.Timestamp, &e.Type,
			&intentID, &agentID, &tenant, &payload, &evidence,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		e.IntentID = deref(intentID)
		e.AgentID = deref(agentID)
		e.TenantID = deref(tenant)
		if err := unmarshalJSON(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal event payload: %w", err)
		}
		if err := unmarshalJSON(evidence, &e.Evidence); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal event evidence: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents counts events matching q.
func (db *DB) CountEvents(ctx context.Context, q model.EventQuery) (int64, error) {
	where, args := eventQuerySQL(q)
	var n int64
	if err := db.q.QueryRowContext(ctx, `SELECT count(*) FROM events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count events: %w", err)
	}
	return n, nil
}

// LatestEvent returns the newest event of the given type, optionally
// scoped to an intent.
func (db *DB) LatestEvent(ctx context.Context, eventType model.EventType, intentID string) (*model.Event, error) {
	events, err := db.QueryEvents(ctx, model.EventQuery{Type: eventType, IntentID: intentID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrNotFound
	}
	return &events[0], nil
}

// DeleteEventsBefore removes events older than the cutoff.
func (db *DB) DeleteEventsBefore(ctx context.Context, before time.Time, tenantID string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if tenantID != "" {
		res, err = db.q.ExecContext(ctx,
			`DELETE FROM events WHERE timestamp < ? AND tenant_id = ?`, before.UTC(), tenantID)
	} else {
		res, err = db.q.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before.UTC())
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete events: %w", err)
	}
	return res.RowsAffected()
}

// GetChainState returns the hash-chain state for a chain id.
func (db *DB) GetChainState(ctx context.Context, chainID string) (*model.ChainState, error) {
	var cs model.ChainState
	err := db.q.QueryRowContext(ctx,
		`SELECT chain_id, last_hash, event_count, updated_at
		 FROM event_chain_state WHERE chain_id = ?`, chainID,
	).Scan(&cs.ChainID, &cs.LastHash, &cs.EventCount, &cs.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get chain state: %w", err)
	}
	return &cs, nil
}

// UpsertChainState replaces the chain state row.
func (db *DB) UpsertChainState(ctx context.Context, cs model.ChainState) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO event_chain_state (chain_id, last_hash, event_count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (chain_id) DO UPDATE SET
		   last_hash = excluded.last_hash,
		   event_count = excluded.event_count,
		   updated_at = excluded.updated_at`,
		cs.ChainID, cs.LastHash, cs.EventCount, cs.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert chain state: %w", err)
	}
	return nil
}

// IsDuplicateDelivery reports whether a webhook delivery id is recorded.
func (db *DB) IsDuplicateDelivery(ctx context.Context, deliveryID string) (bool, error) {
	var exists bool
	err := db.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_deliveries WHERE delivery_id = ?)`, deliveryID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: check delivery: %w", err)
	}
	return exists, nil
}

// RecordDelivery is insert-or-ignore; returns false on duplicate.
func (db *DB) RecordDelivery(ctx context.Context, deliveryID string) (bool, error) {
	res, err := db.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_deliveries (delivery_id, received_at) VALUES (?, ?)`,
		deliveryID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: record delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: record delivery: %w", err)
	}
	return n > 0, nil
}

// CleanupDeliveries removes dedup rows older than the cutoff.
func (db *DB) CleanupDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := db.q.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE received_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup deliveries: %w", err)
	}
	return res.RowsAffected()
}

// AcquireLock implements the lazy-TTL advisory lock.
func (db *DB) AcquireLock(ctx context.Context, name string, holderPID int, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	if _, err := db.q.ExecContext(ctx,
		`DELETE FROM queue_locks WHERE lock_name = ? AND expires_at < ?`, name, now,
	); err != nil {
		return false, fmt.Errorf("sqlite: evict stale lock: %w", err)
	}
	res, err := db.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_locks (lock_name, holder_pid, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		name, holderPID, now, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: acquire lock: %w", err)
	}
	return n > 0, nil
}

// ReleaseLock removes the lock only when holderPID matches.
func (db *DB) ReleaseLock(ctx context.Context, name string, holderPID int) (bool, error) {
	res, err := db.q.ExecContext(ctx,
		`DELETE FROM queue_locks WHERE lock_name = ? AND holder_pid = ?`, name, holderPID)
	if err != nil {
		return false, fmt.Errorf("sqlite: release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: release lock: %w", err)
	}
	return n > 0, nil
}

// ForceReleaseLock removes the lock regardless of holder.
func (db *DB) ForceReleaseLock(ctx context.Context, name string) error {
	if _, err := db.q.ExecContext(ctx,
		`DELETE FROM queue_locks WHERE lock_name = ?`, name); err != nil {
		return fmt.Errorf("sqlite: force release lock: %w", err)
	}
	return nil
}

// GetLock returns the current lock row, or ErrNotFound when free.
func (db *DB) GetLock(ctx context.Context, name string) (*model.QueueLock, error) {
	var l model.QueueLock
	err := db.q.QueryRowContext(ctx,
		`SELECT lock_name, holder_pid, acquired_at, expires_at
		 FROM queue_locks WHERE lock_name = ?`, name,
	).Scan(&l.Name, &l.HolderPID, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get lock: %w", err)
	}
	return &l, nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(s string, dst *map[string]any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
