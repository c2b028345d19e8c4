package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// nullable converts an empty string to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertEvent appends one event to the log.
func (db *DB) InsertEvent(ctx context.Context, e model.Event) error {
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal event payload: %w", err)
	}
	evidence, err := marshalJSON(e.Evidence)
	if err != nil {
		return fmt.Errorf("storage: marshal event evidence: %w", err)
	}
	_, err = db.q.Exec(ctx,
		`INSERT INTO events (id, trace_id, timestamp, event_type, intent_id, agent_id, tenant_id, payload, evidence)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TraceID, e.Timestamp, string(e.Type),
		nullable(e.IntentID), nullable(e.AgentID), nullable(e.TenantID),
		payload, evidence,
	)
	if err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

// eventQuerySQL builds the WHERE clause shared by QueryEvents and
// CountEvents. Filters are ANDed; zero values are skipped.
func eventQuerySQL(q model.EventQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
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
		add("timestamp >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		add("timestamp <= ?", q.Until)
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

	rows, err := db.q.Query(ctx,
		`SELECT id, trace_id, timestamp, event_type, intent_id, agent_id, tenant_id, payload, evidence
		 FROM events`+where+
			` ORDER BY timestamp DESC LIMIT $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountEvents counts events matching q.
func (db *DB) CountEvents(ctx context.Context, q model.EventQuery) (int64, error) {
	where, args := eventQuerySQL(q)
	var n int64
	if err := db.q.QueryRow(ctx, `SELECT count(*) FROM events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count events: %w", err)
	}
	return n, nil
}

// LatestEvent returns the newest event of the given type, optionally
// scoped to an intent.
func (db *DB) LatestEvent(ctx context.Context, eventType model.EventType, intentID string) (*model.Event, error) {
	q := model.EventQuery{Type: eventType, IntentID: intentID, Limit: 1}
	events, err := db.QueryEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrNotFound
	}
	return &events[0], nil
}

// DeleteEventsBefore removes events older than the cutoff, optionally
// scoped to a tenant. Retention pruning is the only sanctioned delete
// path on the events table.
func (db *DB) DeleteEventsBefore(ctx context.Context, before time.Time, tenantID string) (int64, error) {
	if tenantID != "" {
		tag, err := db.q.Exec(ctx,
			`DELETE FROM events WHERE timestamp < $1 AND tenant_id = $2`, before, tenantID)
		if err != nil {
			return 0, fmt.Errorf("storage: delete events: %w", err)
		}
		return tag.RowsAffected(), nil
	}
	tag, err := db.q.Exec(ctx, `DELETE FROM events WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("storage: delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetChainState returns the hash-chain state for a chain id.
func (db *DB) GetChainState(ctx context.Context, chainID string) (*model.ChainState, error) {
	var cs model.ChainState
	err := db.q.QueryRow(ctx,
		`SELECT chain_id, last_hash, event_count, updated_at
		 FROM event_chain_state WHERE chain_id = $1`, chainID,
	).Scan(&cs.ChainID, &cs.LastHash, &cs.EventCount, &cs.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get chain state: %w", err)
	}
	return &cs, nil
}

// UpsertChainState replaces the chain state row.
func (db *DB) UpsertChainState(ctx context.Context, cs model.ChainState) error {
	_, err := db.q.Exec(ctx,
		`INSERT INTO event_chain_state (chain_id, last_hash, event_count, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chain_id) DO UPDATE
		 SET last_hash = EXCLUDED.last_hash,
		     event_count = EXCLUDED.event_count,
		     updated_at = EXCLUDED.updated_at`,
		cs.ChainID, cs.LastHash, cs.EventCount, cs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert chain state: %w", err)
	}
	return nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			e                          model.Event
			intentID, agentID, tenant  *string
			payload, evidence          []byte
		)
		if err := rows.Scan(
			&e.ID, &e.TraceID, &e.Timestamp, &e.Type,
			&intentID, &agentID, &tenant, &payload, &evidence,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.IntentID = deref(intentID)
		e.AgentID = deref(agentID)
		e.TenantID = deref(tenant)
		if err := unmarshalJSON(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("storage: unmarshal event payload: %w", err)
		}
		if err := unmarshalJSON(evidence, &e.Evidence); err != nil {
			return nil, fmt.Errorf("storage: unmarshal event evidence: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(b []byte, dst *map[string]any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

