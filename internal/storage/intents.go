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

const intentColumns = `id, source, target, status, created_at, updated_at, created_by,
	risk_level, priority, semantic, technical, checks_required, dependencies,
	retries, tenant_id, plan_id, origin_type, repo`

// UpsertIntent inserts or replaces the materialized intent row. The repo
// column is denormalized from technical for push matching.
func (db *DB) UpsertIntent(ctx context.Context, in model.Intent) error {
	semantic, err := marshalJSON(in.Semantic)
	if err != nil {
		return fmt.Errorf("storage: marshal intent semantic: %w", err)
	}
	technical, err := json.Marshal(in.Technical)
	if err != nil {
		return fmt.Errorf("storage: marshal intent technical: %w", err)
	}
	checks, err := json.Marshal(orEmpty(in.ChecksRequired))
	if err != nil {
		return fmt.Errorf("storage: marshal intent checks: %w", err)
	}
	deps, err := json.Marshal(orEmpty(in.Dependencies))
	if err != nil {
		return fmt.Errorf("storage: marshal intent dependencies: %w", err)
	}

	_, err = db.q.Exec(ctx,
		`INSERT INTO intents (`+intentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		 ON CONFLICT (id) DO UPDATE SET
		   source = EXCLUDED.source,
		   target = EXCLUDED.target,
		   status = EXCLUDED.status,
		   updated_at = EXCLUDED.updated_at,
		   created_by = EXCLUDED.created_by,
		   risk_level = EXCLUDED.risk_level,
		   priority = EXCLUDED.priority,
		   semantic = EXCLUDED.semantic,
		   technical = EXCLUDED.technical,
		   checks_required = EXCLUDED.checks_required,
		   dependencies = EXCLUDED.dependencies,
		   retries = EXCLUDED.retries,
		   tenant_id = EXCLUDED.tenant_id,
		   plan_id = EXCLUDED.plan_id,
		   origin_type = EXCLUDED.origin_type,
		   repo = EXCLUDED.repo`,
		in.ID, in.Source, in.Target, string(in.Status), in.CreatedAt, in.UpdatedAt,
		nullable(in.CreatedBy), string(in.RiskLevel), in.Priority,
		semantic, technical, checks, deps,
		in.Retries, nullable(in.TenantID), nullable(in.PlanID), string(in.Origin),
		nullable(in.Technical.Repo),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert intent: %w", err)
	}
	return nil
}

// GetIntent returns one intent by id.
func (db *DB) GetIntent(ctx context.Context, id string) (*model.Intent, error) {
	row := db.q.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = $1`, id)
	in, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get intent: %w", err)
	}
	return in, nil
}

// ListIntents returns intents matching the filter. With ByQueueOrder the
// ordering is (priority ASC, created_at ASC) — the queue processing order.
func (db *DB) ListIntents(ctx context.Context, f model.IntentFilter) ([]model.Intent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, val any) {
		args = append(args, val)
		conds = append(conds, col+" = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.TenantID != "" {
		add("tenant_id", f.TenantID)
	}
	if f.Source != "" {
		add("source", f.Source)
	}
	if f.Target != "" {
		add("target", f.Target)
	}
	if f.Repo != "" {
		add("repo", f.Repo)
	}
	if f.PlanID != "" {
		add("plan_id", f.PlanID)
	}
	if f.Origin != "" {
		add("origin_type", string(f.Origin))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	order := " ORDER BY created_at DESC"
	if f.ByQueueOrder {
		order = " ORDER BY priority ASC, created_at ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	args = append(args, limit)

	rows, err := db.q.Query(ctx,
		`SELECT `+intentColumns+` FROM intents`+where+order+` LIMIT $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list intents: %w", err)
	}
	defer rows.Close()

	var intents []model.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan intent: %w", err)
		}
		intents = append(intents, *in)
	}
	return intents, rows.Err()
}

// ResetIntentsForPush moves non-terminal intents on (repo, sourceBranch)
// back to READY and records the pushed base commit. Intents in other
// repositories sharing the branch name are untouched.
func (db *DB) ResetIntentsForPush(ctx context.Context, repo, sourceBranch, newBase string) ([]string, error) {
	rows, err := db.q.Query(ctx,
		`UPDATE intents
		 SET status = $1,
		     technical = jsonb_set(technical, '{initial_base_commit}', to_jsonb($2::text)),
		     updated_at = $3
		 WHERE repo = $4 AND source = $5 AND status NOT IN ($6, $7)
		 RETURNING id`,
		string(model.StatusReady), newBase, time.Now().UTC(),
		repo, sourceBranch, string(model.StatusMerged), string(model.StatusRejected),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: reset intents for push: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan reset intent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner matches both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(row scanner) (*model.Intent, error) {
	var (
		in                        model.Intent
		createdBy, tenant, planID *string
		repo                      *string
		semantic, technical       []byte
		checks, deps              []byte
	)
	if err := row.Scan(
		&in.ID, &in.Source, &in.Target, &in.Status, &in.CreatedAt, &in.UpdatedAt,
		&createdBy, &in.RiskLevel, &in.Priority, &semantic, &technical,
		&checks, &deps, &in.Retries, &tenant, &planID, &in.Origin, &repo,
	); err != nil {
		return nil, err
	}
	in.CreatedBy = deref(createdBy)
	in.TenantID = deref(tenant)
	in.PlanID = deref(planID)
	if err := unmarshalJSON(semantic, &in.Semantic); err != nil {
		return nil, err
	}
	if len(technical) > 0 {
		if err := json.Unmarshal(technical, &in.Technical); err != nil {
			return nil, err
		}
	}
	if len(checks) > 0 {
		if err := json.Unmarshal(checks, &in.ChecksRequired); err != nil {
			return nil, err
		}
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &in.Dependencies); err != nil {
			return nil, err
		}
	}
	return &in, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
