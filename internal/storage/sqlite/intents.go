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

const intentColumns = `id, source, target, status, created_at, updated_at, created_by,
	risk_level, priority, semantic, technical, checks_required, dependencies,
	retries, tenant_id, plan_id, origin_type, repo`

// UpsertIntent inserts or replaces the materialized intent row.
func (db *DB) UpsertIntent(ctx context.Context, in model.Intent) error {
	semantic, err := marshalJSON(in.Semantic)
	if err != nil {
		return fmt.Errorf("sqlite: marshal intent semantic: %w", err)
	}
	technical, err := json.Marshal(in.Technical)
	if err != nil {
		return fmt.Errorf("sqlite: marshal intent technical: %w", err)
	}
	checks, err := json.Marshal(orEmpty(in.ChecksRequired))
	if err != nil {
		return fmt.Errorf("sqlite: marshal intent checks: %w", err)
	}
	deps, err := json.Marshal(orEmpty(in.Dependencies))
	if err != nil {
		return fmt.Errorf("sqlite: marshal intent dependencies: %w", err)
	}

	_, err = db.q.ExecContext(ctx,
		`INSERT INTO intents (`+intentColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET
		   source = excluded.source,
		   target = excluded.target,
		   status = excluded.status,
		   updated_at = excluded.updated_at,
		   created_by = excluded.created_by,
		   risk_level = excluded.risk_level,
		   priority = excluded.priority,
		   semantic = excluded.semantic,
		   technical = excluded.technical,
		   checks_required = excluded.checks_required,
		   dependencies = excluded.dependencies,
		   retries = excluded.retries,
		   tenant_id = excluded.tenant_id,
		   plan_id = excluded.plan_id,
		   origin_type = excluded.origin_type,
		   repo = excluded.repo`,
		in.ID, in.Source, in.Target, string(in.Status),
		in.CreatedAt.UTC(), in.UpdatedAt.UTC(), nullable(in.CreatedBy),
		string(in.RiskLevel), in.Priority,
		string(semantic), string(technical), string(checks), string(deps),
		in.Retries, nullable(in.TenantID), nullable(in.PlanID), string(in.Origin),
		nullable(in.Technical.Repo),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert intent: %w", err)
	}
	return nil
}

// GetIntent returns one intent by id.
func (db *DB) GetIntent(ctx context.Context, id string) (*model.Intent, error) {
	row := db.q.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	in, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get intent: %w", err)
	}
	return in, nil
}

// ListIntents returns intents matching the filter.
func (db *DB) ListIntents(ctx context.Context, f model.IntentFilter) ([]model.Intent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, val any) {
		conds = append(conds, col+" = ?")
		args = append(args, val)
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

	rows, err := db.q.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM intents`+where+order+` LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list intents: %w", err)
	}
	defer rows.Close()

	var intents []model.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan intent: %w", err)
		}
		intents = append(intents, *in)
	}
	return intents, rows.Err()
}

// ResetIntentsForPush moves non-terminal intents on (repo, sourceBranch)
// back to READY and records the pushed base commit. Done read-modify-write
// because sqlite lacks jsonb_set on all supported versions.
func (db *DB) ResetIntentsForPush(ctx context.Context, repo, sourceBranch, newBase string) ([]string, error) {
	matches, err := db.ListIntents(ctx, model.IntentFilter{Repo: repo, Source: sourceBranch, Limit: 1000})
	if err != nil {
		return nil, err
	}

	var ids []string
	now := time.Now().UTC()
	for _, in := range matches {
		if in.Status.Terminal() {
			continue
		}
		in.Status = model.StatusReady
		in.Technical.InitialBaseCommit = newBase
		in.UpdatedAt = now
		if err := db.UpsertIntent(ctx, in); err != nil {
			return nil, err
		}
		ids = append(ids, in.ID)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(row scanner) (*model.Intent, error) {
	var (
		in                              model.Intent
		createdBy, tenant, planID, repo *string
		semantic, technical             string
		checks, deps                    string
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
	if technical != "" {
		if err := json.Unmarshal([]byte(technical), &in.Technical); err != nil {
			return nil, err
		}
	}
	if checks != "" {
		if err := json.Unmarshal([]byte(checks), &in.ChecksRequired); err != nil {
			return nil, err
		}
	}
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &in.Dependencies); err != nil {
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
