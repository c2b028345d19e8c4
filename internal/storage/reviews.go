package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

const reviewColumns = `id, intent_id, status, reviewer, priority, risk_level, trigger_type,
	sla_deadline, created_at, updated_at, completed_at, resolution, tenant_id`

// UpsertReviewTask inserts or replaces a review task row.
func (db *DB) UpsertReviewTask(ctx context.Context, t model.ReviewTask) error {
	_, err := db.q.Exec(ctx,
		`INSERT INTO review_tasks (`+reviewColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   reviewer = EXCLUDED.reviewer,
		   priority = EXCLUDED.priority,
		   updated_at = EXCLUDED.updated_at,
		   completed_at = EXCLUDED.completed_at,
		   resolution = EXCLUDED.resolution`,
		t.ID, t.IntentID, string(t.Status), nullable(t.Reviewer), t.Priority,
		string(t.RiskLevel), string(t.Trigger), t.SLADeadline,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt, nullable(string(t.Resolution)),
		nullable(t.TenantID),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert review task: %w", err)
	}
	return nil
}

// GetReviewTask returns one review task by id.
func (db *DB) GetReviewTask(ctx context.Context, id string) (*model.ReviewTask, error) {
	row := db.q.QueryRow(ctx, `SELECT `+reviewColumns+` FROM review_tasks WHERE id = $1`, id)
	t, err := scanReviewTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get review task: %w", err)
	}
	return t, nil
}

// ListReviewTasks returns tasks matching the filter, newest first.
func (db *DB) ListReviewTasks(ctx context.Context, f model.ReviewFilter) ([]model.ReviewTask, error) {
	var (
		conds []string
		args  []any
	)
	if f.IntentID != "" {
		args = append(args, f.IntentID)
		conds = append(conds, "intent_id = $"+strconv.Itoa(len(args)))
	}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		conds = append(conds, "tenant_id = $"+strconv.Itoa(len(args)))
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			args = append(args, string(s))
			placeholders[i] = "$" + strconv.Itoa(len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	args = append(args, limit)

	rows, err := db.q.Query(ctx,
		`SELECT `+reviewColumns+` FROM review_tasks`+where+
			` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list review tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.ReviewTask
	for rows.Next() {
		t, err := scanReviewTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan review task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanReviewTask(row scanner) (*model.ReviewTask, error) {
	var (
		t                            model.ReviewTask
		reviewer, resolution, tenant *string
	)
	if err := row.Scan(
		&t.ID, &t.IntentID, &t.Status, &reviewer, &t.Priority, &t.RiskLevel,
		&t.Trigger, &t.SLADeadline, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
		&resolution, &tenant,
	); err != nil {
		return nil, err
	}
	t.Reviewer = deref(reviewer)
	t.Resolution = model.ReviewResolution(deref(resolution))
	t.TenantID = deref(tenant)
	return &t, nil
}
