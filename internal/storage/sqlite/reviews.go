package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

const reviewColumns = `id, intent_id, status, reviewer, priority, risk_level,
	trigger_type, sla_deadline, created_at, updated_at, completed_at, resolution, tenant_id`

// UpsertReviewTask inserts or replaces a review task row.
func (db *DB) UpsertReviewTask(ctx context.Context, t model.ReviewTask) error {
	var completed any
	if t.CompletedAt != nil {
		completed = t.CompletedAt.UTC()
	}
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO review_tasks (`+reviewColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   reviewer = excluded.reviewer,
		   priority = excluded.priority,
		   updated_at = excluded.updated_at,
		   completed_at = excluded.completed_at,
		   resolution = excluded.resolution`,
		t.ID, t.IntentID, string(t.Status), nullable(t.Reviewer), t.Priority,
		string(t.RiskLevel), string(t.Trigger), t.SLADeadline.UTC(),
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(), completed,
		nullable(string(t.Resolution)), nullable(t.TenantID),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert review task: %w", err)
	}
	return nil
}

// GetReviewTask returns one review task by id.
func (db *DB) GetReviewTask(ctx context.Context, id string) (*model.ReviewTask, error) {
	row := db.q.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM review_tasks WHERE id = ?`, id)
	t, err := scanReviewTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get review task: %w", err)
	}
	return t, nil
}

// ListReviewTasks returns review tasks matching the filter.
func (db *DB) ListReviewTasks(ctx context.Context, f model.ReviewFilter) ([]model.ReviewTask, error) {
	var (
		conds []string
		args  []any
	)
	if f.IntentID != "" {
		conds = append(conds, "intent_id = ?")
		args = append(args, f.IntentID)
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
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

	rows, err := db.q.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM review_tasks`+where+
			` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list review tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.ReviewTask
	for rows.Next() {
		t, err := scanReviewTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan review task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanReviewTask(row scanner) (*model.ReviewTask, error) {
	var (
		t                              model.ReviewTask
		reviewer, resolution, tenantID *string
		completed                      sql.NullTime
	)
	if err := row.Scan(
		&t.ID, &t.IntentID, &t.Status, &reviewer, &t.Priority, &t.RiskLevel,
		&t.Trigger, &t.SLADeadline, &t.CreatedAt, &t.UpdatedAt,
		&completed, &resolution, &tenantID,
	); err != nil {
		return nil, err
	}
	t.Reviewer = deref(reviewer)
	t.Resolution = model.ReviewResolution(deref(resolution))
	t.TenantID = deref(tenantID)
	if completed.Valid {
		ts := completed.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}
