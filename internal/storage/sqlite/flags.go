package sqlite

import (
	"context"
	"fmt"

	"github.com/ghmbegerez/converge/internal/model"
)

// UpsertFlag inserts or replaces a feature flag override.
func (db *DB) UpsertFlag(ctx context.Context, f model.FlagRecord) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO feature_flags (name, enabled, mode, updated_at)
		 VALUES (?,?,?,?)
		 ON CONFLICT (name) DO UPDATE SET
		   enabled = excluded.enabled,
		   mode = excluded.mode,
		   updated_at = excluded.updated_at`,
		f.Name, f.Enabled, nullable(f.Mode), f.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert flag: %w", err)
	}
	return nil
}

// ListFlags returns all persisted flag overrides.
func (db *DB) ListFlags(ctx context.Context) ([]model.FlagRecord, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT name, enabled, mode, updated_at FROM feature_flags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list flags: %w", err)
	}
	defer rows.Close()

	var flags []model.FlagRecord
	for rows.Next() {
		var (
			f    model.FlagRecord
			mode *string
		)
		if err := rows.Scan(&f.Name, &f.Enabled, &mode, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan flag: %w", err)
		}
		f.Mode = deref(mode)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}
