package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
)

// UpsertFlag inserts or replaces a persisted feature-flag override.
// Idempotent across identical payloads.
func (db *DB) UpsertFlag(ctx context.Context, f model.FlagRecord) error {
	_, err := db.q.Exec(ctx,
		`INSERT INTO feature_flags (name, enabled, mode, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET
		   enabled = EXCLUDED.enabled,
		   mode = EXCLUDED.mode,
		   updated_at = EXCLUDED.updated_at`,
		f.Name, f.Enabled, nullable(f.Mode), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert flag: %w", err)
	}
	return nil
}

// ListFlags returns all persisted flag overrides.
func (db *DB) ListFlags(ctx context.Context) ([]model.FlagRecord, error) {
	rows, err := db.q.Query(ctx,
		`SELECT name, enabled, mode, updated_at FROM feature_flags ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list flags: %w", err)
	}
	defer rows.Close()

	var flags []model.FlagRecord
	for rows.Next() {
		var (
			f    model.FlagRecord
			mode *string
		)
		if err := rows.Scan(&f.Name, &f.Enabled, &mode, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan flag: %w", err)
		}
		f.Mode = deref(mode)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}
