package storage

import (
	"context"
	"fmt"
	"time"
)

// IsDuplicateDelivery reports whether a webhook delivery id was already
// recorded.
func (db *DB) IsDuplicateDelivery(ctx context.Context, deliveryID string) (bool, error) {
	var exists bool
	err := db.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_deliveries WHERE delivery_id = $1)`, deliveryID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check delivery: %w", err)
	}
	return exists, nil
}

// RecordDelivery is insert-or-ignore. Returns false when the delivery id
// already existed — the caller must treat the request as a duplicate and
// produce no further side effects.
func (db *DB) RecordDelivery(ctx context.Context, deliveryID string) (bool, error) {
	tag, err := db.q.Exec(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, received_at)
		 VALUES ($1, $2)
		 ON CONFLICT (delivery_id) DO NOTHING`,
		deliveryID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: record delivery: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CleanupDeliveries removes dedup rows older than the cutoff.
func (db *DB) CleanupDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.q.Exec(ctx,
		`DELETE FROM webhook_deliveries WHERE received_at < $1`, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
