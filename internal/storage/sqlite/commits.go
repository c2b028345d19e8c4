package sqlite

import (
	"context"
	"fmt"

	"github.com/ghmbegerez/converge/internal/model"
)

// RecordCommitLink upserts an observed commit on (intent_id, sha, role).
func (db *DB) RecordCommitLink(ctx context.Context, l model.CommitLink) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO intent_commit_links (intent_id, repo, sha, role, observed_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT (intent_id, sha, role) DO UPDATE SET
		   observed_at = excluded.observed_at`,
		l.IntentID, l.Repo, l.SHA, l.Role, l.ObservedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record commit link: %w", err)
	}
	return nil
}

// ListCommitLinks returns the commits observed for one intent, oldest first.
func (db *DB) ListCommitLinks(ctx context.Context, intentID string) ([]model.CommitLink, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT intent_id, repo, sha, role, observed_at
		 FROM intent_commit_links WHERE intent_id = ? ORDER BY observed_at ASC`,
		intentID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list commit links: %w", err)
	}
	defer rows.Close()

	var links []model.CommitLink
	for rows.Next() {
		var l model.CommitLink
		if err := rows.Scan(&l.IntentID, &l.Repo, &l.SHA, &l.Role, &l.ObservedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan commit link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
