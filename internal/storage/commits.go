package storage

import (
	"context"
	"fmt"

	"github.com/ghmbegerez/converge/internal/model"
)

// RecordCommitLink upserts a commit observation on the composite
// (intent_id, sha, role) key.
func (db *DB) RecordCommitLink(ctx context.Context, l model.CommitLink) error {
	_, err := db.q.Exec(ctx,
		`INSERT INTO intent_commit_links (intent_id, repo, sha, role, observed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (intent_id, sha, role) DO UPDATE SET
		   repo = EXCLUDED.repo,
		   observed_at = EXCLUDED.observed_at`,
		l.IntentID, l.Repo, l.SHA, l.Role, l.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record commit link: %w", err)
	}
	return nil
}

// ListCommitLinks returns all commit observations for an intent, newest
// first.
func (db *DB) ListCommitLinks(ctx context.Context, intentID string) ([]model.CommitLink, error) {
	rows, err := db.q.Query(ctx,
		`SELECT intent_id, repo, sha, role, observed_at
		 FROM intent_commit_links WHERE intent_id = $1
		 ORDER BY observed_at DESC`, intentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list commit links: %w", err)
	}
	defer rows.Close()

	var links []model.CommitLink
	for rows.Next() {
		var l model.CommitLink
		if err := rows.Scan(&l.IntentID, &l.Repo, &l.SHA, &l.Role, &l.ObservedAt); err != nil {
			return nil, fmt.Errorf("storage: scan commit link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
