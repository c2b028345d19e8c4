package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// UpsertEmbedding stores an intent embedding on the (intent_id, model)
// key. The vector column uses pgvector.
func (db *DB) UpsertEmbedding(ctx context.Context, r model.EmbeddingRecord) error {
	_, err := db.q.Exec(ctx,
		`INSERT INTO intent_embeddings (intent_id, model, dimension, checksum, vector, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (intent_id, model) DO UPDATE SET
		   dimension = EXCLUDED.dimension,
		   checksum = EXCLUDED.checksum,
		   vector = EXCLUDED.vector,
		   generated_at = EXCLUDED.generated_at`,
		r.IntentID, r.Model, r.Dimension, r.Checksum,
		pgvector.NewVector(r.Vector), r.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert embedding: %w", err)
	}
	return nil
}

// GetEmbedding returns the stored embedding for (intentID, model).
func (db *DB) GetEmbedding(ctx context.Context, intentID, embModel string) (*model.EmbeddingRecord, error) {
	var (
		r   model.EmbeddingRecord
		vec pgvector.Vector
	)
	err := db.q.QueryRow(ctx,
		`SELECT intent_id, model, dimension, checksum, vector, generated_at
		 FROM intent_embeddings WHERE intent_id = $1 AND model = $2`,
		intentID, embModel,
	).Scan(&r.IntentID, &r.Model, &r.Dimension, &r.Checksum, &vec, &r.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get embedding: %w", err)
	}
	r.Vector = vec.Slice()
	return &r, nil
}

// SimilarIntents returns other intents ordered by cosine similarity to
// the given intent's stored embedding. Uses the pgvector cosine distance
// operator; similarity = 1 - distance.
func (db *DB) SimilarIntents(ctx context.Context, intentID, embModel string, limit int) ([]store.SimilarIntent, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.q.Query(ctx,
		`SELECT e.intent_id, 1 - (e.vector <=> ref.vector) AS similarity
		 FROM intent_embeddings e,
		      (SELECT vector FROM intent_embeddings WHERE intent_id = $1 AND model = $2) ref
		 WHERE e.model = $2 AND e.intent_id != $1
		 ORDER BY e.vector <=> ref.vector ASC
		 LIMIT $3`,
		intentID, embModel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: similar intents: %w", err)
	}
	defer rows.Close()

	var hits []store.SimilarIntent
	for rows.Next() {
		var h store.SimilarIntent
		if err := rows.Scan(&h.IntentID, &h.Similarity); err != nil {
			return nil, fmt.Errorf("storage: scan similar intent: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
