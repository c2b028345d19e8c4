package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// UpsertEmbedding stores an intent embedding. Vectors are JSON-encoded;
// similarity search runs in process since sqlite has no vector type.
func (db *DB) UpsertEmbedding(ctx context.Context, r model.EmbeddingRecord) error {
	vec, err := json.Marshal(r.Vector)
	if err != nil {
		return fmt.Errorf("sqlite: marshal embedding vector: %w", err)
	}
	_, err = db.q.ExecContext(ctx,
		`INSERT INTO intent_embeddings (intent_id, model, dimension, checksum, vector, generated_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT (intent_id, model) DO UPDATE SET
		   dimension = excluded.dimension,
		   checksum = excluded.checksum,
		   vector = excluded.vector,
		   generated_at = excluded.generated_at`,
		r.IntentID, r.Model, r.Dimension, r.Checksum, string(vec), r.GeneratedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert embedding: %w", err)
	}
	return nil
}

// GetEmbedding returns the stored embedding for (intentID, embModel).
func (db *DB) GetEmbedding(ctx context.Context, intentID, embModel string) (*model.EmbeddingRecord, error) {
	var (
		r   model.EmbeddingRecord
		vec string
	)
	err := db.q.QueryRowContext(ctx,
		`SELECT intent_id, model, dimension, checksum, vector, generated_at
		 FROM intent_embeddings WHERE intent_id = ? AND model = ?`,
		intentID, embModel,
	).Scan(&r.IntentID, &r.Model, &r.Dimension, &r.Checksum, &vec, &r.GeneratedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get embedding: %w", err)
	}
	if err := json.Unmarshal([]byte(vec), &r.Vector); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal embedding vector: %w", err)
	}
	return &r, nil
}

// SimilarIntents ranks other intents by cosine similarity to the given
// intent's embedding, most similar first.
func (db *DB) SimilarIntents(ctx context.Context, intentID, embModel string, limit int) ([]store.SimilarIntent, error) {
	ref, err := db.GetEmbedding(ctx, intentID, embModel)
	if err != nil {
		return nil, err
	}

	rows, err := db.q.QueryContext(ctx,
		`SELECT intent_id, vector FROM intent_embeddings
		 WHERE model = ? AND intent_id != ?`, embModel, intentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: similar intents: %w", err)
	}
	defer rows.Close()

	var hits []store.SimilarIntent
	for rows.Next() {
		var (
			id  string
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan embedding: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal embedding vector: %w", err)
		}
		if len(vec) != len(ref.Vector) {
			continue
		}
		hits = append(hits, store.SimilarIntent{IntentID: id, Similarity: cosine(ref.Vector, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
