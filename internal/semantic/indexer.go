package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

const reindexIntentLimit = 100000

// Index statuses.
const (
	IndexStatusIndexed = "indexed"
	IndexStatusSkipped = "skipped"
	IndexStatusError   = "error"
)

// Service generates embeddings and scans for semantic conflicts.
type Service struct {
	store    store.Store
	log      *eventlog.Log
	provider Provider
	logger   *slog.Logger
}

// New builds the semantic service. A nil provider uses the
// deterministic hash provider.
func New(st store.Store, log *eventlog.Log, provider Provider, logger *slog.Logger) *Service {
	if provider == nil {
		provider = NewDeterministicProvider(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, log: log, provider: provider, logger: logger}
}

// IndexResult reports indexing of one intent.
type IndexResult struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Model    string `json:"model,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// IndexIntent embeds one intent and persists the vector. An unchanged
// canonical checksum skips the work unless force is set.
func (s *Service) IndexIntent(ctx context.Context, intentID string, force bool) (*IndexResult, error) {
	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("semantic: index %s: %w", intentID, err)
	}
	links, err := s.store.ListCommitLinks(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("semantic: index %s: %w", intentID, err)
	}

	checksum := Checksum(CanonicalText(*intent, links))
	if !force {
		existing, err := s.store.GetEmbedding(ctx, intentID, s.provider.ModelName())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("semantic: index %s: %w", intentID, err)
		}
		if existing != nil && existing.Checksum == checksum {
			return &IndexResult{IntentID: intentID, Status: IndexStatusSkipped, Reason: "up_to_date"}, nil
		}
	}

	vector, err := s.provider.Embed(SemanticText(*intent, links))
	if err != nil {
		return nil, fmt.Errorf("semantic: index %s: %w", intentID, err)
	}
	if err := s.store.UpsertEmbedding(ctx, model.EmbeddingRecord{
		IntentID:    intentID,
		Model:       s.provider.ModelName(),
		Dimension:   s.provider.Dimension(),
		Checksum:    checksum,
		Vector:      vector,
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("semantic: index %s: %w", intentID, err)
	}

	if _, err := s.log.Append(ctx, model.Event{
		Type:     model.EventEmbeddingGenerated,
		IntentID: intentID,
		TenantID: intent.TenantID,
		Payload: map[string]any{
			"model":     s.provider.ModelName(),
			"dimension": s.provider.Dimension(),
			"checksum":  checksum,
		},
	}); err != nil {
		return nil, err
	}
	return &IndexResult{
		IntentID: intentID,
		Status:   IndexStatusIndexed,
		Model:    s.provider.ModelName(),
		Checksum: checksum,
	}, nil
}

// ReindexSummary aggregates a batch reindex.
type ReindexSummary struct {
	Total    int           `json:"total"`
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Model    string        `json:"model"`
	DryRun   bool          `json:"dry_run"`
	TenantID string        `json:"tenant_id,omitempty"`
	Failures []IndexResult `json:"failures,omitempty"`
}

// Reindex embeds every intent (optionally per tenant). Dry run reports
// what would change without writing. Per-intent failures are collected,
// not fatal.
func (s *Service) Reindex(ctx context.Context, tenantID string, force, dryRun bool) (*ReindexSummary, error) {
	intents, err := s.store.ListIntents(ctx, model.IntentFilter{TenantID: tenantID, Limit: reindexIntentLimit})
	if err != nil {
		return nil, fmt.Errorf("semantic: reindex: %w", err)
	}

	summary := &ReindexSummary{
		Total:    len(intents),
		Model:    s.provider.ModelName(),
		DryRun:   dryRun,
		TenantID: tenantID,
	}
	for _, intent := range intents {
		if dryRun {
			changed, err := s.wouldIndex(ctx, intent, force)
			if err != nil {
				summary.Failed++
				continue
			}
			if changed {
				summary.Indexed++
			} else {
				summary.Skipped++
			}
			continue
		}

		res, err := s.IndexIntent(ctx, intent.ID, force)
		if err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, IndexResult{
				IntentID: intent.ID, Status: IndexStatusError, Reason: err.Error(),
			})
			continue
		}
		if res.Status == IndexStatusIndexed {
			summary.Indexed++
		} else {
			summary.Skipped++
		}
	}

	if !dryRun {
		if _, err := s.log.Append(ctx, model.Event{
			Type:     model.EventEmbeddingReindexed,
			TenantID: tenantID,
			Payload: map[string]any{
				"total":   summary.Total,
				"indexed": summary.Indexed,
				"skipped": summary.Skipped,
				"failed":  summary.Failed,
				"model":   summary.Model,
			},
			Evidence: map[string]any{"total": summary.Total, "indexed": summary.Indexed},
		}); err != nil {
			return nil, err
		}
	}
	return summary, nil
}

func (s *Service) wouldIndex(ctx context.Context, intent model.Intent, force bool) (bool, error) {
	if force {
		return true, nil
	}
	links, err := s.store.ListCommitLinks(ctx, intent.ID)
	if err != nil {
		return false, err
	}
	checksum := Checksum(CanonicalText(intent, links))
	existing, err := s.store.GetEmbedding(ctx, intent.ID, s.provider.ModelName())
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return existing.Checksum != checksum, nil
}
