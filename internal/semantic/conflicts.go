package semantic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/store"
)

// Scan thresholds and heuristic weights.
const (
	DefaultSimilarityThreshold = 0.70
	DefaultConflictThreshold   = 0.60

	weightSimilarity = 0.6
	weightTarget     = 0.2
	weightScope      = 0.2

	activeIntentLimit = 10000
	conflictListLimit = 50
)

// Candidate is a pair of intents with high embedding similarity.
type Candidate struct {
	IntentA    string  `json:"intent_a"`
	IntentB    string  `json:"intent_b"`
	Similarity float64 `json:"similarity"`
	Target     string  `json:"target"`
}

// Conflict is a scored candidate above the conflict threshold.
type Conflict struct {
	IntentA       string  `json:"intent_a"`
	IntentB       string  `json:"intent_b"`
	Score         float64 `json:"score"`
	Similarity    float64 `json:"similarity"`
	TargetOverlap float64 `json:"target_overlap"`
	ScopeOverlap  float64 `json:"scope_overlap"`
	Target        string  `json:"target"`
	PlanA         string  `json:"plan_a,omitempty"`
	PlanB         string  `json:"plan_b,omitempty"`
}

// ScanReport is one full conflict scan.
type ScanReport struct {
	Conflicts         int        `json:"conflicts"`
	CandidatesChecked int        `json:"candidates_checked"`
	Mode              string     `json:"mode"`
	Threshold         float64    `json:"threshold"`
	Detected          []Conflict `json:"detected,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// ScanOptions tunes a conflict scan.
type ScanOptions struct {
	TenantID            string
	Target              string
	SimilarityThreshold float64
	ConflictThreshold   float64
	// Mode shadow detects and records; enforce additionally opens a
	// review task on the newer intent of each conflicting pair.
	Mode    string
	Reviews *review.Service
}

var activeStatuses = []model.IntentStatus{
	model.StatusReady, model.StatusValidated, model.StatusQueued,
}

// Candidates finds pairs of active intents on the same target branch,
// from different plans, whose embeddings exceed the similarity
// threshold. Intents sharing a plan are the generator's own coherence
// problem, not a conflict.
func (s *Service) Candidates(ctx context.Context, opts ScanOptions) ([]Candidate, error) {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}

	var intents []model.Intent
	for _, status := range activeStatuses {
		batch, err := s.store.ListIntents(ctx, model.IntentFilter{
			Status: status, TenantID: opts.TenantID, Limit: activeIntentLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("semantic: candidates: %w", err)
		}
		intents = append(intents, batch...)
	}
	if opts.Target != "" {
		filtered := intents[:0]
		for _, i := range intents {
			if i.Target == opts.Target {
				filtered = append(filtered, i)
			}
		}
		intents = filtered
	}
	if len(intents) < 2 {
		return nil, nil
	}

	vectors := map[string][]float32{}
	for _, intent := range intents {
		emb, err := s.store.GetEmbedding(ctx, intent.ID, s.provider.ModelName())
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("semantic: candidates: %w", err)
		}
		if len(emb.Vector) > 0 {
			vectors[intent.ID] = emb.Vector
		}
	}

	byTarget := map[string][]model.Intent{}
	for _, intent := range intents {
		byTarget[intent.Target] = append(byTarget[intent.Target], intent)
	}

	var candidates []Candidate
	for target, group := range byTarget {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if a.PlanID != "" && a.PlanID == b.PlanID {
					continue
				}
				va, okA := vectors[a.ID]
				vb, okB := vectors[b.ID]
				if !okA || !okB {
					continue
				}
				sim := CosineSimilarity(va, vb)
				if sim >= opts.SimilarityThreshold {
					candidates = append(candidates, Candidate{
						IntentA:    a.ID,
						IntentB:    b.ID,
						Similarity: round4(sim),
						Target:     target,
					})
				}
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].IntentA < candidates[j].IntentA
	})
	return candidates, nil
}

// Scan generates candidates, scores them with the weighted heuristics
// (60% similarity, 20% target overlap, 20% scope overlap), and emits
// semantic.conflict_detected for each pair above the conflict
// threshold.
func (s *Service) Scan(ctx context.Context, opts ScanOptions) (*ScanReport, error) {
	if opts.ConflictThreshold <= 0 {
		opts.ConflictThreshold = DefaultConflictThreshold
	}
	if opts.Mode == "" {
		opts.Mode = "shadow"
	}

	candidates, err := s.Candidates(ctx, opts)
	if err != nil {
		return nil, err
	}

	report := &ScanReport{
		CandidatesChecked: len(candidates),
		Mode:              opts.Mode,
		Threshold:         opts.ConflictThreshold,
		Timestamp:         time.Now().UTC(),
	}
	for _, cand := range candidates {
		a, err := s.store.GetIntent(ctx, cand.IntentA)
		if err != nil {
			continue
		}
		b, err := s.store.GetIntent(ctx, cand.IntentB)
		if err != nil {
			continue
		}

		conflict := scoreConflict(cand, *a, *b)
		if conflict.Score < opts.ConflictThreshold {
			continue
		}
		report.Detected = append(report.Detected, conflict)

		if _, err := s.log.Append(ctx, model.Event{
			Type:     model.EventSemanticConflictDetected,
			IntentID: conflict.IntentA,
			TenantID: opts.TenantID,
			Payload: map[string]any{
				"intent_a":       conflict.IntentA,
				"intent_b":       conflict.IntentB,
				"score":          conflict.Score,
				"similarity":     conflict.Similarity,
				"target_overlap": conflict.TargetOverlap,
				"scope_overlap":  conflict.ScopeOverlap,
				"target":         conflict.Target,
				"mode":           opts.Mode,
			},
			Evidence: map[string]any{
				"plan_a":             conflict.PlanA,
				"plan_b":             conflict.PlanB,
				"conflict_threshold": opts.ConflictThreshold,
			},
		}); err != nil {
			return nil, err
		}

		if opts.Mode == "enforce" && opts.Reviews != nil {
			newer := newerIntent(*a, *b)
			if _, err := opts.Reviews.Request(ctx, newer, review.RequestOptions{
				Trigger:  model.TriggerConflict,
				TenantID: opts.TenantID,
			}); err != nil {
				s.logger.Warn("conflict review request failed",
					"intent_id", newer, "error", err)
			}
		}
	}
	report.Conflicts = len(report.Detected)
	return report, nil
}

// Resolve marks a conflicting pair as handled.
func (s *Service) Resolve(ctx context.Context, intentA, intentB, resolution, resolvedBy, tenantID string) error {
	if resolution == "" {
		resolution = "acknowledged"
	}
	_, err := s.log.Append(ctx, model.Event{
		Type:     model.EventSemanticResolved,
		IntentID: intentA,
		TenantID: tenantID,
		Payload: map[string]any{
			"intent_a":    intentA,
			"intent_b":    intentB,
			"resolution":  resolution,
			"resolved_by": resolvedBy,
		},
	})
	return err
}

// OpenConflicts lists detected conflicts whose pair has no resolution
// event yet.
func (s *Service) OpenConflicts(ctx context.Context, tenantID string) ([]Conflict, error) {
	resolved, err := s.log.Query(ctx, model.EventQuery{
		Type: model.EventSemanticResolved, TenantID: tenantID, Limit: conflictListLimit * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: open conflicts: %w", err)
	}
	resolvedPairs := map[[2]string]struct{}{}
	for _, e := range resolved {
		resolvedPairs[pairKey(e.Payload)] = struct{}{}
	}

	detected, err := s.log.Query(ctx, model.EventQuery{
		Type: model.EventSemanticConflictDetected, TenantID: tenantID, Limit: conflictListLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: open conflicts: %w", err)
	}

	var out []Conflict
	seen := map[[2]string]struct{}{}
	for _, e := range detected {
		key := pairKey(e.Payload)
		if _, ok := resolvedPairs[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Conflict{
			IntentA:       key[0],
			IntentB:       key[1],
			Score:         floatOr(e.Payload, "score"),
			Similarity:    floatOr(e.Payload, "similarity"),
			TargetOverlap: floatOr(e.Payload, "target_overlap"),
			ScopeOverlap:  floatOr(e.Payload, "scope_overlap"),
			Target:        stringOr(e.Payload, "target"),
		})
	}
	return out, nil
}

func scoreConflict(cand Candidate, a, b model.Intent) Conflict {
	targetOverlap := 0.0
	if a.Target == b.Target {
		targetOverlap = 1.0
	}
	scopeOverlap := jaccard(a.Technical.ScopeHints, b.Technical.ScopeHints)

	return Conflict{
		IntentA:       cand.IntentA,
		IntentB:       cand.IntentB,
		Score:         round4(weightSimilarity*cand.Similarity + weightTarget*targetOverlap + weightScope*scopeOverlap),
		Similarity:    cand.Similarity,
		TargetOverlap: targetOverlap,
		ScopeOverlap:  scopeOverlap,
		Target:        cand.Target,
		PlanA:         a.PlanID,
		PlanB:         b.PlanID,
	}
}

func jaccard(a, b []string) float64 {
	setA := map[string]struct{}{}
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := map[string]struct{}{}
	for _, s := range b {
		setB[s] = struct{}{}
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func newerIntent(a, b model.Intent) string {
	if b.CreatedAt.After(a.CreatedAt) {
		return b.ID
	}
	return a.ID
}

func pairKey(p map[string]any) [2]string {
	a := stringOr(p, "intent_a")
	b := stringOr(p, "intent_b")
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

func stringOr(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func floatOr(p map[string]any, key string) float64 {
	f, _ := p[key].(float64)
	return f
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
