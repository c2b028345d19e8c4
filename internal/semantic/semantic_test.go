package semantic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

func newService(t *testing.T) (*Service, *memstore.Store, *eventlog.Log) {
	t.Helper()
	st := memstore.New()
	log := eventlog.New(st, nil)
	return New(st, log, nil, nil), st, log
}

func seedIntent(t *testing.T, st *memstore.Store, intent model.Intent) {
	t.Helper()
	if intent.Source == "" {
		intent.Source = "feature/" + intent.ID
	}
	if intent.Target == "" {
		intent.Target = "main"
	}
	if intent.Status == "" {
		intent.Status = model.StatusReady
	}
	if intent.RiskLevel == "" {
		intent.RiskLevel = model.RiskLow
	}
	require.NoError(t, st.UpsertIntent(context.Background(), intent))
}

func TestDeterministicProviderIsStable(t *testing.T) {
	p := NewDeterministicProvider(0)
	a, err := p.Embed("refactor billing ledger")
	require.NoError(t, err)
	b, err := p.Embed("refactor billing ledger")
	require.NoError(t, err)
	c, err := p.Embed("something else entirely")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-9)
	assert.Less(t, CosineSimilarity(a, c), 0.99)

	// Unit vector.
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestCanonicalTextIsOrderIndependent(t *testing.T) {
	base := model.Intent{
		ID: "a", Source: "feature/a", Target: "main", RiskLevel: model.RiskLow,
		Semantic:     map[string]any{"goal": "dedupe invoices", "area": "billing"},
		Technical:    model.Technical{ScopeHints: []string{"billing", "ledger"}},
		Dependencies: []string{"dep-2", "dep-1"},
	}
	shuffled := base
	shuffled.Semantic = map[string]any{"area": "billing", "goal": "dedupe invoices"}
	shuffled.Technical = model.Technical{ScopeHints: []string{"ledger", "billing"}}
	shuffled.Dependencies = []string{"dep-1", "dep-2"}

	links := []model.CommitLink{{SHA: "bbb", Role: "head"}, {SHA: "aaa", Role: "head"}}
	reversed := []model.CommitLink{{SHA: "aaa", Role: "head"}, {SHA: "bbb", Role: "head"}}

	assert.Equal(t, Checksum(CanonicalText(base, links)), Checksum(CanonicalText(shuffled, reversed)))
}

func TestSemanticTextDropsIntentID(t *testing.T) {
	a := model.Intent{ID: "a", Source: "feature/x", Target: "main", RiskLevel: model.RiskLow}
	b := model.Intent{ID: "b", Source: "feature/x", Target: "main", RiskLevel: model.RiskLow}
	assert.NotEqual(t, CanonicalText(a, nil), CanonicalText(b, nil))
	assert.Equal(t, SemanticText(a, nil), SemanticText(b, nil))
}

func TestIndexIntentSkipsWhenUnchanged(t *testing.T) {
	svc, st, log := newService(t)
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-1"})

	first, err := svc.IndexIntent(ctx, "acme/app:pr-1", false)
	require.NoError(t, err)
	assert.Equal(t, IndexStatusIndexed, first.Status)
	assert.Equal(t, "deterministic-v1", first.Model)

	second, err := svc.IndexIntent(ctx, "acme/app:pr-1", false)
	require.NoError(t, err)
	assert.Equal(t, IndexStatusSkipped, second.Status)
	assert.Equal(t, "up_to_date", second.Reason)

	forced, err := svc.IndexIntent(ctx, "acme/app:pr-1", true)
	require.NoError(t, err)
	assert.Equal(t, IndexStatusIndexed, forced.Status)

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventEmbeddingGenerated, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	emb, err := st.GetEmbedding(ctx, "acme/app:pr-1", "deterministic-v1")
	require.NoError(t, err)
	assert.Equal(t, 64, emb.Dimension)
	assert.Len(t, emb.Vector, 64)
}

func TestReindexDryRunWritesNothing(t *testing.T) {
	svc, st, log := newService(t)
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "i-1"})
	seedIntent(t, st, model.Intent{ID: "i-2"})

	_, err := svc.IndexIntent(ctx, "i-1", false)
	require.NoError(t, err)

	summary, err := svc.Reindex(ctx, "", false, true)
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 1, summary.Skipped)

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventEmbeddingReindexed, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, events)

	summary, err = svc.Reindex(ctx, "", false, false)
	require.NoError(t, err)
	assert.False(t, summary.DryRun)
	assert.Equal(t, 1, summary.Indexed)

	events, err = log.Query(ctx, model.EventQuery{Type: model.EventEmbeddingReindexed, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// Two intents with identical semantic descriptions on the same target,
// from different plans, embed identically under the deterministic
// provider and must surface as a conflict.
func conflictPair(t *testing.T, svc *Service, st *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	desc := map[string]any{"goal": "rewrite invoice dedupe"}
	scopes := []string{"billing", "invoices"}
	seedIntent(t, st, model.Intent{
		ID: "acme/app:pr-1", Source: "feature/x", PlanID: "plan-a",
		Semantic: desc, Technical: model.Technical{ScopeHints: scopes},
		CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	seedIntent(t, st, model.Intent{
		ID: "acme/app:pr-2", Source: "feature/x", PlanID: "plan-b",
		Semantic: desc, Technical: model.Technical{ScopeHints: scopes},
		CreatedAt: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
	})
	_, err := svc.Reindex(ctx, "", false, false)
	require.NoError(t, err)
}

func TestScanDetectsDuplicateWork(t *testing.T) {
	svc, st, log := newService(t)
	ctx := context.Background()
	conflictPair(t, svc, st)

	report, err := svc.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, "shadow", report.Mode)
	require.Len(t, report.Detected, 1)

	c := report.Detected[0]
	assert.InDelta(t, 1.0, c.Similarity, 1e-4)
	assert.Equal(t, 1.0, c.TargetOverlap)
	assert.Equal(t, 1.0, c.ScopeOverlap)
	// 0.6*1 + 0.2*1 + 0.2*1
	assert.InDelta(t, 1.0, c.Score, 1e-4)
	assert.Equal(t, "plan-a", c.PlanA)
	assert.Equal(t, "plan-b", c.PlanB)

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventSemanticConflictDetected, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "main", events[0].Payload["target"])
	assert.Equal(t, DefaultConflictThreshold, events[0].Evidence["conflict_threshold"])
}

func TestScanSkipsSamePlanPairs(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	desc := map[string]any{"goal": "split the settlement job"}
	seedIntent(t, st, model.Intent{ID: "i-1", PlanID: "plan-a", Semantic: desc})
	seedIntent(t, st, model.Intent{ID: "i-2", PlanID: "plan-a", Semantic: desc})
	_, err := svc.Reindex(ctx, "", false, false)
	require.NoError(t, err)

	report, err := svc.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Detected)
}

func TestScanIgnoresMergedIntents(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	desc := map[string]any{"goal": "port the export pipeline"}
	seedIntent(t, st, model.Intent{ID: "i-1", PlanID: "plan-a", Semantic: desc})
	seedIntent(t, st, model.Intent{ID: "i-2", PlanID: "plan-b", Semantic: desc, Status: model.StatusMerged})
	_, err := svc.Reindex(ctx, "", false, false)
	require.NoError(t, err)

	report, err := svc.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Detected)
}

func TestScanEnforceOpensReviewOnNewerIntent(t *testing.T) {
	svc, st, log := newService(t)
	ctx := context.Background()
	conflictPair(t, svc, st)

	reviews := review.New(st, log, nil)
	report, err := svc.Scan(ctx, ScanOptions{Mode: "enforce", Reviews: reviews})
	require.NoError(t, err)
	require.Len(t, report.Detected, 1)

	tasks, err := st.ListReviewTasks(ctx, model.ReviewFilter{IntentID: "acme/app:pr-2"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TriggerConflict, tasks[0].Trigger)
}

func TestResolveClearsOpenConflict(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	conflictPair(t, svc, st)

	_, err := svc.Scan(ctx, ScanOptions{})
	require.NoError(t, err)

	open, err := svc.OpenConflicts(ctx, "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "acme/app:pr-1", open[0].IntentA)
	assert.Equal(t, "acme/app:pr-2", open[0].IntentB)

	// Pair order in the resolution does not matter.
	require.NoError(t, svc.Resolve(ctx, "acme/app:pr-2", "acme/app:pr-1", "superseded", "alex", ""))

	open, err = svc.OpenConflicts(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}
