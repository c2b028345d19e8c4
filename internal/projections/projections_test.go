package projections

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

func newProjector(t *testing.T) (*Projector, *memstore.Store, *eventlog.Log) {
	t.Helper()
	st := memstore.New()
	log := eventlog.New(st, nil)
	return New(st, log, nil), st, log
}

func appendEvent(t *testing.T, log *eventlog.Log, e model.Event) {
	t.Helper()
	_, err := log.Append(context.Background(), e)
	require.NoError(t, err)
}

func TestRepoHealthQuietWindow(t *testing.T) {
	p, _, _ := newProjector(t)

	snap, err := p.RepoHealth(context.Background(), "", 24)
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.RepoHealthScore)
	assert.Equal(t, 1.0, snap.MergeableRate)
	assert.Equal(t, "green", snap.Status)
}

func TestRepoHealthFormula(t *testing.T) {
	p, _, log := newProjector(t)
	ctx := context.Background()

	appendEvent(t, log, model.Event{Type: model.EventSimulationCompleted, Payload: map[string]any{"mergeable": true}})
	appendEvent(t, log, model.Event{Type: model.EventSimulationCompleted, Payload: map[string]any{"mergeable": false}})
	appendEvent(t, log, model.Event{Type: model.EventRiskEvaluated, Payload: map[string]any{"entropy_score": 20.0}})
	appendEvent(t, log, model.Event{Type: model.EventIntentRejected, IntentID: "a"})

	snap, err := p.RepoHealth(ctx, "", 24)
	require.NoError(t, err)
	// 100 - 0.5*30 - 20*0.5 - 1*1.5
	assert.Equal(t, 73.5, snap.RepoHealthScore)
	assert.Equal(t, "green", snap.Status)
	assert.Equal(t, 0.5, snap.ConflictRate)
	assert.Equal(t, 1, snap.Rejected)

	snaps, err := log.Query(ctx, model.EventQuery{Type: model.EventHealthSnapshot, Limit: 10})
	require.NoError(t, err)
	require.Len(t, snaps, 1, "snapshot event emitted")
	assert.Equal(t, 73.5, snaps[0].Payload["repo_health_score"])
}

func TestIntentHealthDefaults(t *testing.T) {
	p, _, log := newProjector(t)
	ctx := context.Background()

	snap, err := p.IntentHealth(ctx, "repo:pr-1", "")
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.HealthScore)
	assert.True(t, snap.Mergeable)
	assert.Equal(t, "unknown", snap.PolicyVerdict)

	appendEvent(t, log, model.Event{
		Type: model.EventRiskEvaluated, IntentID: "repo:pr-1",
		Payload: map[string]any{"risk_score": 40.0, "entropy_score": 10.0},
	})
	appendEvent(t, log, model.Event{
		Type: model.EventSimulationCompleted, IntentID: "repo:pr-1",
		Payload: map[string]any{"mergeable": false},
	})

	snap, err = p.IntentHealth(ctx, "repo:pr-1", "")
	require.NoError(t, err)
	// 100 - 40*0.5 - 10*0.3 - 30
	assert.Equal(t, 47.0, snap.HealthScore)
	assert.Equal(t, "yellow", snap.Status)
	assert.NotEmpty(t, snap.Learning.Lessons)
}

func TestVerificationDebtIdleSystem(t *testing.T) {
	p, _, _ := newProjector(t)

	snap, err := p.VerificationDebt(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.DebtScore)
	assert.Equal(t, "green", snap.Status)
}

func TestVerificationDebtPressure(t *testing.T) {
	p, st, log := newProjector(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		require.NoError(t, st.UpsertIntent(ctx, model.Intent{
			ID: id, Status: model.StatusReady, CreatedAt: old, Retries: 1,
		}))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, st.UpsertReviewTask(ctx, model.ReviewTask{
			ID: string(rune('a' + i)), IntentID: "a", Status: model.ReviewPending,
		}))
	}
	appendEvent(t, log, model.Event{Type: model.EventSimulationCompleted, Payload: map[string]any{"mergeable": false}})

	snap, err := p.VerificationDebt(ctx, "")
	require.NoError(t, err)
	// staleness 25 + queue 0.2*20 + reviews 25 + conflict 0.7*15 + retries 15
	assert.Equal(t, 79.5, snap.DebtScore)
	assert.Equal(t, "red", snap.Status)
	assert.Equal(t, 25.0, snap.StalenessScore)
	assert.Equal(t, 4.0, snap.QueuePressureScore)
	assert.Equal(t, 10, snap.Breakdown["stale_intents"])
}

func TestQueueStateOrdering(t *testing.T) {
	p, st, _ := newProjector(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertIntent(ctx, model.Intent{ID: "low", Status: model.StatusReady, Priority: 5}))
	require.NoError(t, st.UpsertIntent(ctx, model.Intent{ID: "urgent", Status: model.StatusQueued, Priority: 1}))
	require.NoError(t, st.UpsertIntent(ctx, model.Intent{ID: "done", Status: model.StatusMerged}))

	snap, err := p.QueueState(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Total)
	require.Len(t, snap.Pending, 2)
	assert.Equal(t, "urgent", snap.Pending[0].IntentID)
	assert.Equal(t, 1, snap.ByStatus["MERGED"])
}

func TestAgentPerformance(t *testing.T) {
	p, _, log := newProjector(t)
	ctx := context.Background()

	appendEvent(t, log, model.Event{Type: model.EventIntentMerged, AgentID: "bot-1", IntentID: "a"})
	appendEvent(t, log, model.Event{Type: model.EventIntentMerged, AgentID: "bot-1", IntentID: "b"})
	appendEvent(t, log, model.Event{Type: model.EventIntentRejected, AgentID: "bot-1", IntentID: "c"})
	appendEvent(t, log, model.Event{Type: model.EventIntentMerged, AgentID: "bot-2", IntentID: "d"})

	perf, err := p.AgentPerformanceFor(ctx, "bot-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, perf.Merged)
	assert.Equal(t, 1, perf.Rejected)
	assert.Equal(t, 0.667, perf.SuccessRate)
	assert.InDelta(t, 68.7, perf.TrustScore, 0.1)
}

func TestPredictHealthNotEnoughData(t *testing.T) {
	p, _, _ := newProjector(t)

	pred, err := p.PredictHealth(context.Background(), "", 7)
	require.NoError(t, err)
	assert.Equal(t, "unknown", pred.ProjectedStatus)
	assert.Equal(t, "low", pred.Confidence)
	assert.False(t, pred.ShouldGate)
}

func TestPredictHealthDecliningTrajectory(t *testing.T) {
	p, _, log := newProjector(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-4 * time.Hour)

	for i, score := range []float64{80, 80, 40, 40} {
		appendEvent(t, log, model.Event{
			Type:      model.EventHealthSnapshot,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Payload:   map[string]any{"repo_health_score": score, "entropy_score": 0.0, "conflict_rate": 0.0},
		})
	}

	pred, err := p.PredictHealth(ctx, "", 7)
	require.NoError(t, err)
	assert.Equal(t, "yellow", pred.CurrentStatus)
	assert.Equal(t, "red", pred.ProjectedStatus)
	assert.True(t, pred.ShouldGate)
	assert.Equal(t, -40.0, pred.Velocity.Health)

	var gateSignal bool
	for _, s := range pred.Signals {
		if s.Signal == "predict.approaching_red" {
			gateSignal = true
		}
	}
	assert.True(t, gateSignal)
}

func TestComplianceDefaults(t *testing.T) {
	p, _, _ := newProjector(t)

	report, err := p.Compliance(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Len(t, report.Checks, 5)
}

func TestComplianceConflictBreach(t *testing.T) {
	p, _, log := newProjector(t)
	ctx := context.Background()

	appendEvent(t, log, model.Event{Type: model.EventSimulationCompleted, Payload: map[string]any{"mergeable": false}})

	report, err := p.Compliance(ctx, "")
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.NotEmpty(t, report.Alerts)
	assert.Equal(t, 1.0, report.ConflictRate)
}

func TestComplianceStoredThresholds(t *testing.T) {
	p, st, log := newProjector(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertComplianceThresholds(ctx, model.ComplianceThresholds{
		MinReviewCoverage: 0.9,
		MaxOpenCritical:   0,
		MaxSLABreaches:    0,
	}))
	appendEvent(t, log, model.Event{Type: model.EventIntentMerged, IntentID: "repo:pr-9"})

	report, err := p.Compliance(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.ReviewCoverage)
	assert.False(t, report.Passed, "merged without review misses 0.9 coverage floor")
}
