package analytics

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/risk"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

type logSCM struct {
	entries []scm.LogEntry
}

func (l *logSCM) SimulateMerge(_ context.Context, source, target, _ string) (*scm.Simulation, error) {
	return &scm.Simulation{Source: source, Target: target, Mergeable: true}, nil
}
func (l *logSCM) ExecuteMerge(_ context.Context, _, _, _ string) (string, error) {
	return "sha", nil
}
func (l *logSCM) LogEntries(_ context.Context, maxCommits int, _ string) ([]scm.LogEntry, error) {
	if maxCommits < len(l.entries) {
		return l.entries[:maxCommits], nil
	}
	return l.entries, nil
}

func historyFixture() []scm.LogEntry {
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return []scm.LogEntry{
		{SHA: "c1", Author: "alex", Timestamp: ts, Files: []string{"src/a.go", "src/b.go"}},
		{SHA: "c2", Author: "alex", Timestamp: ts, Files: []string{"src/a.go", "src/b.go"}},
		{SHA: "c3", Author: "alex", Timestamp: ts, Files: []string{"src/a.go"}},
		{SHA: "c4", Author: "sam", Timestamp: ts, Files: []string{"docs/readme.md"}},
	}
}

func newService(t *testing.T, entries []scm.LogEntry) (*Service, *memstore.Store, *eventlog.Log) {
	t.Helper()
	st := memstore.New()
	log := eventlog.New(st, nil)
	svc := New(st, log, &logSCM{entries: entries}, policy.DefaultConfig(), nil).
		WithSnapshotPath(filepath.Join(t.TempDir(), "snapshot.json"))
	return svc, st, log
}

func TestArchaeology(t *testing.T) {
	svc, _, _ := newService(t, historyFixture())

	report, err := svc.Archaeology(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Equal(t, 4, report.CommitsAnalyzed)

	require.NotEmpty(t, report.Hotspots)
	assert.Equal(t, Hotspot{File: "src/a.go", Changes: 3}, report.Hotspots[0])

	require.NotEmpty(t, report.Coupling)
	assert.Equal(t, "src/a.go", report.Coupling[0].FileA)
	assert.Equal(t, "src/b.go", report.Coupling[0].FileB)
	assert.Equal(t, 2, report.Coupling[0].CoChanges)

	require.Len(t, report.Authors, 2)
	assert.Equal(t, "alex", report.Authors[0].Author)
	assert.Equal(t, 3, report.Authors[0].Commits)
	assert.Equal(t, 2, report.Authors[0].FilesTouched)

	// Both authors carry at least 5% of four commits.
	assert.Equal(t, 2, report.BusFactor)
}

func TestArchaeologyNoHistory(t *testing.T) {
	svc, _, _ := newService(t, nil)

	_, err := svc.Archaeology(context.Background(), 0, "")
	require.ErrorIs(t, err, ErrNoHistory)
}

func TestRefreshSnapshotRoundTrip(t *testing.T) {
	svc, _, _ := newService(t, historyFixture())
	ctx := context.Background()

	res, err := svc.RefreshSnapshot(ctx, 0, "")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.FileExists(t, res.Path)

	// CouplingPairs must now come from the snapshot, not the log.
	svc.scm = &logSCM{}
	pairs, err := svc.CouplingPairs(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, pairs)
	assert.Equal(t, risk.CouplingPair{A: "src/a.go", B: "src/b.go", CoChanges: 2}, pairs[0])
}

func TestCouplingPairsQuickPassFiltersSingletons(t *testing.T) {
	// src/a.go+src/b.go co-change twice; docs pair only once.
	entries := append(historyFixture(),
		scm.LogEntry{SHA: "c5", Author: "sam", Files: []string{"docs/readme.md", "docs/guide.md"}})
	svc, _, _ := newService(t, entries)

	pairs, err := svc.CouplingPairs(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, pairs, 1, "pairs below the co-change floor are dropped")
	assert.Equal(t, "src/a.go", pairs[0].A)
}

func TestCouplingFromLinkedIntents(t *testing.T) {
	svc, st, _ := newService(t, nil)
	ctx := context.Background()

	for _, id := range []string{"acme/app:pr-1", "acme/app:pr-2"} {
		require.NoError(t, st.UpsertIntent(ctx, model.Intent{
			ID: id, Status: model.StatusMerged,
			Technical: model.Technical{ScopeHints: []string{"billing", "ledger"}},
		}))
		require.NoError(t, st.RecordCommitLink(ctx, model.CommitLink{
			IntentID: id, Repo: "acme/app", SHA: "sha-" + id, Role: model.CommitRoleHead,
		}))
	}

	pairs, err := svc.CouplingPairs(ctx, "")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, risk.CouplingPair{A: "billing", B: "ledger", CoChanges: 2}, pairs[0])
}

func TestHotspotSet(t *testing.T) {
	entries := make([]scm.LogEntry, 12)
	for i := range entries {
		entries[i] = scm.LogEntry{SHA: string(rune('a' + i)), Author: "alex",
			Files: []string{"src/hot.go"}}
	}
	entries = append(entries, scm.LogEntry{SHA: "z", Author: "alex", Files: []string{"src/cold.go"}})
	svc, _, _ := newService(t, entries)

	hot, err := svc.HotspotSet(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, hot, "src/hot.go")
	assert.NotContains(t, hot, "src/cold.go")
}

func TestCalibrate(t *testing.T) {
	svc, _, log := newService(t, nil)
	ctx := context.Background()

	for _, score := range []float64{5, 10, 15, 20, 25, 30, 35, 40} {
		_, err := log.Append(ctx, model.Event{
			Type:    model.EventRiskEvaluated,
			Payload: map[string]any{"entropy_score": score},
		})
		require.NoError(t, err)
	}

	out := filepath.Join(t.TempDir(), "profiles.json")
	res, err := svc.Calibrate(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 8, res.DataPoints)
	assert.FileExists(t, out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var profiles map[string]policy.Profile
	require.NoError(t, json.Unmarshal(data, &profiles))
	assert.Contains(t, profiles, "critical")

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventCalibrationCompleted, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestExportDecisionsJSONL(t *testing.T) {
	svc, st, log := newService(t, nil)
	ctx := context.Background()

	require.NoError(t, st.UpsertIntent(ctx, model.Intent{
		ID: "acme/app:pr-1", Source: "feature/x", Target: "main",
		Status: model.StatusMerged, RiskLevel: model.RiskMedium, Priority: 2,
	}))
	_, err := log.Append(ctx, model.Event{
		Type: model.EventSimulationCompleted, IntentID: "acme/app:pr-1",
		Payload: map[string]any{"mergeable": true, "conflicts": []any{},
			"files_changed": []any{"src/a.go", "src/b.go"}},
	})
	require.NoError(t, err)
	_, err = log.Append(ctx, model.Event{
		Type: model.EventRiskEvaluated, IntentID: "acme/app:pr-1",
		Payload: map[string]any{"risk_score": 42.5, "entropy_score": 12.0,
			"bombs": []any{map[string]any{"type": "cascade"}}},
	})
	require.NoError(t, err)
	_, err = log.Append(ctx, model.Event{
		Type: model.EventPolicyEvaluated, IntentID: "acme/app:pr-1",
		Payload: map[string]any{"verdict": "ALLOW", "profile_used": "medium"},
	})
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "decisions.jsonl")
	res, err := svc.ExportDecisions(ctx, out, "", FormatJSONL)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var rec DecisionRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, "acme/app:pr-1", rec.IntentID)
	require.NotNil(t, rec.Mergeable)
	assert.True(t, *rec.Mergeable)
	assert.Equal(t, 2, rec.FilesChangedCount)
	require.NotNil(t, rec.RiskScore)
	assert.Equal(t, 42.5, *rec.RiskScore)
	assert.Equal(t, []string{"cascade"}, rec.BombTypes)
	assert.Equal(t, "ALLOW", rec.PolicyVerdict)

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventDatasetExported, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestExportDecisionsRejectsUnknownFormat(t *testing.T) {
	svc, _, _ := newService(t, nil)

	_, err := svc.ExportDecisions(context.Background(), "", "", "parquet")
	require.Error(t, err)
}
