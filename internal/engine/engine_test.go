package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/checks"
	"github.com/ghmbegerez/converge/internal/coherence"
	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

type fakeSCM struct {
	sim      scm.Simulation
	simErr   error
	mergeSHA string
	mergeErr error
	merges   int
}

func (f *fakeSCM) SimulateMerge(_ context.Context, source, target, _ string) (*scm.Simulation, error) {
	if f.simErr != nil {
		return nil, f.simErr
	}
	s := f.sim
	s.Source = source
	s.Target = target
	return &s, nil
}

func (f *fakeSCM) ExecuteMerge(_ context.Context, _, _, _ string) (string, error) {
	f.merges++
	if f.mergeErr != nil {
		return "", f.mergeErr
	}
	return f.mergeSHA, nil
}

func (f *fakeSCM) LogEntries(_ context.Context, _ int, _ string) ([]scm.LogEntry, error) {
	return nil, nil
}

func cleanSim() scm.Simulation {
	return scm.Simulation{
		Mergeable:    true,
		FilesChanged: []string{"src/a.go", "src/b.go"},
		BaseSHA:      "base123",
	}
}

func newEngine(t *testing.T, vcs scm.SCM, runner checks.Runner) (*Engine, *memstore.Store, *eventlog.Log) {
	t.Helper()
	st := memstore.New()
	log := eventlog.New(st, nil)
	harness := coherence.New(log, nil).WithConfigPath(filepath.Join(t.TempDir(), "harness.json"))
	eng := New(Options{
		Store:   st,
		Log:     log,
		Config:  policy.DefaultConfig(),
		SCM:     vcs,
		Checks:  runner,
		Harness: harness,
		PID:     42,
	})
	return eng, st, log
}

func seedIntent(t *testing.T, st *memstore.Store, intent model.Intent) {
	t.Helper()
	if intent.Source == "" {
		intent.Source = "feature/x"
	}
	if intent.Target == "" {
		intent.Target = "main"
	}
	if intent.RiskLevel == "" {
		intent.RiskLevel = model.RiskLow
	}
	require.NoError(t, st.UpsertIntent(context.Background(), intent))
}

func eventCount(t *testing.T, log *eventlog.Log, etype model.EventType) int {
	t.Helper()
	events, err := log.Query(context.Background(), model.EventQuery{Type: etype, Limit: 100})
	require.NoError(t, err)
	return len(events)
}

func TestValidateHappyPath(t *testing.T) {
	eng, st, log := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-1", Status: model.StatusReady})

	d, err := eng.Validate(ctx, "acme/app:pr-1", ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionValidated, d.Decision)
	assert.NotEmpty(t, d.TraceID)
	require.NotNil(t, d.Risk)
	require.NotNil(t, d.Policy)
	assert.Equal(t, policy.VerdictAllow, d.Policy.Verdict)

	intent, err := st.GetIntent(ctx, "acme/app:pr-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, intent.Status)

	assert.Equal(t, 1, eventCount(t, log, model.EventSimulationCompleted))
	assert.Equal(t, 1, eventCount(t, log, model.EventRiskEvaluated))
	assert.Equal(t, 1, eventCount(t, log, model.EventPolicyEvaluated))
	assert.Equal(t, 1, eventCount(t, log, model.EventIntentValidated))
}

func TestValidateMergeConflictBlocks(t *testing.T) {
	vcs := &fakeSCM{sim: scm.Simulation{
		Mergeable:    false,
		Conflicts:    []string{"src/a.go", "src/b.go"},
		FilesChanged: []string{"src/a.go", "src/b.go"},
	}}
	eng, st, log := newEngine(t, vcs, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-2", Status: model.StatusReady})

	d, err := eng.Validate(ctx, "acme/app:pr-2", ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlocked, d.Decision)
	assert.Contains(t, d.Reason, "Merge conflicts")
	assert.Contains(t, d.Reason, "src/a.go")
	assert.Equal(t, 1, eventCount(t, log, model.EventIntentBlocked))

	// A blocked validation never advances the intent.
	intent, err := st.GetIntent(ctx, "acme/app:pr-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, intent.Status)
}

func TestValidateSimulationErrorBlocks(t *testing.T) {
	vcs := &fakeSCM{simErr: errors.New("worktree busy")}
	eng, st, log := newEngine(t, vcs, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-2b", Status: model.StatusReady})

	// SCM trouble blocks instead of erroring, so the queue retries it.
	d, err := eng.Validate(ctx, "acme/app:pr-2b", ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlocked, d.Decision)
	assert.Contains(t, d.Reason, "simulation failed")
	assert.Equal(t, 1, eventCount(t, log, model.EventIntentBlocked))
	assert.Equal(t, 0, eventCount(t, log, model.EventSimulationCompleted))
}

func TestValidateFailedCheckBlocks(t *testing.T) {
	eng, st, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{"lint": false})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-3", Status: model.StatusReady})

	d, err := eng.Validate(ctx, "acme/app:pr-3", ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlocked, d.Decision)
	assert.Contains(t, d.Reason, "checks failed: lint")
}

func TestValidateSkipChecks(t *testing.T) {
	eng, st, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{"lint": false})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-4", Status: model.StatusReady})

	d, err := eng.Validate(ctx, "acme/app:pr-4", ValidateOptions{SkipChecks: true})
	require.NoError(t, err)
	assert.Equal(t, DecisionValidated, d.Decision)
}

func TestValidateSuppliedSimulationSkipsSCM(t *testing.T) {
	// The fake would return a conflicted sim; the supplied clean one must win.
	vcs := &fakeSCM{sim: scm.Simulation{Mergeable: false, Conflicts: []string{"x"}}}
	eng, st, _ := newEngine(t, vcs, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-5", Status: model.StatusReady})

	sim := cleanSim()
	d, err := eng.Validate(ctx, "acme/app:pr-5", ValidateOptions{Sim: &sim})
	require.NoError(t, err)
	assert.Equal(t, DecisionValidated, d.Decision)
}

func TestValidateRiskGateEnforced(t *testing.T) {
	eng, st, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-6", Status: model.StatusReady})

	_, err := st.UpsertRiskPolicy(ctx, model.RiskPolicy{
		RiskThreshold:    1,
		DamageThreshold:  100,
		PropagationLimit: 100,
		Mode:             "enforce",
		EnforceRatio:     1.0,
	})
	require.NoError(t, err)

	d, err := eng.Validate(ctx, "acme/app:pr-6", ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlocked, d.Decision)
	assert.Contains(t, d.Reason, "risk gate enforced")
	require.NotNil(t, d.RiskGate)
	assert.True(t, d.RiskGate.Enforced)
}

func TestValidateShadowPolicyRecordsButNeverBlocks(t *testing.T) {
	eng, st, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-7", Status: model.StatusReady})

	_, err := st.UpsertRiskPolicy(ctx, model.RiskPolicy{
		RiskThreshold:    1,
		DamageThreshold:  100,
		PropagationLimit: 100,
		Mode:             "shadow",
	})
	require.NoError(t, err)

	d, err := eng.Validate(ctx, "acme/app:pr-7", ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionValidated, d.Decision)
	require.NotNil(t, d.RiskGate)
	assert.True(t, d.RiskGate.WouldBlock)
	assert.False(t, d.RiskGate.Enforced)
}

func TestValidateCoherenceWarnOpensReview(t *testing.T) {
	eng, st, log := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-8", Status: model.StatusReady})

	// One failing critical question: score 70, inside the low profile's
	// warn zone [60, 75).
	dir := t.TempDir()
	cfg := `{"version":"1.0","questions":[{"id":"q-1","question":"always fails","check":"echo 0","assertion":"result >= 100","severity":"critical"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "harness.json"), []byte(cfg), 0o644))
	eng.harness = coherence.New(log, nil).WithConfigPath(filepath.Join(dir, "harness.json"))

	d, err := eng.Validate(ctx, "acme/app:pr-8", ValidateOptions{Cwd: dir})
	require.NoError(t, err)
	assert.Equal(t, DecisionValidated, d.Decision)
	require.NotNil(t, d.Coherence)
	assert.Equal(t, coherence.VerdictWarn, d.Coherence.Verdict)

	assert.Equal(t, 1, eventCount(t, log, model.EventCoherenceEvaluated))
	tasks, err := st.ListReviewTasks(ctx, model.ReviewFilter{IntentID: "acme/app:pr-8"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TriggerCoherence, tasks[0].Trigger)
}

func TestProcessQueueMergesValidatedIntent(t *testing.T) {
	vcs := &fakeSCM{sim: cleanSim(), mergeSHA: "abc123"}
	eng, st, log := newEngine(t, vcs, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-10", Status: model.StatusValidated})

	decisions, err := eng.ProcessQueue(ctx, ProcessOptions{AutoConfirm: true})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionMerged, decisions[0].Decision)
	assert.Equal(t, "abc123", decisions[0].MergedCommit)

	intent, err := st.GetIntent(ctx, "acme/app:pr-10")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, intent.Status)
	assert.Equal(t, 1, eventCount(t, log, model.EventIntentMerged))
	assert.Equal(t, 1, eventCount(t, log, model.EventQueueProcessed))

	// The lock must be free again.
	acquired, err := st.AcquireLock(ctx, model.QueueLockName, 7, queueLockTTL)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestProcessQueueWithoutAutoConfirmStopsAtQueued(t *testing.T) {
	vcs := &fakeSCM{sim: cleanSim(), mergeSHA: "abc123"}
	eng, st, _ := newEngine(t, vcs, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-11", Status: model.StatusValidated})

	decisions, err := eng.ProcessQueue(ctx, ProcessOptions{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionQueued, decisions[0].Decision)
	assert.Zero(t, vcs.merges)

	intent, err := st.GetIntent(ctx, "acme/app:pr-11")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, intent.Status)
}

func TestProcessQueueDependencyBlocked(t *testing.T) {
	eng, st, log := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-dep", Status: model.StatusReady})
	seedIntent(t, st, model.Intent{
		ID: "acme/app:pr-12", Status: model.StatusValidated,
		Dependencies: []string{"acme/app:pr-dep"},
	})

	decisions, err := eng.ProcessQueue(ctx, ProcessOptions{})
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	var skipped *Decision
	for i := range decisions {
		if decisions[i].IntentID == "acme/app:pr-12" {
			skipped = &decisions[i]
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, DecisionDependencyBlocked, skipped.Decision)
	assert.Contains(t, skipped.Reason, "acme/app:pr-dep")
	assert.Equal(t, 1, eventCount(t, log, model.EventIntentDependencyBlocked))
}

func TestProcessQueueMaxRetriesRejects(t *testing.T) {
	eng, st, log := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-13", Status: model.StatusValidated, Retries: 3})

	decisions, err := eng.ProcessQueue(ctx, ProcessOptions{MaxRetries: 3})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionRejected, decisions[0].Decision)
	assert.Equal(t, "max_retries_exceeded", decisions[0].Reason)

	intent, err := st.GetIntent(ctx, "acme/app:pr-13")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, intent.Status)
	assert.Equal(t, 1, eventCount(t, log, model.EventIntentRejected))
}

func TestProcessQueueBlockedRequeuesThenRejects(t *testing.T) {
	// Revalidation hits a conflict every time.
	vcs := &fakeSCM{sim: scm.Simulation{Mergeable: false, Conflicts: []string{"src/a.go"}}}
	eng, st, log := newEngine(t, vcs, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-14", Status: model.StatusValidated})

	decisions, err := eng.ProcessQueue(ctx, ProcessOptions{MaxRetries: 2})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionRequeued, decisions[0].Decision)
	assert.Equal(t, 1, decisions[0].Retries)

	intent, err := st.GetIntent(ctx, "acme/app:pr-14")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, intent.Status)
	assert.Equal(t, 1, eventCount(t, log, model.EventIntentRequeued))

	// Put it back in the queue; the second failure spends the budget.
	intent.Status = model.StatusValidated
	require.NoError(t, st.UpsertIntent(ctx, *intent))
	decisions, err = eng.ProcessQueue(ctx, ProcessOptions{MaxRetries: 2})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionRejected, decisions[0].Decision)
}

func TestProcessQueueMergeFailureCostsOneRetry(t *testing.T) {
	vcs := &fakeSCM{sim: cleanSim(), mergeErr: errors.New("ref moved")}
	eng, st, log := newEngine(t, vcs, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-15", Status: model.StatusValidated})

	decisions, err := eng.ProcessQueue(ctx, ProcessOptions{AutoConfirm: true, MaxRetries: 3})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionRequeued, decisions[0].Decision)
	assert.Contains(t, decisions[0].Reason, "merge execution failed")
	assert.Equal(t, 1, eventCount(t, log, model.EventIntentMergeFailed))

	intent, err := st.GetIntent(ctx, "acme/app:pr-15")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, intent.Status)
	assert.Equal(t, 1, intent.Retries)
}

func TestProcessQueueReviewGates(t *testing.T) {
	eng, st, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	reviews := review.New(st, eng.log, nil)
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-16", Status: model.StatusValidated})

	task, err := reviews.Request(ctx, "acme/app:pr-16", review.RequestOptions{Trigger: model.TriggerManual})
	require.NoError(t, err)

	decisions, err := eng.ProcessQueue(ctx, ProcessOptions{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionReviewPending, decisions[0].Decision)
	assert.Equal(t, "review pending", decisions[0].Reason)

	_, err = reviews.Complete(ctx, task.ID, model.ResolutionRejected, "too risky")
	require.NoError(t, err)

	decisions, err = eng.ProcessQueue(ctx, ProcessOptions{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionRejected, decisions[0].Decision)
	assert.Equal(t, "review_rejected", decisions[0].Reason)
}

func TestProcessQueueLockHeld(t *testing.T) {
	eng, st, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()

	acquired, err := st.AcquireLock(ctx, model.QueueLockName, 999, queueLockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	decisions, err := eng.ProcessQueue(ctx, ProcessOptions{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionError, decisions[0].Decision)
	assert.Contains(t, decisions[0].Reason, "lock")
}

func TestConfirmMerge(t *testing.T) {
	eng, st, log := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-17", Status: model.StatusQueued})

	d, err := eng.ConfirmMerge(ctx, "acme/app:pr-17", "")
	require.NoError(t, err)
	assert.Equal(t, DecisionMerged, d.Decision)
	assert.Equal(t, "confirmed-acme/app", d.MergedCommit)
	assert.Equal(t, 1, eventCount(t, log, model.EventIntentMerged))

	_, err = eng.ConfirmMerge(ctx, "acme/app:pr-17", "")
	require.Error(t, err, "merged intents cannot be confirmed twice")
}

func TestResetQueue(t *testing.T) {
	eng, st, log := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-18", Status: model.StatusReady, Retries: 2})
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-19", Status: model.StatusValidated, Retries: 3})
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-20", Status: model.StatusMerged, Retries: 1})

	acquired, err := st.AcquireLock(ctx, model.QueueLockName, 999, queueLockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	count, err := eng.ResetQueue(ctx, ResetOptions{Status: model.StatusReady, ForceReleaseLock: true})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{"acme/app:pr-18", "acme/app:pr-19"} {
		intent, err := st.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, intent.Retries)
		assert.Equal(t, model.StatusReady, intent.Status)
	}
	merged, err := st.GetIntent(ctx, "acme/app:pr-20")
	require.NoError(t, err)
	assert.Equal(t, 1, merged.Retries, "terminal intents stay untouched")

	acquired, err = st.AcquireLock(ctx, model.QueueLockName, 7, queueLockTTL)
	require.NoError(t, err)
	assert.True(t, acquired, "force release freed the lock")
	assert.Equal(t, 1, eventCount(t, log, model.EventQueueReset))
}

func TestResetQueueSingleIntent(t *testing.T) {
	eng, st, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-30", Status: model.StatusValidated, Retries: 3})
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-31", Status: model.StatusValidated, Retries: 2})

	count, err := eng.ResetQueue(ctx, ResetOptions{IntentID: "acme/app:pr-30", Status: model.StatusReady})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reset, err := st.GetIntent(ctx, "acme/app:pr-30")
	require.NoError(t, err)
	assert.Zero(t, reset.Retries)
	assert.Equal(t, model.StatusReady, reset.Status)

	other, err := st.GetIntent(ctx, "acme/app:pr-31")
	require.NoError(t, err)
	assert.Equal(t, 2, other.Retries, "untargeted intents stay untouched")
	assert.Equal(t, model.StatusValidated, other.Status)
}

func TestResetQueueRejectsTerminalIntent(t *testing.T) {
	eng, st, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-32", Status: model.StatusMerged})

	_, err := eng.ResetQueue(context.Background(), ResetOptions{IntentID: "acme/app:pr-32"})
	require.Error(t, err)
}

func TestResetQueueRejectsTerminalStatus(t *testing.T) {
	eng, _, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})

	_, err := eng.ResetQueue(context.Background(), ResetOptions{Status: model.StatusMerged})
	require.Error(t, err)
}

func TestInspectQueue(t *testing.T) {
	eng, st, _ := newEngine(t, &fakeSCM{sim: cleanSim()}, checks.Static{})
	ctx := context.Background()
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-21", Status: model.StatusValidated, Priority: 2})
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-22", Status: model.StatusValidated, Priority: 1})
	seedIntent(t, st, model.Intent{ID: "acme/app:pr-23", Status: model.StatusMerged})

	insp, err := eng.InspectQueue(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, insp.ByStatus["VALIDATED"])
	assert.Equal(t, 1, insp.ByStatus["MERGED"])
	require.Len(t, insp.Next, 2)
	assert.Equal(t, "acme/app:pr-22", insp.Next[0].ID, "lower priority value goes first")
}
