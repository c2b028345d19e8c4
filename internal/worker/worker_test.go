package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/checks"
	"github.com/ghmbegerez/converge/internal/engine"
	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

type stubSCM struct{ sha string }

func (s *stubSCM) SimulateMerge(_ context.Context, source, target, _ string) (*scm.Simulation, error) {
	return &scm.Simulation{Source: source, Target: target, Mergeable: true,
		FilesChanged: []string{"src/a.go"}}, nil
}
func (s *stubSCM) ExecuteMerge(_ context.Context, _, _, _ string) (string, error) {
	return s.sha, nil
}
func (s *stubSCM) LogEntries(_ context.Context, _ int, _ string) ([]scm.LogEntry, error) {
	return nil, nil
}

func newWorker(t *testing.T, cfg Config) (*Worker, *memstore.Store, *eventlog.Log) {
	t.Helper()
	st := memstore.New()
	log := eventlog.New(st, nil)
	eng := engine.New(engine.Options{
		Store:  st,
		Log:    log,
		Config: policy.DefaultConfig(),
		SCM:    &stubSCM{sha: "deadbeef"},
		Checks: checks.Static{},
		PID:    7,
	})
	return New(eng, st, log, cfg, nil), st, log
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	w, _, log := newWorker(t, Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	var cycles atomic.Int32
	w.cycles = func([]engine.Decision) {
		if cycles.Add(1) >= 2 {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	for _, etype := range []model.EventType{model.EventWorkerStarted, model.EventWorkerStopped} {
		events, err := log.Query(context.Background(), model.EventQuery{Type: etype, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, events, 1, string(etype))
	}
}

func TestRunProcessesQueuedIntent(t *testing.T) {
	w, st, _ := newWorker(t, Config{PollInterval: 10 * time.Millisecond, AutoConfirm: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.UpsertIntent(ctx, model.Intent{
		ID: "acme/app:pr-1", Source: "feature/x", Target: "main",
		Status: model.StatusValidated, RiskLevel: model.RiskLow,
	}))

	merged := make(chan struct{})
	w.cycles = func(decisions []engine.Decision) {
		for _, d := range decisions {
			if d.Decision == engine.DecisionMerged {
				close(merged)
				cancel()
				return
			}
		}
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-merged:
	case <-time.After(5 * time.Second):
		t.Fatal("intent was not merged")
	}
	require.NoError(t, <-done)

	intent, err := st.GetIntent(context.Background(), "acme/app:pr-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, intent.Status)
}

func TestShutdownForceReleasesLock(t *testing.T) {
	w, st, _ := newWorker(t, Config{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	acquired, err := st.AcquireLock(context.Background(), model.QueueLockName, 999, time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	acquired, err = st.AcquireLock(context.Background(), model.QueueLockName, 1, time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired, "shutdown must free the lock")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CONVERGE_WORKER_POLL_INTERVAL", "2")
	t.Setenv("CONVERGE_WORKER_BATCH_SIZE", "50")
	t.Setenv("CONVERGE_WORKER_AUTO_CONFIRM", "1")
	t.Setenv("CONVERGE_WORKER_FRESH_SIMULATION", "1")
	t.Setenv("CONVERGE_WORKER_TARGET", "develop")

	cfg := ConfigFromEnv()
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, engine.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, "develop", cfg.Target)
	assert.True(t, cfg.AutoConfirm)
	assert.False(t, cfg.SkipChecks)
	assert.True(t, cfg.FreshSimulation)
}
