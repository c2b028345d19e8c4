// Package worker runs the queue processor as a long-lived polling
// process. One worker per deployment: the queue lock serializes
// processing, so extra workers only burn cycles contending for it.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ghmbegerez/converge/internal/engine"
	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// Config is the worker's tuning, read from the environment.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	Target       string
	AutoConfirm  bool
	SkipChecks   bool
	// FreshSimulation forces a new merge simulation on every
	// revalidation instead of reusing the recorded one.
	FreshSimulation bool
	Cwd             string
	TenantID        string
}

// ConfigFromEnv reads CONVERGE_WORKER_* variables, falling back to the
// documented defaults.
func ConfigFromEnv() Config {
	return Config{
		PollInterval:    time.Duration(envInt("CONVERGE_WORKER_POLL_INTERVAL", 5)) * time.Second,
		BatchSize:       envInt("CONVERGE_WORKER_BATCH_SIZE", engine.DefaultBatchSize),
		MaxRetries:      envInt("CONVERGE_WORKER_MAX_RETRIES", engine.DefaultMaxRetries),
		Target:          envString("CONVERGE_WORKER_TARGET", engine.DefaultTarget),
		AutoConfirm:     envBool("CONVERGE_WORKER_AUTO_CONFIRM"),
		SkipChecks:      envBool("CONVERGE_WORKER_SKIP_CHECKS"),
		FreshSimulation: envBool("CONVERGE_WORKER_FRESH_SIMULATION"),
	}
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	return os.Getenv(key) == "1"
}

// Worker polls the queue until stopped.
type Worker struct {
	engine *engine.Engine
	store  store.Store
	log    *eventlog.Log
	cfg    Config
	logger *slog.Logger
	pid    int

	// cycles, when set, is called after each poll with the decisions of
	// that cycle. Tests use it to observe progress.
	cycles func([]engine.Decision)
}

// New builds a worker around an engine.
func New(eng *engine.Engine, st store.Store, log *eventlog.Log, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Worker{
		engine: eng,
		store:  st,
		log:    log,
		cfg:    cfg,
		logger: logger,
		pid:    os.Getpid(),
	}
}

// Run blocks in the poll loop until ctx is cancelled, then drains the
// in-flight cycle and shuts down. SIGTERM/SIGINT cancel ctx when the
// caller wired signal.NotifyContext; Run itself stays signal-agnostic
// so tests and embedders control the lifetime.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.log.Append(ctx, model.Event{
		Type: model.EventWorkerStarted,
		Payload: map[string]any{
			"pid":           w.pid,
			"poll_interval": w.cfg.PollInterval.Seconds(),
			"batch_size":    w.cfg.BatchSize,
			"auto_confirm":  w.cfg.AutoConfirm,
		},
	}); err != nil {
		return fmt.Errorf("worker: start: %w", err)
	}
	w.logger.Info("worker started",
		"pid", w.pid, "poll_interval", w.cfg.PollInterval, "batch_size", w.cfg.BatchSize)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case <-ticker.C:
			// The cycle runs detached from the run context so a
			// cancellation arriving mid-batch cannot fail the store
			// calls of intents already in flight; the loop observes
			// the cancellation on the next select instead.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cycleTimeout)
			w.cycle(cctx)
			cancel()
		}
	}
}

// cycleTimeout bounds one detached queue pass. It has to outlast the
// per-check and coherence subprocess timeouts for a full batch.
const cycleTimeout = 10 * time.Minute

func (w *Worker) cycle(ctx context.Context) {
	decisions, err := w.engine.ProcessQueue(ctx, engine.ProcessOptions{
		Limit:             w.cfg.BatchSize,
		Target:            w.cfg.Target,
		MaxRetries:        w.cfg.MaxRetries,
		AutoConfirm:       w.cfg.AutoConfirm,
		UseLastSimulation: !w.cfg.FreshSimulation,
		SkipChecks:        w.cfg.SkipChecks,
		Cwd:               w.cfg.Cwd,
		TenantID:          w.cfg.TenantID,
	})
	if err != nil {
		w.logger.Error("queue cycle failed", "error", err)
		return
	}
	for _, d := range decisions {
		switch d.Decision {
		case engine.DecisionError:
			w.logger.Warn("queue cycle contention", "intent_id", d.IntentID, "reason", d.Reason, "error", d.Error)
		default:
			w.logger.Info("intent processed",
				"intent_id", d.IntentID, "decision", d.Decision, "reason", d.Reason, "retries", d.Retries)
		}
	}
	if w.cycles != nil {
		w.cycles(decisions)
	}
}

// shutdown force-releases the queue lock in case the cancelled cycle
// held it, then records worker.stopped. It runs on a fresh context:
// the run context is already dead.
func (w *Worker) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.store.ForceReleaseLock(ctx, model.QueueLockName); err != nil {
		w.logger.Warn("queue lock release on shutdown failed", "error", err)
	}
	if _, err := w.log.Append(ctx, model.Event{
		Type:    model.EventWorkerStopped,
		Payload: map[string]any{"pid": w.pid},
	}); err != nil {
		return fmt.Errorf("worker: stop: %w", err)
	}
	w.logger.Info("worker stopped", "pid", w.pid)
	return nil
}

// SignalContext derives a context cancelled by SIGTERM or SIGINT.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}
