// Package engine is the hot path: per-intent validation and queue
// processing. It enforces the three core invariants. Mergeability: an
// intent advances only if the merge simulates cleanly and its required
// checks pass. Revalidation: the queue re-runs validation against the
// current target before merging. Bounded retry: an intent whose retries
// reach the limit is rejected for good.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ghmbegerez/converge/internal/checks"
	"github.com/ghmbegerez/converge/internal/coherence"
	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/risk"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/store"
)

// CouplingSource provides historical co-change pairs for risk
// evaluation. Nil disables coupling edges.
type CouplingSource interface {
	CouplingPairs(ctx context.Context, cwd string) ([]risk.CouplingPair, error)
}

// Engine wires validation and queue processing over one store.
type Engine struct {
	store    store.Store
	log      *eventlog.Log
	cfg      policy.Config
	scm      scm.SCM
	checks   checks.Runner
	harness  *coherence.Harness
	reviews  *review.Service
	coupling CouplingSource
	logger   *slog.Logger
	pid      int
}

// Options carries the engine's collaborators. Store, Log, and SCM are
// required; the rest default to working no-op or stock implementations.
type Options struct {
	Store    store.Store
	Log      *eventlog.Log
	Config   policy.Config
	SCM      scm.SCM
	Checks   checks.Runner
	Harness  *coherence.Harness
	Reviews  *review.Service
	Coupling CouplingSource
	Logger   *slog.Logger
	PID      int
}

// New builds an engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Checks
	if runner == nil {
		runner = checks.NewSubprocess(logger)
	}
	harness := opts.Harness
	if harness == nil {
		harness = coherence.New(opts.Log, logger)
	}
	reviews := opts.Reviews
	if reviews == nil {
		reviews = review.New(opts.Store, opts.Log, logger)
	}
	return &Engine{
		store:    opts.Store,
		log:      opts.Log,
		cfg:      opts.Config,
		scm:      opts.SCM,
		checks:   runner,
		harness:  harness,
		reviews:  reviews,
		coupling: opts.Coupling,
		logger:   logger,
		pid:      opts.PID,
	}
}

// recordSimulation persists a simulation.completed event so later
// revalidations can replay the result.
func (e *Engine) recordSimulation(ctx context.Context, sim *scm.Simulation, source, target, intentID, tenantID, traceID string) error {
	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventSimulationCompleted,
		TraceID:  traceID,
		IntentID: intentID,
		TenantID: tenantID,
		Payload: map[string]any{
			"mergeable":     sim.Mergeable,
			"conflicts":     sim.Conflicts,
			"files_changed": sim.FilesChanged,
			"source":        source,
			"target":        target,
			"base_sha":      sim.BaseSHA,
		},
		Evidence: map[string]any{
			"source": source, "target": target, "conflict_count": len(sim.Conflicts),
		},
	}); err != nil {
		return err
	}
	return nil
}

// lastSimulation rebuilds a Simulation from the most recent
// simulation.completed event for the intent.
func (e *Engine) lastSimulation(ctx context.Context, intentID string) (*scm.Simulation, error) {
	events, err := e.log.Query(ctx, model.EventQuery{Type: model.EventSimulationCompleted, IntentID: intentID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("engine: last simulation for %s: %w", intentID, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	p := events[0].Payload
	sim := &scm.Simulation{
		Mergeable: p["mergeable"] == true,
		Source:    stringOr(p, "source"),
		Target:    stringOr(p, "target"),
		BaseSHA:   stringOr(p, "base_sha"),
	}
	sim.Conflicts = stringsOr(p, "conflicts")
	sim.FilesChanged = stringsOr(p, "files_changed")
	return sim, nil
}

// setIntentStatus updates the materialized row for a lifecycle
// transition. retries < 0 leaves the stored count untouched.
func (e *Engine) setIntentStatus(ctx context.Context, intentID string, status model.IntentStatus, retries int) error {
	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return fmt.Errorf("engine: set status %s: %w", intentID, err)
	}
	intent.Status = status
	if retries >= 0 {
		intent.Retries = retries
	}
	intent.UpdatedAt = time.Now().UTC()
	if err := e.store.UpsertIntent(ctx, *intent); err != nil {
		return fmt.Errorf("engine: set status %s: %w", intentID, err)
	}
	return nil
}

func stringOr(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func stringsOr(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
