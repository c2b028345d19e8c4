package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/store"
)

// Queue processing defaults.
const (
	DefaultBatchSize  = 20
	DefaultMaxRetries = 3
	DefaultTarget     = "main"
	queueLockTTL      = 10 * time.Minute
)

// ProcessOptions tunes one queue pass.
type ProcessOptions struct {
	Limit       int
	Target      string
	MaxRetries  int
	AutoConfirm bool
	// UseLastSimulation revalidates against the recorded simulation
	// instead of running a fresh one. Fresh is the safe default: the
	// target may have moved since validation.
	UseLastSimulation bool
	SkipChecks        bool
	Cwd               string
	TenantID          string
}

func (o ProcessOptions) withDefaults() ProcessOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultBatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Target == "" {
		o.Target = DefaultTarget
	}
	return o
}

// ProcessQueue drains up to Limit VALIDATED intents in (priority,
// created_at) order under the queue lock. Each intent is revalidated
// against the current target before it advances; a blocked intent
// requeues with an incremented retry count until the retry budget runs
// out, after which it is rejected for good.
func (e *Engine) ProcessQueue(ctx context.Context, opts ProcessOptions) ([]Decision, error) {
	opts = opts.withDefaults()

	acquired, err := e.store.AcquireLock(ctx, model.QueueLockName, e.pid, queueLockTTL)
	if err != nil {
		return nil, fmt.Errorf("engine: acquire queue lock: %w", err)
	}
	if !acquired {
		return []Decision{{
			Decision: DecisionError,
			Reason:   "queue lock held by another processor",
		}}, nil
	}
	defer func() {
		if _, err := e.store.ReleaseLock(ctx, model.QueueLockName, e.pid); err != nil {
			e.logger.Warn("queue lock release failed", "error", err)
		}
	}()

	intents, err := e.store.ListIntents(ctx, model.IntentFilter{
		Status:       model.StatusValidated,
		TenantID:     opts.TenantID,
		ByQueueOrder: true,
		Limit:        opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: list queue: %w", err)
	}

	decisions := make([]Decision, 0, len(intents))
	counts := map[string]int{}
	for _, intent := range intents {
		d := e.processOne(ctx, intent, opts)
		decisions = append(decisions, d)
		counts[d.Decision]++
	}

	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventQueueProcessed,
		TenantID: opts.TenantID,
		Payload: map[string]any{
			"processed": len(decisions),
			"queued":    counts[DecisionQueued],
			"merged":    counts[DecisionMerged],
			"requeued":  counts[DecisionRequeued],
			"rejected":  counts[DecisionRejected],
			"skipped":   counts[DecisionDependencyBlocked] + counts[DecisionReviewPending],
			"errors":    counts[DecisionError],
		},
	}); err != nil {
		return nil, err
	}
	return decisions, nil
}

func (e *Engine) processOne(ctx context.Context, intent model.Intent, opts ProcessOptions) Decision {
	// Dependencies must all be merged before this intent may advance.
	for _, dep := range intent.Dependencies {
		depIntent, err := e.store.GetIntent(ctx, dep)
		if err != nil || depIntent.Status != model.StatusMerged {
			if _, aerr := e.log.Append(ctx, model.Event{
				Type:     model.EventIntentDependencyBlocked,
				IntentID: intent.ID,
				TenantID: intent.TenantID,
				Payload:  map[string]any{"dependency": dep},
			}); aerr != nil {
				return e.errDecision(intent.ID, aerr)
			}
			return Decision{
				Decision: DecisionDependencyBlocked,
				IntentID: intent.ID,
				Reason:   fmt.Sprintf("dependency not merged: %s", dep),
				Retries:  intent.Retries,
			}
		}
	}

	// Retry budget exhausted intents never re-enter the pipeline.
	if intent.Retries >= opts.MaxRetries {
		return e.reject(ctx, intent, "max_retries_exceeded")
	}

	// A human review, once requested, gates the merge.
	gateState, err := e.reviews.IntentGate(ctx, intent.ID)
	if err != nil {
		return e.errDecision(intent.ID, err)
	}
	switch gateState {
	case review.GateOpen:
		return Decision{
			Decision: DecisionReviewPending,
			IntentID: intent.ID,
			Reason:   "review pending",
			Retries:  intent.Retries,
		}
	case review.GateRejected:
		return e.reject(ctx, intent, "review_rejected")
	}

	d, err := e.Validate(ctx, intent.ID, ValidateOptions{
		UseLastSimulation: opts.UseLastSimulation,
		SkipChecks:        opts.SkipChecks,
		Cwd:               opts.Cwd,
	})
	if err != nil {
		return e.errDecision(intent.ID, err)
	}
	if d.Decision == DecisionBlocked {
		return e.handleBlocked(ctx, intent, d.Reason, opts.MaxRetries)
	}

	if err := e.setIntentStatus(ctx, intent.ID, model.StatusQueued, -1); err != nil {
		return e.errDecision(intent.ID, err)
	}
	if !opts.AutoConfirm {
		out := *d
		out.Decision = DecisionQueued
		return out
	}
	return e.executeMerge(ctx, intent, *d, opts)
}

// executeMerge performs the real merge. Failure is treated like a
// blocked validation: the intent requeues and the failure is recorded,
// so a transient SCM error costs one retry, not the intent.
func (e *Engine) executeMerge(ctx context.Context, intent model.Intent, d Decision, opts ProcessOptions) Decision {
	target := intent.Target
	if target == "" {
		target = opts.Target
	}
	sha, err := e.scm.ExecuteMerge(ctx, intent.Source, target, opts.Cwd)
	if err != nil {
		if _, aerr := e.log.Append(ctx, model.Event{
			Type:     model.EventIntentMergeFailed,
			TraceID:  d.TraceID,
			IntentID: intent.ID,
			TenantID: intent.TenantID,
			Payload:  map[string]any{"error": err.Error(), "source": intent.Source, "target": target},
		}); aerr != nil {
			return e.errDecision(intent.ID, aerr)
		}
		return e.handleBlocked(ctx, intent, fmt.Sprintf("merge execution failed: %v", err), opts.MaxRetries)
	}

	if err := e.setIntentStatus(ctx, intent.ID, model.StatusMerged, -1); err != nil {
		return e.errDecision(intent.ID, err)
	}
	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventIntentMerged,
		TraceID:  d.TraceID,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload:  map[string]any{"merge_commit": sha, "source": intent.Source, "target": target},
	}); err != nil {
		return e.errDecision(intent.ID, err)
	}
	out := d
	out.Decision = DecisionMerged
	out.MergedCommit = sha
	return out
}

// handleBlocked increments retries and either requeues (back to READY)
// or rejects when the budget is spent.
func (e *Engine) handleBlocked(ctx context.Context, intent model.Intent, reason string, maxRetries int) Decision {
	retries := intent.Retries + 1
	if retries >= maxRetries {
		intent.Retries = retries
		return e.reject(ctx, intent, reason)
	}

	if err := e.setIntentStatus(ctx, intent.ID, model.StatusReady, retries); err != nil {
		return e.errDecision(intent.ID, err)
	}
	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventIntentRequeued,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload:  map[string]any{"reason": reason, "retries": retries},
	}); err != nil {
		return e.errDecision(intent.ID, err)
	}
	return Decision{
		Decision: DecisionRequeued,
		IntentID: intent.ID,
		Reason:   reason,
		Retries:  retries,
	}
}

func (e *Engine) reject(ctx context.Context, intent model.Intent, reason string) Decision {
	if err := e.setIntentStatus(ctx, intent.ID, model.StatusRejected, intent.Retries); err != nil {
		return e.errDecision(intent.ID, err)
	}
	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventIntentRejected,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload:  map[string]any{"reason": reason, "retries": intent.Retries},
	}); err != nil {
		return e.errDecision(intent.ID, err)
	}
	return Decision{
		Decision: DecisionRejected,
		IntentID: intent.ID,
		Reason:   reason,
		Retries:  intent.Retries,
	}
}

func (e *Engine) errDecision(intentID string, err error) Decision {
	e.logger.Error("queue processing error", "intent_id", intentID, "error", err)
	return Decision{Decision: DecisionError, IntentID: intentID, Error: err.Error()}
}

// ConfirmMerge marks a QUEUED (or still VALIDATED) intent as merged
// after an operator performed the merge out of band. An empty sha gets
// a synthetic confirmation marker.
func (e *Engine) ConfirmMerge(ctx context.Context, intentID, mergeSHA string) (*Decision, error) {
	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("engine: confirm merge %s: %w", intentID, err)
	}
	if intent.Status != model.StatusQueued && intent.Status != model.StatusValidated {
		return nil, fmt.Errorf("engine: confirm merge %s: status %s, want QUEUED or VALIDATED", intentID, intent.Status)
	}
	if mergeSHA == "" {
		suffix := intentID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		mergeSHA = "confirmed-" + suffix
	}

	if err := e.setIntentStatus(ctx, intentID, model.StatusMerged, -1); err != nil {
		return nil, err
	}
	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventIntentMerged,
		IntentID: intentID,
		TenantID: intent.TenantID,
		Payload:  map[string]any{"merge_commit": mergeSHA, "confirmed": true},
	}); err != nil {
		return nil, err
	}
	return &Decision{Decision: DecisionMerged, IntentID: intentID, MergedCommit: mergeSHA}, nil
}

// ResetOptions tunes ResetQueue.
type ResetOptions struct {
	// IntentID, when set, scopes the reset to that single intent. When
	// empty the reset sweeps every non-terminal intent; the sweep is
	// the recovery move after an environmental failure burned
	// everyone's retry budget.
	IntentID string
	// Status, when set, is applied to each reset intent (on top of
	// zeroing retries).
	Status           model.IntentStatus
	ForceReleaseLock bool
	TenantID         string
}

// ResetQueue zeroes retry counters on the selected intents. Terminal
// intents are never touched.
func (e *Engine) ResetQueue(ctx context.Context, opts ResetOptions) (int, error) {
	if opts.Status != "" && opts.Status.Terminal() {
		return 0, fmt.Errorf("engine: reset queue: cannot reset into terminal status %s", opts.Status)
	}

	var targets []model.Intent
	if opts.IntentID != "" {
		intent, err := e.store.GetIntent(ctx, opts.IntentID)
		if err != nil {
			return 0, fmt.Errorf("engine: reset queue: %w", err)
		}
		if intent.Status.Terminal() {
			return 0, fmt.Errorf("engine: reset queue: intent %s is terminal (%s)", intent.ID, intent.Status)
		}
		targets = append(targets, *intent)
	} else {
		for _, status := range []model.IntentStatus{model.StatusReady, model.StatusValidated, model.StatusQueued} {
			intents, err := e.store.ListIntents(ctx, model.IntentFilter{Status: status, TenantID: opts.TenantID})
			if err != nil {
				return 0, fmt.Errorf("engine: reset queue: %w", err)
			}
			targets = append(targets, intents...)
		}
	}

	var reset int
	for _, intent := range targets {
		intent.Retries = 0
		if opts.Status != "" {
			intent.Status = opts.Status
		}
		intent.UpdatedAt = time.Now().UTC()
		if err := e.store.UpsertIntent(ctx, intent); err != nil {
			return reset, fmt.Errorf("engine: reset queue: %w", err)
		}
		reset++
	}

	if opts.ForceReleaseLock {
		if err := e.store.ForceReleaseLock(ctx, model.QueueLockName); err != nil {
			return reset, fmt.Errorf("engine: reset queue: release lock: %w", err)
		}
	}

	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventQueueReset,
		IntentID: opts.IntentID,
		TenantID: opts.TenantID,
		Payload: map[string]any{
			"reset_count":   reset,
			"status":        string(opts.Status),
			"lock_released": opts.ForceReleaseLock,
		},
	}); err != nil {
		return reset, err
	}
	return reset, nil
}

// QueueInspection is a point-in-time operator view of the queue.
type QueueInspection struct {
	Lock     *model.QueueLock `json:"lock,omitempty"`
	ByStatus map[string]int   `json:"by_status"`
	Next     []model.Intent   `json:"next,omitempty"`
}

// InspectQueue reports the lock holder, per-status counts, and the next
// intents in processing order.
func (e *Engine) InspectQueue(ctx context.Context, tenantID string) (*QueueInspection, error) {
	insp := &QueueInspection{ByStatus: map[string]int{}}

	lock, err := e.store.GetLock(ctx, model.QueueLockName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("engine: inspect queue: %w", err)
	}
	insp.Lock = lock

	for _, status := range []model.IntentStatus{
		model.StatusReady, model.StatusValidated, model.StatusQueued,
		model.StatusMerged, model.StatusRejected,
	} {
		intents, err := e.store.ListIntents(ctx, model.IntentFilter{Status: status, TenantID: tenantID})
		if err != nil {
			return nil, fmt.Errorf("engine: inspect queue: %w", err)
		}
		insp.ByStatus[string(status)] = len(intents)
	}

	next, err := e.store.ListIntents(ctx, model.IntentFilter{
		Status:       model.StatusValidated,
		TenantID:     tenantID,
		ByQueueOrder: true,
		Limit:        DefaultBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: inspect queue: %w", err)
	}
	insp.Next = next
	return insp, nil
}
