// Package intake is the admission controller and the system's designed
// backpressure mechanism. Every intent passes through an intake
// decision before it is persisted; under degraded health the controller
// throttles or pauses inflow instead of letting the queue drown.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/projections"
	"github.com/ghmbegerez/converge/internal/store"
)

// Decision is the outcome of one intake evaluation. When Accepted is
// false the caller must not persist the intent; only the intake event
// is emitted.
type Decision struct {
	Accepted bool             `json:"accepted"`
	Mode     model.IntakeMode `json:"mode"`
	Reason   string           `json:"reason"`
	Signals  map[string]any   `json:"signals,omitempty"`
}

// Status describes the controller's current posture for dashboards and
// the admin API.
type Status struct {
	Mode           model.IntakeMode      `json:"mode"`
	AutoMode       model.IntakeMode      `json:"auto_mode"`
	ManualOverride bool                  `json:"manual_override"`
	Override       *model.IntakeOverride `json:"override,omitempty"`
	Signals        map[string]any        `json:"signals"`
	Config         policy.IntakeConfig   `json:"config"`
	TenantID       string                `json:"tenant_id,omitempty"`
}

// Controller decides whether intents enter the system.
type Controller struct {
	store  store.Store
	log    *eventlog.Log
	proj   *projections.Projector
	cfg    policy.IntakeConfig
	logger *slog.Logger
}

// New builds an intake controller.
func New(st store.Store, log *eventlog.Log, proj *projections.Projector, cfg policy.IntakeConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: st, log: log, proj: proj, cfg: cfg, logger: logger}
}

// Evaluate applies the current intake mode to one intent and emits
// exactly one of intake.accepted, intake.throttled, intake.rejected.
func (c *Controller) Evaluate(ctx context.Context, intent model.Intent) (Decision, error) {
	mode, signals, err := c.resolveMode(ctx, intent.TenantID)
	if err != nil {
		return Decision{}, err
	}

	var decision Decision
	switch mode {
	case model.IntakeOpen:
		decision = Decision{
			Accepted: true, Mode: mode,
			Reason:  "open mode: accepting all intents",
			Signals: signals,
		}
	case model.IntakePause:
		if intent.RiskLevel == model.RiskCritical {
			decision = Decision{
				Accepted: true, Mode: mode,
				Reason:  "pause mode: critical-risk intent accepted",
				Signals: signals,
			}
		} else {
			decision = Decision{
				Accepted: false, Mode: mode,
				Reason:  fmt.Sprintf("pause mode: only critical-risk intents accepted (got %s)", intent.RiskLevel),
				Signals: signals,
			}
		}
	default: // throttle
		bucket := policy.RolloutBucket(intent.ID)
		signals["bucket"] = round4(bucket)
		signals["throttle_ratio"] = c.cfg.ThrottleRatio
		if bucket < c.cfg.ThrottleRatio {
			decision = Decision{
				Accepted: true, Mode: mode,
				Reason:  fmt.Sprintf("throttle mode: accepted (bucket=%.4f < ratio=%g)", bucket, c.cfg.ThrottleRatio),
				Signals: signals,
			}
		} else {
			decision = Decision{
				Accepted: false, Mode: mode,
				Reason:  fmt.Sprintf("throttle mode: rejected (bucket=%.4f >= ratio=%g)", bucket, c.cfg.ThrottleRatio),
				Signals: signals,
			}
		}
	}

	if err := c.emitDecision(ctx, intent, decision); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Status reports the effective mode, the auto-computed mode, and any
// manual override.
func (c *Controller) Status(ctx context.Context, tenantID string) (Status, error) {
	mode, signals, err := c.resolveMode(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	override, err := c.store.GetIntakeOverride(ctx, tenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Status{}, fmt.Errorf("intake: status: %w", err)
	}

	autoMode := mode
	if m, ok := signals["auto_mode"].(model.IntakeMode); ok {
		autoMode = m
	}
	return Status{
		Mode:           mode,
		AutoMode:       autoMode,
		ManualOverride: override != nil,
		Override:       override,
		Signals:        signals,
		Config:         c.cfg,
		TenantID:       tenantID,
	}, nil
}

// SetMode manually pins a tenant's intake mode. Mode "auto" clears the
// override and reverts to health-driven resolution. Both transitions
// emit intake.mode_changed.
func (c *Controller) SetMode(ctx context.Context, tenantID, mode, setBy, reason string) error {
	if setBy == "" {
		setBy = "operator"
	}

	if mode == "auto" {
		if err := c.store.ClearIntakeOverride(ctx, tenantID); err != nil {
			return fmt.Errorf("intake: clear override: %w", err)
		}
		if reason == "" {
			reason = "manual override cleared"
		}
		_, err := c.log.Append(ctx, model.Event{
			Type:     model.EventIntakeModeChanged,
			TenantID: tenantID,
			Payload: map[string]any{
				"mode":              "auto",
				"previous_override": true,
				"set_by":            setBy,
				"reason":            reason,
			},
		})
		return err
	}

	switch model.IntakeMode(mode) {
	case model.IntakeOpen, model.IntakeThrottle, model.IntakePause:
	default:
		return fmt.Errorf("intake: invalid mode %q (use open/throttle/pause/auto)", mode)
	}

	if err := c.store.UpsertIntakeOverride(ctx, model.IntakeOverride{
		TenantID: tenantID,
		Mode:     model.IntakeMode(mode),
		SetBy:    setBy,
		SetAt:    time.Now().UTC(),
		Reason:   reason,
	}); err != nil {
		return fmt.Errorf("intake: set override: %w", err)
	}
	if reason == "" {
		reason = "manual override to " + mode
	}
	_, err := c.log.Append(ctx, model.Event{
		Type:     model.EventIntakeModeChanged,
		TenantID: tenantID,
		Payload: map[string]any{
			"mode":   mode,
			"set_by": setBy,
			"reason": reason,
		},
	})
	return err
}

// resolveMode returns the effective mode: a manual override wins, and
// the auto-computed mode rides along in the signals either way.
func (c *Controller) resolveMode(ctx context.Context, tenantID string) (model.IntakeMode, map[string]any, error) {
	autoMode, signals, err := c.computeAutoMode(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	signals["auto_mode"] = autoMode

	override, err := c.store.GetIntakeOverride(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return autoMode, signals, nil
		}
		return "", nil, fmt.Errorf("intake: resolve mode: %w", err)
	}
	return override.Mode, signals, nil
}

// computeAutoMode derives the mode from the worse of health and inverse
// debt, so high debt can throttle inflow even when health looks fine.
func (c *Controller) computeAutoMode(ctx context.Context, tenantID string) (model.IntakeMode, map[string]any, error) {
	health, err := c.proj.RepoHealth(ctx, tenantID, 0)
	if err != nil {
		return "", nil, fmt.Errorf("intake: compute mode: %w", err)
	}
	debt, err := c.proj.VerificationDebt(ctx, tenantID)
	if err != nil {
		return "", nil, fmt.Errorf("intake: compute mode: %w", err)
	}
	queue, err := c.proj.QueueState(ctx, tenantID)
	if err != nil {
		return "", nil, fmt.Errorf("intake: compute mode: %w", err)
	}

	debtAdjusted := max(0.0, 100.0-debt.DebtScore)
	effective := min(health.RepoHealthScore, debtAdjusted)

	signals := map[string]any{
		"health_score":       health.RepoHealthScore,
		"health_status":      health.Status,
		"debt_score":         debt.DebtScore,
		"debt_status":        debt.Status,
		"effective_score":    round1(effective),
		"queue_total":        queue.Total,
		"queue_pending":      len(queue.Pending),
		"conflict_rate":      health.ConflictRate,
		"pause_threshold":    c.cfg.PauseBelowHealth,
		"throttle_threshold": c.cfg.ThrottleBelowHealth,
	}

	switch {
	case effective < c.cfg.PauseBelowHealth:
		return model.IntakePause, signals, nil
	case effective < c.cfg.ThrottleBelowHealth:
		return model.IntakeThrottle, signals, nil
	default:
		return model.IntakeOpen, signals, nil
	}
}

func (c *Controller) emitDecision(ctx context.Context, intent model.Intent, d Decision) error {
	etype := model.EventIntakeRejected
	switch {
	case d.Accepted:
		etype = model.EventIntakeAccepted
	case d.Mode == model.IntakeThrottle:
		etype = model.EventIntakeThrottled
	}

	_, err := c.log.Append(ctx, model.Event{
		Type:     etype,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload: map[string]any{
			"mode":        string(d.Mode),
			"accepted":    d.Accepted,
			"risk_level":  string(intent.RiskLevel),
			"origin_type": string(intent.Origin),
			"signals":     d.Signals,
			"reason":      d.Reason,
		},
	})
	if err != nil {
		return fmt.Errorf("intake: emit decision: %w", err)
	}
	c.logger.Info("intake decision",
		"intent_id", intent.ID, "mode", string(d.Mode), "accepted", d.Accepted)
	return nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
