package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ghmbegerez/converge/internal/coherence"
	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/risk"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/store"
)

// Decision verdicts returned by Validate and queue processing. These
// are wire values: they appear verbatim in event payloads and HTTP
// responses, so they stay lowercase (intent statuses are the uppercase
// enum).
const (
	DecisionValidated         = "validated"
	DecisionBlocked           = "blocked"
	DecisionQueued            = "queued"
	DecisionMerged            = "merged"
	DecisionRequeued          = "requeued"
	DecisionRejected          = "rejected"
	DecisionDependencyBlocked = "dependency_blocked"
	DecisionReviewPending     = "review_pending"
	DecisionError             = "error"
)

// Decision is the outcome of running one intent through the pipeline.
type Decision struct {
	Decision     string                 `json:"decision"`
	IntentID     string                 `json:"intent_id"`
	Reason       string                 `json:"reason,omitempty"`
	TraceID      string                 `json:"trace_id,omitempty"`
	Retries      int                    `json:"retries"`
	Simulation   *scm.Simulation        `json:"simulation,omitempty"`
	Risk         *risk.Eval             `json:"risk,omitempty"`
	Policy       *policy.Evaluation     `json:"policy,omitempty"`
	RiskGate     *policy.RiskGateResult `json:"risk_gate,omitempty"`
	Coherence    *coherence.Evaluation  `json:"coherence,omitempty"`
	MergedCommit string                 `json:"merged_commit,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// ValidateOptions tunes one validation run.
type ValidateOptions struct {
	// Sim supplies a ready simulation; when nil the engine either reuses
	// the last recorded one (UseLastSimulation) or runs a fresh one.
	Sim               *scm.Simulation
	UseLastSimulation bool
	// SkipChecks treats the profile's required checks as passed. Meant
	// for replays and for environments without the target toolchain.
	SkipChecks bool
	Cwd        string
}

const maxConflictsInReason = 5

// Validate runs the full pipeline over one intent: simulate, checks,
// risk, policy gates, risk gate, coherence, finalize. Risk evaluation
// never blocks on its own; the policy and risk gates decide. On success
// the intent transitions to VALIDATED.
func (e *Engine) Validate(ctx context.Context, intentID string, opts ValidateOptions) (*Decision, error) {
	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("engine: validate %s: %w", intentID, err)
	}

	trace := eventlog.NewTraceID()
	d := &Decision{IntentID: intentID, TraceID: trace, Retries: intent.Retries}

	// Step 1: merge simulation.
	sim := opts.Sim
	if sim == nil && opts.UseLastSimulation {
		sim, err = e.lastSimulation(ctx, intentID)
		if err != nil {
			return nil, err
		}
	}
	if sim == nil {
		raw, simErr := e.scm.SimulateMerge(ctx, intent.Source, intent.Target, opts.Cwd)
		if simErr != nil {
			// SCM trouble is transient I/O: the pipeline turns it into
			// a block so the lifecycle retries it, instead of erroring
			// past its own boundary.
			e.logger.Warn("merge simulation failed", "intent_id", intentID, "error", simErr)
			return e.block(ctx, d, *intent, fmt.Sprintf("simulation failed: %v", simErr))
		}
		if err := e.recordSimulation(ctx, raw, intent.Source, intent.Target, intentID, intent.TenantID, trace); err != nil {
			return nil, err
		}
		sim = raw
	}
	d.Simulation = sim
	if !sim.Mergeable {
		return e.block(ctx, d, *intent, conflictReason(sim.Conflicts))
	}

	// Step 2: verification checks.
	profile := e.cfg.ProfileFor(intent.RiskLevel, intent.Origin)
	required := requiredChecks(profile.Checks, intent.ChecksRequired)
	var checksPassed []string
	if opts.SkipChecks {
		checksPassed = required
	} else {
		var failed []string
		for _, res := range e.checks.Run(ctx, required, opts.Cwd) {
			if res.Passed {
				checksPassed = append(checksPassed, res.CheckType)
			} else {
				failed = append(failed, res.CheckType)
			}
		}
		if len(failed) > 0 {
			return e.block(ctx, d, *intent, fmt.Sprintf("checks failed: %s", strings.Join(failed, ", ")))
		}
	}

	// Step 3: risk evaluation. Advisory: it feeds the gates but never
	// blocks by itself.
	var pairs []risk.CouplingPair
	if e.coupling != nil {
		pairs, err = e.coupling.CouplingPairs(ctx, opts.Cwd)
		if err != nil {
			e.logger.Warn("coupling data unavailable", "error", err)
			pairs = nil
		}
	}
	riskEval := risk.Evaluate(*intent, sim, pairs)
	d.Risk = &riskEval
	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventRiskEvaluated,
		TraceID:  trace,
		IntentID: intentID,
		TenantID: intent.TenantID,
		Payload: map[string]any{
			"risk_score":        riskEval.RiskScore,
			"entropy_score":     riskEval.EntropyScore,
			"damage_score":      riskEval.DamageScore,
			"propagation_score": riskEval.PropagationScore,
			"containment_score": riskEval.ContainmentScore,
			"signals":           riskEval.Signals,
			"findings":          riskEval.Findings,
			"bombs":             riskEval.Bombs,
		},
		Evidence: map[string]any{
			"risk_score":   riskEval.RiskScore,
			"damage_score": riskEval.DamageScore,
			"signals":      riskEval.Signals,
			"bombs":        riskEval.BombTypes(),
			"trace_id":     trace,
		},
	}); err != nil {
		return nil, err
	}

	// Step 4: policy gates.
	findings, err := e.securityFindings(ctx, intentID)
	if err != nil {
		return nil, err
	}
	polEval := policy.Evaluate(e.cfg, policy.Input{
		RiskLevel:        intent.RiskLevel,
		Origin:           intent.Origin,
		ChecksPassed:     checksPassed,
		EntropyDelta:     riskEval.EntropyScore,
		ContainmentScore: riskEval.ContainmentScore,
		SecurityFindings: findings,
	})
	d.Policy = &polEval
	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventPolicyEvaluated,
		TraceID:  trace,
		IntentID: intentID,
		TenantID: intent.TenantID,
		Payload: map[string]any{
			"verdict":      polEval.Verdict,
			"gates":        polEval.Gates,
			"blocked":      polEval.Blocked,
			"risk_level":   polEval.RiskLevel,
			"profile_used": polEval.ProfileUsed,
		},
	}); err != nil {
		return nil, err
	}
	if polEval.Verdict == policy.VerdictBlock {
		return e.block(ctx, d, *intent, fmt.Sprintf("policy gates blocked: %s", strings.Join(polEval.Blocked, ", ")))
	}

	// Step 5: risk gate with gradual rollout.
	gate := policy.EvaluateRiskGate(policy.RiskScores{
		RiskScore:        riskEval.RiskScore,
		DamageScore:      riskEval.DamageScore,
		PropagationScore: riskEval.PropagationScore,
	}, e.riskPolicy(ctx, intent.TenantID), intentID)
	d.RiskGate = &gate
	if gate.Enforced {
		return e.block(ctx, d, *intent, riskGateReason(gate))
	}
	if gate.WouldBlock && !gate.Enforced {
		e.logger.Info("risk gate would block (not enforced)",
			"intent_id", intentID, "mode", gate.Mode, "breaches", len(gate.Breaches))
	}

	// Step 6: coherence harness, when the repository configures one.
	questions, err := e.harness.LoadQuestions()
	if err != nil {
		return nil, fmt.Errorf("engine: validate %s: %w", intentID, err)
	}
	if len(questions) > 0 {
		cohEval, err := e.harness.Evaluate(ctx, questions, opts.Cwd, nil, profile.CoherencePass, profile.CoherenceWarn)
		if err != nil {
			return nil, fmt.Errorf("engine: validate %s: %w", intentID, err)
		}
		d.Coherence = &cohEval
		if _, err := e.log.Append(ctx, model.Event{
			Type:     model.EventCoherenceEvaluated,
			TraceID:  trace,
			IntentID: intentID,
			TenantID: intent.TenantID,
			Payload: map[string]any{
				"coherence_score": cohEval.Score,
				"verdict":         cohEval.Verdict,
				"harness_version": cohEval.HarnessVersion,
				"results":         cohEval.Results,
			},
			Evidence: map[string]any{
				"inconsistencies": coherence.CheckConsistency(cohEval, riskEval),
			},
		}); err != nil {
			return nil, err
		}
		switch cohEval.Verdict {
		case coherence.VerdictFail:
			return e.block(ctx, d, *intent, fmt.Sprintf("coherence score %.1f below warn threshold %.1f", cohEval.Score, profile.CoherenceWarn))
		case coherence.VerdictWarn:
			// Warn proceeds but opens a human review.
			if _, err := e.reviews.Request(ctx, intentID, review.RequestOptions{
				Trigger:  model.TriggerCoherence,
				TenantID: intent.TenantID,
			}); err != nil {
				e.logger.Warn("coherence review request failed", "intent_id", intentID, "error", err)
			}
		}
	}

	// Step 7: finalize.
	if err := e.setIntentStatus(ctx, intentID, model.StatusValidated, -1); err != nil {
		return nil, err
	}
	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventIntentValidated,
		TraceID:  trace,
		IntentID: intentID,
		TenantID: intent.TenantID,
		Payload: map[string]any{
			"risk_score": riskEval.RiskScore,
			"risk_level": intent.RiskLevel,
			"verdict":    polEval.Verdict,
		},
	}); err != nil {
		return nil, err
	}
	d.Decision = DecisionValidated
	return d, nil
}

// block records intent.blocked and returns the BLOCKED decision. The
// intent row keeps its current status; queue processing decides whether
// a blocked intent requeues or rejects.
func (e *Engine) block(ctx context.Context, d *Decision, intent model.Intent, reason string) (*Decision, error) {
	d.Decision = DecisionBlocked
	d.Reason = reason
	if _, err := e.log.Append(ctx, model.Event{
		Type:     model.EventIntentBlocked,
		TraceID:  d.TraceID,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload:  map[string]any{"reason": reason, "retries": intent.Retries},
		Evidence: map[string]any{"trace_id": d.TraceID},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

// riskPolicy loads the tenant risk policy, falling back to a shadow-mode
// policy built from the config thresholds. Shadow means a missing policy
// can never block.
func (e *Engine) riskPolicy(ctx context.Context, tenantID string) model.RiskPolicy {
	rp, err := e.store.GetRiskPolicy(ctx, tenantID)
	if err == nil {
		return *rp
	}
	if !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("risk policy lookup failed, using shadow defaults", "tenant_id", tenantID, "error", err)
	}
	return model.RiskPolicy{
		TenantID:         tenantID,
		RiskThreshold:    e.cfg.Risk.MaxRiskScore,
		DamageThreshold:  e.cfg.Risk.MaxDamageScore,
		PropagationLimit: e.cfg.Risk.MaxPropagationScore,
		Mode:             "shadow",
	}
}

// securityFindings aggregates stored scanner findings for the intent.
// Nil means no scan ran, which skips the security gate.
func (e *Engine) securityFindings(ctx context.Context, intentID string) (map[model.FindingSeverity]int, error) {
	rows, err := e.store.ListFindings(ctx, model.FindingFilter{IntentID: intentID})
	if err != nil {
		return nil, fmt.Errorf("engine: security findings for %s: %w", intentID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	counts := make(map[model.FindingSeverity]int)
	for _, f := range rows {
		counts[f.Severity]++
	}
	return counts, nil
}

func requiredChecks(profile, extra []string) []string {
	seen := make(map[string]struct{}, len(profile)+len(extra))
	var out []string
	for _, c := range append(append([]string(nil), profile...), extra...) {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func conflictReason(conflicts []string) string {
	shown := conflicts
	if len(shown) > maxConflictsInReason {
		shown = shown[:maxConflictsInReason]
	}
	return fmt.Sprintf("Merge conflicts: %s", strings.Join(shown, ", "))
}

func riskGateReason(g policy.RiskGateResult) string {
	parts := make([]string, 0, len(g.Breaches))
	for _, b := range g.Breaches {
		parts = append(parts, fmt.Sprintf("%s %.1f > %.1f", b.Metric, b.Value, b.Limit))
	}
	return fmt.Sprintf("risk gate enforced: %s", strings.Join(parts, "; "))
}
