package policy

import (
	"fmt"

	"github.com/ghmbegerez/converge/internal/model"
)

// Verdicts.
const (
	VerdictAllow = "ALLOW"
	VerdictBlock = "BLOCK"
)

// Gate names, stable wire values surfaced in policy.evaluated events.
const (
	GateVerification = "verification"
	GateContainment  = "containment"
	GateEntropy      = "entropy"
	GateSecurity     = "security"
	GateCoherence    = "coherence"
)

// GateResult is the outcome of one gate.
type GateResult struct {
	Gate      string  `json:"gate"`
	Passed    bool    `json:"passed"`
	Reason    string  `json:"reason"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Evaluation is the verdict over all included gates.
type Evaluation struct {
	Verdict     string          `json:"verdict"`
	Gates       []GateResult    `json:"gates"`
	Blocked     []string        `json:"blocked,omitempty"`
	RiskLevel   model.RiskLevel `json:"risk_level"`
	ProfileUsed string          `json:"profile_used"`
}

// Input carries everything gate evaluation consumes. SecurityFindings
// nil means the security gate is skipped (no scan ran); CoherenceScore
// nil skips the coherence gate.
type Input struct {
	RiskLevel        model.RiskLevel
	Origin           model.OriginType
	ChecksPassed     []string
	EntropyDelta     float64
	ContainmentScore float64
	SecurityFindings map[model.FindingSeverity]int
	CoherenceScore   *float64
}

// Evaluate runs every applicable gate; the verdict is ALLOW iff all of
// them pass. Failed gate names appear verbatim in Blocked.
func Evaluate(cfg Config, in Input) Evaluation {
	profile := cfg.ProfileFor(in.RiskLevel, in.Origin)
	var gates []GateResult

	passed := make(map[string]struct{}, len(in.ChecksPassed))
	for _, c := range in.ChecksPassed {
		passed[c] = struct{}{}
	}
	var missing []string
	for _, c := range profile.Checks {
		if _, ok := passed[c]; !ok {
			missing = append(missing, c)
		}
	}
	verification := GateResult{
		Gate:      GateVerification,
		Passed:    len(missing) == 0,
		Value:     float64(len(in.ChecksPassed)),
		Threshold: float64(len(profile.Checks)),
	}
	if len(missing) > 0 {
		verification.Reason = fmt.Sprintf("missing checks: %v", missing)
	} else {
		verification.Reason = "all required checks passed"
	}
	gates = append(gates, verification)

	gates = append(gates, GateResult{
		Gate:      GateContainment,
		Passed:    in.ContainmentScore >= profile.ContainmentMin,
		Reason:    fmt.Sprintf("containment %.2f vs min %.2f", in.ContainmentScore, profile.ContainmentMin),
		Value:     in.ContainmentScore,
		Threshold: profile.ContainmentMin,
	})

	gates = append(gates, GateResult{
		Gate:      GateEntropy,
		Passed:    in.EntropyDelta <= profile.EntropyBudget,
		Reason:    fmt.Sprintf("entropy delta %.1f vs budget %.1f", in.EntropyDelta, profile.EntropyBudget),
		Value:     in.EntropyDelta,
		Threshold: profile.EntropyBudget,
	})

	if in.SecurityFindings != nil {
		critical := in.SecurityFindings[model.SeverityCritical]
		high := in.SecurityFindings[model.SeverityHigh]
		ok := critical <= profile.MaxCritical && high <= profile.MaxHigh
		gates = append(gates, GateResult{
			Gate:   GateSecurity,
			Passed: ok,
			Reason: fmt.Sprintf("%d critical (max %d), %d high (max %d)",
				critical, profile.MaxCritical, high, profile.MaxHigh),
			Value:     float64(critical),
			Threshold: float64(profile.MaxCritical),
		})
	}

	if in.CoherenceScore != nil {
		score := *in.CoherenceScore
		ok := score >= profile.CoherenceWarn
		reason := fmt.Sprintf("coherence %.1f vs pass %.1f / warn %.1f", score, profile.CoherencePass, profile.CoherenceWarn)
		if score >= profile.CoherencePass {
			reason = fmt.Sprintf("coherence %.1f passes threshold %.1f", score, profile.CoherencePass)
		} else if ok {
			reason = fmt.Sprintf("coherence %.1f in warn zone [%.1f, %.1f)", score, profile.CoherenceWarn, profile.CoherencePass)
		}
		gates = append(gates, GateResult{
			Gate:      GateCoherence,
			Passed:    ok,
			Reason:    reason,
			Value:     score,
			Threshold: profile.CoherenceWarn,
		})
	}

	ev := Evaluation{
		Gates:       gates,
		RiskLevel:   in.RiskLevel,
		ProfileUsed: string(in.RiskLevel),
	}
	for _, g := range gates {
		if !g.Passed {
			ev.Blocked = append(ev.Blocked, g.Gate)
		}
	}
	if len(ev.Blocked) == 0 {
		ev.Verdict = VerdictAllow
	} else {
		ev.Verdict = VerdictBlock
	}
	return ev
}
