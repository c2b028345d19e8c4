package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"

	"github.com/ghmbegerez/converge/internal/model"
)

// Breach records one risk metric exceeding its limit.
type Breach struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
}

// RiskGateResult is the outcome of the risk gate, including the rollout
// state that determined whether a would-block became an actual block.
type RiskGateResult struct {
	WouldBlock         bool     `json:"would_block"`
	Enforced           bool     `json:"enforced"`
	Mode               string   `json:"mode"`
	EnforceRatio       float64  `json:"enforce_ratio"`
	RolloutBucket      float64  `json:"rollout_bucket"`
	InEnforcementGroup bool     `json:"in_enforcement_group"`
	Breaches           []Breach `json:"breaches,omitempty"`
	PolicyVersion      int      `json:"policy_version,omitempty"`
}

// RolloutBucket maps an intent id deterministically into [0, 1): the
// first 8 hex chars of SHA-256 over the id, divided by 16^8. The same
// intent always lands in the same bucket, so gradual enforcement is
// stable across retries. This mapping is a public contract shared with
// the intake throttle; changing the slice length or divisor reshuffles
// every tenant's enforcement group.
func RolloutBucket(intentID string) float64 {
	if intentID == "" {
		return 0
	}
	sum := sha256.Sum256([]byte(intentID))
	v, _ := strconv.ParseUint(hex.EncodeToString(sum[:4]), 16, 64)
	return float64(v) / float64(1<<32)
}

// RiskScores are the inputs the gate compares against thresholds.
type RiskScores struct {
	RiskScore        float64
	DamageScore      float64
	PropagationScore float64
}

// EvaluateRiskGate compares scores against the tenant policy. In shadow
// mode breaches are recorded but never enforced; in enforce mode only
// intents whose rollout bucket falls under EnforceRatio are blocked.
func EvaluateRiskGate(scores RiskScores, p model.RiskPolicy, intentID string) RiskGateResult {
	var breaches []Breach
	if scores.RiskScore > p.RiskThreshold {
		breaches = append(breaches, Breach{Metric: "risk_score", Value: scores.RiskScore, Limit: p.RiskThreshold})
	}
	if scores.DamageScore > p.DamageThreshold {
		breaches = append(breaches, Breach{Metric: "damage_score", Value: scores.DamageScore, Limit: p.DamageThreshold})
	}
	if scores.PropagationScore > p.PropagationLimit {
		breaches = append(breaches, Breach{Metric: "propagation_score", Value: scores.PropagationScore, Limit: p.PropagationLimit})
	}

	bucket := RolloutBucket(intentID)
	res := RiskGateResult{
		WouldBlock:         len(breaches) > 0,
		Mode:               p.Mode,
		EnforceRatio:       p.EnforceRatio,
		RolloutBucket:      math.Round(bucket*10000) / 10000,
		InEnforcementGroup: bucket < p.EnforceRatio,
		Breaches:           breaches,
		PolicyVersion:      p.Version,
	}
	res.Enforced = p.Mode == "enforce" && res.WouldBlock && res.InEnforcementGroup
	return res
}
