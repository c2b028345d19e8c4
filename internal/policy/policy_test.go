package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/model"
)

func TestEvaluateAllGatesPass(t *testing.T) {
	ev := Evaluate(DefaultConfig(), Input{
		RiskLevel:        model.RiskMedium,
		ChecksPassed:     []string{"lint"},
		EntropyDelta:     10,
		ContainmentScore: 0.8,
	})
	assert.Equal(t, VerdictAllow, ev.Verdict)
	assert.Empty(t, ev.Blocked)
	assert.Len(t, ev.Gates, 3)
}

func TestEvaluateMissingCheckBlocks(t *testing.T) {
	ev := Evaluate(DefaultConfig(), Input{
		RiskLevel:        model.RiskHigh,
		ChecksPassed:     []string{"lint"}, // high also requires unit_tests
		EntropyDelta:     5,
		ContainmentScore: 0.9,
	})
	assert.Equal(t, VerdictBlock, ev.Verdict)
	assert.Contains(t, ev.Blocked, GateVerification)
}

func TestEvaluateEntropyBudget(t *testing.T) {
	ev := Evaluate(DefaultConfig(), Input{
		RiskLevel:        model.RiskCritical,
		ChecksPassed:     []string{"lint", "unit_tests"},
		EntropyDelta:     7, // critical budget is 6
		ContainmentScore: 0.9,
	})
	assert.Equal(t, VerdictBlock, ev.Verdict)
	assert.Equal(t, []string{GateEntropy}, ev.Blocked)
}

func TestSecurityGateOnlyWhenSupplied(t *testing.T) {
	base := Input{
		RiskLevel:        model.RiskMedium,
		ChecksPassed:     []string{"lint"},
		EntropyDelta:     5,
		ContainmentScore: 0.9,
	}

	ev := Evaluate(DefaultConfig(), base)
	assert.Len(t, ev.Gates, 3, "security gate skipped when no scan ran")

	base.SecurityFindings = map[model.FindingSeverity]int{model.SeverityCritical: 1}
	ev = Evaluate(DefaultConfig(), base)
	assert.Equal(t, VerdictBlock, ev.Verdict)
	assert.Contains(t, ev.Blocked, GateSecurity)
}

func TestCoherenceGateWarnZonePasses(t *testing.T) {
	score := 65.0 // medium: warn 60, pass 75
	ev := Evaluate(DefaultConfig(), Input{
		RiskLevel:        model.RiskMedium,
		ChecksPassed:     []string{"lint"},
		EntropyDelta:     5,
		ContainmentScore: 0.9,
		CoherenceScore:   &score,
	})
	assert.Equal(t, VerdictAllow, ev.Verdict)

	low := 50.0
	ev = Evaluate(DefaultConfig(), Input{
		RiskLevel:        model.RiskMedium,
		ChecksPassed:     []string{"lint"},
		EntropyDelta:     5,
		ContainmentScore: 0.9,
		CoherenceScore:   &low,
	})
	assert.Contains(t, ev.Blocked, GateCoherence)
}

func TestOriginOverrides(t *testing.T) {
	strict := 0.9
	cfg := DefaultConfig()
	cfg.OriginOverrides = map[string]map[string]ProfilePatch{
		"agent": {
			"_default": {ContainmentMin: &strict},
		},
	}

	human := cfg.ProfileFor(model.RiskMedium, model.OriginHuman)
	agent := cfg.ProfileFor(model.RiskMedium, model.OriginAgent)
	assert.Equal(t, 0.5, human.ContainmentMin)
	assert.Equal(t, 0.9, agent.ContainmentMin)

	// Level-specific override beats _default.
	stricter := 0.95
	cfg.OriginOverrides["agent"]["critical"] = ProfilePatch{ContainmentMin: &stricter}
	assert.Equal(t, 0.95, cfg.ProfileFor(model.RiskCritical, model.OriginAgent).ContainmentMin)
	assert.Equal(t, 0.9, cfg.ProfileFor(model.RiskLow, model.OriginAgent).ContainmentMin)
}

func TestLoadConfigMergesShallowly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"profiles": {"medium": {"checks": ["lint", "unit_tests", "integration"]}},
		"queue": {"max_retries": 5, "default_target": "develop"}
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	medium := cfg.Profiles["medium"]
	assert.Equal(t, []string{"lint", "unit_tests", "integration"}, medium.Checks)
	assert.Equal(t, 18.0, medium.EntropyBudget, "untouched fields keep defaults")
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, "develop", cfg.Queue.DefaultTarget)
	assert.Equal(t, 65.0, cfg.Risk.MaxRiskScore)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Profiles["high"], cfg.Profiles["high"])
}

func TestRolloutBucketDeterministic(t *testing.T) {
	b1 := RolloutBucket("acme/app:pr-42")
	b2 := RolloutBucket("acme/app:pr-42")
	assert.Equal(t, b1, b2)
	assert.GreaterOrEqual(t, b1, 0.0)
	assert.LessOrEqual(t, b1, 1.0)
	assert.NotEqual(t, b1, RolloutBucket("acme/app:pr-43"))
	assert.Equal(t, 0.0, RolloutBucket(""))
}

func TestRiskGateShadowNeverEnforces(t *testing.T) {
	p := model.RiskPolicy{RiskThreshold: 50, DamageThreshold: 50, PropagationLimit: 50, Mode: "shadow", EnforceRatio: 1}
	res := EvaluateRiskGate(RiskScores{RiskScore: 90, DamageScore: 90, PropagationScore: 90}, p, "x")
	assert.True(t, res.WouldBlock)
	assert.False(t, res.Enforced)
	assert.Len(t, res.Breaches, 3)
}

func TestRiskGateEnforceRatio(t *testing.T) {
	p := model.RiskPolicy{RiskThreshold: 50, DamageThreshold: 100, PropagationLimit: 100, Mode: "enforce", EnforceRatio: 1}
	res := EvaluateRiskGate(RiskScores{RiskScore: 80}, p, "intent-1")
	assert.True(t, res.Enforced, "ratio 1.0 puts every intent in the enforcement group")

	p.EnforceRatio = 0
	res = EvaluateRiskGate(RiskScores{RiskScore: 80}, p, "intent-1")
	assert.True(t, res.WouldBlock)
	assert.False(t, res.Enforced, "ratio 0 means nobody is enforced")
}

func TestRiskGateNoBreaches(t *testing.T) {
	p := model.RiskPolicy{RiskThreshold: 75, DamageThreshold: 70, PropagationLimit: 60, Mode: "enforce", EnforceRatio: 1}
	res := EvaluateRiskGate(RiskScores{RiskScore: 10, DamageScore: 10, PropagationScore: 10}, p, "x")
	assert.False(t, res.WouldBlock)
	assert.False(t, res.Enforced)
	assert.Empty(t, res.Breaches)
}

func TestCalibrateProfiles(t *testing.T) {
	base := DefaultConfig().Profiles

	scores := make([]float64, 100)
	for i := range scores {
		scores[i] = float64(i) // p75=75, p90=90, p95=95
	}
	out := CalibrateProfiles(scores, base)

	assert.Equal(t, 112.5, out["low"].EntropyBudget)
	assert.Equal(t, 75.0, out["medium"].EntropyBudget)
	assert.Equal(t, 90.0, out["high"].EntropyBudget)
	assert.Equal(t, 76.0, out["critical"].EntropyBudget)

	// Benign history hits the floors instead of collapsing budgets.
	low := CalibrateProfiles([]float64{1, 1, 1, 1}, base)
	assert.Equal(t, floorLow, low["low"].EntropyBudget)
	assert.Equal(t, floorCritical, low["critical"].EntropyBudget)

	// No history leaves profiles untouched.
	same := CalibrateProfiles(nil, base)
	assert.Equal(t, base["high"].EntropyBudget, same["high"].EntropyBudget)
}

func TestLoadConfigSearchOrderSkipsExplicitMissing(t *testing.T) {
	// Explicit path missing falls through to defaults when no other
	// config file exists in cwd.
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("does-not-exist.json")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
}
