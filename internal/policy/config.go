// Package policy evaluates merge gates against risk-level profiles.
// Configuration layers: embedded defaults, then an optional JSON config
// file, then per-origin overrides applied at lookup time.
package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ghmbegerez/converge/internal/model"
)

// Profile holds the gate thresholds for one risk level.
type Profile struct {
	EntropyBudget  float64  `json:"entropy_budget"`
	ContainmentMin float64  `json:"containment_min"`
	BlastLimit     float64  `json:"blast_limit"`
	Checks         []string `json:"checks"`
	CoherencePass  float64  `json:"coherence_pass"`
	CoherenceWarn  float64  `json:"coherence_warn"`
	MaxCritical    int      `json:"max_critical"`
	MaxHigh        int      `json:"max_high"`
}

// ProfilePatch is a partial profile; nil fields leave the base value
// untouched. Config files and origin overrides are expressed as patches
// so a file that only sets checks does not zero the other thresholds.
type ProfilePatch struct {
	EntropyBudget  *float64  `json:"entropy_budget,omitempty"`
	ContainmentMin *float64  `json:"containment_min,omitempty"`
	BlastLimit     *float64  `json:"blast_limit,omitempty"`
	Checks         *[]string `json:"checks,omitempty"`
	CoherencePass  *float64  `json:"coherence_pass,omitempty"`
	CoherenceWarn  *float64  `json:"coherence_warn,omitempty"`
	MaxCritical    *int      `json:"max_critical,omitempty"`
	MaxHigh        *int      `json:"max_high,omitempty"`
}

func (p ProfilePatch) apply(base Profile) Profile {
	if p.EntropyBudget != nil {
		base.EntropyBudget = *p.EntropyBudget
	}
	if p.ContainmentMin != nil {
		base.ContainmentMin = *p.ContainmentMin
	}
	if p.BlastLimit != nil {
		base.BlastLimit = *p.BlastLimit
	}
	if p.Checks != nil {
		base.Checks = append([]string(nil), (*p.Checks)...)
	}
	if p.CoherencePass != nil {
		base.CoherencePass = *p.CoherencePass
	}
	if p.CoherenceWarn != nil {
		base.CoherenceWarn = *p.CoherenceWarn
	}
	if p.MaxCritical != nil {
		base.MaxCritical = *p.MaxCritical
	}
	if p.MaxHigh != nil {
		base.MaxHigh = *p.MaxHigh
	}
	return base
}

// QueueConfig holds queue processing defaults.
type QueueConfig struct {
	MaxRetries    int    `json:"max_retries"`
	DefaultTarget string `json:"default_target"`
}

// RiskThresholds are the risk gate limits when no tenant policy exists.
type RiskThresholds struct {
	MaxRiskScore        float64 `json:"max_risk_score"`
	MaxDamageScore      float64 `json:"max_damage_score"`
	MaxPropagationScore float64 `json:"max_propagation_score"`
}

// IntakeConfig holds the intake controller thresholds. Mode is derived
// from min(health, 100-debt): below PauseBelowHealth the system pauses,
// below ThrottleBelowHealth it throttles to ThrottleRatio of intents.
type IntakeConfig struct {
	PauseBelowHealth    float64 `json:"pause_below_health"`
	ThrottleBelowHealth float64 `json:"throttle_below_health"`
	ThrottleRatio       float64 `json:"throttle_ratio"`
}

// originDefaultKey in an origin override block applies to every risk
// level; a level-specific entry wins over it.
const originDefaultKey = "_default"

// Config is the loaded policy configuration.
type Config struct {
	Profiles        map[string]Profile                 `json:"profiles"`
	Queue           QueueConfig                        `json:"queue"`
	Risk            RiskThresholds                     `json:"risk"`
	Intake          IntakeConfig                       `json:"intake"`
	OriginOverrides map[string]map[string]ProfilePatch `json:"origin_overrides,omitempty"`
}

// DefaultConfig returns the embedded profiles and queue/risk defaults.
func DefaultConfig() Config {
	return Config{
		Profiles: map[string]Profile{
			"low": {EntropyBudget: 25.0, ContainmentMin: 0.3, BlastLimit: 50.0,
				Checks: []string{"lint"}, CoherencePass: 75, CoherenceWarn: 60,
				MaxCritical: 0, MaxHigh: 5},
			"medium": {EntropyBudget: 18.0, ContainmentMin: 0.5, BlastLimit: 35.0,
				Checks: []string{"lint"}, CoherencePass: 75, CoherenceWarn: 60,
				MaxCritical: 0, MaxHigh: 2},
			"high": {EntropyBudget: 12.0, ContainmentMin: 0.7, BlastLimit: 20.0,
				Checks: []string{"lint", "unit_tests"}, CoherencePass: 75, CoherenceWarn: 60,
				MaxCritical: 0, MaxHigh: 0},
			"critical": {EntropyBudget: 6.0, ContainmentMin: 0.85, BlastLimit: 10.0,
				Checks: []string{"lint", "unit_tests"}, CoherencePass: 80, CoherenceWarn: 70,
				MaxCritical: 0, MaxHigh: 0},
		},
		Queue: QueueConfig{MaxRetries: 3, DefaultTarget: "main"},
		Risk: RiskThresholds{
			MaxRiskScore:        65.0,
			MaxDamageScore:      60.0,
			MaxPropagationScore: 55.0,
		},
		Intake: IntakeConfig{
			PauseBelowHealth:    30,
			ThrottleBelowHealth: 60,
			ThrottleRatio:       0.5,
		},
	}
}

// fileConfig mirrors Config but with patch-typed profiles so partial
// files merge instead of replacing.
type fileConfig struct {
	Profiles        map[string]ProfilePatch            `json:"profiles"`
	Queue           *QueueConfig                       `json:"queue"`
	Risk            *RiskThresholds                    `json:"risk"`
	Intake          *IntakeConfig                      `json:"intake"`
	OriginOverrides map[string]map[string]ProfilePatch `json:"origin_overrides"`
}

// LoadConfig layers an optional JSON file over the defaults. Search
// order: explicit path, .converge/policy.json, policy.json,
// policy.default.json; the first file found wins.
func LoadConfig(explicitPath string) (Config, error) {
	cfg := DefaultConfig()

	paths := []string{}
	if explicitPath != "" {
		paths = append(paths, explicitPath)
	}
	paths = append(paths, ".converge/policy.json", "policy.json", "policy.default.json")

	for _, p := range paths {
		raw, err := os.ReadFile(p) //nolint:gosec // fixed search paths plus operator-supplied config path
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, fmt.Errorf("policy: read config %s: %w", p, err)
		}
		var fc fileConfig
		if err := json.Unmarshal(raw, &fc); err != nil {
			return cfg, fmt.Errorf("policy: parse config %s: %w", p, err)
		}
		for level, patch := range fc.Profiles {
			cfg.Profiles[level] = patch.apply(cfg.Profiles[level])
		}
		if fc.Queue != nil {
			cfg.Queue = *fc.Queue
		}
		if fc.Risk != nil {
			cfg.Risk = *fc.Risk
		}
		if fc.Intake != nil {
			cfg.Intake = *fc.Intake
		}
		if fc.OriginOverrides != nil {
			cfg.OriginOverrides = fc.OriginOverrides
		}
		break
	}
	return cfg, nil
}

// ProfileFor resolves the effective profile for a risk level and origin.
// Unknown levels fall back to medium. Origin overrides layer on top:
// the origin's "_default" patch first, then its level-specific patch.
func (c Config) ProfileFor(level model.RiskLevel, origin model.OriginType) Profile {
	base, ok := c.Profiles[string(level)]
	if !ok {
		base = c.Profiles["medium"]
	}
	overrides, ok := c.OriginOverrides[string(origin)]
	if !ok {
		return base
	}
	if patch, ok := overrides[originDefaultKey]; ok {
		base = patch.apply(base)
	}
	if patch, ok := overrides[string(level)]; ok {
		base = patch.apply(base)
	}
	return base
}
