package model

import "time"

// AgentPolicy constrains what a single agent may submit, one row per
// (agent_id, tenant_id).
type AgentPolicy struct {
	AgentID   string         `json:"agent_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	MaxRisk   RiskLevel      `json:"max_risk,omitempty"`
	Allowed   bool           `json:"allowed"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RiskPolicy holds per-tenant risk gate thresholds. Version increases
// monotonically on every upsert.
type RiskPolicy struct {
	TenantID         string    `json:"tenant_id,omitempty"`
	Version          int       `json:"version"`
	RiskThreshold    float64   `json:"risk_threshold"`
	DamageThreshold  float64   `json:"damage_threshold"`
	PropagationLimit float64   `json:"propagation_limit"`
	Mode             string    `json:"mode"`          // shadow or enforce
	EnforceRatio     float64   `json:"enforce_ratio"` // [0,1] rollout slice
	UpdatedAt        time.Time `json:"updated_at"`
}

// ComplianceThresholds holds per-tenant compliance floor values used by
// the compliance projection.
type ComplianceThresholds struct {
	TenantID          string    `json:"tenant_id,omitempty"`
	MinReviewCoverage float64   `json:"min_review_coverage"`
	MaxOpenCritical   int       `json:"max_open_critical"`
	MaxSLABreaches    int       `json:"max_sla_breaches"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IntakeMode is the admission posture of the intake controller.
type IntakeMode string

const (
	IntakeOpen     IntakeMode = "open"
	IntakeThrottle IntakeMode = "throttle"
	IntakePause    IntakeMode = "pause"
)

// IntakeOverride pins a tenant's intake mode manually, bypassing the
// health-driven resolution until cleared.
type IntakeOverride struct {
	TenantID string     `json:"tenant_id,omitempty"`
	Mode     IntakeMode `json:"mode"`
	SetBy    string     `json:"set_by"`
	SetAt    time.Time  `json:"set_at"`
	Reason   string     `json:"reason,omitempty"`
}

// QueueLock is the durable advisory lock serializing queue processing.
// Stale rows (expires_at in the past) are evicted lazily on acquire.
type QueueLock struct {
	Name       string    `json:"lock_name"`
	HolderPID  int       `json:"holder_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// QueueLockName is the lock used by the queue processor.
const QueueLockName = "queue"

// FlagRecord is a persisted feature flag override.
type FlagRecord struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Mode      string    `json:"mode,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
