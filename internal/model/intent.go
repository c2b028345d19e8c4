package model

import (
	"fmt"
	"time"
)

// IntentStatus is the lifecycle state of an intent.
//
// READY → VALIDATED → QUEUED → MERGED, with BLOCK sending an intent back
// to READY (requeue) or to REJECTED once retries are exhausted. MERGED and
// REJECTED are terminal.
type IntentStatus string

const (
	StatusReady     IntentStatus = "READY"
	StatusValidated IntentStatus = "VALIDATED"
	StatusQueued    IntentStatus = "QUEUED"
	StatusMerged    IntentStatus = "MERGED"
	StatusRejected  IntentStatus = "REJECTED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s IntentStatus) Terminal() bool {
	return s == StatusMerged || s == StatusRejected
}

// RiskLevel classifies an intent's declared blast radius.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether l is a known risk level.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// OriginType records who authored an intent.
type OriginType string

const (
	OriginHuman       OriginType = "human"
	OriginAgent       OriginType = "agent"
	OriginIntegration OriginType = "integration"
)

// Technical carries the machine-facing metadata of an intent.
type Technical struct {
	Repo              string         `json:"repo,omitempty"`
	InitialBaseCommit string         `json:"initial_base_commit,omitempty"`
	InstallationID    int64          `json:"installation_id,omitempty"`
	ScopeHints        []string       `json:"scope_hint,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Intent is a proposed merge from Source into Target. It is the
// materialized view over intent-related events; lifecycle transitions
// update this row and append the corresponding event in one transaction.
type Intent struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Target         string         `json:"target"`
	Status         IntentStatus   `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CreatedBy      string         `json:"created_by,omitempty"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Priority       int            `json:"priority"`
	Semantic       map[string]any `json:"semantic,omitempty"`
	Technical      Technical      `json:"technical"`
	ChecksRequired []string       `json:"checks_required,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	Retries        int            `json:"retries"`
	TenantID       string         `json:"tenant_id,omitempty"`
	PlanID         string         `json:"plan_id,omitempty"`
	Origin         OriginType     `json:"origin_type"`
}

// PullRequestIntentID derives the canonical id of a webhook-originated
// pull-request intent.
func PullRequestIntentID(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s:pr-%d", owner, repo, number)
}

// MergeGroupIntentID derives the canonical id of a merge-group intent from
// the head sha (first 12 characters).
func MergeGroupIntentID(owner, repo, sha string) string {
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("%s/%s:mg-%s", owner, repo, sha)
}

// IntentFilter selects intents from the store. Zero values mean
// "no filter". When ByQueueOrder is set, results are ordered by
// (priority ASC, created_at ASC); otherwise by created_at DESC.
type IntentFilter struct {
	Status       IntentStatus
	TenantID     string
	Source       string
	Target       string
	Repo         string
	PlanID       string
	Origin       OriginType
	ByQueueOrder bool
	Limit        int
}

// CommitLink associates an observed commit sha with an intent.
type CommitLink struct {
	IntentID   string    `json:"intent_id"`
	Repo       string    `json:"repo"`
	SHA        string    `json:"sha"`
	Role       string    `json:"role"` // head, base, or merge
	ObservedAt time.Time `json:"observed_at"`
}

// Commit link roles.
const (
	CommitRoleHead  = "head"
	CommitRoleBase  = "base"
	CommitRoleMerge = "merge"
)

// EmbeddingRecord stores a semantic embedding of an intent's description,
// keyed by (intent_id, model).
type EmbeddingRecord struct {
	IntentID    string    `json:"intent_id"`
	Model       string    `json:"model"`
	Dimension   int       `json:"dimension"`
	Checksum    string    `json:"checksum"`
	Vector      []float32 `json:"vector"`
	GeneratedAt time.Time `json:"generated_at"`
}
