package model

import "time"

// ReviewStatus is the lifecycle state of a human review task.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewAssigned  ReviewStatus = "assigned"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewEscalated ReviewStatus = "escalated"
	ReviewCompleted ReviewStatus = "completed"
	ReviewCancelled ReviewStatus = "cancelled"
)

// Open reports whether the task still blocks its intent.
func (s ReviewStatus) Open() bool {
	switch s {
	case ReviewPending, ReviewAssigned, ReviewInReview, ReviewEscalated:
		return true
	}
	return false
}

// ReviewTrigger records what created a review task.
type ReviewTrigger string

const (
	TriggerPolicy    ReviewTrigger = "policy"
	TriggerConflict  ReviewTrigger = "conflict"
	TriggerCoherence ReviewTrigger = "coherence"
	TriggerManual    ReviewTrigger = "manual"
)

// ReviewResolution is the outcome of a completed review.
type ReviewResolution string

const (
	ResolutionApproved ReviewResolution = "approved"
	ResolutionRejected ReviewResolution = "rejected"
	ResolutionDeferred ReviewResolution = "deferred"
)

// ReviewTask is a human-review request attached to an intent. The SLA
// deadline is computed at creation from the intent's risk level:
// low→72h, medium→48h, high→24h, critical→8h.
type ReviewTask struct {
	ID          string           `json:"id"`
	IntentID    string           `json:"intent_id"`
	Status      ReviewStatus     `json:"status"`
	Reviewer    string           `json:"reviewer,omitempty"`
	Priority    int              `json:"priority"`
	RiskLevel   RiskLevel        `json:"risk_level"`
	Trigger     ReviewTrigger    `json:"trigger"`
	SLADeadline time.Time        `json:"sla_deadline"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Resolution  ReviewResolution `json:"resolution,omitempty"`
	TenantID    string           `json:"tenant_id,omitempty"`
}

// SLAWindow returns the review SLA for a risk level.
func SLAWindow(level RiskLevel) time.Duration {
	switch level {
	case RiskCritical:
		return 8 * time.Hour
	case RiskHigh:
		return 24 * time.Hour
	case RiskMedium:
		return 48 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// ReviewFilter selects review tasks from the store.
type ReviewFilter struct {
	IntentID string
	TenantID string
	Statuses []ReviewStatus
	Limit    int
}
