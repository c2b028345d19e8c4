package projections

import (
	"context"
	"fmt"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
)

// Debt factor weights, summing to 100.
const (
	weightStaleness     = 25.0
	weightQueuePressure = 20.0
	weightReviewBacklog = 25.0
	weightConflict      = 15.0
	weightRetry         = 15.0
)

// Debt thresholds and capacities.
const (
	debtStaleHours     = 24
	debtQueueCapacity  = 50
	debtReviewCapacity = 10
	debtGreenMax       = 30
	debtYellowMax      = 70
)

// DebtSnapshot quantifies accumulated verification debt as weighted
// pressure from staleness, queue depth, review backlog, conflicts, and
// retries.
type DebtSnapshot struct {
	DebtScore             float64        `json:"debt_score"`
	StalenessScore        float64        `json:"staleness_score"`
	QueuePressureScore    float64        `json:"queue_pressure_score"`
	ReviewBacklogScore    float64        `json:"review_backlog_score"`
	ConflictPressureScore float64        `json:"conflict_pressure_score"`
	RetryPressureScore    float64        `json:"retry_pressure_score"`
	Breakdown             map[string]any `json:"breakdown"`
	Status                string         `json:"status"`
	TenantID              string         `json:"tenant_id,omitempty"`
}

func debtStatus(score float64) string {
	switch {
	case score <= debtGreenMax:
		return "green"
	case score <= debtYellowMax:
		return "yellow"
	default:
		return "red"
	}
}

// VerificationDebt computes the debt snapshot and emits
// verification.debt_snapshot. The intake controller feeds
// 100 - debt_score into its effective score, so high debt throttles
// inflow even when health looks fine.
func (p *Projector) VerificationDebt(ctx context.Context, tenantID string) (DebtSnapshot, error) {
	intents, err := p.store.ListIntents(ctx, model.IntentFilter{TenantID: tenantID, Limit: queryLimit})
	if err != nil {
		return DebtSnapshot{}, fmt.Errorf("projections: verification debt: %w", err)
	}
	var activeIntents []model.Intent
	for _, i := range intents {
		if active(i.Status) {
			activeIntents = append(activeIntents, i)
		}
	}
	activeCount := len(activeIntents)

	staleCutoff := p.now().Add(-debtStaleHours * time.Hour)
	staleCount := 0
	retryCount := 0
	for _, i := range activeIntents {
		if i.CreatedAt.Before(staleCutoff) {
			staleCount++
		}
		if i.Retries > 0 {
			retryCount++
		}
	}
	stalenessRatio := 0.0
	retryRatio := 0.0
	if activeCount > 0 {
		stalenessRatio = float64(staleCount) / float64(activeCount)
		retryRatio = float64(retryCount) / float64(activeCount)
	}

	queueRatio := min(1.0, float64(activeCount)/debtQueueCapacity)

	reviews, err := p.store.ListReviewTasks(ctx, model.ReviewFilter{
		TenantID: tenantID,
		Statuses: []model.ReviewStatus{model.ReviewPending, model.ReviewAssigned},
		Limit:    queryLimit,
	})
	if err != nil {
		return DebtSnapshot{}, fmt.Errorf("projections: verification debt: %w", err)
	}
	reviewRatio := min(1.0, float64(len(reviews))/debtReviewCapacity)

	since := p.now().Add(-24 * time.Hour)
	sims, err := p.log.Query(ctx, model.EventQuery{Type: model.EventSimulationCompleted, TenantID: tenantID, Since: since, Limit: queryLimit})
	if err != nil {
		return DebtSnapshot{}, fmt.Errorf("projections: verification debt: %w", err)
	}
	mergeConflictRate := 0.0
	if len(sims) > 0 {
		conflicted := 0
		for _, s := range sims {
			if !payloadBool(s, "mergeable") {
				conflicted++
			}
		}
		mergeConflictRate = float64(conflicted) / float64(len(sims))
	}
	semanticConflicts, err := p.log.Query(ctx, model.EventQuery{Type: model.EventSemanticConflictDetected, TenantID: tenantID, Since: since, Limit: queryLimit})
	if err != nil {
		return DebtSnapshot{}, fmt.Errorf("projections: verification debt: %w", err)
	}
	// 10+ open semantic conflicts saturate the semantic share.
	semanticRate := min(1.0, float64(len(semanticConflicts))/10.0)
	conflictRate := mergeConflictRate*0.7 + semanticRate*0.3

	staleness := stalenessRatio * weightStaleness
	queuePressure := queueRatio * weightQueuePressure
	reviewBacklog := reviewRatio * weightReviewBacklog
	conflictPressure := conflictRate * weightConflict
	retryPressure := retryRatio * weightRetry
	debtScore := round1(staleness + queuePressure + reviewBacklog + conflictPressure + retryPressure)

	snapshot := DebtSnapshot{
		DebtScore:             debtScore,
		StalenessScore:        round1(staleness),
		QueuePressureScore:    round1(queuePressure),
		ReviewBacklogScore:    round1(reviewBacklog),
		ConflictPressureScore: round1(conflictPressure),
		RetryPressureScore:    round1(retryPressure),
		Breakdown: map[string]any{
			"stale_intents":         staleCount,
			"active_intents":        activeCount,
			"stale_hours_threshold": debtStaleHours,
			"queue_capacity":        debtQueueCapacity,
			"pending_reviews":       len(reviews),
			"review_capacity":       debtReviewCapacity,
			"conflict_rate":         round3(conflictRate),
			"retry_intents":         retryCount,
		},
		Status:   debtStatus(debtScore),
		TenantID: tenantID,
	}

	if _, err := p.log.Append(ctx, model.Event{
		Type:     model.EventDebtSnapshot,
		TenantID: tenantID,
		Payload:  asPayload(snapshot),
	}); err != nil {
		return DebtSnapshot{}, fmt.Errorf("projections: verification debt: %w", err)
	}
	return snapshot, nil
}
