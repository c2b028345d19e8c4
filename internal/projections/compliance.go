package projections

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// Default compliance thresholds, used when a tenant has none stored.
const (
	defaultMinMergeableRate  = 0.80
	defaultMaxConflictRate   = 0.20
	defaultMinReviewCoverage = 0.75
	defaultMaxOpenCritical   = 0
	defaultMaxSLABreaches    = 5
)

// ComplianceCheck is one SLO evaluation.
type ComplianceCheck struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Op        string  `json:"op"`
	Passed    bool    `json:"passed"`
}

// ComplianceReport evaluates the tenant's SLOs from event history.
type ComplianceReport struct {
	MergeableRate  float64           `json:"mergeable_rate"`
	ConflictRate   float64           `json:"conflict_rate"`
	ReviewCoverage float64           `json:"review_coverage"`
	OpenCritical   int               `json:"open_critical_findings"`
	SLABreaches    int               `json:"sla_breaches"`
	Checks         []ComplianceCheck `json:"checks"`
	Passed         bool              `json:"passed"`
	Alerts         []string          `json:"alerts,omitempty"`
	TenantID       string            `json:"tenant_id,omitempty"`
}

// Compliance evaluates SLOs against per-tenant thresholds, falling back
// to defaults when none are stored.
func (p *Projector) Compliance(ctx context.Context, tenantID string) (ComplianceReport, error) {
	minCoverage := defaultMinReviewCoverage
	maxCritical := defaultMaxOpenCritical
	maxBreaches := defaultMaxSLABreaches
	if t, err := p.store.GetComplianceThresholds(ctx, tenantID); err == nil {
		minCoverage = t.MinReviewCoverage
		maxCritical = t.MaxOpenCritical
		maxBreaches = t.MaxSLABreaches
	} else if !errors.Is(err, store.ErrNotFound) {
		return ComplianceReport{}, fmt.Errorf("projections: compliance: %w", err)
	}

	sims, err := p.log.Query(ctx, model.EventQuery{Type: model.EventSimulationCompleted, TenantID: tenantID, Limit: queryLimit})
	if err != nil {
		return ComplianceReport{}, fmt.Errorf("projections: compliance: %w", err)
	}
	mergeable := 0
	for _, s := range sims {
		if payloadBool(s, "mergeable") {
			mergeable++
		}
	}
	mergeableRate := 1.0
	if len(sims) > 0 {
		mergeableRate = float64(mergeable) / float64(len(sims))
	}
	conflictRate := 1.0 - mergeableRate

	// Coverage: fraction of merged intents with a completed review.
	merged, err := p.log.Query(ctx, model.EventQuery{Type: model.EventIntentMerged, TenantID: tenantID, Limit: queryLimit})
	if err != nil {
		return ComplianceReport{}, fmt.Errorf("projections: compliance: %w", err)
	}
	completedReviews, err := p.store.ListReviewTasks(ctx, model.ReviewFilter{
		TenantID: tenantID,
		Statuses: []model.ReviewStatus{model.ReviewCompleted},
		Limit:    queryLimit,
	})
	if err != nil {
		return ComplianceReport{}, fmt.Errorf("projections: compliance: %w", err)
	}
	reviewed := make(map[string]struct{}, len(completedReviews))
	for _, r := range completedReviews {
		reviewed[r.IntentID] = struct{}{}
	}
	coverage := 1.0
	if len(merged) > 0 {
		covered := 0
		for _, e := range merged {
			if _, ok := reviewed[e.IntentID]; ok {
				covered++
			}
		}
		coverage = float64(covered) / float64(len(merged))
	}

	critical, err := p.store.ListFindings(ctx, model.FindingFilter{
		TenantID:   tenantID,
		Severities: []model.FindingSeverity{model.SeverityCritical},
		Limit:      queryLimit,
	})
	if err != nil {
		return ComplianceReport{}, fmt.Errorf("projections: compliance: %w", err)
	}

	breaches, err := p.log.Query(ctx, model.EventQuery{Type: model.EventReviewSLABreach, TenantID: tenantID, Limit: queryLimit})
	if err != nil {
		return ComplianceReport{}, fmt.Errorf("projections: compliance: %w", err)
	}

	report := ComplianceReport{
		MergeableRate:  round3(mergeableRate),
		ConflictRate:   round3(conflictRate),
		ReviewCoverage: round3(coverage),
		OpenCritical:   len(critical),
		SLABreaches:    len(breaches),
		TenantID:       tenantID,
	}

	check := func(name string, value float64, op string, threshold float64) {
		passed := value <= threshold
		if op == ">=" {
			passed = value >= threshold
		}
		report.Checks = append(report.Checks, ComplianceCheck{
			Name: name, Value: value, Threshold: threshold, Op: op, Passed: passed,
		})
		if !passed {
			report.Alerts = append(report.Alerts, fmt.Sprintf("SLO breach: %s %.3f (want %s %.3f)", name, value, op, threshold))
		}
	}
	check("mergeable_rate", report.MergeableRate, ">=", defaultMinMergeableRate)
	check("conflict_rate", report.ConflictRate, "<=", defaultMaxConflictRate)
	check("review_coverage", report.ReviewCoverage, ">=", minCoverage)
	check("open_critical_findings", float64(report.OpenCritical), "<=", float64(maxCritical))
	check("sla_breaches", float64(report.SLABreaches), "<=", float64(maxBreaches))

	report.Passed = true
	for _, c := range report.Checks {
		if !c.Passed {
			report.Passed = false
			break
		}
	}
	return report, nil
}
