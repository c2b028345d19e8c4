package projections

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
)

// HealthSnapshot summarizes repository health over a window.
type HealthSnapshot struct {
	RepoHealthScore float64  `json:"repo_health_score"`
	EntropyScore    float64  `json:"entropy_score"`
	MergeableRate   float64  `json:"mergeable_rate"`
	ConflictRate    float64  `json:"conflict_rate"`
	ActiveIntents   int      `json:"active_intents"`
	Merged          int      `json:"merged_last_window"`
	Rejected        int      `json:"rejected_last_window"`
	Status          string   `json:"status"`
	TenantID        string   `json:"tenant_id,omitempty"`
	Learning        Learning `json:"learning"`
}

// DefaultHealthWindowHours is the lookback for RepoHealth.
const DefaultHealthWindowHours = 24

// RepoHealth computes the composite health score from recent events and
// emits a health.snapshot event. A quiet window with no simulations
// counts as fully mergeable.
func (p *Projector) RepoHealth(ctx context.Context, tenantID string, windowHours int) (HealthSnapshot, error) {
	if windowHours <= 0 {
		windowHours = DefaultHealthWindowHours
	}
	since := p.now().Add(-time.Duration(windowHours) * time.Hour)

	sims, err := p.log.Query(ctx, model.EventQuery{Type: model.EventSimulationCompleted, TenantID: tenantID, Since: since, Limit: queryLimit})
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("projections: repo health: %w", err)
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

	merged, err := p.log.Query(ctx, model.EventQuery{Type: model.EventIntentMerged, TenantID: tenantID, Since: since, Limit: queryLimit})
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("projections: repo health: %w", err)
	}
	rejected, err := p.log.Query(ctx, model.EventQuery{Type: model.EventIntentRejected, TenantID: tenantID, Since: since, Limit: queryLimit})
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("projections: repo health: %w", err)
	}

	riskEvents, err := p.log.Query(ctx, model.EventQuery{Type: model.EventRiskEvaluated, TenantID: tenantID, Since: since, Limit: queryLimit})
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("projections: repo health: %w", err)
	}
	avgEntropy := 0.0
	if len(riskEvents) > 0 {
		var sum float64
		for _, e := range riskEvents {
			sum += payloadFloat(e, "entropy_score")
		}
		avgEntropy = sum / float64(len(riskEvents))
	}

	intents, err := p.store.ListIntents(ctx, model.IntentFilter{TenantID: tenantID, Limit: queryLimit})
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("projections: repo health: %w", err)
	}
	activeCount := 0
	for _, i := range intents {
		if active(i.Status) {
			activeCount++
		}
	}

	score := 100.0
	score -= conflictRate * 30
	score -= min(avgEntropy, 50) * 0.5
	score -= min(float64(len(rejected)), 20) * 1.5
	if score < 0 {
		score = 0
	}
	score = round1(score)

	snapshot := HealthSnapshot{
		RepoHealthScore: score,
		EntropyScore:    round1(avgEntropy),
		MergeableRate:   round3(mergeableRate),
		ConflictRate:    round3(conflictRate),
		ActiveIntents:   activeCount,
		Merged:          len(merged),
		Rejected:        len(rejected),
		Status:          statusColor(score),
		TenantID:        tenantID,
		Learning:        healthLearning(score, mergeableRate, avgEntropy, len(rejected)),
	}

	if _, err := p.log.Append(ctx, model.Event{
		Type:     model.EventHealthSnapshot,
		TenantID: tenantID,
		Payload:  asPayload(snapshot),
	}); err != nil {
		return HealthSnapshot{}, fmt.Errorf("projections: repo health: %w", err)
	}
	return snapshot, nil
}

// ChangeHealth scores a single intent from its latest simulation, risk,
// and policy events, and emits health.change_snapshot.
type ChangeHealth struct {
	IntentID      string   `json:"intent_id"`
	HealthScore   float64  `json:"health_score"`
	RiskScore     float64  `json:"risk_score"`
	EntropyScore  float64  `json:"entropy_score"`
	Mergeable     bool     `json:"mergeable"`
	PolicyVerdict string   `json:"policy_verdict"`
	Status        string   `json:"status"`
	TenantID      string   `json:"tenant_id,omitempty"`
	Learning      Learning `json:"learning"`
}

// IntentHealth computes the per-change health snapshot.
func (p *Projector) IntentHealth(ctx context.Context, intentID, tenantID string) (ChangeHealth, error) {
	riskScore, entropy := 0.0, 0.0
	if e, err := p.latest(ctx, model.EventRiskEvaluated, intentID); err != nil {
		return ChangeHealth{}, err
	} else if e != nil {
		riskScore = payloadFloat(*e, "risk_score")
		entropy = payloadFloat(*e, "entropy_score")
	}

	mergeable := true
	if e, err := p.latest(ctx, model.EventSimulationCompleted, intentID); err != nil {
		return ChangeHealth{}, err
	} else if e != nil {
		mergeable = payloadBool(*e, "mergeable")
	}

	verdict := "unknown"
	if e, err := p.latest(ctx, model.EventPolicyEvaluated, intentID); err != nil {
		return ChangeHealth{}, err
	} else if e != nil {
		verdict = payloadString(*e, "verdict")
	}

	score := 100.0 - riskScore*0.5 - entropy*0.3
	if !mergeable {
		score -= 30
	}
	if score < 0 {
		score = 0
	}
	score = round1(score)

	snapshot := ChangeHealth{
		IntentID:      intentID,
		HealthScore:   score,
		RiskScore:     riskScore,
		EntropyScore:  entropy,
		Mergeable:     mergeable,
		PolicyVerdict: verdict,
		Status:        statusColor(score),
		TenantID:      tenantID,
		Learning:      changeLearning(score, riskScore, entropy, mergeable),
	}

	if _, err := p.log.Append(ctx, model.Event{
		Type:     model.EventHealthChangeSnapshot,
		IntentID: intentID,
		TenantID: tenantID,
		Payload:  asPayload(snapshot),
	}); err != nil {
		return ChangeHealth{}, fmt.Errorf("projections: intent health: %w", err)
	}
	return snapshot, nil
}

func (p *Projector) latest(ctx context.Context, t model.EventType, intentID string) (*model.Event, error) {
	events, err := p.log.Query(ctx, model.EventQuery{Type: t, IntentID: intentID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("projections: query %s: %w", t, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// PredictionSignal flags one concerning trend.
type PredictionSignal struct {
	Signal   string `json:"signal"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Velocity captures change-per-period of the tracked metrics.
type Velocity struct {
	Health       float64 `json:"health"`
	Entropy      float64 `json:"entropy"`
	ConflictRate float64 `json:"conflict_rate"`
}

// Prediction is the forward health projection.
type Prediction struct {
	CurrentStatus   string             `json:"current_status"`
	CurrentHealth   float64            `json:"current_health"`
	ProjectedStatus string             `json:"projected_status"`
	ProjectedHealth float64            `json:"projected_health"`
	HorizonDays     int                `json:"horizon_days"`
	Velocity        Velocity           `json:"velocity"`
	Signals         []PredictionSignal `json:"signals"`
	ShouldGate      bool               `json:"should_gate"`
	Confidence      string             `json:"confidence"`
	Recommendation  string             `json:"recommendation"`
	DataPoints      int                `json:"data_points"`
	TenantID        string             `json:"tenant_id,omitempty"`
}

const minPredictionSnapshots = 3

// PredictHealth fits velocities on the older and recent halves of past
// health snapshots, projects one period forward, and recommends gating
// when the trajectory enters red before the current state does.
func (p *Projector) PredictHealth(ctx context.Context, tenantID string, horizonDays int) (Prediction, error) {
	if horizonDays <= 0 {
		horizonDays = 7
	}
	since := p.now().Add(-time.Duration(horizonDays*2) * 24 * time.Hour)
	snapshots, err := p.log.Query(ctx, model.EventQuery{Type: model.EventHealthSnapshot, TenantID: tenantID, Since: since, Limit: 500})
	if err != nil {
		return Prediction{}, fmt.Errorf("projections: predict health: %w", err)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Timestamp.Before(snapshots[j].Timestamp) })

	if len(snapshots) < minPredictionSnapshots {
		return Prediction{
			ProjectedStatus: "unknown",
			Confidence:      "low",
			Recommendation:  "collect more health snapshots before prediction is reliable",
			DataPoints:      len(snapshots),
			TenantID:        tenantID,
		}, nil
	}

	scores := make([]float64, len(snapshots))
	entropies := make([]float64, len(snapshots))
	conflicts := make([]float64, len(snapshots))
	for i, s := range snapshots {
		scores[i] = payloadFloat(s, "repo_health_score")
		entropies[i] = payloadFloat(s, "entropy_score")
		conflicts[i] = payloadFloat(s, "conflict_rate")
	}

	mid := len(scores) / 2
	healthVel := mean(scores[mid:]) - mean(scores[:mid])
	entropyVel := mean(entropies[mid:]) - mean(entropies[:mid])
	conflictVel := mean(conflicts[mid:]) - mean(conflicts[:mid])

	avgRecent := mean(scores[mid:])
	projectedHealth := avgRecent + healthVel
	if projectedHealth < 0 {
		projectedHealth = 0
	}
	if projectedHealth > 100 {
		projectedHealth = 100
	}

	currentHealth := scores[len(scores)-1]
	currentStatus := statusColor(currentHealth)
	projectedStatus := statusColor(projectedHealth)

	var signals []PredictionSignal
	if healthVel < -5 {
		severity := "medium"
		if healthVel < -10 {
			severity = "high"
		}
		signals = append(signals, PredictionSignal{
			Signal:   "predict.health_falling",
			Message:  fmt.Sprintf("health declining at %.1f per period (current: %.0f)", healthVel, avgRecent),
			Severity: severity,
		})
	}
	if entropyVel > 3 {
		severity := "medium"
		if entropyVel > 5 {
			severity = "high"
		}
		signals = append(signals, PredictionSignal{
			Signal:   "predict.entropy_rising",
			Message:  fmt.Sprintf("entropy rising at +%.1f per period", entropyVel),
			Severity: severity,
		})
	}
	if conflictVel > 0.05 {
		signals = append(signals, PredictionSignal{
			Signal:   "predict.conflict_rising",
			Message:  fmt.Sprintf("conflict rate rising at +%.2f per period", conflictVel),
			Severity: "medium",
		})
	}

	shouldGate := projectedStatus == "red" && currentStatus != "red"
	if shouldGate {
		signals = append(signals, PredictionSignal{
			Signal:   "predict.approaching_red",
			Message:  fmt.Sprintf("current: %s (%.0f), projected: red (%.0f)", currentStatus, currentHealth, projectedHealth),
			Severity: "critical",
		})
	}

	recommendation := "system trajectory is stable"
	if shouldGate {
		recommendation = "consider pausing new intents, health trajectory indicates degradation"
	}
	confidence := "medium"
	if len(snapshots) >= 7 {
		confidence = "high"
	}

	pred := Prediction{
		CurrentStatus:   currentStatus,
		CurrentHealth:   round1(currentHealth),
		ProjectedStatus: projectedStatus,
		ProjectedHealth: round1(projectedHealth),
		HorizonDays:     horizonDays,
		Velocity: Velocity{
			Health:       round2(healthVel),
			Entropy:      round2(entropyVel),
			ConflictRate: round4(conflictVel),
		},
		Signals:        signals,
		ShouldGate:     shouldGate,
		Confidence:     confidence,
		Recommendation: recommendation,
		DataPoints:     len(snapshots),
		TenantID:       tenantID,
	}

	if _, err := p.log.Append(ctx, model.Event{
		Type:     model.EventHealthPrediction,
		TenantID: tenantID,
		Payload:  asPayload(pred),
	}); err != nil {
		return Prediction{}, fmt.Errorf("projections: predict health: %w", err)
	}
	return pred, nil
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
