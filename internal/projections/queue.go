package projections

import (
	"context"
	"fmt"
	"sort"

	"github.com/ghmbegerez/converge/internal/model"
)

// QueuedIntent is one pending entry in the queue snapshot.
type QueuedIntent struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
	Retries  int    `json:"retries"`
}

// QueueSnapshot is the current queue state derived from the intents
// table. It emits no event: queue state is cheap and queried often.
type QueueSnapshot struct {
	Pending  []QueuedIntent `json:"pending"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	TenantID string         `json:"tenant_id,omitempty"`
}

// QueueState summarizes intent counts by status plus the pending set in
// processing order.
func (p *Projector) QueueState(ctx context.Context, tenantID string) (QueueSnapshot, error) {
	intents, err := p.store.ListIntents(ctx, model.IntentFilter{TenantID: tenantID, Limit: queryLimit})
	if err != nil {
		return QueueSnapshot{}, fmt.Errorf("projections: queue state: %w", err)
	}

	byStatus := map[string]int{}
	var pending []QueuedIntent
	for _, i := range intents {
		byStatus[string(i.Status)]++
		if active(i.Status) {
			pending = append(pending, QueuedIntent{
				IntentID: i.ID,
				Status:   string(i.Status),
				Priority: i.Priority,
				Retries:  i.Retries,
			})
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		if pending[a].Priority != pending[b].Priority {
			return pending[a].Priority < pending[b].Priority
		}
		return pending[a].IntentID < pending[b].IntentID
	})

	return QueueSnapshot{
		Pending:  pending,
		Total:    len(intents),
		ByStatus: byStatus,
		TenantID: tenantID,
	}, nil
}

// AgentPerformance aggregates trust metrics for one agent from its
// event history.
type AgentPerformance struct {
	AgentID      string         `json:"agent_id"`
	TotalEvents  int            `json:"total_events"`
	Merged       int            `json:"merged"`
	Rejected     int            `json:"rejected"`
	Blocked      int            `json:"blocked"`
	SuccessRate  float64        `json:"success_rate"`
	EventsByType map[string]int `json:"events_by_type"`
	TrustScore   float64        `json:"trust_score"`
	TenantID     string         `json:"tenant_id,omitempty"`
}

// AgentPerformanceFor computes merge outcomes and a trust score for an
// agent.
func (p *Projector) AgentPerformanceFor(ctx context.Context, agentID, tenantID string) (AgentPerformance, error) {
	events, err := p.log.Query(ctx, model.EventQuery{AgentID: agentID, TenantID: tenantID, Limit: queryLimit})
	if err != nil {
		return AgentPerformance{}, fmt.Errorf("projections: agent performance: %w", err)
	}

	byType := map[string]int{}
	for _, e := range events {
		byType[string(e.Type)]++
	}
	merged := byType[string(model.EventIntentMerged)]
	rejected := byType[string(model.EventIntentRejected)]
	blocked := byType[string(model.EventIntentBlocked)]

	successRate := 0.0
	if total := merged + rejected + blocked; total > 0 {
		successRate = float64(merged) / float64(total)
	}

	return AgentPerformance{
		AgentID:      agentID,
		TotalEvents:  len(events),
		Merged:       merged,
		Rejected:     rejected,
		Blocked:      blocked,
		SuccessRate:  round3(successRate),
		EventsByType: byType,
		TrustScore:   round1(min(100.0, successRate*100+min(float64(merged), 50))),
		TenantID:     tenantID,
	}, nil
}
