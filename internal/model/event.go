package model

import (
	"time"
)

// EventType is the stable wire identifier of an event. External consumers
// rely on these strings verbatim; renaming one requires emitting both the
// old and new name during a deprecation window.
type EventType string

const (
	// Validation pipeline events.
	EventSimulationCompleted EventType = "simulation.completed"
	EventRiskEvaluated       EventType = "risk.evaluated"
	EventPolicyEvaluated     EventType = "policy.evaluated"

	// Intent lifecycle events.
	EventIntentCreated           EventType = "intent.created"
	EventIntentLinkedCommit      EventType = "intent.linked_commit"
	EventIntentValidated         EventType = "intent.validated"
	EventIntentBlocked           EventType = "intent.blocked"
	EventIntentMerged            EventType = "intent.merged"
	EventIntentRejected          EventType = "intent.rejected"
	EventIntentRequeued          EventType = "intent.requeued"
	EventIntentDependencyBlocked EventType = "intent.dependency_blocked"
	EventIntentMergeFailed       EventType = "intent.merge_failed"

	// Queue and worker events.
	EventQueueProcessed EventType = "queue.processed"
	EventQueueReset     EventType = "queue.reset"
	EventWorkerStarted  EventType = "worker.started"
	EventWorkerStopped  EventType = "worker.stopped"

	// Access audit events.
	EventAccessGranted EventType = "access.granted"
	EventAccessDenied  EventType = "access.denied"

	// Intake controller events.
	EventWebhookReceived   EventType = "webhook.received"
	EventIntakeAccepted    EventType = "intake.accepted"
	EventIntakeThrottled   EventType = "intake.throttled"
	EventIntakeRejected    EventType = "intake.rejected"
	EventIntakeModeChanged EventType = "intake.mode_changed"

	// Review subsystem events.
	EventReviewRequested  EventType = "review.requested"
	EventReviewAssigned   EventType = "review.assigned"
	EventReviewReassigned EventType = "review.reassigned"
	EventReviewCompleted  EventType = "review.completed"
	EventReviewCancelled  EventType = "review.cancelled"
	EventReviewEscalated  EventType = "review.escalated"
	EventReviewSLABreach  EventType = "review.sla_breached"

	// Semantic conflict events.
	EventSemanticConflictDetected EventType = "semantic.conflict_detected"
	EventSemanticResolved         EventType = "semantic.resolved"
	EventEmbeddingGenerated       EventType = "embedding.generated"
	EventEmbeddingReindexed       EventType = "embedding.reindexed"

	// Security scan events.
	EventSecurityScanStarted   EventType = "security.scan.started"
	EventSecurityScanCompleted EventType = "security.scan.completed"
	EventSecurityScanFinding   EventType = "security.scan.finding"

	// Coherence harness events.
	EventCoherenceEvaluated       EventType = "coherence.evaluated"
	EventCoherenceBaselineUpdated EventType = "coherence.baseline_updated"

	// Projection snapshot events.
	EventHealthSnapshot       EventType = "health.snapshot"
	EventHealthPrediction     EventType = "health.prediction"
	EventHealthChangeSnapshot EventType = "health.change_snapshot"
	EventDebtSnapshot         EventType = "verification.debt_snapshot"

	// Analytics events.
	EventCalibrationCompleted EventType = "calibration.completed"
	EventDatasetExported      EventType = "dataset.exported"

	// Feature flag events.
	EventFeatureFlagChanged EventType = "feature_flag.changed"
)

// Event is an entry in the append-only event log. Source of truth.
// Never mutated or deleted except by explicit retention pruning.
type Event struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"trace_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	IntentID  string         `json:"intent_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Evidence  map[string]any `json:"evidence,omitempty"`
}

// EventQuery filters the event log. Zero values mean "no filter".
// Results are ordered by timestamp descending.
type EventQuery struct {
	Type     EventType
	IntentID string
	AgentID  string
	TenantID string
	TraceID  string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// DefaultQueryLimit caps event queries that do not specify a limit.
const DefaultQueryLimit = 200

// ChainState tracks the rolling hash of one event chain.
type ChainState struct {
	ChainID    string    `json:"chain_id"`
	LastHash   string    `json:"last_hash"`
	EventCount int64     `json:"event_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}
