// Package store defines the persistence ports of the engine.
//
// Each concern is an independent interface; Store composes them by
// embedding. Backends (postgres, sqlite, in-memory) implement the full
// set, and a factory in internal/storage selects one from configuration.
// Callers that only need one concern should accept the narrow interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrLockHeld is returned when the advisory lock is held by another holder.
var ErrLockHeld = errors.New("store: lock held by another holder")

// EventStore persists the append-only event log.
type EventStore interface {
	// InsertEvent appends one event. Events are immutable once written.
	InsertEvent(ctx context.Context, e model.Event) error
	// QueryEvents returns events matching q, ordered by timestamp DESC.
	QueryEvents(ctx context.Context, q model.EventQuery) ([]model.Event, error)
	// CountEvents counts events matching q.
	CountEvents(ctx context.Context, q model.EventQuery) (int64, error)
	// LatestEvent returns the most recent event of the given type for an
	// intent (intentID may be empty to match any). Returns ErrNotFound
	// when none exists.
	LatestEvent(ctx context.Context, eventType model.EventType, intentID string) (*model.Event, error)
	// DeleteEventsBefore removes events older than the cutoff, optionally
	// scoped to a tenant. Returns the affected row count.
	DeleteEventsBefore(ctx context.Context, before time.Time, tenantID string) (int64, error)
}

// ChainStateStore persists the rolling hash state of event chains.
type ChainStateStore interface {
	GetChainState(ctx context.Context, chainID string) (*model.ChainState, error)
	UpsertChainState(ctx context.Context, cs model.ChainState) error
}

// IntentStore persists the materialized intent view.
type IntentStore interface {
	// UpsertIntent inserts or replaces the intent row. Idempotent: two
	// upserts with the same id yield a single row.
	UpsertIntent(ctx context.Context, in model.Intent) error
	GetIntent(ctx context.Context, id string) (*model.Intent, error)
	ListIntents(ctx context.Context, f model.IntentFilter) ([]model.Intent, error)
	// ResetIntentsForPush moves intents on (repo, sourceBranch) back to
	// READY and records the new base commit. Only intents whose
	// technical.repo matches are touched (cross-repo safety). Returns the
	// ids of reset intents.
	ResetIntentsForPush(ctx context.Context, repo, sourceBranch, newBase string) ([]string, error)
}

// LockStore provides the durable TTL advisory lock.
type LockStore interface {
	// AcquireLock deletes stale rows for name, then attempts a unique
	// insert. Returns false when another live holder owns the lock.
	AcquireLock(ctx context.Context, name string, holderPID int, ttl time.Duration) (bool, error)
	// ReleaseLock removes the lock if holderPID matches. Returns false
	// when the lock was not held by that pid.
	ReleaseLock(ctx context.Context, name string, holderPID int) (bool, error)
	// ForceReleaseLock removes the lock regardless of holder.
	ForceReleaseLock(ctx context.Context, name string) error
	GetLock(ctx context.Context, name string) (*model.QueueLock, error)
}

// DeliveryStore deduplicates external webhook deliveries.
type DeliveryStore interface {
	IsDuplicateDelivery(ctx context.Context, deliveryID string) (bool, error)
	// RecordDelivery is insert-or-ignore; returns false when the id was
	// already recorded.
	RecordDelivery(ctx context.Context, deliveryID string) (bool, error)
	CleanupDeliveries(ctx context.Context, olderThan time.Time) (int64, error)
}

// ReviewStore persists human-review tasks.
type ReviewStore interface {
	UpsertReviewTask(ctx context.Context, t model.ReviewTask) error
	GetReviewTask(ctx context.Context, id string) (*model.ReviewTask, error)
	ListReviewTasks(ctx context.Context, f model.ReviewFilter) ([]model.ReviewTask, error)
}

// FindingStore persists security scanner findings.
type FindingStore interface {
	InsertFinding(ctx context.Context, f model.SecurityFinding) error
	ListFindings(ctx context.Context, f model.FindingFilter) ([]model.SecurityFinding, error)
	// CountFindingsBySeverity aggregates findings for one intent.
	CountFindingsBySeverity(ctx context.Context, intentID, tenantID string) (map[model.FindingSeverity]int, error)
}

// PolicyStore persists per-tenant policy documents.
type PolicyStore interface {
	UpsertAgentPolicy(ctx context.Context, p model.AgentPolicy) error
	GetAgentPolicy(ctx context.Context, agentID, tenantID string) (*model.AgentPolicy, error)
	// UpsertRiskPolicy bumps the stored version monotonically and returns
	// the new version.
	UpsertRiskPolicy(ctx context.Context, p model.RiskPolicy) (int, error)
	GetRiskPolicy(ctx context.Context, tenantID string) (*model.RiskPolicy, error)
	UpsertComplianceThresholds(ctx context.Context, t model.ComplianceThresholds) error
	GetComplianceThresholds(ctx context.Context, tenantID string) (*model.ComplianceThresholds, error)
	UpsertIntakeOverride(ctx context.Context, o model.IntakeOverride) error
	GetIntakeOverride(ctx context.Context, tenantID string) (*model.IntakeOverride, error)
	ClearIntakeOverride(ctx context.Context, tenantID string) error
}

// CommitStore persists observed commit links.
type CommitStore interface {
	// RecordCommitLink upserts on the (intent_id, sha, role) key.
	RecordCommitLink(ctx context.Context, l model.CommitLink) error
	ListCommitLinks(ctx context.Context, intentID string) ([]model.CommitLink, error)
}

// EmbeddingStore persists intent embeddings and answers similarity
// queries over them.
type EmbeddingStore interface {
	UpsertEmbedding(ctx context.Context, r model.EmbeddingRecord) error
	GetEmbedding(ctx context.Context, intentID, embModel string) (*model.EmbeddingRecord, error)
	// SimilarIntents returns other intents ordered by cosine similarity
	// to the given intent's embedding, most similar first.
	SimilarIntents(ctx context.Context, intentID, embModel string, limit int) ([]SimilarIntent, error)
}

// SimilarIntent is one similarity search hit.
type SimilarIntent struct {
	IntentID   string
	Similarity float64
}

// FlagStore persists feature flag overrides.
type FlagStore interface {
	UpsertFlag(ctx context.Context, f model.FlagRecord) error
	ListFlags(ctx context.Context) ([]model.FlagRecord, error)
}

// Store composes all persistence ports. WithTx runs fn against a
// transaction-bound view of the store: either every write in fn commits
// or none does. Backends without transactional semantics (the in-memory
// test store) run fn under a global mutex instead.
type Store interface {
	EventStore
	ChainStateStore
	IntentStore
	LockStore
	DeliveryStore
	ReviewStore
	FindingStore
	PolicyStore
	CommitStore
	EmbeddingStore
	FlagStore

	WithTx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
