// Package memstore provides an in-memory store.Store for unit tests.
// All methods serialize on one mutex; WithTx runs fn under that mutex
// without rollback semantics, which is sufficient for single-threaded
// test scenarios.
package memstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// Store is the in-memory backend.
type Store struct {
	mu sync.Mutex

	events     []model.Event
	chains     map[string]model.ChainState
	intents    map[string]model.Intent
	locks      map[string]model.QueueLock
	deliveries map[string]time.Time
	reviews    map[string]model.ReviewTask
	findings   []model.SecurityFinding
	agentPols  map[string]model.AgentPolicy
	riskPols   map[string]model.RiskPolicy
	compliance map[string]model.ComplianceThresholds
	overrides  map[string]model.IntakeOverride
	commits    map[string]model.CommitLink
	embeddings map[string]model.EmbeddingRecord
	flags      map[string]model.FlagRecord
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		chains:     make(map[string]model.ChainState),
		intents:    make(map[string]model.Intent),
		locks:      make(map[string]model.QueueLock),
		deliveries: make(map[string]time.Time),
		reviews:    make(map[string]model.ReviewTask),
		agentPols:  make(map[string]model.AgentPolicy),
		riskPols:   make(map[string]model.RiskPolicy),
		compliance: make(map[string]model.ComplianceThresholds),
		overrides:  make(map[string]model.IntakeOverride),
		commits:    make(map[string]model.CommitLink),
		embeddings: make(map[string]model.EmbeddingRecord),
		flags:      make(map[string]model.FlagRecord),
	}
}

func (s *Store) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTx runs fn against the same store. There is no rollback: a failed
// fn may leave partial writes, which tests should not depend on.
func (s *Store) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// --- events ---

func (s *Store) InsertEvent(_ context.Context, e model.Event) error {
	defer s.lock()()
	s.events = append(s.events, e)
	return nil
}

func matchEvent(e model.Event, q model.EventQuery) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.IntentID != "" && e.IntentID != q.IntentID {
		return false
	}
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.TraceID != "" && e.TraceID != q.TraceID {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

func (s *Store) QueryEvents(_ context.Context, q model.EventQuery) ([]model.Event, error) {
	defer s.lock()()
	var out []model.Event
	for _, e := range s.events {
		if matchEvent(e, q) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	limit := q.Limit
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountEvents(_ context.Context, q model.EventQuery) (int64, error) {
	defer s.lock()()
	var n int64
	for _, e := range s.events {
		if matchEvent(e, q) {
			n++
		}
	}
	return n, nil
}

func (s *Store) LatestEvent(ctx context.Context, eventType model.EventType, intentID string) (*model.Event, error) {
	events, err := s.QueryEvents(ctx, model.EventQuery{Type: eventType, IntentID: intentID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrNotFound
	}
	return &events[0], nil
}

func (s *Store) DeleteEventsBefore(_ context.Context, before time.Time, tenantID string) (int64, error) {
	defer s.lock()()
	var (
		kept    []model.Event
		removed int64
	)
	for _, e := range s.events {
		if e.Timestamp.Before(before) && (tenantID == "" || e.TenantID == tenantID) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

// --- chain state ---

func (s *Store) GetChainState(_ context.Context, chainID string) (*model.ChainState, error) {
	defer s.lock()()
	cs, ok := s.chains[chainID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &cs, nil
}

func (s *Store) UpsertChainState(_ context.Context, cs model.ChainState) error {
	defer s.lock()()
	s.chains[cs.ChainID] = cs
	return nil
}

// --- intents ---

func (s *Store) UpsertIntent(_ context.Context, in model.Intent) error {
	defer s.lock()()
	s.intents[in.ID] = in
	return nil
}

func (s *Store) GetIntent(_ context.Context, id string) (*model.Intent, error) {
	defer s.lock()()
	in, ok := s.intents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &in, nil
}

func matchIntent(in model.Intent, f model.IntentFilter) bool {
	if f.Status != "" && in.Status != f.Status {
		return false
	}
	if f.TenantID != "" && in.TenantID != f.TenantID {
		return false
	}
	if f.Source != "" && in.Source != f.Source {
		return false
	}
	if f.Target != "" && in.Target != f.Target {
		return false
	}
	if f.Repo != "" && in.Technical.Repo != f.Repo {
		return false
	}
	if f.PlanID != "" && in.PlanID != f.PlanID {
		return false
	}
	if f.Origin != "" && in.Origin != f.Origin {
		return false
	}
	return true
}

func (s *Store) ListIntents(_ context.Context, f model.IntentFilter) ([]model.Intent, error) {
	defer s.lock()()
	var out []model.Intent
	for _, in := range s.intents {
		if matchIntent(in, f) {
			out = append(out, in)
		}
	}
	if f.ByQueueOrder {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority < out[j].Priority
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	}
	limit := f.Limit
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ResetIntentsForPush(_ context.Context, repo, sourceBranch, newBase string) ([]string, error) {
	defer s.lock()()
	var ids []string
	now := time.Now().UTC()
	for id, in := range s.intents {
		if in.Technical.Repo != repo || in.Source != sourceBranch || in.Status.Terminal() {
			continue
		}
		in.Status = model.StatusReady
		in.Technical.InitialBaseCommit = newBase
		in.UpdatedAt = now
		s.intents[id] = in
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- locks ---

func (s *Store) AcquireLock(_ context.Context, name string, holderPID int, ttl time.Duration) (bool, error) {
	defer s.lock()()
	now := time.Now().UTC()
	if l, ok := s.locks[name]; ok {
		if l.ExpiresAt.After(now) {
			return false, nil
		}
		delete(s.locks, name)
	}
	s.locks[name] = model.QueueLock{
		Name:       name,
		HolderPID:  holderPID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, name string, holderPID int) (bool, error) {
	defer s.lock()()
	l, ok := s.locks[name]
	if !ok || l.HolderPID != holderPID {
		return false, nil
	}
	delete(s.locks, name)
	return true, nil
}

func (s *Store) ForceReleaseLock(_ context.Context, name string) error {
	defer s.lock()()
	delete(s.locks, name)
	return nil
}

func (s *Store) GetLock(_ context.Context, name string) (*model.QueueLock, error) {
	defer s.lock()()
	l, ok := s.locks[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &l, nil
}

// --- deliveries ---

func (s *Store) IsDuplicateDelivery(_ context.Context, deliveryID string) (bool, error) {
	defer s.lock()()
	_, ok := s.deliveries[deliveryID]
	return ok, nil
}

func (s *Store) RecordDelivery(_ context.Context, deliveryID string) (bool, error) {
	defer s.lock()()
	if _, ok := s.deliveries[deliveryID]; ok {
		return false, nil
	}
	s.deliveries[deliveryID] = time.Now().UTC()
	return true, nil
}

func (s *Store) CleanupDeliveries(_ context.Context, olderThan time.Time) (int64, error) {
	defer s.lock()()
	var removed int64
	for id, at := range s.deliveries {
		if at.Before(olderThan) {
			delete(s.deliveries, id)
			removed++
		}
	}
	return removed, nil
}

// --- reviews ---

func (s *Store) UpsertReviewTask(_ context.Context, t model.ReviewTask) error {
	defer s.lock()()
	s.reviews[t.ID] = t
	return nil
}

func (s *Store) GetReviewTask(_ context.Context, id string) (*model.ReviewTask, error) {
	defer s.lock()()
	t, ok := s.reviews[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) ListReviewTasks(_ context.Context, f model.ReviewFilter) ([]model.ReviewTask, error) {
	defer s.lock()()
	var out []model.ReviewTask
	for _, t := range s.reviews {
		if f.IntentID != "" && t.IntentID != f.IntentID {
			continue
		}
		if f.TenantID != "" && t.TenantID != f.TenantID {
			continue
		}
		if len(f.Statuses) > 0 {
			found := false
			for _, st := range f.Statuses {
				if t.Status == st {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- findings ---

func (s *Store) InsertFinding(_ context.Context, f model.SecurityFinding) error {
	defer s.lock()()
	for _, existing := range s.findings {
		if existing.ID == f.ID {
			return nil
		}
	}
	s.findings = append(s.findings, f)
	return nil
}

func (s *Store) ListFindings(_ context.Context, f model.FindingFilter) ([]model.SecurityFinding, error) {
	defer s.lock()()
	var out []model.SecurityFinding
	for _, sf := range s.findings {
		if f.IntentID != "" && sf.IntentID != f.IntentID {
			continue
		}
		if f.TenantID != "" && sf.TenantID != f.TenantID {
			continue
		}
		if f.ScanID != "" && sf.ScanID != f.ScanID {
			continue
		}
		if len(f.Severities) > 0 {
			found := false
			for _, sev := range f.Severities {
				if sf.Severity == sev {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, sf)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	limit := f.Limit
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountFindingsBySeverity(_ context.Context, intentID, tenantID string) (map[model.FindingSeverity]int, error) {
	defer s.lock()()
	counts := make(map[model.FindingSeverity]int)
	for _, f := range s.findings {
		if f.IntentID != intentID {
			continue
		}
		if tenantID != "" && f.TenantID != tenantID {
			continue
		}
		counts[f.Severity]++
	}
	return counts, nil
}

// --- policies ---

func policyKey(a, b string) string { return a + "\x00" + b }

func (s *Store) UpsertAgentPolicy(_ context.Context, p model.AgentPolicy) error {
	defer s.lock()()
	s.agentPols[policyKey(p.AgentID, p.TenantID)] = p
	return nil
}

func (s *Store) GetAgentPolicy(_ context.Context, agentID, tenantID string) (*model.AgentPolicy, error) {
	defer s.lock()()
	p, ok := s.agentPols[policyKey(agentID, tenantID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) UpsertRiskPolicy(_ context.Context, p model.RiskPolicy) (int, error) {
	defer s.lock()()
	if existing, ok := s.riskPols[p.TenantID]; ok {
		p.Version = existing.Version + 1
	} else {
		p.Version = 1
	}
	s.riskPols[p.TenantID] = p
	return p.Version, nil
}

func (s *Store) GetRiskPolicy(_ context.Context, tenantID string) (*model.RiskPolicy, error) {
	defer s.lock()()
	p, ok := s.riskPols[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) UpsertComplianceThresholds(_ context.Context, t model.ComplianceThresholds) error {
	defer s.lock()()
	s.compliance[t.TenantID] = t
	return nil
}

func (s *Store) GetComplianceThresholds(_ context.Context, tenantID string) (*model.ComplianceThresholds, error) {
	defer s.lock()()
	t, ok := s.compliance[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) UpsertIntakeOverride(_ context.Context, o model.IntakeOverride) error {
	defer s.lock()()
	s.overrides[o.TenantID] = o
	return nil
}

func (s *Store) GetIntakeOverride(_ context.Context, tenantID string) (*model.IntakeOverride, error) {
	defer s.lock()()
	o, ok := s.overrides[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (s *Store) ClearIntakeOverride(_ context.Context, tenantID string) error {
	defer s.lock()()
	delete(s.overrides, tenantID)
	return nil
}

// --- commits ---

func commitKey(l model.CommitLink) string {
	return strings.Join([]string{l.IntentID, l.SHA, l.Role}, "\x00")
}

func (s *Store) RecordCommitLink(_ context.Context, l model.CommitLink) error {
	defer s.lock()()
	s.commits[commitKey(l)] = l
	return nil
}

func (s *Store) ListCommitLinks(_ context.Context, intentID string) ([]model.CommitLink, error) {
	defer s.lock()()
	var out []model.CommitLink
	for _, l := range s.commits {
		if l.IntentID == intentID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

// --- embeddings ---

func (s *Store) UpsertEmbedding(_ context.Context, r model.EmbeddingRecord) error {
	defer s.lock()()
	s.embeddings[policyKey(r.IntentID, r.Model)] = r
	return nil
}

func (s *Store) GetEmbedding(_ context.Context, intentID, embModel string) (*model.EmbeddingRecord, error) {
	defer s.lock()()
	r, ok := s.embeddings[policyKey(intentID, embModel)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) SimilarIntents(_ context.Context, intentID, embModel string, limit int) ([]store.SimilarIntent, error) {
	defer s.lock()()
	ref, ok := s.embeddings[policyKey(intentID, embModel)]
	if !ok {
		return nil, store.ErrNotFound
	}
	var hits []store.SimilarIntent
	for _, r := range s.embeddings {
		if r.IntentID == intentID || r.Model != embModel || len(r.Vector) != len(ref.Vector) {
			continue
		}
		hits = append(hits, store.SimilarIntent{IntentID: r.IntentID, Similarity: cosine(ref.Vector, r.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// --- flags ---

func (s *Store) UpsertFlag(_ context.Context, f model.FlagRecord) error {
	defer s.lock()()
	s.flags[f.Name] = f
	return nil
}

func (s *Store) ListFlags(_ context.Context) ([]model.FlagRecord, error) {
	defer s.lock()()
	out := make([]model.FlagRecord, 0, len(s.flags))
	for _, f := range s.flags {
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
