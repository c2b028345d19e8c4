package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// Tenant-scoped policy documents are keyed on a normalized tenant id:
// the empty tenant (single-tenant deployments) is stored as ''.

// UpsertAgentPolicy inserts or replaces the policy for one agent.
func (db *DB) UpsertAgentPolicy(ctx context.Context, p model.AgentPolicy) error {
	data, err := marshalJSON(p.Data)
	if err != nil {
		return fmt.Errorf("storage: marshal agent policy: %w", err)
	}
	_, err = db.q.Exec(ctx,
		`INSERT INTO agent_policies (agent_id, tenant_id, max_risk, allowed, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id, tenant_id) DO UPDATE SET
		   max_risk = EXCLUDED.max_risk,
		   allowed = EXCLUDED.allowed,
		   data = EXCLUDED.data,
		   updated_at = EXCLUDED.updated_at`,
		p.AgentID, p.TenantID, string(p.MaxRisk), p.Allowed, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert agent policy: %w", err)
	}
	return nil
}

// GetAgentPolicy returns the policy for one agent within a tenant.
func (db *DB) GetAgentPolicy(ctx context.Context, agentID, tenantID string) (*model.AgentPolicy, error) {
	var (
		p    model.AgentPolicy
		data []byte
	)
	err := db.q.QueryRow(ctx,
		`SELECT agent_id, tenant_id, max_risk, allowed, data, updated_at
		 FROM agent_policies WHERE agent_id = $1 AND tenant_id = $2`,
		agentID, tenantID,
	).Scan(&p.AgentID, &p.TenantID, &p.MaxRisk, &p.Allowed, &data, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get agent policy: %w", err)
	}
	if err := unmarshalJSON(data, &p.Data); err != nil {
		return nil, fmt.Errorf("storage: unmarshal agent policy: %w", err)
	}
	return &p, nil
}

// UpsertRiskPolicy stores the tenant risk policy, bumping version
// monotonically. Returns the new version.
func (db *DB) UpsertRiskPolicy(ctx context.Context, p model.RiskPolicy) (int, error) {
	var version int
	err := db.q.QueryRow(ctx,
		`INSERT INTO risk_policies (tenant_id, version, risk_threshold, damage_threshold, propagation_limit, mode, enforce_ratio, updated_at)
		 VALUES ($1, 1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   version = risk_policies.version + 1,
		   risk_threshold = EXCLUDED.risk_threshold,
		   damage_threshold = EXCLUDED.damage_threshold,
		   propagation_limit = EXCLUDED.propagation_limit,
		   mode = EXCLUDED.mode,
		   enforce_ratio = EXCLUDED.enforce_ratio,
		   updated_at = EXCLUDED.updated_at
		 RETURNING version`,
		p.TenantID, p.RiskThreshold, p.DamageThreshold, p.PropagationLimit,
		p.Mode, p.EnforceRatio, time.Now().UTC(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("storage: upsert risk policy: %w", err)
	}
	return version, nil
}

// GetRiskPolicy returns the tenant's risk policy.
func (db *DB) GetRiskPolicy(ctx context.Context, tenantID string) (*model.RiskPolicy, error) {
	var p model.RiskPolicy
	err := db.q.QueryRow(ctx,
		`SELECT tenant_id, version, risk_threshold, damage_threshold, propagation_limit, mode, enforce_ratio, updated_at
		 FROM risk_policies WHERE tenant_id = $1`, tenantID,
	).Scan(&p.TenantID, &p.Version, &p.RiskThreshold, &p.DamageThreshold,
		&p.PropagationLimit, &p.Mode, &p.EnforceRatio, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get risk policy: %w", err)
	}
	return &p, nil
}

// UpsertComplianceThresholds inserts or replaces the tenant compliance floor.
func (db *DB) UpsertComplianceThresholds(ctx context.Context, t model.ComplianceThresholds) error {
	_, err := db.q.Exec(ctx,
		`INSERT INTO compliance_thresholds (tenant_id, min_review_coverage, max_open_critical, max_sla_breaches, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   min_review_coverage = EXCLUDED.min_review_coverage,
		   max_open_critical = EXCLUDED.max_open_critical,
		   max_sla_breaches = EXCLUDED.max_sla_breaches,
		   updated_at = EXCLUDED.updated_at`,
		t.TenantID, t.MinReviewCoverage, t.MaxOpenCritical, t.MaxSLABreaches, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert compliance thresholds: %w", err)
	}
	return nil
}

// GetComplianceThresholds returns the tenant compliance floor.
func (db *DB) GetComplianceThresholds(ctx context.Context, tenantID string) (*model.ComplianceThresholds, error) {
	var t model.ComplianceThresholds
	err := db.q.QueryRow(ctx,
		`SELECT tenant_id, min_review_coverage, max_open_critical, max_sla_breaches, updated_at
		 FROM compliance_thresholds WHERE tenant_id = $1`, tenantID,
	).Scan(&t.TenantID, &t.MinReviewCoverage, &t.MaxOpenCritical, &t.MaxSLABreaches, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get compliance thresholds: %w", err)
	}
	return &t, nil
}

// UpsertIntakeOverride pins the tenant intake mode.
func (db *DB) UpsertIntakeOverride(ctx context.Context, o model.IntakeOverride) error {
	_, err := db.q.Exec(ctx,
		`INSERT INTO intake_overrides (tenant_id, mode, set_by, set_at, reason)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   mode = EXCLUDED.mode,
		   set_by = EXCLUDED.set_by,
		   set_at = EXCLUDED.set_at,
		   reason = EXCLUDED.reason`,
		o.TenantID, string(o.Mode), o.SetBy, o.SetAt, nullable(o.Reason),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert intake override: %w", err)
	}
	return nil
}

// GetIntakeOverride returns the tenant's manual intake override.
func (db *DB) GetIntakeOverride(ctx context.Context, tenantID string) (*model.IntakeOverride, error) {
	var (
		o      model.IntakeOverride
		reason *string
	)
	err := db.q.QueryRow(ctx,
		`SELECT tenant_id, mode, set_by, set_at, reason
		 FROM intake_overrides WHERE tenant_id = $1`, tenantID,
	).Scan(&o.TenantID, &o.Mode, &o.SetBy, &o.SetAt, &reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get intake override: %w", err)
	}
	o.Reason = deref(reason)
	return &o, nil
}

// ClearIntakeOverride removes the manual override, returning the tenant
// to health-driven mode resolution.
func (db *DB) ClearIntakeOverride(ctx context.Context, tenantID string) error {
	if _, err := db.q.Exec(ctx,
		`DELETE FROM intake_overrides WHERE tenant_id = $1`, tenantID,
	); err != nil {
		return fmt.Errorf("storage: clear intake override: %w", err)
	}
	return nil
}
