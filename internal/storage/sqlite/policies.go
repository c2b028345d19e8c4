package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// UpsertAgentPolicy inserts or replaces an agent policy row.
func (db *DB) UpsertAgentPolicy(ctx context.Context, p model.AgentPolicy) error {
	data, err := marshalJSON(p.Data)
	if err != nil {
		return fmt.Errorf("sqlite: marshal agent policy: %w", err)
	}
	_, err = db.q.ExecContext(ctx,
		`INSERT INTO agent_policies (agent_id, tenant_id, max_risk, allowed, data, updated_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT (agent_id, tenant_id) DO UPDATE SET
		   max_risk = excluded.max_risk,
		   allowed = excluded.allowed,
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		p.AgentID, p.TenantID, string(p.MaxRisk), p.Allowed, string(data), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert agent policy: %w", err)
	}
	return nil
}

// GetAgentPolicy returns the policy for (agentID, tenantID).
func (db *DB) GetAgentPolicy(ctx context.Context, agentID, tenantID string) (*model.AgentPolicy, error) {
	var (
		p    model.AgentPolicy
		data string
	)
	err := db.q.QueryRowContext(ctx,
		`SELECT agent_id, tenant_id, max_risk, allowed, data, updated_at
		 FROM agent_policies WHERE agent_id = ? AND tenant_id = ?`,
		agentID, tenantID,
	).Scan(&p.AgentID, &p.TenantID, &p.MaxRisk, &p.Allowed, &data, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get agent policy: %w", err)
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal agent policy: %w", err)
		}
	}
	return &p, nil
}

// UpsertRiskPolicy writes the risk policy, bumping the stored version.
func (db *DB) UpsertRiskPolicy(ctx context.Context, p model.RiskPolicy) (int, error) {
	var version int
	err := db.q.QueryRowContext(ctx,
		`INSERT INTO risk_policies
		 (tenant_id, version, risk_threshold, damage_threshold, propagation_limit, mode, enforce_ratio, updated_at)
		 VALUES (?,1,?,?,?,?,?,?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   version = risk_policies.version + 1,
		   risk_threshold = excluded.risk_threshold,
		   damage_threshold = excluded.damage_threshold,
		   propagation_limit = excluded.propagation_limit,
		   mode = excluded.mode,
		   enforce_ratio = excluded.enforce_ratio,
		   updated_at = excluded.updated_at
		 RETURNING version`,
		p.TenantID, p.RiskThreshold, p.DamageThreshold, p.PropagationLimit,
		p.Mode, p.EnforceRatio, p.UpdatedAt.UTC(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("sqlite: upsert risk policy: %w", err)
	}
	return version, nil
}

// GetRiskPolicy returns the tenant's risk policy.
func (db *DB) GetRiskPolicy(ctx context.Context, tenantID string) (*model.RiskPolicy, error) {
	var p model.RiskPolicy
	err := db.q.QueryRowContext(ctx,
		`SELECT tenant_id, version, risk_threshold, damage_threshold, propagation_limit, mode, enforce_ratio, updated_at
		 FROM risk_policies WHERE tenant_id = ?`, tenantID,
	).Scan(&p.TenantID, &p.Version, &p.RiskThreshold, &p.DamageThreshold,
		&p.PropagationLimit, &p.Mode, &p.EnforceRatio, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get risk policy: %w", err)
	}
	return &p, nil
}

// UpsertComplianceThresholds inserts or replaces the tenant's compliance floors.
func (db *DB) UpsertComplianceThresholds(ctx context.Context, t model.ComplianceThresholds) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO compliance_thresholds (tenant_id, min_review_coverage, max_open_critical, max_sla_breaches, updated_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   min_review_coverage = excluded.min_review_coverage,
		   max_open_critical = excluded.max_open_critical,
		   max_sla_breaches = excluded.max_sla_breaches,
		   updated_at = excluded.updated_at`,
		t.TenantID, t.MinReviewCoverage, t.MaxOpenCritical, t.MaxSLABreaches, t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert compliance thresholds: %w", err)
	}
	return nil
}

// GetComplianceThresholds returns the tenant's compliance floors.
func (db *DB) GetComplianceThresholds(ctx context.Context, tenantID string) (*model.ComplianceThresholds, error) {
	var t model.ComplianceThresholds
	err := db.q.QueryRowContext(ctx,
		`SELECT tenant_id, min_review_coverage, max_open_critical, max_sla_breaches, updated_at
		 FROM compliance_thresholds WHERE tenant_id = ?`, tenantID,
	).Scan(&t.TenantID, &t.MinReviewCoverage, &t.MaxOpenCritical, &t.MaxSLABreaches, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get compliance thresholds: %w", err)
	}
	return &t, nil
}

// UpsertIntakeOverride pins the tenant's intake mode.
func (db *DB) UpsertIntakeOverride(ctx context.Context, o model.IntakeOverride) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO intake_overrides (tenant_id, mode, set_by, set_at, reason)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   mode = excluded.mode,
		   set_by = excluded.set_by,
		   set_at = excluded.set_at,
		   reason = excluded.reason`,
		o.TenantID, string(o.Mode), o.SetBy, o.SetAt.UTC(), nullable(o.Reason),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert intake override: %w", err)
	}
	return nil
}

// GetIntakeOverride returns the pinned intake mode, or ErrNotFound.
func (db *DB) GetIntakeOverride(ctx context.Context, tenantID string) (*model.IntakeOverride, error) {
	var (
		o      model.IntakeOverride
		reason *string
	)
	err := db.q.QueryRowContext(ctx,
		`SELECT tenant_id, mode, set_by, set_at, reason
		 FROM intake_overrides WHERE tenant_id = ?`, tenantID,
	).Scan(&o.TenantID, &o.Mode, &o.SetBy, &o.SetAt, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get intake override: %w", err)
	}
	o.Reason = deref(reason)
	return &o, nil
}

// ClearIntakeOverride removes the tenant's pinned mode.
func (db *DB) ClearIntakeOverride(ctx context.Context, tenantID string) error {
	if _, err := db.q.ExecContext(ctx,
		`DELETE FROM intake_overrides WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("sqlite: clear intake override: %w", err)
	}
	return nil
}
