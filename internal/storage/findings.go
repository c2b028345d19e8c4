package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ghmbegerez/converge/internal/model"
)

const findingColumns = `id, scanner, category, severity, file, line, rule, evidence,
	confidence, intent_id, tenant_id, scan_id, timestamp`

// InsertFinding stores one security scanner finding.
func (db *DB) InsertFinding(ctx context.Context, f model.SecurityFinding) error {
	_, err := db.q.Exec(ctx,
		`INSERT INTO security_findings (`+findingColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		f.ID, f.Scanner, string(f.Category), string(f.Severity),
		nullable(f.File), f.Line, nullable(f.Rule), nullable(f.Evidence),
		f.Confidence, nullable(f.IntentID), nullable(f.TenantID), nullable(f.ScanID),
		f.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert finding: %w", err)
	}
	return nil
}

// ListFindings returns findings matching the filter, newest first.
func (db *DB) ListFindings(ctx context.Context, f model.FindingFilter) ([]model.SecurityFinding, error) {
	var (
		conds []string
		args  []any
	)
	if f.IntentID != "" {
		args = append(args, f.IntentID)
		conds = append(conds, "intent_id = $"+strconv.Itoa(len(args)))
	}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		conds = append(conds, "tenant_id = $"+strconv.Itoa(len(args)))
	}
	if f.ScanID != "" {
		args = append(args, f.ScanID)
		conds = append(conds, "scan_id = $"+strconv.Itoa(len(args)))
	}
	if len(f.Severities) > 0 {
		placeholders := make([]string, len(f.Severities))
		for i, s := range f.Severities {
			args = append(args, string(s))
			placeholders[i] = "$" + strconv.Itoa(len(args))
		}
		conds = append(conds, "severity IN ("+strings.Join(placeholders, ",")+")")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	args = append(args, limit)

	rows, err := db.q.Query(ctx,
		`SELECT `+findingColumns+` FROM security_findings`+where+
			` ORDER BY timestamp DESC LIMIT $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list findings: %w", err)
	}
	defer rows.Close()

	var findings []model.SecurityFinding
	for rows.Next() {
		var (
			fd                                  model.SecurityFinding
			file, rule, evidence                *string
			intentID, tenant, scanID            *string
		)
		if err := rows.Scan(
			&fd.ID, &fd.Scanner, &fd.Category, &fd.Severity, &file, &fd.Line,
			&rule, &evidence, &fd.Confidence, &intentID, &tenant, &scanID, &fd.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("storage: scan finding: %w", err)
		}
		fd.File = deref(file)
		fd.Rule = deref(rule)
		fd.Evidence = deref(evidence)
		fd.IntentID = deref(intentID)
		fd.TenantID = deref(tenant)
		fd.ScanID = deref(scanID)
		findings = append(findings, fd)
	}
	return findings, rows.Err()
}

// CountFindingsBySeverity aggregates findings for one intent, optionally
// tenant-scoped. Used by the security gate.
func (db *DB) CountFindingsBySeverity(ctx context.Context, intentID, tenantID string) (map[model.FindingSeverity]int, error) {
	query := `SELECT severity, count(*) FROM security_findings WHERE intent_id = $1`
	args := []any{intentID}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += ` GROUP BY severity`

	rows, err := db.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: count findings: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.FindingSeverity]int)
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("storage: scan finding count: %w", err)
		}
		counts[model.FindingSeverity(sev)] = n
	}
	return counts, rows.Err()
}
