package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/ghmbegerez/converge/internal/model"
)

// InsertFinding records one scanner finding.
func (db *DB) InsertFinding(ctx context.Context, f model.SecurityFinding) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO security_findings
		 (id, scanner, category, severity, file, line, rule, evidence, confidence, intent_id, tenant_id, scan_id, timestamp)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO NOTHING`,
		f.ID, f.Scanner, string(f.Category), string(f.Severity),
		nullable(f.File), f.Line, nullable(f.Rule), nullable(f.Evidence),
		f.Confidence, nullable(f.IntentID), nullable(f.TenantID),
		nullable(f.ScanID), f.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert finding: %w", err)
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
		conds = append(conds, "intent_id = ?")
		args = append(args, f.IntentID)
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.ScanID != "" {
		conds = append(conds, "scan_id = ?")
		args = append(args, f.ScanID)
	}
	if len(f.Severities) > 0 {
		ph := make([]string, len(f.Severities))
		for i, s := range f.Severities {
			ph[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "severity IN ("+strings.Join(ph, ",")+")")
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

	rows, err := db.q.QueryContext(ctx,
		`SELECT id, scanner, category, severity, file, line, rule, evidence, confidence, intent_id, tenant_id, scan_id, timestamp
		 FROM security_findings`+where+` ORDER BY timestamp DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list findings: %w", err)
	}
	defer rows.Close()

	var findings []model.SecurityFinding
	for rows.Next() {
		var (
			sf                                     model.SecurityFinding
			file, rule, evidence, intentID, tenant *string
			scanID                                 *string
		)
		if err := rows.Scan(
			&sf.ID, &sf.Scanner, &sf.Category, &sf.Severity, &file, &sf.Line,
			&rule, &evidence, &sf.Confidence, &intentID, &tenant, &scanID, &sf.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan finding: %w", err)
		}
		sf.File = deref(file)
		sf.Rule = deref(rule)
		sf.Evidence = deref(evidence)
		sf.IntentID = deref(intentID)
		sf.TenantID = deref(tenant)
		sf.ScanID = deref(scanID)
		findings = append(findings, sf)
	}
	return findings, rows.Err()
}

// CountFindingsBySeverity aggregates findings for one intent.
func (db *DB) CountFindingsBySeverity(ctx context.Context, intentID, tenantID string) (map[model.FindingSeverity]int, error) {
	query := `SELECT severity, count(*) FROM security_findings WHERE intent_id = ?`
	args := []any{intentID}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY severity`

	rows, err := db.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: count findings: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.FindingSeverity]int)
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan finding count: %w", err)
		}
		counts[model.FindingSeverity(sev)] = n
	}
	return counts, rows.Err()
}
