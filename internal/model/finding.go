package model

import "time"

// FindingCategory classifies a security finding by scanner discipline.
type FindingCategory string

const (
	CategorySAST    FindingCategory = "sast"
	CategorySCA     FindingCategory = "sca"
	CategorySecrets FindingCategory = "secrets"
	CategoryIaC     FindingCategory = "iac"
	CategoryOther   FindingCategory = "other"
)

// FindingSeverity orders security findings for gate evaluation.
type FindingSeverity string

const (
	SeverityCritical FindingSeverity = "critical"
	SeverityHigh     FindingSeverity = "high"
	SeverityMedium   FindingSeverity = "medium"
	SeverityLow      FindingSeverity = "low"
	SeverityInfo     FindingSeverity = "info"
)

// SecurityFinding is one result row from an external scanner run.
type SecurityFinding struct {
	ID         string          `json:"id"`
	Scanner    string          `json:"scanner"`
	Category   FindingCategory `json:"category"`
	Severity   FindingSeverity `json:"severity"`
	File       string          `json:"file,omitempty"`
	Line       int             `json:"line,omitempty"`
	Rule       string          `json:"rule,omitempty"`
	Evidence   string          `json:"evidence,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	IntentID   string          `json:"intent_id,omitempty"`
	TenantID   string          `json:"tenant_id,omitempty"`
	ScanID     string          `json:"scan_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// FindingFilter selects security findings from the store.
type FindingFilter struct {
	IntentID   string
	TenantID   string
	ScanID     string
	Severities []FindingSeverity
	Limit      int
}
