package analytics

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

const exportIntentLimit = 100000

// DecisionRecord is one flat row of the decision dataset: intent joined
// with its latest simulation, risk, and policy events. Built for
// offline analysis and threshold tuning, so everything is scalar.
type DecisionRecord struct {
	IntentID          string   `json:"intent_id"`
	Source            string   `json:"source"`
	Target            string   `json:"target"`
	Status            string   `json:"status"`
	RiskLevel         string   `json:"risk_level"`
	Priority          int      `json:"priority"`
	Retries           int      `json:"retries"`
	TenantID          string   `json:"tenant_id,omitempty"`
	CreatedAt         string   `json:"created_at"`
	Mergeable         *bool    `json:"mergeable,omitempty"`
	ConflictCount     int      `json:"conflict_count"`
	FilesChangedCount int      `json:"files_changed_count"`
	RiskScore         *float64 `json:"risk_score,omitempty"`
	DamageScore       *float64 `json:"damage_score,omitempty"`
	EntropyScore      *float64 `json:"entropy_score,omitempty"`
	PropagationScore  *float64 `json:"propagation_score,omitempty"`
	ContainmentScore  *float64 `json:"containment_score,omitempty"`
	BombCount         int      `json:"bomb_count"`
	BombTypes         []string `json:"bomb_types,omitempty"`
	PolicyVerdict     string   `json:"policy_verdict,omitempty"`
	PolicyProfile     string   `json:"policy_profile,omitempty"`
}

// ExportResult reports one dataset export.
type ExportResult struct {
	Records    int       `json:"records"`
	Format     string    `json:"format"`
	OutputPath string    `json:"output_path"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExportDecisions writes the decision dataset as JSONL (default) or
// CSV and records dataset.exported.
func (s *Service) ExportDecisions(ctx context.Context, outputPath, tenantID, format string) (*ExportResult, error) {
	if format == "" {
		format = FormatJSONL
	}
	if format != FormatJSONL && format != FormatCSV {
		return nil, fmt.Errorf("analytics: export decisions: unknown format %q", format)
	}
	if outputPath == "" {
		outputPath = filepath.Join(".converge", "datasets", "decisions."+format)
	}

	intents, err := s.store.ListIntents(ctx, model.IntentFilter{TenantID: tenantID, Limit: exportIntentLimit})
	if err != nil {
		return nil, fmt.Errorf("analytics: export decisions: %w", err)
	}
	records := make([]DecisionRecord, 0, len(intents))
	for _, intent := range intents {
		rec, err := s.decisionRecord(ctx, intent)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("analytics: export decisions: %w", err)
	}
	switch format {
	case FormatCSV:
		err = writeCSV(records, outputPath)
	default:
		err = writeJSONL(records, outputPath)
	}
	if err != nil {
		return nil, err
	}

	result := &ExportResult{
		Records:    len(records),
		Format:     format,
		OutputPath: outputPath,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := s.log.Append(ctx, model.Event{
		Type:     model.EventDatasetExported,
		TenantID: tenantID,
		Payload: map[string]any{
			"records":     result.Records,
			"format":      result.Format,
			"output_path": result.OutputPath,
		},
		Evidence: map[string]any{"records": result.Records},
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) decisionRecord(ctx context.Context, intent model.Intent) (DecisionRecord, error) {
	rec := DecisionRecord{
		IntentID:  intent.ID,
		Source:    intent.Source,
		Target:    intent.Target,
		Status:    string(intent.Status),
		RiskLevel: string(intent.RiskLevel),
		Priority:  intent.Priority,
		Retries:   intent.Retries,
		TenantID:  intent.TenantID,
		CreatedAt: intent.CreatedAt.UTC().Format(time.RFC3339),
	}

	sim, err := s.latestPayload(ctx, model.EventSimulationCompleted, intent.ID)
	if err != nil {
		return rec, err
	}
	if sim != nil {
		if v, ok := sim["mergeable"].(bool); ok {
			rec.Mergeable = &v
		}
		rec.ConflictCount = payloadLen(sim["conflicts"])
		rec.FilesChangedCount = payloadLen(sim["files_changed"])
	}

	riskPayload, err := s.latestPayload(ctx, model.EventRiskEvaluated, intent.ID)
	if err != nil {
		return rec, err
	}
	if riskPayload != nil {
		rec.RiskScore = payloadFloat(riskPayload, "risk_score")
		rec.DamageScore = payloadFloat(riskPayload, "damage_score")
		rec.EntropyScore = payloadFloat(riskPayload, "entropy_score")
		rec.PropagationScore = payloadFloat(riskPayload, "propagation_score")
		rec.ContainmentScore = payloadFloat(riskPayload, "containment_score")
		rec.BombTypes = bombTypes(riskPayload["bombs"])
		rec.BombCount = len(rec.BombTypes)
	}

	pol, err := s.latestPayload(ctx, model.EventPolicyEvaluated, intent.ID)
	if err != nil {
		return rec, err
	}
	if pol != nil {
		rec.PolicyVerdict, _ = pol["verdict"].(string)
		rec.PolicyProfile, _ = pol["profile_used"].(string)
	}
	return rec, nil
}

func (s *Service) latestPayload(ctx context.Context, etype model.EventType, intentID string) (map[string]any, error) {
	events, err := s.log.Query(ctx, model.EventQuery{Type: etype, IntentID: intentID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("analytics: export decisions: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0].Payload, nil
}

func payloadLen(v any) int {
	switch t := v.(type) {
	case []any:
		return len(t)
	case []string:
		return len(t)
	}
	return 0
}

func payloadFloat(p map[string]any, key string) *float64 {
	if v, ok := p[key].(float64); ok {
		return &v
	}
	return nil
}

// bombTypes extracts type names from a risk payload's bombs list, which
// arrives either as the in-process typed slice or as decoded JSON.
func bombTypes(v any) []string {
	var out []string
	marshal, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var bombs []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(marshal, &bombs); err != nil {
		return nil
	}
	for _, b := range bombs {
		if b.Type != "" {
			out = append(out, b.Type)
		}
	}
	return out
}

func writeJSONL(records []DecisionRecord, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("analytics: write jsonl: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("analytics: write jsonl: %w", err)
		}
	}
	return f.Close()
}

func writeCSV(records []DecisionRecord, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("analytics: write csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"intent_id", "source", "target", "status", "risk_level", "priority",
		"retries", "tenant_id", "created_at", "mergeable", "conflict_count",
		"files_changed_count", "risk_score", "damage_score", "entropy_score",
		"propagation_score", "containment_score", "bomb_count", "bomb_types",
		"policy_verdict", "policy_profile",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("analytics: write csv: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.IntentID, r.Source, r.Target, r.Status, r.RiskLevel,
			strconv.Itoa(r.Priority), strconv.Itoa(r.Retries), r.TenantID,
			r.CreatedAt, boolField(r.Mergeable), strconv.Itoa(r.ConflictCount),
			strconv.Itoa(r.FilesChangedCount), floatField(r.RiskScore),
			floatField(r.DamageScore), floatField(r.EntropyScore),
			floatField(r.PropagationScore), floatField(r.ContainmentScore),
			strconv.Itoa(r.BombCount), strings.Join(r.BombTypes, ","),
			r.PolicyVerdict, r.PolicyProfile,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("analytics: write csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("analytics: write csv: %w", err)
	}
	return f.Close()
}

func boolField(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func floatField(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
