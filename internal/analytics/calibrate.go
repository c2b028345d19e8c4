package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
)

// DefaultCalibrationPath is where calibrated profiles land.
const DefaultCalibrationPath = ".converge/calibrated_profiles.json"

// CalibrationResult reports one calibration run.
type CalibrationResult struct {
	Profiles   map[string]policy.Profile `json:"calibrated_profiles"`
	DataPoints int                       `json:"data_points"`
	OutputPath string                    `json:"output_path"`
	Timestamp  time.Time                 `json:"timestamp"`
}

// Calibrate recomputes entropy budgets from historical risk.evaluated
// events and writes the calibrated profiles to outputPath (default
// .converge/calibrated_profiles.json). The operator reviews the file
// and promotes it into the policy config by hand; calibration never
// mutates the live config.
func (s *Service) Calibrate(ctx context.Context, outputPath string) (*CalibrationResult, error) {
	events, err := s.log.Query(ctx, model.EventQuery{
		Type:  model.EventRiskEvaluated,
		Limit: calibrationQueryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: calibrate: %w", err)
	}

	var scores []float64
	for _, e := range events {
		if v, ok := e.Payload["entropy_score"].(float64); ok {
			scores = append(scores, v)
		}
	}

	profiles := policy.CalibrateProfiles(scores, s.cfg.Profiles)

	if outputPath == "" {
		outputPath = DefaultCalibrationPath
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("analytics: calibrate: %w", err)
	}
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("analytics: calibrate: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("analytics: calibrate: %w", err)
	}

	result := &CalibrationResult{
		Profiles:   profiles,
		DataPoints: len(scores),
		OutputPath: outputPath,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := s.log.Append(ctx, model.Event{
		Type: model.EventCalibrationCompleted,
		Payload: map[string]any{
			"data_points": result.DataPoints,
			"output_path": result.OutputPath,
		},
		Evidence: map[string]any{"data_points": result.DataPoints},
	}); err != nil {
		return nil, err
	}
	return result, nil
}
