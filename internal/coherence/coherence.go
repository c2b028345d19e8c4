// Package coherence evaluates systemic coherence through configurable
// questions: shell checks producing a numeric value, compared against a
// baseline or a fixed assertion. Failed questions lose points by
// severity; the score feeds the coherence gate.
package coherence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/risk"
)

// DefaultConfigPath is where the harness config lives inside a
// coordinated repository.
const DefaultConfigPath = ".converge/coherence_harness.json"

// DefaultQuestionTimeout bounds each question's shell check.
const DefaultQuestionTimeout = 60 * time.Second

// Verdicts, stable wire values.
const (
	VerdictPass = "pass"
	VerdictWarn = "warn"
	VerdictFail = "fail"
)

var severityWeights = map[string]float64{
	"critical": 30,
	"high":     20,
	"medium":   10,
}

// Question is one configurable coherence check.
type Question struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Check     string `json:"check"`
	Assertion string `json:"assertion"`
	Severity  string `json:"severity"`
	Category  string `json:"category"`
}

// Result is the outcome of one question.
type Result struct {
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question"`
	Verdict    string   `json:"verdict"`
	Value      float64  `json:"value"`
	Baseline   *float64 `json:"baseline,omitempty"`
	Assertion  string   `json:"assertion"`
	Error      string   `json:"error,omitempty"`
}

// Evaluation aggregates all question results into a score and verdict.
type Evaluation struct {
	Score          float64  `json:"coherence_score"`
	Verdict        string   `json:"verdict"`
	Results        []Result `json:"results"`
	HarnessVersion string   `json:"harness_version"`
}

// Inconsistency flags a disagreement between the harness verdict and
// the objective risk metrics.
type Inconsistency struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Harness loads questions, runs them, and keeps baselines in the event
// log.
type Harness struct {
	log        *eventlog.Log
	logger     *slog.Logger
	configPath string
	timeout    time.Duration
}

// New builds a harness reading its config from the default path.
func New(log *eventlog.Log, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		log:        log,
		logger:     logger,
		configPath: DefaultConfigPath,
		timeout:    DefaultQuestionTimeout,
	}
}

// WithConfigPath overrides the harness config location.
func (h *Harness) WithConfigPath(path string) *Harness {
	h.configPath = path
	return h
}

type harnessFile struct {
	Version   string `json:"version"`
	Questions []struct {
		ID        string `json:"id"`
		Question  string `json:"question"`
		Check     string `json:"check"`
		Assertion string `json:"assertion"`
		Severity  string `json:"severity"`
		Category  string `json:"category"`
		Enabled   *bool  `json:"enabled"`
	} `json:"questions"`
}

func (h *Harness) readConfig() (*harnessFile, error) {
	data, err := os.ReadFile(h.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coherence: read harness config: %w", err)
	}
	var f harnessFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("coherence: parse harness config: %w", err)
	}
	return &f, nil
}

// LoadQuestions returns the enabled questions from the harness config.
// A missing config file yields no questions, which evaluates as a clean
// pass.
func (h *Harness) LoadQuestions() ([]Question, error) {
	f, err := h.readConfig()
	if err != nil || f == nil {
		return nil, err
	}
	var questions []Question
	for _, q := range f.Questions {
		if q.Enabled != nil && !*q.Enabled {
			continue
		}
		severity := q.Severity
		if severity == "" {
			severity = "high"
		}
		category := q.Category
		if category == "" {
			category = "structural"
		}
		questions = append(questions, Question{
			ID:        q.ID,
			Question:  q.Question,
			Check:     q.Check,
			Assertion: q.Assertion,
			Severity:  severity,
			Category:  category,
		})
	}
	return questions, nil
}

// Version reports the harness config version: "none" without a config
// file, "unknown" when the file omits it.
func (h *Harness) Version() string {
	f, err := h.readConfig()
	if err != nil || f == nil {
		return "none"
	}
	if f.Version == "" {
		return "unknown"
	}
	return f.Version
}

// LoadBaselines reads the most recent coherence.baseline_updated event.
// No event yet means no baselines, and assertions referencing one pass.
func (h *Harness) LoadBaselines(ctx context.Context) (map[string]float64, error) {
	events, err := h.log.Query(ctx, model.EventQuery{
		Type:  model.EventCoherenceBaselineUpdated,
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("coherence: load baselines: %w", err)
	}
	if len(events) == 0 {
		return map[string]float64{}, nil
	}
	return decodeBaselines(events[0].Payload), nil
}

func decodeBaselines(payload map[string]any) map[string]float64 {
	out := map[string]float64{}
	raw, ok := payload["baselines"]
	if !ok {
		return out
	}
	switch m := raw.(type) {
	case map[string]float64:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if f, ok := toFloat(v); ok {
				out[k] = f
			}
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// UpdateBaselines records the current values as the new baselines.
// Errored results are excluded so a flaky check cannot poison the
// baseline set.
func (h *Harness) UpdateBaselines(ctx context.Context, results []Result, intentID string) (map[string]float64, error) {
	baselines := map[string]float64{}
	for _, r := range results {
		if r.Error == "" {
			baselines[r.QuestionID] = r.Value
		}
	}
	_, err := h.log.Append(ctx, model.Event{
		Type:     model.EventCoherenceBaselineUpdated,
		IntentID: intentID,
		Payload:  map[string]any{"baselines": baselines},
	})
	if err != nil {
		return nil, fmt.Errorf("coherence: update baselines: %w", err)
	}
	return baselines, nil
}

// RunQuestion executes one question's check via the shell, parses the
// last line of stdout as a float, and evaluates the assertion. A
// non-zero exit, a timeout, or unparsable output all fail the question
// with the error recorded.
func (h *Harness) RunQuestion(ctx context.Context, q Question, workdir string, baselines map[string]float64) Result {
	res := Result{
		QuestionID: q.ID,
		Question:   q.Question,
		Assertion:  q.Assertion,
	}
	if b, ok := baselines[q.ID]; ok {
		v := b
		res.Baseline = &v
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	cmd := exec.CommandContext(checkCtx, "sh", "-c", q.Check)
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if checkCtx.Err() == context.DeadlineExceeded {
		res.Verdict = VerdictFail
		res.Error = "command timed out"
		return res
	}
	if err != nil {
		detail := stderr.String()
		if len(detail) > 200 {
			detail = detail[:200]
		}
		res.Verdict = VerdictFail
		res.Error = fmt.Sprintf("command failed: %s", strings.TrimSpace(detail))
		return res
	}

	value, err := parseNumeric(stdout.String())
	if err != nil {
		res.Verdict = VerdictFail
		res.Error = err.Error()
		return res
	}
	res.Value = value

	if h.evaluateAssertion(q.Assertion, value, res.Baseline) {
		res.Verdict = VerdictPass
	} else {
		res.Verdict = VerdictFail
	}
	return res
}

// parseNumeric takes the last non-empty line of the output as a float.
// Empty output counts as zero.
func parseNumeric(raw string) (float64, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return 0, nil
	}
	lines := strings.Split(cleaned, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	v, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, fmt.Errorf("coherence: non-numeric check output %q", last)
	}
	return v, nil
}

// Evaluate runs every question and aggregates the score. With no
// questions configured the evaluation is a clean pass at 100.
func (h *Harness) Evaluate(ctx context.Context, questions []Question, workdir string, baselines map[string]float64, passThreshold, warnThreshold float64) (Evaluation, error) {
	if len(questions) == 0 {
		return Evaluation{
			Score:          100,
			Verdict:        VerdictPass,
			Results:        []Result{},
			HarnessVersion: "none",
		}, nil
	}

	if baselines == nil {
		loaded, err := h.LoadBaselines(ctx)
		if err != nil {
			return Evaluation{}, err
		}
		baselines = loaded
	}

	severityByID := make(map[string]string, len(questions))
	results := make([]Result, 0, len(questions))
	for _, q := range questions {
		severityByID[q.ID] = q.Severity
		results = append(results, h.RunQuestion(ctx, q, workdir, baselines))
	}

	var penalty float64
	for _, r := range results {
		if r.Verdict == VerdictPass {
			continue
		}
		weight, ok := severityWeights[severityByID[r.QuestionID]]
		if !ok {
			weight = 20
		}
		penalty += weight
	}
	score := 100 - penalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	verdict := VerdictFail
	switch {
	case score >= passThreshold:
		verdict = VerdictPass
	case score >= warnThreshold:
		verdict = VerdictWarn
	}

	return Evaluation{
		Score:          score,
		Verdict:        verdict,
		Results:        results,
		HarnessVersion: h.Version(),
	}, nil
}

// CheckConsistency cross-validates the harness verdict against the
// objective risk metrics. A green harness next to elevated risk means
// the question set has a blind spot worth surfacing.
func CheckConsistency(eval Evaluation, riskEval risk.Eval) []Inconsistency {
	var out []Inconsistency

	if eval.Score > 75 && riskEval.RiskScore > 50 {
		out = append(out, Inconsistency{
			Type:    "score_mismatch",
			Message: "coherence harness passed but risk is elevated",
			Details: map[string]any{
				"coherence_score": eval.Score,
				"risk_score":      riskEval.RiskScore,
			},
		})
	}

	allPassed := len(eval.Results) > 0
	for _, r := range eval.Results {
		if r.Verdict != VerdictPass {
			allPassed = false
			break
		}
	}
	if allPassed && len(riskEval.Bombs) > 0 {
		out = append(out, Inconsistency{
			Type:    "bomb_undetected",
			Message: "structural degradation detected but the coherence harness did not flag it",
			Details: map[string]any{"bombs": riskEval.BombTypes()},
		})
	}

	hasScope := false
	for _, r := range eval.Results {
		if strings.HasPrefix(r.QuestionID, "q-scope") {
			hasScope = true
			break
		}
	}
	if riskEval.PropagationScore > 40 && !hasScope {
		out = append(out, Inconsistency{
			Type:    "missing_scope_validation",
			Message: "high propagation but no scope questions in harness",
			Details: map[string]any{"propagation_score": riskEval.PropagationScore},
		})
	}

	return out
}

// Init writes a starter harness config with a few structural questions.
// An existing config is left untouched.
func (h *Harness) Init() (created bool, err error) {
	if _, err := os.Stat(h.configPath); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(h.configPath), 0o755); err != nil {
		return false, fmt.Errorf("coherence: init harness: %w", err)
	}
	if err := os.WriteFile(h.configPath, []byte(harnessTemplate), 0o644); err != nil {
		return false, fmt.Errorf("coherence: init harness: %w", err)
	}
	return true, nil
}

const harnessTemplate = `{
  "version": "1.1.0",
  "questions": [
    {
      "id": "q-test-count",
      "question": "Has the test file count decreased?",
      "check": "find . -name '*_test.go' | wc -l",
      "assertion": "result >= baseline",
      "severity": "high",
      "category": "structural",
      "enabled": true
    },
    {
      "id": "q-no-fixme-growth",
      "question": "Has the TODO/FIXME count increased?",
      "check": "grep -r 'TODO\\|FIXME' --include='*.go' . | wc -l",
      "assertion": "result <= baseline",
      "severity": "medium",
      "category": "structural",
      "enabled": true
    },
    {
      "id": "q-no-large-files",
      "question": "Were files larger than 1MB added to source?",
      "check": "find . -type f -size +1M -not -path './.git/*' | wc -l",
      "assertion": "result == 0",
      "severity": "high",
      "category": "structural",
      "enabled": true
    }
  ]
}
`
