package coherence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/risk"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

func newHarness(t *testing.T) *Harness {
	t.Helper()
	return New(eventlog.New(memstore.New(), nil), nil)
}

func ptr(v float64) *float64 { return &v }

func TestEvaluateAssertionSimple(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.evaluateAssertion("result >= baseline", 10, ptr(5)))
	assert.False(t, h.evaluateAssertion("result >= baseline", 3, ptr(5)))
	assert.True(t, h.evaluateAssertion("result == 0", 0, nil))
	assert.False(t, h.evaluateAssertion("result != 0", 0, nil))
	assert.True(t, h.evaluateAssertion("result < 100", 42, nil))
}

func TestEvaluateAssertionCompound(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.evaluateAssertion("result >= 0 AND result <= 100", 50, nil))
	assert.False(t, h.evaluateAssertion("result >= 0 AND result <= 100", 150, nil))
	assert.True(t, h.evaluateAssertion("result == 0 OR baseline == 0", 5, ptr(0)))
	assert.True(t, h.evaluateAssertion("result >= 0 and result <= 100", 50, nil), "connectives are case-insensitive")
}

func TestEvaluateAssertionMissingBaselinePasses(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.evaluateAssertion("result >= baseline", 1, nil))
}

func TestEvaluateAssertionUnparsablePasses(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.evaluateAssertion("__import__('os')", 1, nil))
	assert.True(t, h.evaluateAssertion("result ~ baseline", 1, ptr(2)))
	assert.True(t, h.evaluateAssertion("", 1, nil))
}

func TestRunQuestionParsesLastLine(t *testing.T) {
	h := newHarness(t)

	res := h.RunQuestion(context.Background(), Question{
		ID:        "q-count",
		Check:     "echo noise; echo 42",
		Assertion: "result >= 40",
		Severity:  "high",
	}, t.TempDir(), nil)
	assert.Equal(t, VerdictPass, res.Verdict)
	assert.Equal(t, 42.0, res.Value)
	assert.Empty(t, res.Error)
}

func TestRunQuestionCommandFailure(t *testing.T) {
	h := newHarness(t)

	res := h.RunQuestion(context.Background(), Question{
		ID:        "q-broken",
		Check:     "exit 3",
		Assertion: "result == 0",
	}, t.TempDir(), nil)
	assert.Equal(t, VerdictFail, res.Verdict)
	assert.NotEmpty(t, res.Error)
}

func TestRunQuestionNonNumericOutput(t *testing.T) {
	h := newHarness(t)

	res := h.RunQuestion(context.Background(), Question{
		ID:        "q-words",
		Check:     "echo not-a-number",
		Assertion: "result == 0",
	}, t.TempDir(), nil)
	assert.Equal(t, VerdictFail, res.Verdict)
	assert.Contains(t, res.Error, "non-numeric")
}

func TestEvaluateScoring(t *testing.T) {
	h := newHarness(t)
	questions := []Question{
		{ID: "q-ok", Check: "echo 1", Assertion: "result == 1", Severity: "critical"},
		{ID: "q-bad-high", Check: "echo 0", Assertion: "result == 1", Severity: "high"},
		{ID: "q-bad-medium", Check: "echo 0", Assertion: "result == 1", Severity: "medium"},
	}

	eval, err := h.Evaluate(context.Background(), questions, t.TempDir(), map[string]float64{}, 75, 60)
	require.NoError(t, err)
	assert.Equal(t, 70.0, eval.Score, "100 - 20 - 10")
	assert.Equal(t, VerdictWarn, eval.Verdict)
	assert.Len(t, eval.Results, 3)
}

func TestEvaluateNoQuestionsPasses(t *testing.T) {
	h := newHarness(t)

	eval, err := h.Evaluate(context.Background(), nil, "", nil, 75, 60)
	require.NoError(t, err)
	assert.Equal(t, 100.0, eval.Score)
	assert.Equal(t, VerdictPass, eval.Verdict)
	assert.Equal(t, "none", eval.HarnessVersion)
}

func TestBaselinesRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	baselines, err := h.LoadBaselines(ctx)
	require.NoError(t, err)
	assert.Empty(t, baselines)

	results := []Result{
		{QuestionID: "q-a", Value: 12},
		{QuestionID: "q-b", Value: 3},
		{QuestionID: "q-err", Value: 99, Error: "command timed out"},
	}
	updated, err := h.UpdateBaselines(ctx, results, "repo:pr-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"q-a": 12, "q-b": 3}, updated, "errored results excluded")

	baselines, err = h.LoadBaselines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, baselines["q-a"])
	_, ok := baselines["q-err"]
	assert.False(t, ok)
}

func TestLoadQuestionsFiltersDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"version": "2.0.0",
		"questions": [
			{"id": "q-on", "question": "?", "check": "echo 1", "assertion": "result == 1"},
			{"id": "q-off", "question": "?", "check": "echo 1", "assertion": "result == 1", "enabled": false}
		]
	}`), 0o600))

	h := newHarness(t).WithConfigPath(path)
	questions, err := h.LoadQuestions()
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, "q-on", questions[0].ID)
	assert.Equal(t, "high", questions[0].Severity, "severity defaults to high")
	assert.Equal(t, "2.0.0", h.Version())
}

func TestVersionStates(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t).WithConfigPath(filepath.Join(dir, "missing.json"))
	assert.Equal(t, "none", h.Version())

	path := filepath.Join(dir, "unversioned.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"questions": []}`), 0o600))
	assert.Equal(t, "unknown", h.WithConfigPath(path).Version())
}

func TestCheckConsistencyScoreMismatch(t *testing.T) {
	eval := Evaluation{Score: 90, Results: []Result{{QuestionID: "q-a", Verdict: VerdictPass}}}
	out := CheckConsistency(eval, risk.Eval{RiskScore: 60})
	require.Len(t, out, 1)
	assert.Equal(t, "score_mismatch", out[0].Type)
}

func TestCheckConsistencyBombUndetected(t *testing.T) {
	eval := Evaluation{Score: 100, Results: []Result{{QuestionID: "q-a", Verdict: VerdictPass}}}
	re := risk.Eval{Bombs: []risk.Bomb{{Type: risk.BombCascade}}}
	out := CheckConsistency(eval, re)
	require.Len(t, out, 1)
	assert.Equal(t, "bomb_undetected", out[0].Type)

	// No questions ran: silence is not agreement.
	out = CheckConsistency(Evaluation{Score: 100}, re)
	assert.Empty(t, out)
}

func TestCheckConsistencyMissingScopeValidation(t *testing.T) {
	eval := Evaluation{Score: 50, Results: []Result{{QuestionID: "q-test-count", Verdict: VerdictFail}}}
	out := CheckConsistency(eval, risk.Eval{PropagationScore: 55})
	require.Len(t, out, 1)
	assert.Equal(t, "missing_scope_validation", out[0].Type)

	eval.Results = append(eval.Results, Result{QuestionID: "q-scope-blast", Verdict: VerdictPass})
	assert.Empty(t, CheckConsistency(eval, risk.Eval{PropagationScore: 55}))
}

func TestInitHarness(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t).WithConfigPath(filepath.Join(dir, ".converge", "coherence_harness.json"))

	created, err := h.Init()
	require.NoError(t, err)
	assert.True(t, created)

	questions, err := h.LoadQuestions()
	require.NoError(t, err)
	assert.NotEmpty(t, questions)

	created, err = h.Init()
	require.NoError(t, err)
	assert.False(t, created, "existing config untouched")
}
