package risk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/scm"
)

func testIntent() model.Intent {
	return model.Intent{
		ID:        "acme/app:pr-7",
		Source:    "feature/x",
		Target:    "main",
		RiskLevel: model.RiskMedium,
		Technical: model.Technical{
			Repo:       "acme/app",
			ScopeHints: []string{"billing"},
		},
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	intent := testIntent()
	sim := &scm.Simulation{
		Mergeable:    true,
		FilesChanged: []string{"src/billing/invoice.go", "src/billing/tax.go", "docs/readme.md"},
	}
	coupling := []CouplingPair{{A: "src/billing/invoice.go", B: "src/ledger/entry.go", CoChanges: 4}}

	first := Evaluate(intent, sim, coupling)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Evaluate(intent, sim, coupling))
	}
}

func TestEvaluateCompositeWeights(t *testing.T) {
	e := Evaluate(testIntent(), &scm.Simulation{
		Mergeable:    true,
		FilesChanged: []string{"src/a.go", "src/b.go"},
	}, nil)

	expected := round2(0.30*e.Signals.EntropicLoad + 0.25*e.Signals.ContextualValue +
		0.20*e.Signals.ComplexityDelta + 0.25*e.Signals.PathDependence)
	assert.Equal(t, expected, e.RiskScore)
	assert.Equal(t, e.Signals.EntropicLoad, e.EntropyScore)

	damage := round2(0.5*e.Signals.ContextualValue + 0.3*e.Signals.EntropicLoad +
		0.2*e.Signals.PathDependence)
	assert.Equal(t, damage, e.DamageScore)
}

func TestConflictsRaiseEntropyAndFindings(t *testing.T) {
	clean := Evaluate(testIntent(), &scm.Simulation{
		Mergeable:    true,
		FilesChanged: []string{"src/a.go"},
	}, nil)
	conflicted := Evaluate(testIntent(), &scm.Simulation{
		Mergeable:    false,
		FilesChanged: []string{"src/a.go"},
		Conflicts:    []string{"src/a.go"},
	}, nil)

	assert.Greater(t, conflicted.Signals.EntropicLoad, clean.Signals.EntropicLoad)

	var critical bool
	for _, f := range conflicted.Findings {
		if f.Severity == "critical" {
			critical = true
		}
	}
	assert.True(t, critical, "conflicts must produce a critical finding")
}

func TestFindingsLargeChangeSet(t *testing.T) {
	files := make([]string, 16)
	for i := range files {
		files[i] = fmt.Sprintf("src/pkg%d/file.go", i)
	}
	e := Evaluate(testIntent(), &scm.Simulation{Mergeable: true, FilesChanged: files}, nil)

	var large bool
	for _, f := range e.Findings {
		if f.Severity == "high" && f.Message == "large change set: 16 files" {
			large = true
		}
	}
	assert.True(t, large)
}

func TestThermalDeathBomb(t *testing.T) {
	intent := testIntent()
	intent.Dependencies = []string{"d1", "d2", "d3", "d4"}

	files := make([]string, 12)
	for i := range files {
		files[i] = fmt.Sprintf("src/mod%d/file.go", i)
	}
	e := Evaluate(intent, &scm.Simulation{
		Mergeable:    false,
		FilesChanged: files,
		Conflicts:    []string{files[0]},
	}, nil)

	var thermal bool
	for _, b := range e.Bombs {
		if b.Type == BombThermalDeath {
			thermal = true
			assert.Equal(t, "critical", b.Severity)
		}
	}
	assert.True(t, thermal, "files>10, conflicts>0, deps>3 should trip thermal death")
	assert.Contains(t, e.BombTypes(), string(BombThermalDeath))
}

func TestContextualValueImportanceTerm(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"a.go", "b.go", "c.go", "d.go"} {
		g.AddNode(id, NodeFile)
	}
	intent := model.Intent{ID: "x", Target: "develop", RiskLevel: model.RiskLow}

	// Four nodes, uniform baseline 0.25: a single changed file holding
	// rank 0.375 carries 1.5x the uniform share, scoring 1.5*30 = 45.
	rank := map[string]float64{"a.go": 0.375, "b.go": 0.375, "c.go": 0.15, "d.go": 0.1}
	assert.Equal(t, 45.0, contextualValue(g, rank, []string{"a.go"}, intent))

	// The importance term caps at 60 no matter how concentrated the rank.
	rank["a.go"] = 1.0
	assert.Equal(t, 60.0, contextualValue(g, rank, []string{"a.go"}, intent))
}

func TestContainmentNoCrossings(t *testing.T) {
	intent := model.Intent{ID: "x", RiskLevel: model.RiskLow}
	e := Evaluate(intent, &scm.Simulation{Mergeable: true}, nil)
	// The intent node alone produces no edges, deps, or scopes.
	assert.Equal(t, 1.0, e.ContainmentScore)
}

func TestGraphComponents(t *testing.T) {
	g := NewGraph()
	g.AddNode("a", NodeFile)
	g.AddNode("b", NodeFile)
	g.AddNode("c", NodeFile)
	g.AddEdge("a", "b", 1, "")
	assert.Equal(t, 2, g.Components())
}

func TestGraphDAGAndLongestPath(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(id, NodeFile)
	}
	g.AddEdge("a", "b", 1, "")
	g.AddEdge("b", "c", 1, "")
	g.AddEdge("c", "d", 1, "")
	require.True(t, g.IsDAG())
	assert.Equal(t, 3, g.LongestPathLength())

	g.AddEdge("d", "a", 1, "")
	assert.False(t, g.IsDAG())
}

func TestCountCyclesBounded(t *testing.T) {
	g := NewGraph()
	// Three two-node cycles.
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		g.AddNode(id, NodeFile)
	}
	g.AddEdge("a", "b", 1, "")
	g.AddEdge("b", "a", 1, "")
	g.AddEdge("c", "d", 1, "")
	g.AddEdge("d", "c", 1, "")
	g.AddEdge("e", "f", 1, "")
	g.AddEdge("f", "e", 1, "")

	assert.Equal(t, 3, CountCycles(g, 10))
	assert.Equal(t, 2, CountCycles(g, 2), "enumeration must stop at the cap")
}

func TestPageRankSumsToOne(t *testing.T) {
	g := BuildGraph(GraphInput{
		IntentID:     "x",
		Target:       "main",
		FilesChanged: []string{"src/a.go", "src/b.go", "lib/c.go"},
		ScopeHints:   []string{"core"},
	})
	rank := PageRank(g)

	sum := 0.0
	for _, v := range rank {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 0.01)
}

func TestCouplingEdgesRequireChangedEndpoint(t *testing.T) {
	g := BuildGraph(GraphInput{
		IntentID:     "x",
		FilesChanged: []string{"a.go"},
		Coupling: []CouplingPair{
			{A: "a.go", B: "z.go", CoChanges: 3},
			{A: "p.go", B: "q.go", CoChanges: 9},
		},
	})
	assert.Equal(t, NodeFile, g.Kind("z.go"))
	assert.Equal(t, NodeKind(""), g.Kind("p.go"), "pairs outside the change set are dropped")
}
