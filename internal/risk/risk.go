// Package risk scores a proposed merge. It builds a heterogeneous
// dependency graph over the change set, computes four independent
// signals, and derives composite scores, qualitative findings, and
// "bomb" patterns (structural failure modes). Evaluation is a pure
// function: the same intent, simulation, and coupling data always
// produce bit-identical output.
package risk

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/scm"
)

// Signals are the four independent risk measurements, each in [0, 100].
type Signals struct {
	EntropicLoad    float64 `json:"entropic_load"`
	ContextualValue float64 `json:"contextual_value"`
	ComplexityDelta float64 `json:"complexity_delta"`
	PathDependence  float64 `json:"path_dependence"`
}

// Finding is a qualitative observation about the change.
type Finding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// BombType names a structural failure pattern.
type BombType string

const (
	BombCascade      BombType = "cascade"
	BombSpiral       BombType = "spiral"
	BombThermalDeath BombType = "thermal_death"
)

// Bomb is a detected structural failure pattern.
type Bomb struct {
	Type        BombType `json:"type"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
}

// Eval is the full risk assessment of one intent.
type Eval struct {
	RiskScore        float64   `json:"risk_score"`
	EntropyScore     float64   `json:"entropy_score"`
	DamageScore      float64   `json:"damage_score"`
	PropagationScore float64   `json:"propagation_score"`
	ContainmentScore float64   `json:"containment_score"`
	Signals          Signals   `json:"signals"`
	Findings         []Finding `json:"findings,omitempty"`
	Bombs            []Bomb    `json:"bombs,omitempty"`
	Components       int       `json:"components"`
	NodeCount        int       `json:"node_count"`
	EdgeCount        int       `json:"edge_count"`
}

// BombTypes returns the detected bomb type names, for evidence summaries.
func (e Eval) BombTypes() []string {
	out := make([]string, 0, len(e.Bombs))
	for _, b := range e.Bombs {
		out = append(out, string(b.Type))
	}
	return out
}

// corePathPrefixes mark directories whose files carry elevated
// contextual value.
var corePathPrefixes = []string{"src/", "lib/", "core/", "pkg/", "internal/", "app/"}

// coreBranches are targets where mistakes are expensive.
var coreBranches = map[string]struct{}{
	"main": {}, "master": {}, "release": {}, "production": {}, "prod": {},
}

var riskLevelBonus = map[model.RiskLevel]float64{
	model.RiskLow:      0,
	model.RiskMedium:   5,
	model.RiskHigh:     15,
	model.RiskCritical: 30,
}

const (
	maxPathCycles   = 20
	maxSpiralCycles = 10
)

// Evaluate scores the intent given its merge simulation and optional
// historical coupling data.
func Evaluate(intent model.Intent, sim *scm.Simulation, coupling []CouplingPair) Eval {
	files := sim.FilesChanged
	conflicts := len(sim.Conflicts)

	g := BuildGraph(GraphInput{
		IntentID:     intent.ID,
		Target:       intent.Target,
		FilesChanged: files,
		Dependencies: intent.Dependencies,
		ScopeHints:   intent.Technical.ScopeHints,
		Coupling:     coupling,
	})

	components := g.Components()
	rank := PageRank(g)

	sig := Signals{
		EntropicLoad:    entropicLoad(files, conflicts, intent.Dependencies, components),
		ContextualValue: contextualValue(g, rank, files, intent),
		ComplexityDelta: complexityDelta(g, intent.Technical.ScopeHints),
		PathDependence:  pathDependence(g, files, conflicts, intent.Dependencies),
	}

	eval := Eval{
		Signals:    sig,
		Components: components,
		NodeCount:  g.NodeCount(),
		EdgeCount:  g.EdgeCount(),
	}
	eval.RiskScore = round2(0.30*sig.EntropicLoad + 0.25*sig.ContextualValue +
		0.20*sig.ComplexityDelta + 0.25*sig.PathDependence)
	eval.EntropyScore = sig.EntropicLoad
	eval.DamageScore = round2(0.5*sig.ContextualValue + 0.3*sig.EntropicLoad + 0.2*sig.PathDependence)
	eval.PropagationScore = propagationScore(g)
	eval.ContainmentScore = containmentScore(g, intent, components)
	eval.Findings = findings(intent, files, conflicts)
	eval.Bombs = detectBombs(g, rank, files, conflicts, intent.Dependencies, components)
	return eval
}

func entropicLoad(files []string, conflicts int, deps []string, components int) float64 {
	dirs := make(map[string]struct{})
	for _, f := range files {
		dirs[path.Dir(f)] = struct{}{}
	}
	extra := components - 1
	if extra < 0 {
		extra = 0
	}
	return clamp(2*float64(len(files)) + 15*float64(conflicts) + 6*float64(len(deps)) +
		3*float64(len(dirs)) + 5*float64(extra))
}

func contextualValue(g *Graph, rank map[string]float64, files []string, intent model.Intent) float64 {
	n := g.NodeCount()
	if n == 0 {
		return clamp(riskLevelBonus[intent.RiskLevel])
	}

	baseline := 1.0 / float64(n)
	sum := 0.0
	for _, f := range files {
		sum += rank[f]
	}
	// Importance ratio: how much more rank the changed files carry than
	// uniformly ranked nodes would.
	importance := 0.0
	if len(files) > 0 {
		importance = sum / (float64(len(files)) * baseline)
	}
	base := 30 * importance
	if base > 60 {
		base = 60
	}

	coreTouches := 0
	for _, f := range files {
		if isCorePath(f) {
			coreTouches++
		}
	}
	coreRatio := 0.0
	if len(files) > 0 {
		coreRatio = float64(coreTouches) / float64(len(files))
	}

	score := base + 20*coreRatio
	if _, ok := coreBranches[intent.Target]; ok {
		score += 10
	}
	score += riskLevelBonus[intent.RiskLevel]
	return clamp(score)
}

func complexityDelta(g *Graph, scopes []string) float64 {
	n := g.NodeCount()
	density := 0.0
	if n > 1 {
		density = float64(g.EdgeCount()) / float64(n*(n-1))
	}
	edgeNodeRatio := 0.0
	if n > 0 {
		edgeNodeRatio = float64(g.EdgeCount()) / float64(n)
	}
	ratioComponent := 10 * edgeNodeRatio
	if ratioComponent > 30 {
		ratioComponent = 30
	}

	crossDir := 0
	for _, e := range g.Edges() {
		if g.Kind(e.From) == NodeFile && g.Kind(e.To) == NodeFile &&
			path.Dir(e.From) != path.Dir(e.To) {
			crossDir++
		}
	}

	return clamp(40*density + ratioComponent + 3*float64(crossDir) + 5*float64(len(scopes)))
}

func pathDependence(g *Graph, files []string, conflicts int, deps []string) float64 {
	coreTouches := 0
	for _, f := range files {
		if isCorePath(f) {
			coreTouches++
		}
	}
	score := 20*float64(conflicts) + 4*float64(coreTouches) + 8*float64(len(deps))
	if g.IsDAG() {
		score += 2 * float64(g.LongestPathLength())
	} else {
		score += 5 * float64(CountCycles(g, maxPathCycles))
	}
	return clamp(score)
}

func propagationScore(g *Graph) float64 {
	fileNodes := 0
	outSum := 0
	for _, id := range g.Nodes() {
		if g.Kind(id) == NodeFile {
			fileNodes++
			outSum += g.OutDegree(id)
		}
	}
	graphComponent := 0.0
	if fileNodes > 0 {
		graphComponent = 10 * float64(outSum) / float64(fileNodes)
	}
	if graphComponent > 50 {
		graphComponent = 50
	}

	weightSum := 0.0
	targets := make(map[string]struct{})
	for _, e := range g.Edges() {
		weightSum += e.Weight
		targets[e.To] = struct{}{}
	}
	edgeComponent := 3*weightSum + 2*float64(len(targets))
	if edgeComponent > 50 {
		edgeComponent = 50
	}

	total := graphComponent + edgeComponent
	if total > 100 {
		total = 100
	}
	return round2(total)
}

func containmentScore(g *Graph, intent model.Intent, components int) float64 {
	crossings := make(map[string]struct{})
	for _, e := range g.Edges() {
		crossings[e.To] = struct{}{}
	}
	for _, d := range intent.Dependencies {
		crossings[d] = struct{}{}
	}
	for _, s := range intent.Technical.ScopeHints {
		crossings[s] = struct{}{}
	}
	if len(crossings) == 0 {
		return 1.0
	}
	extra := components - 1
	if extra < 0 {
		extra = 0
	}
	score := 1.0 - 0.05*float64(len(crossings)) - 0.03*float64(extra)
	if score < 0 {
		score = 0
	}
	return round2(score)
}

func findings(intent model.Intent, files []string, conflicts int) []Finding {
	var out []Finding
	if len(files) > 15 {
		out = append(out, Finding{Severity: "high",
			Message: fmt.Sprintf("large change set: %d files", len(files))})
	}
	if len(intent.Dependencies) > 3 {
		out = append(out, Finding{Severity: "medium",
			Message: fmt.Sprintf("%d dependencies increase ordering sensitivity", len(intent.Dependencies))})
	}
	if _, ok := coreBranches[intent.Target]; ok {
		out = append(out, Finding{Severity: "high",
			Message: "targets core branch " + intent.Target})
	}
	if conflicts > 0 {
		out = append(out, Finding{Severity: "critical",
			Message: fmt.Sprintf("%d merge conflicts", conflicts)})
	}
	return out
}

func detectBombs(g *Graph, rank map[string]float64, files []string, conflicts int, deps []string, components int) []Bomb {
	var bombs []Bomb
	n := g.NodeCount()

	// cascade: highly ranked, highly connected files whose downstream
	// reach dwarfs the change itself.
	if n > 0 && len(files) > 0 {
		threshold := 1.5 / float64(n)
		union := make(map[string]struct{})
		triggered := false
		for _, f := range files {
			if rank[f] > threshold && g.OutDegree(f) >= 3 {
				triggered = true
				for d := range g.Descendants(f) {
					union[d] = struct{}{}
				}
			}
		}
		if triggered && float64(len(union)) > 1.5*float64(len(files)) {
			bombs = append(bombs, Bomb{
				Type:     BombCascade,
				Severity: "high",
				Description: fmt.Sprintf("change touches high-influence files reaching %d downstream nodes",
					len(union)),
			})
		}
	}

	if !g.IsDAG() {
		if cycles := CountCycles(g, maxSpiralCycles); cycles >= 2 {
			bombs = append(bombs, Bomb{
				Type:        BombSpiral,
				Severity:    "high",
				Description: fmt.Sprintf("%d dependency cycles detected", cycles),
			})
		}
	}

	indicators := 0
	if len(files) > 10 {
		indicators++
	}
	if conflicts > 0 {
		indicators++
	}
	if len(deps) > 3 {
		indicators++
	}
	if components > 3 {
		indicators++
	}
	if g.EdgeCount() > 2*g.NodeCount() {
		indicators++
	}
	if indicators >= 3 {
		bombs = append(bombs, Bomb{
			Type:        BombThermalDeath,
			Severity:    "critical",
			Description: fmt.Sprintf("%d of 5 disorder indicators active", indicators),
		})
	}

	sort.SliceStable(bombs, func(i, j int) bool { return bombs[i].Type < bombs[j].Type })
	return bombs
}

func isCorePath(f string) bool {
	for _, prefix := range corePathPrefixes {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return round2(v)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
