package risk

import (
	"path"
	"sort"
	"strings"
)

// NodeKind distinguishes heterogeneous nodes in the dependency graph.
type NodeKind string

const (
	NodeFile   NodeKind = "file"
	NodeDir    NodeKind = "dir"
	NodeScope  NodeKind = "scope"
	NodeIntent NodeKind = "intent"
	NodeBranch NodeKind = "branch"
)

// Edge is one directed weighted edge.
type Edge struct {
	From   string
	To     string
	Weight float64
	Label  string
}

// Graph is a directed weighted graph over heterogeneous nodes. Node ids
// are namespaced by kind (file paths, "dir:...", "scope:...") so kinds
// never collide.
type Graph struct {
	nodes map[string]NodeKind
	out   map[string][]Edge
	edges []Edge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]NodeKind),
		out:   make(map[string][]Edge),
	}
}

// AddNode registers a node; re-adding is a no-op.
func (g *Graph) AddNode(id string, kind NodeKind) {
	if _, ok := g.nodes[id]; !ok {
		g.nodes[id] = kind
	}
}

// AddEdge adds a directed edge. Both endpoints must already exist.
func (g *Graph) AddEdge(from, to string, weight float64, label string) {
	e := Edge{From: from, To: to, Weight: weight, Label: label}
	g.out[from] = append(g.out[from], e)
	g.edges = append(g.edges, e)
}

// NodeCount returns |V|.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns |E|.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Kind returns the kind of a node, or "" when absent.
func (g *Graph) Kind(id string) NodeKind { return g.nodes[id] }

// Nodes returns node ids in sorted order for deterministic iteration.
func (g *Graph) Nodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge { return g.edges }

// OutDegree returns the number of outgoing edges of a node.
func (g *Graph) OutDegree(id string) int { return len(g.out[id]) }

// Successors returns the distinct targets of a node's outgoing edges,
// sorted.
func (g *Graph) Successors(id string) []string {
	seen := make(map[string]struct{})
	for _, e := range g.out[id] {
		seen[e.To] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Components counts weakly connected components.
func (g *Graph) Components() int {
	if len(g.nodes) == 0 {
		return 0
	}
	adj := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		adj[e.From] = append(adj[e.From], e.To)
		adj[e.To] = append(adj[e.To], e.From)
	}
	visited := make(map[string]bool, len(g.nodes))
	components := 0
	for _, start := range g.Nodes() {
		if visited[start] {
			continue
		}
		components++
		stack := []string{start}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[n] {
				continue
			}
			visited[n] = true
			stack = append(stack, adj[n]...)
		}
	}
	return components
}

// IsDAG reports whether the graph has no directed cycles.
func (g *Graph) IsDAG() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, succ := range g.Successors(n) {
			switch color[succ] {
			case gray:
				return false
			case white:
				if !visit(succ) {
					return false
				}
			}
		}
		color[n] = black
		return true
	}
	for _, n := range g.Nodes() {
		if color[n] == white && !visit(n) {
			return false
		}
	}
	return true
}

// LongestPathLength returns the number of edges on the longest directed
// path. Valid only when the graph is a DAG; callers must check IsDAG.
func (g *Graph) LongestPathLength() int {
	memo := make(map[string]int, len(g.nodes))
	var depth func(string) int
	depth = func(n string) int {
		if d, ok := memo[n]; ok {
			return d
		}
		best := 0
		for _, succ := range g.Successors(n) {
			if d := depth(succ) + 1; d > best {
				best = d
			}
		}
		memo[n] = best
		return best
	}
	longest := 0
	for _, n := range g.Nodes() {
		if d := depth(n); d > longest {
			longest = d
		}
	}
	return longest
}

// Descendants returns all nodes reachable from id, excluding id itself.
func (g *Graph) Descendants(id string) map[string]struct{} {
	reached := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, succ := range g.Successors(n) {
			if _, ok := reached[succ]; ok || succ == id {
				continue
			}
			reached[succ] = struct{}{}
			stack = append(stack, succ)
		}
	}
	return reached
}

// CouplingPair records how often two files changed together in history.
type CouplingPair struct {
	A         string `json:"a"`
	B         string `json:"b"`
	CoChanges int    `json:"co_changes"`
}

// GraphInput is everything graph construction needs.
type GraphInput struct {
	IntentID     string
	Target       string
	FilesChanged []string
	Dependencies []string
	ScopeHints   []string
	Coupling     []CouplingPair
}

const (
	weightFileDir   = 0.3
	weightCoLocated = 0.2
	weightScopeHit  = 0.5
	weightScopeMiss = 0.2
	weightDep       = 0.8
	weightTarget    = 1.0
)

// BuildGraph constructs the heterogeneous dependency graph for one
// change set.
func BuildGraph(in GraphInput) *Graph {
	g := NewGraph()

	for _, f := range in.FilesChanged {
		g.AddNode(f, NodeFile)
		dir := path.Dir(f)
		dirNode := "dir:" + dir
		g.AddNode(dirNode, NodeDir)
		g.AddEdge(f, dirNode, weightFileDir, "parent")
	}

	// Files sharing a parent directory influence each other.
	byDir := make(map[string][]string)
	for _, f := range in.FilesChanged {
		d := path.Dir(f)
		byDir[d] = append(byDir[d], f)
	}
	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	for _, d := range dirs {
		files := byDir[d]
		sort.Strings(files)
		for i := 0; i < len(files); i++ {
			for j := i + 1; j < len(files); j++ {
				g.AddEdge(files[i], files[j], weightCoLocated, "co_located")
				g.AddEdge(files[j], files[i], weightCoLocated, "co_located")
			}
		}
	}

	for _, scope := range in.ScopeHints {
		scopeNode := "scope:" + scope
		g.AddNode(scopeNode, NodeScope)
		for _, f := range in.FilesChanged {
			w := weightScopeMiss
			if strings.Contains(strings.ToLower(f), strings.ToLower(scope)) {
				w = weightScopeHit
			}
			g.AddEdge(scopeNode, f, w, "scope")
		}
	}

	intentNode := "intent:" + in.IntentID
	g.AddNode(intentNode, NodeIntent)
	for _, dep := range in.Dependencies {
		depNode := "intent:" + dep
		g.AddNode(depNode, NodeIntent)
		g.AddEdge(intentNode, depNode, weightDep, "dependency")
	}
	if in.Target != "" {
		targetNode := "branch:" + in.Target
		g.AddNode(targetNode, NodeBranch)
		g.AddEdge(intentNode, targetNode, weightTarget, "target")
	}

	changed := make(map[string]struct{}, len(in.FilesChanged))
	for _, f := range in.FilesChanged {
		changed[f] = struct{}{}
	}
	for _, pair := range in.Coupling {
		_, aIn := changed[pair.A]
		_, bIn := changed[pair.B]
		if !aIn && !bIn {
			continue
		}
		w := float64(pair.CoChanges) * 0.1
		if w > 1.0 {
			w = 1.0
		}
		g.AddNode(pair.A, NodeFile)
		g.AddNode(pair.B, NodeFile)
		g.AddEdge(pair.A, pair.B, w, "co_change")
		g.AddEdge(pair.B, pair.A, w, "co_change")
	}

	return g
}
