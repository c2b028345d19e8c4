package risk

// pagerankDamping and pagerankIters follow the standard formulation;
// convergence on graphs this size is well inside 50 iterations.
const (
	pagerankDamping = 0.85
	pagerankIters   = 50
	pagerankEpsilon = 1e-9
)

// PageRank computes weighted PageRank over the graph. Edge weights
// distribute a node's rank proportionally across its out-edges. Nodes
// without out-edges distribute uniformly (dangling mass). Iteration
// order is fixed so results are deterministic.
func PageRank(g *Graph) map[string]float64 {
	nodes := g.Nodes()
	n := len(nodes)
	if n == 0 {
		return map[string]float64{}
	}

	outWeight := make(map[string]float64, n)
	for _, e := range g.Edges() {
		outWeight[e.From] += e.Weight
	}

	rank := make(map[string]float64, n)
	for _, id := range nodes {
		rank[id] = 1.0 / float64(n)
	}

	for iter := 0; iter < pagerankIters; iter++ {
		next := make(map[string]float64, n)
		base := (1.0 - pagerankDamping) / float64(n)
		for _, id := range nodes {
			next[id] = base
		}

		dangling := 0.0
		for _, id := range nodes {
			if outWeight[id] <= 0 {
				dangling += rank[id]
			}
		}
		danglingShare := pagerankDamping * dangling / float64(n)
		for _, id := range nodes {
			next[id] += danglingShare
		}

		for _, e := range g.Edges() {
			if outWeight[e.From] <= 0 {
				continue
			}
			next[e.To] += pagerankDamping * rank[e.From] * (e.Weight / outWeight[e.From])
		}

		delta := 0.0
		for _, id := range nodes {
			d := next[id] - rank[id]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		rank = next
		if delta < pagerankEpsilon {
			break
		}
	}
	return rank
}
