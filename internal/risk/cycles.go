package risk

// CountCycles enumerates simple cycles of length >= 2 up to maxCycles,
// using Johnson's algorithm with an external counter so enumeration
// stops as soon as the cap is hit instead of materializing every cycle.
// Self-loops are ignored.
func CountCycles(g *Graph, maxCycles int) int {
	if maxCycles <= 0 {
		return 0
	}
	nodes := g.Nodes()
	index := make(map[string]int, len(nodes))
	for i, id := range nodes {
		index[id] = i
	}

	count := 0
	blocked := make(map[string]bool, len(nodes))
	blockMap := make(map[string]map[string]struct{}, len(nodes))
	var stack []string

	var unblock func(string)
	unblock = func(n string) {
		blocked[n] = false
		for m := range blockMap[n] {
			delete(blockMap[n], m)
			if blocked[m] {
				unblock(m)
			}
		}
	}

	// circuit explores from v, treating start as the root; nodes with a
	// smaller index than the root are excluded (Johnson's subgraph rule).
	var circuit func(v, start string) bool
	circuit = func(v, start string) bool {
		if count >= maxCycles {
			return true
		}
		found := false
		stack = append(stack, v)
		blocked[v] = true
		for _, w := range g.Successors(v) {
			if index[w] < index[start] {
				continue
			}
			if w == start {
				if len(stack) >= 2 {
					count++
					found = true
					if count >= maxCycles {
						break
					}
				}
			} else if !blocked[w] {
				if circuit(w, start) {
					found = true
					if count >= maxCycles {
						break
					}
				}
			}
		}
		if found {
			unblock(v)
		} else {
			for _, w := range g.Successors(v) {
				if index[w] < index[start] {
					continue
				}
				if blockMap[w] == nil {
					blockMap[w] = make(map[string]struct{})
				}
				blockMap[w][v] = struct{}{}
			}
		}
		stack = stack[:len(stack)-1]
		return found
	}

	for _, start := range nodes {
		if count >= maxCycles {
			break
		}
		for _, id := range nodes {
			blocked[id] = false
			blockMap[id] = nil
		}
		stack = stack[:0]
		circuit(start, start)
	}
	return count
}
