package cfg

// SCCs runs Tarjan's algorithm over the graph. Nodes in a non-trivial
// strongly-connected component (more than one node, or a self-loop)
// share a non-negative SCCID; every other node keeps -1. The
// lowest-DFS-indexed node of each component is flagged IsSCCEntry.
func SCCs(g *Graph) {
	t := &tarjan{
		index:   make(map[*Node]int),
		lowlink: make(map[*Node]int),
		onStack: make(map[*Node]bool),
	}
	for _, n := range g.Nodes {
		if _, visited := t.index[n]; !visited {
			t.strongConnect(n)
		}
	}

	sccID := 0
	for _, comp := range t.components {
		if !nontrivial(comp) {
			continue
		}
		entry := comp[0]
		for _, n := range comp {
			n.SCCID = sccID
			if t.index[n] < t.index[entry] {
				entry = n
			}
		}
		entry.IsSCCEntry = true
		sccID++
	}
}

func nontrivial(comp []*Node) bool {
	if len(comp) > 1 {
		return true
	}
	n := comp[0]
	for _, s := range n.Succs {
		if s == n {
			return true
		}
	}
	return false
}

type tarjan struct {
	counter    int
	index      map[*Node]int
	lowlink    map[*Node]int
	onStack    map[*Node]bool
	stack      []*Node
	components [][]*Node
}

func (t *tarjan) strongConnect(n *Node) {
	t.index[n] = t.counter
	t.lowlink[n] = t.counter
	t.counter++
	t.stack = append(t.stack, n)
	t.onStack[n] = true

	for _, s := range n.Succs {
		if _, visited := t.index[s]; !visited {
			t.strongConnect(s)
			if t.lowlink[s] < t.lowlink[n] {
				t.lowlink[n] = t.lowlink[s]
			}
		} else if t.onStack[s] {
			if t.index[s] < t.lowlink[n] {
				t.lowlink[n] = t.index[s]
			}
		}
	}

	if t.lowlink[n] == t.index[n] {
		var comp []*Node
		for {
			top := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.onStack[top] = false
			comp = append(comp, top)
			if top == n {
				break
			}
		}
		t.components = append(t.components, comp)
	}
}
