package cfg

// Dominators computes immediate dominators with the Cooper-Harvey-
// Kennedy iterative algorithm: process nodes in reverse post-order,
// intersect the candidate dominators of all processed predecessors by
// walking up the spine until the fingers meet, repeat until stable.
func Dominators(g *Graph) {
	order := postorder(g.Entry, func(n *Node) []*Node { return n.Succs })
	number := make(map[*Node]int, len(order))
	for i, n := range order {
		number[n] = i
	}

	for _, n := range g.Nodes {
		n.IDom = nil
	}
	g.Entry.IDom = g.Entry

	changed := true
	for changed {
		changed = false
		for i := len(order) - 1; i >= 0; i-- {
			n := order[i]
			if n == g.Entry {
				continue
			}
			var idom *Node
			for _, p := range n.Preds {
				if p.IDom == nil {
					continue
				}
				if idom == nil {
					idom = p
				} else {
					idom = intersect(idom, p, number, func(x *Node) *Node { return x.IDom })
				}
			}
			if idom != nil && n.IDom != idom {
				n.IDom = idom
				changed = true
			}
		}
	}
	g.Entry.IDom = nil
}

// PostDominators runs the same algorithm on the reversed graph,
// filling PostIDom. Exit post-dominates everything.
func PostDominators(g *Graph) {
	if g.Exit == nil {
		return
	}
	order := postorder(g.Exit, func(n *Node) []*Node { return n.Preds })
	number := make(map[*Node]int, len(order))
	for i, n := range order {
		number[n] = i
	}

	for _, n := range g.Nodes {
		n.PostIDom = nil
	}
	g.Exit.PostIDom = g.Exit

	changed := true
	for changed {
		changed = false
		for i := len(order) - 1; i >= 0; i-- {
			n := order[i]
			if n == g.Exit {
				continue
			}
			var ipdom *Node
			for _, s := range n.Succs {
				if s.PostIDom == nil {
					continue
				}
				if ipdom == nil {
					ipdom = s
				} else {
					ipdom = intersect(ipdom, s, number, func(x *Node) *Node { return x.PostIDom })
				}
			}
			if ipdom != nil && n.PostIDom != ipdom {
				n.PostIDom = ipdom
				changed = true
			}
		}
	}
	g.Exit.PostIDom = nil
}

// intersect walks the two spines upward until they meet.
func intersect(a, b *Node, number map[*Node]int, up func(*Node) *Node) *Node {
	for a != b {
		for number[a] < number[b] {
			a = up(a)
			if a == nil {
				return b
			}
		}
		for number[b] < number[a] {
			b = up(b)
			if b == nil {
				return a
			}
		}
	}
	return a
}

// postorder returns the nodes reachable from root in DFS postorder.
func postorder(root *Node, next func(*Node) []*Node) []*Node {
	var order []*Node
	seen := make(map[*Node]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		for _, s := range next(n) {
			visit(s)
		}
		order = append(order, n)
	}
	visit(root)
	return order
}

// Dominates reports whether a dominates b (every node dominates
// itself).
func Dominates(a, b *Node) bool {
	for n := b; n != nil; n = n.IDom {
		if n == a {
			return true
		}
	}
	return false
}

// CommonDominator returns the nearest common dominator of the given
// nodes, or nil for an empty set.
func CommonDominator(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	common := nodes[0]
	for _, n := range nodes[1:] {
		common = commonAncestor(common, n, func(x *Node) *Node { return x.IDom })
	}
	return common
}

// CommonPostDominator returns the nearest common post-dominator of the
// given nodes.
func CommonPostDominator(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	common := nodes[0]
	for _, n := range nodes[1:] {
		common = commonAncestor(common, n, func(x *Node) *Node { return x.PostIDom })
	}
	return common
}

func commonAncestor(a, b *Node, up func(*Node) *Node) *Node {
	onSpine := make(map[*Node]bool)
	for n := a; n != nil; n = up(n) {
		onSpine[n] = true
		if up(n) == n {
			break
		}
	}
	for n := b; n != nil; n = up(n) {
		if onSpine[n] {
			return n
		}
		if up(n) == n {
			break
		}
	}
	return a
}
