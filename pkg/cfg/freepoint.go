package cfg

// FreePoint is the earliest program point a locally-owned variable can
// be released: the first node where it is live-in but not live-out,
// constrained to dominate every later use. A variable with no such
// node falls back to region exit (nil entry in the result).
type FreePoint struct {
	Var  string
	Node *Node
}

// FreePoints computes the free point for each of the given variables.
// Liveness and Dominators must have run.
func FreePoints(g *Graph, vars []string) map[string]*Node {
	out := make(map[string]*Node, len(vars))
	for _, name := range vars {
		out[name] = freePointFor(g, name)
	}
	return out
}

func freePointFor(g *Graph, name string) *Node {
	id, ok := g.LookupVar(name)
	if !ok {
		return nil
	}

	var uses []*Node
	for _, n := range g.Nodes {
		if n.Uses.Test(id) {
			uses = append(uses, n)
		}
	}

	var best *Node
	for _, n := range g.Nodes {
		if n.LiveIn == nil || !n.LiveIn.Test(id) || n.LiveOut.Test(id) {
			continue
		}
		if !dominatesLaterUses(n, id, uses) {
			continue
		}
		if best == nil || n.Start < best.Start {
			best = n
		}
	}
	return best
}

// dominatesLaterUses checks the candidate free node dominates every
// use positioned after it, so the release can never run before a
// path that still reads the variable.
func dominatesLaterUses(n *Node, id uint, uses []*Node) bool {
	for _, u := range uses {
		if u.Start >= n.Start && u != n && !Dominates(n, u) {
			return false
		}
	}
	return true
}
