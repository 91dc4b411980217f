package cfg

import "github.com/bits-and-blooms/bitset"

// Liveness runs the classic backward dataflow to fixpoint:
//
//	live_out(n) = union of live_in over n's successors
//	live_in(n)  = uses(n) ∪ (live_out(n) − defs(n))
//
// Sets are bitsets over the graph's interned variable indices.
func Liveness(g *Graph) {
	for _, n := range g.Nodes {
		n.LiveIn = bitset.New(uint(g.NumVars()))
		n.LiveOut = bitset.New(uint(g.NumVars()))
	}

	changed := true
	for changed {
		changed = false
		// Reverse node order converges faster for a mostly-forward
		// edge layout; correctness only needs the fixpoint.
		for i := len(g.Nodes) - 1; i >= 0; i-- {
			n := g.Nodes[i]

			out := bitset.New(uint(g.NumVars()))
			for _, s := range n.Succs {
				out.InPlaceUnion(s.LiveIn)
			}

			in := n.Uses.Union(out.Difference(n.Defs))

			if !out.Equal(n.LiveOut) || !in.Equal(n.LiveIn) {
				n.LiveOut = out
				n.LiveIn = in
				changed = true
			}
		}
	}
}

// LiveAt reports whether the named variable is live into n.
func (g *Graph) LiveAt(n *Node, name string) bool {
	id, ok := g.LookupVar(name)
	if !ok || n.LiveIn == nil {
		return false
	}
	return n.LiveIn.Test(id)
}
