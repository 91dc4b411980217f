package analysis

import (
	"github.com/omnilisp/omni/pkg/cfg"
)

// MarkStaticSCCs runs the static-symmetric classification: a cyclic
// must-free variable whose owning nodes all share one CFG SCC, whose
// members all die inside that SCC, and whose escape class is none can
// be freed as a group at one compile-time point; runtime symmetric RC
// is not needed for it.
func MarkStaticSCCs(g *cfg.Graph, vars map[string]*VarUsage) {
	for name, u := range vars {
		if !u.MustFree || u.Shape != ShapeCyclic || u.Escape != EscapeNone {
			continue
		}
		u.IsStaticSCC = staticWithin(g, name)
	}
}

// staticWithin checks every def and use of name sits inside one
// non-trivial SCC, including the last use (the member "dies inside"
// the component).
func staticWithin(g *cfg.Graph, name string) bool {
	id, ok := g.LookupVar(name)
	if !ok {
		return false
	}
	scc := -1
	for _, n := range g.Nodes {
		if !n.Defs.Test(id) && !n.Uses.Test(id) {
			continue
		}
		if n.SCCID < 0 {
			return false
		}
		if scc < 0 {
			scc = n.SCCID
		} else if n.SCCID != scc {
			return false
		}
	}
	if scc < 0 {
		return false
	}
	// Alive past the component boundary means it does not die inside.
	for _, n := range g.Nodes {
		if n.SCCID == scc {
			for _, s := range n.Succs {
				if s.SCCID != scc && s.LiveIn != nil && s.LiveIn.Test(id) {
					return false
				}
			}
		}
	}
	return true
}
