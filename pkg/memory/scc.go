package memory

import (
	"sort"

	"github.com/omnilisp/omni/pkg/cfg"
)

// Static cycle groups.
//
// A variable the analyzer marked is_static_scc belongs to a cycle
// whose members all die inside one CFG strongly-connected component
// and never escape. Such a cycle needs no runtime symmetric RC: the
// whole group is freed at a single compile-time point, the SCC
// entry's post-dominator, as one bulk release of the group's region.

// StaticGroup is one compile-time-freeable cycle group.
type StaticGroup struct {
	SCCID   int
	Members []string
	FreeAt  *cfg.Node
}

// StaticGroups clusters the given static-cycle variables by the CFG
// SCC that contains them and computes each group's single free point.
func StaticGroups(g *cfg.Graph, staticVars []string) []*StaticGroup {
	bySCC := make(map[int][]string)
	for _, name := range staticVars {
		id, ok := g.LookupVar(name)
		if !ok {
			continue
		}
		scc := -1
		for _, n := range g.Nodes {
			if (n.Defs.Test(id) || n.Uses.Test(id)) && n.SCCID >= 0 {
				scc = n.SCCID
				break
			}
		}
		if scc >= 0 {
			bySCC[scc] = append(bySCC[scc], name)
		}
	}

	var out []*StaticGroup
	for scc, members := range bySCC {
		sort.Strings(members)
		out = append(out, &StaticGroup{
			SCCID:   scc,
			Members: members,
			FreeAt:  groupFreePoint(g, scc),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SCCID < out[j].SCCID })
	return out
}

// groupFreePoint is the nearest common post-dominator of the SCC's
// nodes: the first point every path out of the component reaches.
func groupFreePoint(g *cfg.Graph, scc int) *cfg.Node {
	var nodes []*cfg.Node
	for _, n := range g.Nodes {
		if n.SCCID == scc {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return g.Exit
	}
	if fp := cfg.CommonPostDominator(nodes); fp != nil {
		return fp
	}
	return g.Exit
}

// GroupFor finds the static group containing a variable.
func GroupFor(groups []*StaticGroup, name string) *StaticGroup {
	for _, grp := range groups {
		for _, m := range grp.Members {
			if m == name {
				return grp
			}
		}
	}
	return nil
}
