package memory

import (
	"sort"

	"github.com/omnilisp/omni/pkg/cfg"
)

// Placement is where one component's region lifecycle calls go:
// region_create at the nearest common dominator of the first-defs,
// region_exit at the nearest common post-dominator of the last-uses,
// region_destroy_if_dead immediately after the exit. Both create and
// exit are idempotent at runtime, so diverging branches may each
// carry an exit and reconcile at the join.
type Placement struct {
	Comp      *Component
	CreateAt  *cfg.Node
	ExitAt    *cfg.Node
	DestroyAt *cfg.Node // same node as ExitAt; the call follows it
}

// Place computes lifecycle placements for every component. Dominators
// and post-dominators must already be computed on g.
func Place(v *VIG, g *cfg.Graph) []*Placement {
	var out []*Placement
	for _, comp := range v.Comps {
		p := placeComponent(comp, v, g)
		if p != nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Comp.ID < out[j].Comp.ID })
	return out
}

func placeComponent(comp *Component, v *VIG, g *cfg.Graph) *Placement {
	var defNodes, useNodes []*cfg.Node
	for _, name := range comp.Members {
		id, ok := g.LookupVar(name)
		if !ok {
			continue
		}
		for _, n := range g.Nodes {
			if n.Defs.Test(id) {
				defNodes = append(defNodes, n)
			}
			if n.Uses.Test(id) {
				useNodes = append(useNodes, n)
			}
		}
	}
	if len(defNodes) == 0 {
		return nil
	}
	if len(useNodes) == 0 {
		useNodes = defNodes
	}

	create := cfg.CommonDominator(defNodes)
	exit := cfg.CommonPostDominator(useNodes)
	if create == nil {
		create = g.Entry
	}
	if exit == nil {
		exit = g.Exit
	}
	// The exit must not run before the create's scope is open.
	if exit.Start < create.Start {
		exit = g.Exit
	}
	return &Placement{Comp: comp, CreateAt: create, ExitAt: exit, DestroyAt: exit}
}

// Plan is the region engine's full output for one program: the VIG,
// its components, their placements, and the variable-to-region map
// the code generator reads.
type Plan struct {
	VIG        *VIG
	Placements []*Placement
	VarRegion  map[string]int
}

// PlanRegions runs steps 1-4 of region inference: build the VIG, find
// connected components, compute component liveness, and place the
// lifecycle calls via the dominator trees.
func PlanRegions(v *VIG, g *cfg.Graph) *Plan {
	v.Components()
	placements := Place(v, g)
	varRegion := make(map[string]int, len(v.Nodes))
	for name, n := range v.Nodes {
		if n.Comp >= 0 {
			varRegion[name] = n.Comp
		}
	}
	return &Plan{VIG: v, Placements: placements, VarRegion: varRegion}
}

// PlacementFor returns the placement of a component id.
func (p *Plan) PlacementFor(comp int) *Placement {
	for _, pl := range p.Placements {
		if pl.Comp.ID == comp {
			return pl
		}
	}
	return nil
}
