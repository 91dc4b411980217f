package memory

import (
	"testing"

	"github.com/omnilisp/omni/pkg/cfg"
	"github.com/omnilisp/omni/pkg/parser"
)

func planFor(t *testing.T, src string) (*Plan, *cfg.Graph) {
	t.Helper()
	exprs, err := parser.ParseAllString(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	g := cfg.Build(exprs)
	cfg.Liveness(g)
	cfg.Dominators(g)
	cfg.PostDominators(g)
	v := BuildVIG(exprs, g)
	return PlanRegions(v, g), g
}

func TestAssignmentDrawsEdge(t *testing.T) {
	plan, _ := planFor(t, "(let ((u (cons 1 2))) (let ((v u)) v))")
	ru, okU := plan.VIG.RegionOf("u")
	rv, okV := plan.VIG.RegionOf("v")
	if !okU || !okV {
		t.Fatal("u and v should both be in the VIG")
	}
	if ru != rv {
		t.Errorf("v = u must merge their regions: %d vs %d", ru, rv)
	}
}

func TestConstructorCouplesArgs(t *testing.T) {
	plan, _ := planFor(t, "(let ((a (cons 1 2)) (b (cons 3 4))) (let ((p (cons a b))) p))")
	ra, _ := plan.VIG.RegionOf("a")
	rb, _ := plan.VIG.RegionOf("b")
	rp, _ := plan.VIG.RegionOf("p")
	if ra != rb || rb != rp {
		t.Errorf("cons links its car and cdr into one region: a=%d b=%d p=%d", ra, rb, rp)
	}
}

func TestIndependentVarsSeparateRegions(t *testing.T) {
	plan, _ := planFor(t, "(let ((x (cons 1 2)) (y (cons 3 4))) (begin (car x) (car y)))")
	rx, _ := plan.VIG.RegionOf("x")
	ry, _ := plan.VIG.RegionOf("y")
	if rx == ry {
		t.Error("unrelated structures should get distinct candidate regions")
	}
}

func TestCoArgumentAliasing(t *testing.T) {
	plan, _ := planFor(t, "(let ((m (cons 1 2)) (n (cons 3 4))) (merge m n))")
	rm, _ := plan.VIG.RegionOf("m")
	rn, _ := plan.VIG.RegionOf("n")
	if rm != rn {
		t.Error("variables passed to the same call may alias; regions must merge")
	}
}

func TestFieldAccessSharesStructure(t *testing.T) {
	plan, _ := planFor(t, "(let ((u (cons 1 2))) (let ((v (car u))) v))")
	ru, _ := plan.VIG.RegionOf("u")
	rv, _ := plan.VIG.RegionOf("v")
	if ru != rv {
		t.Error("v = (car u) shares u's structure")
	}
}

func TestComponentLiveness(t *testing.T) {
	plan, _ := planFor(t, "(let ((x (cons 1 2))) (car x))")
	comp, ok := plan.VIG.RegionOf("x")
	if !ok {
		t.Fatal("x missing from VIG")
	}
	c := plan.VIG.Comps[comp]
	if c.Start < 0 || c.End < c.Start {
		t.Errorf("component interval [%d,%d] not well formed", c.Start, c.End)
	}
}

func TestPlacementDominatesUses(t *testing.T) {
	plan, g := planFor(t, "(let ((x (cons 1 2))) (if p (car x) (cdr x)))")
	comp, _ := plan.VIG.RegionOf("x")
	pl := plan.PlacementFor(comp)
	if pl == nil {
		t.Fatal("no placement for x's component")
	}
	id, _ := g.LookupVar("x")
	for _, n := range g.Nodes {
		if n.Uses.Test(id) && !cfg.Dominates(pl.CreateAt, n) {
			t.Errorf("region_create at %s does not dominate use at %s", pl.CreateAt, n)
		}
	}
	if pl.ExitAt == nil || pl.DestroyAt != pl.ExitAt {
		t.Error("destroy must follow immediately after exit")
	}
}

func TestDeterministicComponents(t *testing.T) {
	src := "(let ((a (cons 1 2)) (b (cons 3 4)) (c (cons 5 6))) (begin (f a) (g b) (h c)))"
	p1, _ := planFor(t, src)
	p2, _ := planFor(t, src)
	for name := range p1.VarRegion {
		if p1.VarRegion[name] != p2.VarRegion[name] {
			t.Fatalf("component numbering not deterministic for %s", name)
		}
	}
}
