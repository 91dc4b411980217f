package cfg

import (
	"testing"

	"github.com/omnilisp/omni/pkg/parser"
)

func build(t *testing.T, src string) *Graph {
	t.Helper()
	exprs, err := parser.ParseAllString(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	g := Build(exprs)
	Liveness(g)
	Dominators(g)
	PostDominators(g)
	SCCs(g)
	return g
}

func TestIfProducesBranchAndJoin(t *testing.T) {
	g := build(t, "(if (< x 1) a b)")

	var branch, join *Node
	for _, n := range g.Nodes {
		switch n.Kind {
		case KindBranch:
			branch = n
		case KindJoin:
			join = n
		}
	}
	if branch == nil || join == nil {
		t.Fatal("missing branch or join node")
	}
	if len(branch.Succs) != 2 {
		t.Errorf("branch successors = %d, want 2", len(branch.Succs))
	}
	if len(join.Preds) != 2 {
		t.Errorf("join predecessors = %d, want 2", len(join.Preds))
	}
	if !Dominates(branch, join) {
		t.Error("branch should dominate join")
	}
	if join.PostIDom == nil {
		t.Error("join should have a post-dominator chain to exit")
	}
}

func TestPositionsMonotonic(t *testing.T) {
	g := build(t, "(let ((a 1) (b 2)) (+ a b))")
	for _, n := range g.Nodes {
		if n.End < n.Start {
			t.Errorf("%s: interval not half-open increasing", n)
		}
	}
}

func TestLivenessAcrossBranch(t *testing.T) {
	g := build(t, "(let ((x 1)) (if c x 0))")

	id, ok := g.LookupVar("x")
	if !ok {
		t.Fatal("x not interned")
	}
	// x must be live into the branch: one arm still reads it.
	var branch *Node
	for _, n := range g.Nodes {
		if n.Kind == KindBranch {
			branch = n
		}
	}
	if branch == nil {
		t.Fatal("no branch node")
	}
	if !branch.LiveIn.Test(id) {
		t.Error("x not live into branch")
	}
	if g.Exit.LiveOut.Test(id) {
		t.Error("x live out of exit")
	}
}

func TestLivenessMonotonicityInvariant(t *testing.T) {
	g := build(t, "(let ((x (cons 1 2)) (y 3)) (if p (car x) y))")
	for _, n := range g.Nodes {
		// live_in(n) must cover union(live_in(succ)) - defs(n).
		for _, s := range n.Succs {
			needed := s.LiveIn.Difference(n.Defs)
			if !needed.Intersection(n.LiveIn).Equal(needed) {
				t.Errorf("%s: live-in misses %v required by %s",
					n, g.NamesIn(needed.Difference(n.LiveIn)), s)
			}
		}
	}
}

func TestLetrecPredefinesBindings(t *testing.T) {
	g := build(t, "(letrec ((odd (lambda (n) (even n))) (even (lambda (n) (odd n)))) (odd 3))")
	if _, ok := g.LookupVar("odd"); !ok {
		t.Fatal("odd not interned")
	}
	if _, ok := g.LookupVar("even"); !ok {
		t.Fatal("even not interned")
	}
	if len(g.Functions) != 2 {
		t.Fatalf("nested function graphs = %d, want 2", len(g.Functions))
	}
}

func TestLambdaParamsAreDefs(t *testing.T) {
	g := build(t, "(lambda (a b) (+ a b))")
	if len(g.Functions) != 1 {
		t.Fatalf("want one nested graph, got %d", len(g.Functions))
	}
	inner := g.Functions[0]
	if len(inner.Params) != 2 {
		t.Fatalf("params = %v", inner.Params)
	}
	aID, ok := inner.LookupVar("a")
	if !ok {
		t.Fatal("param a not interned in inner graph")
	}
	defined := false
	for _, n := range inner.Nodes {
		if n.Defs.Test(aID) {
			defined = true
		}
	}
	if !defined {
		t.Error("param a has no def in inner graph")
	}
}

func TestSetRecordsDef(t *testing.T) {
	g := build(t, "(let ((x 1)) (set! x 2))")
	id, _ := g.LookupVar("x")
	defs := 0
	for _, n := range g.Nodes {
		if n.Defs.Test(id) {
			defs++
		}
	}
	if defs < 2 {
		t.Errorf("set! should add a second def of x, got %d", defs)
	}
}

func TestTarjanFindsLoop(t *testing.T) {
	g := NewGraph()
	a := g.NewNode(KindStraight)
	b := g.NewNode(KindStraight)
	c := g.NewNode(KindStraight)
	g.Exit = g.NewNode(KindExit)
	g.Edge(g.Entry, a)
	g.Edge(a, b)
	g.Edge(b, c)
	g.Edge(c, a) // back edge
	g.Edge(c, g.Exit)
	SCCs(g)

	if a.SCCID < 0 || b.SCCID != a.SCCID || c.SCCID != a.SCCID {
		t.Errorf("loop nodes not grouped: %d %d %d", a.SCCID, b.SCCID, c.SCCID)
	}
	if g.Entry.SCCID != -1 || g.Exit.SCCID != -1 {
		t.Error("trivial nodes should keep SCCID -1")
	}
	entries := 0
	for _, n := range []*Node{a, b, c} {
		if n.IsSCCEntry {
			entries++
		}
	}
	if entries != 1 {
		t.Errorf("want exactly one SCC entry, got %d", entries)
	}
}

func TestDominatorsOnDiamond(t *testing.T) {
	g := NewGraph()
	top := g.NewNode(KindBranch)
	l := g.NewNode(KindStraight)
	r := g.NewNode(KindStraight)
	join := g.NewNode(KindJoin)
	g.Exit = g.NewNode(KindExit)
	g.Edge(g.Entry, top)
	g.Edge(top, l)
	g.Edge(top, r)
	g.Edge(l, join)
	g.Edge(r, join)
	g.Edge(join, g.Exit)
	Dominators(g)
	PostDominators(g)

	if join.IDom != top {
		t.Errorf("idom(join) = %v, want branch", join.IDom)
	}
	if top.PostIDom != join {
		t.Errorf("postidom(branch) = %v, want join", top.PostIDom)
	}
	if CommonDominator([]*Node{l, r}) != top {
		t.Error("common dominator of arms should be the branch")
	}
	if CommonPostDominator([]*Node{l, r}) != join {
		t.Error("common post-dominator of arms should be the join")
	}
}

func TestFreePointAfterLastUse(t *testing.T) {
	g := build(t, "(let ((x (cons 1 2)) (y 9)) (begin (car x) (+ y y)))")
	fps := FreePoints(g, []string{"x"})
	fp := fps["x"]
	if fp == nil {
		t.Fatal("no free point for x")
	}
	id, _ := g.LookupVar("x")
	if !fp.LiveIn.Test(id) || fp.LiveOut.Test(id) {
		t.Error("free point should be where x is live-in but not live-out")
	}
}
