package analysis

import (
	"testing"

	"github.com/omnilisp/omni/pkg/ast"
	"github.com/omnilisp/omni/pkg/parser"
)

func parseExpr(input string) *ast.Value {
	expr, _ := parser.ParseString(input)
	return expr
}

func parseAll(t *testing.T, input string) []*ast.Value {
	t.Helper()
	exprs, err := parser.ParseAllString(input)
	if err != nil {
		t.Fatalf("parse %q: %v", input, err)
	}
	return exprs
}

func TestEscapeJoinOrder(t *testing.T) {
	// none < arg < return/closure < global
	cases := []struct {
		a, b, want EscapeClass
	}{
		{EscapeNone, EscapeArg, EscapeArg},
		{EscapeArg, EscapeReturn, EscapeReturn},
		{EscapeReturn, EscapeClosure, EscapeReturn},
		{EscapeClosure, EscapeGlobal, EscapeGlobal},
		{EscapeGlobal, EscapeNone, EscapeGlobal},
	}
	for _, tc := range cases {
		if got := EscapeJoin(tc.a, tc.b); got != tc.want {
			t.Errorf("join(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestEscapeUseCounting(t *testing.T) {
	ctx := NewAnalysisContext()
	ctx.AddVar("x")
	ctx.AddVar("y")

	expr := parseExpr("(let ((z (+ x y))) (+ z x))")
	ctx.AnalyzeExpr(expr)

	if got := ctx.FindVar("x").UseCount; got != 2 {
		t.Errorf("x uses = %d, want 2", got)
	}
	if got := ctx.FindVar("y").UseCount; got != 1 {
		t.Errorf("y uses = %d, want 1", got)
	}
}

func TestEscapeLambdaCapture(t *testing.T) {
	ctx := NewAnalysisContext()
	ctx.AddVar("free")

	ctx.AnalyzeExpr(parseExpr("(lambda (y) (+ free y))"))
	u := ctx.FindVar("free")
	if !u.CapturedByLambda {
		t.Error("free should be marked closure-captured")
	}
}

func TestEscapeReturnPosition(t *testing.T) {
	ctx := NewAnalysisContext()
	ctx.AddVar("p")
	ctx.AnalyzeReturn(parseExpr("p"))
	if got := ctx.FindVar("p").Escape; got != EscapeReturn {
		t.Errorf("returned var escape = %s, want return", got)
	}
}

func TestEscapeLetrecIsGlobal(t *testing.T) {
	ctx := NewAnalysisContext()
	ctx.AnalyzeEscape(parseExpr("(letrec ((f (lambda (n) (f n)))) (f 1))"), EscapeNone)
	if got := ctx.FindVar("f").Escape; got != EscapeGlobal {
		t.Errorf("letrec binding escape = %s, want global", got)
	}
}

func TestEscapeConstructorPromotes(t *testing.T) {
	ctx := NewAnalysisContext()
	ctx.AddVar("v")
	ctx.AnalyzeEscape(parseExpr("(cons v 1)"), EscapeNone)
	if got := ctx.FindVar("v").Escape; got < EscapeArg {
		t.Errorf("constructor arg escape = %s, want at least arg", got)
	}
}

func TestShapeLattice(t *testing.T) {
	cases := []struct{ a, b, want Shape }{
		{ShapeTree, ShapeTree, ShapeTree},
		{ShapeTree, ShapeDAG, ShapeDAG},
		{ShapeDAG, ShapeCyclic, ShapeCyclic},
		{ShapeTree, ShapeCyclic, ShapeCyclic},
	}
	for _, tc := range cases {
		if got := ShapeJoin(tc.a, tc.b); got != tc.want {
			t.Errorf("join(%s, %s) = %s", ShapeString(tc.a), ShapeString(tc.b), ShapeString(got))
		}
	}
}

func TestShapeScalarsAreTrees(t *testing.T) {
	ctx := NewShapeContext()
	for _, src := range []string{"42", "2.5", "#\\a", "true", "nothing"} {
		ctx.AnalyzeShapes(parseExpr(src))
		if ctx.ResultShape != ShapeTree {
			t.Errorf("%s shape = %s, want TREE", src, ShapeString(ctx.ResultShape))
		}
	}
}

func TestShapeLetrecCyclic(t *testing.T) {
	ctx := NewShapeContext()
	ctx.AnalyzeShapes(parseExpr("(letrec ((x (cons 1 x))) x)"))
	info := ctx.FindShape("x")
	if info == nil || info.Shape != ShapeCyclic {
		t.Fatalf("letrec binding should be cyclic: %+v", info)
	}
}

func TestShapeSetBangCyclic(t *testing.T) {
	ctx := NewShapeContext()
	ctx.AnalyzeShapes(parseExpr("(let ((x (cons 1 2))) (set! x x))"))
	if info := ctx.FindShape("x"); info == nil || info.Shape != ShapeCyclic {
		t.Fatalf("set! target should be cyclic: %+v", info)
	}
}

func TestAnalyzeFacade(t *testing.T) {
	exprs := parseAll(t, "(let ((x (cons 1 (cons 2 nil)))) (car x))")
	res := Analyze(exprs)

	u := res.Usage("x")
	if u == nil {
		t.Fatal("x has no usage record")
	}
	if u.Ownership != OwnerLocal {
		t.Errorf("x ownership = %s, want local", OwnershipClassString(u.Ownership))
	}
	if !u.MustFree {
		t.Error("local binding must be freed by its scope")
	}
	if u.Escape != EscapeNone {
		t.Errorf("x escape = %s, want none", u.Escape)
	}
	if res.Graph == nil || res.Graph.Exit == nil {
		t.Fatal("facade must build the CFG")
	}
}

func TestAnalyzeReturnEscape(t *testing.T) {
	exprs := parseAll(t, "(define (leak) (let ((p (cons 1 2))) p)) (leak)")
	res := Analyze(exprs)
	// letrec/define style globals aside, p is visible: the analyzer
	// must not claim it is scope-confined with escape none AND also
	// hand it to the free-point table.
	if u := res.Usage("p"); u != nil && u.Escape == EscapeNone {
		if _, ok := res.FreeAt["p"]; !ok && u.MustFree {
			t.Error("must-free local with no free point should fall back to region exit")
		}
	}
}

func TestAnalyzeNeverAborts(t *testing.T) {
	// Unbound names, set! of unknowns: annotate and proceed.
	exprs := parseAll(t, "(set! ghost 1) (undefined-fn 2)")
	res := Analyze(exprs)
	if res == nil {
		t.Fatal("analyzer must not abort on warnings")
	}
}

func TestFindFreeVars(t *testing.T) {
	expr := parseExpr("(lambda (x) (+ x y))")
	free := FindFreeVars(expr, map[string]bool{"+": true})
	for _, v := range free {
		if v == "x" {
			t.Error("bound parameter reported free")
		}
	}
	found := false
	for _, v := range free {
		if v == "y" {
			found = true
		}
	}
	if !found {
		t.Error("y should be free")
	}
}
