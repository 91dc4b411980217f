package stress

import (
	"fmt"
	"strings"
	"testing"

	"github.com/omnilisp/omni/pkg/compiler"
	"github.com/omnilisp/omni/pkg/macro"
	"github.com/omnilisp/omni/pkg/memory"
	"github.com/omnilisp/omni/pkg/parser"
)

func TestDeepButBoundedNesting(t *testing.T) {
	// Stay under the parser's recursion cap; every level must parse.
	depth := 40
	src := strings.Repeat("(car ", depth) + "nil" + strings.Repeat(")", depth)
	v, err := parser.ParseString(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v == nil {
		t.Fatal("no value")
	}
}

func TestManyTopLevelForms(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "(define v%d %d)\n", i, i)
	}
	sb.WriteString("(+ v0 v499)")
	c := compiler.New()
	out, err := c.CompileSource(sb.String())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(out, "o_v499") {
		t.Error("late globals lost")
	}
}

func TestManyIndependentRegions(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("(begin ")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&sb, "(let ((p%d (cons %d %d))) (car p%d)) ", i, i, i+1, i)
	}
	sb.WriteString(")")

	exprs, err := parser.ParseAllString(sb.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c := compiler.New()
	if _, err := c.CompileExprs(exprs); err != nil {
		t.Fatalf("compile: %v", err)
	}
}

func TestMacroExpansionHeavy(t *testing.T) {
	e := macro.NewExpander()
	def, err := parser.ParseString(
		"(define-syntax dup (syntax-rules () ((dup x) (begin x x))))")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := e.Define(def, macro.EmptyEnv{}); err != nil {
		t.Fatalf("define: %v", err)
	}

	// Nested invocations double the tree each level.
	src := "(dup (dup (dup (dup (dup 1)))))"
	form, _ := parser.ParseString(src)
	out, err := e.Expand(form, macro.EmptyEnv{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got := strings.Count(out.String(), "1"); got != 32 {
		t.Errorf("expected 32 leaves after 5 doublings, got %d", got)
	}
}

func TestTransmigrateWideGraph(t *testing.T) {
	ctx := memory.NewRegionContext()
	src := ctx.Create("src")
	dst := ctx.Create("dst")

	root, _ := src.Alloc("root", 16)
	for i := 0; i < 1000; i++ {
		child, _ := src.Alloc(i, 16)
		root.Refs = append(root.Refs, child)
	}
	moved, err := memory.Transmigrate(root, src, dst)
	if err != nil {
		t.Fatalf("transmigrate: %v", err)
	}
	if len(moved.Refs) != 1000 {
		t.Fatalf("children lost: %d", len(moved.Refs))
	}
}

func TestSymmetricScopeChurn(t *testing.T) {
	ctx := memory.NewSymmetricContext()
	for i := 0; i < 1000; i++ {
		ctx.EnterScope()
		a := ctx.Alloc(i)
		b := ctx.Alloc(i + 1)
		ctx.Link(a, b)
		ctx.Link(b, a)
		ctx.ExitScope()
		if !a.Freed || !b.Freed {
			t.Fatalf("iteration %d leaked its cycle", i)
		}
	}
}
