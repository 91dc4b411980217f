package macro

import (
	"strings"
	"testing"

	"github.com/omnilisp/omni/pkg/ast"
	"github.com/omnilisp/omni/pkg/parser"
)

func mustParse(t *testing.T, src string) *ast.Value {
	t.Helper()
	v, err := parser.ParseString(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return v
}

func defineMacro(t *testing.T, e *Expander, src string, env Env) {
	t.Helper()
	form := mustParse(t, src)
	if err := e.Define(form, env); err != nil {
		t.Fatalf("define %q: %v", src, err)
	}
}

func TestWhenMacro(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax when (syntax-rules () ((when t b ...) (if t (begin b ...) nothing))))",
		EmptyEnv{})

	out, err := e.Expand(mustParse(t, "(when true 1 2 3)"), EmptyEnv{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got := out.String(); got != "(if true (begin 1 2 3) nothing)" {
		t.Errorf("got %s", got)
	}
}

func TestEllipsisVerticalAccumulation(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax my-let (syntax-rules () ((my-let ((n v) ...) body) ((lambda (n ...) body) v ...))))",
		EmptyEnv{})

	out, err := e.Expand(mustParse(t, "(my-let ((x 1) (y 2)) (+ x y))"), EmptyEnv{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got := out.String(); got != "((lambda (x y) (+ x y)) 1 2)" {
		t.Errorf("got %s", got)
	}
}

func TestNestedEllipsis(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax rows (syntax-rules () ((rows (x ...) ...) (list (list x ...) ...))))",
		EmptyEnv{})

	out, err := e.Expand(mustParse(t, "(rows (1 2) (3 4 5))"), EmptyEnv{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got := out.String(); got != "(list (list 1 2) (list 3 4 5))" {
		t.Errorf("got %s", got)
	}
}

func TestHygieneRenamesTemplateIntroduced(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax swap-val (syntax-rules () ((swap-val v) (let ((tmp v)) tmp))))",
		EmptyEnv{})

	out, err := e.Expand(mustParse(t, "(swap-val 42)"), EmptyEnv{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	s := out.String()
	if strings.Contains(s, "(tmp ") || strings.HasSuffix(s, " tmp)") {
		t.Errorf("template symbol tmp leaked unrenamed: %s", s)
	}
	if !strings.Contains(s, "tmp_m") {
		t.Errorf("expected hygiene-marked tmp in %s", s)
	}
}

func TestHygieneMarkStableWithinInvocation(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax two (syntax-rules () ((two) (let ((aux 1)) (+ aux aux)))))",
		EmptyEnv{})

	out, err := e.Expand(mustParse(t, "(two)"), EmptyEnv{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	s := out.String()
	first := strings.Index(s, "aux_m")
	last := strings.LastIndex(s, "aux_m")
	if first < 0 {
		t.Fatalf("no renamed aux in %s", s)
	}
	end := first
	for end < len(s) && s[end] != ' ' && s[end] != ')' && s[end] != '(' {
		end++
	}
	name := s[first:end]
	if strings.Count(s, name) != 3 {
		t.Errorf("rename not consistent within invocation: %s", s)
	}
	_ = last
}

func TestDefinitionTimeCapture(t *testing.T) {
	env := mapEnv{"helper": ast.NewSym("original-helper")}
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax use-helper (syntax-rules () ((use-helper x) (helper x))))",
		env)

	out, err := e.Expand(mustParse(t, "(use-helper 9)"), env)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got := out.String(); got != "(original-helper 9)" {
		t.Errorf("captured binding not substituted: %s", got)
	}
}

type mapEnv map[string]*ast.Value

func (m mapEnv) Lookup(name string) (*ast.Value, bool) {
	v, ok := m[name]
	return v, ok
}

func TestLiteralsMustMatchExactly(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax for (syntax-rules (in) ((for x in xs body) (map (lambda (x) body) xs))))",
		EmptyEnv{})

	if _, err := e.Expand(mustParse(t, "(for x in (list 1 2) x)"), EmptyEnv{}); err != nil {
		t.Fatalf("literal in place: %v", err)
	}
	if _, err := e.Expand(mustParse(t, "(for x over (list 1 2) x)"), EmptyEnv{}); err == nil {
		t.Fatal("expected no-matching-clause error when literal differs")
	}
}

func TestClauseFallthroughOnArityMismatch(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax opt (syntax-rules () ((opt a) (list a)) ((opt a b) (list a b))))",
		EmptyEnv{})

	one, err := e.Expand(mustParse(t, "(opt 1)"), EmptyEnv{})
	if err != nil {
		t.Fatalf("one-arg clause: %v", err)
	}
	if one.String() != "(list 1)" {
		t.Errorf("got %s", one)
	}
	two, err := e.Expand(mustParse(t, "(opt 1 2)"), EmptyEnv{})
	if err != nil {
		t.Fatalf("two-arg clause: %v", err)
	}
	if two.String() != "(list 1 2)" {
		t.Errorf("got %s", two)
	}
}

func TestRecursionCap(t *testing.T) {
	e := NewExpander()
	e.RecursionCap = 16
	defineMacro(t, e,
		"(define-syntax loop-forever (syntax-rules () ((loop-forever) (loop-forever))))",
		EmptyEnv{})

	_, err := e.Expand(mustParse(t, "(loop-forever)"), EmptyEnv{})
	if err == nil {
		t.Fatal("expected recursion limit error")
	}
	if !strings.Contains(err.Error(), "recursion limit") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAutoGensymSharedPerInvocation(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax with-fresh (syntax-rules () ((with-fresh v) (let ((sym# v)) sym#))))",
		EmptyEnv{})

	out, err := e.Expand(mustParse(t, "(with-fresh 5)"), EmptyEnv{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "_sym_") {
		t.Fatalf("no gensym in %s", s)
	}
	idx := strings.Index(s, "_sym_")
	end := idx
	for end < len(s) && s[end] != ' ' && s[end] != ')' {
		end++
	}
	if strings.Count(s, s[idx:end]) != 2 {
		t.Errorf("auto-gensym not shared across invocation: %s", s)
	}
}

func TestQuoteIsOpaque(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax q (syntax-rules () ((q) 1)))",
		EmptyEnv{})

	out, err := e.Expand(mustParse(t, "(quote (q))"), EmptyEnv{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if out.String() != "(quote (q))" {
		t.Errorf("quoted form was expanded: %s", out)
	}
}

func TestEllipsisTemplateWithoutVariableFails(t *testing.T) {
	e := NewExpander()
	defineMacro(t, e,
		"(define-syntax bad (syntax-rules () ((bad x) (list 1 ...))))",
		EmptyEnv{})

	if _, err := e.Expand(mustParse(t, "(bad 2)"), EmptyEnv{}); err == nil {
		t.Fatal("expected ellipsis-without-variable error")
	}
}

func TestExpandProgramRemovesDefineSyntax(t *testing.T) {
	e := NewExpander()
	exprs, err := parser.ParseAllString(
		"(define-syntax inc (syntax-rules () ((inc x) (+ x 1)))) (inc 41)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := e.ExpandProgram(exprs, EmptyEnv{})
	if err != nil {
		t.Fatalf("expand program: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("want 1 output form, got %d", len(out))
	}
	if out[0].String() != "(+ 41 1)" {
		t.Errorf("got %s", out[0])
	}
}
