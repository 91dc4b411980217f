package compiler

import (
	"strings"
	"testing"
)

func compileOK(t *testing.T, src string) string {
	t.Helper()
	c := New()
	out, err := c.CompileSource(src)
	if err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	return out
}

func TestSimpleArithmetic(t *testing.T) {
	out := compileOK(t, "(+ 1 2)")
	if !strings.Contains(out, "prim_add(mk_int(1), mk_int(2))") {
		t.Error("arithmetic should lower to prim_add over immediates")
	}
	if !strings.Contains(out, "MK_IMM_INT") {
		t.Error("runtime must define immediate integers")
	}
}

func TestFactorialDefine(t *testing.T) {
	out := compileOK(t,
		"(define (fact n) (if (< n 2) 1 (* n (fact (- n 1))))) (fact 10)")
	if !strings.Contains(out, "static Obj* o_fact = ") &&
		!strings.Contains(out, "o_fact =") {
		t.Error("global fact should be defined under its mangled name")
	}
	if !strings.Contains(out, "call_closure(o_fact") {
		t.Error("call site should invoke the closure")
	}
}

func TestLetPairEmitsRegionLifecycle(t *testing.T) {
	out := compileOK(t, "(let ((x (cons 1 (cons 2 nil)))) (car x))")
	for _, want := range []string{
		"region_create()",
		"mk_pair_region(",
		"region_exit(",
		"region_destroy_if_dead(",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in emitted C", want)
		}
	}
}

func TestReturnEscapeEmitsRepair(t *testing.T) {
	out := compileOK(t, "(define (leak) (let ((p (cons 1 2))) p)) (leak)")
	if !strings.Contains(out, "escape_out(") {
		t.Error("value escaping via return needs the repair call")
	}
	if !strings.Contains(out, "transmigrate(") {
		t.Error("runtime must provide transmigrate for the repair path")
	}
}

func TestMacroExpansionBeforeCodegen(t *testing.T) {
	out := compileOK(t,
		"(define-syntax when (syntax-rules () ((when t b ...) (if t (begin b ...) nothing)))) (when true 1 2 3)")
	if strings.Contains(out, "o_when") {
		t.Error("macro heads must be gone before codegen")
	}
	if !strings.Contains(out, "is_truthy") {
		t.Error("expanded if should test truthiness")
	}
}

func TestMangling(t *testing.T) {
	out := compileOK(t, "(define list->sum (lambda (xs) 0)) (list->sum nil)")
	if !strings.Contains(out, "o_list_sub_gtsum") {
		t.Error("punctuation should mangle to mnemonic suffixes")
	}
}

func TestDeftypeConstructorsAndAccessors(t *testing.T) {
	out := compileOK(t, "(deftype Node (value int) (next Node)) (Node 1 nil)")
	if !strings.Contains(out, "mk_Node_region(") {
		t.Error("deftype should emit a region-aware constructor")
	}
	if !strings.Contains(out, "user_get_field") {
		t.Error("generic field access must be available")
	}
}

func TestSelfReferentialTypeGetsWeakBackEdge(t *testing.T) {
	c := New()
	_, err := c.CompileSource("(deftype Ring (next Ring)) (Ring nil)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !c.Registry.IsFieldWeak("Ring", "next") {
		t.Error("back-edge analysis should weaken the self-referential field")
	}
}

func TestSharedModuleEntry(t *testing.T) {
	c := New()
	c.Opts.Shared = true
	c.Opts.ModuleName = "geo"
	out, err := c.CompileSource("(define answer 42)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(out, "omni_module_geo_init") {
		t.Error("shared modules export omni_module_<name>_init")
	}
	if strings.Contains(out, "int main(void)") {
		t.Error("shared modules should not define main")
	}
}

func TestParseErrorSurfacesDiagnostics(t *testing.T) {
	c := New()
	_, err := c.CompileSource(`(foo "unterm`)
	if err == nil {
		t.Fatal("expected parse diagnostics")
	}
	if !strings.Contains(err.Error(), "unterminated string") {
		t.Errorf("diagnostic lost: %v", err)
	}
}

func TestExpandOnly(t *testing.T) {
	c := New()
	exprs, err := c.ExpandOnly(
		"(define-syntax inc (syntax-rules () ((inc x) (+ x 1)))) (inc 2)")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(exprs) != 1 || exprs[0].String() != "(+ 2 1)" {
		t.Fatalf("expansion: %v", exprs)
	}
}

func TestSetUnboundWarnsButEmits(t *testing.T) {
	c := New()
	c.Diag = &strings.Builder{}
	out, err := c.CompileSource("(set! ghost 1)")
	if err != nil {
		t.Fatalf("set! of unbound name should warn, not fail: %v", err)
	}
	if !strings.Contains(out, "o_ghost") {
		t.Error("the store needs an emitted cell")
	}
	if !strings.Contains(c.Diag.(*strings.Builder).String(), "set! of unbound") {
		t.Error("expected a warning on the diagnostic stream")
	}
}

func TestUnboundSymbolFails(t *testing.T) {
	c := New()
	if _, err := c.CompileSource("(frobnicate 1)"); err == nil {
		t.Fatal("unbound function should fail codegen")
	}
}
