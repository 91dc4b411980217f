package runtimecheck

import (
	"regexp"
	"strings"
	"testing"

	"github.com/omnilisp/omni/pkg/codegen"
	"github.com/omnilisp/omni/pkg/compiler"
)

// Consistency checks between the code generator and the runtime it
// emits: every ABI symbol a compiled program can reference must be
// defined in the runtime prelude, and the prelude's own invariants
// (declaration order, immediate encoding, atomic policy) must hold.

func generatedRuntime() string {
	return codegen.GenerateRuntime(nil)
}

func hasFunc(content, name string) bool {
	re := regexp.MustCompile(`(?m)\b` + regexp.QuoteMeta(name) + `\s*\(`)
	return re.FindStringIndex(content) != nil
}

func TestRuntimeABISymbolsPresent(t *testing.T) {
	rt := generatedRuntime()
	abi := []string{
		// region lifecycle
		"region_create", "region_exit", "region_destroy_if_dead", "region_alloc",
		// region RC
		"region_retain_internal", "region_release_internal",
		"region_tether_start", "region_tether_end",
		// escape repair
		"transmigrate", "repair_store", "escape_out",
		// constructors
		"mk_int_region", "mk_pair_region", "mk_array_region",
		"mk_dict_region", "mk_closure", "mk_box_region", "mk_atom_region",
		// borrows
		"borrow_create", "borrow_deref",
		// primitives
		"prim_add", "prim_sub", "is_truthy", "call_closure", "omni_get",
	}
	for _, name := range abi {
		if !hasFunc(rt, name) {
			t.Errorf("runtime missing ABI symbol %q", name)
		}
	}
}

func TestEmittedCallsAreAllDefined(t *testing.T) {
	c := compiler.New()
	out, err := c.CompileSource(`
		(define (leak) (let ((p (cons 1 2))) p))
		(let ((x (cons 1 (cons 2 nil)))) (car x))
		(leak)`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// Every identifier called in the program body must be defined
	// somewhere in the same translation unit.
	calls := regexp.MustCompile(`\b([a-z_][a-z0-9_]*)\(`).FindAllStringSubmatch(out, -1)
	seen := map[string]bool{}
	for _, m := range calls {
		name := m[1]
		if seen[name] || strings.HasPrefix(name, "o_") {
			continue
		}
		seen[name] = true
		switch name {
		case "main", "sizeof", "if", "while", "for", "switch", "return", "defined":
			continue
		// libc and C11 atomics arrive via headers
		case "printf", "fprintf", "fwrite", "exit", "malloc", "calloc",
			"realloc", "free", "memcpy", "memset", "strlen", "strcmp",
			"setjmp", "longjmp", "pthread_create", "pthread_join",
			"atomic_load_explicit", "atomic_store_explicit",
			"atomic_fetch_add_explicit", "atomic_fetch_sub_explicit",
			"atomic_compare_exchange_strong_explicit":
			continue
		}
		def := regexp.MustCompile(`(?m)^(?:static\s+)?(?:[A-Za-z_][\w*]*[\s*]+)+` +
			regexp.QuoteMeta(name) + `\s*\(`)
		if !def.MatchString(out) && !strings.Contains(out, "#define "+name) &&
			!strings.Contains(out, "#define "+strings.ToUpper(name)) {
			t.Errorf("call to %q has no definition in the translation unit", name)
		}
	}
}

func TestRegionStructDeclaredBeforeBorrowRef(t *testing.T) {
	rt := generatedRuntime()
	regionIdx := strings.Index(rt, "struct Region {")
	borrowIdx := strings.Index(rt, "struct BorrowRef {")
	if regionIdx < 0 || borrowIdx < 0 {
		t.Fatal("struct declarations missing")
	}
	if regionIdx > borrowIdx {
		t.Error("Region must be defined before BorrowRef uses its epoch")
	}
}

func TestImmediateTagsDisjoint(t *testing.T) {
	rt := generatedRuntime()
	tags := map[string]string{}
	re := regexp.MustCompile(`#define (IMM_(?:PTR|INT|CHAR|BOOL|NOTHING))\s+(0x[0-9A-Fa-f]+ULL)`)
	for _, m := range re.FindAllStringSubmatch(rt, -1) {
		tags[m[1]] = m[2]
	}
	if len(tags) != 5 {
		t.Fatalf("expected 5 immediate tags, found %v", tags)
	}
	seen := map[string]string{}
	for name, val := range tags {
		if prev, dup := seen[val]; dup {
			t.Errorf("tags %s and %s share encoding %s", prev, name, val)
		}
		seen[val] = name
	}
}

func TestAtomicPolicyOrdering(t *testing.T) {
	rt := generatedRuntime()
	if !strings.Contains(rt, "memory_order_relaxed") {
		t.Error("RC increments should be relaxed")
	}
	if !strings.Contains(rt, "memory_order_acq_rel") {
		t.Error("decrement-to-zero must be acquire/release")
	}
	if !strings.Contains(rt, "#define SPAWN_THREAD") {
		t.Error("thread spawn must be macro-swappable")
	}
}

func TestTetherPairsBalancedInEmittedCode(t *testing.T) {
	c := compiler.New()
	out, err := c.CompileSource(`
		(define (use x) (car x))
		(let ((p (cons 1 2))) (use p))`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	body := out[strings.Index(out, "int main(void)"):]
	starts := strings.Count(body, "region_tether_start(")
	ends := strings.Count(body, "region_tether_end(")
	if starts != ends {
		t.Errorf("unbalanced tethers: %d starts, %d ends", starts, ends)
	}
}

func TestForwardingTableLocalToCall(t *testing.T) {
	rt := generatedRuntime()
	// The forwarding table must be per-transmigration (stack-local and
	// freed), never a global that could leak state between calls.
	if !strings.Contains(rt, "FwdTable fwd;") || !strings.Contains(rt, "free(fwd.slots);") {
		t.Error("forwarding table must be created and cleared per transmigration")
	}
	if strings.Contains(rt, "static FwdTable") {
		t.Error("forwarding table must not be global")
	}
}
