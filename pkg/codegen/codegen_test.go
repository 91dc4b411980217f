package codegen

import (
	"strings"
	"testing"

	"github.com/omnilisp/omni/pkg/parser"
)

func TestMangleName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"foo", "o_foo"},
		{"+", "o__add"},
		{"-", "o__sub"},
		{"null?", "o_null_p"},
		{"set!", "o_set_b"},
		{"a.b", "o_a_db"},
		{"snake_case", "o_snake__case"},
		{"list->vec", "o_list_sub_gtvec"},
		{"x2", "o_x2"},
	}
	for _, tt := range tests {
		if got := MangleName(tt.in); got != tt.want {
			t.Errorf("MangleName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMangleProducesValidCIdentifiers(t *testing.T) {
	names := []string{"+", "-", "*", "/", "%", "<=", ">=", "=", "?", "!",
		"weird-name!", "a.b.c", "_private", "λ"}
	for _, name := range names {
		m := MangleName(name)
		for i, r := range m {
			ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
				(i > 0 && r >= '0' && r <= '9')
			if !ok {
				t.Errorf("MangleName(%q) = %q has invalid char %q", name, m, r)
			}
		}
	}
}

func TestTypeRegistryBackEdges(t *testing.T) {
	tr := NewTypeRegistry()
	tr.RegisterType("DLNode", []TypeField{
		{Name: "next", Type: "DLNode", IsScannable: true, Strength: FieldStrong},
		{Name: "prev", Type: "DLNode", IsScannable: true, Strength: FieldStrong},
	})
	tr.BuildOwnershipGraph()
	tr.AnalyzeBackEdges()

	if !tr.IsFieldWeak("DLNode", "next") && !tr.IsFieldWeak("DLNode", "prev") {
		t.Error("at least one self-edge must be weakened")
	}
	if tr.CycleStatusForType("DLNode") != CycleBroken {
		t.Error("cycle should be classified broken after weakening")
	}
}

func TestTypeRegistryAcyclic(t *testing.T) {
	tr := NewTypeRegistry()
	tr.RegisterType("Leaf", []TypeField{{Name: "v", Type: "int", IsScannable: true}})
	tr.RegisterType("Tree", []TypeField{
		{Name: "l", Type: "Leaf", IsScannable: true, Strength: FieldStrong},
		{Name: "r", Type: "Leaf", IsScannable: true, Strength: FieldStrong},
	})
	tr.AnalyzeBackEdges()
	if tr.CycleStatusForType("Tree") != CycleNone {
		t.Error("acyclic type should stay CycleNone")
	}
	if tr.IsFieldWeak("Tree", "l") {
		t.Error("no field of an acyclic type should weaken")
	}
}

func TestRuntimeContainsRegionABI(t *testing.T) {
	rt := GenerateRuntime(nil)
	for _, want := range []string{
		"region_create",
		"region_exit",
		"region_destroy_if_dead",
		"region_alloc",
		"region_retain_internal",
		"region_release_internal",
		"region_tether_start",
		"region_tether_end",
		"transmigrate",
		"ATOMIC_INC_REF",
		"ATOMIC_DEC_REF",
		"SPAWN_THREAD",
		"mk_pair_region",
		"mk_array_region",
		"mk_dict_region",
		"mk_closure",
		"borrow_deref",
	} {
		if !strings.Contains(rt, want) {
			t.Errorf("runtime missing %s", want)
		}
	}
}

func TestRuntimeImmediatesNeverAllocate(t *testing.T) {
	rt := GenerateRuntime(nil)
	if !strings.Contains(rt, "MK_IMM_INT") || !strings.Contains(rt, "MK_IMM_BOOL") {
		t.Fatal("immediate macros missing")
	}
	if !strings.Contains(rt, "static Obj* mk_int(int64_t n)  { return MK_IMM_INT(n); }") {
		t.Error("mk_int must be allocation-free")
	}
}

func TestRuntimeTruthiness(t *testing.T) {
	rt := GenerateRuntime(nil)
	// Only false and nothing are falsy; zero and nil stay truthy.
	if !strings.Contains(rt, "if (IS_IMM_BOOL(v)) return IMM_BOOL_VAL(v);") ||
		!strings.Contains(rt, "if (IS_IMM_NOTHING(v)) return 0;") {
		t.Error("is_truthy does not implement the falsy set {false, nothing}")
	}
}

func TestUserTypeEmission(t *testing.T) {
	tr := NewTypeRegistry()
	tr.RegisterType("Point", []TypeField{
		{Name: "x", Type: "int", IsScannable: true},
		{Name: "y", Type: "int", IsScannable: true},
	})
	rt := GenerateRuntime(tr)
	if !strings.Contains(rt, "mk_Point_region") {
		t.Error("missing user-type constructor")
	}
	if !strings.Contains(rt, "Point_get_o_x") {
		t.Error("missing field accessor")
	}
}

func TestGenerateProgramToString(t *testing.T) {
	exprs, err := parser.ParseAllString("(+ 1 2)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out := GenerateProgramToString(exprs)
	if !strings.Contains(out, "int main(void)") {
		t.Error("standalone program needs main")
	}
	if !strings.Contains(out, "prim_add") {
		t.Error("expression not lowered")
	}
}

func TestExceptionCleanupAnalysis(t *testing.T) {
	exprs, err := parser.ParseAllString("(try (let ((x (cons 1 2))) (error \"boom\")) 0)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	points := AnalyzeExceptionPoints(exprs[0])
	if len(points) == 0 {
		t.Fatal("let binding inside try should register a cleanup point")
	}
	if !points[0].InTryBlock {
		t.Error("cleanup point should know it sits in a try block")
	}
}
