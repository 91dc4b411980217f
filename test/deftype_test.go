package test

import (
	"strings"
	"testing"

	"github.com/omnilisp/omni/pkg/compiler"
)

func TestDeftypeRegistersFields(t *testing.T) {
	c := compiler.New()
	_, err := c.CompileSource(`
		(deftype Node
			(value int)
			(next Node)
			(prev Node))
		(Node 1 nil nil)`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	info := c.Registry.Types["Node"]
	if info == nil {
		t.Fatal("Node type not registered")
	}
	if len(info.Fields) != 3 {
		t.Fatalf("fields = %d, want 3", len(info.Fields))
	}
	if info.Fields[0].Name != "value" || info.Fields[1].Name != "next" {
		t.Errorf("field order lost: %+v", info.Fields)
	}
}

func TestDeftypeWeakAnnotation(t *testing.T) {
	c := compiler.New()
	_, err := c.CompileSource(`
		(deftype Child
			(name int)
			(parent Child :weak))
		(Child 1 nil)`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !c.Registry.IsFieldWeak("Child", "parent") {
		t.Error(":weak annotation should mark the field weak")
	}
}

func TestDeftypeEmitsConstructorAndAccessors(t *testing.T) {
	c := compiler.New()
	out, err := c.CompileSource(`
		(deftype Pair2 (a int) (b int))
		(Pair2 1 2)`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, want := range []string{"mk_Pair2_region(", "Pair2_get_o_a", "Pair2_get_o_b"} {
		if !strings.Contains(out, want) {
			t.Errorf("emitted C missing %s", want)
		}
	}
}

func TestDeftypeFieldAccessThroughGet(t *testing.T) {
	c := compiler.New()
	out, err := c.CompileSource(`
		(deftype Box2 (inner int))
		(let ((b (Box2 7))) b.inner)`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(out, "omni_get(") {
		t.Error("dot access should lower to the generic get")
	}
}
