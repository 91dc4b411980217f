package test

import (
	"strings"
	"testing"

	"github.com/omnilisp/omni/pkg/codegen"
	"github.com/omnilisp/omni/pkg/compiler"
)

func TestBackEdgeIntegration(t *testing.T) {
	cases := []struct {
		name   string
		source string
		check  func(t *testing.T, c *compiler.Compiler)
	}{
		{
			name: "singly linked list stays strong until the cycle",
			source: `
				(deftype SLNode (value int) (next SLNode))
				(SLNode 1 nil)`,
			check: func(t *testing.T, c *compiler.Compiler) {
				if !c.Registry.IsFieldWeak("SLNode", "next") {
					t.Error("self-edge should weaken")
				}
			},
		},
		{
			name: "doubly linked list breaks exactly its cycle",
			source: `
				(deftype DLNode (value int) (next DLNode) (prev DLNode))
				(DLNode 1 nil nil)`,
			check: func(t *testing.T, c *compiler.Compiler) {
				weak := 0
				for _, f := range c.Registry.Types["DLNode"].Fields {
					if f.Strength == codegen.FieldWeak {
						weak++
					}
				}
				if weak == 0 {
					t.Error("cyclic type needs at least one weakened edge")
				}
			},
		},
		{
			name: "two-type cycle classified broken on both sides",
			source: `
				(deftype Author (book Book))
				(deftype Book (author Author))
				(Author nil)`,
			check: func(t *testing.T, c *compiler.Compiler) {
				a := c.Registry.CycleStatusForType("Author")
				b := c.Registry.CycleStatusForType("Book")
				if a == codegen.CycleNone && b == codegen.CycleNone {
					t.Error("mutual types must not both read as acyclic")
				}
			},
		},
		{
			name: "tree of leaves stays acyclic",
			source: `
				(deftype Leaf2 (v int))
				(deftype Tree2 (l Leaf2) (r Leaf2))
				(Tree2 nil nil)`,
			check: func(t *testing.T, c *compiler.Compiler) {
				if c.Registry.CycleStatusForType("Tree2") != codegen.CycleNone {
					t.Error("acyclic type misclassified")
				}
				if c.Registry.IsFieldWeak("Tree2", "l") {
					t.Error("acyclic fields must stay strong")
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := compiler.New()
			if _, err := c.CompileSource(tc.source); err != nil {
				t.Fatalf("compile: %v", err)
			}
			tc.check(t, c)
		})
	}
}

func TestWeakenedFieldSkipsRepairBarrier(t *testing.T) {
	c := compiler.New()
	out, err := c.CompileSource(`
		(deftype Ring2 (next Ring2))
		(Ring2 nil)`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(out, "/* weak */") {
		t.Error("weak field stores should bypass the repair barrier")
	}
}
