package memory

import "testing"

func TestOrphanedCycleCollapses(t *testing.T) {
	ctx := NewSymmetricContext()
	ctx.EnterScope()

	a := ctx.Alloc("a")
	b := ctx.Alloc("b")
	ctx.Link(a, b)
	ctx.Link(b, a)

	ctx.ExitScope()

	if !a.Freed || !b.Freed {
		t.Error("cycle with no external holders must collapse at scope exit")
	}
}

func TestExternallyHeldObjectSurvives(t *testing.T) {
	ctx := NewSymmetricContext()
	outer := ctx.CurrentScope()
	ctx.EnterScope()

	obj := ctx.Alloc("kept")
	outer.Own(obj) // second external holder from the outer scope

	ctx.ExitScope()
	if obj.Freed {
		t.Fatal("object held by the outer scope must survive inner exit")
	}

	outer.Release()
	if !obj.Freed {
		t.Error("object must free when its last external holder releases")
	}
}

func TestInternalRefsDoNotKeepAlive(t *testing.T) {
	ctx := NewSymmetricContext()
	ctx.EnterScope()

	head := ctx.Alloc("head")
	tail := ctx.Alloc("tail")
	ctx.Link(head, tail)

	ctx.ExitScope()
	if !head.Freed || !tail.Freed {
		t.Error("internal references from garbage must not keep objects alive")
	}
}

func TestCascadeThroughChain(t *testing.T) {
	ctx := NewSymmetricContext()
	ctx.EnterScope()

	var chain []*SymmetricObj
	for i := 0; i < 5; i++ {
		chain = append(chain, ctx.Alloc(i))
	}
	for i := 0; i+1 < len(chain); i++ {
		ctx.Link(chain[i], chain[i+1])
	}

	ctx.ExitScope()
	for i, obj := range chain {
		if !obj.Freed {
			t.Errorf("chain[%d] not freed by cascade", i)
		}
	}
}
