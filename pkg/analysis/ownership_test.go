package analysis

import (
	"testing"
)

func TestOwnershipContext_Basic(t *testing.T) {
	ctx := NewOwnershipContext(nil)

	ctx.DefineOwned("x")
	ctx.DefineBorrowed("p")
	ctx.DefineShared("g")

	if got := ctx.GetOwnership("x").Class; got != OwnerLocal {
		t.Errorf("x: %s, want local", OwnershipClassString(got))
	}
	if got := ctx.GetOwnership("p").Class; got != OwnerBorrowed {
		t.Errorf("p: %s, want borrowed", OwnershipClassString(got))
	}
	if got := ctx.GetOwnership("g").Class; got != OwnerShared {
		t.Errorf("g: %s, want shared", OwnershipClassString(got))
	}
}

func TestOwnershipContext_Transfer(t *testing.T) {
	ctx := NewOwnershipContext(nil)
	ctx.DefineOwned("src")
	ctx.TransferOwnership("src", "dst")

	info := ctx.GetOwnership("src")
	if info.Class != OwnerTransferred {
		t.Errorf("src: %s, want transferred", OwnershipClassString(info.Class))
	}
	if info.TransferredTo != "dst" {
		t.Errorf("TransferredTo = %q", info.TransferredTo)
	}
	if ctx.ShouldFree("src") {
		t.Error("transferred binding must not be freed by its scope")
	}
}

func TestOwnershipContext_Consume(t *testing.T) {
	ctx := NewOwnershipContext(nil)
	ctx.DefineOwned("x")
	if ctx.GetOwnership("x").ConsumedAt >= 0 {
		t.Error("fresh binding should not be consumed")
	}
	ctx.ConsumeOwnership("x", "send")
	info := ctx.GetOwnership("x")
	if info.ConsumedAt < 0 || info.ConsumedBy != "send" {
		t.Errorf("consume not recorded: %+v", info)
	}
	if ctx.ShouldFree("x") || ctx.NeedsDecRef("x") {
		t.Error("consumed binding is the callee's to free")
	}
}

func TestOwnershipContext_NeedsIncRef(t *testing.T) {
	ctx := NewOwnershipContext(nil)
	ctx.DefineOwned("x")

	if ctx.NeedsIncRef("x", OwnerBorrowed) {
		t.Error("borrowed params never retain")
	}
	if ctx.NeedsIncRef("x", OwnerConsumed) {
		t.Error("consumed params move, no retain")
	}
	if !ctx.NeedsIncRef("x", OwnerShared) {
		t.Error("shared params need a retain")
	}
	ctx.MarkAsPure("x")
	if ctx.NeedsIncRef("x", OwnerShared) {
		t.Error("pure context elides RC")
	}
}

func TestOwnershipContext_NeedsDecRef(t *testing.T) {
	ctx := NewOwnershipContext(nil)
	ctx.DefineOwned("local")
	ctx.DefineBorrowed("view")
	ctx.DefineShared("shared")

	if !ctx.NeedsDecRef("local") || !ctx.NeedsDecRef("shared") {
		t.Error("local and shared release at scope exit")
	}
	if ctx.NeedsDecRef("view") {
		t.Error("borrowed views are not released by the holder")
	}
}

func TestOwnershipAnalyzeLet(t *testing.T) {
	ctx := NewOwnershipContext(nil)
	ctx.AnalyzeOwnership(parseExpr("(let ((x (cons 1 2))) x)"))
	if got := ctx.GetOwnership("x"); got == nil || got.Class != OwnerLocal {
		t.Fatalf("let binding should be local: %+v", got)
	}
}

func TestOwnershipAnalyzeLetrecShared(t *testing.T) {
	ctx := NewOwnershipContext(nil)
	ctx.AnalyzeOwnership(parseExpr("(letrec ((f (lambda (n) (f n)))) (f 1))"))
	if got := ctx.GetOwnership("f"); got == nil || got.Class != OwnerShared {
		t.Fatalf("letrec binding should be shared: %+v", got)
	}
}

func TestOwnershipAnalyzeLambdaBorrowed(t *testing.T) {
	ctx := NewOwnershipContext(nil)
	ctx.AnalyzeOwnership(parseExpr("(lambda (a b) (+ a b))"))
	if got := ctx.GetOwnership("a"); got == nil || got.Class != OwnerBorrowed {
		t.Fatalf("lambda param should be borrowed: %+v", got)
	}
}

func TestOwnershipAnalyzeAliasTransfer(t *testing.T) {
	ctx := NewOwnershipContext(nil)
	ctx.AnalyzeOwnership(parseExpr("(let ((u (cons 1 2))) (let ((v u)) v))"))
	if got := ctx.GetOwnership("u"); got == nil || got.Class != OwnerTransferred {
		t.Fatalf("binding a name to a bound name transfers: %+v", got)
	}
	if got := ctx.GetOwnership("v"); got == nil || got.Class != OwnerLocal {
		t.Fatalf("receiver owns the value: %+v", got)
	}
}

func TestOwnershipClassString(t *testing.T) {
	cases := []struct {
		c    OwnershipClass
		want string
	}{
		{OwnerLocal, "local"},
		{OwnerBorrowed, "borrowed"},
		{OwnerTransferred, "transferred"},
		{OwnerShared, "shared"},
		{OwnerWeak, "weak"},
		{OwnerConsumed, "consumed"},
		{OwnerUnknown, "unknown"},
	}
	for _, tc := range cases {
		if got := OwnershipClassString(tc.c); got != tc.want {
			t.Errorf("%d: got %q, want %q", tc.c, got, tc.want)
		}
	}
}

func TestSingleUse(t *testing.T) {
	ctx := NewOwnershipContext(nil)
	ctx.DefineOwned("once")
	ctx.IncrementUseCount("once")
	if !ctx.IsSingleUse("once") {
		t.Error("one use should report single-use")
	}
	ctx.IncrementUseCount("once")
	if ctx.IsSingleUse("once") {
		t.Error("two uses is not single-use")
	}
}
