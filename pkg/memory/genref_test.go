package memory

import (
	"testing"
)

func TestBorrowDerefHappyPath(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("r")
	obj, _ := r.Alloc(42, 8)

	b, err := Borrow(obj, "test")
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	got, err := b.Deref()
	if err != nil {
		t.Fatalf("deref: %v", err)
	}
	if got != 42 {
		t.Errorf("got %v", got)
	}
}

func TestBorrowGoesStaleOnDestroy(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("r")
	obj, _ := r.Alloc("payload", 8)
	b, _ := Borrow(obj, "stale-test")

	r.Exit()
	ctx.DestroyIfDead(r)

	if b.Valid() {
		t.Fatal("borrow must be invalid after region destruction")
	}
	if _, err := b.Deref(); err == nil {
		t.Fatal("deref of stale borrow must fail")
	}
}

func TestTetherKeepsRegionAlive(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("r")
	obj, _ := r.Alloc("v", 8)

	tether, err := TetherStart(obj)
	if err != nil {
		t.Fatalf("tether: %v", err)
	}
	if !obj.Tethered {
		t.Error("tethered bit should be set")
	}

	r.Exit()
	if !r.Alive() {
		t.Fatal("tethered region must stay alive past scope exit")
	}
	if ctx.DestroyIfDead(r) {
		t.Fatal("tethered region must not be destroyed")
	}

	tether.End()
	if obj.Tethered {
		t.Error("tethered bit should clear at tether end")
	}
	if r.Alive() {
		t.Fatal("region should die when the tether ends")
	}
	if !ctx.DestroyIfDead(r) {
		t.Fatal("untethered dead region should destroy")
	}
}

func TestTetherEndIdempotent(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("r")
	obj, _ := r.Alloc("v", 8)
	tether, _ := TetherStart(obj)
	tether.End()
	tether.End()
	if r.ExternalRC != 0 {
		t.Errorf("double end must not underflow: rc=%d", r.ExternalRC)
	}
}

func TestBorrowClosureValidatesCaptures(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("r")
	obj, _ := r.Alloc(7, 8)
	b, _ := Borrow(obj, "capture")

	clo := &BorrowClosure{
		Captures: []*BorrowRef{b},
		Fn:       func() interface{} { return "ran" },
	}
	if _, err := clo.Call(); err != nil {
		t.Fatalf("live captures should pass: %v", err)
	}

	r.Exit()
	ctx.DestroyIfDead(r)
	if _, err := clo.Call(); err == nil {
		t.Fatal("stale capture must block the call")
	}
}
