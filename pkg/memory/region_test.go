package memory

import (
	"testing"
)

func TestLivenessRule(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("scope")

	if !r.Alive() {
		t.Fatal("fresh region must be alive")
	}
	r.Exit()
	if r.Alive() {
		t.Fatal("scope-exited region with no external holders must be dead")
	}

	r2 := ctx.Create("held")
	r2.RetainExternal()
	r2.Exit()
	if !r2.Alive() {
		t.Fatal("external_rc > 0 must keep an exited region alive")
	}
	r2.ReleaseExternal()
	if r2.Alive() {
		t.Fatal("region must die when the last external holder releases")
	}
}

func TestDestroyIfDeadIdempotent(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("r")
	if _, err := r.Alloc("x", 16); err != nil {
		t.Fatalf("alloc: %v", err)
	}

	if ctx.DestroyIfDead(r) {
		t.Fatal("must not destroy a live region")
	}
	r.Exit()
	if !ctx.DestroyIfDead(r) {
		t.Fatal("dead region should be destroyed")
	}
	epoch := r.Epoch
	if ctx.DestroyIfDead(r) {
		t.Fatal("second destroy must be a no-op")
	}
	if r.Epoch != epoch {
		t.Fatal("idempotent destroy must not bump the epoch again")
	}
}

func TestAccounting(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("acct")

	if _, err := r.Alloc("small", 64); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if r.InlineUsed != 64 || r.ChunkCount != 0 {
		t.Errorf("small alloc should land inline: inline=%d chunks=%d", r.InlineUsed, r.ChunkCount)
	}
	if _, err := r.Alloc("big", 1024); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if r.ChunkCount != 1 {
		t.Errorf("large alloc should take a chunk, got %d", r.ChunkCount)
	}
	if r.Bytes != 1088 || r.Peak != 1088 {
		t.Errorf("bytes=%d peak=%d, want 1088", r.Bytes, r.Peak)
	}
}

func TestQuotaAborts(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("quota")
	r.Quota = 100
	if _, err := r.Alloc("a", 80); err != nil {
		t.Fatalf("within quota: %v", err)
	}
	if _, err := r.Alloc("b", 40); err == nil {
		t.Fatal("expected quota exceeded")
	}
}

func TestEpochAdvancesOnDestroy(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("e")
	_, _ = r.Alloc("x", 8)
	before := r.Epoch
	r.Exit()
	ctx.DestroyIfDead(r)
	if r.Epoch != before+1 {
		t.Errorf("epoch %d -> %d, want +1", before, r.Epoch)
	}
}

func TestDependencyRule(t *testing.T) {
	ctx := NewRegionContext()
	older := ctx.Create("older")
	younger := ctx.Create("younger")

	if !CanStore(younger, older) {
		t.Error("younger region may point into older")
	}
	if CanStore(older, younger) {
		t.Error("older region must not point into younger")
	}

	holder, _ := older.Alloc("container", 8)
	target, _ := younger.Alloc("value", 8)
	err := StoreRef(holder, target)
	if err == nil {
		t.Fatal("store barrier should refuse old-to-young store")
	}
	if _, ok := err.(*DependencyError); !ok {
		t.Fatalf("want DependencyError, got %T", err)
	}

	back, _ := younger.Alloc("holder", 8)
	fwd, _ := older.Alloc("value", 8)
	if err := StoreRef(back, fwd); err != nil {
		t.Fatalf("young-to-old store should pass: %v", err)
	}
}

func TestAllocAfterDeathFails(t *testing.T) {
	ctx := NewRegionContext()
	r := ctx.Create("dead")
	r.Exit()
	if _, err := r.Alloc("x", 8); err == nil {
		t.Fatal("allocation in a dead region must fail")
	}
}
