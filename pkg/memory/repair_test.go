package memory

import (
	"testing"
)

func TestPolicyDeterministic(t *testing.T) {
	p := NewRepairPolicy()
	ctx := NewRegionContext()

	small := ctx.Create("small")
	_, _ = small.Alloc("x", 128)
	big := ctx.Create("big")
	_, _ = big.Alloc("y", DefaultTransmigrateThreshold*2)

	for i := 0; i < 3; i++ {
		if got := p.Choose(small, true); got != RepairTransmigrate {
			t.Errorf("small source: got %s", got)
		}
		if got := p.Choose(big, true); got != RepairRetain {
			t.Errorf("big source: got %s", got)
		}
		if got := p.Choose(big, false); got != RepairTransmigrate {
			t.Errorf("retain-unsafe must fall back to transmigrate, got %s", got)
		}
	}
}

func TestTransmigratePreservesSharing(t *testing.T) {
	ctx := NewRegionContext()
	src := ctx.Create("src")
	dst := ctx.Create("dst")

	shared, _ := src.Alloc("shared", 8)
	left, _ := src.Alloc("left", 8)
	right, _ := src.Alloc("right", 8)
	root, _ := src.Alloc("root", 8)
	left.Refs = append(left.Refs, shared)
	right.Refs = append(right.Refs, shared)
	root.Refs = append(root.Refs, left, right)

	moved, err := Transmigrate(root, src, dst)
	if err != nil {
		t.Fatalf("transmigrate: %v", err)
	}
	if moved.Region != dst {
		t.Fatal("copy must land in the destination region")
	}
	ml, mr := moved.Refs[0], moved.Refs[1]
	if ml.Refs[0] != mr.Refs[0] {
		t.Error("shared substructure must copy once (forwarding table)")
	}
	if ml.Refs[0] == shared {
		t.Error("internal pointer should be rewritten to the copy")
	}
}

func TestTransmigrateHandlesCycles(t *testing.T) {
	ctx := NewRegionContext()
	src := ctx.Create("src")
	dst := ctx.Create("dst")

	a, _ := src.Alloc("a", 8)
	b, _ := src.Alloc("b", 8)
	a.Refs = append(a.Refs, b)
	b.Refs = append(b.Refs, a)

	moved, err := Transmigrate(a, src, dst)
	if err != nil {
		t.Fatalf("cycle transmigrate: %v", err)
	}
	if moved.Refs[0].Refs[0] != moved {
		t.Error("cycle must close onto the copied root")
	}
}

func TestExternalRootRule(t *testing.T) {
	ctx := NewRegionContext()
	src := ctx.Create("src")
	dst := ctx.Create("dst")
	other := ctx.Create("other")

	ext, _ := other.Alloc("external", 8)
	root, _ := src.Alloc("root", 8)
	root.Refs = append(root.Refs, ext)

	moved, err := Transmigrate(root, src, dst)
	if err != nil {
		t.Fatalf("transmigrate: %v", err)
	}
	if moved.Refs[0] != ext {
		t.Error("pointers leaving the source region are roots; they are not rewritten")
	}
	if ext.Region != other {
		t.Error("external object must stay in its home region")
	}
}

func TestRepairStoreRetainHoldsSource(t *testing.T) {
	p := NewRepairPolicy()
	ctx := NewRegionContext()
	older := ctx.Create("older")
	younger := ctx.Create("younger")

	container, _ := older.Alloc("container", 8)
	value, _ := younger.Alloc("value", DefaultTransmigrateThreshold*2)

	stored, strat, err := RepairStore(p, container, value, true)
	if err != nil {
		t.Fatalf("repair store: %v", err)
	}
	if strat != RepairRetain {
		t.Fatalf("large young source should retain, got %s", strat)
	}
	if stored != value {
		t.Error("retain stores the original pointer")
	}
	younger.Exit()
	if !younger.Alive() {
		t.Fatal("retained region must survive its scope exit")
	}
	younger.ReleaseExternal()
	if younger.Alive() {
		t.Fatal("region should die at the escape handle's death")
	}
}

func TestRepairStoreTransmigratesSmallSource(t *testing.T) {
	p := NewRepairPolicy()
	ctx := NewRegionContext()
	older := ctx.Create("older")
	younger := ctx.Create("younger")

	container, _ := older.Alloc("container", 8)
	value, _ := younger.Alloc("value", 16)

	stored, strat, err := RepairStore(p, container, value, true)
	if err != nil {
		t.Fatalf("repair store: %v", err)
	}
	if strat != RepairTransmigrate {
		t.Fatalf("small young source should transmigrate, got %s", strat)
	}
	if stored == value || stored.Region != older {
		t.Error("transmigrated copy must live in the destination region")
	}

	// No old-to-young edge remains: the region dependency graph stays
	// acyclic after repair.
	younger.Exit()
	if !ctx.DestroyIfDead(younger) {
		t.Error("source region should be destroyable after transmigration")
	}
}

func TestYoungToOldStoreNeedsNoRepair(t *testing.T) {
	p := NewRepairPolicy()
	ctx := NewRegionContext()
	older := ctx.Create("older")
	younger := ctx.Create("younger")

	container, _ := younger.Alloc("container", 8)
	value, _ := older.Alloc("value", 8)

	stored, _, err := RepairStore(p, container, value, true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if stored != value {
		t.Error("young-to-old store keeps the original pointer")
	}
}
