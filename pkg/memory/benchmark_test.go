package memory

import "testing"

func BenchmarkRegionAlloc(b *testing.B) {
	ctx := NewRegionContext()
	r := ctx.Create("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = r.Alloc(i, 16)
	}
}

func BenchmarkTransmigrateChain(b *testing.B) {
	ctx := NewRegionContext()
	src := ctx.Create("src")
	var head *RegionObj
	for i := 0; i < 64; i++ {
		obj, _ := src.Alloc(i, 16)
		if head != nil {
			obj.Refs = append(obj.Refs, head)
		}
		head = obj
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst := ctx.Create("dst")
		if _, err := Transmigrate(head, src, dst); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSymmetricCycleCollapse(b *testing.B) {
	for i := 0; i < b.N; i++ {
		ctx := NewSymmetricContext()
		ctx.EnterScope()
		x := ctx.Alloc("x")
		y := ctx.Alloc("y")
		ctx.Link(x, y)
		ctx.Link(y, x)
		ctx.ExitScope()
	}
}
