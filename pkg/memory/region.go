package memory

import (
	"fmt"
)

// Region is the compiler-side model of a runtime bulk arena. The
// emitted program manipulates the C mirror of this structure through
// the region ABI; this model backs the region engine's planning and
// the runtime-semantics tests.
//
// Liveness rule: a region is alive iff scope_alive OR external_rc > 0.
// The epoch increments on destruction so stale borrows are detectable.
type Region struct {
	ID   int
	Name string

	// Creation order induces the region partial order the store
	// barrier consults: a store must never make an older region point
	// into a younger one.
	Seq int

	ScopeAlive bool
	ExternalRC int
	Epoch      uint64

	Bytes       int
	Peak        int
	ChunkCount  int
	InlineUsed  int
	InlineLimit int

	// Quota aborts allocation past the limit in debug builds; zero
	// means unlimited.
	Quota int

	Owners  map[string]bool
	Objects []*RegionObj
}

// RegionObj is one allocation inside a region.
type RegionObj struct {
	Region   *Region
	Data     interface{}
	Size     int
	Tethered bool
	Refs     []*RegionObj
}

// RegionContext owns all regions of one executing program model.
type RegionContext struct {
	Regions map[int]*Region
	nextID  int
	nextSeq int
}

// NewRegionContext creates an empty region table.
func NewRegionContext() *RegionContext {
	return &RegionContext{Regions: make(map[int]*Region)}
}

// Create makes a fresh scope-alive region. Idempotence at the emitted
// call site is the code generator's concern; every Create here is a
// distinct region.
func (ctx *RegionContext) Create(name string) *Region {
	ctx.nextID++
	ctx.nextSeq++
	r := &Region{
		ID:          ctx.nextID,
		Name:        name,
		Seq:         ctx.nextSeq,
		ScopeAlive:  true,
		InlineLimit: 256,
		Owners:      make(map[string]bool),
	}
	ctx.Regions[r.ID] = r
	return r
}

// Alive implements the liveness rule.
func (r *Region) Alive() bool {
	return r.ScopeAlive || r.ExternalRC > 0
}

// Alloc accounts size bytes into the region and returns the object.
// Small allocations land in the inline buffer first.
func (r *Region) Alloc(data interface{}, size int) (*RegionObj, error) {
	if !r.Alive() {
		return nil, fmt.Errorf("region %d: allocation after death", r.ID)
	}
	if r.Quota > 0 && r.Bytes+size > r.Quota {
		return nil, fmt.Errorf("region %d: quota exceeded (%d+%d > %d)", r.ID, r.Bytes, size, r.Quota)
	}
	if r.InlineUsed+size <= r.InlineLimit {
		r.InlineUsed += size
	} else {
		r.ChunkCount++
	}
	r.Bytes += size
	if r.Bytes > r.Peak {
		r.Peak = r.Bytes
	}
	obj := &RegionObj{Region: r, Data: data, Size: size}
	r.Objects = append(r.Objects, obj)
	return obj, nil
}

// Exit drops the scope's claim on the region. Idempotent.
func (r *Region) Exit() {
	r.ScopeAlive = false
}

// RetainExternal records a reference holder outside the region whose
// liveness is not governed by the region's own scope.
func (r *Region) RetainExternal() {
	r.ExternalRC++
}

// ReleaseExternal drops one external holder.
func (r *Region) ReleaseExternal() {
	if r.ExternalRC > 0 {
		r.ExternalRC--
	}
}

// DestroyIfDead frees the region's storage when nothing keeps it
// alive, bumping the epoch so outstanding borrows turn stale.
// Idempotent: destroying a dead region twice does nothing further.
func (ctx *RegionContext) DestroyIfDead(r *Region) bool {
	if r.Alive() {
		return false
	}
	if r.Objects == nil && r.Bytes == 0 {
		return false
	}
	for _, obj := range r.Objects {
		obj.Region = nil
	}
	r.Objects = nil
	r.Bytes = 0
	r.InlineUsed = 0
	r.ChunkCount = 0
	r.Epoch++
	return true
}

// Older reports whether r precedes other in creation order.
func (r *Region) Older(other *Region) bool {
	return r.Seq < other.Seq
}

// CanStore implements the dependency rule: the store barrier allows a
// pointer from holder to target only when the holder is not older
// than the target's region (younger may point at older, never the
// reverse).
func CanStore(holder, target *Region) bool {
	if holder == nil || target == nil || holder == target {
		return true
	}
	return !holder.Older(target)
}

// StoreRef installs a reference after the barrier check; a violation
// reports the repair obligation to the caller instead of storing.
func StoreRef(holder, target *RegionObj) error {
	if holder.Region == nil || target.Region == nil {
		return fmt.Errorf("store through dead region")
	}
	if !CanStore(holder.Region, target.Region) {
		return &DependencyError{Holder: holder.Region, Target: target.Region}
	}
	holder.Refs = append(holder.Refs, target)
	return nil
}

// DependencyError reports an old-to-young store the barrier refused;
// the caller repairs it by transmigrating or retaining.
type DependencyError struct {
	Holder *Region
	Target *Region
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("region %d (older) may not point into region %d (younger)",
		e.Holder.ID, e.Target.ID)
}
