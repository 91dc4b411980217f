package memory

import (
	"fmt"
	"sync"
)

// Epoch-tethered borrowing.
//
// A borrow is a fat pointer: (object, region-id, epoch snapshot).
// The region's epoch increments when it is destroyed, so a borrow
// outliving its region fails the epoch comparison on dereference
// instead of reading freed memory. While a tether is open the region
// cannot die: tethering bumps the external RC for the borrow's
// duration, scope-bounded like the emitted region_tether_start /
// region_tether_end pair.

// BorrowRef is a validated view into a region object.
type BorrowRef struct {
	Target   *RegionObj
	RegionID int
	Snapshot uint64

	region *Region
	origin string // debug: where the borrow was created
}

// Borrow creates a borrow of obj, snapshotting its region's epoch.
func Borrow(obj *RegionObj, origin string) (*BorrowRef, error) {
	if obj == nil || obj.Region == nil {
		return nil, fmt.Errorf("borrow of freed object [%s]", origin)
	}
	r := obj.Region
	return &BorrowRef{
		Target:   obj,
		RegionID: r.ID,
		Snapshot: r.Epoch,
		region:   r,
		origin:   origin,
	}, nil
}

// Deref asserts the region is alive and its epoch matches the
// snapshot, then returns the payload. Both checks are the debug-build
// contract; release builds elide them.
func (b *BorrowRef) Deref() (interface{}, error) {
	if b == nil || b.Target == nil {
		return nil, fmt.Errorf("null borrow")
	}
	if b.region.Epoch != b.Snapshot {
		return nil, fmt.Errorf(
			"stale borrow of region %d: epoch advanced %d -> %d [%s]",
			b.RegionID, b.Snapshot, b.region.Epoch, b.origin)
	}
	if !b.region.Alive() {
		return nil, fmt.Errorf("borrow of dead region %d [%s]", b.RegionID, b.origin)
	}
	return b.Target.Data, nil
}

// Valid reports whether the borrow would dereference successfully.
func (b *BorrowRef) Valid() bool {
	return b != nil && b.Target != nil && b.Target.Region != nil &&
		b.region.Alive() && b.region.Epoch == b.Snapshot
}

// Tether is one open region_tether_start whose matching end has not
// run yet.
type Tether struct {
	region *Region
	obj    *RegionObj
	closed bool
	mu     sync.Mutex
}

// TetherStart pins the region alive for the duration of a borrow and
// sets the object's tethered bit.
func TetherStart(obj *RegionObj) (*Tether, error) {
	if obj == nil || obj.Region == nil {
		return nil, fmt.Errorf("tether of freed object")
	}
	obj.Region.RetainExternal()
	obj.Tethered = true
	return &Tether{region: obj.Region, obj: obj}, nil
}

// End releases the tether. Idempotent.
func (t *Tether) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.obj.Tethered = false
	t.region.ReleaseExternal()
}

// BorrowClosure is a closure whose captures are borrows; calling it
// validates every capture first, the model of the emitted capture
// check before a closure body runs.
type BorrowClosure struct {
	Captures []*BorrowRef
	Fn       func() interface{}
}

// Call validates all captures then runs the closure.
func (c *BorrowClosure) Call() (interface{}, error) {
	for i, cap := range c.Captures {
		if !cap.Valid() {
			return nil, fmt.Errorf("closure capture %d is stale [%s]", i, cap.origin)
		}
	}
	return c.Fn(), nil
}
