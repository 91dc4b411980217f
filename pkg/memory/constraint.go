package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Tether accounting assertions, debug-build only.
//
// A region must not be destroyed while any tether (scope-bounded
// borrow) is still open. The emitted code pairs every
// region_tether_start with a region_tether_end, so a non-zero tether
// count at destroy time is a compiler bug, not a user error. This
// checker catches it at the destroy site, with the borrow origins
// when source tracking is on, rather than at some later dereference.

// TetherCheckObj is an object whose open-tether count is asserted at
// free time.
type TetherCheckObj struct {
	Data        interface{}
	Owner       string
	TetherCount int32
	Freed       bool

	mu         sync.Mutex
	sources    map[uint64]string // refID -> origin, debug tracking only
	nextRefID  uint64
	trackingOn bool
}

// TetherCheckRef is one open tether on a checked object.
type TetherCheckRef struct {
	Target   *TetherCheckObj
	Source   string
	refID    uint64
	released int32
}

// TetherChecker manages checked objects and collects violations.
type TetherChecker struct {
	Objects       []*TetherCheckObj
	AssertOnError bool
	Violations    []string
	TrackSources  bool
	mu            sync.Mutex
}

// NewTetherChecker creates a checker; assertOnError panics at the
// violation site instead of recording it.
func NewTetherChecker(assertOnError bool) *TetherChecker {
	return &TetherChecker{AssertOnError: assertOnError}
}

// NewTetherCheckerDebug also records every tether's origin.
func NewTetherCheckerDebug(assertOnError bool) *TetherChecker {
	return &TetherChecker{AssertOnError: assertOnError, TrackSources: true}
}

// Alloc registers a new checked object.
func (ctx *TetherChecker) Alloc(data interface{}, owner string) *TetherCheckObj {
	obj := &TetherCheckObj{Data: data, Owner: owner, trackingOn: ctx.TrackSources}
	if ctx.TrackSources {
		obj.sources = make(map[uint64]string)
	}
	ctx.mu.Lock()
	ctx.Objects = append(ctx.Objects, obj)
	ctx.mu.Unlock()
	return obj
}

// Open opens a tether on obj. It must be closed before the object can
// be freed.
func (obj *TetherCheckObj) Open(source string) (*TetherCheckRef, error) {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.Freed {
		return nil, fmt.Errorf("tether of freed object [owner: %s]", obj.Owner)
	}
	atomic.AddInt32(&obj.TetherCount, 1)
	ref := &TetherCheckRef{Target: obj, Source: source}
	if obj.trackingOn {
		obj.nextRefID++
		ref.refID = obj.nextRefID
		obj.sources[ref.refID] = source
	}
	return ref, nil
}

// Close closes the tether. Closing twice is an error.
func (ref *TetherCheckRef) Close() error {
	if !atomic.CompareAndSwapInt32(&ref.released, 0, 1) {
		return fmt.Errorf("tether already closed [%s]", ref.Source)
	}
	if ref.Target == nil {
		return fmt.Errorf("null tether")
	}
	if atomic.AddInt32(&ref.Target.TetherCount, -1) < 0 {
		atomic.AddInt32(&ref.Target.TetherCount, 1)
		atomic.StoreInt32(&ref.released, 0)
		return fmt.Errorf("tether count underflow")
	}
	if ref.Target.trackingOn {
		ref.Target.mu.Lock()
		delete(ref.Target.sources, ref.refID)
		ref.Target.mu.Unlock()
	}
	return nil
}

// Free asserts no tether is open and frees the object.
func (ctx *TetherChecker) Free(obj *TetherCheckObj) error {
	obj.mu.Lock()
	defer obj.mu.Unlock()

	if obj.Freed {
		return fmt.Errorf("double free [owner: %s]", obj.Owner)
	}
	if count := atomic.LoadInt32(&obj.TetherCount); count > 0 {
		violation := fmt.Sprintf(
			"free with %d open tethers [owner: %s]", count, obj.Owner)
		if obj.trackingOn && len(obj.sources) > 0 {
			var from []string
			for _, src := range obj.sources {
				from = append(from, src)
			}
			violation += fmt.Sprintf(" from %v", from)
		}
		ctx.mu.Lock()
		ctx.Violations = append(ctx.Violations, violation)
		ctx.mu.Unlock()
		if ctx.AssertOnError {
			panic(violation)
		}
		return fmt.Errorf("%s", violation)
	}

	obj.Freed = true
	obj.Data = nil
	return nil
}

// CheckAll frees every remaining live object, accumulating any
// violations; used by scope teardown in tests.
func (ctx *TetherChecker) CheckAll() []string {
	ctx.mu.Lock()
	objs := append([]*TetherCheckObj(nil), ctx.Objects...)
	ctx.mu.Unlock()
	for _, obj := range objs {
		if !obj.Freed {
			_ = ctx.Free(obj)
		}
	}
	return ctx.Violations
}
