package memory

import (
	"fmt"
)

// Escape repair. A store of a younger-region value into an older
// region container auto-repairs with one of two strategies:
//
//   - Transmigrate: graph-copy the value into the destination region,
//     forwarding-table-driven so sharing and cycles copy once.
//     Pointers leaving the source region's domain are roots and are
//     not rewritten (external-root rule).
//   - Retain: bump the source region's external RC and store the
//     original pointer; the escape handle's death must release.
//
// Selection is a pure function of byte counts and region state at the
// store site: sources below the threshold transmigrate, larger ones
// retain, and when retain is unsafe the repair falls back to
// transmigrate. The default threshold is fixed so the choice is
// reproducible run to run.

// DefaultTransmigrateThreshold is the byte ceiling under which a
// source region is copied rather than retained.
const DefaultTransmigrateThreshold = 4096

// RepairStrategy names the chosen repair.
type RepairStrategy int

const (
	RepairTransmigrate RepairStrategy = iota
	RepairRetain
)

func (s RepairStrategy) String() string {
	if s == RepairRetain {
		return "retain"
	}
	return "transmigrate"
}

// RepairPolicy carries the deterministic configuration.
type RepairPolicy struct {
	Threshold int
}

// NewRepairPolicy creates a policy with the default threshold.
func NewRepairPolicy() *RepairPolicy {
	return &RepairPolicy{Threshold: DefaultTransmigrateThreshold}
}

// Choose picks the strategy for storing a src-region value into dst.
// retainSafe is false when ownership constraints forbid holding the
// source region open (then transmigrate is forced).
func (p *RepairPolicy) Choose(src *Region, retainSafe bool) RepairStrategy {
	if !retainSafe {
		return RepairTransmigrate
	}
	if src.Bytes < p.Threshold {
		return RepairTransmigrate
	}
	return RepairRetain
}

// Retain repairs by incrementing the source's external RC. The caller
// must pair it with ReleaseExternal at the escape handle's death.
func Retain(src *Region) {
	src.RetainExternal()
}

// Transmigrate graph-copies root into dst. The forwarding table maps
// source objects to their copies so shared substructure and cycles
// copy exactly once; it is cleared between transmigrations by virtue
// of living on the call frame. Objects outside src's domain are
// external roots: the copy keeps pointing at the originals.
func Transmigrate(root *RegionObj, src, dst *Region) (*RegionObj, error) {
	if root == nil {
		return nil, fmt.Errorf("transmigrate of nil root")
	}
	if root.Region == nil {
		return nil, fmt.Errorf("transmigrate of unreachable pointer (source already dead)")
	}
	if !dst.Alive() {
		return nil, fmt.Errorf("transmigrate into dead region %d", dst.ID)
	}
	forwarding := make(map[*RegionObj]*RegionObj)
	return transmigrateObj(root, src, dst, forwarding)
}

func transmigrateObj(obj *RegionObj, src, dst *Region, forwarding map[*RegionObj]*RegionObj) (*RegionObj, error) {
	if obj.Region != src {
		// External-root rule: pointers leaving the source region's
		// domain are roots, not rewritten.
		return obj, nil
	}
	if copied, ok := forwarding[obj]; ok {
		return copied, nil
	}
	copied, err := dst.Alloc(obj.Data, obj.Size)
	if err != nil {
		return nil, err
	}
	// Seed the table before walking refs so cycles terminate.
	forwarding[obj] = copied
	for _, ref := range obj.Refs {
		movedRef, err := transmigrateObj(ref, src, dst, forwarding)
		if err != nil {
			return nil, err
		}
		copied.Refs = append(copied.Refs, movedRef)
	}
	return copied, nil
}

// RepairStore performs the store of a value into a container across
// regions, auto-repairing when the dependency rule would be violated.
// It returns the pointer actually stored (the original for retain,
// the copy for transmigrate) and the strategy used. A store that needs
// no repair keeps the original and reports RepairTransmigrate, the
// zero value.
func RepairStore(p *RepairPolicy, container, value *RegionObj, retainSafe bool) (*RegionObj, RepairStrategy, error) {
	if container.Region == nil || value.Region == nil {
		return nil, 0, fmt.Errorf("store through dead region")
	}
	if CanStore(container.Region, value.Region) {
		container.Refs = append(container.Refs, value)
		return value, RepairTransmigrate, nil
	}
	switch p.Choose(value.Region, retainSafe) {
	case RepairRetain:
		Retain(value.Region)
		container.Refs = append(container.Refs, value)
		return value, RepairRetain, nil
	default:
		moved, err := Transmigrate(value, value.Region, container.Region)
		if err != nil {
			return nil, 0, err
		}
		container.Refs = append(container.Refs, moved)
		return moved, RepairTransmigrate, nil
	}
}
