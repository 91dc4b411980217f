package codegen

import (
	"fmt"
	"strings"
)

// OptimizationStats counts the generator's memory-management decisions.
// The region, borrow, tether and escape-repair counters count
// operations the emitted program performs; the RC, static-cycle and
// purity counters count operations it does not perform at runtime.
// Printed by the CLI under -v.
type OptimizationStats struct {
	// Region engine
	RegionsCreated int
	RegionsFlushed int

	// Borrows and tethering
	BorrowRefCreated int
	TetheredVars     int

	// Escape repair
	Transmigrations int
	Retains         int

	// RC traffic avoided
	RCIncElided int
	RCDecElided int

	// Static cycles freed as a group (no runtime symmetric RC)
	StaticCycleGroups int

	// Purity-driven check elision
	PurityChecksSkipped int
}

// NewOptimizationStats creates a zeroed tracker.
func NewOptimizationStats() *OptimizationStats {
	return &OptimizationStats{}
}

// TotalSavings sums the avoided runtime operations.
func (s *OptimizationStats) TotalSavings() int {
	return s.RCIncElided + s.RCDecElided + s.PurityChecksSkipped +
		s.StaticCycleGroups
}

// String renders the report.
func (s *OptimizationStats) String() string {
	var sb strings.Builder
	sb.WriteString("=== Compilation statistics ===\n")
	fmt.Fprintf(&sb, "Regions:        %d created, %d flushed at scope exit\n",
		s.RegionsCreated, s.RegionsFlushed)
	fmt.Fprintf(&sb, "Borrows:        %d capture borrows, %d tethered calls\n",
		s.BorrowRefCreated, s.TetheredVars)
	fmt.Fprintf(&sb, "Escape repair:  %d transmigrate sites, %d retain sites\n",
		s.Transmigrations, s.Retains)
	fmt.Fprintf(&sb, "RC elided:      %d inc, %d dec\n", s.RCIncElided, s.RCDecElided)
	fmt.Fprintf(&sb, "Static cycles:  %d groups freed at compile-time points\n",
		s.StaticCycleGroups)
	fmt.Fprintf(&sb, "Purity:         %d checks skipped\n", s.PurityChecksSkipped)
	return sb.String()
}

// Summary is the one-line variant.
func (s *OptimizationStats) Summary() string {
	return fmt.Sprintf("%d regions, %d borrows, %d RC ops elided",
		s.RegionsCreated, s.BorrowRefCreated, s.RCIncElided+s.RCDecElided)
}

// Merge folds another tracker into this one.
func (s *OptimizationStats) Merge(other *OptimizationStats) {
	if other == nil {
		return
	}
	s.RegionsCreated += other.RegionsCreated
	s.RegionsFlushed += other.RegionsFlushed
	s.BorrowRefCreated += other.BorrowRefCreated
	s.TetheredVars += other.TetheredVars
	s.Transmigrations += other.Transmigrations
	s.Retains += other.Retains
	s.RCIncElided += other.RCIncElided
	s.RCDecElided += other.RCDecElided
	s.StaticCycleGroups += other.StaticCycleGroups
	s.PurityChecksSkipped += other.PurityChecksSkipped
}
