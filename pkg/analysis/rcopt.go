package analysis

import (
	"fmt"

	"github.com/omnilisp/omni/pkg/ast"
)

// RC elision. RC only exists at region rank in this compiler, but the
// same uniqueness reasoning pays twice: a provably unique value needs
// no capture-borrow validation when a closure takes it, and its
// region's retain/release pair at a call boundary can be dropped
// entirely. The propagation is syntactic: fresh allocations start
// unique, binding a name to an existing name aliases both sides out
// of uniqueness, lambda parameters are borrowed views.

// RCOptimization names what happened to one would-be RC operation.
type RCOptimization int

const (
	RCOptNone RCOptimization = iota
	RCOptElideIncRef
	RCOptElideDecRef
	RCOptDirectFree // proven unique: release without counting
)

// RCOptInfo is one variable's uniqueness record.
type RCOptInfo struct {
	VarName    string
	IsUnique   bool
	IsBorrowed bool
	IsConsumed bool
	AliasOf    string
	Aliases    []string
	DefinedAt  int
	LastUsedAt int
}

// RCStats counts elided operations for the -v report.
type RCStats struct {
	TotalOps      int
	EliminatedOps int
	UniqueSkips   int
	BorrowSkips   int
	TransferSkips int
}

// RCOptContext holds the uniqueness table for one program.
type RCOptContext struct {
	Vars  map[string]*RCOptInfo
	Stats RCStats
	point int
}

// NewRCOptContext creates an empty table.
func NewRCOptContext() *RCOptContext {
	return &RCOptContext{Vars: make(map[string]*RCOptInfo)}
}

func (ctx *RCOptContext) nextPoint() int {
	ctx.point++
	return ctx.point
}

func (ctx *RCOptContext) define(name string) *RCOptInfo {
	info := &RCOptInfo{VarName: name, DefinedAt: ctx.nextPoint()}
	ctx.Vars[name] = info
	return info
}

// DefineVar registers a binding to a fresh allocation: unique.
func (ctx *RCOptContext) DefineVar(name string) *RCOptInfo {
	info := ctx.define(name)
	info.IsUnique = true
	return info
}

// DefineVarNonUnique registers a binding whose provenance is unknown.
func (ctx *RCOptContext) DefineVarNonUnique(name string) *RCOptInfo {
	return ctx.define(name)
}

// DefineBorrowed registers a borrowed view (lambda parameter).
func (ctx *RCOptContext) DefineBorrowed(name string) *RCOptInfo {
	info := ctx.define(name)
	info.IsBorrowed = true
	return info
}

// DefineAlias registers name as another reference to aliasOf; both
// sides stop being unique, and the alias's retain is elided because
// the original already counts.
func (ctx *RCOptContext) DefineAlias(name, aliasOf string) *RCOptInfo {
	info := ctx.define(name)
	info.AliasOf = aliasOf
	if orig := ctx.Vars[aliasOf]; orig != nil {
		orig.IsUnique = false
		orig.Aliases = append(orig.Aliases, name)
		info.IsBorrowed = orig.IsBorrowed
	}
	ctx.Stats.TotalOps++
	ctx.Stats.EliminatedOps++
	return info
}

// MarkUnique asserts uniqueness (constructor results).
func (ctx *RCOptContext) MarkUnique(name string) {
	if info := ctx.Vars[name]; info != nil {
		info.IsUnique = true
	}
}

// IsUnique reports whether name is provably the only reference.
func (ctx *RCOptContext) IsUnique(name string) bool {
	info := ctx.Vars[name]
	return info != nil && info.IsUnique
}

// MarkBorrowed records a borrow of source (through field access).
func (ctx *RCOptContext) MarkBorrowed(borrowed, source, field string) {
	info := ctx.Vars[borrowed]
	if info == nil {
		info = ctx.define(borrowed)
	}
	info.IsBorrowed = true
	info.AliasOf = source
	if orig := ctx.Vars[source]; orig != nil {
		orig.IsUnique = false
	}
}

// IsBorrowed reports a borrowed view.
func (ctx *RCOptContext) IsBorrowed(name string) bool {
	info := ctx.Vars[name]
	return info != nil && info.IsBorrowed
}

// MarkConsumed records that a callee took ownership.
func (ctx *RCOptContext) MarkConsumed(name string) {
	if info := ctx.Vars[name]; info != nil {
		info.IsConsumed = true
	}
}

// IsConsumed reports callee-taken ownership.
func (ctx *RCOptContext) IsConsumed(name string) bool {
	info := ctx.Vars[name]
	return info != nil && info.IsConsumed
}

// TransferUniqueness moves source's uniqueness to dest (move
// semantics of binding a name to a bound name in tail position).
func (ctx *RCOptContext) TransferUniqueness(source, dest string) {
	src := ctx.Vars[source]
	dst := ctx.Vars[dest]
	if src == nil || dst == nil {
		return
	}
	dst.IsUnique = src.IsUnique
	src.IsUnique = false
	src.IsConsumed = true
	ctx.Stats.TotalOps++
	ctx.Stats.EliminatedOps++
	ctx.Stats.TransferSkips++
}

// MarkUsed stamps a use point for last-use ordering among aliases.
func (ctx *RCOptContext) MarkUsed(name string) {
	if info := ctx.Vars[name]; info != nil {
		info.LastUsedAt = ctx.nextPoint()
	}
}

// GetOptimizedIncRef decides the retain at a use of name.
func (ctx *RCOptContext) GetOptimizedIncRef(name string) RCOptimization {
	info := ctx.Vars[name]
	ctx.Stats.TotalOps++
	if info == nil {
		return RCOptNone
	}
	if info.IsBorrowed {
		ctx.Stats.EliminatedOps++
		ctx.Stats.BorrowSkips++
		return RCOptElideIncRef
	}
	if info.AliasOf != "" {
		if orig := ctx.Vars[info.AliasOf]; orig != nil && !orig.IsBorrowed {
			ctx.Stats.EliminatedOps++
			return RCOptElideIncRef
		}
	}
	return RCOptNone
}

// GetOptimizedDecRef decides the release at name's death.
func (ctx *RCOptContext) GetOptimizedDecRef(name string) RCOptimization {
	info := ctx.Vars[name]
	ctx.Stats.TotalOps++
	if info == nil {
		return RCOptNone
	}
	switch {
	case info.IsConsumed:
		ctx.Stats.EliminatedOps++
		ctx.Stats.TransferSkips++
		return RCOptElideDecRef
	case info.IsBorrowed:
		ctx.Stats.EliminatedOps++
		ctx.Stats.BorrowSkips++
		return RCOptElideDecRef
	}
	for _, alias := range info.Aliases {
		if a := ctx.Vars[alias]; a != nil && a.LastUsedAt > info.LastUsedAt {
			ctx.Stats.EliminatedOps++
			return RCOptElideDecRef
		}
	}
	if info.IsUnique {
		ctx.Stats.EliminatedOps++
		ctx.Stats.UniqueSkips++
		return RCOptDirectFree
	}
	return RCOptNone
}

// GetFreeFunction names the release strategy for name given its
// shape: unique values free directly, borrowed and consumed ones are
// not this scope's to free, everything else follows the shape.
func (ctx *RCOptContext) GetFreeFunction(name string, shape Shape) string {
	info := ctx.Vars[name]
	if info == nil {
		return ShapeFreeStrategy(shape)
	}
	if info.IsBorrowed || info.IsConsumed {
		return ""
	}
	if info.IsUnique {
		return "free_unique"
	}
	return ShapeFreeStrategy(shape)
}

// PropagateUniqueness walks an expression deriving the table.
func (ctx *RCOptContext) PropagateUniqueness(expr *ast.Value) {
	if expr == nil || !ast.IsCell(expr) {
		if ast.IsSym(expr) {
			ctx.MarkUsed(expr.Str)
		}
		return
	}
	if ast.IsSym(expr.Car) {
		switch expr.Car.Str {
		case "quote", "syntax-quote":
			return
		case "let", "let*", "letrec":
			ctx.propagateLet(expr.Cdr)
			return
		case "lambda":
			ctx.propagateLambda(expr.Cdr)
			return
		}
	}
	for rest := expr; ast.IsCell(rest); rest = rest.Cdr {
		ctx.PropagateUniqueness(rest.Car)
	}
}

func (ctx *RCOptContext) propagateLet(args *ast.Value) {
	if !ast.IsCell(args) {
		return
	}
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		bind := rest.Car
		if !ast.IsCell(bind) || !ast.IsSym(bind.Car) {
			continue
		}
		name := bind.Car.Str
		rhs := bind.Cdr.Car
		switch {
		case ctx.isFreshAllocation(rhs):
			ctx.DefineVar(name)
		case ast.IsSym(rhs):
			ctx.DefineAlias(name, rhs.Str)
		default:
			ctx.DefineVarNonUnique(name)
		}
		ctx.PropagateUniqueness(rhs)
	}
	for body := args.Cdr; ast.IsCell(body); body = body.Cdr {
		ctx.PropagateUniqueness(body.Car)
	}
}

func (ctx *RCOptContext) propagateLambda(args *ast.Value) {
	if !ast.IsCell(args) {
		return
	}
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		if ast.IsSym(rest.Car) {
			ctx.DefineBorrowed(rest.Car.Str)
		}
	}
	if ast.IsCell(args.Cdr) {
		ctx.PropagateUniqueness(args.Cdr.Car)
	}
}

func (ctx *RCOptContext) isFreshAllocation(expr *ast.Value) bool {
	if !ast.IsCell(expr) || !ast.IsSym(expr.Car) {
		return false
	}
	switch expr.Car.Str {
	case "cons", "list", "box", "array", "dict", "tuple", "atom", "lambda":
		return true
	}
	return len(expr.Car.Str) > 3 && expr.Car.Str[:3] == "mk-"
}

// Report renders the elision counters.
func (ctx *RCOptContext) Report() string {
	s := ctx.Stats
	return fmt.Sprintf("RC ops: %d considered, %d elided (%d unique, %d borrow, %d transfer)\n",
		s.TotalOps, s.EliminatedOps, s.UniqueSkips, s.BorrowSkips, s.TransferSkips)
}
