package analysis

import (
	"fmt"

	"github.com/omnilisp/omni/pkg/ast"
)

// Allocation reuse. Under region allocation most frees are bulk, but
// a free followed by a same-size allocation in the same scope can
// still reuse the slot in place instead of growing the arena. The
// analyzer pairs pending frees with later allocations by size class;
// the generator reads the result as hints, and the -v report shows
// what was found.

// ReusePattern classifies a free/alloc pairing.
type ReusePattern int

const (
	ReuseNone      ReusePattern = iota
	ReuseExact                  // same type, in-place reuse
	ReuseCompatible             // same size class, reuse with re-tag
)

func (r ReusePattern) String() string {
	switch r {
	case ReuseExact:
		return "exact"
	case ReuseCompatible:
		return "compatible"
	default:
		return "none"
	}
}

// ReuseCandidate is one pairable free/alloc site.
type ReuseCandidate struct {
	FreeVar   string
	AllocVar  string
	FreeType  string
	AllocType string
	Pattern   ReusePattern
	Line      int
}

// TypeSize maps type names to size classes.
type TypeSize struct {
	sizes map[string]int
}

// NewTypeSize builds the default size table.
func NewTypeSize() *TypeSize {
	return &TypeSize{sizes: map[string]int{
		"pair": 2, "box": 1, "closure": 3,
		"int": 1, "float": 1, "char": 1, "Obj": 2,
	}}
}

// GetSize returns a type's size class (0 when unknown).
func (ts *TypeSize) GetSize(typeName string) int {
	return ts.sizes[typeName]
}

// CanReuse classifies whether freed storage fits a new allocation.
func (ts *TypeSize) CanReuse(freeType, allocType string) ReusePattern {
	if freeType == allocType {
		return ReuseExact
	}
	fs, as := ts.GetSize(freeType), ts.GetSize(allocType)
	if fs > 0 && fs == as {
		return ReuseCompatible
	}
	return ReuseNone
}

// pendingFree is storage that died but has not been paired yet.
type pendingFree struct {
	name     string
	typeName string
	line     int
}

// ReuseContext pairs pending frees with allocations.
type ReuseContext struct {
	Sizes      *TypeSize
	Candidates []*ReuseCandidate
	Reuses     map[string]string // alloc var -> reused free var
	pending    []pendingFree
}

// NewReuseContext creates an empty pairing context.
func NewReuseContext() *ReuseContext {
	return &ReuseContext{
		Sizes:  NewTypeSize(),
		Reuses: make(map[string]string),
	}
}

// AddPendingFree records storage that just died.
func (ctx *ReuseContext) AddPendingFree(name, typeName string) {
	ctx.pending = append(ctx.pending, pendingFree{name: name, typeName: typeName})
}

// ClearPendingFrees drops unpaired frees (scope boundary).
func (ctx *ReuseContext) ClearPendingFrees() {
	ctx.pending = nil
}

// TryReuse pairs an allocation with the best pending free, consuming
// it. Exact type matches win over size-class matches.
func (ctx *ReuseContext) TryReuse(allocVar, allocType string, line int) *ReuseCandidate {
	best := -1
	bestPattern := ReuseNone
	for i, pf := range ctx.pending {
		p := ctx.Sizes.CanReuse(pf.typeName, allocType)
		if p == ReuseNone {
			continue
		}
		if best < 0 || (p == ReuseExact && bestPattern != ReuseExact) {
			best = i
			bestPattern = p
		}
	}
	if best < 0 {
		return nil
	}
	pf := ctx.pending[best]
	ctx.pending = append(ctx.pending[:best], ctx.pending[best+1:]...)
	cand := &ReuseCandidate{
		FreeVar:   pf.name,
		AllocVar:  allocVar,
		FreeType:  pf.typeName,
		AllocType: allocType,
		Pattern:   bestPattern,
		Line:      line,
	}
	ctx.Candidates = append(ctx.Candidates, cand)
	ctx.Reuses[allocVar] = pf.name
	return cand
}

// GetReuse returns the freed variable an allocation reuses.
func (ctx *ReuseContext) GetReuse(allocVar string) (string, bool) {
	v, ok := ctx.Reuses[allocVar]
	return v, ok
}

// WillBeReused reports whether a freed variable was paired.
func (ctx *ReuseContext) WillBeReused(freeVar string) bool {
	for _, v := range ctx.Reuses {
		if v == freeVar {
			return true
		}
	}
	return false
}

// ReuseAnalyzer walks an expression pairing scope-exit frees with
// later allocations.
type ReuseAnalyzer struct {
	Ctx    *ReuseContext
	scopes []map[string]string // var -> type
}

// NewReuseAnalyzer creates an analyzer with a fresh context.
func NewReuseAnalyzer() *ReuseAnalyzer {
	return &ReuseAnalyzer{
		Ctx:    NewReuseContext(),
		scopes: []map[string]string{make(map[string]string)},
	}
}

// PushScope enters a binding scope.
func (ra *ReuseAnalyzer) PushScope() {
	ra.scopes = append(ra.scopes, make(map[string]string))
}

// PopScope exits a scope; its bindings become pending frees.
func (ra *ReuseAnalyzer) PopScope() {
	if len(ra.scopes) <= 1 {
		return
	}
	scope := ra.scopes[len(ra.scopes)-1]
	for name, typeName := range scope {
		ra.Ctx.AddPendingFree(name, typeName)
	}
	ra.scopes = ra.scopes[:len(ra.scopes)-1]
}

// AddVar records a binding and its inferred type.
func (ra *ReuseAnalyzer) AddVar(name, typeName string) {
	ra.scopes[len(ra.scopes)-1][name] = typeName
}

// Analyze walks one top-level expression.
func (ra *ReuseAnalyzer) Analyze(expr *ast.Value) {
	ra.walk(expr)
}

func (ra *ReuseAnalyzer) walk(expr *ast.Value) {
	if expr == nil || !ast.IsCell(expr) {
		return
	}
	if ast.IsSym(expr.Car) {
		switch expr.Car.Str {
		case "quote", "syntax-quote":
			return
		case "let", "let*", "letrec":
			ra.walkLet(expr.Cdr)
			return
		case "cons":
			ra.Ctx.TryReuse("_cons", "pair", 0)
		case "box":
			ra.Ctx.TryReuse("_box", "box", 0)
		case "lambda":
			ra.Ctx.TryReuse("_closure", "closure", 0)
			if ast.IsCell(expr.Cdr) && ast.IsCell(expr.Cdr.Cdr) {
				ra.walk(expr.Cdr.Cdr.Car)
			}
			return
		}
	}
	for rest := expr; ast.IsCell(rest); rest = rest.Cdr {
		ra.walk(rest.Car)
	}
}

func (ra *ReuseAnalyzer) walkLet(args *ast.Value) {
	if !ast.IsCell(args) {
		return
	}
	ra.PushScope()
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		bind := rest.Car
		if !ast.IsCell(bind) || !ast.IsSym(bind.Car) {
			continue
		}
		ra.walk(bind.Cdr.Car)
		ra.AddVar(bind.Car.Str, inferAllocType(bind.Cdr))
	}
	for body := args.Cdr; ast.IsCell(body); body = body.Cdr {
		ra.walk(body.Car)
	}
	ra.PopScope()
}

func inferAllocType(cdr *ast.Value) string {
	if !ast.IsCell(cdr) {
		return "Obj"
	}
	init := cdr.Car
	switch {
	case ast.IsInt(init):
		return "int"
	case ast.IsFloat(init):
		return "float"
	case ast.IsChar(init):
		return "char"
	case ast.IsCell(init) && ast.IsSym(init.Car):
		switch init.Car.Str {
		case "cons", "list":
			return "pair"
		case "box":
			return "box"
		case "lambda":
			return "closure"
		}
	}
	return "Obj"
}

// GenerateReuseStats renders the pairing summary for -v.
func (ra *ReuseAnalyzer) GenerateReuseStats() string {
	return fmt.Sprintf("reuse: %d candidate pairings\n", len(ra.Ctx.Candidates))
}
