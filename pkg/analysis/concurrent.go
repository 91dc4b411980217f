package analysis

import (
	"fmt"

	"github.com/omnilisp/omni/pkg/ast"
)

// ThreadLocality classifies how a value crosses (or fails to cross)
// thread boundaries. Values may only cross through ownership transfer
// (the receiving thread adopts the region), transmigration on send,
// or atoms; there is no implicit sharing of mutable cells.
type ThreadLocality int

const (
	LocalityUnknown     ThreadLocality = iota
	LocalityThreadLocal                // never leaves the creating thread
	LocalityShared                     // visible from several threads; atomic RC
	LocalityTransferred                // handed to another thread wholesale
)

func (l ThreadLocality) String() string {
	switch l {
	case LocalityThreadLocal:
		return "thread-local"
	case LocalityShared:
		return "shared"
	case LocalityTransferred:
		return "transferred"
	default:
		return "unknown"
	}
}

// TransferPoint records where a value crosses a thread boundary and
// which mechanism carries it.
type TransferPoint struct {
	Value     string
	Mechanism string // "spawn-capture", "atom", "transfer"
	Point     int
}

// ConcurrencyContext holds the per-variable locality table.
type ConcurrencyContext struct {
	Locality   map[string]ThreadLocality
	Atoms      map[string]bool
	Transfers  []*TransferPoint
	InSpawn    bool
	FiberDepth int
	point      int
}

// NewConcurrencyContext creates an empty locality table.
func NewConcurrencyContext() *ConcurrencyContext {
	return &ConcurrencyContext{
		Locality: make(map[string]ThreadLocality),
		Atoms:    make(map[string]bool),
	}
}

func (ctx *ConcurrencyContext) nextPoint() int {
	ctx.point++
	return ctx.point
}

// MarkThreadLocal records a value as confined to its creating thread.
func (ctx *ConcurrencyContext) MarkThreadLocal(name string) {
	if ctx.Locality[name] == LocalityUnknown {
		ctx.Locality[name] = LocalityThreadLocal
	}
}

// MarkShared upgrades a value to cross-thread visibility.
func (ctx *ConcurrencyContext) MarkShared(name string) {
	ctx.Locality[name] = LocalityShared
}

// MarkTransferred records a wholesale ownership hand-off.
func (ctx *ConcurrencyContext) MarkTransferred(name string) {
	ctx.Locality[name] = LocalityTransferred
	ctx.Transfers = append(ctx.Transfers, &TransferPoint{
		Value:     name,
		Mechanism: "transfer",
		Point:     ctx.nextPoint(),
	})
}

// RegisterAtom records that name holds an atom: its cell contents are
// CAS-updated shared state.
func (ctx *ConcurrencyContext) RegisterAtom(name string) {
	ctx.Atoms[name] = true
	ctx.MarkShared(name)
	ctx.Transfers = append(ctx.Transfers, &TransferPoint{
		Value:     name,
		Mechanism: "atom",
		Point:     ctx.nextPoint(),
	})
}

// GetLocality looks up a value's classification.
func (ctx *ConcurrencyContext) GetLocality(name string) ThreadLocality {
	return ctx.Locality[name]
}

// NeedsAtomicRC reports whether RC traffic on name must use the
// atomic macros: anything shared or transferred does, thread-local
// values use plain increments.
func (ctx *ConcurrencyContext) NeedsAtomicRC(name string) bool {
	switch ctx.Locality[name] {
	case LocalityShared, LocalityTransferred:
		return true
	default:
		return false
	}
}

// Summary prints the transfer table for verbose diagnostics.
func (ctx *ConcurrencyContext) Summary() string {
	out := ""
	for _, t := range ctx.Transfers {
		out += fmt.Sprintf("  %s via %s @%d\n", t.Value, t.Mechanism, t.Point)
	}
	return out
}

// ConcurrencyAnalyzer walks an expanded AST classifying thread
// locality. Closures captured by a spawned fiber propagate "shared"
// to every captured variable; with-fibers scopes join their fibers,
// so bindings used only inside the scope stay thread-local.
type ConcurrencyAnalyzer struct {
	Ctx    *ConcurrencyContext
	scopes []map[string]bool
}

// NewConcurrencyAnalyzer creates an analyzer with a fresh context.
func NewConcurrencyAnalyzer() *ConcurrencyAnalyzer {
	return &ConcurrencyAnalyzer{
		Ctx:    NewConcurrencyContext(),
		scopes: []map[string]bool{{}},
	}
}

func (ca *ConcurrencyAnalyzer) pushScope() { ca.scopes = append(ca.scopes, map[string]bool{}) }
func (ca *ConcurrencyAnalyzer) popScope()  { ca.scopes = ca.scopes[:len(ca.scopes)-1] }

func (ca *ConcurrencyAnalyzer) addVar(name string) {
	ca.scopes[len(ca.scopes)-1][name] = true
	ca.Ctx.MarkThreadLocal(name)
}

// IsInScope reports whether name is bound in any enclosing scope.
func (ca *ConcurrencyAnalyzer) IsInScope(name string) bool {
	for i := len(ca.scopes) - 1; i >= 0; i-- {
		if ca.scopes[i][name] {
			return true
		}
	}
	return false
}

// Analyze classifies every binding reachable from expr.
func (ca *ConcurrencyAnalyzer) Analyze(expr *ast.Value) {
	ca.walk(expr)
}

func (ca *ConcurrencyAnalyzer) walk(expr *ast.Value) {
	if expr == nil || ast.IsNil(expr) || !ast.IsCell(expr) {
		return
	}
	if ast.IsSym(expr.Car) {
		switch expr.Car.Str {
		case "quote", "syntax-quote":
			return
		case "spawn", "spawn-thread":
			ca.walkSpawn(expr.Cdr)
			return
		case "with-fibers":
			ca.Ctx.FiberDepth++
			for rest := expr.Cdr; ast.IsCell(rest); rest = rest.Cdr {
				ca.walk(rest.Car)
			}
			ca.Ctx.FiberDepth--
			return
		case "atom":
			for rest := expr.Cdr; ast.IsCell(rest); rest = rest.Cdr {
				ca.walk(rest.Car)
			}
			return
		case "let", "let*", "letrec":
			ca.walkLet(expr.Cdr)
			return
		case "lambda":
			ca.walkLambdaBody(expr)
			return
		}
	}
	ca.walk(expr.Car)
	for rest := expr.Cdr; ast.IsCell(rest); rest = rest.Cdr {
		ca.walk(rest.Car)
	}
}

// walkSpawn marks every in-scope free variable of the spawned body as
// shared: the fiber may outlive any particular read.
func (ca *ConcurrencyAnalyzer) walkSpawn(body *ast.Value) {
	if !ast.IsCell(body) {
		return
	}
	wasIn := ca.Ctx.InSpawn
	ca.Ctx.InSpawn = true
	for _, fv := range FindFreeVars(body.Car, map[string]bool{}) {
		if ca.IsInScope(fv) {
			ca.Ctx.MarkShared(fv)
			ca.Ctx.Transfers = append(ca.Ctx.Transfers, &TransferPoint{
				Value:     fv,
				Mechanism: "spawn-capture",
				Point:     ca.Ctx.nextPoint(),
			})
		}
	}
	ca.walk(body.Car)
	ca.Ctx.InSpawn = wasIn
}

func (ca *ConcurrencyAnalyzer) walkLet(args *ast.Value) {
	if !ast.IsCell(args) {
		return
	}
	ca.pushScope()
	defer ca.popScope()
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		bind := rest.Car
		if !ast.IsCell(bind) || !ast.IsSym(bind.Car) {
			continue
		}
		name := bind.Car.Str
		rhs := bind.Cdr.Car
		ca.walk(rhs)
		ca.addVar(name)
		if ast.IsCell(rhs) && ast.SymEqStr(rhs.Car, "atom") {
			ca.Ctx.RegisterAtom(name)
		}
		if ca.Ctx.InSpawn {
			// Allocations inside a spawned fiber belong to it.
			ca.Ctx.MarkThreadLocal(name)
		}
	}
	for body := args.Cdr; ast.IsCell(body); body = body.Cdr {
		ca.walk(body.Car)
	}
}

func (ca *ConcurrencyAnalyzer) walkLambdaBody(lambda *ast.Value) {
	args := lambda.Cdr
	if !ast.IsCell(args) {
		return
	}
	ca.pushScope()
	defer ca.popScope()
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		if ast.IsSym(rest.Car) {
			ca.addVar(rest.Car.Str)
		}
	}
	if ast.IsCell(args.Cdr) {
		ca.walk(args.Cdr.Car)
	}
}

// FindFreeVars returns the symbols expr references that bound does not
// cover. Quoted forms are opaque.
func FindFreeVars(expr *ast.Value, bound map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(e *ast.Value, local map[string]bool)
	walk = func(e *ast.Value, local map[string]bool) {
		if e == nil || ast.IsNil(e) {
			return
		}
		switch e.Tag {
		case ast.TSym:
			if !local[e.Str] && !seen[e.Str] {
				seen[e.Str] = true
				out = append(out, e.Str)
			}
		case ast.TCell:
			if ast.IsSym(e.Car) {
				switch e.Car.Str {
				case "quote", "syntax-quote":
					return
				case "lambda":
					if ast.IsCell(e.Cdr) {
						inner := make(map[string]bool, len(local))
						for k := range local {
							inner[k] = true
						}
						for rest := e.Cdr.Car; ast.IsCell(rest); rest = rest.Cdr {
							if ast.IsSym(rest.Car) {
								inner[rest.Car.Str] = true
							}
						}
						if ast.IsCell(e.Cdr.Cdr) {
							walk(e.Cdr.Cdr.Car, inner)
						}
					}
					return
				}
			}
			walk(e.Car, local)
			walk(e.Cdr, local)
		case ast.TArray, ast.TTuple:
			for _, it := range e.Items {
				walk(it, local)
			}
		}
	}
	walk(expr, bound)
	return out
}
