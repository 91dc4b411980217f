package analysis

import (
	"github.com/omnilisp/omni/pkg/ast"
)

// OwnershipClass classifies who is responsible for a value's storage.
type OwnershipClass int

const (
	OwnerUnknown     OwnershipClass = iota
	OwnerLocal                      // owned by the defining scope, freed there
	OwnerBorrowed                   // a view; never freed by the holder
	OwnerTransferred                // moved to another binding or field
	OwnerShared                     // reference-counted, several holders
	OwnerWeak                       // non-owning back reference
	OwnerConsumed                   // callee took ownership at a call site
)

// OwnershipClassString returns the class's lowercase name.
func OwnershipClassString(c OwnershipClass) string {
	switch c {
	case OwnerLocal:
		return "local"
	case OwnerBorrowed:
		return "borrowed"
	case OwnerTransferred:
		return "transferred"
	case OwnerShared:
		return "shared"
	case OwnerWeak:
		return "weak"
	case OwnerConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// OwnershipInfo is one binding's ownership record.
type OwnershipInfo struct {
	VarName       string
	Class         OwnershipClass
	DefinedAt     int
	TransferredAt int // -1 while still held
	TransferredTo string
	ConsumedAt    int // -1 while not consumed by a callee
	ConsumedBy    string
	UseCount      int
	IsPure        bool // used only in read-only context; RC elidable
}

// FieldStrengthLookup answers whether a user-type field is weak
// without the analyzer importing the code generator's type registry.
type FieldStrengthLookup interface {
	IsFieldWeak(typeName, fieldName string) bool
}

// OwnershipContext derives ownership classes from binding structure:
// a let binding owns its value, a lambda parameter borrows, letrec
// bindings are shared (mutually visible), and binding one name to
// another transfers ownership from the source.
type OwnershipContext struct {
	Owners       map[string]*OwnershipInfo
	CurrentPoint int
	FieldLookup  FieldStrengthLookup
}

// NewOwnershipContext creates an ownership context.
func NewOwnershipContext(fields FieldStrengthLookup) *OwnershipContext {
	return &OwnershipContext{
		Owners:      make(map[string]*OwnershipInfo),
		FieldLookup: fields,
	}
}

func (ctx *OwnershipContext) nextPoint() int {
	ctx.CurrentPoint++
	return ctx.CurrentPoint
}

func (ctx *OwnershipContext) define(name string, class OwnershipClass) *OwnershipInfo {
	info := &OwnershipInfo{
		VarName:       name,
		Class:         class,
		DefinedAt:     ctx.nextPoint(),
		TransferredAt: -1,
		ConsumedAt:    -1,
	}
	ctx.Owners[name] = info
	return info
}

// DefineOwned registers a locally-owned binding.
func (ctx *OwnershipContext) DefineOwned(name string) { ctx.define(name, OwnerLocal) }

// DefineBorrowed registers a borrowed binding (lambda parameter).
func (ctx *OwnershipContext) DefineBorrowed(name string) { ctx.define(name, OwnerBorrowed) }

// DefineShared registers a shared binding (letrec).
func (ctx *OwnershipContext) DefineShared(name string) { ctx.define(name, OwnerShared) }

// DefineFromFieldAccess registers a binding produced by a field read;
// weak fields yield weak bindings.
func (ctx *OwnershipContext) DefineFromFieldAccess(name, typeName, fieldName string) {
	class := OwnerLocal
	if ctx.FieldLookup != nil && ctx.FieldLookup.IsFieldWeak(typeName, fieldName) {
		class = OwnerWeak
	}
	ctx.define(name, class)
}

// TransferOwnership moves a local binding's ownership to another name.
func (ctx *OwnershipContext) TransferOwnership(from, to string) {
	if info := ctx.Owners[from]; info != nil && info.Class == OwnerLocal {
		info.Class = OwnerTransferred
		info.TransferredAt = ctx.nextPoint()
		info.TransferredTo = to
	}
}

// ShareOwnership upgrades a local binding to shared.
func (ctx *OwnershipContext) ShareOwnership(name string) {
	if info := ctx.Owners[name]; info != nil && info.Class == OwnerLocal {
		info.Class = OwnerShared
	}
}

// ConsumeOwnership marks a binding as taken by a callee.
func (ctx *OwnershipContext) ConsumeOwnership(name, consumer string) {
	if info := ctx.Owners[name]; info != nil &&
		(info.Class == OwnerLocal || info.Class == OwnerShared) {
		info.ConsumedAt = ctx.nextPoint()
		info.ConsumedBy = consumer
	}
}

// GetOwnership looks up a binding's record.
func (ctx *OwnershipContext) GetOwnership(name string) *OwnershipInfo {
	return ctx.Owners[name]
}

// MarkAsPure flags a binding as used only in read-only context.
func (ctx *OwnershipContext) MarkAsPure(name string) {
	if info := ctx.Owners[name]; info != nil {
		info.IsPure = true
	}
}

// IncrementUseCount counts one more use of name.
func (ctx *OwnershipContext) IncrementUseCount(name string) {
	if info := ctx.Owners[name]; info != nil {
		info.UseCount++
	}
}

// IsSingleUse reports a binding used exactly once; single-use values
// skip RC entirely.
func (ctx *OwnershipContext) IsSingleUse(name string) bool {
	info := ctx.Owners[name]
	return info != nil && info.UseCount == 1
}

// ShouldFree reports whether the binding's scope must release it.
func (ctx *OwnershipContext) ShouldFree(name string) bool {
	info := ctx.Owners[name]
	if info == nil || info.ConsumedAt >= 0 {
		return false
	}
	return info.Class == OwnerLocal || info.Class == OwnerShared
}

// NeedsIncRef reports whether passing name to a callee with the given
// parameter ownership requires a retain first.
func (ctx *OwnershipContext) NeedsIncRef(name string, paramOwnership OwnershipClass) bool {
	if paramOwnership == OwnerBorrowed || paramOwnership == OwnerConsumed {
		return false
	}
	if info := ctx.Owners[name]; info != nil && info.IsPure {
		return false
	}
	return paramOwnership == OwnerShared
}

// NeedsDecRef reports whether the binding needs a release at scope
// exit.
func (ctx *OwnershipContext) NeedsDecRef(name string) bool {
	info := ctx.Owners[name]
	if info == nil || info.ConsumedAt >= 0 || info.IsPure {
		return false
	}
	return info.Class == OwnerLocal || info.Class == OwnerShared
}

// AnalyzeOwnership walks an expression deriving ownership for every
// binding form it contains.
func (ctx *OwnershipContext) AnalyzeOwnership(expr *ast.Value) {
	if expr == nil || ast.IsNil(expr) || !ast.IsCell(expr) {
		if ast.IsSym(expr) {
			ctx.IncrementUseCount(expr.Str)
		}
		return
	}
	head := expr.Car
	args := expr.Cdr
	if ast.IsSym(head) {
		switch head.Str {
		case "quote", "syntax-quote":
			return
		case "let", "let*":
			ctx.analyzeLet(args, false)
			return
		case "letrec":
			ctx.analyzeLet(args, true)
			return
		case "lambda":
			ctx.analyzeLambda(args)
			return
		case "set!":
			ctx.analyzeSet(args)
			return
		case "cons", "mk-pair", "array-push!", "dict-set!", "set-box!":
			// Constructor arguments become reachable from the new
			// object; a bare variable argument is shared into it.
			for rest := args; ast.IsCell(rest); rest = rest.Cdr {
				if ast.IsSym(rest.Car) {
					ctx.IncrementUseCount(rest.Car.Str)
					ctx.ShareOwnership(rest.Car.Str)
				} else {
					ctx.AnalyzeOwnership(rest.Car)
				}
			}
			return
		}
	}
	ctx.AnalyzeOwnership(head)
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		ctx.AnalyzeOwnership(rest.Car)
	}
}

func (ctx *OwnershipContext) analyzeLet(args *ast.Value, rec bool) {
	if !ast.IsCell(args) {
		return
	}
	if rec {
		for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
			if bind := rest.Car; ast.IsCell(bind) && ast.IsSym(bind.Car) {
				ctx.DefineShared(bind.Car.Str)
			}
		}
	}
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		bind := rest.Car
		if !ast.IsCell(bind) || !ast.IsSym(bind.Car) {
			continue
		}
		rhs := bind.Cdr.Car
		ctx.AnalyzeOwnership(rhs)
		if !rec {
			ctx.DefineOwned(bind.Car.Str)
			// Binding a name to another bound name transfers
			// ownership; the source keeps only a moved-out record.
			if ast.IsSym(rhs) {
				ctx.TransferOwnership(rhs.Str, bind.Car.Str)
			}
		}
	}
	for body := args.Cdr; ast.IsCell(body); body = body.Cdr {
		ctx.AnalyzeOwnership(body.Car)
	}
}

func (ctx *OwnershipContext) analyzeLambda(args *ast.Value) {
	if !ast.IsCell(args) {
		return
	}
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		if ast.IsSym(rest.Car) {
			ctx.DefineBorrowed(rest.Car.Str)
		}
	}
	if ast.IsCell(args.Cdr) {
		ctx.AnalyzeOwnership(args.Cdr.Car)
	}
}

func (ctx *OwnershipContext) analyzeSet(args *ast.Value) {
	if !ast.IsCell(args) || !ast.IsCell(args.Cdr) {
		return
	}
	ctx.AnalyzeOwnership(args.Cdr.Car)
	if ast.IsSym(args.Car) && ast.IsSym(args.Cdr.Car) {
		ctx.TransferOwnership(args.Cdr.Car.Str, args.Car.Str)
	}
}
