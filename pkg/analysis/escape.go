package analysis

import "github.com/omnilisp/omni/pkg/ast"

// EscapeClass is the tightest-bound scope a value is visible from.
// The join order is EscapeNone < EscapeArg < EscapeReturn/EscapeClosure
// < EscapeGlobal.
type EscapeClass int

const (
	EscapeNone EscapeClass = iota
	EscapeArg
	EscapeReturn
	EscapeClosure
	EscapeGlobal
)

func (e EscapeClass) String() string {
	switch e {
	case EscapeNone:
		return "none"
	case EscapeArg:
		return "arg"
	case EscapeReturn:
		return "return"
	case EscapeClosure:
		return "closure"
	case EscapeGlobal:
		return "global"
	default:
		return "?"
	}
}

// EscapeJoin combines two classifications; return and closure sit at
// the same rank, so joining them keeps the left operand.
func EscapeJoin(a, b EscapeClass) EscapeClass {
	rank := func(e EscapeClass) int {
		switch e {
		case EscapeNone:
			return 0
		case EscapeArg:
			return 1
		case EscapeReturn, EscapeClosure:
			return 2
		default:
			return 3
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// VarUsage is the analyzer's per-variable annotation record: escape
// classification, ownership, shape, lifetime endpoints in the CFG's
// program-point numbering, and the flags the region engine and code
// generator consult.
type VarUsage struct {
	Name             string
	Escape           EscapeClass
	Ownership        OwnershipClass
	Shape            Shape
	CapturedByLambda bool
	MustFree         bool
	IsStaticSCC      bool
	Tethered         bool
	FirstDef         int
	LastUse          int
	UseCount         int
}

// AnalysisContext runs escape analysis over an expanded AST. The
// classification is the join across all uses; letrec bindings start at
// EscapeGlobal because they are mutually visible.
type AnalysisContext struct {
	Vars map[string]*VarUsage
	pos  int
}

// NewAnalysisContext creates an empty escape-analysis context.
func NewAnalysisContext() *AnalysisContext {
	return &AnalysisContext{Vars: make(map[string]*VarUsage)}
}

// AddVar registers a variable for tracking.
func (ctx *AnalysisContext) AddVar(name string) *VarUsage {
	if u, ok := ctx.Vars[name]; ok {
		return u
	}
	u := &VarUsage{Name: name, FirstDef: ctx.pos, LastUse: -1}
	ctx.Vars[name] = u
	return u
}

// FindVar looks up a tracked variable.
func (ctx *AnalysisContext) FindVar(name string) *VarUsage {
	return ctx.Vars[name]
}

func (ctx *AnalysisContext) tick() int {
	ctx.pos++
	return ctx.pos
}

func (ctx *AnalysisContext) touch(name string) {
	if u, ok := ctx.Vars[name]; ok {
		u.UseCount++
		u.LastUse = ctx.tick()
	}
}

// AnalyzeExpr walks expr recording uses, first-defs and last-uses for
// every tracked variable.
func (ctx *AnalysisContext) AnalyzeExpr(expr *ast.Value) {
	if expr == nil || ast.IsNil(expr) {
		return
	}
	switch expr.Tag {
	case ast.TSym:
		ctx.touch(expr.Str)
	case ast.TCell:
		if ast.SymEqStr(expr.Car, "quote") || ast.SymEqStr(expr.Car, "syntax-quote") {
			return
		}
		if ast.SymEqStr(expr.Car, "lambda") {
			ctx.markCaptured(expr)
		}
		ctx.AnalyzeExpr(expr.Car)
		for rest := expr.Cdr; ast.IsCell(rest); rest = rest.Cdr {
			ctx.AnalyzeExpr(rest.Car)
		}
	case ast.TArray, ast.TTuple:
		for _, it := range expr.Items {
			ctx.AnalyzeExpr(it)
		}
	case ast.TDict:
		for i := range expr.Keys {
			ctx.AnalyzeExpr(expr.Keys[i])
			ctx.AnalyzeExpr(expr.Vals[i])
		}
	}
}

// AnalyzeEscape classifies expr's variables under the given result
// class: expr's value flows somewhere of class `to`, so the variables
// that directly produce it join with `to`, and sub-positions get the
// class their context imposes.
func (ctx *AnalysisContext) AnalyzeEscape(expr *ast.Value, to EscapeClass) {
	if expr == nil || ast.IsNil(expr) {
		return
	}
	switch expr.Tag {
	case ast.TSym:
		if u, ok := ctx.Vars[expr.Str]; ok {
			u.Escape = EscapeJoin(u.Escape, to)
		}
	case ast.TCell:
		ctx.analyzeEscapeForm(expr, to)
	case ast.TArray, ast.TTuple:
		for _, it := range expr.Items {
			ctx.AnalyzeEscape(it, EscapeJoin(to, EscapeArg))
		}
	case ast.TDict:
		for i := range expr.Keys {
			ctx.AnalyzeEscape(expr.Keys[i], EscapeJoin(to, EscapeArg))
			ctx.AnalyzeEscape(expr.Vals[i], EscapeJoin(to, EscapeArg))
		}
	}
}

func (ctx *AnalysisContext) analyzeEscapeForm(expr *ast.Value, to EscapeClass) {
	head := expr.Car
	args := expr.Cdr
	if ast.IsSym(head) {
		switch head.Str {
		case "quote", "syntax-quote":
			return
		case "lambda":
			// Everything the lambda captures escapes into the closure.
			ctx.markCaptured(expr)
			return
		case "if":
			if ast.IsCell(args) {
				ctx.AnalyzeEscape(args.Car, EscapeNone)
				if ast.IsCell(args.Cdr) {
					ctx.AnalyzeEscape(args.Cdr.Car, to)
					if ast.IsCell(args.Cdr.Cdr) {
						ctx.AnalyzeEscape(args.Cdr.Cdr.Car, to)
					}
				}
			}
			return
		case "let", "let*":
			ctx.analyzeEscapeLet(args, to, false)
			return
		case "letrec":
			ctx.analyzeEscapeLet(args, to, true)
			return
		case "begin", "do":
			for rest := args; ast.IsCell(rest); rest = rest.Cdr {
				if ast.IsNil(rest.Cdr) {
					ctx.AnalyzeEscape(rest.Car, to)
				} else {
					ctx.AnalyzeEscape(rest.Car, EscapeNone)
				}
			}
			return
		case "set!":
			// Storing into a cell: the value joins the target's class.
			if ast.IsCell(args) && ast.IsCell(args.Cdr) {
				target := EscapeGlobal
				if ast.IsSym(args.Car) {
					if u, ok := ctx.Vars[args.Car.Str]; ok {
						target = EscapeJoin(u.Escape, EscapeArg)
					}
				}
				ctx.AnalyzeEscape(args.Cdr.Car, target)
			}
			return
		case "define":
			// Top-level stores are global.
			if ast.IsCell(args) && ast.IsCell(args.Cdr) {
				ctx.AnalyzeEscape(args.Cdr.Car, EscapeGlobal)
			}
			return
		case "cons", "mk-pair", "array-set!", "dict-set!", "set-box!", "box":
			// Constructors promote their arguments to at least arg.
			for rest := args; ast.IsCell(rest); rest = rest.Cdr {
				ctx.AnalyzeEscape(rest.Car, EscapeJoin(to, EscapeArg))
			}
			return
		}
	}
	// Ordinary call: passing a value to a callee does not by itself
	// make it escape; an argument escapes as far as the call's result
	// does, since the callee may return it.
	ctx.AnalyzeEscape(head, EscapeNone)
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		ctx.AnalyzeEscape(rest.Car, to)
	}
}

func (ctx *AnalysisContext) analyzeEscapeLet(args *ast.Value, to EscapeClass, rec bool) {
	if !ast.IsCell(args) {
		return
	}
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		bind := rest.Car
		if !ast.IsCell(bind) || !ast.IsSym(bind.Car) {
			continue
		}
		u := ctx.AddVar(bind.Car.Str)
		if rec {
			// Mutually visible bindings are conservatively global.
			u.Escape = EscapeGlobal
		}
		if ast.IsCell(bind.Cdr) {
			ctx.AnalyzeEscape(bind.Cdr.Car, EscapeNone)
		}
	}
	for body := args.Cdr; ast.IsCell(body); body = body.Cdr {
		if ast.IsNil(body.Cdr) {
			ctx.AnalyzeEscape(body.Car, to)
		} else {
			ctx.AnalyzeEscape(body.Car, EscapeNone)
		}
	}
}

// markCaptured flags every tracked free variable of a lambda as
// closure-captured.
func (ctx *AnalysisContext) markCaptured(lambda *ast.Value) {
	args := lambda.Cdr
	if !ast.IsCell(args) {
		return
	}
	bound := make(map[string]bool)
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		if ast.IsSym(rest.Car) {
			bound[rest.Car.Str] = true
		}
	}
	var walk func(e *ast.Value)
	walk = func(e *ast.Value) {
		if e == nil || ast.IsNil(e) {
			return
		}
		switch e.Tag {
		case ast.TSym:
			if bound[e.Str] {
				return
			}
			if u, ok := ctx.Vars[e.Str]; ok {
				u.CapturedByLambda = true
				u.Escape = EscapeJoin(u.Escape, EscapeClosure)
			}
		case ast.TCell:
			if ast.SymEqStr(e.Car, "quote") {
				return
			}
			walk(e.Car)
			walk(e.Cdr)
		case ast.TArray, ast.TTuple:
			for _, it := range e.Items {
				walk(it)
			}
		}
	}
	if ast.IsCell(args.Cdr) {
		walk(args.Cdr.Car)
	}
}

// AnalyzeReturn classifies expr as flowing to the function's return.
func (ctx *AnalysisContext) AnalyzeReturn(expr *ast.Value) {
	ctx.AnalyzeEscape(expr, EscapeReturn)
}
