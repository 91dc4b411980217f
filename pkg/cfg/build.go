package cfg

import (
	"github.com/omnilisp/omni/pkg/ast"
)

// Builder lowers an expanded AST to a CFG. Special forms have
// prescribed shapes: `if` branches and re-joins, the let family opens
// a scoped straight-line block (letrec pre-defines every binding so
// mutual references resolve), `lambda` starts a nested function graph
// with its parameters pre-defined, `set!` records a def of its target.
type Builder struct {
	g     *Graph
	scope []map[string]bool
}

// Build lowers a top-level form sequence.
func Build(exprs []*ast.Value) *Graph {
	b := &Builder{g: NewGraph(), scope: []map[string]bool{{}}}
	cur := b.g.NewNode(KindStraight)
	b.g.Edge(b.g.Entry, cur)
	for _, e := range exprs {
		cur = b.lower(e, cur)
	}
	b.g.Exit = b.g.NewNode(KindExit)
	b.g.Edge(cur, b.g.Exit)
	return b.g
}

// BuildLambda lowers one lambda body with the given parameters.
func BuildLambda(params []string, body *ast.Value) *Graph {
	b := &Builder{g: NewGraph(), scope: []map[string]bool{{}}}
	b.g.Params = params
	cur := b.g.NewNode(KindStraight)
	b.g.Edge(b.g.Entry, cur)
	for _, p := range params {
		b.bind(p)
		b.g.addDef(cur, p)
	}
	cur = b.lower(body, cur)
	b.g.Exit = b.g.NewNode(KindExit)
	b.g.Edge(cur, b.g.Exit)
	return b.g
}

func (b *Builder) bind(name string) {
	b.scope[len(b.scope)-1][name] = true
}

func (b *Builder) bound(name string) bool {
	for i := len(b.scope) - 1; i >= 0; i-- {
		if b.scope[i][name] {
			return true
		}
	}
	return false
}

func (b *Builder) pushScope() { b.scope = append(b.scope, map[string]bool{}) }
func (b *Builder) popScope()  { b.scope = b.scope[:len(b.scope)-1] }

// lower lowers expr into the chain ending at cur and returns the new
// chain tail.
func (b *Builder) lower(expr *ast.Value, cur *Node) *Node {
	if expr == nil || ast.IsNil(expr) {
		return cur
	}
	switch expr.Tag {
	case ast.TSym:
		b.g.addUse(cur, expr.Str)
		return cur
	case ast.TCell:
		return b.lowerForm(expr, cur)
	case ast.TArray, ast.TTuple:
		for _, it := range expr.Items {
			cur = b.lower(it, cur)
		}
		return cur
	case ast.TDict:
		for i := range expr.Keys {
			cur = b.lower(expr.Keys[i], cur)
			cur = b.lower(expr.Vals[i], cur)
		}
		return cur
	default:
		// Immediates and literals occupy a point but touch no vars.
		b.g.tick(cur)
		return cur
	}
}

func (b *Builder) lowerForm(expr *ast.Value, cur *Node) *Node {
	head := expr.Car
	args := expr.Cdr
	if ast.IsSym(head) {
		switch head.Str {
		case "quote", "syntax-quote":
			b.g.tick(cur)
			return cur
		case "if":
			return b.lowerIf(args, cur)
		case "let", "let*":
			return b.lowerLet(args, cur, false)
		case "letrec":
			return b.lowerLet(args, cur, true)
		case "lambda":
			return b.lowerLambda(expr, cur)
		case "define":
			return b.lowerDefine(args, cur)
		case "set!":
			return b.lowerSet(args, cur)
		case "begin", "do":
			for rest := args; ast.IsCell(rest); rest = rest.Cdr {
				cur = b.lower(rest.Car, cur)
			}
			return cur
		}
	}
	// Application: operator then arguments, left to right.
	cur = b.lower(head, cur)
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		cur = b.lower(rest.Car, cur)
	}
	return cur
}

// lowerIf produces the prescribed branch/join diamond.
func (b *Builder) lowerIf(args *ast.Value, cur *Node) *Node {
	if !ast.IsCell(args) {
		return cur
	}
	cur = b.lower(args.Car, cur)

	branch := b.g.NewNode(KindBranch)
	branch.Form = args.Car
	b.g.Edge(cur, branch)
	b.g.tick(branch)

	thenEntry := b.g.NewNode(KindStraight)
	b.g.Edge(branch, thenEntry)
	thenExit := thenEntry
	if ast.IsCell(args.Cdr) {
		thenExit = b.lower(args.Cdr.Car, thenEntry)
	}

	elseEntry := b.g.NewNode(KindStraight)
	b.g.Edge(branch, elseEntry)
	elseExit := elseEntry
	if ast.IsCell(args.Cdr) && ast.IsCell(args.Cdr.Cdr) {
		elseExit = b.lower(args.Cdr.Cdr.Car, elseEntry)
	}

	join := b.g.NewNode(KindJoin)
	b.g.Edge(thenExit, join)
	b.g.Edge(elseExit, join)
	b.g.tick(join)
	return join
}

func (b *Builder) lowerLet(args *ast.Value, cur *Node, rec bool) *Node {
	if !ast.IsCell(args) {
		return cur
	}
	bindingsForm := args.Car
	b.pushScope()
	defer b.popScope()

	block := b.g.NewNode(KindStraight)
	b.g.Edge(cur, block)

	if rec {
		// letrec pre-defines every binding so RHS lambdas can refer
		// to each other.
		for rest := bindingsForm; ast.IsCell(rest); rest = rest.Cdr {
			if bind := rest.Car; ast.IsCell(bind) && ast.IsSym(bind.Car) {
				b.bind(bind.Car.Str)
				b.g.addDef(block, bind.Car.Str)
			}
		}
	}

	tail := block
	for rest := bindingsForm; ast.IsCell(rest); rest = rest.Cdr {
		bind := rest.Car
		if !ast.IsCell(bind) || !ast.IsSym(bind.Car) {
			continue
		}
		tail = b.lower(bind.Cdr.Car, tail)
		if !rec {
			b.bind(bind.Car.Str)
			b.g.addDef(tail, bind.Car.Str)
		}
	}

	for body := args.Cdr; ast.IsCell(body); body = body.Cdr {
		tail = b.lower(body.Car, tail)
	}
	return tail
}

// lowerLambda builds a nested function graph and records the lambda's
// free variables as uses at the capture site.
func (b *Builder) lowerLambda(expr *ast.Value, cur *Node) *Node {
	args := expr.Cdr
	if !ast.IsCell(args) {
		return cur
	}
	var params []string
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		if ast.IsSym(rest.Car) {
			params = append(params, rest.Car.Str)
		}
	}
	var body *ast.Value
	if ast.IsCell(args.Cdr) {
		body = args.Cdr.Car
	}

	inner := BuildLambda(params, body)
	inner.Captured = freeVars(body, params)
	b.g.Functions = append(b.g.Functions, inner)

	// Capturing a variable keeps it live at the closure's creation.
	for _, fv := range inner.Captured {
		if b.bound(fv) {
			b.g.addUse(cur, fv)
		}
	}
	b.g.tick(cur)
	return cur
}

func (b *Builder) lowerDefine(args *ast.Value, cur *Node) *Node {
	if !ast.IsCell(args) {
		return cur
	}
	first := args.Car
	if ast.IsCell(first) && ast.IsSym(first.Car) {
		// (define (name params...) body) - sugar for a lambda binding.
		name := first.Car.Str
		b.bind(name)
		b.g.addDef(cur, name)
		var params []string
		for rest := first.Cdr; ast.IsCell(rest); rest = rest.Cdr {
			if ast.IsSym(rest.Car) {
				params = append(params, rest.Car.Str)
			}
		}
		var body *ast.Value
		if ast.IsCell(args.Cdr) {
			body = args.Cdr.Car
		}
		inner := BuildLambda(params, body)
		inner.Captured = freeVars(body, append(params, name))
		b.g.Functions = append(b.g.Functions, inner)
		return cur
	}
	if ast.IsSym(first) {
		if ast.IsCell(args.Cdr) {
			cur = b.lower(args.Cdr.Car, cur)
		}
		b.bind(first.Str)
		b.g.addDef(cur, first.Str)
	}
	return cur
}

func (b *Builder) lowerSet(args *ast.Value, cur *Node) *Node {
	if !ast.IsCell(args) || !ast.IsSym(args.Car) {
		return cur
	}
	if ast.IsCell(args.Cdr) {
		cur = b.lower(args.Cdr.Car, cur)
	}
	// A mutation gets its own node so the new def point is visible to
	// liveness and free-point placement.
	n := b.g.NewNode(KindStraight)
	b.g.Edge(cur, n)
	b.g.addDef(n, args.Car.Str)
	return n
}

// freeVars collects the variables body references that bound does not
// cover, in first-appearance order.
func freeVars(body *ast.Value, bound []string) []string {
	boundSet := make(map[string]bool, len(bound))
	for _, s := range bound {
		boundSet[s] = true
	}
	var out []string
	seen := make(map[string]bool)
	var walk func(e *ast.Value, local map[string]bool)
	walk = func(e *ast.Value, local map[string]bool) {
		if e == nil || ast.IsNil(e) {
			return
		}
		switch e.Tag {
		case ast.TSym:
			if !local[e.Str] && !boundSet[e.Str] && !seen[e.Str] {
				seen[e.Str] = true
				out = append(out, e.Str)
			}
		case ast.TCell:
			if ast.IsSym(e.Car) {
				switch e.Car.Str {
				case "quote", "syntax-quote":
					return
				case "lambda":
					inner := copyScope(local)
					if ast.IsCell(e.Cdr) {
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
				case "let", "let*", "letrec":
					if ast.IsCell(e.Cdr) {
						inner := copyScope(local)
						for rest := e.Cdr.Car; ast.IsCell(rest); rest = rest.Cdr {
							if bind := rest.Car; ast.IsCell(bind) && ast.IsSym(bind.Car) {
								walk(bind.Cdr.Car, local)
								inner[bind.Car.Str] = true
							}
						}
						for body := e.Cdr.Cdr; ast.IsCell(body); body = body.Cdr {
							walk(body.Car, inner)
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
	walk(body, map[string]bool{})
	return out
}

func copyScope(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
