package memory

import (
	"sort"

	"github.com/omnilisp/omni/pkg/ast"
	"github.com/omnilisp/omni/pkg/cfg"
)

// The Variable Interaction Graph. Undirected: nodes are variables,
// edges record that two variables may share structure, so they must
// live in the same arena. Edges come from assignment, aliasing
// (co-arguments of one call), structural sharing (field access),
// closure capture, and constructor coupling. Connected components
// become candidate regions.

// VIGNode is one variable with its lifetime endpoints in the CFG's
// program-point numbering.
type VIGNode struct {
	Name     string
	FirstDef int
	LastUse  int
	Edges    map[string]bool
	Comp     int // component / candidate region id, -1 until assigned
}

// VIG is the interaction graph plus its component assignment.
type VIG struct {
	Nodes map[string]*VIGNode

	// Components, indexed by component id, after Components() runs.
	Comps []*Component
}

// Component is one connected component: a candidate region.
type Component struct {
	ID      int
	Members []string
	Start   int // min FirstDef across members
	End     int // max LastUse across members
}

// NewVIG creates an empty graph.
func NewVIG() *VIG {
	return &VIG{Nodes: make(map[string]*VIGNode)}
}

// AddVar registers a variable node.
func (v *VIG) AddVar(name string, firstDef, lastUse int) *VIGNode {
	if n, ok := v.Nodes[name]; ok {
		if firstDef >= 0 && (n.FirstDef < 0 || firstDef < n.FirstDef) {
			n.FirstDef = firstDef
		}
		if lastUse > n.LastUse {
			n.LastUse = lastUse
		}
		return n
	}
	n := &VIGNode{Name: name, FirstDef: firstDef, LastUse: lastUse, Edges: make(map[string]bool), Comp: -1}
	v.Nodes[name] = n
	return n
}

// AddEdge links two variables into the same interaction class.
func (v *VIG) AddEdge(a, b string) {
	if a == b {
		return
	}
	na, ok := v.Nodes[a]
	if !ok {
		return
	}
	nb, ok := v.Nodes[b]
	if !ok {
		return
	}
	na.Edges[b] = true
	nb.Edges[a] = true
}

// BuildVIG scans the expanded program and draws the interaction
// edges, importing lifetime endpoints from the CFG's numbering.
// Variables the CFG never interned (free names, primitives) are left
// out; they cannot anchor a region.
func BuildVIG(exprs []*ast.Value, g *cfg.Graph) *VIG {
	v := NewVIG()
	for _, n := range g.Nodes {
		forEachSet(g, n.Defs, func(name string) {
			v.AddVar(name, n.Start, n.End)
		})
		forEachSet(g, n.Uses, func(name string) {
			v.AddVar(name, -1, n.End)
		})
	}
	b := &vigBuilder{v: v}
	for _, e := range exprs {
		b.scan(e)
	}
	return v
}

func forEachSet(g *cfg.Graph, s interface {
	NextSet(uint) (uint, bool)
}, f func(string)) {
	for i, ok := s.NextSet(0); ok; i, ok = s.NextSet(i + 1) {
		f(g.VarName(i))
	}
}

type vigBuilder struct {
	v *VIG
}

func (b *vigBuilder) scan(expr *ast.Value) {
	if expr == nil || !ast.IsCell(expr) {
		return
	}
	head := expr.Car
	args := expr.Cdr
	if ast.IsSym(head) {
		switch head.Str {
		case "quote", "syntax-quote":
			return
		case "let", "let*", "letrec":
			b.scanLet(args)
			return
		case "set!":
			// Assignment: v = u
			if ast.IsCell(args) && ast.IsSym(args.Car) && ast.IsCell(args.Cdr) {
				b.linkExprTo(args.Car.Str, args.Cdr.Car)
				b.scan(args.Cdr.Car)
			}
			return
		case "lambda":
			// Closure capture: the lambda's parameters share one
			// closure frame.
			b.scanLambda(args)
			return
		case "if", "begin", "do", "define":
			// Control forms are not call sites; their operands never
			// alias through them.
			b.scanArgs(args)
			return
		case "get":
			// Structural sharing: v = u.field draws u's edge when the
			// get lands in a binding; the co-argument rule below
			// already links get's operands.
		case "cons", "mk-pair":
			// Constructor coupling: the car and cdr variables share
			// the new cell's region.
			b.linkArgs(args)
			b.scanArgs(args)
			return
		}
	}
	// Aliasing: variables passed to the same call may alias.
	b.linkArgs(args)
	b.scan(head)
	b.scanArgs(args)
}

func (b *vigBuilder) scanArgs(args *ast.Value) {
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		b.scan(rest.Car)
	}
}

// linkArgs draws pairwise edges among the variable arguments of one
// call site.
func (b *vigBuilder) linkArgs(args *ast.Value) {
	var names []string
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		if ast.IsSym(rest.Car) {
			names = append(names, rest.Car.Str)
		}
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			b.v.AddEdge(names[i], names[j])
		}
	}
}

func (b *vigBuilder) scanLet(args *ast.Value) {
	if !ast.IsCell(args) {
		return
	}
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		bind := rest.Car
		if !ast.IsCell(bind) || !ast.IsSym(bind.Car) {
			continue
		}
		b.linkExprTo(bind.Car.Str, bind.Cdr.Car)
		b.scan(bind.Cdr.Car)
	}
	for body := args.Cdr; ast.IsCell(body); body = body.Cdr {
		b.scan(body.Car)
	}
}

// linkExprTo connects name to every variable the right-hand side can
// transfer structure from: the RHS variable itself for an assignment,
// the base of a field access, constructor arguments.
func (b *vigBuilder) linkExprTo(name string, rhs *ast.Value) {
	if rhs == nil {
		return
	}
	switch {
	case ast.IsSym(rhs):
		b.v.AddEdge(name, rhs.Str)
	case ast.IsCell(rhs) && ast.IsSym(rhs.Car):
		switch rhs.Car.Str {
		case "quote", "syntax-quote", "lambda":
			return
		case "get", "car", "cdr", "array-ref", "dict-get":
			// v = u.field shares u's structure.
			if ast.IsCell(rhs.Cdr) && ast.IsSym(rhs.Cdr.Car) {
				b.v.AddEdge(name, rhs.Cdr.Car.Str)
			}
		case "cons", "mk-pair", "list", "array", "dict", "tuple":
			for rest := rhs.Cdr; ast.IsCell(rest); rest = rest.Cdr {
				if ast.IsSym(rest.Car) {
					b.v.AddEdge(name, rest.Car.Str)
				}
			}
		case "if":
			// Either arm may become the binding's value.
			if ast.IsCell(rhs.Cdr) && ast.IsCell(rhs.Cdr.Cdr) {
				b.linkExprTo(name, rhs.Cdr.Cdr.Car)
				if ast.IsCell(rhs.Cdr.Cdr.Cdr) {
					b.linkExprTo(name, rhs.Cdr.Cdr.Cdr.Car)
				}
			}
		}
	}
}

func (b *vigBuilder) scanLambda(args *ast.Value) {
	if !ast.IsCell(args) {
		return
	}
	var params []string
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		if ast.IsSym(rest.Car) {
			params = append(params, rest.Car.Str)
		}
	}
	// Parameters of one lambda share a closure frame.
	for i := 0; i < len(params); i++ {
		for j := i + 1; j < len(params); j++ {
			b.v.AddEdge(params[i], params[j])
		}
	}
	if ast.IsCell(args.Cdr) {
		b.scan(args.Cdr.Car)
	}
}

// Components runs BFS from each unvisited node, assigning every
// variable its component's candidate region id and computing the
// component lifetime interval.
func (v *VIG) Components() []*Component {
	var names []string
	for name := range v.Nodes {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic component numbering

	v.Comps = nil
	for _, name := range names {
		n := v.Nodes[name]
		if n.Comp >= 0 {
			continue
		}
		comp := &Component{ID: len(v.Comps), Start: -1, End: -1}
		queue := []*VIGNode{n}
		n.Comp = comp.ID
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp.Members = append(comp.Members, cur.Name)
			if cur.FirstDef >= 0 && (comp.Start < 0 || cur.FirstDef < comp.Start) {
				comp.Start = cur.FirstDef
			}
			if cur.LastUse > comp.End {
				comp.End = cur.LastUse
			}
			var adj []string
			for e := range cur.Edges {
				adj = append(adj, e)
			}
			sort.Strings(adj)
			for _, e := range adj {
				next := v.Nodes[e]
				if next != nil && next.Comp < 0 {
					next.Comp = comp.ID
					queue = append(queue, next)
				}
			}
		}
		sort.Strings(comp.Members)
		v.Comps = append(v.Comps, comp)
	}
	return v.Comps
}

// RegionOf returns the candidate region id a variable was assigned.
func (v *VIG) RegionOf(name string) (int, bool) {
	n, ok := v.Nodes[name]
	if !ok || n.Comp < 0 {
		return 0, false
	}
	return n.Comp, true
}
