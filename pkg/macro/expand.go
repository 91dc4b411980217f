package macro

import (
	"fmt"

	"github.com/omnilisp/omni/pkg/ast"
)

// DefaultRecursionCap bounds macro expansion depth; a self-expanding
// macro fails instead of diverging.
const DefaultRecursionCap = 512

type renameKey struct {
	name string
	mark int
}

// Expander holds the macro table and the hygiene/gensym counters for
// one compilation. No package-level mutables: the driver threads one
// Expander through every pass that needs it.
type Expander struct {
	Macros map[string]*Macro

	RecursionCap int

	gensymCounter int
	markCounter   int
	renames       map[renameKey]string
}

// NewExpander creates an empty expander.
func NewExpander() *Expander {
	return &Expander{
		Macros:       make(map[string]*Macro),
		RecursionCap: DefaultRecursionCap,
		renames:      make(map[renameKey]string),
	}
}

// Gensym returns a fresh symbol `_<prefix>_<counter>` from the
// expander's monotonic counter.
func (e *Expander) Gensym(prefix string) *ast.Value {
	if prefix == "" {
		prefix = "g"
	}
	e.gensymCounter++
	return ast.NewSym(fmt.Sprintf("_%s_%d", prefix, e.gensymCounter))
}

// renameSymbol memoizes the hygiene rename `<name>_m<mark>` per
// (name, mark) so one invocation renames a symbol consistently.
func (e *Expander) renameSymbol(name string, mark int) string {
	key := renameKey{name, mark}
	if r, ok := e.renames[key]; ok {
		return r
	}
	r := fmt.Sprintf("%s_m%d", name, mark)
	e.renames[key] = r
	return r
}

// ExpandProgram processes a top-level form sequence: define-syntax
// forms register macros (and are removed from the output); everything
// else is expanded to fixpoint.
func (e *Expander) ExpandProgram(exprs []*ast.Value, env Env) ([]*ast.Value, error) {
	var out []*ast.Value
	for _, expr := range exprs {
		if isDefineSyntax(expr) {
			if err := e.Define(expr, env); err != nil {
				return nil, err
			}
			continue
		}
		expanded, err := e.Expand(expr, env)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded)
	}
	return out, nil
}

// Expand rewrites every macro invocation in expr until no macro head
// remains, bottom-up, failing past the recursion cap.
func (e *Expander) Expand(expr *ast.Value, env Env) (*ast.Value, error) {
	return e.expand(expr, env, 0, nil)
}

func (e *Expander) expand(expr *ast.Value, env Env, depth int, chain []string) (*ast.Value, error) {
	if depth > e.RecursionCap {
		return nil, &Error{Pos: expr.Pos, Form: expr, Chain: chain, Msg: "macro recursion limit exceeded"}
	}
	if expr == nil || !ast.IsCell(expr) {
		return expr, nil
	}
	if ast.SymEqStr(expr.Car, "quote") || ast.SymEqStr(expr.Car, "syntax-quote") {
		return expr, nil
	}

	if ast.IsSym(expr.Car) {
		if m, ok := e.Macros[expr.Car.Str]; ok {
			once, err := e.apply(m, expr, chain)
			if err != nil {
				return nil, err
			}
			return e.expand(once, env, depth+1, append(chain, m.Name))
		}
	}

	// No macro at the head: expand children.
	var items []*ast.Value
	rest := expr
	for ast.IsCell(rest) {
		sub, err := e.expand(rest.Car, env, depth, chain)
		if err != nil {
			return nil, err
		}
		items = append(items, sub)
		rest = rest.Cdr
	}
	v := ast.SliceToList(items)
	if !ast.IsNil(rest) {
		tail, err := e.expand(rest, env, depth, chain)
		if err != nil {
			return nil, err
		}
		last := v
		for ast.IsCell(last.Cdr) {
			last = last.Cdr
		}
		last.Cdr = tail
	}
	v.Pos = expr.Pos
	return v, nil
}

// apply tries expr against each clause in order; a pattern arity
// mismatch moves to the next clause, exhausting all clauses fails
// with the form's position.
func (e *Expander) apply(m *Macro, expr *ast.Value, chain []string) (*ast.Value, error) {
	mark := e.nextMark()
	for _, clause := range m.Clauses {
		b := make(bindings)
		if !match(clause.Pattern.Cdr, expr.Cdr, m.Literals, b) {
			continue
		}
		ctx := &substCtx{e: e, m: m, b: b, mark: mark, auto: make(map[string]*ast.Value), chain: chain}
		out, err := ctx.substitute(clause.Template)
		if err != nil {
			return nil, err
		}
		if out != nil {
			out.Pos = expr.Pos
		}
		return out, nil
	}
	return nil, &Error{Pos: expr.Pos, Form: expr, Chain: chain, Msg: "no matching clause for " + m.Name}
}

func (e *Expander) nextMark() int {
	e.markCounter++
	return e.markCounter
}

func isDefineSyntax(expr *ast.Value) bool {
	return ast.IsCell(expr) && ast.SymEqStr(expr.Car, "define-syntax")
}

// Define registers a (define-syntax name (syntax-rules (lits...)
// (pattern template)...)) form, snapshotting the definition-time env
// binding for every free non-pattern, non-reserved, non-auto-gensym
// template symbol.
func (e *Expander) Define(expr *ast.Value, env Env) error {
	args := expr.Cdr
	if !ast.IsCell(args) || !ast.IsSym(args.Car) {
		return &Error{Pos: expr.Pos, Form: expr, Msg: "define-syntax: expected macro name"}
	}
	name := args.Car.Str
	if !ast.IsCell(args.Cdr) {
		return &Error{Pos: expr.Pos, Form: expr, Msg: "define-syntax: missing syntax-rules"}
	}
	rules := args.Cdr.Car
	if !ast.IsCell(rules) || !ast.SymEqStr(rules.Car, "syntax-rules") {
		return &Error{Pos: expr.Pos, Form: expr, Msg: "define-syntax: expected (syntax-rules ...)"}
	}

	m := &Macro{
		Name:     name,
		Literals: make(map[string]bool),
		Captured: make(map[string]*ast.Value),
	}

	litList := rules.Cdr.Car
	for ast.IsCell(litList) {
		if ast.IsSym(litList.Car) {
			m.Literals[litList.Car.Str] = true
		}
		litList = litList.Cdr
	}

	for clause := rules.Cdr.Cdr; ast.IsCell(clause); clause = clause.Cdr {
		c := clause.Car
		if !ast.IsCell(c) || !ast.IsCell(c.Cdr) {
			return &Error{Pos: expr.Pos, Form: c, Msg: "syntax-rules: clause must be (pattern template)"}
		}
		pat := c.Car
		tmpl := c.Cdr.Car
		if !ast.IsCell(pat) {
			return &Error{Pos: expr.Pos, Form: c, Msg: "syntax-rules: pattern must be a list form"}
		}
		m.Clauses = append(m.Clauses, Clause{Pattern: pat, Template: tmpl})
		e.captureTemplateBindings(m, pat, tmpl, env)
	}

	e.Macros[name] = m
	return nil
}

// captureTemplateBindings snapshots env's value for each template
// symbol that is neither a pattern variable of the clause, nor
// reserved, nor auto-gensym, nor underscore-prefixed. The snapshot
// makes template references mean what the macro author saw, whatever
// the use site rebinds.
func (e *Expander) captureTemplateBindings(m *Macro, pat, tmpl *ast.Value, env Env) {
	patVars := make(map[string]bool)
	for _, v := range patternVars(pat.Cdr, m.Literals) {
		patVars[v] = true
	}
	var walk func(t *ast.Value)
	walk = func(t *ast.Value) {
		switch {
		case t == nil || ast.IsNil(t):
		case ast.IsSym(t):
			name := t.Str
			if patVars[name] || reserved[name] || name == ellipsisSym ||
				len(name) == 0 || name[0] == '_' || name[len(name)-1] == '#' {
				return
			}
			if _, done := m.Captured[name]; done {
				return
			}
			if v, ok := env.Lookup(name); ok {
				m.Captured[name] = v
			}
		case ast.IsCell(t):
			walk(t.Car)
			walk(t.Cdr)
		case ast.IsArray(t):
			for _, it := range t.Items {
				walk(it)
			}
		}
	}
	walk(tmpl)
}
