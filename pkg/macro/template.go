package macro

import (
	"strings"

	"github.com/omnilisp/omni/pkg/ast"
)

// substCtx carries one macro application's substitution state: the
// match bindings, the macro being applied, the hygiene mark, and the
// expander (for gensym counters and rename memoization).
type substCtx struct {
	e     *Expander
	m     *Macro
	b     bindings
	mark  int
	auto  map[string]*ast.Value // auto-gensym (name#) per invocation
	chain []string
}

func (c *substCtx) fail(pos ast.Pos, form *ast.Value, msg string) error {
	return &Error{Pos: pos, Form: form, Chain: c.chain, Msg: msg}
}

// substitute walks a template and produces the expansion. Each
// template symbol resolves, in order: pattern variable (value copy),
// auto-gensym `name#`, captured definition-time binding, reserved,
// underscore-prefixed or a defined macro's name (pass through),
// hygiene rename.
func (c *substCtx) substitute(tmpl *ast.Value) (*ast.Value, error) {
	switch {
	case tmpl == nil || ast.IsNil(tmpl):
		return tmpl, nil
	case ast.IsSym(tmpl):
		return c.substSymbol(tmpl)
	case ast.IsCell(tmpl):
		return c.substList(tmpl)
	case ast.IsArray(tmpl):
		items, err := c.substElems(tmpl.Items, tmpl)
		if err != nil {
			return nil, err
		}
		v := ast.NewArray(items)
		v.Pos = tmpl.Pos
		return v, nil
	default:
		return tmpl, nil
	}
}

func (c *substCtx) substSymbol(sym *ast.Value) (*ast.Value, error) {
	name := sym.Str
	if bd, ok := c.b[name]; ok {
		if bd.depth > 0 {
			return nil, c.fail(sym.Pos, sym, "ellipsis variable "+name+" used without ellipsis")
		}
		return copyTree(bd.value), nil
	}
	if strings.HasSuffix(name, "#") {
		base := strings.TrimSuffix(name, "#")
		if g, ok := c.auto[base]; ok {
			return copyTree(g), nil
		}
		g := c.e.Gensym(base)
		g.Pos = sym.Pos
		c.auto[base] = g
		return copyTree(g), nil
	}
	if cap, ok := c.m.Captured[name]; ok {
		return copyTree(cap), nil
	}
	if reserved[name] || strings.HasPrefix(name, "_") || c.e.Macros[name] != nil {
		return sym, nil
	}
	renamed := c.e.renameSymbol(name, c.mark)
	v := ast.NewSym(renamed)
	v.Pos = sym.Pos
	return v, nil
}

func (c *substCtx) substList(tmpl *ast.Value) (*ast.Value, error) {
	elems := listElems(tmpl)
	tail := listTail(tmpl)
	out, err := c.substElems(elems, tmpl)
	if err != nil {
		return nil, err
	}
	v := ast.SliceToList(out)
	if tail != nil {
		st, err := c.substitute(tail)
		if err != nil {
			return nil, err
		}
		if ast.IsNil(v) {
			return st, nil
		}
		last := v
		for ast.IsCell(last.Cdr) {
			last = last.Cdr
		}
		last.Cdr = st
	}
	v.Pos = tmpl.Pos
	return v, nil
}

// substElems substitutes a template element sequence, unfolding every
// `sub ...` pair: the repetition count is the minimum value_count over
// the ellipsis-bound variables sub mentions, and each iteration slices
// the binding table down one depth level at that index.
func (c *substCtx) substElems(elems []*ast.Value, form *ast.Value) ([]*ast.Value, error) {
	var out []*ast.Value
	for i := 0; i < len(elems); i++ {
		sub := elems[i]
		if i+1 < len(elems) && isEllipsis(elems[i+1]) {
			unfolded, err := c.unfold(sub, form)
			if err != nil {
				return nil, err
			}
			out = append(out, unfolded...)
			i++ // skip the ellipsis marker
			continue
		}
		if isEllipsis(sub) {
			return nil, c.fail(form.Pos, form, "misplaced ellipsis in template")
		}
		sv, err := c.substitute(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, nil
}

func (c *substCtx) unfold(sub *ast.Value, form *ast.Value) ([]*ast.Value, error) {
	vars := ellipsisVarsIn(sub, c.b)
	if len(vars) == 0 {
		return nil, c.fail(form.Pos, form, "ellipsis template names no ellipsis variable")
	}
	count := -1
	for _, v := range vars {
		n := ast.ListLen(c.b[v].value)
		if count < 0 || n < count {
			count = n
		}
	}
	var out []*ast.Value
	for i := 0; i < count; i++ {
		sliced := sliceBindings(c.b, vars, i)
		inner := &substCtx{e: c.e, m: c.m, b: sliced, mark: c.mark, auto: c.auto, chain: c.chain}
		sv, err := inner.substitute(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, nil
}

// ellipsisVarsIn collects the template's symbols bound at depth >= 1.
func ellipsisVarsIn(tmpl *ast.Value, b bindings) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(t *ast.Value)
	walk = func(t *ast.Value) {
		switch {
		case t == nil || ast.IsNil(t):
		case ast.IsSym(t):
			if bd, ok := b[t.Str]; ok && bd.depth >= 1 && !seen[t.Str] {
				seen[t.Str] = true
				out = append(out, t.Str)
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
	return out
}

// sliceBindings projects the ellipsis variables onto iteration index
// i, reducing each one's depth by one. Depth-0 bindings are shared
// unchanged so non-ellipsis variables stay visible inside the repeat.
func sliceBindings(b bindings, vars []string, i int) bindings {
	out := make(bindings, len(b))
	sliced := make(map[string]bool, len(vars))
	for _, v := range vars {
		sliced[v] = true
	}
	for name, bd := range b {
		if !sliced[name] {
			out[name] = bd
			continue
		}
		elem := nthElem(bd.value, i)
		out[name] = &binding{depth: bd.depth - 1, value: elem}
	}
	return out
}

func nthElem(list *ast.Value, i int) *ast.Value {
	for ; i > 0 && ast.IsCell(list); i-- {
		list = list.Cdr
	}
	if ast.IsCell(list) {
		return list.Car
	}
	return ast.Nil
}
