package macro

import (
	"github.com/omnilisp/omni/pkg/ast"
)

// binding is one pattern variable's match result. Depth counts how
// many ellipses govern the variable: depth 0 holds a single value,
// depth 1 a list of values, depth 2 a list of lists, and so on.
type binding struct {
	depth int
	value *ast.Value
}

// bindings maps pattern-variable names to their matches. Hashed
// lookup: clause matching probes this table once per template symbol.
type bindings map[string]*binding

const ellipsisSym = "..."

func isEllipsis(v *ast.Value) bool { return ast.SymEqStr(v, ellipsisSym) }

// match matches input against pat under the macro's literal set,
// accumulating into b. Follows the syntax-rules discipline: literals
// require identical symbols, `_` matches without binding, a pattern
// element followed by `...` matches zero or more inputs greedily but
// non-overlapping with the fixed patterns that follow it.
func match(pat, input *ast.Value, literals map[string]bool, b bindings) bool {
	switch {
	case ast.IsNil(pat):
		return ast.IsNil(input)
	case ast.IsSym(pat):
		if pat.Str == "_" {
			return true
		}
		if literals[pat.Str] {
			return ast.IsSym(input) && input.Str == pat.Str
		}
		if prev, ok := b[pat.Str]; ok && prev.depth == 0 {
			return valueEqual(prev.value, input)
		}
		b[pat.Str] = &binding{depth: 0, value: input}
		return true
	case ast.IsCell(pat):
		return matchSeq(listElems(pat), listTail(pat), input, literals, b)
	case ast.IsArray(pat):
		if !ast.IsArray(input) {
			return false
		}
		return matchElems(pat.Items, input.Items, literals, b)
	default:
		return valueEqual(pat, input)
	}
}

// listElems returns the proper-list prefix of a cons chain.
func listElems(v *ast.Value) []*ast.Value {
	var out []*ast.Value
	for ast.IsCell(v) {
		out = append(out, v.Car)
		v = v.Cdr
	}
	return out
}

// listTail returns the improper tail of a cons chain, or nil for a
// proper list.
func listTail(v *ast.Value) *ast.Value {
	for ast.IsCell(v) {
		v = v.Cdr
	}
	if ast.IsNil(v) {
		return nil
	}
	return v
}

// matchSeq matches a cons-list pattern (with optional improper tail
// pattern) against input.
func matchSeq(pats []*ast.Value, tailPat, input *ast.Value, literals map[string]bool, b bindings) bool {
	ins := listElems(input)
	inTail := listTail(input)

	i := 0 // index into pats
	j := 0 // index into ins
	for i < len(pats) {
		if i+1 < len(pats) && isEllipsis(pats[i+1]) {
			// Fixed patterns remaining after the repeat.
			fixed := len(pats) - (i + 2)
			reps := len(ins) - j - fixed
			if reps < 0 {
				return false
			}
			if !matchRepeat(pats[i], ins[j:j+reps], literals, b) {
				return false
			}
			j += reps
			i += 2
			continue
		}
		if j >= len(ins) {
			return false
		}
		if !match(pats[i], ins[j], literals, b) {
			return false
		}
		i++
		j++
	}
	if j != len(ins) {
		return false
	}
	if tailPat == nil {
		return inTail == nil
	}
	if inTail == nil {
		return match(tailPat, ast.Nil, literals, b)
	}
	return match(tailPat, inTail, literals, b)
}

func matchElems(pats, ins []*ast.Value, literals map[string]bool, b bindings) bool {
	i, j := 0, 0
	for i < len(pats) {
		if i+1 < len(pats) && isEllipsis(pats[i+1]) {
			fixed := len(pats) - (i + 2)
			reps := len(ins) - j - fixed
			if reps < 0 {
				return false
			}
			if !matchRepeat(pats[i], ins[j:j+reps], literals, b) {
				return false
			}
			j += reps
			i += 2
			continue
		}
		if j >= len(ins) {
			return false
		}
		if !match(pats[i], ins[j], literals, b) {
			return false
		}
		i++
		j++
	}
	return j == len(ins)
}

// matchRepeat matches sub against each of ins in turn and accumulates
// the per-iteration bindings vertically: every variable sub binds gets
// one more level of depth, its value the list of per-iteration values.
func matchRepeat(sub *ast.Value, ins []*ast.Value, literals map[string]bool, b bindings) bool {
	vars := patternVars(sub, literals)
	acc := make(map[string][]*ast.Value, len(vars))
	for _, in := range ins {
		iter := make(bindings)
		if !match(sub, in, literals, iter) {
			return false
		}
		for _, v := range vars {
			bd := iter[v]
			if bd == nil {
				acc[v] = append(acc[v], ast.Nil)
				continue
			}
			acc[v] = append(acc[v], bd.value)
		}
	}
	depths := varDepths(sub, literals)
	for _, v := range vars {
		b[v] = &binding{depth: depths[v] + 1, value: ast.SliceToList(acc[v])}
	}
	return true
}

// patternVars collects the pattern variables of a sub-pattern, in
// first-appearance order.
func patternVars(pat *ast.Value, literals map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(p *ast.Value)
	walk = func(p *ast.Value) {
		switch {
		case p == nil || ast.IsNil(p):
		case ast.IsSym(p):
			if p.Str == "_" || p.Str == ellipsisSym || literals[p.Str] {
				return
			}
			if !seen[p.Str] {
				seen[p.Str] = true
				out = append(out, p.Str)
			}
		case ast.IsCell(p):
			walk(p.Car)
			walk(p.Cdr)
		case ast.IsArray(p):
			for _, it := range p.Items {
				walk(it)
			}
		}
	}
	walk(pat)
	return out
}

// varDepths maps each variable of a sub-pattern to the ellipsis depth
// it already carries inside that sub-pattern: a variable under a
// nested `x ...` gains depth from every enclosing repeat.
func varDepths(pat *ast.Value, literals map[string]bool) map[string]int {
	out := make(map[string]int)
	var walk func(p *ast.Value, d int)
	walk = func(p *ast.Value, d int) {
		if p == nil || ast.IsNil(p) {
			return
		}
		if ast.IsCell(p) {
			elems := listElems(p)
			for i, e := range elems {
				dd := d
				if i+1 < len(elems) && isEllipsis(elems[i+1]) {
					dd++
				}
				walk(e, dd)
			}
			if t := listTail(p); t != nil {
				walk(t, d)
			}
			return
		}
		if ast.IsArray(p) {
			for i, e := range p.Items {
				dd := d
				if i+1 < len(p.Items) && isEllipsis(p.Items[i+1]) {
					dd++
				}
				walk(e, dd)
			}
			return
		}
		if ast.IsSym(p) && p.Str != "_" && p.Str != ellipsisSym && !literals[p.Str] {
			if prev, ok := out[p.Str]; !ok || d > prev {
				out[p.Str] = d
			}
		}
	}
	walk(pat, 0)
	return out
}
