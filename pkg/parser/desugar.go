package parser

import "github.com/omnilisp/omni/pkg/ast"

// mkGet builds (get obj key), the desugaring target for both `.field`
// and `.(expr)` access per spec.md §3.
func mkGet(obj, key *ast.Value) *ast.Value {
	return ast.List3(ast.NewSym("get"), obj, key)
}

// quoteField wraps a field-name symbol as (quote field), the value a
// DotSuffix field-access produces so desugarDotChain can tell it apart
// from a `.(expr)` functional-accessor suffix without extra tagging:
// a field suffix is always (quote <sym>); an expr suffix is anything
// else produced by parsing a full expression.
func quoteField(field *ast.Value) *ast.Value {
	return ast.List2(ast.NewSym("quote"), field)
}

// isQuotedField reports whether v has the (quote <sym>) shape
// produced by quoteField.
func isQuotedField(v *ast.Value) (*ast.Value, bool) {
	if v == nil || !ast.IsCell(v) || !ast.IsSym(v.Car) || v.Car.Str != "quote" {
		return nil, false
	}
	if v.Cdr == nil || !ast.IsCell(v.Cdr) {
		return nil, false
	}
	return v.Cdr.Car, true
}

// desugarDotChain folds a base expression and a sequence of dot
// suffixes (each either a quoteField node or a raw expression) into
// nested (get ...) calls: `a.b.(e)` -> (get (get a 'b) e).
func desugarDotChain(base *ast.Value, suffixes []*ast.Value) *ast.Value {
	acc := base
	for _, suf := range suffixes {
		acc = mkGet(acc, suf)
	}
	return acc
}

// desugarBareDot builds the bare `.field` accessor-lambda form:
// (lambda (it) (get it 'field)), chaining further suffixes the same
// way a based dot-chain does.
func desugarBareDot(suffixes []*ast.Value) *ast.Value {
	it := ast.NewSym("it")
	body := desugarDotChain(it, suffixes)
	return ast.List3(ast.NewSym("lambda"), ast.List1(it), body)
}

// charsToQuotedString wraps a run of character Values as the (quote
// (c1 c2 ...)) literal-string representation used throughout the
// runtime and code generator.
func charsToQuotedString(chars []*ast.Value) *ast.Value {
	return ast.List2(ast.NewSym("quote"), ast.SliceToList(chars))
}

// desugarStringParts builds the AST for a string literal's contents.
// Per spec.md §3, "string interpolation `"...$x..."` desugars to a
// `string-concat` call." Parts is the flattened sequence produced by
// the String rule's sub-matches: a TChar value for every literal
// character, and any other Value for each `$name`/`$(expr)`
// interpolation site. Consecutive TChar runs coalesce into one quoted
// char-list segment; if there is no interpolation at all, the plain
// quoted char-list is returned directly (matching the non-interpolated
// string shape the rest of the pipeline already expects).
func desugarStringParts(parts []*ast.Value) *ast.Value {
	var segments []*ast.Value
	var run []*ast.Value
	flush := func() {
		if len(run) > 0 {
			segments = append(segments, charsToQuotedString(run))
			run = nil
		}
	}
	hasInterp := false
	for _, p := range parts {
		if p != nil && p.Tag == ast.TChar {
			run = append(run, p)
			continue
		}
		hasInterp = true
		flush()
		segments = append(segments, p)
	}
	flush()
	if !hasInterp {
		if len(segments) == 0 {
			return charsToQuotedString(nil)
		}
		return segments[0]
	}
	return ast.SliceToList(append([]*ast.Value{ast.NewSym("string-concat")}, segments...))
}
