package parser

import (
	"strconv"
	"strings"

	"github.com/omnilisp/omni/pkg/ast"
)

// Lexical limits. Symbol names past symbolLenCap report "symbol
// overflow" rather than silently truncating.
const symbolLenCap = 512

const symPunct = "!$%&*+-/<=>?@^_~"

// builder holds the per-parse mutable state the grammar's semantic
// actions close over: the diagnostics sink. Rule actions never abort
// the parse; they record a diagnostic and return an error token so the
// caller sees every problem in one pass.
type builder struct {
	diags *Diagnostics
}

func (b *builder) errTok(pos ast.Pos, format string, args ...interface{}) *ast.Value {
	b.diags.Add(pos, format, args...)
	v := ast.NewError(strings.TrimSpace(strings.Split(format, "%")[0]))
	v.Pos = pos
	return v
}

// tailMarker wraps an improper-list tail so the List action can tell
// it apart from ordinary elements in the flattened kid stream.
const tailMarkerSym = "#tail"

// untermMarker is produced when a string literal runs into EOF.
const untermMarkerSym = "#unterminated"

// newGrammar builds the OmniLisp concrete-syntax grammar over the Pika
// rule algebra. Concrete syntax per the language reference: lists with
// optional improper tails, [] arrays, {T ...} type literals, #{...}
// dicts, #(...) tuples, the quote family, #\c characters, strings with
// escapes and $ interpolation, dot-access chains, and the atom set
// (ints in three bases with underscore separators, floats, keywords,
// symbols, nil/nothing/true/false).
func newGrammar(b *builder) *Grammar {
	g := NewGrammar("Expr")

	symChar := Choice(Range('a', 'z'), Range('A', 'Z'), Range('0', '9'), CharSet(symPunct))
	symStart := Choice(Range('a', 'z'), Range('A', 'Z'), CharSet(symPunct))
	digit := Range('0', '9')

	g.Add(Named("ws", Star(Choice(
		CharSet(" \t\r\n"),
		Seq(Lit(";"), Star(Seq(Not(Lit("\n")), Any()))),
	))).Discard())
	ws := Ref("ws")

	// Expr = ws (BareDot | Form DotSuffix*)
	g.Add(Named("Expr", Seq(ws, Choice(
		Ref("BareDot"),
		Seq(Ref("Form"), Star(Ref("DotSuffix"))),
	))).WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
		if len(kids) == 0 {
			return b.errTok(pos, "empty expression")
		}
		return desugarDotChain(kids[0], kids[1:])
	}))

	// BareDot = "." field suffix*  ->  (lambda (it) (get it 'field) ...)
	g.Add(Named("BareDot", Seq(Lit("."), Ref("FieldName"), Star(Ref("DotSuffix")))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			v := desugarBareDot(kids)
			v.Pos = pos
			return v
		}))

	// DotSuffix = "." ( (expr...) | field ); the parenthesized form is
	// ordinary list syntax, so `a.(f 1)` reads as (get a (f 1)).
	g.Add(Named("DotSuffix", Seq(Lit("."), Choice(Ref("List"), Ref("FieldName")))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			if len(kids) == 0 {
				return b.errTok(pos, "expected field or (expr) after '.'")
			}
			return kids[0]
		}))

	g.Add(Named("FieldName", Seq(symStart, Star(symChar))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			s := ast.NewSym(text)
			s.Pos = pos
			return quoteField(s)
		}))

	g.Add(Named("Form", Choice(
		Ref("String"),
		Ref("Char"),
		Ref("Dict"),
		Ref("Tuple"),
		Ref("SyntaxQuote"),
		Ref("List"),
		Ref("Array"),
		Ref("TypeLit"),
		Ref("Quote"),
		Ref("Quasiquote"),
		Ref("UnquoteSplicing"),
		Ref("Unquote"),
		Ref("Number"),
		Ref("Keyword"),
		Ref("Symbol"),
	)))

	// List = "(" Expr* (ws "." ws Expr)? ws ")"
	g.Add(Named("List", Seq(
		Lit("("),
		Star(Ref("Expr")),
		Opt(Ref("ListTail")),
		ws, Lit(")"),
	)).WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
		var tail *ast.Value
		items := kids
		if n := len(kids); n > 0 && isTailMarker(kids[n-1]) {
			tail = kids[n-1].Cdr.Car
			items = kids[:n-1]
		}
		v := ast.SliceToList(items)
		if tail != nil {
			if ast.IsNil(v) {
				return b.errTok(pos, "dotted tail requires a preceding element")
			}
			last := v
			for ast.IsCell(last.Cdr) {
				last = last.Cdr
			}
			last.Cdr = tail
		}
		v.Pos = pos
		return v
	}))

	// The tail dot must be followed by a delimiter so it never collides
	// with a dot-access suffix on the previous element.
	g.Add(Named("ListTail", Seq(ws, Lit("."), And(CharSet(" \t\r\n(")), Ref("Expr"))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			return ast.List2(ast.NewSym(tailMarkerSym), kids[0])
		}))

	// Array = "[" Expr* ws "]"  ->  first-class array value
	g.Add(Named("Array", Seq(Lit("["), Star(Ref("Expr")), ws, Lit("]"))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			v := ast.NewArray(kids)
			v.Pos = pos
			return v
		}))

	// TypeLit = "{" Expr+ ws "}"  ->  (kind T slots...)
	g.Add(Named("TypeLit", Seq(Lit("{"), Plus(Ref("Expr")), ws, Lit("}"))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			v := ast.SliceToList(append([]*ast.Value{ast.NewSym("kind")}, kids...))
			v.Pos = pos
			return v
		}))

	// Dict = "#{" (Expr Expr)* ws "}"  ->  first-class dict value
	g.Add(Named("Dict", Seq(Lit("#{"), Star(Ref("Expr")), ws, Lit("}"))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			if len(kids)%2 != 0 {
				return b.errTok(pos, "dict literal requires an even number of forms")
			}
			v := ast.NewDict()
			for i := 0; i < len(kids); i += 2 {
				ast.DictSet(v, kids[i], kids[i+1])
			}
			v.Pos = pos
			return v
		}))

	// Tuple = "#(" Expr* ws ")"  ->  first-class tuple value
	g.Add(Named("Tuple", Seq(Lit("#("), Star(Ref("Expr")), ws, Lit(")"))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			v := ast.NewTuple(kids)
			v.Pos = pos
			return v
		}))

	g.Add(Named("Quote", Seq(Lit("'"), Ref("Expr"))).
		WithAction(quoterAction(b, "quote")))
	g.Add(Named("Quasiquote", Seq(Lit("`"), Ref("Expr"))).
		WithAction(quoterAction(b, "quasiquote")))
	g.Add(Named("UnquoteSplicing", Seq(Lit(",@"), Ref("Expr"))).
		WithAction(quoterAction(b, "unquote-splicing")))
	g.Add(Named("Unquote", Seq(Lit(","), Ref("Expr"))).
		WithAction(quoterAction(b, "unquote")))
	g.Add(Named("SyntaxQuote", Seq(Lit("#'"), Ref("Expr"))).
		WithAction(quoterAction(b, "syntax-quote")))

	addStringRules(g, b)
	addCharRule(g, b)
	addNumberRule(g, b, digit, symChar)

	g.Add(Named("Keyword", Seq(Lit(":"), Plus(symChar))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			v := ast.NewKeyword(text[1:])
			v.Pos = pos
			return v
		}))

	// Symbol also covers the bare ellipsis `...` and one trailing `#`
	// (auto-gensym names such as `tmp#`).
	g.Add(Named("Symbol", Choice(
		Seq(Lit("..."), Not(symChar)),
		Seq(symStart, Star(symChar), Opt(Lit("#"))),
	)).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			return symbolToken(b, text, pos)
		}))

	return g
}

func isTailMarker(v *ast.Value) bool {
	return ast.IsCell(v) && ast.SymEqStr(v.Car, tailMarkerSym)
}

func quoterAction(b *builder, head string) Action {
	return func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
		if len(kids) == 0 {
			return b.errTok(pos, "expected expression after %s", head)
		}
		v := ast.List2(ast.NewSym(head), kids[0])
		v.Pos = pos
		return v
	}
}

// symbolToken builds the value for a bare symbol, routing the reserved
// atom names to their immediate singleton shapes.
func symbolToken(b *builder, text string, pos ast.Pos) *ast.Value {
	if len(text) > symbolLenCap {
		return b.errTok(pos, "symbol overflow: name longer than %d bytes", symbolLenCap)
	}
	switch text {
	case "nil":
		return &ast.Value{Tag: ast.TNil, Pos: pos}
	case "nothing":
		return &ast.Value{Tag: ast.TNothing, Pos: pos}
	case "true":
		return &ast.Value{Tag: ast.TBool, Bool: true, Pos: pos}
	case "false":
		return &ast.Value{Tag: ast.TBool, Bool: false, Pos: pos}
	}
	v := ast.NewSym(text)
	v.Pos = pos
	return v
}

// addStringRules registers the string-literal productions: escapes,
// $name and $(expr) interpolation, and the unterminated-string error
// path that reports at the opening quote.
func addStringRules(g *Grammar, b *builder) {
	g.Add(Named("String", Seq(
		Lit("\""),
		Star(Ref("StringPart")),
		Choice(Lit("\""), Ref("StrEOF")),
	)).WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
		if n := len(kids); n > 0 && ast.SymEqStr(kids[n-1], untermMarkerSym) {
			return b.errTok(pos, "unterminated string")
		}
		v := desugarStringParts(kids)
		v.Pos = pos
		return v
	}))

	g.Add(Named("StrEOF", Not(Any())).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			return ast.NewSym(untermMarkerSym)
		}))

	g.Add(Named("StringPart", Choice(
		Ref("StrEscape"),
		Ref("StrInterpExpr"),
		Ref("StrInterpName"),
		Ref("StrChar"),
	)))

	g.Add(Named("StrEscape", Seq(Lit("\\"), Any())).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			var c rune
			switch text[1] {
			case 'n':
				c = '\n'
			case 't':
				c = '\t'
			case 'r':
				c = '\r'
			case '\\':
				c = '\\'
			case '"':
				c = '"'
			case '$':
				c = '$'
			default:
				return b.errTok(pos, "invalid escape \\%c", text[1])
			}
			v := ast.NewChar(c)
			v.Pos = pos
			return v
		}))

	// $( ... ) interpolates a full list form: "v=$(+ 1 2)".
	g.Add(Named("StrInterpExpr", Seq(Lit("$"), And(Lit("(")), Ref("List"))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			return kids[0]
		}))

	g.Add(Named("StrInterpName", Seq(Lit("$"), Ref("Symbol"))).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			if len(kids) == 0 {
				return b.errTok(pos, "expected name after $ in string")
			}
			return kids[0]
		}))

	g.Add(Named("StrChar", Seq(Not(CharSet("\"\\$")), Any())).
		WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
			c := []rune(text)[0]
			v := ast.NewChar(c)
			v.Pos = pos
			return v
		}))
}

// addCharRule registers #\x and the named character literals.
func addCharRule(g *Grammar, b *builder) {
	g.Add(Named("Char", Seq(Lit("#\\"), Choice(
		Lit("newline"), Lit("space"), Lit("tab"), Lit("return"),
		Any(),
	))).WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
		name := text[2:]
		var c rune
		switch name {
		case "newline":
			c = '\n'
		case "space":
			c = ' '
		case "tab":
			c = '\t'
		case "return":
			c = '\r'
		default:
			c = []rune(name)[0]
		}
		v := ast.NewChar(c)
		v.Pos = pos
		return v
	}))
}

// addNumberRule registers integers (decimal, 0x..., 0b..., underscore
// separators) and floats (decimal point and/or exponent). The trailing
// negative lookahead keeps a number from partially matching the head
// of a longer token.
func addNumberRule(g *Grammar, b *builder, digit, symChar *Rule) {
	hexDigit := Choice(Range('0', '9'), Range('a', 'f'), Range('A', 'F'))
	sep := CharSet("_")

	g.Add(Named("Number", Seq(
		Opt(CharSet("+-")),
		Choice(
			Seq(Lit("0x"), Plus(Choice(hexDigit, sep))),
			Seq(Lit("0b"), Plus(Choice(CharSet("01"), sep))),
			Seq(
				Seq(digit, Star(Choice(digit, sep))),
				Opt(Seq(Lit("."), Plus(Choice(digit, sep)))),
				Opt(Seq(CharSet("eE"), Opt(CharSet("+-")), Plus(digit))),
			),
		),
		Not(symChar),
	)).WithAction(func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value {
		return numberToken(b, text, pos)
	}))
}

func numberToken(b *builder, text string, pos ast.Pos) *ast.Value {
	s := strings.ReplaceAll(text, "_", "")
	neg := false
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}

	mk := func(n int64) *ast.Value {
		if neg {
			n = -n
		}
		v := ast.NewInt(n)
		v.Pos = pos
		return v
	}

	switch {
	case strings.HasPrefix(s, "0x"):
		n, err := strconv.ParseInt(s[2:], 16, 64)
		if err != nil {
			return b.errTok(pos, "integer overflow: %s", text)
		}
		return mk(n)
	case strings.HasPrefix(s, "0b"):
		n, err := strconv.ParseInt(s[2:], 2, 64)
		if err != nil {
			return b.errTok(pos, "integer overflow: %s", text)
		}
		return mk(n)
	case strings.ContainsAny(s, ".eE"):
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return b.errTok(pos, "invalid float: %s", text)
		}
		if neg {
			f = -f
		}
		v := ast.NewFloat(f)
		v.Pos = pos
		return v
	default:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return b.errTok(pos, "integer overflow: %s", text)
		}
		return mk(n)
	}
}
