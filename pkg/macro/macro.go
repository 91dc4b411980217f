package macro

import (
	"fmt"
	"strings"

	"github.com/omnilisp/omni/pkg/ast"
)

// Clause is one (pattern template) arm of a syntax-rules macro.
type Clause struct {
	Pattern  *ast.Value
	Template *ast.Value
}

// Macro is a registered syntax-rules macro: its clauses, its literal
// identifiers, and the definition-time binding snapshot taken for
// every free non-pattern, non-reserved template symbol.
type Macro struct {
	Name     string
	Literals map[string]bool
	Clauses  []Clause
	Captured map[string]*ast.Value
}

// Env resolves a name at macro-definition time. The REPL's evaluation
// environment and the compiler's global table both satisfy it.
type Env interface {
	Lookup(name string) (*ast.Value, bool)
}

// EmptyEnv is an Env with no bindings; macros defined against it
// rely on hygiene renaming alone.
type EmptyEnv struct{}

func (EmptyEnv) Lookup(string) (*ast.Value, bool) { return nil, false }

// Error is a macro-expansion failure: the failing form, its source
// position, and the chain of macro names expanded on the way there.
type Error struct {
	Pos   ast.Pos
	Form  *ast.Value
	Chain []string
	Msg   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Pos, e.Msg)
	if e.Form != nil {
		msg += fmt.Sprintf(" in %s", e.Form)
	}
	if len(e.Chain) > 0 {
		msg += fmt.Sprintf(" (expanding %s)", strings.Join(e.Chain, " -> "))
	}
	return msg
}

// reserved names the core special forms and primitives a template may
// mention without the symbol being hygiene-renamed or snapshotted.
var reserved = map[string]bool{
	"quote": true, "quasiquote": true, "unquote": true, "unquote-splicing": true,
	"syntax-quote": true, "if": true, "let": true, "let*": true, "letrec": true,
	"lambda": true, "define": true, "define-syntax": true, "syntax-rules": true,
	"set!": true, "begin": true, "do": true, "and": true, "or": true, "cond": true,
	"else": true, "when": true, "unless": true, "while": true, "try": true,
	"error": true, "gensym": true, "deftype": true, "kind": true, "get": true,
	"nothing": true, "nil": true, "true": true, "false": true,
	"reset": true, "shift": true, "handle": true, "perform": true,
	"spawn": true, "with-fibers": true, "cancel": true, "canceled?": true,
	"atom": true, "swap!": true, "deref": true,
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"<": true, ">": true, "<=": true, ">=": true, "=": true, "eq?": true,
	"not": true, "abs": true, "cons": true, "car": true, "cdr": true,
	"list": true, "append": true, "reverse": true, "length": true,
	"map": true, "filter": true, "fold": true, "null?": true, "pair?": true,
	"int?": true, "float?": true, "char?": true, "symbol?": true,
	"box": true, "unbox": true, "set-box!": true, "display": true,
	"print": true, "newline": true, "string-concat": true, "it": true,
}

// IsReserved reports whether name is a core special form or primitive.
func IsReserved(name string) bool { return reserved[name] }

// valueEqual is structural equality for pattern-literal comparison and
// non-linear pattern-variable checks.
func valueEqual(a, b *ast.Value) bool {
	if ast.IsNil(a) || ast.IsNil(b) {
		return ast.IsNil(a) && ast.IsNil(b)
	}
	if a.Tag != b.Tag {
		return false
	}
	switch a.Tag {
	case ast.TInt, ast.TChar:
		return a.Int == b.Int
	case ast.TFloat:
		return a.Float == b.Float
	case ast.TBool:
		return a.Bool == b.Bool
	case ast.TNothing:
		return true
	case ast.TSym, ast.TKeyword:
		return a.Str == b.Str
	case ast.TCell:
		return valueEqual(a.Car, b.Car) && valueEqual(a.Cdr, b.Cdr)
	case ast.TArray, ast.TTuple:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !valueEqual(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// copyTree deep-copies an AST value's cons/array spine. Pattern-var
// values are copied on substitution so one captured subtree can appear
// at several template sites without sharing mutable structure.
func copyTree(v *ast.Value) *ast.Value {
	if v == nil {
		return nil
	}
	switch v.Tag {
	case ast.TCell:
		return &ast.Value{Tag: ast.TCell, Pos: v.Pos, Car: copyTree(v.Car), Cdr: copyTree(v.Cdr)}
	case ast.TArray, ast.TTuple:
		items := make([]*ast.Value, len(v.Items))
		for i, it := range v.Items {
			items[i] = copyTree(it)
		}
		cp := *v
		cp.Items = items
		return &cp
	default:
		cp := *v
		return &cp
	}
}
