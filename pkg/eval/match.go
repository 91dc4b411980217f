package eval

import (
	"github.com/omnilisp/omni/pkg/ast"
)

// EvalMatch implements (match subject (pattern body) ...): patterns
// are literals (matched structurally), `_` (matches, no binding),
// symbols (bind), and cons/list patterns (recursive). The first
// matching clause's body evaluates with the pattern bindings extended
// onto the environment.
func EvalMatch(expr, env *ast.Value) *ast.Value {
	args := expr.Cdr
	if !ast.IsCell(args) {
		raise(ast.NewError("match: missing subject"))
	}
	subject := Eval(args.Car, env)

	for clause := args.Cdr; ast.IsCell(clause); clause = clause.Cdr {
		c := clause.Car
		if !ast.IsCell(c) || !ast.IsCell(c.Cdr) {
			raise(ast.NewError("match: clause must be (pattern body)"))
		}
		if newEnv, ok := matchPattern(c.Car, subject, env); ok {
			return Eval(c.Cdr.Car, newEnv)
		}
	}
	raise(ast.NewError("match: no clause matched " + subject.String()))
	return ast.Nil
}

func matchPattern(pat, val, env *ast.Value) (*ast.Value, bool) {
	switch {
	case ast.IsNil(pat):
		if ast.IsNil(val) {
			return env, true
		}
		return env, false
	case ast.IsSym(pat):
		if pat.Str == "_" {
			return env, true
		}
		return EnvExtend(env, pat, val), true
	case ast.IsCell(pat):
		// (quote x) matches the literal x
		if ast.SymEqStr(pat.Car, "quote") && ast.IsCell(pat.Cdr) {
			if literalEqual(pat.Cdr.Car, val) {
				return env, true
			}
			return env, false
		}
		if !ast.IsCell(val) {
			return env, false
		}
		env2, ok := matchPattern(pat.Car, val.Car, env)
		if !ok {
			return env, false
		}
		return matchPattern(pat.Cdr, val.Cdr, env2)
	case ast.IsInt(pat) || ast.IsChar(pat):
		return env, val != nil && pat.Tag == val.Tag && pat.Int == val.Int
	case ast.IsFloat(pat):
		return env, ast.IsFloat(val) && pat.Float == val.Float
	case ast.IsBool(pat):
		return env, ast.IsBool(val) && pat.Bool == val.Bool
	default:
		return env, literalEqual(pat, val)
	}
}

func literalEqual(a, b *ast.Value) bool {
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
	case ast.TSym, ast.TKeyword:
		return a.Str == b.Str
	case ast.TCell:
		return literalEqual(a.Car, b.Car) && literalEqual(a.Cdr, b.Cdr)
	default:
		return a == b
	}
}
