package eval

import (
	"fmt"

	"github.com/omnilisp/omni/pkg/ast"
)

// The interpreter bridge. The AOT pipeline (parse -> expand -> analyze
// -> regions -> emit) is the product; this evaluator exists for the
// two jobs compilation does not cover: interactive evaluation in the
// REPL / -e path, and the delimited-control operators (reset/shift,
// handle/perform) the code generator does not lower. It is a plain
// environment-passing tree walker over the same Value model the
// compiler uses — macros are expanded by pkg/macro before forms reach
// it, so no macro machinery lives here.

// raisedError carries an (error ...) payload up to the nearest try.
type raisedError struct {
	value *ast.Value
}

// Eval evaluates expr in the given local environment; names missing
// locally resolve through the session-global table.
func Eval(expr, env *ast.Value) *ast.Value {
	if expr == nil || ast.IsNil(expr) {
		return ast.Nil
	}
	switch expr.Tag {
	case ast.TInt, ast.TFloat, ast.TChar, ast.TBool, ast.TNothing,
		ast.TKeyword, ast.TCode, ast.TError,
		ast.TArray, ast.TDict, ast.TSet, ast.TTuple, ast.TNamedTuple:
		return expr
	case ast.TSym:
		return evalVar(expr, env)
	case ast.TCell:
		return evalForm(expr, env)
	default:
		return expr
	}
}

func evalVar(sym, env *ast.Value) *ast.Value {
	if v := EnvLookup(env, sym); v != nil {
		return v
	}
	if v := GlobalLookup(sym); v != nil {
		return v
	}
	raise(ast.NewError("unbound variable: " + sym.Str))
	return ast.Nil
}

func raise(err *ast.Value) {
	panic(&raisedError{value: err})
}

func evalForm(expr, env *ast.Value) *ast.Value {
	head := expr.Car
	args := expr.Cdr
	if ast.IsSym(head) {
		switch head.Str {
		case "quote", "syntax-quote":
			if ast.IsCell(args) {
				return args.Car
			}
			return ast.Nil
		case "quasiquote":
			return evalQuasiquote(carOf(args), env, 1)
		case "if":
			return evalIf(args, env)
		case "let":
			return evalLet(args, env, false)
		case "let*":
			return evalLet(args, env, true)
		case "letrec":
			return evalLetrec(args, env)
		case "lambda":
			return evalLambda(args, env)
		case "define":
			return evalDefine(args, env)
		case "set!":
			return evalSet(args, env)
		case "begin", "do":
			return evalSeq(args, env)
		case "and":
			return evalAnd(args, env)
		case "or":
			return evalOr(args, env)
		case "while":
			return evalWhile(args, env)
		case "match":
			return EvalMatch(expr, env)
		case "try":
			return evalTry(args, env)
		case "error":
			return evalError(args, env)
		case "reset":
			return evalReset(args, env)
		case "shift":
			return evalShift(args, env)
		case "handle":
			return evalHandle(args, env)
		case "perform":
			return evalPerform(args, env)
		case "spawn":
			return evalSpawn(args, env)
		case "with-fibers":
			return evalWithFibers(args, env)
		case "deftype":
			return evalDeftype(args)
		}
	}
	// Application: operator, then operands, left to right.
	fn := Eval(head, env)
	var argv []*ast.Value
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		argv = append(argv, Eval(rest.Car, env))
	}
	return Apply(fn, argv)
}

func carOf(args *ast.Value) *ast.Value {
	if ast.IsCell(args) {
		return args.Car
	}
	return ast.Nil
}

// Apply calls a function value on already-evaluated arguments.
func Apply(fn *ast.Value, argv []*ast.Value) *ast.Value {
	switch {
	case ast.IsPrim(fn):
		return fn.Prim(ast.SliceToList(argv), ast.Nil)
	case ast.IsLambda(fn):
		return applyLambda(fn, fn.LamEnv, argv)
	case ast.IsRecLambda(fn):
		env := EnvExtend(fn.LamEnv, fn.SelfName, fn)
		return applyLambda(fn, env, argv)
	case ast.IsCont(fn):
		v := ast.Nil
		if len(argv) > 0 {
			v = argv[0]
		}
		return fn.ContFn(v)
	case ast.IsGeneric(fn):
		if m := ast.GenericDispatch(fn, argv); m != nil {
			if m.Fn != nil {
				return m.Fn(ast.SliceToList(argv), ast.Nil)
			}
			return Apply(m.Closure, argv)
		}
		raise(ast.NewError("no matching method on " + fn.GenericName))
	}
	raise(ast.NewError("not a function: " + fn.String()))
	return ast.Nil
}

func applyLambda(fn, base *ast.Value, argv []*ast.Value) *ast.Value {
	env := base
	i := 0
	params := fn.Params
	for ast.IsCell(params) {
		var v *ast.Value = ast.Nil
		if i < len(argv) {
			v = argv[i]
		}
		env = EnvExtend(env, params.Car, v)
		i++
		params = params.Cdr
	}
	// Improper tail collects the rest: (lambda (a . more) ...).
	if ast.IsSym(params) {
		env = EnvExtend(env, params, ast.SliceToList(argv[min(i, len(argv)):]))
	}
	return Eval(fn.Body, env)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func evalIf(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) {
		return ast.Nothing
	}
	cond := Eval(args.Car, env)
	if ast.IsTruthy(cond) {
		if ast.IsCell(args.Cdr) {
			return Eval(args.Cdr.Car, env)
		}
		return ast.Nothing
	}
	if ast.IsCell(args.Cdr) && ast.IsCell(args.Cdr.Cdr) {
		return Eval(args.Cdr.Cdr.Car, env)
	}
	return ast.Nothing
}

func evalLet(args, env *ast.Value, sequential bool) *ast.Value {
	if !ast.IsCell(args) {
		return ast.Nothing
	}
	inner := env
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		bind := rest.Car
		if !ast.IsCell(bind) || !ast.IsSym(bind.Car) {
			raise(ast.NewError("let: malformed binding"))
		}
		rhsEnv := env
		if sequential {
			rhsEnv = inner
		}
		inner = EnvExtend(inner, bind.Car, Eval(carOf(bind.Cdr), rhsEnv))
	}
	return evalSeq(args.Cdr, inner)
}

func evalLetrec(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) {
		return ast.Nothing
	}
	// Pre-bind every name so right-hand sides see each other.
	inner := env
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		if bind := rest.Car; ast.IsCell(bind) && ast.IsSym(bind.Car) {
			inner = EnvExtend(inner, bind.Car, ast.Nil)
		}
	}
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		if bind := rest.Car; ast.IsCell(bind) && ast.IsSym(bind.Car) {
			EnvSet(inner, bind.Car, Eval(carOf(bind.Cdr), inner))
		}
	}
	return evalSeq(args.Cdr, inner)
}

func evalLambda(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) {
		raise(ast.NewError("lambda: missing parameters"))
	}
	return ast.NewLambda(args.Car, carOf(args.Cdr), env)
}

func evalDefine(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) {
		raise(ast.NewError("define: missing name"))
	}
	first := args.Car
	// (define (name params...) body) names itself for recursion.
	if ast.IsCell(first) {
		name := first.Car
		if !ast.IsSym(name) {
			raise(ast.NewError("define: function name must be a symbol"))
		}
		fn := ast.NewRecLambda(name, first.Cdr, carOf(args.Cdr), env)
		GlobalDefine(name, fn)
		return name
	}
	if !ast.IsSym(first) {
		raise(ast.NewError("define: name must be a symbol"))
	}
	GlobalDefine(first, Eval(carOf(args.Cdr), env))
	return first
}

func evalSet(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) || !ast.IsSym(args.Car) || !ast.IsCell(args.Cdr) {
		raise(ast.NewError("set!: needs name and value"))
	}
	val := Eval(args.Cdr.Car, env)
	if EnvSet(env, args.Car, val) {
		return val
	}
	GlobalDefine(args.Car, val)
	return val
}

func evalSeq(body, env *ast.Value) *ast.Value {
	result := ast.Nothing
	for rest := body; ast.IsCell(rest); rest = rest.Cdr {
		result = Eval(rest.Car, env)
	}
	return result
}

func evalAnd(args, env *ast.Value) *ast.Value {
	result := ast.True
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		result = Eval(rest.Car, env)
		if !ast.IsTruthy(result) {
			return result
		}
	}
	return result
}

func evalOr(args, env *ast.Value) *ast.Value {
	result := ast.False
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		result = Eval(rest.Car, env)
		if ast.IsTruthy(result) {
			return result
		}
	}
	return result
}

func evalWhile(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) {
		return ast.Nothing
	}
	for ast.IsTruthy(Eval(args.Car, env)) {
		evalSeq(args.Cdr, env)
	}
	return ast.Nothing
}

// evalTry: (try expr handler). The handler sees the raised value
// bound as `error`.
func evalTry(args, env *ast.Value) (result *ast.Value) {
	if !ast.IsCell(args) || !ast.IsCell(args.Cdr) {
		raise(ast.NewError("try: needs expression and handler"))
	}
	handler := args.Cdr.Car
	defer func() {
		if r := recover(); r != nil {
			re, ok := r.(*raisedError)
			if !ok {
				panic(r)
			}
			henv := EnvExtend(env, ast.NewSym("error"), re.value)
			result = Eval(handler, henv)
		}
	}()
	return Eval(args.Car, env)
}

func evalError(args, env *ast.Value) *ast.Value {
	msg := "error"
	if ast.IsCell(args) {
		v := Eval(args.Car, env)
		if ast.IsError(v) {
			raise(v)
		}
		msg = displayString(v)
	}
	raise(ast.NewError(msg))
	return ast.Nil
}

// evalQuasiquote handles `x with ,x and ,@x at the right depth.
func evalQuasiquote(tmpl, env *ast.Value, depth int) *ast.Value {
	if !ast.IsCell(tmpl) {
		return tmpl
	}
	if ast.SymEqStr(tmpl.Car, "unquote") {
		if depth == 1 {
			return Eval(carOf(tmpl.Cdr), env)
		}
		return ast.List2(tmpl.Car, evalQuasiquote(carOf(tmpl.Cdr), env, depth-1))
	}
	if ast.SymEqStr(tmpl.Car, "quasiquote") {
		return ast.List2(tmpl.Car, evalQuasiquote(carOf(tmpl.Cdr), env, depth+1))
	}
	var items []*ast.Value
	rest := tmpl
	for ast.IsCell(rest) {
		elem := rest.Car
		if ast.IsCell(elem) && ast.SymEqStr(elem.Car, "unquote-splicing") && depth == 1 {
			spliced := Eval(carOf(elem.Cdr), env)
			for ast.IsCell(spliced) {
				items = append(items, spliced.Car)
				spliced = spliced.Cdr
			}
		} else {
			items = append(items, evalQuasiquote(elem, env, depth))
		}
		rest = rest.Cdr
	}
	out := ast.SliceToList(items)
	if !ast.IsNil(rest) {
		last := out
		for ast.IsCell(last.Cdr) {
			last = last.Cdr
		}
		last.Cdr = evalQuasiquote(rest, env, depth)
	}
	return out
}

// evalDeftype registers a user type interactively: a constructor
// closure, per-field accessors and setters, and a predicate. The
// interpreter keeps type structure in the values themselves; the AOT
// pipeline's registry is not involved.
func evalDeftype(args *ast.Value) *ast.Value {
	if !ast.IsCell(args) || !ast.IsSym(args.Car) {
		raise(ast.NewError("deftype: expected type name"))
	}
	typeName := args.Car.Str
	var fields []string
	for rest := args.Cdr; ast.IsCell(rest); rest = rest.Cdr {
		field := rest.Car
		if !ast.IsCell(field) || !ast.IsSym(field.Car) {
			raise(ast.NewError("deftype " + typeName + ": field must be (name type)"))
		}
		fields = append(fields, field.Car.Str)
	}

	ctorFields := append([]string(nil), fields...)
	GlobalDefine(ast.NewSym("mk-"+typeName), ast.NewPrim(func(argList, _ *ast.Value) *ast.Value {
		vals := ast.ListToSlice(argList)
		m := make(map[string]*ast.Value, len(ctorFields))
		for i, f := range ctorFields {
			if i < len(vals) {
				m[f] = vals[i]
			} else {
				m[f] = ast.Nil
			}
		}
		return ast.NewUserType(typeName, m, ctorFields)
	}))

	GlobalDefine(ast.NewSym(typeName+"?"), ast.NewPrim(func(argList, _ *ast.Value) *ast.Value {
		return ast.NewBool(ast.IsUserTypeOf(carOf(argList), typeName))
	}))

	for _, f := range fields {
		field := f
		GlobalDefine(ast.NewSym(typeName+"-"+field), ast.NewPrim(func(argList, _ *ast.Value) *ast.Value {
			v := ast.UserTypeGetField(carOf(argList), field)
			if v == nil {
				return ast.Nothing
			}
			return v
		}))
		GlobalDefine(ast.NewSym("set-"+typeName+"-"+field+"!"), ast.NewPrim(func(argList, _ *ast.Value) *ast.Value {
			obj := carOf(argList)
			val := carOf(argList.Cdr)
			ast.UserTypeSetField(obj, field, val)
			return val
		}))
	}
	return args.Car
}

// Run evaluates one expression in a fresh default environment.
func Run(expr *ast.Value) *ast.Value {
	return Eval(expr, DefaultEnv())
}

// EvalTop evaluates a top-level form, converting raised errors into
// error values instead of unwinding into the caller.
func EvalTop(expr, env *ast.Value) (result *ast.Value) {
	defer func() {
		if r := recover(); r != nil {
			re, ok := r.(*raisedError)
			if !ok {
				panic(r)
			}
			result = re.value
		}
	}()
	return Eval(expr, env)
}

func displayString(v *ast.Value) string {
	if isCharList(v) {
		return charListString(v)
	}
	return v.String()
}

func isCharList(v *ast.Value) bool {
	if !ast.IsCell(v) {
		return false
	}
	for ast.IsCell(v) {
		if !ast.IsChar(v.Car) {
			return false
		}
		v = v.Cdr
	}
	return ast.IsNil(v)
}

func charListString(v *ast.Value) string {
	var out []rune
	for ast.IsCell(v) {
		out = append(out, rune(v.Car.Int))
		v = v.Cdr
	}
	return string(out)
}

// DebugDump renders an environment chain for the ,env meta-command's
// verbose mode.
func DebugDump(env *ast.Value) string {
	s := ""
	for ast.IsCell(env) {
		if pair := env.Car; ast.IsCell(pair) {
			s += fmt.Sprintf("  %s = %s\n", pair.Car, pair.Cdr)
		}
		env = env.Cdr
	}
	return s
}
