package eval

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/omnilisp/omni/pkg/ast"
)

// The bridge's primitive set: enough for interactive work against the
// full Value model. Compiled programs never see these — they link the
// emitted C runtime instead.

// prim wraps a slice-based implementation as an ast.PrimFn.
func prim(fn func(argv []*ast.Value) *ast.Value) *ast.Value {
	return ast.NewPrim(func(args, _ *ast.Value) *ast.Value {
		return fn(ast.ListToSlice(args))
	})
}

func arg(argv []*ast.Value, i int) *ast.Value {
	if i < len(argv) {
		return argv[i]
	}
	return ast.Nil
}

func wantInt(v *ast.Value, who string) int64 {
	if !ast.IsInt(v) && !ast.IsChar(v) {
		raise(ast.NewError(who + ": expected integer, got " + v.String()))
	}
	return v.Int
}

func wantNum(v *ast.Value, who string) float64 {
	switch {
	case ast.IsInt(v):
		return float64(v.Int)
	case ast.IsFloat(v):
		return v.Float
	default:
		raise(ast.NewError(who + ": expected number, got " + v.String()))
		return 0
	}
}

func anyFloat(argv []*ast.Value) bool {
	for _, v := range argv {
		if ast.IsFloat(v) {
			return true
		}
	}
	return false
}

func arith(name string, intOp func(a, b int64) int64, floatOp func(a, b float64) float64) *ast.Value {
	return prim(func(argv []*ast.Value) *ast.Value {
		if len(argv) < 2 {
			raise(ast.NewError(name + ": needs two arguments"))
		}
		if anyFloat(argv[:2]) {
			return ast.NewFloat(floatOp(wantNum(argv[0], name), wantNum(argv[1], name)))
		}
		return ast.NewInt(intOp(wantInt(argv[0], name), wantInt(argv[1], name)))
	})
}

func compare(name string, op func(a, b float64) bool) *ast.Value {
	return prim(func(argv []*ast.Value) *ast.Value {
		if len(argv) < 2 {
			raise(ast.NewError(name + ": needs two arguments"))
		}
		return ast.NewBool(op(wantNum(argv[0], name), wantNum(argv[1], name)))
	})
}

func predicate(test func(*ast.Value) bool) *ast.Value {
	return prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewBool(test(arg(argv, 0)))
	})
}

var gensymCounter int64

// Gensym returns a fresh `_<prefix>_<n>` symbol from the session
// counter; the `gensym` primitive and the macro expander agree on the
// shape but keep separate counters.
func Gensym(prefix string) *ast.Value {
	if prefix == "" {
		prefix = "g"
	}
	n := atomic.AddInt64(&gensymCounter, 1)
	return ast.NewSym(fmt.Sprintf("_%s_%d", prefix, n))
}

var installOnce sync.Once

// DefaultEnv installs the primitive set into the session-global table
// (idempotent) and returns an empty local environment.
func DefaultEnv() *ast.Value {
	installOnce.Do(installPrimitives)
	return ast.Nil
}

func def(name string, v *ast.Value) {
	GlobalDefine(ast.NewSym(name), v)
}

func installPrimitives() {
	// Arithmetic
	def("+", arith("+", func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b }))
	def("-", arith("-", func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }))
	def("*", arith("*", func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b }))
	def("/", prim(func(argv []*ast.Value) *ast.Value {
		if len(argv) < 2 {
			raise(ast.NewError("/: needs two arguments"))
		}
		if anyFloat(argv[:2]) {
			d := wantNum(argv[1], "/")
			if d == 0 {
				raise(ast.NewError("division by zero"))
			}
			return ast.NewFloat(wantNum(argv[0], "/") / d)
		}
		d := wantInt(argv[1], "/")
		if d == 0 {
			raise(ast.NewError("division by zero"))
		}
		return ast.NewInt(wantInt(argv[0], "/") / d)
	}))
	def("%", prim(func(argv []*ast.Value) *ast.Value {
		d := wantInt(arg(argv, 1), "%")
		if d == 0 {
			raise(ast.NewError("division by zero"))
		}
		return ast.NewInt(wantInt(arg(argv, 0), "%") % d)
	}))
	def("abs", prim(func(argv []*ast.Value) *ast.Value {
		v := arg(argv, 0)
		if ast.IsFloat(v) {
			if v.Float < 0 {
				return ast.NewFloat(-v.Float)
			}
			return v
		}
		n := wantInt(v, "abs")
		if n < 0 {
			return ast.NewInt(-n)
		}
		return v
	}))

	// Comparison
	def("<", compare("<", func(a, b float64) bool { return a < b }))
	def(">", compare(">", func(a, b float64) bool { return a > b }))
	def("<=", compare("<=", func(a, b float64) bool { return a <= b }))
	def(">=", compare(">=", func(a, b float64) bool { return a >= b }))
	def("=", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewBool(valueEq(arg(argv, 0), arg(argv, 1)))
	}))
	def("eq?", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewBool(valueEq(arg(argv, 0), arg(argv, 1)))
	}))
	def("sym-eq?", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewBool(ast.SymEq(arg(argv, 0), arg(argv, 1)))
	}))
	def("not", predicate(func(v *ast.Value) bool { return !ast.IsTruthy(v) }))

	// Pairs and lists
	def("cons", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewCell(arg(argv, 0), arg(argv, 1))
	}))
	def("car", prim(func(argv []*ast.Value) *ast.Value {
		p := arg(argv, 0)
		if !ast.IsCell(p) {
			raise(ast.NewError("car: not a pair"))
		}
		return p.Car
	}))
	def("cdr", prim(func(argv []*ast.Value) *ast.Value {
		p := arg(argv, 0)
		if !ast.IsCell(p) {
			raise(ast.NewError("cdr: not a pair"))
		}
		return p.Cdr
	}))
	def("list", prim(func(argv []*ast.Value) *ast.Value {
		return ast.SliceToList(argv)
	}))
	def("length", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewInt(int64(ast.ListLen(arg(argv, 0))))
	}))
	def("append", prim(func(argv []*ast.Value) *ast.Value {
		items := ast.ListToSlice(arg(argv, 0))
		return appendList(items, arg(argv, 1))
	}))
	def("reverse", prim(func(argv []*ast.Value) *ast.Value {
		items := ast.ListToSlice(arg(argv, 0))
		out := ast.Nil
		for _, it := range items {
			out = ast.NewCell(it, out)
		}
		return out
	}))
	def("nth", prim(func(argv []*ast.Value) *ast.Value {
		n := wantInt(arg(argv, 1), "nth")
		v := arg(argv, 0)
		for ; n > 0 && ast.IsCell(v); n-- {
			v = v.Cdr
		}
		if !ast.IsCell(v) {
			return ast.Nothing
		}
		return v.Car
	}))

	// Higher order
	def("map", prim(func(argv []*ast.Value) *ast.Value {
		fn := arg(argv, 0)
		var out []*ast.Value
		for _, it := range ast.ListToSlice(arg(argv, 1)) {
			out = append(out, Apply(fn, []*ast.Value{it}))
		}
		return ast.SliceToList(out)
	}))
	def("filter", prim(func(argv []*ast.Value) *ast.Value {
		fn := arg(argv, 0)
		var out []*ast.Value
		for _, it := range ast.ListToSlice(arg(argv, 1)) {
			if ast.IsTruthy(Apply(fn, []*ast.Value{it})) {
				out = append(out, it)
			}
		}
		return ast.SliceToList(out)
	}))
	def("fold", prim(func(argv []*ast.Value) *ast.Value {
		fn := arg(argv, 0)
		acc := arg(argv, 1)
		for _, it := range ast.ListToSlice(arg(argv, 2)) {
			acc = Apply(fn, []*ast.Value{acc, it})
		}
		return acc
	}))
	def("apply", prim(func(argv []*ast.Value) *ast.Value {
		return Apply(arg(argv, 0), ast.ListToSlice(arg(argv, 1)))
	}))

	// Predicates
	def("null?", predicate(ast.IsNil))
	def("pair?", predicate(ast.IsCell))
	def("int?", predicate(ast.IsInt))
	def("float?", predicate(ast.IsFloat))
	def("char?", predicate(ast.IsChar))
	def("symbol?", predicate(ast.IsSym))
	def("bool?", predicate(ast.IsBool))
	def("nothing?", predicate(ast.IsNothing))
	def("string?", predicate(isCharList))
	def("array?", predicate(ast.IsArray))
	def("dict?", predicate(ast.IsDict))
	def("error?", predicate(ast.IsError))

	// Boxes
	def("box", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewBox(arg(argv, 0))
	}))
	def("unbox", prim(func(argv []*ast.Value) *ast.Value {
		b := arg(argv, 0)
		if !ast.IsBox(b) {
			raise(ast.NewError("unbox: not a box"))
		}
		return b.BoxValue
	}))
	def("set-box!", prim(func(argv []*ast.Value) *ast.Value {
		b := arg(argv, 0)
		if !ast.IsBox(b) {
			raise(ast.NewError("set-box!: not a box"))
		}
		b.BoxValue = arg(argv, 1)
		return b.BoxValue
	}))

	// Atoms (CAS-updated shared cells; the mutex models the CAS loop)
	def("atom", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewAtom(arg(argv, 0))
	}))
	def("deref", prim(func(argv []*ast.Value) *ast.Value {
		a := arg(argv, 0)
		if !ast.IsAtom(a) {
			raise(ast.NewError("deref: not an atom"))
		}
		atomMu.Lock()
		defer atomMu.Unlock()
		return a.AtomValue
	}))
	def("swap!", prim(func(argv []*ast.Value) *ast.Value {
		a := arg(argv, 0)
		if !ast.IsAtom(a) {
			raise(ast.NewError("swap!: not an atom"))
		}
		fn := arg(argv, 1)
		atomMu.Lock()
		defer atomMu.Unlock()
		a.AtomValue = Apply(fn, []*ast.Value{a.AtomValue})
		return a.AtomValue
	}))
	def("reset!", prim(func(argv []*ast.Value) *ast.Value {
		a := arg(argv, 0)
		if !ast.IsAtom(a) {
			raise(ast.NewError("reset!: not an atom"))
		}
		atomMu.Lock()
		defer atomMu.Unlock()
		a.AtomValue = arg(argv, 1)
		return a.AtomValue
	}))

	// Arrays, dicts, tuples, generic access
	def("array", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewArray(argv)
	}))
	def("array-ref", prim(func(argv []*ast.Value) *ast.Value {
		v := ast.ArrayGet(arg(argv, 0), int(wantInt(arg(argv, 1), "array-ref")))
		if v == nil {
			raise(ast.NewError("array-ref: index out of range"))
		}
		return v
	}))
	def("array-push!", prim(func(argv []*ast.Value) *ast.Value {
		a := arg(argv, 0)
		if !ast.IsArray(a) {
			raise(ast.NewError("array-push!: not an array"))
		}
		return ast.ArrayPush(a, arg(argv, 1))
	}))
	def("dict", prim(func(argv []*ast.Value) *ast.Value {
		d := ast.NewDict()
		for i := 0; i+1 < len(argv); i += 2 {
			ast.DictSet(d, argv[i], argv[i+1])
		}
		return d
	}))
	def("dict-get", prim(func(argv []*ast.Value) *ast.Value {
		if v, ok := ast.DictGet(arg(argv, 0), arg(argv, 1)); ok {
			return v
		}
		return ast.Nothing
	}))
	def("dict-set!", prim(func(argv []*ast.Value) *ast.Value {
		d := arg(argv, 0)
		if !ast.IsDict(d) {
			raise(ast.NewError("dict-set!: not a dict"))
		}
		ast.DictSet(d, arg(argv, 1), arg(argv, 2))
		return d
	}))
	def("tuple", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewTuple(argv)
	}))
	def("get", prim(func(argv []*ast.Value) *ast.Value {
		return genericGet(arg(argv, 0), arg(argv, 1))
	}))

	// Characters and strings (char lists)
	def("char->int", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewInt(wantInt(arg(argv, 0), "char->int"))
	}))
	def("int->char", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewChar(rune(wantInt(arg(argv, 0), "int->char")))
	}))
	def("char=?", prim(func(argv []*ast.Value) *ast.Value {
		a, b := arg(argv, 0), arg(argv, 1)
		return ast.NewBool(ast.IsChar(a) && ast.IsChar(b) && a.Int == b.Int)
	}))
	def("char<?", prim(func(argv []*ast.Value) *ast.Value {
		a, b := arg(argv, 0), arg(argv, 1)
		return ast.NewBool(ast.IsChar(a) && ast.IsChar(b) && a.Int < b.Int)
	}))
	def("string-length", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewInt(int64(ast.ListLen(arg(argv, 0))))
	}))
	def("string-concat", prim(func(argv []*ast.Value) *ast.Value {
		out := ast.Nil
		for i := len(argv) - 1; i >= 0; i-- {
			out = appendList(ast.ListToSlice(argv[i]), out)
		}
		return out
	}))
	def("string-append", prim(func(argv []*ast.Value) *ast.Value {
		return appendList(ast.ListToSlice(arg(argv, 0)), arg(argv, 1))
	}))
	def("int->float", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewFloat(wantNum(arg(argv, 0), "int->float"))
	}))
	def("float->int", prim(func(argv []*ast.Value) *ast.Value {
		return ast.NewInt(int64(wantNum(arg(argv, 0), "float->int")))
	}))

	// I/O
	def("display", prim(func(argv []*ast.Value) *ast.Value {
		fmt.Print(displayString(arg(argv, 0)))
		return ast.Nothing
	}))
	def("print", prim(func(argv []*ast.Value) *ast.Value {
		fmt.Println(displayString(arg(argv, 0)))
		return ast.Nothing
	}))
	def("newline", prim(func(argv []*ast.Value) *ast.Value {
		fmt.Println()
		return ast.Nothing
	}))

	// Symbols
	def("gensym", prim(func(argv []*ast.Value) *ast.Value {
		prefix := ""
		if len(argv) > 0 && ast.IsSym(argv[0]) {
			prefix = argv[0].Str
		}
		return Gensym(prefix)
	}))

	// Fibers and channels (REPL-only; compiled code uses atoms and
	// joins)
	def("join", prim(func(argv []*ast.Value) *ast.Value {
		return joinThread(arg(argv, 0))
	}))
	def("make-chan", prim(func(argv []*ast.Value) *ast.Value {
		capacity := 0
		if len(argv) > 0 && ast.IsInt(argv[0]) {
			capacity = int(argv[0].Int)
		}
		return ast.NewChan(capacity)
	}))
	def("chan-send!", prim(func(argv []*ast.Value) *ast.Value {
		return ChanSendBlocking(arg(argv, 0), arg(argv, 1))
	}))
	def("chan-recv!", prim(func(argv []*ast.Value) *ast.Value {
		return ChanRecvBlocking(arg(argv, 0))
	}))
	def("chan-close!", prim(func(argv []*ast.Value) *ast.Value {
		return ChanClose(arg(argv, 0))
	}))
}

var atomMu sync.Mutex

// valueEq is the structural equality behind = and eq?.
func valueEq(a, b *ast.Value) bool {
	if ast.IsNil(a) || ast.IsNil(b) {
		return ast.IsNil(a) && ast.IsNil(b)
	}
	if a.Tag != b.Tag {
		// ints compare with floats numerically
		if (ast.IsInt(a) || ast.IsFloat(a)) && (ast.IsInt(b) || ast.IsFloat(b)) {
			return wantNum(a, "=") == wantNum(b, "=")
		}
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
		return valueEq(a.Car, b.Car) && valueEq(a.Cdr, b.Cdr)
	default:
		return a == b
	}
}

func appendList(items []*ast.Value, tail *ast.Value) *ast.Value {
	out := tail
	for i := len(items) - 1; i >= 0; i-- {
		out = ast.NewCell(items[i], out)
	}
	return out
}

// genericGet mirrors the compiled omni_get: dicts by key, arrays and
// lists by index, boxes transparently, user types by field name.
func genericGet(obj, key *ast.Value) *ast.Value {
	switch {
	case ast.IsDict(obj):
		if v, ok := ast.DictGet(obj, key); ok {
			return v
		}
		return ast.Nothing
	case ast.IsArray(obj):
		if v := ast.ArrayGet(obj, int(wantInt(key, "get"))); v != nil {
			return v
		}
		return ast.Nothing
	case ast.IsCell(obj):
		n := wantInt(key, "get")
		for ; n > 0 && ast.IsCell(obj); n-- {
			obj = obj.Cdr
		}
		if ast.IsCell(obj) {
			return obj.Car
		}
		return ast.Nothing
	case ast.IsBox(obj):
		return obj.BoxValue
	case ast.IsUserType(obj):
		name := ""
		switch {
		case ast.IsSym(key), ast.IsKeyword(key):
			name = key.Str
		default:
			return ast.Nothing
		}
		if v := ast.UserTypeGetField(obj, name); v != nil {
			return v
		}
		return ast.Nothing
	case ast.IsNamedTuple(obj):
		if ast.IsSym(key) {
			if v, ok := ast.NamedTupleGet(obj, key.Str); ok {
				return v
			}
		}
		return ast.Nothing
	default:
		return ast.Nothing
	}
}
