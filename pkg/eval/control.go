package eval

import (
	"github.com/omnilisp/omni/pkg/ast"
)

// Delimited control. This is the contract the Open Question settles:
// reset/shift and handle/perform run here, never in compiled code.
//
// Continuations are one-shot and abortive: the `k` a shift receives
// jumps back to its reset with a value, discarding the context in
// between; it does not re-enter it. Handlers are resumable in place:
// perform calls the innermost matching handler and continues with its
// result. Both shapes cover the error-handling and effect patterns
// the REPL needs without a CPS rewrite of the evaluator.

// resetSignal unwinds to a specific reset frame.
type resetSignal struct {
	tag   int
	value *ast.Value
}

var resetCounter int

// evalReset establishes a delimiter: (reset body...).
func evalReset(args, env *ast.Value) (result *ast.Value) {
	resetCounter++
	tag := resetCounter

	prev := currentResetTag
	currentResetTag = tag
	defer func() {
		currentResetTag = prev
		if r := recover(); r != nil {
			if sig, ok := r.(*resetSignal); ok && sig.tag == tag {
				result = sig.value
				return
			}
			panic(r)
		}
	}()
	return evalSeq(args, env)
}

var currentResetTag int

// evalShift captures the escape to the innermost reset:
// (shift k body...). Invoking k aborts to that reset with its
// argument; the body's own result aborts there too.
func evalShift(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) || !ast.IsSym(args.Car) {
		raise(ast.NewError("shift: needs a continuation name"))
	}
	if currentResetTag == 0 {
		raise(ast.NewError("shift outside reset"))
	}
	tag := currentResetTag
	k := ast.NewCont(func(v *ast.Value) *ast.Value {
		panic(&resetSignal{tag: tag, value: v})
	}, ast.Nil)

	body := evalSeq(args.Cdr, EnvExtend(env, args.Car, k))
	panic(&resetSignal{tag: tag, value: body})
}

// handlerFrame is one installed (handle ...) scope.
type handlerFrame struct {
	handlers map[string]*ast.Value
	parent   *handlerFrame
}

var currentHandlers *handlerFrame

// evalHandle installs effect handlers around a body:
// (handle body (name fn)...).
func evalHandle(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) {
		return ast.Nothing
	}
	frame := &handlerFrame{handlers: make(map[string]*ast.Value), parent: currentHandlers}
	for rest := args.Cdr; ast.IsCell(rest); rest = rest.Cdr {
		clause := rest.Car
		if !ast.IsCell(clause) || !ast.IsSym(clause.Car) {
			raise(ast.NewError("handle: clause must be (effect handler)"))
		}
		frame.handlers[clause.Car.Str] = Eval(carOf(clause.Cdr), env)
	}
	currentHandlers = frame
	defer func() { currentHandlers = frame.parent }()
	return Eval(args.Car, env)
}

// evalPerform invokes the innermost handler for an effect and
// resumes with its result: (perform name payload).
func evalPerform(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) || !ast.IsSym(args.Car) {
		raise(ast.NewError("perform: needs an effect name"))
	}
	name := args.Car.Str
	payload := ast.Nothing
	if ast.IsCell(args.Cdr) {
		payload = Eval(args.Cdr.Car, env)
	}
	for frame := currentHandlers; frame != nil; frame = frame.parent {
		if h, ok := frame.handlers[name]; ok {
			return Apply(h, []*ast.Value{payload})
		}
	}
	raise(ast.NewError("perform: no handler for " + name))
	return ast.Nil
}

// Fibers: spawn starts a goroutine-backed thread handle; with-fibers
// joins everything the scope spawned.
type fiberScope struct {
	handles []*ast.Value
	parent  *fiberScope
}

var currentFibers *fiberScope

func evalSpawn(args, env *ast.Value) *ast.Value {
	if !ast.IsCell(args) {
		return ast.Nothing
	}
	body := args.Car
	handle := ast.NewThread()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if re, ok := r.(*raisedError); ok {
					handle.ThreadDone <- re.value
					return
				}
				panic(r)
			}
		}()
		handle.ThreadDone <- Eval(body, env)
	}()
	if currentFibers != nil {
		currentFibers.handles = append(currentFibers.handles, handle)
	}
	return handle
}

func evalWithFibers(args, env *ast.Value) *ast.Value {
	scope := &fiberScope{parent: currentFibers}
	currentFibers = scope
	defer func() {
		currentFibers = scope.parent
		for _, h := range scope.handles {
			joinThread(h)
		}
	}()
	return evalSeq(args, env)
}

func joinThread(h *ast.Value) *ast.Value {
	if !ast.IsThread(h) {
		raise(ast.NewError("join: not a thread handle"))
	}
	if h.ThreadResult == nil {
		h.ThreadResult = <-h.ThreadDone
	}
	return h.ThreadResult
}
