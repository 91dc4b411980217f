package eval

import (
	"sync"

	"github.com/omnilisp/omni/pkg/ast"
)

// Environments are assoc lists of (symbol . value) cells so they can
// be captured by closures and shadowed without copying. The global
// environment is a separate table shared by the whole REPL session.

// EnvExtend prepends a binding to env.
func EnvExtend(env, sym, val *ast.Value) *ast.Value {
	return ast.NewCell(ast.NewCell(sym, val), env)
}

// EnvLookup finds the innermost binding of sym, or nil.
func EnvLookup(env, sym *ast.Value) *ast.Value {
	for ast.IsCell(env) {
		pair := env.Car
		if ast.IsCell(pair) && ast.SymEq(pair.Car, sym) {
			return pair.Cdr
		}
		env = env.Cdr
	}
	return nil
}

// EnvSet mutates the innermost binding of sym in place; reports
// whether a binding existed.
func EnvSet(env, sym, val *ast.Value) bool {
	for ast.IsCell(env) {
		pair := env.Car
		if ast.IsCell(pair) && ast.SymEq(pair.Car, sym) {
			pair.Cdr = val
			return true
		}
		env = env.Cdr
	}
	return false
}

// The global environment is the same assoc-list shape as local
// environments so set! can mutate either through EnvSet.
var (
	globalEnv   = ast.Nil
	globalMutex sync.RWMutex
)

// GlobalLookup reads the session-global environment.
func GlobalLookup(sym *ast.Value) *ast.Value {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return EnvLookup(globalEnv, sym)
}

// GlobalDefine binds (or rebinds) a name in the session-global
// environment.
func GlobalDefine(sym, val *ast.Value) {
	if !ast.IsSym(sym) {
		return
	}
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if !EnvSet(globalEnv, sym, val) {
		globalEnv = EnvExtend(globalEnv, sym, val)
	}
}

// GetGlobalEnv exposes the global environment, for the ,env
// meta-command and the env primitive.
func GetGlobalEnv() *ast.Value {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return globalEnv
}

// ReplEnv adapts the evaluator's environments to the macro expander's
// Env interface so define-syntax snapshots see REPL bindings.
type ReplEnv struct {
	Env *ast.Value
}

// Lookup resolves name through the local then global environment.
func (e ReplEnv) Lookup(name string) (*ast.Value, bool) {
	sym := ast.NewSym(name)
	if v := EnvLookup(e.Env, sym); v != nil {
		return v, true
	}
	if v := GlobalLookup(sym); v != nil {
		return v, true
	}
	return nil, false
}
