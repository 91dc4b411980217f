package analysis

import "github.com/omnilisp/omni/pkg/ast"

// Destination-passing style. A function that freshly allocates its
// result and recurses in tail position can instead write each step
// through a destination slot in the caller's region: the recursion
// then allocates nothing per frame and the result lands where it will
// live. The analyzer only selects candidates; pkg/codegen emits the
// variants.

// DPSCandidate is one function selected for the transformation.
type DPSCandidate struct {
	Name       string
	Params     []string
	IsTailCall bool
	BodyExpr   *ast.Value
}

// DPSAnalyzer selects candidates using the summary registry's
// freshness and allocation facts.
type DPSAnalyzer struct {
	Candidates map[string]*DPSCandidate
	Registry   *SummaryRegistry
}

// NewDPSAnalyzer creates an analyzer over a summary registry.
func NewDPSAnalyzer(registry *SummaryRegistry) *DPSAnalyzer {
	return &DPSAnalyzer{
		Candidates: make(map[string]*DPSCandidate),
		Registry:   registry,
	}
}

// AnalyzeFunction decides whether name is worth a DPS variant: its
// summary must say the return is a fresh allocation and that the body
// allocates, and the self-recursion (if any) must sit in tail
// position.
func (da *DPSAnalyzer) AnalyzeFunction(name string, params *ast.Value, body *ast.Value) *DPSCandidate {
	summary := da.Registry.Lookup(name)
	if summary == nil || summary.Return == nil || !summary.Return.IsFresh {
		return nil
	}
	if summary.Allocations == 0 {
		return nil
	}
	candidate := &DPSCandidate{
		Name:       name,
		Params:     paramNames(params),
		IsTailCall: selfCallsOnlyInTail(body, name, true),
		BodyExpr:   body,
	}
	da.Candidates[name] = candidate
	return candidate
}

func paramNames(params *ast.Value) []string {
	var out []string
	for rest := params; ast.IsCell(rest); rest = rest.Cdr {
		if ast.IsSym(rest.Car) {
			out = append(out, rest.Car.Str)
		}
	}
	return out
}

// selfCallsOnlyInTail reports whether every recursive call to name
// inside expr occupies a tail position. A body with no self-call at
// all also reports true; the candidate is then a plain
// write-through-destination rewrite with no loop.
func selfCallsOnlyInTail(expr *ast.Value, name string, tail bool) bool {
	if expr == nil || !ast.IsCell(expr) {
		return true
	}
	head := expr.Car
	args := expr.Cdr

	if ast.IsSym(head) {
		switch head.Str {
		case "quote", "syntax-quote":
			return true
		case "if":
			// Condition is never tail; both arms inherit.
			if !ast.IsCell(args) {
				return true
			}
			if !selfCallsOnlyInTail(args.Car, name, false) {
				return false
			}
			ok := true
			if ast.IsCell(args.Cdr) {
				ok = ok && selfCallsOnlyInTail(args.Cdr.Car, name, tail)
				if ast.IsCell(args.Cdr.Cdr) {
					ok = ok && selfCallsOnlyInTail(args.Cdr.Cdr.Car, name, tail)
				}
			}
			return ok
		case "begin", "do":
			ok := true
			for rest := args; ast.IsCell(rest); rest = rest.Cdr {
				last := !ast.IsCell(rest.Cdr)
				ok = ok && selfCallsOnlyInTail(rest.Car, name, tail && last)
			}
			return ok
		case "let", "let*", "letrec":
			if !ast.IsCell(args) {
				return true
			}
			for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
				if bind := rest.Car; ast.IsCell(bind) && ast.IsCell(bind.Cdr) {
					if !selfCallsOnlyInTail(bind.Cdr.Car, name, false) {
						return false
					}
				}
			}
			ok := true
			for body := args.Cdr; ast.IsCell(body); body = body.Cdr {
				last := !ast.IsCell(body.Cdr)
				ok = ok && selfCallsOnlyInTail(body.Car, name, tail && last)
			}
			return ok
		case name:
			// The self-call itself: fine only in tail position, and
			// its arguments must not recurse.
			if !tail {
				return false
			}
			for rest := args; ast.IsCell(rest); rest = rest.Cdr {
				if !selfCallsOnlyInTail(rest.Car, name, false) {
					return false
				}
			}
			return true
		}
	}
	// Any other application: operands are non-tail.
	ok := selfCallsOnlyInTail(head, name, false)
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		ok = ok && selfCallsOnlyInTail(rest.Car, name, false)
	}
	return ok
}
