package analysis

import (
	"github.com/omnilisp/omni/pkg/ast"
	"github.com/omnilisp/omni/pkg/cfg"
)

// Result is one program's complete analysis: the CFG with liveness,
// dominators and SCCs computed, plus the per-variable annotation
// tables the region engine and code generator consume.
type Result struct {
	Graph     *cfg.Graph
	Escape    *AnalysisContext
	Ownership *OwnershipContext
	Shapes    *ShapeContext
	Purity    *PurityAnalyzer
	Summaries *SummaryRegistry
	Conc      *ConcurrencyAnalyzer
	RCOpt     *RCOptContext
	Reuse     *ReuseAnalyzer
	DPS       *DPSAnalyzer

	FreeAt map[string]*cfg.Node
}

// Analyze runs the full pass pipeline over an expanded top-level
// program: CFG construction, liveness, dominators (both directions),
// SCC detection, escape and ownership classification, shape analysis,
// purity, concurrency locality, and static-symmetric-cycle marking.
// The analyzer never aborts; it annotates and proceeds.
func Analyze(exprs []*ast.Value) *Result {
	g := cfg.Build(exprs)
	cfg.Liveness(g)
	cfg.Dominators(g)
	cfg.PostDominators(g)
	cfg.SCCs(g)

	esc := NewAnalysisContext()
	own := NewOwnershipContext(nil)
	shapes := NewShapeContext()
	purity := NewPurityAnalyzer()
	conc := NewConcurrencyAnalyzer()
	rcopt := NewRCOptContext()
	reuse := NewReuseAnalyzer()
	sumAn := NewSummaryAnalyzer()
	sumAn.Registry.InitPrimitiveSummaries()
	dps := NewDPSAnalyzer(sumAn.Registry)

	for _, e := range exprs {
		collectBindings(e, esc)
	}
	for _, e := range exprs {
		esc.AnalyzeExpr(e)
		esc.AnalyzeEscape(e, EscapeNone)
		own.AnalyzeOwnership(e)
		shapes.AnalyzeShapes(e)
		conc.Analyze(e)
		rcopt.PropagateUniqueness(e)
		reuse.Analyze(e)
		analyzeDefinedFunction(e, sumAn, dps)
	}

	res := &Result{
		Graph:     g,
		Escape:    esc,
		Ownership: own,
		Shapes:    shapes,
		Purity:    purity,
		Summaries: sumAn.Registry,
		Conc:      conc,
		RCOpt:     rcopt,
		Reuse:     reuse,
		DPS:       dps,
	}
	res.mergeTables()
	MarkStaticSCCs(g, esc.Vars)
	res.FreeAt = cfg.FreePoints(g, res.mustFreeLocals())
	return res
}

// analyzeDefinedFunction feeds top-level function definitions to the
// summary and DPS analyzers: letrec-style call graphs resolve through
// summaries instead of re-running escape analysis per call site.
func analyzeDefinedFunction(expr *ast.Value, sumAn *SummaryAnalyzer, dps *DPSAnalyzer) {
	if !ast.IsCell(expr) || !ast.SymEqStr(expr.Car, "define") || !ast.IsCell(expr.Cdr) {
		return
	}
	head := expr.Cdr.Car
	if !ast.IsCell(head) || !ast.IsSym(head.Car) || !ast.IsCell(expr.Cdr.Cdr) {
		return
	}
	name := head.Car.Str
	params := head.Cdr
	body := expr.Cdr.Cdr.Car
	sumAn.AnalyzeFunction(name, params, body)
	dps.AnalyzeFunction(name, params, body)
}

// collectBindings pre-registers every binding form's names so use
// sites resolve during the escape walk.
func collectBindings(expr *ast.Value, esc *AnalysisContext) {
	if expr == nil || !ast.IsCell(expr) {
		return
	}
	if ast.IsSym(expr.Car) {
		switch expr.Car.Str {
		case "quote", "syntax-quote":
			return
		case "let", "let*", "letrec":
			if ast.IsCell(expr.Cdr) {
				for rest := expr.Cdr.Car; ast.IsCell(rest); rest = rest.Cdr {
					if bind := rest.Car; ast.IsCell(bind) && ast.IsSym(bind.Car) {
						esc.AddVar(bind.Car.Str)
					}
				}
			}
		case "define":
			if ast.IsCell(expr.Cdr) {
				if ast.IsSym(expr.Cdr.Car) {
					esc.AddVar(expr.Cdr.Car.Str)
				} else if ast.IsCell(expr.Cdr.Car) && ast.IsSym(expr.Cdr.Car.Car) {
					esc.AddVar(expr.Cdr.Car.Car.Str)
				}
			}
		}
	}
	for rest := expr; ast.IsCell(rest); rest = rest.Cdr {
		collectBindings(rest.Car, esc)
	}
}

// mergeTables folds ownership and shape classifications into the
// escape table's VarUsage records and derives MustFree.
func (r *Result) mergeTables() {
	for name, u := range r.Escape.Vars {
		if info := r.Ownership.GetOwnership(name); info != nil {
			switch info.Class {
			case OwnerTransferred:
				u.Ownership = OwnerTransferred
			case OwnerBorrowed:
				u.Ownership = OwnerBorrowed
			case OwnerShared:
				u.Ownership = OwnerShared
			case OwnerWeak:
				u.Ownership = OwnerWeak
			default:
				u.Ownership = OwnerLocal
			}
		} else {
			u.Ownership = OwnerLocal
		}
		if si := r.Shapes.FindShape(name); si != nil {
			u.Shape = si.Shape
		}
		u.MustFree = u.Ownership == OwnerLocal || u.Ownership == OwnerShared
	}
}

func (r *Result) mustFreeLocals() []string {
	var out []string
	for _, u := range r.Escape.Vars {
		if u.MustFree && u.Ownership == OwnerLocal {
			out = append(out, u.Name)
		}
	}
	return out
}

// Usage returns the merged annotation record for a variable.
func (r *Result) Usage(name string) *VarUsage {
	return r.Escape.FindVar(name)
}
