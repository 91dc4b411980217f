package codegen

import (
	"fmt"
	"strings"

	"github.com/omnilisp/omni/pkg/ast"
)

// Exception-path cleanup.
//
// A THROW longjmps past every scope between the throw site and the
// nearest try: the region exits those scopes would have run are
// skipped. The generator therefore snapshots the region-stack depth
// before a try body and emits region_unwind_to on the catch path, so
// unwinding exits and destroys exactly the regions the jump skipped.
// CleanupPoint/AnalyzeExceptionPoints map where those skips can
// happen, for the -v report.

// CleanupPoint is one scope whose regions need unwinding if an
// exception crosses it.
type CleanupPoint struct {
	ID         int
	LiveVars   []string
	SourceLine int
	InTryBlock bool
	TryBlockID int
}

// LandingPad is one try block's unwind record.
type LandingPad struct {
	TryBlockID    int
	CleanupPoints []*CleanupPoint
	CatchVar      string
}

// ExceptionContext tracks try nesting during analysis.
type ExceptionContext struct {
	CurrentTryBlock  int
	TryBlocks        []*LandingPad
	AllCleanupPoints []*CleanupPoint
	nextCleanupID    int
	nextTryBlockID   int
}

// NewExceptionContext creates an empty context.
func NewExceptionContext() *ExceptionContext {
	return &ExceptionContext{CurrentTryBlock: -1}
}

// EnterTryBlock opens a try scope.
func (ctx *ExceptionContext) EnterTryBlock(catchVar string) *LandingPad {
	pad := &LandingPad{TryBlockID: ctx.nextTryBlockID, CatchVar: catchVar}
	ctx.nextTryBlockID++
	ctx.TryBlocks = append(ctx.TryBlocks, pad)
	ctx.CurrentTryBlock = pad.TryBlockID
	return pad
}

// ExitTryBlock closes the innermost try scope.
func (ctx *ExceptionContext) ExitTryBlock() *LandingPad {
	if len(ctx.TryBlocks) == 0 {
		return nil
	}
	pad := ctx.TryBlocks[len(ctx.TryBlocks)-1]
	ctx.TryBlocks = ctx.TryBlocks[:len(ctx.TryBlocks)-1]
	if len(ctx.TryBlocks) > 0 {
		ctx.CurrentTryBlock = ctx.TryBlocks[len(ctx.TryBlocks)-1].TryBlockID
	} else {
		ctx.CurrentTryBlock = -1
	}
	return pad
}

// AddCleanupPoint records a scope binding that an unwind would skip.
func (ctx *ExceptionContext) AddCleanupPoint(varName string, sourceLine int) *CleanupPoint {
	cp := &CleanupPoint{
		ID:         ctx.nextCleanupID,
		LiveVars:   []string{varName},
		SourceLine: sourceLine,
		InTryBlock: ctx.CurrentTryBlock >= 0,
		TryBlockID: ctx.CurrentTryBlock,
	}
	ctx.nextCleanupID++
	ctx.AllCleanupPoints = append(ctx.AllCleanupPoints, cp)
	if len(ctx.TryBlocks) > 0 {
		pad := ctx.TryBlocks[len(ctx.TryBlocks)-1]
		pad.CleanupPoints = append(pad.CleanupPoints, cp)
	}
	return cp
}

// UnwindProlog is emitted before a try body: snapshot the region
// stack.
func UnwindProlog(spVar string) string {
	return fmt.Sprintf("int %s = g_region_sp;\n", spVar)
}

// UnwindOnCatch is emitted at the top of a catch arm: exit and destroy
// the regions the longjmp skipped.
func UnwindOnCatch(spVar string) string {
	return fmt.Sprintf("region_unwind_to(%s);\n", spVar)
}

// AnalyzeExceptionPoints maps the cleanup points of one expression,
// for the verbose diagnostics report.
func AnalyzeExceptionPoints(expr *ast.Value) []*CleanupPoint {
	ctx := NewExceptionContext()
	analyzeExceptionExpr(expr, ctx, 0)
	return ctx.AllCleanupPoints
}

func analyzeExceptionExpr(expr *ast.Value, ctx *ExceptionContext, depth int) {
	if expr == nil || ast.IsNil(expr) || !ast.IsCell(expr) {
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
						ctx.AddCleanupPoint(bind.Car.Str, bind.Car.Pos.Line)
					}
				}
				for body := expr.Cdr.Cdr; ast.IsCell(body); body = body.Cdr {
					analyzeExceptionExpr(body.Car, ctx, depth)
				}
			}
			return
		case "try":
			ctx.EnterTryBlock("_exc")
			if ast.IsCell(expr.Cdr) {
				analyzeExceptionExpr(expr.Cdr.Car, ctx, depth+1)
			}
			ctx.ExitTryBlock()
			if ast.IsCell(expr.Cdr) && ast.IsCell(expr.Cdr.Cdr) {
				analyzeExceptionExpr(expr.Cdr.Cdr.Car, ctx, depth)
			}
			return
		}
	}
	for rest := expr; ast.IsCell(rest); rest = rest.Cdr {
		analyzeExceptionExpr(rest.Car, ctx, depth)
	}
}

// ReportCleanupPoints renders the analysis for -v.
func ReportCleanupPoints(points []*CleanupPoint) string {
	if len(points) == 0 {
		return "no exception cleanup points\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d exception cleanup points:\n", len(points))
	for _, cp := range points {
		where := "outside try"
		if cp.InTryBlock {
			where = fmt.Sprintf("try block %d", cp.TryBlockID)
		}
		fmt.Fprintf(&sb, "  %v (line %d, %s)\n", cp.LiveVars, cp.SourceLine, where)
	}
	return sb.String()
}
