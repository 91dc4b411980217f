package analysis

import (
	"testing"
)

func TestPoolEligibleLocal(t *testing.T) {
	ctx := NewPoolContext()
	ctx.EscapeCtx.AddVar("x")

	if got := ctx.AnalyzePoolEligibility("x", "pair", nil); got == PoolIneligible {
		t.Errorf("non-escaping local should be poolable, got %s", got)
	}
	if !ctx.IsPoolEligible("x") {
		t.Error("IsPoolEligible disagrees with analysis")
	}
}

func TestPoolEscapingVariableRejected(t *testing.T) {
	ctx := NewPoolContext()
	u := ctx.EscapeCtx.AddVar("g")
	u.Escape = EscapeGlobal

	if got := ctx.AnalyzePoolEligibility("g", "pair", nil); got != PoolIneligible {
		t.Errorf("globally escaping value must not pool, got %s", got)
	}
	cand := ctx.GetPoolCandidate("g")
	if cand == nil || cand.Reason == "" {
		t.Error("rejection should record its reason")
	}
}

func TestPoolCapturedVariableRejected(t *testing.T) {
	ctx := NewPoolContext()
	u := ctx.EscapeCtx.AddVar("c")
	u.CapturedByLambda = true

	if got := ctx.AnalyzePoolEligibility("c", "pair", nil); got != PoolIneligible {
		t.Errorf("closure-captured value must not pool, got %s", got)
	}
}

func TestPoolBorrowedRejected(t *testing.T) {
	ctx := NewPoolContext()
	own := NewOwnershipContext(nil)
	own.DefineBorrowed("view")
	ctx.SetOwnershipContext(own)
	ctx.EscapeCtx.AddVar("view")

	if got := ctx.AnalyzePoolEligibility("view", "pair", nil); got != PoolIneligible {
		t.Errorf("borrowed reference must not pool, got %s", got)
	}
}

func TestPoolCounting(t *testing.T) {
	ctx := NewPoolContext()
	ctx.EscapeCtx.AddVar("a")
	ctx.EscapeCtx.AddVar("b")
	esc := ctx.EscapeCtx.AddVar("z")
	esc.Escape = EscapeArg

	ctx.AnalyzePoolEligibility("a", "int", nil)
	ctx.AnalyzePoolEligibility("b", "int", nil)
	ctx.AnalyzePoolEligibility("z", "int", nil)

	if got := ctx.CountPoolEligible(); got != 2 {
		t.Errorf("eligible count = %d, want 2", got)
	}
	stats := ctx.GetPoolStats()
	if stats.Ineligible != 1 {
		t.Errorf("ineligible count = %d, want 1", stats.Ineligible)
	}
}

func TestPoolScopeDepthTracking(t *testing.T) {
	ctx := NewPoolContext()
	ctx.EnterScope()
	ctx.EnterScope()
	if ctx.ScopeDepth != 2 {
		t.Errorf("depth = %d, want 2", ctx.ScopeDepth)
	}
	ctx.ExitScope()
	ctx.ExitScope()
	ctx.ExitScope() // over-exit must clamp at zero
	if ctx.ScopeDepth != 0 {
		t.Errorf("depth = %d, want 0", ctx.ScopeDepth)
	}
}
