package analysis

import (
	"testing"
)

func TestRCOptUniqueReference(t *testing.T) {
	ctx := NewRCOptContext()
	ctx.DefineVar("fresh")
	if !ctx.IsUnique("fresh") {
		t.Error("fresh allocation should start unique")
	}
	if got := ctx.GetOptimizedDecRef("fresh"); got != RCOptDirectFree {
		t.Errorf("unique value should free directly, got %v", got)
	}
}

func TestRCOptAliasKillsUniqueness(t *testing.T) {
	ctx := NewRCOptContext()
	ctx.DefineVar("orig")
	ctx.DefineAlias("view", "orig")

	if ctx.IsUnique("orig") {
		t.Error("aliased original is no longer unique")
	}
	if got := ctx.GetOptimizedIncRef("view"); got != RCOptElideIncRef {
		t.Errorf("alias retain should be elided, got %v", got)
	}
}

func TestRCOptBorrowedSkipsBothDirections(t *testing.T) {
	ctx := NewRCOptContext()
	ctx.DefineBorrowed("param")
	if ctx.GetOptimizedIncRef("param") != RCOptElideIncRef {
		t.Error("borrowed views never retain")
	}
	if ctx.GetOptimizedDecRef("param") != RCOptElideDecRef {
		t.Error("borrowed views never release")
	}
	if ctx.GetFreeFunction("param", ShapeTree) != "" {
		t.Error("borrowed views are not this scope's to free")
	}
}

func TestRCOptLaterAliasHandlesRelease(t *testing.T) {
	ctx := NewRCOptContext()
	ctx.DefineVar("a")
	ctx.DefineAlias("b", "a")
	ctx.MarkUsed("a")
	ctx.MarkUsed("b") // b outlives a

	if ctx.GetOptimizedDecRef("a") != RCOptElideDecRef {
		t.Error("the longer-lived alias should carry the release")
	}
}

func TestRCOptTransfer(t *testing.T) {
	ctx := NewRCOptContext()
	ctx.DefineVar("src")
	ctx.DefineVarNonUnique("dst")
	ctx.TransferUniqueness("src", "dst")

	if ctx.IsUnique("src") || !ctx.IsConsumed("src") {
		t.Error("transfer empties the source")
	}
	if !ctx.IsUnique("dst") {
		t.Error("transfer carries uniqueness to the destination")
	}
}

func TestRCOptPropagateLet(t *testing.T) {
	ctx := NewRCOptContext()
	ctx.PropagateUniqueness(parseExpr("(let ((p (cons 1 2)) (q p)) q)"))

	if ctx.IsUnique("p") {
		t.Error("p lost uniqueness when q aliased it")
	}
	if info := ctx.Vars["q"]; info == nil || info.AliasOf != "p" {
		t.Errorf("q should record its alias origin: %+v", info)
	}
}

func TestRCOptLambdaParamsBorrowed(t *testing.T) {
	ctx := NewRCOptContext()
	ctx.PropagateUniqueness(parseExpr("(lambda (x) (car x))"))
	if !ctx.IsBorrowed("x") {
		t.Error("lambda parameters are borrowed views")
	}
}

func TestRCOptFreeFunctionByShape(t *testing.T) {
	ctx := NewRCOptContext()
	ctx.DefineVar("u")
	if got := ctx.GetFreeFunction("u", ShapeTree); got != "free_unique" {
		t.Errorf("unique -> free_unique, got %s", got)
	}
	ctx.DefineAlias("v", "u")
	if got := ctx.GetFreeFunction("u", ShapeDAG); got != "dec_ref" {
		t.Errorf("shared DAG -> dec_ref, got %s", got)
	}
}

func TestRCOptStats(t *testing.T) {
	ctx := NewRCOptContext()
	ctx.DefineVar("x")
	ctx.DefineAlias("y", "x")
	ctx.GetOptimizedIncRef("y")
	ctx.GetOptimizedDecRef("x")
	if ctx.Stats.EliminatedOps == 0 {
		t.Error("elisions should be counted")
	}
	if ctx.Report() == "" {
		t.Error("report should render")
	}
}
