package memory

import (
	"strings"
	"testing"
)

func TestFreeWithOpenTetherViolates(t *testing.T) {
	ck := NewTetherChecker(false)
	obj := ck.Alloc("data", "let-x")

	ref, err := obj.Open("call-site")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := ck.Free(obj); err == nil {
		t.Fatal("free with an open tether must be refused")
	}
	if len(ck.Violations) != 1 {
		t.Fatalf("violations = %v", ck.Violations)
	}

	if err := ref.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ck.Free(obj); err != nil {
		t.Fatalf("free after close: %v", err)
	}
}

func TestDoubleCloseRejected(t *testing.T) {
	ck := NewTetherChecker(false)
	obj := ck.Alloc("data", "x")
	ref, _ := obj.Open("site")
	if err := ref.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := ref.Close(); err == nil {
		t.Fatal("second close must error")
	}
}

func TestDebugTrackingNamesSources(t *testing.T) {
	ck := NewTetherCheckerDebug(false)
	obj := ck.Alloc("data", "region-3")
	_, _ = obj.Open("borrow-at-call")

	err := ck.Free(obj)
	if err == nil {
		t.Fatal("expected violation")
	}
	if !strings.Contains(err.Error(), "borrow-at-call") {
		t.Errorf("violation should name the tether origin: %v", err)
	}
}

func TestCheckAllSweepsRemaining(t *testing.T) {
	ck := NewTetherChecker(false)
	clean := ck.Alloc("clean", "a")
	leaky := ck.Alloc("leaky", "b")
	_, _ = leaky.Open("stuck")

	violations := ck.CheckAll()
	if len(violations) != 1 {
		t.Fatalf("violations = %v", violations)
	}
	if !clean.Freed {
		t.Error("untethered object should be swept")
	}
}
