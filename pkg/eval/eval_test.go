package eval

import (
	"strings"
	"testing"

	"github.com/omnilisp/omni/pkg/ast"
	"github.com/omnilisp/omni/pkg/parser"
)

func evalString(t *testing.T, input string) *ast.Value {
	t.Helper()
	env := DefaultEnv()
	exprs, err := parser.ParseAllString(input)
	if err != nil {
		t.Fatalf("parse %q: %v", input, err)
	}
	result := ast.Nothing
	for _, e := range exprs {
		result = EvalTop(e, env)
	}
	return result
}

func wantInt64(t *testing.T, input string, want int64) {
	t.Helper()
	v := evalString(t, input)
	if !ast.IsInt(v) || v.Int != want {
		t.Errorf("eval(%q) = %s, want %d", input, v, want)
	}
}

func wantBool(t *testing.T, input string, want bool) {
	t.Helper()
	v := evalString(t, input)
	if ast.IsTruthy(v) != want {
		t.Errorf("eval(%q) = %s, want truthy=%v", input, v, want)
	}
}

func TestArithmetic(t *testing.T) {
	wantInt64(t, "(+ 1 2)", 3)
	wantInt64(t, "(- 10 4)", 6)
	wantInt64(t, "(* 6 7)", 42)
	wantInt64(t, "(/ 20 5)", 4)
	wantInt64(t, "(% 7 3)", 1)
	wantInt64(t, "(abs -9)", 9)

	v := evalString(t, "(+ 1 2.5)")
	if !ast.IsFloat(v) || v.Float != 3.5 {
		t.Errorf("mixed arithmetic = %s, want 3.5", v)
	}
}

func TestComparisonAndTruthiness(t *testing.T) {
	wantBool(t, "(= 1 1)", true)
	wantBool(t, "(= 1 2)", false)
	wantBool(t, "(< 1 2)", true)
	wantBool(t, "(> 1 2)", false)
	wantBool(t, "(<= 2 2)", true)
	wantBool(t, "(not false)", true)

	// Only false and nothing are falsy; () and 0 are truthy.
	wantInt64(t, "(if 0 1 2)", 1)
	wantInt64(t, "(if nil 1 2)", 1)
	wantInt64(t, "(if false 1 2)", 2)
	wantInt64(t, "(if nothing 1 2)", 2)
}

func TestLetFamily(t *testing.T) {
	wantInt64(t, "(let ((x 3) (y 4)) (+ x y))", 7)
	wantInt64(t, "(let* ((x 3) (y (+ x 1))) y)", 4)
	wantInt64(t, "(letrec ((even? (lambda (n) (if (= n 0) true (odd? (- n 1))))) (odd? (lambda (n) (if (= n 0) false (even? (- n 1)))))) (if (even? 10) 1 0))", 1)
}

func TestLambdaAndDefine(t *testing.T) {
	wantInt64(t, "((lambda (a b) (* a b)) 6 7)", 42)
	wantInt64(t, "(define (fact n) (if (< n 2) 1 (* n (fact (- n 1))))) (fact 10)", 3628800)
	wantInt64(t, "(define twice (lambda (f x) (f (f x)))) (twice (lambda (n) (+ n 1)) 5)", 7)
}

func TestClosuresCapture(t *testing.T) {
	wantInt64(t, "(define (adder n) (lambda (m) (+ n m))) ((adder 3) 4)", 7)
}

func TestSetBang(t *testing.T) {
	wantInt64(t, "(let ((x 1)) (begin (set! x 5) x))", 5)
}

func TestListOperations(t *testing.T) {
	wantInt64(t, "(car (cons 1 2))", 1)
	wantInt64(t, "(cdr (cons 1 2))", 2)
	wantInt64(t, "(length (list 1 2 3))", 3)
	wantInt64(t, "(car (reverse (list 1 2 3)))", 3)
	wantInt64(t, "(fold + 0 (list 1 2 3 4))", 10)
	wantInt64(t, "(car (map (lambda (x) (* x x)) (list 3 4)))", 9)
	wantInt64(t, "(length (filter (lambda (x) (> x 1)) (list 0 1 2 3)))", 2)
	wantInt64(t, "(apply + (list 20 22))", 42)
}

func TestQuoteAndQuasiquote(t *testing.T) {
	v := evalString(t, "'(1 2 3)")
	if v.String() != "(1 2 3)" {
		t.Errorf("quote: %s", v)
	}
	v = evalString(t, "`(1 ,(+ 1 1) 3)")
	if v.String() != "(1 2 3)" {
		t.Errorf("quasiquote: %s", v)
	}
	v = evalString(t, "`(0 ,@(list 1 2) 3)")
	if v.String() != "(0 1 2 3)" {
		t.Errorf("splicing: %s", v)
	}
}

func TestMatch(t *testing.T) {
	wantInt64(t, "(match (list 1 2) ((a b) (+ a b)))", 3)
	wantInt64(t, "(match 5 (1 10) (_ 99))", 99)
	wantInt64(t, "(match (cons 1 nil) (('quote x) 0) ((h . t) h))", 1)
}

func TestTryError(t *testing.T) {
	v := evalString(t, `(try (error "boom") error)`)
	if !ast.IsError(v) {
		t.Fatalf("handler should see the raised error, got %s", v)
	}
	wantInt64(t, `(try (+ 1 2) 0)`, 3)
	wantInt64(t, `(try (car 5) 7)`, 7)
}

func TestUnboundVariableRaises(t *testing.T) {
	v := evalString(t, "nonexistent-name")
	if !ast.IsError(v) {
		t.Errorf("unbound lookup should surface an error value, got %s", v)
	}
}

func TestResetShift(t *testing.T) {
	// Without shift, reset is transparent.
	wantInt64(t, "(reset (+ 1 2))", 3)
	// The shift body's value becomes the reset's value.
	wantInt64(t, "(reset (+ 100 (shift k 3)))", 3)
	// Invoking k aborts to the reset with the given value.
	wantInt64(t, "(reset (+ 100 (shift k (k 42))))", 42)
}

func TestHandlePerform(t *testing.T) {
	wantInt64(t, "(handle (+ 1 (perform ask 0)) (ask (lambda (x) 41)))", 42)
	wantInt64(t, "(handle (handle (perform inner 0) (other (lambda (x) 1))) (inner (lambda (x) 5)))", 5)
	v := evalString(t, "(perform missing 1)")
	if !ast.IsError(v) {
		t.Errorf("perform without handler should raise, got %s", v)
	}
}

func TestStringsAsCharLists(t *testing.T) {
	wantBool(t, `(string? "abc")`, true)
	wantBool(t, "(string? (list 1 2))", false)
	wantInt64(t, `(string-length "hello")`, 5)
	v := evalString(t, `(string-concat "ab" "cd")`)
	if !isCharList(v) || charListString(v) != "abcd" {
		t.Errorf("string-concat: %s", v)
	}
}

func TestCharOps(t *testing.T) {
	wantInt64(t, `(char->int #\A)`, 65)
	v := evalString(t, "(int->char 66)")
	if !ast.IsChar(v) || v.Int != 'B' {
		t.Errorf("int->char: %s", v)
	}
	wantBool(t, `(char=? #\a #\a)`, true)
	wantBool(t, `(char<? #\b #\a)`, false)
}

func TestBoxesAndAtoms(t *testing.T) {
	wantInt64(t, "(let ((b (box 1))) (begin (set-box! b 9) (unbox b)))", 9)
	wantInt64(t, "(let ((a (atom 10))) (begin (swap! a (lambda (n) (+ n 1))) (deref a)))", 11)
}

func TestArraysAndDicts(t *testing.T) {
	wantInt64(t, "(array-ref (array 1 2 3) 1)", 2)
	wantInt64(t, "(dict-get (dict 'k 42) 'k)", 42)
	wantInt64(t, "(get (array 5 6) 0)", 5)
	wantInt64(t, "(let ((d (dict))) (begin (dict-set! d 'x 7) (get d 'x)))", 7)
}

func TestDeftypeInterpreted(t *testing.T) {
	src := `
		(deftype Point (x int) (y int))
		(let ((p (mk-Point 3 4)))
		  (+ (Point-x p) (Point-y p)))`
	wantInt64(t, src, 7)
	wantBool(t, "(Point? (mk-Point 1 2))", true)
	wantInt64(t, "(let ((p (mk-Point 1 2))) (begin (set-Point-x! p 9) (get p 'x)))", 9)
}

func TestFibers(t *testing.T) {
	wantInt64(t, "(join (spawn (+ 20 22)))", 42)
	wantInt64(t, "(with-fibers (join (spawn 7)))", 7)
}

func TestGensymDistinct(t *testing.T) {
	a := evalString(t, "(gensym 'tmp)")
	b := evalString(t, "(gensym 'tmp)")
	if !ast.IsSym(a) || !strings.HasPrefix(a.Str, "_tmp_") {
		t.Fatalf("gensym shape: %s", a)
	}
	if a.Str == b.Str {
		t.Error("gensyms must be distinct")
	}
}

func TestVariadicLambda(t *testing.T) {
	wantInt64(t, "((lambda (a . rest) (+ a (length rest))) 1 9 9 9)", 4)
}

func TestDotAccessDesugarsIntoGet(t *testing.T) {
	wantInt64(t, "(let ((d (dict 'k 5))) d.k)", 5)
}
