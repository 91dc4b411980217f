package parser

import (
	"strings"
	"testing"

	"github.com/omnilisp/omni/pkg/ast"
)

func parseOne(t *testing.T, src string) *ast.Value {
	t.Helper()
	v, err := ParseString(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	if v == nil {
		t.Fatalf("parse %q: no value", src)
	}
	return v
}

func TestAtomsAndForms(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"42", "42"},
		{"-17", "-17"},
		{"0x1F", "31"},
		{"0b1010", "10"},
		{"1_000_000", "1000000"},
		{"3.5", "3.5"},
		{"-2.5e2", "-250"},
		{"foo", "foo"},
		{"list->vec", "list->vec"},
		{":name", ":name"},
		{"true", "true"},
		{"false", "false"},
		{"nothing", "nothing"},
		{"nil", "()"},
		{"#\\a", "#\\a"},
		{"#\\newline", "#\\newline"},
		{"#\\space", "#\\space"},
		{"(+ 1 2)", "(+ 1 2)"},
		{"(a . b)", "(a . b)"},
		{"(a b . c)", "(a b . c)"},
		{"'x", "(quote x)"},
		{"`x", "(quasiquote x)"},
		{",x", "(unquote x)"},
		{",@x", "(unquote-splicing x)"},
		{"#'x", "(syntax-quote x)"},
		{"[1 2 3]", "[1 2 3]"},
		{"#(1 2)", "#(1 2)"},
		{"#{a 1 b 2}", "#{a 1 b 2}"},
		{"{T x y}", "(kind T x y)"},
		{"(f (g 1) [2 3])", "(f (g 1) [2 3])"},
		{"; comment\n7", "7"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			v := parseOne(t, tt.src)
			if got := v.String(); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDotAccessDesugar(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"a.b", "(get a (quote b))"},
		{"a.b.c", "(get (get a (quote b)) (quote c))"},
		{"a.(f 1)", "(get a (f 1))"},
		{"a.b.(idx)", "(get (get a (quote b)) (idx))"},
		{".field", "(lambda (it) (get it (quote field)))"},
		{".a.b", "(lambda (it) (get (get it (quote a)) (quote b)))"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			v := parseOne(t, tt.src)
			if got := v.String(); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStringLiterals(t *testing.T) {
	v := parseOne(t, `"ab"`)
	if got := v.String(); got != "(quote (#\\a #\\b))" {
		t.Errorf("plain string: %s", got)
	}

	v = parseOne(t, `"a\n"`)
	if got := v.String(); got != "(quote (#\\a #\\newline))" {
		t.Errorf("escape: %s", got)
	}

	v = parseOne(t, `"x$name"`)
	s := v.String()
	if !strings.HasPrefix(s, "(string-concat ") || !strings.Contains(s, "name") {
		t.Errorf("interpolation: %s", s)
	}

	v = parseOne(t, `"v=$(+ 1 2)"`)
	s = v.String()
	if !strings.Contains(s, "(+ 1 2)") {
		t.Errorf("expr interpolation: %s", s)
	}
}

func TestUntermStringDiagnostic(t *testing.T) {
	p := New(`(foo "unterm`)
	_, err := p.ParseAll()
	if err == nil {
		t.Fatal("expected diagnostics")
	}
	found := false
	for _, d := range p.Diags().All() {
		if strings.Contains(d.Message, "unterminated string") {
			found = true
			if d.Pos.Col != 6 {
				t.Errorf("diagnostic at %s, want col 6", d.Pos)
			}
		}
	}
	if !found {
		t.Fatalf("no unterminated-string diagnostic in %v", p.Diags().All())
	}
}

func TestIntegerOverflowDiagnostic(t *testing.T) {
	p := New("99999999999999999999999")
	v, _ := p.Parse()
	if p.Diags().Len() == 0 {
		t.Fatal("expected integer overflow diagnostic")
	}
	if v != nil && !ast.IsError(v) {
		t.Errorf("want error token, got %s", v)
	}
}

func TestParseAllResumesAfterFailure(t *testing.T) {
	p := New("(ok 1)\n)broken\n(ok 2)")
	first, err := p.ParseAll()
	if err == nil {
		t.Fatal("expected failure on second form")
	}
	if len(first) != 1 || first[0].String() != "(ok 1)" {
		t.Fatalf("first batch: %v", first)
	}
	rest, err := p.ParseAll()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(rest) != 1 || rest[0].String() != "(ok 2)" {
		t.Fatalf("resumed batch: %v", rest)
	}
}

func TestPositionsRecorded(t *testing.T) {
	v := parseOne(t, "\n  (f 1)")
	if v.Pos.Line != 2 || v.Pos.Col != 3 {
		t.Errorf("list pos = %s, want 2:3", v.Pos)
	}
}

func TestRoundTrip(t *testing.T) {
	sources := []string{
		"(define (fact n) (if (< n 2) 1 (* n (fact (- n 1)))))",
		"(let ((x (cons 1 (cons 2 nil)))) (car x))",
		"[1 [2 3] (f 4)]",
		"#{k 1}",
		"(a . b)",
		"(quote (1 2 3))",
	}
	for _, src := range sources {
		t.Run(src, func(t *testing.T) {
			v1 := parseOne(t, src)
			printed := v1.String()
			v2 := parseOne(t, printed)
			if v2.String() != printed {
				t.Errorf("round trip diverged: %s -> %s", printed, v2.String())
			}
		})
	}
}

func TestDeepNestingReportsDepthOverflow(t *testing.T) {
	depth := 600
	src := strings.Repeat("(", depth) + "x" + strings.Repeat(")", depth)
	p := New(src)
	_, err := p.Parse()
	if err == nil {
		t.Fatal("expected depth overflow failure")
	}
}
