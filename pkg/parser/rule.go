package parser

import "github.com/omnilisp/omni/pkg/ast"

// Kind identifies a PEG rule's combinator shape. Grounded on the rule
// algebra used by other_examples/65fbde14_clarete-langlang__go-genc.go.go
// and other_examples/7ba7078e_32bitkid-pigeon__vm-static_code.go.go
// (terminal/char-class/any/seq/choice/star/plus/lookahead matchers),
// restated as a small closed set per spec.md §4.P.
type Kind int

const (
	KTerminal Kind = iota // exact string match
	KRange                // single char in [Lo,Hi] (or in Chars)
	KAny                  // any single character (not EOF)
	KSeq                  // ordered sequence, all must match
	KChoice                // prioritized alternation, first success wins
	KStar                 // zero or more
	KPlus                 // one or more
	KOpt                  // zero or one, always succeeds
	KAnd                  // positive lookahead, consumes nothing
	KNot                  // negative lookahead, consumes nothing
	KRef                  // named rule reference
)

// Mode selects a rule's output per spec.md §4.P "Two output modes."
type Mode int

const (
	// ModeAST invokes the rule's Action if present; otherwise the
	// matched substring is returned as a symbol.
	ModeAST Mode = iota
	// ModeString always returns the matched substring, ignoring Action.
	ModeString
)

// Action builds an AST value from the raw matched text, the AST
// values produced by any sub-rule matches (in order), and the source
// position the match started at. Invoked only in ModeAST, per
// spec.md §4.P ("Actions are invoked only in AST mode").
type Action func(text string, kids []*ast.Value, pos ast.Pos) *ast.Value

// Rule is one production of the grammar.
type Rule struct {
	Name string
	Kind Kind
	Mode Mode

	Str        string // KTerminal
	Lo, Hi     rune   // KRange
	Chars      string // KRange: discrete character set, alternative to Lo/Hi
	IgnoreCase bool   // KTerminal, KRange

	Sub  *Rule   // KStar, KPlus, KOpt, KAnd, KNot
	Subs []*Rule // KSeq, KChoice

	RefName string // KRef

	Action Action

	// Drop marks a rule as pure structure: it consumes input but
	// contributes no AST value to its parent (whitespace, comments).
	Drop bool
}

// Seq builds a KSeq rule from the given sub-rules.
func Seq(subs ...*Rule) *Rule { return &Rule{Kind: KSeq, Subs: subs} }

// Choice builds a KChoice rule; PEG prioritized choice, first success wins.
func Choice(subs ...*Rule) *Rule { return &Rule{Kind: KChoice, Subs: subs} }

// Star builds a zero-or-more repetition.
func Star(sub *Rule) *Rule { return &Rule{Kind: KStar, Sub: sub} }

// Plus builds a one-or-more repetition.
func Plus(sub *Rule) *Rule { return &Rule{Kind: KPlus, Sub: sub} }

// Opt builds a zero-or-one repetition (never fails).
func Opt(sub *Rule) *Rule { return &Rule{Kind: KOpt, Sub: sub} }

// And builds a positive lookahead (consumes nothing).
func And(sub *Rule) *Rule { return &Rule{Kind: KAnd, Sub: sub} }

// Not builds a negative lookahead (consumes nothing).
func Not(sub *Rule) *Rule { return &Rule{Kind: KNot, Sub: sub} }

// Lit matches an exact terminal string.
func Lit(s string) *Rule { return &Rule{Kind: KTerminal, Str: s} }

// Range matches a single character in [lo,hi].
func Range(lo, hi rune) *Rule { return &Rule{Kind: KRange, Lo: lo, Hi: hi} }

// CharSet matches a single character present in chars.
func CharSet(chars string) *Rule { return &Rule{Kind: KRange, Chars: chars} }

// Any matches a single character (not EOF).
func Any() *Rule { return &Rule{Kind: KAny} }

// Ref references another named rule.
func Ref(name string) *Rule { return &Rule{Kind: KRef, RefName: name} }

// Named attaches a name (for registration in a Grammar) to a rule.
func Named(name string, r *Rule) *Rule {
	r.Name = name
	return r
}

// WithAction attaches a semantic action and sets ModeAST.
func (r *Rule) WithAction(a Action) *Rule {
	r.Action = a
	r.Mode = ModeAST
	return r
}

// AsString marks a rule ModeString: always returns the raw match text.
func (r *Rule) AsString() *Rule {
	r.Mode = ModeString
	return r
}

// Discard marks a rule as value-less structure (whitespace, comments).
func (r *Rule) Discard() *Rule {
	r.Drop = true
	return r
}
