package parser

import (
	"github.com/omnilisp/omni/pkg/ast"
)

// Parser drives the Pika grammar over one source buffer. The memo
// table is shared across Parse calls on the same buffer, so resuming
// after a failed top-level form costs nothing for already-evaluated
// positions.
type Parser struct {
	input string
	pos   int
	diags *Diagnostics
	st    *pikaState
}

// New creates a parser for the given UTF-8 source buffer.
func New(input string) *Parser {
	diags := &Diagnostics{}
	b := &builder{diags: diags}
	g := newGrammar(b)
	return &Parser{
		input: input,
		diags: diags,
		st:    newPikaState(g, input, ModeAST),
	}
}

// Diags exposes the diagnostics accumulated so far.
func (p *Parser) Diags() *Diagnostics { return p.diags }

// Parse parses the next top-level expression. Returns (nil, nil) at
// end of input, and (nil, diagnostics) if the expression at the cursor
// cannot be parsed; a later call resumes past the failure.
func (p *Parser) Parse() (*ast.Value, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, nil
	}
	end, val, ok := p.st.evalRule("Expr", p.pos)
	if !ok || end == p.pos {
		p.failHere()
		p.recover()
		return nil, p.diags
	}
	p.pos = end
	return val, nil
}

// ParseAll parses top-level expressions until end of input or the
// first failing form. Diagnostics recorded by semantic actions (error
// tokens) do not stop the pass; a structural failure does, and the
// parser cursor is positioned so a subsequent call resumes.
func (p *Parser) ParseAll() ([]*ast.Value, error) {
	var results []*ast.Value
	before := p.diags.Len()
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			break
		}
		end, val, ok := p.st.evalRule("Expr", p.pos)
		if !ok || end == p.pos {
			p.failHere()
			p.recover()
			return results, p.diags
		}
		p.pos = end
		if val != nil {
			results = append(results, val)
		}
	}
	if p.diags.Len() > before {
		return results, p.diags
	}
	return results, nil
}

func (p *Parser) skipSpace() {
	if end, _, ok := p.st.evalRule("ws", p.pos); ok {
		p.pos = end
	}
}

// failHere records the farthest-failure diagnostic for the form at the
// cursor, falling back to a generic message when nothing more precise
// was tracked.
func (p *Parser) failHere() {
	at := p.pos
	msg := "unexpected input"
	if p.st.maxFail >= p.pos && p.st.maxFailMsg != "" {
		at = p.st.maxFail
		msg = p.st.maxFailMsg
	}
	p.diags.Add(offsetToPos(p.input, at), "%s", msg)
}

// recover advances the cursor past the failing form: to the start of
// the next line, so one bad form yields one diagnostic instead of a
// cascade.
func (p *Parser) recover() {
	for p.pos < len(p.input) && p.input[p.pos] != '\n' {
		p.pos++
	}
	if p.pos < len(p.input) {
		p.pos++
	}
}

// ParseString parses the first expression of input.
func ParseString(input string) (*ast.Value, error) {
	return New(input).Parse()
}

// ParseAllString parses every top-level expression of input.
func ParseAllString(input string) ([]*ast.Value, error) {
	return New(input).ParseAll()
}
