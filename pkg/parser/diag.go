package parser

import (
	"fmt"
	"sort"

	"github.com/omnilisp/omni/pkg/ast"
)

// Diagnostic is one parse-time error or warning, carrying the source
// position per spec.md §3 ("every node records source position") and
// §7's error taxonomy (unterminated string, invalid escape, integer
// overflow, symbol length overflow, depth overflow).
type Diagnostic struct {
	Pos     ast.Pos
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Pos, d.Message)
}

// Diagnostics accumulates parse diagnostics across a whole source
// buffer so multiple top-level forms can each report their own
// failure in a single pass (spec.md §7: "continue parsing if possible
// to report multiple diagnostics in one pass"). Grounded on the
// pigeon reference's errList/parserError/dedupe idiom
// (other_examples/7ba7078e_32bitkid-pigeon__vm-static_code.go.go).
type Diagnostics struct {
	list []Diagnostic
}

// Add records a diagnostic at pos.
func (d *Diagnostics) Add(pos ast.Pos, format string, args ...interface{}) {
	d.list = append(d.list, Diagnostic{Pos: pos, Message: fmt.Sprintf(format, args...)})
}

// Len reports how many diagnostics have been recorded.
func (d *Diagnostics) Len() int { return len(d.list) }

// All returns a deduplicated, position-sorted copy of the recorded
// diagnostics. Dedup collapses identical (pos, message) pairs recorded
// more than once during backtracking re-evaluation, mirroring
// errList.ϡdedupe in the pigeon reference.
func (d *Diagnostics) All() []Diagnostic {
	seen := make(map[string]bool, len(d.list))
	out := make([]Diagnostic, 0, len(d.list))
	for _, diag := range d.list {
		key := fmt.Sprintf("%d:%d:%d:%s", diag.Pos.Line, diag.Pos.Col, diag.Pos.Offset, diag.Message)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, diag)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Pos.Offset < out[j].Pos.Offset
	})
	return out
}

// Error implements the error interface so Diagnostics can be returned
// directly wherever an `error` is expected.
func (d *Diagnostics) Error() string {
	all := d.All()
	if len(all) == 0 {
		return "no diagnostics"
	}
	msg := all[0].String()
	if len(all) > 1 {
		msg = fmt.Sprintf("%s (+%d more)", msg, len(all)-1)
	}
	return msg
}
