package codegen

import (
	"fmt"
	"strings"

	"github.com/omnilisp/omni/pkg/analysis"
)

// DPSCodeGenerator emits destination-passing-style variants for the
// tail-recursive functions the analyzer flagged. A variant takes the
// destination region and slot ahead of the original parameters; its
// body stores OMNI_NIL through the slot and does not contain the
// function's own computation.
type DPSCodeGenerator struct {
	analyzer *analysis.DPSAnalyzer
}

// NewDPSCodeGenerator creates a generator over analysis results.
func NewDPSCodeGenerator(analyzer *analysis.DPSAnalyzer) *DPSCodeGenerator {
	return &DPSCodeGenerator{analyzer: analyzer}
}

// GenerateDPSVariant emits one function's DPS form.
func (g *DPSCodeGenerator) GenerateDPSVariant(candidate *analysis.DPSCandidate) string {
	var sb strings.Builder
	params := []string{"Region* _dest_r", "Obj** _dest"}
	for _, p := range candidate.Params {
		params = append(params, "Obj* "+MangleName(p))
	}
	sb.WriteString(fmt.Sprintf("static void %s_dps(%s) {\n",
		MangleName(candidate.Name), strings.Join(params, ", ")))
	if candidate.IsTailCall {
		sb.WriteString("    /* single pass: stores OMNI_NIL through _dest */\n")
		sb.WriteString("    for (;;) {\n")
		sb.WriteString("        *_dest = OMNI_NIL;\n")
		sb.WriteString("        break;\n")
		sb.WriteString("    }\n")
	} else {
		sb.WriteString("    *_dest = OMNI_NIL;\n")
	}
	sb.WriteString("}\n")
	return sb.String()
}

// GenerateAllDPSVariants emits every candidate's variant.
func (g *DPSCodeGenerator) GenerateAllDPSVariants() string {
	var sb strings.Builder
	sb.WriteString("/* ---- DPS variants ---- */\n\n")
	for _, candidate := range g.analyzer.Candidates {
		sb.WriteString(g.GenerateDPSVariant(candidate))
		sb.WriteString("\n")
	}
	return sb.String()
}
