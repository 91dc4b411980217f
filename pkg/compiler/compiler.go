package compiler

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/omnilisp/omni/pkg/analysis"
	"github.com/omnilisp/omni/pkg/ast"
	"github.com/omnilisp/omni/pkg/codegen"
	"github.com/omnilisp/omni/pkg/macro"
	"github.com/omnilisp/omni/pkg/memory"
	"github.com/omnilisp/omni/pkg/parser"
)

// Options configures one compilation.
type Options struct {
	Verbose    bool
	Shared     bool
	ModuleName string
}

// Compiler is the driver: parse, expand to fixpoint, analyze, infer
// regions, emit. All pass state lives here; there are no module-level
// mutables.
type Compiler struct {
	Opts     Options
	Expander *macro.Expander
	Registry *codegen.TypeRegistry
	Env      macro.Env

	Diag io.Writer

	lastStats *codegen.OptimizationStats
}

// New creates a compiler with fresh pass state.
func New() *Compiler {
	return &Compiler{
		Expander: macro.NewExpander(),
		Registry: codegen.NewTypeRegistry(),
		Env:      macro.EmptyEnv{},
		Diag:     os.Stderr,
	}
}

// Stats returns the statistics of the last successful compilation.
func (c *Compiler) Stats() *codegen.OptimizationStats { return c.lastStats }

// CompileSource runs the whole pipeline over one source buffer and
// returns the C translation unit.
func (c *Compiler) CompileSource(src string) (string, error) {
	p := parser.New(src)
	exprs, err := p.ParseAll()
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	if len(exprs) == 0 {
		return "", fmt.Errorf("no expressions to compile")
	}
	return c.CompileExprs(exprs)
}

// CompileExprs compiles an already-parsed form sequence.
func (c *Compiler) CompileExprs(exprs []*ast.Value) (string, error) {
	expanded, err := c.Expander.ExpandProgram(exprs, c.Env)
	if err != nil {
		return "", fmt.Errorf("expand: %w", err)
	}

	res := analysis.Analyze(expanded)

	vig := memory.BuildVIG(expanded, res.Graph)
	plan := memory.PlanRegions(vig, res.Graph)

	var staticVars []string
	for name, u := range res.Escape.Vars {
		if u.IsStaticSCC {
			staticVars = append(staticVars, name)
		}
	}
	groups := memory.StaticGroups(res.Graph, staticVars)

	if c.Opts.Verbose {
		fmt.Fprint(c.Diag, codegen.ReportPlan(plan))
		for _, e := range expanded {
			fmt.Fprint(c.Diag, codegen.ReportCleanupPoints(codegen.AnalyzeExceptionPoints(e)))
		}
		if len(groups) > 0 {
			fmt.Fprintf(c.Diag, "%d static cycle groups\n", len(groups))
		}
		fmt.Fprint(c.Diag, res.Reuse.GenerateReuseStats())
		if n := len(res.DPS.Candidates); n > 0 {
			fmt.Fprintf(c.Diag, "%d DPS candidates\n", n)
		}
		fmt.Fprint(c.Diag, res.Conc.Ctx.Summary())
	}

	gen := codegen.New(res, plan, c.Registry)
	gen.Stats().StaticCycleGroups = len(groups)

	var out string
	if c.Opts.Shared {
		name := c.Opts.ModuleName
		if name == "" {
			name = "main"
		}
		out, err = gen.CompileModule(name, expanded)
	} else {
		out, err = gen.CompileProgram(expanded)
	}
	if err != nil {
		return "", fmt.Errorf("codegen: %w", err)
	}
	for _, w := range gen.Warnings {
		fmt.Fprintf(c.Diag, "warning: %s\n", w)
	}
	c.lastStats = gen.Stats()

	if c.Opts.Verbose {
		fmt.Fprint(c.Diag, c.lastStats.String())
	}
	return out, nil
}

// ExpandOnly runs parse and macro expansion, for the REPL's ,expand
// meta-command.
func (c *Compiler) ExpandOnly(src string) ([]*ast.Value, error) {
	exprs, err := parser.ParseAllString(src)
	if err != nil {
		return nil, err
	}
	return c.Expander.ExpandProgram(exprs, c.Env)
}

// CompileToBinary compiles source to a native executable via the
// system C compiler. The cc invocation is an external collaborator;
// everything before it is this package's contract.
func (c *Compiler) CompileToBinary(src, output, runtimePath string) (string, error) {
	code, err := c.CompileSource(src)
	if err != nil {
		return "", err
	}

	tmpDir, err := os.MkdirTemp("", "omni_build_")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	srcPath := filepath.Join(tmpDir, "main.c")
	if err := os.WriteFile(srcPath, []byte(code), 0o644); err != nil {
		return "", err
	}

	if output == "" {
		output = "a.out"
	}
	args := []string{"-std=c99", "-pthread", "-O2", "-o", output, srcPath}
	if runtimePath != "" {
		args = append(args, "-I", runtimePath, "-L", runtimePath, "-lomni")
	}
	if c.Opts.Shared {
		args = append(args, "-shared", "-fPIC")
	}
	cmd := exec.Command("cc", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("cc failed: %v\n%s", err, out)
	}
	return output, nil
}

// RunSource compiles to a temporary binary and executes it, wiring
// stdio through. Used by the default CLI mode (no -c, no -o).
func (c *Compiler) RunSource(src, runtimePath string) error {
	tmpDir, err := os.MkdirTemp("", "omni_run_")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	bin := filepath.Join(tmpDir, "omni_out")
	if _, err := c.CompileToBinary(src, bin, runtimePath); err != nil {
		return err
	}
	cmd := exec.Command(bin)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// MangledModuleEntry names the init symbol a shared module exports.
func MangledModuleEntry(name string) string {
	return "omni_module_" + strings.TrimPrefix(codegen.MangleName(name), "o_") + "_init"
}
