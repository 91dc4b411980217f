package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/omnilisp/omni/pkg/ast"
	"github.com/omnilisp/omni/pkg/compiler"
	"github.com/omnilisp/omni/pkg/eval"
	"github.com/omnilisp/omni/pkg/macro"
	"github.com/omnilisp/omni/pkg/parser"
)

const version = "0.6.0"

var (
	emitC       = flag.Bool("c", false, "emit C to stdout (or -o file)")
	outputFile  = flag.String("o", "", "output target (C file with -c, binary otherwise)")
	evalExpr    = flag.String("e", "", "evaluate expression from the command line")
	verbose     = flag.Bool("v", false, "verbose output")
	runtimePath = flag.String("runtime", "", "path to the runtime library")
	shared      = flag.Bool("shared", false, "compile as a shared module")
	moduleName  = flag.String("module-name", "", "shared module name")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("omni %s\n", version)
		return
	}

	comp := compiler.New()
	comp.Opts.Verbose = *verbose
	comp.Opts.Shared = *shared
	comp.Opts.ModuleName = *moduleName

	var input string
	switch {
	case *evalExpr != "":
		input = *evalExpr
	case flag.NArg() > 0:
		data, err := os.ReadFile(flag.Arg(0))
		if err != nil {
			fail("reading %s: %v", flag.Arg(0), err)
		}
		input = string(data)
	default:
		// No file: a terminal on stdin means interactive REPL,
		// anything else is a pipe full of source text.
		if term.IsTerminal(int(os.Stdin.Fd())) {
			runREPL(comp)
			return
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fail("reading stdin: %v", err)
		}
		input = string(data)
	}

	if strings.TrimSpace(input) == "" {
		fail("no input")
	}

	switch {
	case *emitC:
		code, err := comp.CompileSource(input)
		if err != nil {
			fail("%v", err)
		}
		if *outputFile != "" {
			if err := os.WriteFile(*outputFile, []byte(code), 0o644); err != nil {
				fail("writing %s: %v", *outputFile, err)
			}
			if *verbose {
				fmt.Fprintf(os.Stderr, "C written to %s\n", *outputFile)
			}
		} else {
			fmt.Print(code)
		}
	case *outputFile != "":
		if _, err := comp.CompileToBinary(input, *outputFile, *runtimePath); err != nil {
			fail("%v", err)
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "binary written to %s\n", *outputFile)
		}
	default:
		if err := comp.RunSource(input, *runtimePath); err != nil {
			fail("%v", err)
		}
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "omni - ahead-of-time Lisp compiler\n\n")
	fmt.Fprintf(os.Stderr, "Usage: omni [options] [file]\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  omni -e '(+ 1 2)'             compile and run an expression
  omni -c prog.omni -o prog.c   emit C
  omni -o prog prog.omni        compile to a binary
  omni prog.omni                compile and run
  omni                          REPL (with a terminal on stdin)
`)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "omni: "+format+"\n", args...)
	os.Exit(1)
}

// runREPL is the interactive loop: expressions evaluate through the
// interpreter bridge; meta-commands start with a comma.
func runREPL(comp *compiler.Compiler) {
	fmt.Printf("omni %s\n", version)
	fmt.Println("meta-commands: ,time <expr>  ,expand <expr>  ,trace on|off  ,env")

	env := eval.DefaultEnv()
	comp.Env = eval.ReplEnv{Env: env}
	trace := false

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("omni> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if strings.HasPrefix(line, ",") {
			trace = runMetaCommand(comp, env, line, trace)
			continue
		}
		evalLine(comp, env, line, trace, false)
	}
}

func runMetaCommand(comp *compiler.Compiler, env *ast.Value, line string, trace bool) bool {
	cmd, rest, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "time":
		evalLine(comp, env, rest, trace, true)
	case "expand":
		exprs, err := comp.ExpandOnly(rest)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		for _, e := range exprs {
			fmt.Println(e.String())
		}
	case "trace":
		switch strings.TrimSpace(rest) {
		case "on":
			return true
		case "off":
			return false
		default:
			fmt.Println("usage: ,trace on|off")
		}
	case "env":
		for e := eval.GetGlobalEnv(); ast.IsCell(e); e = e.Cdr {
			if pair := e.Car; ast.IsCell(pair) {
				fmt.Printf("  %s = %s\n", pair.Car, pair.Cdr)
			}
		}
	default:
		fmt.Printf("unknown meta-command ,%s\n", cmd)
	}
	return trace
}

func evalLine(comp *compiler.Compiler, env *ast.Value, line string, trace, timed bool) {
	exprs, err := parser.ParseAllString(line)
	if err != nil {
		fmt.Printf("parse error: %v\n", err)
		return
	}
	expanded, err := comp.Expander.ExpandProgram(exprs, comp.Env)
	if err != nil {
		fmt.Printf("expand error: %v\n", err)
		return
	}
	start := time.Now()
	for _, expr := range expanded {
		if trace {
			fmt.Printf(";; eval %s\n", expr)
		}
		result := eval.EvalTop(expr, env)
		if result != nil && !ast.IsNothing(result) {
			fmt.Println(result.String())
		}
	}
	if timed {
		fmt.Printf(";; %v\n", time.Since(start))
	}
}

var _ macro.Env = eval.ReplEnv{}
