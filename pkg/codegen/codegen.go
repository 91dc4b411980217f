package codegen

import (
	"fmt"
	"strings"

	"github.com/omnilisp/omni/pkg/analysis"
	"github.com/omnilisp/omni/pkg/ast"
	"github.com/omnilisp/omni/pkg/memory"
)

// CValue is one compiled C expression and what the caller must do
// with its storage.
type CValue struct {
	Expr  string
	Owned bool
	IsNil bool
}

// VarInfo is the generator's record for one bound name.
type VarInfo struct {
	CName    string
	RegionID int // candidate region, -1 when none assigned
	Borrowed bool
}

// CodeGenerator lowers an expanded, analyzed AST to a C99 translation
// unit. Region lifecycle calls come from the memory plan; RC hooks and
// repair calls come from the analyzer's tables.
type CodeGenerator struct {
	Registry *TypeRegistry
	Analysis *analysis.Result
	Plan     *memory.Plan

	TetherEnabled bool

	globals     map[string]VarInfo
	scopes      []map[string]VarInfo
	tempCounter int
	lambdaID    int

	funcDefs    []string
	globalDefs  []string
	globalInits []string
	helperDefs  []string
	primWrapped map[string]bool

	createdRegions map[int]bool

	// Warnings are non-fatal conditions the CLI surfaces; emission
	// continues past them.
	Warnings []string

	stats *OptimizationStats
}

// New creates a generator over one program's analysis and plan.
func New(res *analysis.Result, plan *memory.Plan, registry *TypeRegistry) *CodeGenerator {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	return &CodeGenerator{
		Registry:       registry,
		Analysis:       res,
		Plan:           plan,
		TetherEnabled:  true,
		globals:        make(map[string]VarInfo),
		scopes:         []map[string]VarInfo{make(map[string]VarInfo)},
		primWrapped:    make(map[string]bool),
		createdRegions: make(map[int]bool),
		stats:          &OptimizationStats{},
	}
}

// Stats exposes the optimization counters for -v reporting.
func (g *CodeGenerator) Stats() *OptimizationStats { return g.stats }

// regionOf returns a variable's candidate region id, or -1.
func (g *CodeGenerator) regionOf(name string) int {
	if g.Plan == nil {
		return -1
	}
	if id, ok := g.Plan.VarRegion[name]; ok {
		return id
	}
	return -1
}

func (g *CodeGenerator) regionVar(id int) string {
	return fmt.Sprintf("r_%d", id)
}

// regionExpr is the region expression allocations in the current
// scope use: the variable's component region when the scope created
// one, else the ambient region.
func (g *CodeGenerator) regionExpr(name string) string {
	id := g.regionOf(name)
	if id >= 0 && g.createdRegions[id] {
		return g.regionVar(id)
	}
	return "region_current()"
}

// CompileProgram emits the full translation unit: runtime prelude,
// helpers, globals, functions, and main.
func (g *CodeGenerator) CompileProgram(exprs []*ast.Value) (string, error) {
	var nonDefs []*ast.Value
	for _, expr := range exprs {
		switch {
		case isHeadSym(expr, "deftype"):
			if err := g.handleDeftype(expr); err != nil {
				return "", err
			}
		case isHeadSym(expr, "define"):
			if err := g.handleDefine(expr); err != nil {
				return "", err
			}
		default:
			nonDefs = append(nonDefs, expr)
		}
	}

	var compiled []CValue
	for _, expr := range nonDefs {
		cv, err := g.compileExpr(expr)
		if err != nil {
			return "", err
		}
		compiled = append(compiled, cv)
	}

	var sb strings.Builder
	sb.WriteString(GenerateRuntime(g.Registry))
	sb.WriteString("\n")
	for _, def := range g.helperDefs {
		sb.WriteString(def)
		sb.WriteString("\n")
	}
	for _, def := range g.globalDefs {
		sb.WriteString(def)
		sb.WriteString("\n")
	}
	for _, fn := range g.funcDefs {
		sb.WriteString(fn)
		sb.WriteString("\n")
	}
	if g.Analysis != nil && g.Analysis.DPS != nil && len(g.Analysis.DPS.Candidates) > 0 {
		sb.WriteString(NewDPSCodeGenerator(g.Analysis.DPS).GenerateAllDPSVariants())
		sb.WriteString("\n")
	}

	sb.WriteString("int main(void) {\n")
	sb.WriteString("    Region* r_main = region_create();\n")
	sb.WriteString("    region_push(r_main);\n")
	sb.WriteString("    Obj* result = OMNI_NOTHING;\n")
	for _, init := range g.globalInits {
		sb.WriteString(init)
	}
	for _, cv := range compiled {
		sb.WriteString(fmt.Sprintf("    result = %s;\n", cv.Expr))
	}
	sb.WriteString("    if (result != OMNI_NOTHING) { print_obj(result); printf(\"\\n\"); }\n")
	sb.WriteString("    region_pop();\n")
	sb.WriteString("    region_exit(r_main);\n")
	sb.WriteString("    region_destroy_if_dead(r_main);\n")
	sb.WriteString("    return 0;\n")
	sb.WriteString("}\n")
	return sb.String(), nil
}

// CompileModule emits a shared-module translation unit whose entry
// point is omni_module_<name>_init instead of main.
func (g *CodeGenerator) CompileModule(name string, exprs []*ast.Value) (string, error) {
	tu, err := g.CompileProgram(exprs)
	if err != nil {
		return "", err
	}
	entry := fmt.Sprintf("int omni_module_%s_init(void)", MangleName(name)[2:])
	return strings.Replace(tu, "int main(void)", entry, 1), nil
}

func isHeadSym(expr *ast.Value, name string) bool {
	return ast.IsCell(expr) && ast.SymEqStr(expr.Car, name)
}

func (g *CodeGenerator) handleDeftype(expr *ast.Value) error {
	args := expr.Cdr
	if !ast.IsCell(args) || !ast.IsSym(args.Car) {
		return fmt.Errorf("deftype: expected type name")
	}
	typeName := args.Car.Str
	var fields []TypeField
	for rest := args.Cdr; ast.IsCell(rest); rest = rest.Cdr {
		field := rest.Car
		if !ast.IsCell(field) || !ast.IsSym(field.Car) {
			return fmt.Errorf("deftype %s: invalid field spec", typeName)
		}
		tf := TypeField{Name: field.Car.Str, IsScannable: true, Strength: FieldStrong}
		if ast.IsCell(field.Cdr) && ast.IsSym(field.Cdr.Car) {
			tf.Type = field.Cdr.Car.Str
		}
		if ast.IsCell(field.Cdr) && ast.IsCell(field.Cdr.Cdr) {
			if ann := field.Cdr.Cdr.Car; ast.IsKeyword(ann) && ann.Str == "weak" {
				tf.Strength = FieldWeak
			}
		}
		fields = append(fields, tf)
	}
	g.Registry.RegisterType(typeName, fields)
	g.Registry.BuildOwnershipGraph()
	g.Registry.AnalyzeBackEdges()
	return nil
}

func (g *CodeGenerator) handleDefine(expr *ast.Value) error {
	args := expr.Cdr
	if !ast.IsCell(args) {
		return fmt.Errorf("define: missing arguments")
	}
	first := args.Car

	// (define (name params...) body) sugar
	if ast.IsCell(first) {
		if !ast.IsSym(first.Car) {
			return fmt.Errorf("define: function name must be a symbol")
		}
		if !ast.IsCell(args.Cdr) {
			return fmt.Errorf("define %s: missing body", first.Car.Str)
		}
		lam := ast.List3(ast.NewSym("lambda"), first.Cdr, args.Cdr.Car)
		return g.defineGlobal(first.Car.Str, lam)
	}

	if !ast.IsSym(first) {
		return fmt.Errorf("define: invalid name")
	}
	if !ast.IsCell(args.Cdr) {
		return fmt.Errorf("define %s: missing value", first.Str)
	}
	return g.defineGlobal(first.Str, args.Cdr.Car)
}

func (g *CodeGenerator) defineGlobal(name string, val *ast.Value) error {
	if _, dup := g.globals[name]; dup {
		return fmt.Errorf("define: duplicate global %s", name)
	}
	cName := MangleName(name)
	g.globals[name] = VarInfo{CName: cName, RegionID: -1}
	g.globalDefs = append(g.globalDefs, fmt.Sprintf("static Obj* %s = OMNI_NIL;", cName))

	cv, err := g.compileExpr(val)
	if err != nil {
		return err
	}
	g.globalInits = append(g.globalInits, fmt.Sprintf("    %s = %s;\n", cName, cv.Expr))
	return nil
}

func (g *CodeGenerator) compileExpr(expr *ast.Value) (CValue, error) {
	if expr == nil || ast.IsNil(expr) {
		return CValue{Expr: "OMNI_NIL", IsNil: true}, nil
	}
	switch expr.Tag {
	case ast.TInt:
		return CValue{Expr: fmt.Sprintf("mk_int(%d)", expr.Int)}, nil
	case ast.TFloat:
		return CValue{Expr: fmt.Sprintf("mk_float_region(region_current(), %v)", expr.Float), Owned: true}, nil
	case ast.TChar:
		return CValue{Expr: fmt.Sprintf("mk_char(%d)", expr.Int)}, nil
	case ast.TBool:
		if expr.Bool {
			return CValue{Expr: "OMNI_TRUE"}, nil
		}
		return CValue{Expr: "OMNI_FALSE"}, nil
	case ast.TNothing:
		return CValue{Expr: "OMNI_NOTHING"}, nil
	case ast.TKeyword:
		return CValue{Expr: fmt.Sprintf("mk_sym(%q)", ":"+expr.Str)}, nil
	case ast.TCode:
		// Pre-lowered C fragments pass through verbatim.
		return CValue{Expr: expr.Str, Owned: true}, nil
	case ast.TSym:
		return g.compileSymbol(expr)
	case ast.TArray:
		return g.compileArrayLiteral(expr)
	case ast.TDict:
		return g.compileDictLiteral(expr)
	case ast.TTuple:
		return g.compileArrayLiteral(expr)
	case ast.TCell:
		return g.compileForm(expr)
	default:
		return CValue{}, fmt.Errorf("%s: unsupported expression %s", expr.Pos, ast.TagName(expr.Tag))
	}
}

func (g *CodeGenerator) compileSymbol(expr *ast.Value) (CValue, error) {
	if info, ok := g.lookup(expr.Str); ok {
		return CValue{Expr: info.CName}, nil
	}
	if cfn, ok := primitiveNames[expr.Str]; ok {
		return CValue{Expr: g.primClosureExpr(expr.Str, cfn), Owned: true}, nil
	}
	return CValue{}, fmt.Errorf("%s: unbound symbol %s", expr.Pos, expr.Str)
}

func (g *CodeGenerator) compileArrayLiteral(expr *ast.Value) (CValue, error) {
	tmp := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	sb.WriteString(fmt.Sprintf("    Obj* %s = mk_array_region(region_current(), %d);\n", tmp, len(expr.Items)))
	for _, it := range expr.Items {
		cv, err := g.compileExpr(it)
		if err != nil {
			return CValue{}, err
		}
		sb.WriteString(fmt.Sprintf("    array_push(%s, %s);\n", tmp, cv.Expr))
	}
	sb.WriteString(fmt.Sprintf("    %s;\n})", tmp))
	return CValue{Expr: sb.String(), Owned: true}, nil
}

func (g *CodeGenerator) compileDictLiteral(expr *ast.Value) (CValue, error) {
	tmp := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	sb.WriteString(fmt.Sprintf("    Obj* %s = mk_dict_region(region_current(), %d);\n", tmp, len(expr.Keys)))
	for i := range expr.Keys {
		kv, err := g.compileExpr(expr.Keys[i])
		if err != nil {
			return CValue{}, err
		}
		vv, err := g.compileExpr(expr.Vals[i])
		if err != nil {
			return CValue{}, err
		}
		sb.WriteString(fmt.Sprintf("    dict_set(%s, %s, %s);\n", tmp, kv.Expr, vv.Expr))
	}
	sb.WriteString(fmt.Sprintf("    %s;\n})", tmp))
	return CValue{Expr: sb.String(), Owned: true}, nil
}

func (g *CodeGenerator) compileForm(expr *ast.Value) (CValue, error) {
	head := expr.Car
	args := expr.Cdr
	if ast.IsSym(head) {
		switch head.Str {
		case "if":
			return g.compileIf(args)
		case "begin", "do":
			return g.compileBegin(args)
		case "let", "let*", "letrec":
			return g.compileLet(expr)
		case "lambda":
			return g.compileLambda(expr)
		case "set!":
			return g.compileSet(args)
		case "quote":
			return g.compileQuote(args.Car)
		case "and":
			return g.compileAndOr(args, true)
		case "or":
			return g.compileAndOr(args, false)
		case "try":
			return g.compileTry(args)
		case "error":
			return g.compileError(args)
		case "spawn":
			return g.compileSpawn(args)
		case "with-fibers":
			return g.compileWithFibers(args)
		case "list":
			return g.compileListCtor(args)
		case "array":
			return g.compileArrayCtor(args)
		case "dict":
			return g.compileDictCtor(args)
		}
		if info, ok := g.Registry.Types[head.Str]; ok {
			return g.compileUserConstructor(info, args)
		}
		return g.compileApply(head.Str, args)
	}
	return g.compileDynamicApply(head, args)
}

func (g *CodeGenerator) compileIf(args *ast.Value) (CValue, error) {
	if !ast.IsCell(args) || !ast.IsCell(args.Cdr) {
		return CValue{}, fmt.Errorf("if: needs condition and then-branch")
	}
	condV, err := g.compileExpr(args.Car)
	if err != nil {
		return CValue{}, err
	}
	thenV, err := g.compileExpr(args.Cdr.Car)
	if err != nil {
		return CValue{}, err
	}
	elseExpr := "OMNI_NOTHING"
	if ast.IsCell(args.Cdr.Cdr) {
		elseV, err := g.compileExpr(args.Cdr.Cdr.Car)
		if err != nil {
			return CValue{}, err
		}
		elseExpr = elseV.Expr
	}
	res := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	sb.WriteString(fmt.Sprintf("    Obj* %s;\n", res))
	sb.WriteString(fmt.Sprintf("    if (is_truthy(%s)) {\n", condV.Expr))
	sb.WriteString(fmt.Sprintf("        %s = %s;\n", res, thenV.Expr))
	sb.WriteString("    } else {\n")
	sb.WriteString(fmt.Sprintf("        %s = %s;\n", res, elseExpr))
	sb.WriteString("    }\n")
	sb.WriteString(fmt.Sprintf("    %s;\n})", res))
	return CValue{Expr: sb.String(), Owned: thenV.Owned}, nil
}

func (g *CodeGenerator) compileBegin(args *ast.Value) (CValue, error) {
	var sb strings.Builder
	sb.WriteString("({\n")
	sb.WriteString("    Obj* _seq = OMNI_NOTHING;\n")
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		cv, err := g.compileExpr(rest.Car)
		if err != nil {
			return CValue{}, err
		}
		sb.WriteString(fmt.Sprintf("    _seq = %s;\n", cv.Expr))
	}
	sb.WriteString("    _seq;\n})")
	return CValue{Expr: sb.String(), Owned: true}, nil
}

// compileLet opens the binding scope: region creates at entry for
// every component first defined here, allocations inside, escape
// repair on the result, exits and destroys at scope close.
func (g *CodeGenerator) compileLet(expr *ast.Value) (CValue, error) {
	args := expr.Cdr
	if !ast.IsCell(args) {
		return CValue{}, fmt.Errorf("let: missing bindings")
	}
	local := make(map[string]VarInfo)
	type bound struct {
		name, cName string
		rhs         *ast.Value
	}
	var binds []bound
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		bind := rest.Car
		if !ast.IsCell(bind) || !ast.IsSym(bind.Car) {
			return CValue{}, fmt.Errorf("let: invalid binding")
		}
		name := bind.Car.Str
		cName := g.localIdent(name)
		local[name] = VarInfo{CName: cName, RegionID: g.regionOf(name)}
		var rhs *ast.Value
		if ast.IsCell(bind.Cdr) {
			rhs = bind.Cdr.Car
		}
		binds = append(binds, bound{name, cName, rhs})
	}

	// Regions this scope introduces: the components of its bindings.
	var boundNames []string
	for _, b := range binds {
		boundNames = append(boundNames, b.name)
	}
	newRegions := g.openRegions(boundNames)

	var sb strings.Builder
	sb.WriteString("({\n")
	for _, id := range newRegions {
		sb.WriteString(fmt.Sprintf("    Region* %s = region_create();\n", g.regionVar(id)))
		sb.WriteString(fmt.Sprintf("    region_push(%s);\n", g.regionVar(id)))
		g.stats.RegionsCreated++
	}

	rec := isHeadSym(expr, "letrec")
	seq := isHeadSym(expr, "let*")
	switch {
	case rec:
		// All bindings visible to every right-hand side.
		g.pushScope(local)
		for _, b := range binds {
			sb.WriteString(fmt.Sprintf("    Obj* %s = OMNI_NIL;\n", b.cName))
		}
		for _, b := range binds {
			cv, err := g.compileExpr(b.rhs)
			if err != nil {
				g.popScope()
				return CValue{}, err
			}
			sb.WriteString(fmt.Sprintf("    %s = %s;\n", b.cName, cv.Expr))
		}
	case seq:
		// Each binding sees the ones before it.
		g.pushScope(make(map[string]VarInfo))
		for _, b := range binds {
			cv, err := g.compileExpr(b.rhs)
			if err != nil {
				g.popScope()
				return CValue{}, err
			}
			sb.WriteString(fmt.Sprintf("    Obj* %s = %s;\n", b.cName, cv.Expr))
			g.scopes[len(g.scopes)-1][b.name] = local[b.name]
		}
	default:
		// Plain let: right-hand sides see only the enclosing scope.
		for _, b := range binds {
			cv, err := g.compileExpr(b.rhs)
			if err != nil {
				return CValue{}, err
			}
			sb.WriteString(fmt.Sprintf("    Obj* %s = %s;\n", b.cName, cv.Expr))
		}
		g.pushScope(local)
	}

	bodyV := CValue{Expr: "OMNI_NOTHING"}
	var err error
	for body := args.Cdr; ast.IsCell(body); body = body.Cdr {
		bodyV, err = g.compileExpr(body.Car)
		if err != nil {
			g.popScope()
			return CValue{}, err
		}
		if ast.IsCell(body.Cdr) {
			sb.WriteString(fmt.Sprintf("    %s;\n", bodyV.Expr))
		}
	}
	g.popScope()

	sb.WriteString(fmt.Sprintf("    Obj* _res = %s;\n", bodyV.Expr))

	// Scope close, innermost first: pop, repair the escaping result,
	// exit, destroy-if-dead.
	for i := len(newRegions) - 1; i >= 0; i-- {
		id := newRegions[i]
		rv := g.regionVar(id)
		sb.WriteString("    region_pop();\n")
		sb.WriteString(fmt.Sprintf("    _res = escape_out(_res, %s);\n", rv))
		sb.WriteString(fmt.Sprintf("    region_exit(%s);\n", rv))
		sb.WriteString(fmt.Sprintf("    region_destroy_if_dead(%s);\n", rv))
		g.createdRegions[id] = false
		g.stats.RegionsFlushed++
	}
	sb.WriteString("    _res;\n})")
	return CValue{Expr: sb.String(), Owned: bodyV.Owned}, nil
}

// openRegions decides which candidate regions this scope creates: the
// component of each binding, unless an enclosing scope already opened
// it.
func (g *CodeGenerator) openRegions(names []string) []int {
	var out []int
	for _, name := range names {
		id := g.regionOf(name)
		if id < 0 || g.createdRegions[id] {
			continue
		}
		u := g.Analysis.Usage(name)
		if u != nil && !u.MustFree {
			continue
		}
		g.createdRegions[id] = true
		out = append(out, id)
	}
	return out
}

func (g *CodeGenerator) compileSet(args *ast.Value) (CValue, error) {
	if !ast.IsCell(args) || !ast.IsSym(args.Car) || !ast.IsCell(args.Cdr) {
		return CValue{}, fmt.Errorf("set!: needs target and value")
	}
	info, ok := g.lookup(args.Car.Str)
	if !ok {
		// set! of an unbound name is a warning, not fatal: emit a
		// fresh global so the store has somewhere to land.
		cName := MangleName(args.Car.Str)
		info = VarInfo{CName: cName, RegionID: -1}
		g.globals[args.Car.Str] = info
		g.globalDefs = append(g.globalDefs, fmt.Sprintf("static Obj* %s = OMNI_NIL;", cName))
		g.Warnings = append(g.Warnings,
			fmt.Sprintf("%s: set! of unbound %s", args.Car.Pos, args.Car.Str))
	}
	cv, err := g.compileExpr(args.Cdr.Car)
	if err != nil {
		return CValue{}, err
	}
	return CValue{Expr: fmt.Sprintf("(%s = %s)", info.CName, cv.Expr), Owned: cv.Owned}, nil
}

func (g *CodeGenerator) compileQuote(expr *ast.Value) (CValue, error) {
	if expr == nil || ast.IsNil(expr) {
		return CValue{Expr: "OMNI_NIL", IsNil: true}, nil
	}
	switch expr.Tag {
	case ast.TInt:
		return CValue{Expr: fmt.Sprintf("mk_int(%d)", expr.Int)}, nil
	case ast.TFloat:
		return CValue{Expr: fmt.Sprintf("mk_float(%v)", expr.Float)}, nil
	case ast.TChar:
		return CValue{Expr: fmt.Sprintf("mk_char(%d)", expr.Int)}, nil
	case ast.TBool:
		if expr.Bool {
			return CValue{Expr: "OMNI_TRUE"}, nil
		}
		return CValue{Expr: "OMNI_FALSE"}, nil
	case ast.TNothing:
		return CValue{Expr: "OMNI_NOTHING"}, nil
	case ast.TSym:
		return CValue{Expr: fmt.Sprintf("mk_sym(%q)", expr.Str)}, nil
	case ast.TCell:
		carV, err := g.compileQuote(expr.Car)
		if err != nil {
			return CValue{}, err
		}
		cdrV, err := g.compileQuote(expr.Cdr)
		if err != nil {
			return CValue{}, err
		}
		return CValue{
			Expr:  fmt.Sprintf("mk_pair_region(region_current(), %s, %s)", carV.Expr, cdrV.Expr),
			Owned: true,
		}, nil
	default:
		return CValue{Expr: "OMNI_NIL", IsNil: true}, nil
	}
}

func (g *CodeGenerator) compileAndOr(args *ast.Value, isAnd bool) (CValue, error) {
	if !ast.IsCell(args) {
		if isAnd {
			return CValue{Expr: "OMNI_TRUE"}, nil
		}
		return CValue{Expr: "OMNI_FALSE"}, nil
	}
	res := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	sb.WriteString(fmt.Sprintf("    Obj* %s = %s;\n", res, map[bool]string{true: "OMNI_TRUE", false: "OMNI_FALSE"}[isAnd]))
	depth := 0
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		cv, err := g.compileExpr(rest.Car)
		if err != nil {
			return CValue{}, err
		}
		sb.WriteString(fmt.Sprintf("    %s = %s;\n", res, cv.Expr))
		if ast.IsCell(rest.Cdr) {
			if isAnd {
				sb.WriteString(fmt.Sprintf("    if (is_truthy(%s)) {\n", res))
			} else {
				sb.WriteString(fmt.Sprintf("    if (!is_truthy(%s)) {\n", res))
			}
			depth++
		}
	}
	for i := 0; i < depth; i++ {
		sb.WriteString("    }\n")
	}
	sb.WriteString(fmt.Sprintf("    %s;\n})", res))
	return CValue{Expr: sb.String(), Owned: true}, nil
}

func (g *CodeGenerator) compileTry(args *ast.Value) (CValue, error) {
	if !ast.IsCell(args) || !ast.IsCell(args.Cdr) {
		return CValue{}, fmt.Errorf("try: needs expression and handler")
	}
	tryV, err := g.compileExpr(args.Car)
	if err != nil {
		return CValue{}, err
	}
	res := g.newTemp()
	errName := g.newTemp()

	handlerScope := map[string]VarInfo{"error": {CName: errName, RegionID: -1}}
	g.pushScope(handlerScope)
	handlerV, err := g.compileExpr(args.Cdr.Car)
	g.popScope()
	if err != nil {
		return CValue{}, err
	}

	sp := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	sb.WriteString(fmt.Sprintf("    Obj* %s = OMNI_NOTHING;\n", res))
	sb.WriteString(fmt.Sprintf("    Obj* %s = OMNI_NIL;\n", errName))
	sb.WriteString("    " + UnwindProlog(sp))
	sb.WriteString("    TRY_BEGIN {\n")
	sb.WriteString(fmt.Sprintf("        %s = %s;\n", res, tryV.Expr))
	sb.WriteString(fmt.Sprintf("    } TRY_CATCH(%s) {\n", errName))
	sb.WriteString("        " + UnwindOnCatch(sp))
	sb.WriteString(fmt.Sprintf("        %s = %s;\n", res, handlerV.Expr))
	sb.WriteString("    } TRY_END;\n")
	sb.WriteString(fmt.Sprintf("    %s;\n})", res))
	return CValue{Expr: sb.String(), Owned: true}, nil
}

func (g *CodeGenerator) compileError(args *ast.Value) (CValue, error) {
	if !ast.IsCell(args) {
		return CValue{Expr: `THROW(mk_error("error"))`, Owned: true}, nil
	}
	cv, err := g.compileExpr(args.Car)
	if err != nil {
		return CValue{}, err
	}
	return CValue{Expr: fmt.Sprintf("THROW(%s)", cv.Expr), Owned: true}, nil
}

func (g *CodeGenerator) compileSpawn(args *ast.Value) (CValue, error) {
	if !ast.IsCell(args) {
		return CValue{}, fmt.Errorf("spawn: needs a body")
	}
	thunk := ast.List3(ast.NewSym("lambda"), ast.Nil, args.Car)
	cv, err := g.compileLambda(thunk)
	if err != nil {
		return CValue{}, err
	}
	tmp := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	sb.WriteString(fmt.Sprintf("    Obj* %s = spawn_fiber(region_current(), %s);\n", tmp, cv.Expr))
	sb.WriteString(fmt.Sprintf("    fiber_scope_track(%s);\n", tmp))
	sb.WriteString(fmt.Sprintf("    %s;\n})", tmp))
	return CValue{Expr: sb.String(), Owned: true}, nil
}

func (g *CodeGenerator) compileWithFibers(args *ast.Value) (CValue, error) {
	var sb strings.Builder
	errTmp := g.newTemp()
	sb.WriteString("({\n")
	sb.WriteString("    fiber_scope_enter();\n")
	sb.WriteString("    Obj* _fres = OMNI_NOTHING;\n")
	sb.WriteString(fmt.Sprintf("    Obj* %s = OMNI_NIL;\n", errTmp))
	sb.WriteString("    TRY_BEGIN {\n")
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		cv, err := g.compileExpr(rest.Car)
		if err != nil {
			return CValue{}, err
		}
		sb.WriteString(fmt.Sprintf("        _fres = %s;\n", cv.Expr))
	}
	// An error leaving the scope cancels the stragglers, then re-raises.
	sb.WriteString(fmt.Sprintf("    } TRY_CATCH(%s) {\n", errTmp))
	sb.WriteString("        fiber_scope_exit(1);\n")
	sb.WriteString(fmt.Sprintf("        THROW(%s);\n", errTmp))
	sb.WriteString("    } TRY_END;\n")
	sb.WriteString("    fiber_scope_exit(0);\n")
	sb.WriteString("    _fres;\n})")
	return CValue{Expr: sb.String(), Owned: true}, nil
}

func (g *CodeGenerator) compileListCtor(args *ast.Value) (CValue, error) {
	var items []CValue
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		cv, err := g.compileExpr(rest.Car)
		if err != nil {
			return CValue{}, err
		}
		items = append(items, cv)
	}
	expr := "OMNI_NIL"
	for i := len(items) - 1; i >= 0; i-- {
		expr = fmt.Sprintf("mk_pair_region(region_current(), %s, %s)", items[i].Expr, expr)
	}
	return CValue{Expr: expr, Owned: len(items) > 0}, nil
}

func (g *CodeGenerator) compileArrayCtor(args *ast.Value) (CValue, error) {
	tmp := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	n := 0
	var pushes []string
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		cv, err := g.compileExpr(rest.Car)
		if err != nil {
			return CValue{}, err
		}
		pushes = append(pushes, fmt.Sprintf("    array_push(%s, %s);\n", tmp, cv.Expr))
		n++
	}
	sb.WriteString(fmt.Sprintf("    Obj* %s = mk_array_region(region_current(), %d);\n", tmp, n))
	for _, p := range pushes {
		sb.WriteString(p)
	}
	sb.WriteString(fmt.Sprintf("    %s;\n})", tmp))
	return CValue{Expr: sb.String(), Owned: true}, nil
}

func (g *CodeGenerator) compileDictCtor(args *ast.Value) (CValue, error) {
	tmp := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	var sets []string
	n := 0
	for rest := args; ast.IsCell(rest) && ast.IsCell(rest.Cdr); rest = rest.Cdr.Cdr {
		kv, err := g.compileExpr(rest.Car)
		if err != nil {
			return CValue{}, err
		}
		vv, err := g.compileExpr(rest.Cdr.Car)
		if err != nil {
			return CValue{}, err
		}
		sets = append(sets, fmt.Sprintf("    dict_set(%s, %s, %s);\n", tmp, kv.Expr, vv.Expr))
		n++
	}
	sb.WriteString(fmt.Sprintf("    Obj* %s = mk_dict_region(region_current(), %d);\n", tmp, n))
	for _, s := range sets {
		sb.WriteString(s)
	}
	sb.WriteString(fmt.Sprintf("    %s;\n})", tmp))
	return CValue{Expr: sb.String(), Owned: true}, nil
}

func (g *CodeGenerator) compileUserConstructor(info *TypeInfo, args *ast.Value) (CValue, error) {
	var argExprs []string
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		cv, err := g.compileExpr(rest.Car)
		if err != nil {
			return CValue{}, err
		}
		argExprs = append(argExprs, cv.Expr)
	}
	if len(argExprs) != len(info.Fields) {
		return CValue{}, fmt.Errorf("%s: expects %d fields, got %d", info.Name, len(info.Fields), len(argExprs))
	}
	return CValue{
		Expr:  fmt.Sprintf("mk_%s_region(region_current(), %s)", info.Name, strings.Join(argExprs, ", ")),
		Owned: true,
	}, nil
}

// compileApply lowers a call to a named function or primitive,
// tethering region-resident borrowed arguments across the call.
func (g *CodeGenerator) compileApply(fnName string, args *ast.Value) (CValue, error) {
	var argVals []CValue
	var argSyms []string
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		cv, err := g.compileExpr(rest.Car)
		if err != nil {
			return CValue{}, err
		}
		argVals = append(argVals, cv)
		if ast.IsSym(rest.Car) {
			argSyms = append(argSyms, rest.Car.Str)
		}
	}

	var tethered []string
	var call string
	switch {
	case regionConstructors[fnName] != "":
		var ex []string
		for _, av := range argVals {
			ex = append(ex, av.Expr)
		}
		call = fmt.Sprintf("%s(region_current()%s)", regionConstructors[fnName], prefixEach(ex))
	case primitiveNames[fnName] != "" && !g.isLocalOrGlobal(fnName):
		var ex []string
		for _, av := range argVals {
			ex = append(ex, av.Expr)
		}
		call = fmt.Sprintf("%s(%s)", primitiveNames[fnName], strings.Join(ex, ", "))
	default:
		info, ok := g.lookup(fnName)
		if !ok {
			return CValue{}, fmt.Errorf("unbound function %s", fnName)
		}
		// Region-resident arguments stay pinned across the call: the
		// callee may stash a borrow that must not outlive the region.
		// Provably read-only callees skip the pin.
		readOnly := g.Analysis != nil && g.Analysis.Purity != nil &&
			g.Analysis.Purity.IsReadOnly(ast.NewSym(fnName))
		if g.TetherEnabled && !readOnly {
			for _, name := range argSyms {
				if r := g.tetherRegion(name); r != "" {
					tethered = append(tethered, r)
				}
			}
		} else if readOnly {
			g.stats.PurityChecksSkipped += len(argSyms)
		}
		call = g.closureCallExpr(info.CName, argVals)
	}

	if len(tethered) == 0 {
		return CValue{Expr: call, Owned: true}, nil
	}

	var sb strings.Builder
	sb.WriteString("({\n")
	for _, r := range tethered {
		sb.WriteString(fmt.Sprintf("    region_tether_start(%s);\n", r))
		g.stats.TetheredVars++
	}
	sb.WriteString(fmt.Sprintf("    Obj* _tres = %s;\n", call))
	for i := len(tethered) - 1; i >= 0; i-- {
		sb.WriteString(fmt.Sprintf("    region_tether_end(%s);\n", tethered[i]))
	}
	sb.WriteString("    _tres;\n})")
	return CValue{Expr: sb.String(), Owned: true}, nil
}

// tetherRegion names the region variable to tether when passing name
// to a callee, or "" when no tether is needed: only region-resident
// variables whose component region is open in an enclosing scope and
// whose uses are not provably read-only need the pin.
func (g *CodeGenerator) tetherRegion(name string) string {
	id := g.regionOf(name)
	if id < 0 || !g.createdRegions[id] {
		return ""
	}
	u := g.Analysis.Usage(name)
	if u == nil {
		return ""
	}
	if u.Ownership != analysis.OwnerLocal && u.Ownership != analysis.OwnerBorrowed {
		return ""
	}
	return g.regionVar(id)
}

func (g *CodeGenerator) isLocalOrGlobal(name string) bool {
	_, ok := g.lookup(name)
	return ok
}

func (g *CodeGenerator) compileDynamicApply(op *ast.Value, args *ast.Value) (CValue, error) {
	opV, err := g.compileExpr(op)
	if err != nil {
		return CValue{}, err
	}
	var argVals []CValue
	for rest := args; ast.IsCell(rest); rest = rest.Cdr {
		cv, err := g.compileExpr(rest.Car)
		if err != nil {
			return CValue{}, err
		}
		argVals = append(argVals, cv)
	}
	tmp := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	sb.WriteString(fmt.Sprintf("    Obj* %s = %s;\n", tmp, opV.Expr))
	sb.WriteString(fmt.Sprintf("    %s;\n})", g.closureCallExprRaw(tmp, argVals, &sb)))
	return CValue{Expr: sb.String(), Owned: true}, nil
}

func (g *CodeGenerator) closureCallExpr(closure string, args []CValue) string {
	var sb strings.Builder
	sb.WriteString("({\n")
	expr := g.closureCallExprRaw(closure, args, &sb)
	sb.WriteString(fmt.Sprintf("    %s;\n})", expr))
	return sb.String()
}

func (g *CodeGenerator) closureCallExprRaw(closure string, args []CValue, sb *strings.Builder) string {
	if len(args) == 0 {
		return fmt.Sprintf("call_closure(%s, NULL, 0)", closure)
	}
	arr := g.newTemp()
	sb.WriteString(fmt.Sprintf("    Obj* %s[%d];\n", arr, len(args)))
	for i, av := range args {
		sb.WriteString(fmt.Sprintf("    %s[%d] = %s;\n", arr, i, av.Expr))
	}
	return fmt.Sprintf("call_closure(%s, %s, %d)", closure, arr, len(args))
}

// compileLambda hoists a C function and builds the closure with
// epoch-borrow capture validation.
func (g *CodeGenerator) compileLambda(expr *ast.Value) (CValue, error) {
	args := expr.Cdr
	if !ast.IsCell(args) {
		return CValue{}, fmt.Errorf("lambda: missing parameters")
	}
	var params []string
	for rest := args.Car; ast.IsCell(rest); rest = rest.Cdr {
		if ast.IsSym(rest.Car) {
			params = append(params, rest.Car.Str)
		}
	}
	var body *ast.Value
	if ast.IsCell(args.Cdr) {
		body = args.Cdr.Car
	}

	captures := g.visibleFreeVars(body, params)

	g.lambdaID++
	fnName := fmt.Sprintf("o_lambda_%d", g.lambdaID)
	fnDef, err := g.genLambdaFunc(fnName, params, captures, body)
	if err != nil {
		return CValue{}, err
	}
	g.funcDefs = append(g.funcDefs, fnDef)

	if len(captures) == 0 {
		return CValue{
			Expr:  fmt.Sprintf("mk_closure(region_current(), %s, NULL, NULL, 0, %d)", fnName, len(params)),
			Owned: true,
		}, nil
	}

	caps := g.newTemp()
	refs := g.newTemp()
	var sb strings.Builder
	sb.WriteString("({\n")
	sb.WriteString(fmt.Sprintf("    Obj* %s[%d];\n", caps, len(captures)))
	sb.WriteString(fmt.Sprintf("    BorrowRef* %s[%d];\n", refs, len(captures)))
	for i, cap := range captures {
		info, _ := g.lookup(cap)
		sb.WriteString(fmt.Sprintf("    %s[%d] = %s;\n", caps, i, info.CName))
		// A capture the RC optimizer proved unique cannot be freed
		// behind the closure's back; its validity check is elided.
		if g.Analysis != nil && g.Analysis.RCOpt != nil && g.Analysis.RCOpt.IsUnique(cap) {
			sb.WriteString(fmt.Sprintf("    %s[%d] = NULL;\n", refs, i))
			g.stats.RCIncElided++
			continue
		}
		sb.WriteString(fmt.Sprintf("    %s[%d] = borrow_create(%s);\n", refs, i, info.CName))
		g.stats.BorrowRefCreated++
	}
	sb.WriteString(fmt.Sprintf("    mk_closure(region_current(), %s, %s, %s, %d, %d);\n})",
		fnName, caps, refs, len(captures), len(params)))
	return CValue{Expr: sb.String(), Owned: true}, nil
}

// visibleFreeVars filters a body's free variables down to the names
// the generator can actually capture (bound in an enclosing scope).
func (g *CodeGenerator) visibleFreeVars(body *ast.Value, params []string) []string {
	var out []string
	for _, fv := range analysis.FindFreeVars(body, boundSet(params)) {
		if _, ok := g.lookup(fv); ok {
			if _, isGlobal := g.globals[fv]; isGlobal {
				continue // globals resolve directly, no capture slot
			}
			out = append(out, fv)
		}
	}
	return out
}

func boundSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func (g *CodeGenerator) genLambdaFunc(fnName string, params, captures []string, body *ast.Value) (string, error) {
	scope := make(map[string]VarInfo)
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("static Obj* %s(Obj** _captures, Obj** _args, int _n) {\n", fnName))
	sb.WriteString("    (void)_captures; (void)_args; (void)_n;\n")
	sb.WriteString("    Region* r_fn = region_create();\n")
	sb.WriteString("    region_push(r_fn);\n")

	for i, cap := range captures {
		cName := g.localIdent(cap)
		scope[cap] = VarInfo{CName: cName, RegionID: g.regionOf(cap)}
		sb.WriteString(fmt.Sprintf("    Obj* %s = _captures[%d];\n", cName, i))
	}
	for i, param := range params {
		cName := g.localIdent(param)
		scope[param] = VarInfo{CName: cName, RegionID: g.regionOf(param), Borrowed: true}
		sb.WriteString(fmt.Sprintf("    Obj* %s = _args[%d];\n", cName, i))
	}

	g.pushScope(scope)
	cv, err := g.compileExpr(body)
	g.popScope()
	if err != nil {
		return "", err
	}

	sb.WriteString(fmt.Sprintf("    Obj* _ret = %s;\n", cv.Expr))
	sb.WriteString("    region_pop();\n")
	sb.WriteString("    _ret = escape_out(_ret, r_fn);\n")
	sb.WriteString("    region_exit(r_fn);\n")
	sb.WriteString("    region_destroy_if_dead(r_fn);\n")
	sb.WriteString("    return _ret;\n")
	sb.WriteString("}\n")
	return sb.String(), nil
}

func (g *CodeGenerator) lookup(name string) (VarInfo, bool) {
	for i := len(g.scopes) - 1; i >= 0; i-- {
		if v, ok := g.scopes[i][name]; ok {
			return v, true
		}
	}
	if v, ok := g.globals[name]; ok {
		return v, true
	}
	return VarInfo{}, false
}

func (g *CodeGenerator) pushScope(scope map[string]VarInfo) {
	g.scopes = append(g.scopes, scope)
}

func (g *CodeGenerator) popScope() {
	if len(g.scopes) > 1 {
		g.scopes = g.scopes[:len(g.scopes)-1]
	}
}

func (g *CodeGenerator) newTemp() string {
	g.tempCounter++
	return fmt.Sprintf("_t%d", g.tempCounter)
}

func (g *CodeGenerator) localIdent(name string) string {
	g.tempCounter++
	return fmt.Sprintf("%s_%d", MangleName(name), g.tempCounter)
}

// primClosureExpr wraps a primitive as a first-class closure value.
func (g *CodeGenerator) primClosureExpr(name, cFn string) string {
	wrapperName := cFn + "_wrapper"
	if !g.primWrapped[name] {
		g.primWrapped[name] = true
		arity := primitiveArity[name]
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("static Obj* %s(Obj** captures, Obj** args, int n) {\n", wrapperName))
		sb.WriteString("    (void)captures;\n")
		switch arity {
		case 0:
			sb.WriteString(fmt.Sprintf("    (void)args; (void)n;\n    return %s();\n", cFn))
		case 1:
			sb.WriteString(fmt.Sprintf("    if (n < 1) return OMNI_NIL;\n    return %s(args[0]);\n", cFn))
		case 3:
			sb.WriteString(fmt.Sprintf("    if (n < 3) return OMNI_NIL;\n    return %s(args[0], args[1], args[2]);\n", cFn))
		default:
			sb.WriteString(fmt.Sprintf("    if (n < 2) return OMNI_NIL;\n    return %s(args[0], args[1]);\n", cFn))
		}
		sb.WriteString("}\n")
		g.helperDefs = append(g.helperDefs, sb.String())
	}
	return fmt.Sprintf("mk_closure(region_current(), %s, NULL, NULL, 0, %d)", wrapperName, primitiveArity[name])
}

// GenerateProgramToString compiles a form sequence standalone, with a
// fresh analysis and region plan: the one-call entry for tools that
// just want the translation unit. Errors surface as a #error line so
// the C compile step reports them.
func GenerateProgramToString(exprs []*ast.Value) string {
	res := analysis.Analyze(exprs)
	vig := memory.BuildVIG(exprs, res.Graph)
	plan := memory.PlanRegions(vig, res.Graph)
	gen := New(res, plan, nil)
	out, err := gen.CompileProgram(exprs)
	if err != nil {
		return "#error \"" + err.Error() + "\"\n"
	}
	return out
}

// primitiveNames maps source primitives to runtime C functions.
var primitiveNames = map[string]string{
	"+": "prim_add", "-": "prim_sub", "*": "prim_mul", "/": "prim_div",
	"%": "prim_mod", "<": "prim_lt", ">": "prim_gt", "<=": "prim_le",
	">=": "prim_ge", "=": "prim_eq", "eq?": "prim_eq",
	"car": "obj_car", "cdr": "obj_cdr",
	"null?": "prim_null", "pair?": "prim_pair", "int?": "prim_int",
	"float?": "prim_float", "char?": "prim_char", "symbol?": "prim_sym",
	"unbox": "box_get", "set-box!": "box_set",
	"not": "prim_not", "abs": "prim_abs",
	"display": "prim_display", "newline": "prim_newline", "print": "prim_print",
	"length": "list_length", "append": "list_append", "reverse": "list_reverse",
	"string-concat": "string_concat",
	"array-push!":   "array_push", "array-ref": "array_ref",
	"dict-set!": "dict_set", "dict-get": "dict_get",
	"deref": "atom_deref", "swap!": "atom_swap", "get": "omni_get",
	"join": "fiber_join", "cancel": "fiber_cancel", "canceled?": "fiber_canceled",
}

// regionConstructors are primitives whose first C argument is the
// allocation region.
var regionConstructors = map[string]string{
	"cons": "mk_pair_region",
	"box":  "mk_box_region",
	"atom": "mk_atom_region",
}

var primitiveArity = map[string]int{
	"+": 2, "-": 2, "*": 2, "/": 2, "%": 2,
	"<": 2, ">": 2, "<=": 2, ">=": 2, "=": 2, "eq?": 2,
	"cons": 2, "set-box!": 2, "append": 2,
	"array-push!": 2, "array-ref": 2, "dict-get": 2, "swap!": 2, "get": 2,
	"dict-set!": 3,
	"car":       1, "cdr": 1, "null?": 1, "pair?": 1, "int?": 1,
	"float?": 1, "char?": 1, "symbol?": 1, "box": 1, "unbox": 1,
	"not": 1, "abs": 1, "display": 1, "print": 1, "length": 1,
	"reverse": 1, "deref": 1, "join": 1, "cancel": 1, "canceled?": 1,
	"atom": 1, "newline": 0,
}
