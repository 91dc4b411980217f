package cfg

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/omnilisp/omni/pkg/ast"
)

// NodeKind classifies a CFG node's control shape.
type NodeKind int

const (
	KindEntry NodeKind = iota
	KindStraight
	KindBranch
	KindJoin
	KindExit
)

func (k NodeKind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindStraight:
		return "straight"
	case KindBranch:
		return "branch"
	case KindJoin:
		return "join"
	case KindExit:
		return "exit"
	default:
		return "?"
	}
}

// Node is one basic block. Defs/Uses/LiveIn/LiveOut are bitsets over
// the graph's interned variable indices; [Start,End) is the node's
// half-open interval in the linear program-point numbering.
type Node struct {
	ID    int
	Kind  NodeKind
	Start int
	End   int

	Defs *bitset.BitSet
	Uses *bitset.BitSet

	LiveIn  *bitset.BitSet
	LiveOut *bitset.BitSet

	IDom     *Node
	PostIDom *Node

	SCCID      int
	IsSCCEntry bool

	Succs []*Node
	Preds []*Node

	Form *ast.Value
}

func (n *Node) String() string {
	return fmt.Sprintf("n%d[%s %d..%d)", n.ID, n.Kind, n.Start, n.End)
}

// Graph is one function's control-flow graph. Nested lambdas get their
// own Graph, linked through Functions.
type Graph struct {
	Entry *Node
	Exit  *Node
	Nodes []*Node

	// Variable interning: bitset positions are indices into vars.
	vars     []string
	varIndex map[string]uint

	// Params are the graph's lambda parameters, in order (empty for
	// the top-level program graph).
	Params []string

	// Functions holds the CFGs of lambdas defined inside this one.
	Functions []*Graph

	// Captured lists free variables this lambda closes over.
	Captured []string

	nextPos int
}

// NewGraph creates an empty graph with an entry node.
func NewGraph() *Graph {
	g := &Graph{varIndex: make(map[string]uint)}
	g.Entry = g.NewNode(KindEntry)
	return g
}

// NewNode appends a node of the given kind, opening its position
// interval at the current program point.
func (g *Graph) NewNode(kind NodeKind) *Node {
	n := &Node{
		ID:    len(g.Nodes),
		Kind:  kind,
		Start: g.nextPos,
		End:   g.nextPos,
		Defs:  bitset.New(8),
		Uses:  bitset.New(8),
		SCCID: -1,
	}
	g.Nodes = append(g.Nodes, n)
	return n
}

// Edge links from -> to.
func (g *Graph) Edge(from, to *Node) {
	from.Succs = append(from.Succs, to)
	to.Preds = append(to.Preds, from)
}

// VarID interns a variable name and returns its bitset index.
func (g *Graph) VarID(name string) uint {
	if id, ok := g.varIndex[name]; ok {
		return id
	}
	id := uint(len(g.vars))
	g.varIndex[name] = id
	g.vars = append(g.vars, name)
	return id
}

// VarName maps a bitset index back to its variable name.
func (g *Graph) VarName(id uint) string {
	if int(id) >= len(g.vars) {
		return ""
	}
	return g.vars[id]
}

// NumVars returns how many variables the graph interned.
func (g *Graph) NumVars() int { return len(g.vars) }

// LookupVar returns the index for name if it was interned.
func (g *Graph) LookupVar(name string) (uint, bool) {
	id, ok := g.varIndex[name]
	return id, ok
}

// tick advances the program-point counter and stretches n's interval
// over the new point.
func (g *Graph) tick(n *Node) int {
	p := g.nextPos
	g.nextPos++
	if n != nil {
		n.End = g.nextPos
	}
	return p
}

// addDef records a definition of name in n at a fresh program point.
func (g *Graph) addDef(n *Node, name string) {
	n.Defs.Set(g.VarID(name))
	g.tick(n)
}

// addUse records a use of name in n at a fresh program point.
func (g *Graph) addUse(n *Node, name string) {
	n.Uses.Set(g.VarID(name))
	g.tick(n)
}

// NamesIn lists the variable names a bitset covers, in index order.
func (g *Graph) NamesIn(s *bitset.BitSet) []string {
	var out []string
	for i, ok := s.NextSet(0); ok; i, ok = s.NextSet(i + 1) {
		out = append(out, g.vars[i])
	}
	return out
}
