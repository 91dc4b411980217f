package codegen

import "sort"

// FieldStrength says whether a user-type field owns its referent.
type FieldStrength int

const (
	FieldStrong FieldStrength = iota
	FieldWeak
)

// TypeField is one declared field of a deftype.
type TypeField struct {
	Name        string
	Type        string
	IsScannable bool
	Strength    FieldStrength
}

// CycleStatus classifies a user type's ownership graph.
type CycleStatus int

const (
	CycleNone   CycleStatus = iota // acyclic: plain RC release
	CycleBroken                    // cyclic but broken by weak back edges
	CycleLive                      // cyclic with strong edges: symmetric RC
)

// TypeInfo is one registered user type.
type TypeInfo struct {
	Name   string
	Fields []TypeField
	Tag    int
	Cycle  CycleStatus
}

// TypeRegistry holds every deftype of one compilation. It is owned by
// the compiler context; there is no package-level instance.
type TypeRegistry struct {
	Types map[string]*TypeInfo
	order []string
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{Types: make(map[string]*TypeInfo)}
}

const userTagBase = 1000

// RegisterType records a type and assigns its runtime tag.
func (tr *TypeRegistry) RegisterType(name string, fields []TypeField) *TypeInfo {
	if existing, ok := tr.Types[name]; ok {
		existing.Fields = fields
		return existing
	}
	info := &TypeInfo{
		Name:   name,
		Fields: fields,
		Tag:    userTagBase + len(tr.order),
	}
	tr.Types[name] = info
	tr.order = append(tr.order, name)
	return info
}

// All returns the registered types in declaration order.
func (tr *TypeRegistry) All() []*TypeInfo {
	out := make([]*TypeInfo, 0, len(tr.order))
	for _, name := range tr.order {
		out = append(out, tr.Types[name])
	}
	return out
}

// IsFieldWeak reports whether a field was declared (or inferred) weak.
func (tr *TypeRegistry) IsFieldWeak(typeName, fieldName string) bool {
	info := tr.Types[typeName]
	if info == nil {
		return false
	}
	for _, f := range info.Fields {
		if f.Name == fieldName {
			return f.Strength == FieldWeak
		}
	}
	return false
}

// BuildOwnershipGraph and AnalyzeBackEdges run the cycle analysis over
// the type-level ownership graph (an edge per strong scannable field
// whose type is itself registered). Back edges found by DFS are
// demoted to weak automatically, so a doubly-linked structure declared
// with two strong links still releases deterministically.
func (tr *TypeRegistry) BuildOwnershipGraph() map[string][]string {
	g := make(map[string][]string, len(tr.order))
	for _, name := range tr.order {
		info := tr.Types[name]
		for _, f := range info.Fields {
			if f.Strength != FieldStrong || !f.IsScannable {
				continue
			}
			if _, ok := tr.Types[f.Type]; ok {
				g[name] = append(g[name], f.Type)
			}
		}
		sort.Strings(g[name])
	}
	return g
}

// AnalyzeBackEdges classifies every type's cycle status and auto-weakens
// the fields that close cycles.
func (tr *TypeRegistry) AnalyzeBackEdges() {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(tr.order))

	var visit func(name string, stack map[string]bool)
	visit = func(name string, stack map[string]bool) {
		color[name] = grey
		stack[name] = true
		info := tr.Types[name]
		for i := range info.Fields {
			f := &info.Fields[i]
			if f.Strength != FieldStrong || !f.IsScannable {
				continue
			}
			target, ok := tr.Types[f.Type]
			if !ok {
				continue
			}
			if stack[target.Name] {
				// Closing edge of a cycle: break it.
				f.Strength = FieldWeak
				info.Cycle = CycleBroken
				if target.Cycle == CycleNone {
					target.Cycle = CycleBroken
				}
				continue
			}
			if color[target.Name] == white {
				visit(target.Name, stack)
			}
		}
		delete(stack, name)
		color[name] = black
	}

	for _, name := range tr.order {
		if color[name] == white {
			visit(name, make(map[string]bool))
		}
	}
}

// FindType looks up a type by name, nil when unregistered.
func (tr *TypeRegistry) FindType(name string) *TypeInfo {
	return tr.Types[name]
}

// CycleStatusForType returns a registered type's classification.
func (tr *TypeRegistry) CycleStatusForType(name string) CycleStatus {
	if info := tr.Types[name]; info != nil {
		return info.Cycle
	}
	return CycleNone
}
