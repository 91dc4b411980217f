package memory

// Symmetric reference counting: the runtime fallback for cyclic
// structures the static analysis could not prove group-freeable.
//
// The scope participates in the ownership graph as an object. Every
// reference is classified by which side holds it: external (from a
// live scope or root) or internal (from another heap object). A cycle
// whose members hold only internal references to each other is
// orphaned the moment its last external reference drops, so cycle
// collection is O(members) and deterministic, without a tracing pass.
//
// Static cycles (is_static_scc) never reach this machinery: they are
// freed as a group at a compile-time point.

// SymmetricObj is an object under symmetric RC.
type SymmetricObj struct {
	ExternalRC int
	InternalRC int
	Refs       []*SymmetricObj
	Data       interface{}
	Freed      bool
}

// SymmetricScope is a scope acting as the external root for the
// objects it owns.
type SymmetricScope struct {
	Owned  []*SymmetricObj
	Parent *SymmetricScope
}

// NewSymmetricObj creates an unowned object.
func NewSymmetricObj(data interface{}) *SymmetricObj {
	return &SymmetricObj{Data: data}
}

// NewSymmetricScope creates a scope under parent.
func NewSymmetricScope(parent *SymmetricScope) *SymmetricScope {
	return &SymmetricScope{Parent: parent}
}

// Own gives the scope an external reference to obj.
func (s *SymmetricScope) Own(obj *SymmetricObj) {
	if obj == nil || obj.Freed {
		return
	}
	obj.ExternalRC++
	s.Owned = append(s.Owned, obj)
}

// Release drops the scope's external references; orphaned objects and
// cycles cascade immediately.
func (s *SymmetricScope) Release() {
	for _, obj := range s.Owned {
		SymmetricDecExternal(obj)
	}
	s.Owned = nil
}

// SymmetricIncRef records an internal reference from one object to
// another.
func SymmetricIncRef(from, to *SymmetricObj) {
	if to == nil || to.Freed {
		return
	}
	to.InternalRC++
	if from != nil {
		from.Refs = append(from.Refs, to)
	}
}

// SymmetricDecExternal drops an external reference.
func SymmetricDecExternal(obj *SymmetricObj) {
	if obj == nil || obj.Freed {
		return
	}
	obj.ExternalRC--
	symmetricCheckFree(obj)
}

// SymmetricDecInternal drops an internal reference.
func SymmetricDecInternal(obj *SymmetricObj) {
	if obj == nil || obj.Freed {
		return
	}
	obj.InternalRC--
	symmetricCheckFree(obj)
}

// symmetricCheckFree frees an object with no external holders and
// cascades through its internal references. Internal references from
// other garbage never keep an object alive; that is the whole point.
func symmetricCheckFree(obj *SymmetricObj) {
	if obj == nil || obj.Freed {
		return
	}
	if obj.ExternalRC > 0 {
		return
	}
	obj.Freed = true
	for _, ref := range obj.Refs {
		SymmetricDecInternal(ref)
	}
	obj.Refs = nil
	obj.Data = nil
}

// IsOrphaned reports an object with no external holders.
func (obj *SymmetricObj) IsOrphaned() bool {
	return obj.ExternalRC <= 0
}

// SymmetricContext stacks scopes for one thread of execution.
type SymmetricContext struct {
	GlobalScope *SymmetricScope
	ScopeStack  []*SymmetricScope
}

// NewSymmetricContext creates a context with a global root scope.
func NewSymmetricContext() *SymmetricContext {
	global := NewSymmetricScope(nil)
	return &SymmetricContext{
		GlobalScope: global,
		ScopeStack:  []*SymmetricScope{global},
	}
}

// CurrentScope returns the innermost scope.
func (ctx *SymmetricContext) CurrentScope() *SymmetricScope {
	return ctx.ScopeStack[len(ctx.ScopeStack)-1]
}

// EnterScope pushes a child scope.
func (ctx *SymmetricContext) EnterScope() *SymmetricScope {
	scope := NewSymmetricScope(ctx.CurrentScope())
	ctx.ScopeStack = append(ctx.ScopeStack, scope)
	return scope
}

// ExitScope pops and releases the innermost scope. The global scope
// never exits.
func (ctx *SymmetricContext) ExitScope() {
	if len(ctx.ScopeStack) <= 1 {
		return
	}
	scope := ctx.CurrentScope()
	ctx.ScopeStack = ctx.ScopeStack[:len(ctx.ScopeStack)-1]
	scope.Release()
}

// Alloc allocates an object owned by the current scope.
func (ctx *SymmetricContext) Alloc(data interface{}) *SymmetricObj {
	obj := NewSymmetricObj(data)
	ctx.CurrentScope().Own(obj)
	return obj
}

// Link records an internal reference between two allocated objects.
func (ctx *SymmetricContext) Link(from, to *SymmetricObj) {
	SymmetricIncRef(from, to)
}
