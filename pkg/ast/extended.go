package ast

// True and False are the singleton immediate booleans. Nothing is the
// immediate unit value. Per spec.md §3, is_truthy treats only False and
// Nothing as falsy — every other value, including TNil (the empty
// list) and TInt(0), is truthy.
var (
	True    = &Value{Tag: TBool, Bool: true}
	False   = &Value{Tag: TBool, Bool: false}
	Nothing = &Value{Tag: TNothing}
)

// NewBool returns the shared True or False immediate.
func NewBool(b bool) *Value {
	if b {
		return True
	}
	return False
}

// IsTruthy implements spec.md §3's is_truthy: only false and nothing
// are falsy, everything else — including '() and 0 — is truthy.
func IsTruthy(v *Value) bool {
	if v == nil {
		return false
	}
	if v.Tag == TBool {
		return v.Bool
	}
	return v.Tag != TNothing
}

// IsBool, IsNothing, IsKeyword, IsArray, IsDict, IsSet, IsTuple,
// IsNamedTuple, IsGeneric, IsKind are the standard tag predicates for
// the expanded value model.
func IsBool(v *Value) bool       { return v != nil && v.Tag == TBool }
func IsNothing(v *Value) bool    { return v != nil && v.Tag == TNothing }
func IsKeyword(v *Value) bool    { return v != nil && v.Tag == TKeyword }
func IsArray(v *Value) bool      { return v != nil && v.Tag == TArray }
func IsDict(v *Value) bool       { return v != nil && v.Tag == TDict }
func IsSet(v *Value) bool        { return v != nil && v.Tag == TSet }
func IsTuple(v *Value) bool      { return v != nil && v.Tag == TTuple }
func IsNamedTuple(v *Value) bool { return v != nil && v.Tag == TNamedTuple }
func IsGeneric(v *Value) bool    { return v != nil && v.Tag == TGeneric }
func IsKind(v *Value) bool       { return v != nil && v.Tag == TKind }

// NewKeyword creates an interned keyword value (name without the
// leading ':').
func NewKeyword(name string) *Value {
	return &Value{Tag: TKeyword, Str: name}
}

// NewArray creates a growable array value from a slice of items. The
// slice is copied so callers may keep mutating their own backing array.
func NewArray(items []*Value) *Value {
	cp := make([]*Value, len(items))
	copy(cp, items)
	return &Value{Tag: TArray, Items: cp, HasBoxed: arrayHasBoxed(cp)}
}

func arrayHasBoxed(items []*Value) bool {
	for _, it := range items {
		if it == nil {
			continue
		}
		switch it.Tag {
		case TCell, TArray, TDict, TSet, TBox, TUserType, TLambda, TRecLambda:
			return true
		}
	}
	return false
}

// ArrayGet returns the element at idx, or nil if out of range.
func ArrayGet(v *Value, idx int) *Value {
	if !IsArray(v) || idx < 0 || idx >= len(v.Items) {
		return nil
	}
	return v.Items[idx]
}

// ArrayPush appends val and returns the (mutated) array.
func ArrayPush(v *Value, val *Value) *Value {
	v.Items = append(v.Items, val)
	if !v.HasBoxed {
		v.HasBoxed = arrayHasBoxed([]*Value{val})
	}
	return v
}

// ArraySet sets the element at idx in place.
func ArraySet(v *Value, idx int, val *Value) bool {
	if !IsArray(v) || idx < 0 || idx >= len(v.Items) {
		return false
	}
	v.Items[idx] = val
	return true
}

// NewDict creates an empty insertion-ordered dictionary.
func NewDict() *Value {
	return &Value{Tag: TDict, DictMap: make(map[string]int)}
}

// DictSet inserts or updates key -> val, preserving insertion order on
// first set. Structural equality on keys is implemented via String().
func DictSet(d *Value, key, val *Value) {
	if d.DictMap == nil {
		d.DictMap = make(map[string]int)
	}
	k := key.String()
	if idx, ok := d.DictMap[k]; ok {
		d.Vals[idx] = val
		return
	}
	d.DictMap[k] = len(d.Keys)
	d.Keys = append(d.Keys, key)
	d.Vals = append(d.Vals, val)
}

// DictGet looks up key, returning (value, true) if present.
func DictGet(d *Value, key *Value) (*Value, bool) {
	if d == nil || d.DictMap == nil {
		return nil, false
	}
	idx, ok := d.DictMap[key.String()]
	if !ok {
		return nil, false
	}
	return d.Vals[idx], true
}

// NewSet creates an empty set.
func NewSet() *Value {
	return &Value{Tag: TSet, SetMap: make(map[string]*Value)}
}

// SetAdd inserts val into the set, structural-equality deduplicated.
func SetAdd(s *Value, val *Value) {
	if s.SetMap == nil {
		s.SetMap = make(map[string]*Value)
	}
	s.SetMap[val.String()] = val
}

// SetHas reports whether val is a member of s.
func SetHas(s *Value, val *Value) bool {
	if s == nil || s.SetMap == nil {
		return false
	}
	_, ok := s.SetMap[val.String()]
	return ok
}

// NewTuple creates an immutable fixed-arity tuple.
func NewTuple(items []*Value) *Value {
	cp := make([]*Value, len(items))
	copy(cp, items)
	return &Value{Tag: TTuple, Items: cp}
}

// NewNamedTuple creates an immutable keyed record. fields and items
// must be the same length, positionally paired.
func NewNamedTuple(fields []string, items []*Value) *Value {
	cp := make([]*Value, len(items))
	copy(cp, items)
	fcp := make([]string, len(fields))
	copy(fcp, fields)
	return &Value{Tag: TNamedTuple, TupleFields: fcp, Items: cp}
}

// NamedTupleGet looks up a named-tuple field by name.
func NamedTupleGet(v *Value, name string) (*Value, bool) {
	if !IsNamedTuple(v) {
		return nil, false
	}
	for i, f := range v.TupleFields {
		if f == name {
			return v.Items[i], true
		}
	}
	return nil, false
}

// NewKind creates a first-class type descriptor.
func NewKind(name string, slots []KindSlot, params []string) *Value {
	return &Value{Tag: TKind, KindName: name, KindSlots: slots, KindParams: params}
}

// NewGeneric creates an empty multi-method dispatch table.
func NewGeneric(name string) *Value {
	return &Value{Tag: TGeneric, GenericName: name}
}

// GenericAddMethod inserts a method, keeping methods sorted
// most-specific-first (spec.md §3: "sorted by specificity").
func GenericAddMethod(g *Value, m *GenericMethod) {
	methods := append(g.GenericMethods, m)
	// Simple insertion sort: small N (method arms per generic), stable,
	// matches the table-driven style used throughout pkg/analysis.
	for i := len(methods) - 1; i > 0; i-- {
		if methods[i].Specificity > methods[i-1].Specificity {
			methods[i], methods[i-1] = methods[i-1], methods[i]
		} else {
			break
		}
	}
	g.GenericMethods = methods
}

// GenericDispatch finds the first method whose ArgTags match the tags
// of args positionally (a zero-length ArgTags entry matches anything).
func GenericDispatch(g *Value, args []*Value) *GenericMethod {
	for _, m := range g.GenericMethods {
		if genericMethodMatches(m, args) {
			return m
		}
	}
	return nil
}

func genericMethodMatches(m *GenericMethod, args []*Value) bool {
	if len(m.ArgTags) != len(args) {
		return false
	}
	for i, tag := range m.ArgTags {
		if args[i] == nil || args[i].Tag != tag {
			return false
		}
	}
	return true
}
