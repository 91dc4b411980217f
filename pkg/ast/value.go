package ast

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag represents the type of a Value
type Tag int

const (
	TInt Tag = iota
	TSym
	TCell
	TNil
	TPrim
	TCode
	TLambda
	TRecLambda  // Recursive lambda with self-reference
	TError      // Error value
	TChar       // Character value
	TFloat      // Floating point value (float64)
	TBox        // Mutable reference cell (for set!)
	TCont       // First-class continuation
	TChan       // CSP channel (Go channel based, for OS threads)
	TAtom       // Atomic reference (for shared state)
	TThread     // OS thread handle
	TUserType   // User-defined type instance
	TBool       // Boolean true/false (immediate)
	TNothing    // Unit value, distinct from TNil's empty-list role (immediate)
	TKeyword    // Interned :keyword
	TArray      // Growable indexed array
	TDict       // Insertion-ordered key/value mapping
	TSet        // Unordered collection with structural-equality membership
	TTuple      // Immutable fixed-arity product
	TNamedTuple // Immutable keyed record
	TGeneric    // Multi-method dispatch table, sorted by specificity
	TKind       // First-class type descriptor with parametric slots
)

// Pos records a source position for diagnostics (spec.md §3: "Every
// node records source position for diagnostics.").
type Pos struct {
	Line   int
	Col    int
	Offset int
}

func (p Pos) String() string {
	if p.Line == 0 && p.Col == 0 {
		return "?:?"
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// PrimFn is a primitive function signature. The second argument is
// unused by the bridge and kept for signature stability.
type PrimFn func(args *Value, extra *Value) *Value

// Value is the core tagged union type for all values
type Value struct {
	Tag Tag
	Pos Pos

	// TInt, TChar
	Int int64

	// TFloat
	Float float64

	// TSym, TCode
	Str string

	// TCell
	Car *Value
	Cdr *Value

	// TPrim
	Prim PrimFn

	// TLambda, TRecLambda
	Params   *Value
	Body     *Value
	LamEnv   *Value
	SelfName *Value // For TRecLambda only

	// TBox - mutable reference cell
	BoxValue *Value

	// TCont - one-shot continuation
	ContFn func(*Value) *Value

	// TChan - channel (Go channel based, for OS threads)
	ChanSend chan *Value // For sending
	ChanRecv chan *Value // For receiving (same as Send for normal channels)
	ChanCap  int         // Capacity (0 = unbuffered)

	// TAtom - atomic reference
	AtomValue *Value // Current value (use sync/atomic for actual atomicity in Go)

	// TThread - OS thread handle
	ThreadDone   chan *Value // Channel to receive result
	ThreadResult *Value      // Result when done

	// TUserType - user-defined type instance
	UserTypeName       string            // Type name (e.g., "Node")
	UserTypeFields     map[string]*Value // Field name -> value
	UserTypeFieldOrder []string          // Field names in definition order

	// TBool
	Bool bool

	// TKeyword - Str holds the keyword name (without leading ':')

	// TArray - growable indexed array; HasBoxed tracks whether any
	// element may itself be heap-allocated (used by escape analysis to
	// decide whether the array's own ownership class must be promoted)
	Items    []*Value
	HasBoxed bool

	// TDict - insertion-ordered; Keys preserves insertion order while
	// DictMap gives O(1) structural-equality lookup keyed by String()
	Keys    []*Value
	Vals    []*Value
	DictMap map[string]int // String() of key -> index into Keys/Vals

	// TSet - same structural-equality-on-String() scheme as TDict
	SetMap map[string]*Value

	// TTuple, TNamedTuple - Items holds positional slots; for
	// TNamedTuple, TupleFields gives the field name per slot
	TupleFields []string

	// TGeneric - multimethod dispatch table, sorted most-specific-first
	GenericName    string
	GenericMethods []*GenericMethod

	// TKind - first-class type descriptor
	KindName   string
	KindSlots  []KindSlot
	KindParams []string
}

// GenericMethod is one dispatch arm of a TGeneric value, specialized on
// the tag of each argument position. Sorted by specificity (more
// specific signatures first) so dispatch can take the first match.
type GenericMethod struct {
	Specificity int
	ArgTags     []Tag
	Fn          PrimFn
	Closure     *Value
}

// KindSlot is one parametric field slot of a TKind descriptor.
type KindSlot struct {
	Name string
	Type string // name of the declared slot type, or "" if untyped
}

// Nil is the singleton nil value
var Nil = &Value{Tag: TNil}

// NewInt creates an integer value
func NewInt(i int64) *Value {
	return &Value{Tag: TInt, Int: i}
}

// NewSym creates a symbol value
func NewSym(s string) *Value {
	return &Value{Tag: TSym, Str: s}
}

// NewCell creates a cons cell
func NewCell(car, cdr *Value) *Value {
	return &Value{Tag: TCell, Car: car, Cdr: cdr}
}

// NewPrim creates a primitive function value
func NewPrim(fn PrimFn) *Value {
	return &Value{Tag: TPrim, Prim: fn}
}

// NewCode creates a code (generated C) value
func NewCode(s string) *Value {
	return &Value{Tag: TCode, Str: s}
}

// NewLambda creates a lambda/closure value
func NewLambda(params, body, env *Value) *Value {
	return &Value{
		Tag:    TLambda,
		Params: params,
		Body:   body,
		LamEnv: env,
	}
}

// NewRecLambda creates a recursive lambda with self-reference
func NewRecLambda(selfName, params, body, env *Value) *Value {
	return &Value{
		Tag:      TRecLambda,
		SelfName: selfName,
		Params:   params,
		Body:     body,
		LamEnv:   env,
	}
}

// NewError creates an error value
func NewError(msg string) *Value {
	return &Value{Tag: TError, Str: msg}
}

// NewChar creates a character value
func NewChar(c rune) *Value {
	return &Value{Tag: TChar, Int: int64(c)}
}

// NewFloat creates a floating point value
func NewFloat(f float64) *Value {
	return &Value{Tag: TFloat, Float: f}
}

// NewBox creates a mutable reference cell
func NewBox(v *Value) *Value {
	return &Value{Tag: TBox, BoxValue: v}
}

// NewCont creates a one-shot continuation value.
func NewCont(fn func(*Value) *Value, _ *Value) *Value {
	return &Value{Tag: TCont, ContFn: fn}
}

// NewChan creates a channel value (Go channel based, for OS threads)
func NewChan(capacity int) *Value {
	ch := make(chan *Value, capacity)
	return &Value{
		Tag:      TChan,
		ChanSend: ch,
		ChanRecv: ch,
		ChanCap:  capacity,
	}
}

// NewAtom creates an atomic reference
func NewAtom(val *Value) *Value {
	return &Value{
		Tag:       TAtom,
		AtomValue: val,
	}
}

// NewThread creates an OS thread handle
func NewThread() *Value {
	return &Value{
		Tag:        TThread,
		ThreadDone: make(chan *Value, 1),
	}
}

// NewUserType creates a user-defined type instance
// fieldOrder specifies the order of fields for index-based access
func NewUserType(typeName string, fields map[string]*Value, fieldOrder []string) *Value {
	return &Value{
		Tag:                TUserType,
		UserTypeName:       typeName,
		UserTypeFields:     fields,
		UserTypeFieldOrder: fieldOrder,
	}
}

// IsUserType checks if value is a user-defined type
func IsUserType(v *Value) bool {
	return v != nil && v.Tag == TUserType
}

// IsUserTypeOf checks if value is an instance of specific user type
func IsUserTypeOf(v *Value, typeName string) bool {
	return v != nil && v.Tag == TUserType && v.UserTypeName == typeName
}

// UserTypeGetField gets a field value from a user-defined type
func UserTypeGetField(v *Value, fieldName string) *Value {
	if v == nil || v.Tag != TUserType || v.UserTypeFields == nil {
		return nil
	}
	return v.UserTypeFields[fieldName]
}

// UserTypeSetField sets a field value in a user-defined type
func UserTypeSetField(v *Value, fieldName string, val *Value) {
	if v != nil && v.Tag == TUserType && v.UserTypeFields != nil {
		v.UserTypeFields[fieldName] = val
	}
}

// IsNil checks if a value is nil
func IsNil(v *Value) bool {
	return v == nil || v.Tag == TNil
}

// IsCode checks if a value is generated code
func IsCode(v *Value) bool {
	return v != nil && v.Tag == TCode
}

// IsSym checks if a value is a symbol
func IsSym(v *Value) bool {
	return v != nil && v.Tag == TSym
}

// IsInt checks if a value is an integer
func IsInt(v *Value) bool {
	return v != nil && v.Tag == TInt
}

// IsCell checks if a value is a cons cell
func IsCell(v *Value) bool {
	return v != nil && v.Tag == TCell
}

// IsLambda checks if a value is a lambda
func IsLambda(v *Value) bool {
	return v != nil && v.Tag == TLambda
}

// IsRecLambda checks if a value is a recursive lambda
func IsRecLambda(v *Value) bool {
	return v != nil && v.Tag == TRecLambda
}

// IsError checks if a value is an error
func IsError(v *Value) bool {
	return v != nil && v.Tag == TError
}

// IsChar checks if a value is a character
func IsChar(v *Value) bool {
	return v != nil && v.Tag == TChar
}

// IsFloat checks if a value is a floating point number
func IsFloat(v *Value) bool {
	return v != nil && v.Tag == TFloat
}

// IsBox checks if a value is a mutable box
func IsBox(v *Value) bool {
	return v != nil && v.Tag == TBox
}

// IsCont checks if a value is a continuation
func IsCont(v *Value) bool {
	return v != nil && v.Tag == TCont
}

// IsChan checks if a value is a channel (Go channel based)
func IsChan(v *Value) bool {
	return v != nil && v.Tag == TChan
}

// IsAtom checks if a value is an atomic reference
func IsAtom(v *Value) bool {
	return v != nil && v.Tag == TAtom
}

// IsThread checks if a value is an OS thread handle
func IsThread(v *Value) bool {
	return v != nil && v.Tag == TThread
}

// IsPrim checks if a value is a primitive
func IsPrim(v *Value) bool {
	return v != nil && v.Tag == TPrim
}

// SymEq compares two symbols
func SymEq(s1, s2 *Value) bool {
	if s1 == nil || s2 == nil {
		return false
	}
	if s1.Tag != TSym || s2.Tag != TSym {
		return false
	}
	return s1.Str == s2.Str
}

// SymEqStr compares a symbol to a string
func SymEqStr(s *Value, str string) bool {
	if s == nil || s.Tag != TSym {
		return false
	}
	return s.Str == str
}

// List helpers
func List1(a *Value) *Value {
	return NewCell(a, Nil)
}

func List2(a, b *Value) *Value {
	return NewCell(a, NewCell(b, Nil))
}

func List3(a, b, c *Value) *Value {
	return NewCell(a, NewCell(b, NewCell(c, Nil)))
}

// ListLen returns the length of a list
func ListLen(v *Value) int {
	n := 0
	for !IsNil(v) && IsCell(v) {
		n++
		v = v.Cdr
	}
	return n
}

// ListToSlice converts a list to a slice
func ListToSlice(v *Value) []*Value {
	var result []*Value
	for !IsNil(v) && IsCell(v) {
		result = append(result, v.Car)
		v = v.Cdr
	}
	return result
}

// SliceToList converts a slice to a list
func SliceToList(items []*Value) *Value {
	result := Nil
	for i := len(items) - 1; i >= 0; i-- {
		result = NewCell(items[i], result)
	}
	return result
}

// String returns a string representation of a value
func (v *Value) String() string {
	if v == nil {
		return "nil"
	}
	switch v.Tag {
	case TInt:
		return strconv.FormatInt(v.Int, 10)
	case TSym:
		return v.Str
	case TCode:
		return v.Str
	case TCell:
		return listToString(v)
	case TNil:
		return "()"
	case TPrim:
		return "#<prim>"
	case TLambda:
		return "#<lambda>"
	case TRecLambda:
		return "#<rec-lambda>"
	case TError:
		return fmt.Sprintf("#<error: %s>", v.Str)
	case TChar:
		return charToString(rune(v.Int))
	case TFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TBox:
		return fmt.Sprintf("#<box %s>", v.BoxValue.String())
	case TCont:
		return "#<continuation>"
	case TChan:
		return fmt.Sprintf("#<channel cap=%d>", v.ChanCap)
	case TAtom:
		return fmt.Sprintf("#<atom %s>", v.AtomValue.String())
	case TThread:
		return "#<thread>"
	case TBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case TNothing:
		return "nothing"
	case TKeyword:
		return ":" + v.Str
	case TArray:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(item.String())
		}
		sb.WriteByte(']')
		return sb.String()
	case TDict:
		var sb strings.Builder
		sb.WriteString("#{")
		for i, k := range v.Keys {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(k.String())
			sb.WriteByte(' ')
			sb.WriteString(v.Vals[i].String())
		}
		sb.WriteByte('}')
		return sb.String()
	case TSet:
		var sb strings.Builder
		sb.WriteString("#{")
		first := true
		for _, m := range v.SetMap {
			if !first {
				sb.WriteByte(' ')
			}
			first = false
			sb.WriteString(m.String())
		}
		sb.WriteByte('}')
		return sb.String()
	case TTuple:
		var sb strings.Builder
		sb.WriteString("#(")
		for i, item := range v.Items {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(item.String())
		}
		sb.WriteByte(')')
		return sb.String()
	case TNamedTuple:
		var sb strings.Builder
		sb.WriteString("{")
		for i, item := range v.Items {
			if i > 0 {
				sb.WriteByte(' ')
			}
			if i < len(v.TupleFields) {
				sb.WriteString(v.TupleFields[i])
				sb.WriteByte('=')
			}
			sb.WriteString(item.String())
		}
		sb.WriteString("}")
		return sb.String()
	case TGeneric:
		return fmt.Sprintf("#<generic %s/%d>", v.GenericName, len(v.GenericMethods))
	case TKind:
		return fmt.Sprintf("#<kind %s>", v.KindName)
	case TUserType:
		var sb strings.Builder
		sb.WriteString("#<")
		sb.WriteString(v.UserTypeName)
		for _, fieldName := range v.UserTypeFieldOrder {
			sb.WriteString(" ")
			sb.WriteString(fieldName)
			sb.WriteString("=")
			if val, ok := v.UserTypeFields[fieldName]; ok {
				sb.WriteString(val.String())
			} else {
				sb.WriteString("nil")
			}
		}
		sb.WriteString(">")
		return sb.String()
	default:
		return "?"
	}
}

func listToString(v *Value) string {
	var sb strings.Builder
	sb.WriteByte('(')
	first := true
	for !IsNil(v) && IsCell(v) {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		sb.WriteString(v.Car.String())
		v = v.Cdr
	}
	if !IsNil(v) {
		// Improper list
		sb.WriteString(" . ")
		sb.WriteString(v.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

func charToString(c rune) string {
	switch c {
	case '\n':
		return "#\\newline"
	case '\t':
		return "#\\tab"
	case '\r':
		return "#\\return"
	case ' ':
		return "#\\space"
	default:
		return fmt.Sprintf("#\\%c", c)
	}
}

// TagName returns the name of a tag
func TagName(t Tag) string {
	switch t {
	case TInt:
		return "INT"
	case TSym:
		return "SYM"
	case TCell:
		return "CELL"
	case TNil:
		return "NIL"
	case TPrim:
		return "PRIM"
	case TCode:
		return "CODE"
	case TLambda:
		return "LAMBDA"
	case TRecLambda:
		return "RECLAMBDA"
	case TError:
		return "ERROR"
	case TChar:
		return "CHAR"
	case TFloat:
		return "FLOAT"
	case TBox:
		return "BOX"
	case TCont:
		return "CONT"
	case TChan:
		return "CHAN"
	case TAtom:
		return "ATOM"
	case TThread:
		return "THREAD"
	case TUserType:
		return "USERTYPE"
	case TBool:
		return "BOOL"
	case TNothing:
		return "NOTHING"
	case TKeyword:
		return "KEYWORD"
	case TArray:
		return "ARRAY"
	case TDict:
		return "DICT"
	case TSet:
		return "SET"
	case TTuple:
		return "TUPLE"
	case TNamedTuple:
		return "NAMEDTUPLE"
	case TGeneric:
		return "GENERIC"
	case TKind:
		return "KIND"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}
