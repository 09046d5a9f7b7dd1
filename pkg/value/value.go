// Package value implements the tagged dynamic values manipulated by block
// interpreters, together with the per-block heap that owns collection
// objects and the structural copy used when a value crosses a block
// boundary.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindArray
	KindMap
	KindPID
	KindFunction
	KindClosure
)

var kindNames = [...]string{
	KindNil:      "nil",
	KindInt:      "int",
	KindFloat:    "float",
	KindBool:     "bool",
	KindString:   "string",
	KindArray:    "array",
	KindMap:      "map",
	KindPID:      "pid",
	KindFunction: "function",
	KindClosure:  "closure",
}

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// PID identifies a block. PIDs are plain integers and are the only handle
// that may cross a block boundary.
type PID uint64

// PIDInvalid is never assigned to a block.
const PIDInvalid PID = 0

// String renders the PID as <n>.
func (p PID) String() string {
	return "<" + strconv.FormatUint(uint64(p), 10) + ">"
}

// Function is a reference into a program's function table.
type Function struct {
	Name  string
	Arity int
	Index int
}

// Value is a tagged union. Primitives are stored inline; arrays, maps,
// closures and heap strings point at objects owned by exactly one Heap.
type Value struct {
	kind Kind
	bits uint64
	str  string
	ref  object
}

// Nil is the nil value.
var Nil = Value{}

// True and False are the boolean singletons.
var (
	True  = Value{kind: KindBool, bits: 1}
	False = Value{kind: KindBool}
)

// FromInt wraps a 64-bit integer.
func FromInt(i int64) Value { return Value{kind: KindInt, bits: uint64(i)} }

// FromFloat wraps a 64-bit float.
func FromFloat(f float64) Value { return Value{kind: KindFloat, bits: math.Float64bits(f)} }

// FromBool wraps a boolean.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// FromString wraps an immutable string that is not owned by any heap, such
// as a literal from a constant pool. Use Heap.NewString for strings created
// at run time so their bytes are accounted.
func FromString(s string) Value { return Value{kind: KindString, str: s} }

// FromPID wraps a PID.
func FromPID(p PID) Value { return Value{kind: KindPID, bits: uint64(p)} }

// FromFunction wraps a function reference. Function references are
// immediate values; they carry an index, never a pointer.
func FromFunction(fn Function) Value {
	return Value{kind: KindFunction, bits: uint64(uint32(fn.Arity))<<32 | uint64(uint32(fn.Index)), str: fn.Name}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNil() bool    { return v.kind == KindNil }
func (v Value) IsInt() bool    { return v.kind == KindInt }
func (v Value) IsFloat() bool  { return v.kind == KindFloat }
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }
func (v Value) IsBool() bool   { return v.kind == KindBool }
func (v Value) IsString() bool { return v.kind == KindString }
func (v Value) IsArray() bool  { return v.kind == KindArray }
func (v Value) IsMap() bool    { return v.kind == KindMap }
func (v Value) IsPID() bool    { return v.kind == KindPID }

// IsCallable reports whether the value is a function or closure.
func (v Value) IsCallable() bool { return v.kind == KindFunction || v.kind == KindClosure }

// Int returns the integer payload. The result is meaningless for other kinds.
func (v Value) Int() int64 { return int64(v.bits) }

// Float returns the float payload, converting integers.
func (v Value) Float() float64 {
	if v.kind == KindInt {
		return float64(int64(v.bits))
	}
	return math.Float64frombits(v.bits)
}

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.bits != 0 }

// Str returns the string payload.
func (v Value) Str() string { return v.str }

// PID returns the PID payload.
func (v Value) PID() PID { return PID(v.bits) }

// Function returns the function reference. For closures it returns the
// wrapped function.
func (v Value) Function() Function {
	if v.kind == KindClosure {
		return v.ref.(*Closure).Fn
	}
	return Function{Name: v.str, Arity: int(uint32(v.bits >> 32)), Index: int(uint32(v.bits))}
}

// Array returns the array object, or nil if v is not an array.
func (v Value) Array() *Array {
	if a, ok := v.ref.(*Array); ok && v.kind == KindArray {
		return a
	}
	return nil
}

// Map returns the map object, or nil if v is not a map.
func (v Value) Map() *Map {
	if m, ok := v.ref.(*Map); ok && v.kind == KindMap {
		return m
	}
	return nil
}

// Closure returns the closure object, or nil if v is not a closure.
func (v Value) Closure() *Closure {
	if c, ok := v.ref.(*Closure); ok && v.kind == KindClosure {
		return c
	}
	return nil
}

// Truthy implements the interpreter's truthiness rule: false, nil, 0, 0.0
// and the empty string are falsy; everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.bits != 0
	case KindInt:
		return v.bits != 0
	case KindFloat:
		return v.Float() != 0
	case KindString:
		return v.str != ""
	default:
		return true
	}
}

// String renders the value for display. Strings nested inside collections
// are quoted; a top-level string is returned verbatim.
func (v Value) String() string {
	if v.kind == KindString {
		return v.str
	}
	var sb strings.Builder
	v.format(&sb, 0)
	return sb.String()
}

const maxFormatDepth = 32

func (v Value) format(sb *strings.Builder, depth int) {
	if depth > maxFormatDepth {
		sb.WriteString("...")
		return
	}
	switch v.kind {
	case KindNil:
		sb.WriteString("nil")
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.Int(), 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.Bool()))
	case KindString:
		sb.WriteString(strconv.Quote(v.str))
	case KindPID:
		sb.WriteString(v.PID().String())
	case KindFunction:
		fn := v.Function()
		fmt.Fprintf(sb, "<fn %s/%d>", fn.Name, fn.Arity)
	case KindClosure:
		fn := v.Function()
		fmt.Fprintf(sb, "<closure %s/%d>", fn.Name, fn.Arity)
	case KindArray:
		sb.WriteByte('[')
		for i, item := range v.Array().items {
			if i > 0 {
				sb.WriteString(", ")
			}
			item.format(sb, depth+1)
		}
		sb.WriteByte(']')
	case KindMap:
		m := v.Map()
		sb.WriteByte('{')
		for i, k := range m.keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			m.vals[i].format(sb, depth+1)
		}
		sb.WriteByte('}')
	}
}
