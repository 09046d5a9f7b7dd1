package dist

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/swarm/pkg/value"
)

// maxValueDepth bounds nesting on both encode and decode.
const maxValueDepth = 100

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	// Each value level costs two CBOR levels (the struct and its item array).
	dm, err := cbor.DecOptions{MaxNestedLevels: 2*maxValueDepth + 4}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// wireValue is the CBOR shape of a value.Value.
type wireValue struct {
	Kind  value.Kind    `cbor:"1,keyasint"`
	Int   int64         `cbor:"2,keyasint,omitempty"`
	Float float64       `cbor:"3,keyasint,omitempty"`
	Str   string        `cbor:"4,keyasint,omitempty"`
	Items []wireValue   `cbor:"5,keyasint,omitempty"`
	Keys  []string      `cbor:"6,keyasint,omitempty"`
	Fn    *wireFunction `cbor:"7,keyasint,omitempty"`
}

type wireFunction struct {
	Name  string `cbor:"1,keyasint"`
	Arity int    `cbor:"2,keyasint"`
	Index int    `cbor:"3,keyasint"`
}

// MarshalValue encodes v. Cyclic values fail with value.ErrCycleInDeepCopy.
func MarshalValue(v value.Value) ([]byte, error) {
	w, err := toWire(v, map[any]bool{}, 0)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(w)
}

// UnmarshalValue decodes a value produced by MarshalValue. Heap objects
// in the result are detached, ready to be adopted by a receiving block.
func UnmarshalValue(data []byte) (value.Value, error) {
	var w wireValue
	if err := cborDecMode.Unmarshal(data, &w); err != nil {
		return value.Nil, fmt.Errorf("dist: unmarshal value: %w", err)
	}
	return fromWire(w, 0)
}

func toWire(v value.Value, path map[any]bool, depth int) (wireValue, error) {
	if depth > maxValueDepth {
		return wireValue{}, fmt.Errorf("dist: value nested deeper than %d", maxValueDepth)
	}
	w := wireValue{Kind: v.Kind()}
	switch v.Kind() {
	case value.KindNil:
	case value.KindInt:
		w.Int = v.Int()
	case value.KindFloat:
		w.Float = v.Float()
	case value.KindBool:
		if v.Bool() {
			w.Int = 1
		}
	case value.KindString:
		w.Str = v.Str()
	case value.KindPID:
		w.Int = int64(v.PID())
	case value.KindFunction:
		fn := v.Function()
		w.Fn = &wireFunction{Name: fn.Name, Arity: fn.Arity, Index: fn.Index}
	case value.KindArray:
		a := v.Array()
		if path[a] {
			return wireValue{}, value.ErrCycleInDeepCopy
		}
		path[a] = true
		defer delete(path, a)
		items, err := toWireAll(a.Items(), path, depth)
		if err != nil {
			return wireValue{}, err
		}
		w.Items = items
	case value.KindMap:
		m := v.Map()
		if path[m] {
			return wireValue{}, value.ErrCycleInDeepCopy
		}
		path[m] = true
		defer delete(path, m)
		var err error
		m.Range(func(k string, item value.Value) bool {
			var iw wireValue
			if iw, err = toWire(item, path, depth+1); err != nil {
				return false
			}
			w.Keys = append(w.Keys, k)
			w.Items = append(w.Items, iw)
			return true
		})
		if err != nil {
			return wireValue{}, err
		}
	case value.KindClosure:
		c := v.Closure()
		if path[c] {
			return wireValue{}, value.ErrCycleInDeepCopy
		}
		path[c] = true
		defer delete(path, c)
		w.Fn = &wireFunction{Name: c.Fn.Name, Arity: c.Fn.Arity, Index: c.Fn.Index}
		env, err := toWireAll(c.Env, path, depth)
		if err != nil {
			return wireValue{}, err
		}
		w.Items = env
	default:
		return wireValue{}, fmt.Errorf("%w: %s", value.ErrUncopyable, v.Kind())
	}
	return w, nil
}

func toWireAll(items []value.Value, path map[any]bool, depth int) ([]wireValue, error) {
	out := make([]wireValue, len(items))
	for i, item := range items {
		w, err := toWire(item, path, depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func fromWire(w wireValue, depth int) (value.Value, error) {
	if depth > maxValueDepth {
		return value.Nil, fmt.Errorf("dist: value nested deeper than %d", maxValueDepth)
	}
	switch w.Kind {
	case value.KindNil:
		return value.Nil, nil
	case value.KindInt:
		return value.FromInt(w.Int), nil
	case value.KindFloat:
		return value.FromFloat(w.Float), nil
	case value.KindBool:
		return value.FromBool(w.Int != 0), nil
	case value.KindString:
		return value.DetachedString(w.Str), nil
	case value.KindPID:
		return value.FromPID(value.PID(w.Int)), nil
	case value.KindFunction:
		if w.Fn == nil {
			return value.Nil, fmt.Errorf("dist: function value without reference")
		}
		return value.FromFunction(value.Function{Name: w.Fn.Name, Arity: w.Fn.Arity, Index: w.Fn.Index}), nil
	case value.KindArray:
		items, err := fromWireAll(w.Items, depth)
		if err != nil {
			return value.Nil, err
		}
		return value.DetachedArray(items), nil
	case value.KindMap:
		if len(w.Keys) != len(w.Items) {
			return value.Nil, fmt.Errorf("dist: map with %d keys and %d values", len(w.Keys), len(w.Items))
		}
		vals, err := fromWireAll(w.Items, depth)
		if err != nil {
			return value.Nil, err
		}
		return value.DetachedMap(w.Keys, vals), nil
	case value.KindClosure:
		if w.Fn == nil {
			return value.Nil, fmt.Errorf("dist: closure value without function")
		}
		env, err := fromWireAll(w.Items, depth)
		if err != nil {
			return value.Nil, err
		}
		return value.DetachedClosure(value.Function{Name: w.Fn.Name, Arity: w.Fn.Arity, Index: w.Fn.Index}, env), nil
	}
	return value.Nil, fmt.Errorf("dist: unknown value kind %d", w.Kind)
}

func fromWireAll(ws []wireValue, depth int) ([]value.Value, error) {
	out := make([]value.Value, len(ws))
	for i, w := range ws {
		v, err := fromWire(w, depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
