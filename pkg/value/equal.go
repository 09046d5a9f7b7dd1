package value

import (
	"encoding/binary"
	"math"

	"github.com/zeebo/xxh3"
)

// Equal reports structural equality. Numbers compare numerically across
// int and float; strings by content; arrays and maps element-wise (map
// order is ignored); PIDs and functions by value; closures by function and
// environment.
func Equal(a, b Value) bool {
	return equal(a, b, nil)
}

type objPair [2]object

func equal(a, b Value, seen map[objPair]bool) bool {
	if a.IsNumber() && b.IsNumber() {
		if a.kind == KindInt && b.kind == KindInt {
			return a.bits == b.bits
		}
		return a.Float() == b.Float()
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool, KindPID:
		return a.bits == b.bits
	case KindString:
		return a.str == b.str
	case KindFunction:
		return a.bits == b.bits && a.str == b.str
	}

	if a.ref == b.ref {
		return true
	}
	pair := objPair{a.ref, b.ref}
	if seen[pair] {
		return true
	}
	if seen == nil {
		seen = make(map[objPair]bool)
	}
	seen[pair] = true

	switch a.kind {
	case KindArray:
		x, y := a.Array().items, b.Array().items
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equal(x[i], y[i], seen) {
				return false
			}
		}
		return true
	case KindMap:
		x, y := a.Map(), b.Map()
		if len(x.keys) != len(y.keys) {
			return false
		}
		for i, k := range x.keys {
			yv, ok := y.Get(k)
			if !ok || !equal(x.vals[i], yv, seen) {
				return false
			}
		}
		return true
	case KindClosure:
		x, y := a.Closure(), b.Closure()
		if x.Fn != y.Fn || len(x.Env) != len(y.Env) {
			return false
		}
		for i := range x.Env {
			if !equal(x.Env[i], y.Env[i], seen) {
				return false
			}
		}
		return true
	}
	return false
}

const maxHashDepth = 16

// Hash returns a 64-bit hash consistent with Equal: values that compare
// equal hash equally. Map entries are combined order-independently.
func Hash(v Value) uint64 {
	buf := appendHash(make([]byte, 0, 64), v, 0)
	return xxh3.Hash(buf)
}

func appendHash(buf []byte, v Value, depth int) []byte {
	if depth > maxHashDepth {
		return append(buf, 0xFF)
	}
	switch v.kind {
	case KindInt:
		return binary.LittleEndian.AppendUint64(append(buf, byte(KindInt)), v.bits)
	case KindFloat:
		f := v.Float()
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return binary.LittleEndian.AppendUint64(append(buf, byte(KindInt)), uint64(int64(f)))
		}
		return binary.LittleEndian.AppendUint64(append(buf, byte(KindFloat)), v.bits)
	case KindString:
		buf = binary.LittleEndian.AppendUint64(append(buf, byte(KindString)), uint64(len(v.str)))
		return append(buf, v.str...)
	case KindFunction:
		buf = binary.LittleEndian.AppendUint64(append(buf, byte(KindFunction)), v.bits)
		return append(buf, v.str...)
	case KindArray:
		items := v.Array().items
		buf = binary.LittleEndian.AppendUint64(append(buf, byte(KindArray)), uint64(len(items)))
		for _, item := range items {
			buf = appendHash(buf, item, depth+1)
		}
		return buf
	case KindMap:
		m := v.Map()
		var acc uint64
		for i, k := range m.keys {
			entry := appendHash(append([]byte(k), 0), m.vals[i], depth+1)
			acc ^= xxh3.Hash(entry)
		}
		buf = binary.LittleEndian.AppendUint64(append(buf, byte(KindMap)), uint64(len(m.keys)))
		return binary.LittleEndian.AppendUint64(buf, acc)
	case KindClosure:
		c := v.Closure()
		buf = appendHash(buf, FromFunction(c.Fn), depth+1)
		for _, e := range c.Env {
			buf = appendHash(buf, e, depth+1)
		}
		return append(buf, byte(KindClosure))
	default:
		return binary.LittleEndian.AppendUint64(append(buf, byte(v.kind)), v.bits)
	}
}
