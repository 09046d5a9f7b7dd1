package value

// Footprint summarizes the work done by a structural copy.
type Footprint struct {
	Objects int
	Bytes   int64
}

type copyState struct {
	out  Value
	done bool
}

// Copy returns a structural copy of v that shares no mutable memory with
// the original. Primitives and PIDs are copied by value, strings are
// duplicated, arrays, maps and closures are rebuilt recursively. The
// resulting objects are detached: they belong to no heap until a receiver
// calls Heap.Adopt. Shared sub-graphs stay shared in the copy; a cycle
// yields ErrCycleInDeepCopy.
func Copy(v Value) (Value, Footprint, error) {
	c := copier{seen: make(map[object]*copyState)}
	out, err := c.copy(v)
	return out, c.fp, err
}

// CopyInto copies v and adopts the copy into h in one step. It is meant for
// callers already running on the goroutine that owns h.
func CopyInto(h *Heap, v Value) (Value, error) {
	out, _, err := Copy(v)
	if err != nil {
		return Nil, err
	}
	if err := h.Adopt(out); err != nil {
		return Nil, err
	}
	return out, nil
}

type copier struct {
	seen map[object]*copyState
	fp   Footprint
}

func (c *copier) copy(v Value) (Value, error) {
	if v.ref == nil {
		if v.kind == KindString {
			return c.detachString(v.str), nil
		}
		return v, nil
	}
	if st, ok := c.seen[v.ref]; ok {
		if !st.done {
			return Nil, ErrCycleInDeepCopy
		}
		return st.out, nil
	}
	st := &copyState{}
	c.seen[v.ref] = st

	var out Value
	switch src := v.ref.(type) {
	case *strObj:
		out = c.detachString(v.str)
	case *Array:
		dst := &Array{items: make([]Value, len(src.items))}
		for i, item := range src.items {
			cv, err := c.copy(item)
			if err != nil {
				return Nil, err
			}
			dst.items[i] = cv
		}
		dst.hdr.size = objectOverhead + int64(len(src.items))*slotSize
		out = c.track(Value{kind: KindArray, ref: dst}, dst.hdr.size)
	case *Map:
		dst := &Map{
			keys:  make([]string, len(src.keys)),
			vals:  make([]Value, len(src.vals)),
			index: make(map[string]int, len(src.keys)),
		}
		size := int64(objectOverhead)
		for i, k := range src.keys {
			cv, err := c.copy(src.vals[i])
			if err != nil {
				return Nil, err
			}
			dst.keys[i] = k
			dst.vals[i] = cv
			dst.index[k] = i
			size += mapEntrySize + int64(len(k))
		}
		dst.hdr.size = size
		out = c.track(Value{kind: KindMap, ref: dst}, size)
	case *Closure:
		dst := &Closure{Fn: src.Fn, Env: make([]Value, len(src.Env))}
		for i, e := range src.Env {
			cv, err := c.copy(e)
			if err != nil {
				return Nil, err
			}
			dst.Env[i] = cv
		}
		dst.hdr.size = objectOverhead + int64(len(src.Env))*slotSize
		out = c.track(Value{kind: KindClosure, ref: dst}, dst.hdr.size)
	default:
		return Nil, ErrUncopyable
	}
	st.out = out
	st.done = true
	return out, nil
}

func (c *copier) detachString(s string) Value {
	o := &strObj{}
	o.hdr.size = objectOverhead + int64(len(s))
	return c.track(Value{kind: KindString, str: s, ref: o}, o.hdr.size)
}

func (c *copier) track(v Value, size int64) Value {
	c.fp.Objects++
	c.fp.Bytes += size
	return v
}

// Detached constructors build objects owned by no heap, for values that
// originate outside any block (exit notices, network input). Children must
// be primitives or detached themselves. A receiver adopts them like any
// copied message.

// DetachedString returns a detached string.
func DetachedString(s string) Value {
	o := &strObj{}
	o.hdr.size = objectOverhead + int64(len(s))
	return Value{kind: KindString, str: s, ref: o}
}

// DetachedArray returns a detached array holding items.
func DetachedArray(items []Value) Value {
	a := &Array{items: append([]Value(nil), items...)}
	a.hdr.size = objectOverhead + int64(len(items))*slotSize
	return Value{kind: KindArray, ref: a}
}

// DetachedMap returns a detached map with the given entries in order.
// Later duplicates of a key overwrite earlier ones.
func DetachedMap(keys []string, vals []Value) Value {
	m := &Map{index: make(map[string]int, len(keys))}
	size := int64(objectOverhead)
	for i, k := range keys {
		if j, ok := m.index[k]; ok {
			m.vals[j] = vals[i]
			continue
		}
		m.index[k] = len(m.keys)
		m.keys = append(m.keys, k)
		m.vals = append(m.vals, vals[i])
		size += mapEntrySize + int64(len(k))
	}
	m.hdr.size = size
	return Value{kind: KindMap, ref: m}
}

// DetachedClosure returns a detached closure over fn.
func DetachedClosure(fn Function, env []Value) Value {
	c := &Closure{Fn: fn, Env: append([]Value(nil), env...)}
	c.hdr.size = objectOverhead + int64(len(env))*slotSize
	return Value{kind: KindClosure, ref: c}
}
