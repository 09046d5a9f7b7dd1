package value

// minCollectThreshold is the smallest heap size at which Collect is
// suggested by NeedsCollect.
const minCollectThreshold = 64 * 1024

// HeapStats reports allocation and collection activity of a heap.
type HeapStats struct {
	Allocations uint64
	Collections uint64
	BytesFreed  int64
}

// Heap owns the collection objects of a single block. A heap is
// single-threaded: only the worker currently executing the owning block may
// allocate in it or mutate its objects.
type Heap struct {
	owner    PID
	maxBytes int64
	bytes    int64
	nextGC   int64
	objects  []object
	stats    HeapStats
}

// NewHeap creates a heap for the given block. maxBytes <= 0 disables the
// limit.
func NewHeap(owner PID, maxBytes int64) *Heap {
	return &Heap{
		owner:    owner,
		maxBytes: maxBytes,
		nextGC:   minCollectThreshold,
	}
}

// Owner returns the PID of the owning block.
func (h *Heap) Owner() PID { return h.owner }

// Bytes returns the bytes currently charged.
func (h *Heap) Bytes() int64 { return h.bytes }

// Limit returns the configured byte limit (0 = unlimited).
func (h *Heap) Limit() int64 { return h.maxBytes }

// Objects returns the number of live tracked objects.
func (h *Heap) Objects() int { return len(h.objects) }

// Stats returns a copy of the allocation statistics.
func (h *Heap) Stats() HeapStats { return h.stats }

func (h *Heap) charge(n int64) error {
	if h.maxBytes > 0 && h.bytes+n > h.maxBytes {
		return ErrHeapExhausted
	}
	h.bytes += n
	return nil
}

func (h *Heap) register(o object, size int64) error {
	if err := h.charge(size); err != nil {
		return err
	}
	hdr := o.header()
	hdr.owner = h
	hdr.size = size
	h.objects = append(h.objects, o)
	h.stats.Allocations++
	return nil
}

// NewString allocates a string whose bytes are charged to this heap.
func (h *Heap) NewString(s string) (Value, error) {
	o := &strObj{}
	if err := h.register(o, objectOverhead+int64(len(s))); err != nil {
		return Nil, err
	}
	return Value{kind: KindString, str: s, ref: o}, nil
}

// Concat allocates the concatenation of a and b.
func (h *Heap) Concat(a, b string) (Value, error) {
	return h.NewString(a + b)
}

// NewArray allocates an empty array with the given capacity hint.
func (h *Heap) NewArray(capacity int) (Value, error) {
	if capacity < 0 {
		capacity = 0
	}
	a := &Array{items: make([]Value, 0, capacity)}
	if err := h.register(a, objectOverhead); err != nil {
		return Nil, err
	}
	return Value{kind: KindArray, ref: a}, nil
}

// NewArrayOf allocates an array holding items. The slice is copied.
func (h *Heap) NewArrayOf(items ...Value) (Value, error) {
	a := &Array{items: append([]Value(nil), items...)}
	if err := h.register(a, objectOverhead+int64(len(items))*slotSize); err != nil {
		return Nil, err
	}
	return Value{kind: KindArray, ref: a}, nil
}

// NewMap allocates an empty map.
func (h *Heap) NewMap() (Value, error) {
	m := &Map{index: make(map[string]int)}
	if err := h.register(m, objectOverhead); err != nil {
		return Nil, err
	}
	return Value{kind: KindMap, ref: m}, nil
}

// NewClosure allocates a closure over fn capturing env. env is copied.
func (h *Heap) NewClosure(fn Function, env []Value) (Value, error) {
	c := &Closure{Fn: fn, Env: append([]Value(nil), env...)}
	if err := h.register(c, objectOverhead+int64(len(env))*slotSize); err != nil {
		return Nil, err
	}
	return Value{kind: KindClosure, ref: c}, nil
}

// Retain pins a heap object so that Collect treats it as a root even when
// no VM root reaches it. Primitives are ignored.
func (h *Heap) Retain(v Value) {
	if v.ref != nil && v.ref.header().owner == h {
		v.ref.header().refs++
	}
}

// Release undoes one Retain. The object becomes collectable once its pin
// count reaches zero and it is unreachable.
func (h *Heap) Release(v Value) {
	if v.ref != nil && v.ref.header().owner == h && v.ref.header().refs > 0 {
		v.ref.header().refs--
	}
}

// NeedsCollect reports whether the heap has grown past its next collection
// threshold.
func (h *Heap) NeedsCollect() bool {
	return h.bytes >= h.nextGC || (h.maxBytes > 0 && h.bytes*4 >= h.maxBytes*3)
}

// Collect runs a mark/sweep cycle. Objects reachable from roots, or pinned
// with Retain, survive. Cycles within the heap are reclaimed. It returns
// the bytes freed.
func (h *Heap) Collect(roots []Value) int64 {
	var work []object
	mark := func(v Value) {
		if v.ref == nil {
			return
		}
		hdr := v.ref.header()
		if hdr.owner != h || hdr.marked {
			return
		}
		hdr.marked = true
		work = append(work, v.ref)
	}
	for _, r := range roots {
		mark(r)
	}
	for _, o := range h.objects {
		if hdr := o.header(); hdr.refs > 0 && !hdr.marked {
			hdr.marked = true
			work = append(work, o)
		}
	}
	for len(work) > 0 {
		o := work[len(work)-1]
		work = work[:len(work)-1]
		o.each(mark)
	}

	var freed int64
	live := h.objects[:0]
	for _, o := range h.objects {
		hdr := o.header()
		if hdr.marked {
			hdr.marked = false
			live = append(live, o)
			continue
		}
		freed += hdr.size
		hdr.owner = nil
	}
	for i := len(live); i < len(h.objects); i++ {
		h.objects[i] = nil
	}
	h.objects = live
	h.bytes -= freed
	h.stats.Collections++
	h.stats.BytesFreed += freed

	h.nextGC = h.bytes * 2
	if h.nextGC < minCollectThreshold {
		h.nextGC = minCollectThreshold
	}
	return freed
}

// Adopt registers every detached object reachable from v with this heap,
// charging their bytes. It is called by the receiving block when it takes a
// copied message out of its mailbox.
func (h *Heap) Adopt(v Value) error {
	if v.ref == nil {
		return nil
	}
	work := []object{v.ref}
	var err error
	for len(work) > 0 {
		o := work[len(work)-1]
		work = work[:len(work)-1]
		hdr := o.header()
		if hdr.owner != nil {
			continue
		}
		if e := h.register(o, hdr.size); e != nil && err == nil {
			err = e
			// Keep walking so the graph is not left half-owned; the
			// overshoot is visible in Bytes until the next collection.
			h.bytes += hdr.size
			hdr.owner = h
			h.objects = append(h.objects, o)
		}
		o.each(func(c Value) {
			if c.ref != nil && c.ref.header().owner == nil {
				work = append(work, c.ref)
			}
		})
	}
	return err
}

// Free drops every object. The heap may not be used afterwards.
func (h *Heap) Free() int64 {
	freed := h.bytes
	for i, o := range h.objects {
		o.header().owner = nil
		h.objects[i] = nil
	}
	h.objects = nil
	h.stats.BytesFreed += freed
	h.bytes = 0
	return freed
}
