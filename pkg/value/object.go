package value

// Approximate byte costs charged against a heap. They only need to be
// deterministic; they are not meant to mirror Go's allocator.
const (
	objectOverhead = 32
	slotSize       = 24
	mapEntrySize   = 48
)

// Header is carried by every heap-allocated object.
type Header struct {
	owner  *Heap
	size   int64
	refs   int32
	marked bool
}

// Owner returns the heap that owns the object, or nil while the object is
// detached (in transit between blocks).
func (h *Header) Owner() *Heap { return h.owner }

// Size returns the bytes currently charged for the object.
func (h *Header) Size() int64 { return h.size }

type object interface {
	header() *Header
	each(fn func(Value))
}

type strObj struct {
	hdr Header
}

func (s *strObj) header() *Header  { return &s.hdr }
func (s *strObj) each(func(Value)) {}

// ---------------------------------------------------------------------------
// Array
// ---------------------------------------------------------------------------

// Array is an ordered, mutable sequence owned by one heap.
type Array struct {
	hdr   Header
	items []Value
}

func (a *Array) header() *Header { return &a.hdr }

func (a *Array) each(fn func(Value)) {
	for _, v := range a.items {
		fn(v)
	}
}

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.items) }

// Get returns the element at index i.
func (a *Array) Get(i int64) (Value, error) {
	if i < 0 || i >= int64(len(a.items)) {
		return Nil, ErrIndexOutOfRange
	}
	return a.items[i], nil
}

// Set replaces the element at index i.
func (a *Array) Set(i int64, v Value) error {
	if i < 0 || i >= int64(len(a.items)) {
		return ErrIndexOutOfRange
	}
	a.items[i] = v
	return nil
}

// Push appends v, charging the owning heap for the new slot.
func (a *Array) Push(v Value) error {
	if err := a.hdr.grow(slotSize); err != nil {
		return err
	}
	a.items = append(a.items, v)
	return nil
}

// Items returns the backing slice. Callers must not retain or mutate it.
func (a *Array) Items() []Value { return a.items }

// ---------------------------------------------------------------------------
// Map
// ---------------------------------------------------------------------------

// Map is a string-keyed map that preserves insertion order.
type Map struct {
	hdr   Header
	keys  []string
	vals  []Value
	index map[string]int
}

func (m *Map) header() *Header { return &m.hdr }

func (m *Map) each(fn func(Value)) {
	for _, v := range m.vals {
		fn(v)
	}
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.keys) }

// Get looks up key.
func (m *Map) Get(key string) (Value, bool) {
	i, ok := m.index[key]
	if !ok {
		return Nil, false
	}
	return m.vals[i], true
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.index[key]
	return ok
}

// Set inserts or replaces key. A new key is appended to the iteration order.
func (m *Map) Set(key string, v Value) error {
	if i, ok := m.index[key]; ok {
		m.vals[i] = v
		return nil
	}
	if err := m.hdr.grow(mapEntrySize + int64(len(key))); err != nil {
		return err
	}
	if m.index == nil {
		m.index = make(map[string]int)
	}
	m.index[key] = len(m.keys)
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, v)
	return nil
}

// Delete removes key, preserving the order of the remaining entries.
// It reports whether the key was present.
func (m *Map) Delete(key string) bool {
	i, ok := m.index[key]
	if !ok {
		return false
	}
	delete(m.index, key)
	copy(m.keys[i:], m.keys[i+1:])
	copy(m.vals[i:], m.vals[i+1:])
	m.keys = m.keys[:len(m.keys)-1]
	m.vals[len(m.vals)-1] = Nil
	m.vals = m.vals[:len(m.vals)-1]
	for j := i; j < len(m.keys); j++ {
		m.index[m.keys[j]] = j
	}
	m.hdr.shrink(mapEntrySize + int64(len(key)))
	return true
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m *Map) Range(fn func(key string, v Value) bool) {
	for i, k := range m.keys {
		if !fn(k, m.vals[i]) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

// Closure pairs a function reference with its captured environment.
type Closure struct {
	hdr Header
	Fn  Function
	Env []Value
}

func (c *Closure) header() *Header { return &c.hdr }

func (c *Closure) each(fn func(Value)) {
	for _, v := range c.Env {
		fn(v)
	}
}

// grow charges n additional bytes to the owning heap, if any.
func (h *Header) grow(n int64) error {
	if h.owner != nil {
		if err := h.owner.charge(n); err != nil {
			return err
		}
	}
	h.size += n
	return nil
}

func (h *Header) shrink(n int64) {
	if h.owner != nil {
		h.owner.bytes -= n
	}
	h.size -= n
}
