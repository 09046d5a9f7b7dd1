// Package deque implements a Chase-Lev work-stealing deque.
//
// The owning worker pushes and pops at the bottom; any goroutine may steal
// from the top. Indices are monotonic 64-bit counters, so a slot index is
// never reused for the lifetime of the deque. Retired ring buffers are
// reclaimed by the garbage collector once no thief can still hold them.
package deque

import "sync/atomic"

const minCapacity = 32

type ring[T any] struct {
	mask  int64
	slots []atomic.Pointer[T]
}

func newRing[T any](capacity int64) *ring[T] {
	return &ring[T]{mask: capacity - 1, slots: make([]atomic.Pointer[T], capacity)}
}

func (r *ring[T]) cap() int64 { return r.mask + 1 }
func (r *ring[T]) get(i int64) *T { return r.slots[i&r.mask].Load() }
func (r *ring[T]) put(i int64, v *T) { r.slots[i&r.mask].Store(v) }

func (r *ring[T]) grow(top, bottom int64) *ring[T] {
	next := newRing[T](r.cap() * 2)
	for i := top; i < bottom; i++ {
		next.put(i, r.get(i))
	}
	return next
}

// Deque is a work-stealing deque of *T. Push and Pop must only be called by
// the owner; Steal is safe from any goroutine.
type Deque[T any] struct {
	top    atomic.Int64
	bottom atomic.Int64
	buf    atomic.Pointer[ring[T]]

	retired atomic.Int64
}

// New returns a deque with at least the given initial capacity, rounded up
// to a power of two.
func New[T any](capacity int) *Deque[T] {
	c := int64(minCapacity)
	for c < int64(capacity) {
		c <<= 1
	}
	d := &Deque[T]{}
	d.buf.Store(newRing[T](c))
	return d
}

// Push adds v at the bottom, growing the buffer if needed.
func (d *Deque[T]) Push(v *T) {
	b := d.bottom.Load()
	t := d.top.Load()
	buf := d.buf.Load()
	if b-t >= buf.cap()-1 {
		buf = buf.grow(t, b)
		d.buf.Store(buf)
		d.retired.Add(1)
	}
	buf.put(b, v)
	d.bottom.Store(b + 1)
}

// Pop removes the most recently pushed item. It returns nil when empty.
func (d *Deque[T]) Pop() *T {
	b := d.bottom.Load() - 1
	buf := d.buf.Load()
	d.bottom.Store(b)
	t := d.top.Load()

	if t > b {
		d.bottom.Store(b + 1)
		return nil
	}
	v := buf.get(b)
	if t == b {
		// Last item: race the thieves for it.
		if !d.top.CompareAndSwap(t, t+1) {
			v = nil
		}
		d.bottom.Store(b + 1)
	}
	return v
}

// Steal removes the oldest item. It returns nil when the deque is empty or
// the attempt lost a race; callers treat both as "nothing stolen".
func (d *Deque[T]) Steal() *T {
	t := d.top.Load()
	b := d.bottom.Load()
	if t >= b {
		return nil
	}
	buf := d.buf.Load()
	v := buf.get(t)
	if !d.top.CompareAndSwap(t, t+1) {
		return nil
	}
	return v
}

// Len returns an approximate item count.
func (d *Deque[T]) Len() int {
	n := d.bottom.Load() - d.top.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Empty reports whether the deque appears empty.
func (d *Deque[T]) Empty() bool { return d.Len() == 0 }

// Cap returns the current buffer capacity.
func (d *Deque[T]) Cap() int { return int(d.buf.Load().cap()) }

// Retired returns how many buffers have been replaced by growth.
func (d *Deque[T]) Retired() int64 { return d.retired.Load() }
