package value

import (
	"errors"
	"testing"
)

func TestHeapLimit(t *testing.T) {
	h := NewHeap(1, 200)
	if _, err := h.NewString("0123456789"); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	_, err := h.NewString(string(make([]byte, 500)))
	if !errors.Is(err, ErrHeapExhausted) {
		t.Fatalf("err = %v, want ErrHeapExhausted", err)
	}
}

func TestHeapArrayPushCharges(t *testing.T) {
	h := NewHeap(1, 0)
	av, _ := h.NewArray(0)
	before := h.Bytes()
	for i := 0; i < 10; i++ {
		if err := av.Array().Push(FromInt(int64(i))); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if got := h.Bytes() - before; got != 10*slotSize {
		t.Errorf("charged %d bytes, want %d", got, 10*slotSize)
	}
	if v, err := av.Array().Get(9); err != nil || v.Int() != 9 {
		t.Errorf("Get(9) = %v, %v", v, err)
	}
	if _, err := av.Array().Get(10); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Get(10) err = %v", err)
	}
}

func TestCollectFreesUnreachable(t *testing.T) {
	h := NewHeap(1, 0)
	keep, _ := h.NewArray(0)
	child, _ := h.NewString("kept")
	keep.Array().Push(child)

	for i := 0; i < 5; i++ {
		h.NewString("garbage")
	}
	// An unreachable cycle.
	a, _ := h.NewArray(0)
	b, _ := h.NewArray(0)
	a.Array().Push(b)
	b.Array().Push(a)

	before := h.Bytes()
	freed := h.Collect([]Value{keep})
	if freed <= 0 {
		t.Fatalf("freed = %d, want > 0", freed)
	}
	if h.Bytes() != before-freed {
		t.Errorf("Bytes = %d, want %d", h.Bytes(), before-freed)
	}
	if h.Objects() != 2 {
		t.Errorf("Objects = %d, want 2", h.Objects())
	}
	if st := h.Stats(); st.Collections != 1 || st.BytesFreed != freed {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRetainPinsObject(t *testing.T) {
	h := NewHeap(1, 0)
	s, _ := h.NewString("pinned")
	h.Retain(s)
	h.Collect(nil)
	if h.Objects() != 1 {
		t.Fatalf("pinned object collected")
	}
	h.Release(s)
	h.Collect(nil)
	if h.Objects() != 0 {
		t.Fatalf("released object survived")
	}
}
