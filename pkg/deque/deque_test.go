package deque

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(i int) *int { return &i }

func TestPushPopIsLIFO(t *testing.T) {
	d := New[int](0)
	for i := 0; i < 5; i++ {
		d.Push(ptr(i))
	}
	for i := 4; i >= 0; i-- {
		v := d.Pop()
		require.NotNil(t, v)
		assert.Equal(t, i, *v)
	}
	assert.Nil(t, d.Pop())
	assert.True(t, d.Empty())
}

func TestStealIsFIFO(t *testing.T) {
	d := New[int](0)
	for i := 0; i < 5; i++ {
		d.Push(ptr(i))
	}
	for i := 0; i < 5; i++ {
		v := d.Steal()
		require.NotNil(t, v)
		assert.Equal(t, i, *v)
	}
	assert.Nil(t, d.Steal())
}

func TestGrowPreservesItems(t *testing.T) {
	d := New[int](0)
	start := d.Cap()
	n := start * 4
	for i := 0; i < n; i++ {
		d.Push(ptr(i))
	}
	assert.Greater(t, d.Cap(), start)
	assert.Positive(t, d.Retired())
	assert.Equal(t, n, d.Len())

	// Steal a few so top is non-zero, then drain from the bottom.
	for i := 0; i < 3; i++ {
		assert.Equal(t, i, *d.Steal())
	}
	for i := n - 1; i >= 3; i-- {
		assert.Equal(t, i, *d.Pop())
	}
	assert.Nil(t, d.Pop())
}

func TestInterleavedPushAfterDrain(t *testing.T) {
	d := New[int](0)
	d.Push(ptr(1))
	assert.Equal(t, 1, *d.Pop())
	assert.Nil(t, d.Pop())
	d.Push(ptr(2))
	assert.Equal(t, 2, *d.Steal())
	assert.Nil(t, d.Steal())
}

// The owner pushes while a thief steals concurrently; every item must be
// taken exactly once.
func TestConcurrentStealExactlyOnce(t *testing.T) {
	const n = 1000
	d := New[int](0)
	seen := make([]atomic.Int32, n)
	var taken atomic.Int64

	take := func(v *int) {
		seen[*v].Add(1)
		taken.Add(1)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if v := d.Steal(); v != nil {
					take(v)
					continue
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		d.Push(ptr(i))
		if i%7 == 0 {
			if v := d.Pop(); v != nil {
				take(v)
			}
		}
	}
	for v := d.Pop(); v != nil; v = d.Pop() {
		take(v)
	}
	// Thieves may still hold in-flight steals; wait for the count to settle.
	for taken.Load() < n {
		if v := d.Pop(); v != nil {
			take(v)
		}
	}
	close(done)
	wg.Wait()

	assert.Equal(t, int64(n), taken.Load())
	for i := range seen {
		assert.Equal(t, int32(1), seen[i].Load(), "item %d", i)
	}
}
