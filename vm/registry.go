package vm

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/chazu/swarm/pkg/value"
)

// DefaultShards is the number of registry shards.
const DefaultShards = 64

type shard struct {
	mu     sync.Mutex
	blocks map[value.PID]*Block
}

// Registry is a sharded PID to Block map. Each shard has its own lock; the
// total count is atomic and never exceeds the configured maximum.
type Registry struct {
	shards    []shard
	total     atomic.Int64
	maxBlocks int64
	nextPID   atomic.Uint64
}

// NewRegistry creates a registry with n shards (rounded up to a power of
// two) admitting at most maxBlocks entries. maxBlocks <= 0 means unbounded.
func NewRegistry(n int, maxBlocks int) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	r := &Registry{
		shards:    make([]shard, size),
		maxBlocks: int64(maxBlocks),
	}
	for i := range r.shards {
		r.shards[i].blocks = make(map[value.PID]*Block)
	}
	return r
}

// NextPID allocates a PID. PIDs start at 1 and are never reused.
func (r *Registry) NextPID() value.PID {
	return value.PID(r.nextPID.Add(1))
}

func (r *Registry) shardFor(pid value.PID) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(pid))
	return &r.shards[xxh3.Hash(buf[:])&uint64(len(r.shards)-1)]
}

// reserve claims a slot against the block limit.
func (r *Registry) reserve() bool {
	for {
		n := r.total.Load()
		if r.maxBlocks > 0 && n >= r.maxBlocks {
			return false
		}
		if r.total.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Register inserts b. It fails with ErrSpawnLimitReached when the registry
// is full.
func (r *Registry) Register(b *Block) error {
	if !r.reserve() {
		return ErrSpawnLimitReached
	}
	s := r.shardFor(b.pid)
	s.mu.Lock()
	if _, dup := s.blocks[b.pid]; dup {
		s.mu.Unlock()
		r.total.Add(-1)
		return fmt.Errorf("%w: %s", ErrDuplicatePID, b.pid)
	}
	s.blocks[b.pid] = b
	s.mu.Unlock()
	return nil
}

// Get looks up a block.
func (r *Registry) Get(pid value.PID) (*Block, bool) {
	s := r.shardFor(pid)
	s.mu.Lock()
	b, ok := s.blocks[pid]
	s.mu.Unlock()
	return b, ok
}

// Unregister removes a block and returns it.
func (r *Registry) Unregister(pid value.PID) (*Block, bool) {
	s := r.shardFor(pid)
	s.mu.Lock()
	b, ok := s.blocks[pid]
	if ok {
		delete(s.blocks, pid)
	}
	s.mu.Unlock()
	if ok {
		r.total.Add(-1)
	}
	return b, ok
}

// Count returns the number of registered blocks.
func (r *Registry) Count() int { return int(r.total.Load()) }

// Max returns the block limit (0 = unbounded).
func (r *Registry) Max() int { return int(r.maxBlocks) }

// Range calls fn for every registered block until fn returns false. Shards
// are visited one at a time; fn runs without any shard lock held.
func (r *Registry) Range(fn func(*Block) bool) {
	var batch []*Block
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		batch = batch[:0]
		for _, b := range s.blocks {
			batch = append(batch, b)
		}
		s.mu.Unlock()
		for _, b := range batch {
			if !fn(b) {
				return
			}
		}
	}
}
