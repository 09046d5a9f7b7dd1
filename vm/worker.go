package vm

import (
	"context"
	"math/rand/v2"

	"github.com/chazu/swarm/pkg/deque"
)

// sharedCheckInterval is how many slices a worker runs between forced
// looks at the shared queue.
const sharedCheckInterval = 61

// worker runs blocks from its own deque, then from the shared queue, then
// by stealing from a random victim. Every sharedCheckInterval slices the
// shared queue goes first.
type worker struct {
	id    int
	sched *Scheduler
	deque *deque.Deque[Block]
	rng   *rand.Rand
	tick  uint32
}

func newWorker(id int, s *Scheduler) *worker {
	return &worker{
		id:    id,
		sched: s,
		deque: deque.New[Block](0),
		rng:   rand.New(rand.NewPCG(uint64(id)+1, 0x5eed)),
	}
}

func (w *worker) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		b := w.next()
		if b == nil {
			if !w.park(ctx) {
				return nil
			}
			continue
		}
		w.sched.execute(b, w)
	}
}

func (w *worker) next() *Block {
	w.tick++
	if w.tick%sharedCheckInterval == 0 {
		if b := w.sched.queue.pop(); b != nil {
			return b
		}
	}
	if b := w.deque.Pop(); b != nil {
		return b
	}
	if b := w.sched.queue.pop(); b != nil {
		return b
	}
	if w.sched.cfg.EnableStealing {
		return w.steal()
	}
	return nil
}

func (w *worker) steal() *Block {
	workers := w.sched.workers
	n := len(workers)
	if n < 2 {
		return nil
	}
	start := w.rng.IntN(n)
	for i := 0; i < n; i++ {
		victim := workers[(start+i)%n]
		if victim == w {
			continue
		}
		if b := victim.deque.Steal(); b != nil {
			w.sched.steals.Add(1)
			return b
		}
	}
	return nil
}

// hasWork reports whether anything this worker could take is queued.
func (w *worker) hasWork() bool {
	s := w.sched
	if !w.deque.Empty() || s.queue.len() > 0 {
		return true
	}
	if !s.cfg.EnableStealing {
		return false
	}
	for _, v := range s.workers {
		if !v.deque.Empty() {
			return true
		}
	}
	return false
}

// park sleeps until work may be available. It returns false when the
// worker should exit.
func (w *worker) park(ctx context.Context) bool {
	s := w.sched
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if w.hasWork() {
		return true
	}
	s.idle++
	s.parkCond.Wait()
	s.idle--
	return ctx.Err() == nil
}
