// Package timer provides the hashed timer wheel that drives receive
// timeouts.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chazu/swarm/pkg/value"
)

// Callback is invoked for a fired entry, outside the wheel lock.
type Callback func(pid value.PID, ctx any)

// Config sizes a wheel.
type Config struct {
	WheelSize int
	TickMs    int64
}

// DefaultConfig returns a 512-slot wheel with 10ms ticks.
func DefaultConfig() Config {
	return Config{WheelSize: 512, TickMs: 10}
}

// MaxDelayMs caps the delay Add accepts, about 34 years.
const MaxDelayMs int64 = 1 << 40

// ErrInvalidConfig is returned by NewWheel for non-positive sizes.
var ErrInvalidConfig = errors.New("timer: wheel size and tick must be positive")

// Clock is a monotonic millisecond time source.
type Clock interface {
	NowMs() int64
}

type monotonic struct{ start time.Time }

func (m monotonic) NowMs() int64 { return time.Since(m.start).Milliseconds() }

// MonotonicClock returns a clock counting milliseconds from its creation.
func MonotonicClock() Clock { return monotonic{start: time.Now()} }

type entry struct {
	deadline  int64
	pid       value.PID
	callback  Callback
	ctx       any
	cancelled bool
	gen       uint64
	slot      int

	next, prev *entry // slot list
	free       *entry // free list
}

// Handle identifies a scheduled entry. The zero Handle is never valid.
type Handle struct {
	e   *entry
	gen uint64
}

// Valid reports whether the handle was returned by Add.
func (h Handle) Valid() bool { return h.e != nil }

// Fired describes an entry collected by Tick.
type Fired struct {
	PID      value.PID
	Deadline int64
	Callback Callback
	Ctx      any
}

// Invoke runs the callback, if any.
func (f Fired) Invoke() {
	if f.Callback != nil {
		f.Callback(f.PID, f.Ctx)
	}
}

// Wheel is a hashed timer wheel guarded by a single mutex. Entries whose
// deadline lies more than one revolution ahead share a slot with nearer
// entries and are skipped until their absolute deadline passes.
type Wheel struct {
	mu      sync.Mutex
	slots   []*entry
	tickMs  int64
	cursor  int64 // absolute tick index last processed
	pending int
	free    *entry
	nextGen uint64
	clock   Clock
}

// NewWheel creates a wheel. A nil clock selects MonotonicClock.
func NewWheel(cfg Config, clock Clock) (*Wheel, error) {
	if cfg.WheelSize <= 0 || cfg.TickMs <= 0 {
		return nil, ErrInvalidConfig
	}
	if clock == nil {
		clock = MonotonicClock()
	}
	return &Wheel{
		slots:  make([]*entry, cfg.WheelSize),
		tickMs: cfg.TickMs,
		cursor: clock.NowMs() / cfg.TickMs,
		clock:  clock,
	}, nil
}

// Now returns the wheel's clock reading.
func (w *Wheel) Now() int64 { return w.clock.NowMs() }

// TickMs returns the tick granularity.
func (w *Wheel) TickMs() int64 { return w.tickMs }

// Add schedules callback(pid, ctx) to fire delayMs from now. Delays are
// clamped to [0, MaxDelayMs].
func (w *Wheel) Add(pid value.PID, delayMs int64, callback Callback, ctx any) Handle {
	delayMs = max(0, min(delayMs, MaxDelayMs))
	deadline := w.clock.NowMs() + delayMs

	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.free
	if e != nil {
		w.free = e.free
		e.free = nil
	} else {
		e = &entry{}
	}
	w.nextGen++
	*e = entry{
		deadline: deadline,
		pid:      pid,
		callback: callback,
		ctx:      ctx,
		gen:      w.nextGen,
	}

	tick := deadline / w.tickMs
	if tick <= w.cursor {
		tick = w.cursor + 1
	}
	e.slot = int(tick % int64(len(w.slots)))
	w.link(e)
	w.pending++
	return Handle{e: e, gen: e.gen}
}

// Cancel removes a scheduled entry. It reports whether the entry was still
// pending; cancelling twice, or after the entry fired, is a no-op.
func (w *Wheel) Cancel(h Handle) bool {
	if h.e == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e := h.e
	if e.gen != h.gen || e.cancelled {
		return false
	}
	e.cancelled = true
	w.unlink(e)
	w.release(e)
	w.pending--
	return true
}

// Tick advances the wheel to nowMs and returns every entry whose deadline
// has passed. Callbacks are not invoked.
func (w *Wheel) Tick(nowMs int64) []Fired {
	w.mu.Lock()
	defer w.mu.Unlock()

	target := nowMs / w.tickMs
	if target < w.cursor {
		target = w.cursor
	}
	steps := target - w.cursor + 1
	if steps > int64(len(w.slots)) {
		steps = int64(len(w.slots))
	}

	var fired []Fired
	for i := int64(0); i < steps; i++ {
		slot := int((w.cursor + i) % int64(len(w.slots)))
		for e := w.slots[slot]; e != nil; {
			next := e.next
			if e.deadline <= nowMs {
				w.unlink(e)
				fired = append(fired, Fired{PID: e.pid, Deadline: e.deadline, Callback: e.callback, Ctx: e.ctx})
				e.cancelled = true
				w.release(e)
				w.pending--
			}
			e = next
		}
	}
	w.cursor = target
	return fired
}

// Advance ticks the wheel with the current clock reading and invokes the
// callbacks of every fired entry. It returns the number fired.
func (w *Wheel) Advance() int {
	fired := w.Tick(w.clock.NowMs())
	for _, f := range fired {
		f.Invoke()
	}
	return len(fired)
}

// NextDeadline returns the earliest pending deadline, or 0 if none.
func (w *Wheel) NextDeadline() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == 0 {
		return 0
	}
	var min int64
	for _, head := range w.slots {
		for e := head; e != nil; e = e.next {
			if min == 0 || e.deadline < min {
				min = e.deadline
			}
		}
	}
	return min
}

// HasPending reports whether any entry is scheduled.
func (w *Wheel) HasPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending > 0
}

// Pending returns the number of scheduled entries.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Run ticks the wheel every tick until ctx is done.
func (w *Wheel) Run(ctx context.Context) {
	t := time.NewTicker(time.Duration(w.tickMs) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Advance()
		}
	}
}

func (w *Wheel) link(e *entry) {
	head := w.slots[e.slot]
	e.prev = nil
	e.next = head
	if head != nil {
		head.prev = e
	}
	w.slots[e.slot] = e
}

func (w *Wheel) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		w.slots[e.slot] = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.next, e.prev = nil, nil
}

func (w *Wheel) release(e *entry) {
	e.callback = nil
	e.ctx = nil
	e.free = w.free
	w.free = e
}
