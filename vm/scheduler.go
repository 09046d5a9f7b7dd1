package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/swarm/pkg/bytecode"
	"github.com/chazu/swarm/pkg/capability"
	"github.com/chazu/swarm/pkg/mailbox"
	"github.com/chazu/swarm/pkg/timer"
	"github.com/chazu/swarm/pkg/value"
)

var log = commonlog.GetLogger("swarm.scheduler")

// ErrAlreadyRunning is returned when Run or RunUntilIdle is entered twice.
var ErrAlreadyRunning = errors.New("vm: scheduler is already running")

// SpawnOptions configures a new block. Zero fields take the scheduler's
// defaults.
type SpawnOptions struct {
	Name   string
	Caps   capability.Cap
	Limits Limits
	Output io.Writer
}

// Stats is a snapshot of scheduler counters. State counts come from a
// registry scan; each field is read atomically but the snapshot as a whole
// is not.
type Stats struct {
	BlocksTotal    int
	BlocksAlive    int
	BlocksDead     int
	BlocksRunnable int
	BlocksRunning  int
	BlocksWaiting  int

	ContextSwitches int64
	TotalReductions int64
	TotalSpawned    int64
	TotalTerminated int64
	MessagesSent    int64
	MessagesDropped int64
	Steals          int64
	TimersPending   int64
}

// Scheduler owns the registry, the run queues, the timer wheel and the
// workers. With zero workers every block runs on the goroutine that calls
// Run; otherwise each worker owns a work-stealing deque and a shared FIFO
// takes work from outside the workers.
type Scheduler struct {
	cfg      SchedulerConfig
	registry *Registry
	wheel    *timer.Wheel
	multi    bool

	queue   runQueue
	wakeCh  chan struct{}
	workers []*worker

	parkMu   sync.Mutex
	parkCond *sync.Cond
	idle     int

	idleMu   sync.Mutex
	idleCond *sync.Cond

	pending atomic.Int64 // queued plus running blocks
	timers  atomic.Int64 // armed receive timeouts

	running  atomic.Bool
	stopping atomic.Bool
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	contextSwitches atomic.Int64
	totalReductions atomic.Int64
	totalSpawned    atomic.Int64
	totalTerminated atomic.Int64
	messagesSent    atomic.Int64
	messagesDropped atomic.Int64
	steals          atomic.Int64
}

// NewScheduler creates a scheduler. It does not start any goroutine.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	d := DefaultSchedulerConfig()
	if cfg.DefaultReductions <= 0 {
		cfg.DefaultReductions = d.DefaultReductions
	}
	if cfg.NumWorkers < 0 {
		return nil, fmt.Errorf("vm: negative worker count %d", cfg.NumWorkers)
	}
	if cfg.Timer == (timer.Config{}) {
		cfg.Timer = d.Timer
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = d.Limits
	}
	cfg.Limits = cfg.Limits.withDefaults(cfg.DefaultReductions)
	if cfg.Clock == nil {
		cfg.Clock = timer.MonotonicClock()
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	wheel, err := timer.NewWheel(cfg.Timer, cfg.Clock)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:      cfg,
		registry: NewRegistry(DefaultShards, cfg.MaxBlocks),
		wheel:    wheel,
		multi:    cfg.NumWorkers > 0,
		wakeCh:   make(chan struct{}, 1),
	}
	s.parkCond = sync.NewCond(&s.parkMu)
	s.idleCond = sync.NewCond(&s.idleMu)
	for i := 0; i < cfg.NumWorkers; i++ {
		s.workers = append(s.workers, newWorker(i, s))
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() SchedulerConfig { return s.cfg }

// Registry returns the block registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Wheel returns the timer wheel.
func (s *Scheduler) Wheel() *timer.Wheel { return s.wheel }

// Get returns a registered block, dead or alive.
func (s *Scheduler) Get(pid value.PID) (*Block, bool) { return s.registry.Get(pid) }

// ---------------------------------------------------------------------------
// Spawning
// ---------------------------------------------------------------------------

// Spawn creates a block running prog's main chunk and makes it runnable.
func (s *Scheduler) Spawn(prog *bytecode.Program, opts SpawnOptions) (value.PID, error) {
	b := s.newBlock(opts, value.PIDInvalid)
	if err := b.Load(prog); err != nil {
		return value.PIDInvalid, err
	}
	return s.admit(b, nil)
}

// SpawnFunc creates a block running a function or closure of prog with
// the given arguments. entry and args are copied into the new block.
func (s *Scheduler) SpawnFunc(prog *bytecode.Program, entry value.Value, args []value.Value, opts SpawnOptions) (value.PID, error) {
	b := s.newBlock(opts, value.PIDInvalid)
	e, _, err := value.Copy(entry)
	if err != nil {
		return value.PIDInvalid, err
	}
	copied := make([]value.Value, len(args))
	for i, a := range args {
		if copied[i], _, err = value.Copy(a); err != nil {
			return value.PIDInvalid, err
		}
	}
	if err := b.LoadEntry(prog, e, copied); err != nil {
		return value.PIDInvalid, err
	}
	return s.admit(b, nil)
}

// spawnChild runs SPAWN for parent. The child inherits the parent's
// program, limits, capabilities and output. A full registry yields
// PIDInvalid without failing the parent.
func (s *Scheduler) spawnChild(parent *Block, entry value.Value) (value.PID, *RuntimeError) {
	e, _, err := value.Copy(entry)
	if err != nil {
		return value.PIDInvalid, heapErr(err)
	}
	b := s.newBlock(SpawnOptions{
		Name:   entry.Function().Name,
		Caps:   parent.Capabilities(),
		Limits: parent.limits,
		Output: parent.output,
	}, parent.pid)
	if err := b.LoadEntry(parent.prog, e, nil); err != nil {
		var rerr *RuntimeError
		if errors.As(err, &rerr) {
			return value.PIDInvalid, rerr
		}
		return value.PIDInvalid, heapErr(err)
	}
	pid, err := s.admit(b, parent.worker)
	if err != nil {
		log.Debug("spawn refused", "parent", parent.pid, "error", err)
		return value.PIDInvalid, nil
	}
	return pid, nil
}

func (s *Scheduler) newBlock(opts SpawnOptions, parent value.PID) *Block {
	limits := opts.Limits
	if limits == (Limits{}) {
		limits = s.cfg.Limits
	}
	limits = limits.withDefaults(s.cfg.DefaultReductions)
	b := NewBlock(s.registry.NextPID(), opts.Name, limits)
	b.parent = parent
	b.sched = s
	b.caps.Replace(opts.Caps)
	if opts.Output != nil {
		b.SetOutput(opts.Output)
	} else {
		b.SetOutput(s.cfg.Output)
	}
	b.mailbox.OnNonEmpty(func() { s.wake(b, nil) })
	return b
}

func (s *Scheduler) admit(b *Block, w *worker) (value.PID, error) {
	if err := s.registry.Register(b); err != nil {
		return value.PIDInvalid, err
	}
	s.totalSpawned.Add(1)
	log.Debug("spawn", "pid", b.pid, "name", b.name, "parent", b.parent)
	s.enqueue(b, w)
	return b.pid, nil
}

// ---------------------------------------------------------------------------
// Queueing and waking
// ---------------------------------------------------------------------------

// enqueue makes b available to run. A block enqueued from a worker goes
// to that worker's deque; everything else goes to the shared queue.
func (s *Scheduler) enqueue(b *Block, w *worker) {
	s.pending.Add(1)
	if s.multi && w != nil {
		w.deque.Push(b)
	} else if !s.queue.push(b) {
		s.done()
		return
	}
	s.notifyWork()
}

func (s *Scheduler) notifyWork() {
	if !s.multi {
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
		return
	}
	s.parkMu.Lock()
	if s.idle > 0 {
		s.parkCond.Signal()
	}
	s.parkMu.Unlock()
}

// wake moves a Waiting block back to Runnable. It is a no-op for blocks in
// any other state.
func (s *Scheduler) wake(b *Block, w *worker) bool {
	if !b.state.CompareAndSwap(int32(StateWaiting), int32(StateRunnable)) {
		return false
	}
	s.enqueue(b, w)
	return true
}

// Wake is the exported form of wake for callers outside a worker.
func (s *Scheduler) Wake(pid value.PID) bool {
	b, ok := s.registry.Get(pid)
	if !ok {
		return false
	}
	return s.wake(b, nil)
}

func (s *Scheduler) done() {
	if s.pending.Add(-1) == 0 && s.timers.Load() == 0 {
		s.signalIdle()
	}
}

func (s *Scheduler) signalIdle() {
	s.idleMu.Lock()
	s.idleCond.Broadcast()
	s.idleMu.Unlock()
}

func (s *Scheduler) isIdle() bool {
	return s.pending.Load() == 0 && s.timers.Load() == 0
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// execute runs one slice of b on the calling goroutine. w is the worker
// running it, or nil in single-threaded mode.
func (s *Scheduler) execute(b *Block, w *worker) {
	defer s.done()
	if !b.state.CompareAndSwap(int32(StateRunnable), int32(StateRunning)) {
		if b.State() == StateDead {
			s.finish(b)
		}
		return
	}

	b.worker = w
	before := b.reductions.Load()
	r := s.slice(b)
	b.worker = nil
	if b.interp != nil && b.interp.Executed() > 0 {
		s.contextSwitches.Add(1)
	}
	s.totalReductions.Add(b.reductions.Load() - before)

	switch r {
	case ResultOk, ResultYield:
		if b.state.CompareAndSwap(int32(StateRunning), int32(StateRunnable)) {
			// A preempted block goes to the back of the shared queue so
			// it cannot starve what is queued behind it.
			s.enqueue(b, nil)
			return
		}
	case ResultWaiting:
		if b.state.CompareAndSwap(int32(StateRunning), int32(StateWaiting)) {
			// A message may have landed after the receive found the
			// mailbox empty but before the state change was visible.
			if !b.mailbox.Empty() {
				s.wake(b, w)
			}
			return
		}
	}
	s.finish(b)
}

func (s *Scheduler) slice(b *Block) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("block %s panicked: %v", b, p)
			b.markDead(ExitInfo{Code: 1, Reason: fmt.Sprintf("panic: %v", p), HasReason: true}, nil)
			r = ResultError
		}
	}()
	return b.RunSlice()
}

// finish retires a Dead block and propagates its exit. Only the first
// caller per block does anything.
func (s *Scheduler) finish(b *Block) {
	if s.retire(b) {
		s.propagate(b)
	}
}

func (s *Scheduler) retire(b *Block) bool {
	if b.State() != StateDead || !b.claimPropagation() {
		return false
	}
	s.totalTerminated.Add(1)
	if s.queue.remove(b) {
		s.done()
	}
	if n := len(b.mailbox.Drain()); n > 0 {
		log.Debugf("block %s dropped %d queued messages at exit", b, n)
	}
	info := b.ExitInfo()
	if info.Normal() {
		log.Debug("exit", "pid", b.pid)
	} else {
		log.Warning("block crashed", "pid", b.pid, "code", info.Code, "reason", info.describe())
	}
	return true
}

// ---------------------------------------------------------------------------
// Run loops
// ---------------------------------------------------------------------------

// Run executes blocks until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.start(ctx, false)
}

// RunUntilIdle executes blocks until no block is runnable and no receive
// timeout is pending. Blocks waiting for messages that will never arrive
// do not keep it running.
func (s *Scheduler) RunUntilIdle(ctx context.Context) error {
	return s.start(ctx, true)
}

// Stop makes a running Run or RunUntilIdle return.
func (s *Scheduler) Stop() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel != nil {
		s.stopping.Store(true)
		s.cancel()
	}
}

// Running reports whether a run loop is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

func (s *Scheduler) start(parent context.Context, untilIdle bool) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.cancelMu.Lock()
	s.stopping.Store(false)
	s.cancel = cancel
	s.cancelMu.Unlock()
	defer func() {
		s.cancelMu.Lock()
		s.cancel = nil
		s.cancelMu.Unlock()
	}()

	var err error
	if s.multi {
		err = s.runWorkers(ctx, untilIdle)
	} else {
		err = s.runLoop(ctx, untilIdle)
	}
	if s.stopping.Load() || (err != nil && parent.Err() == nil && errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

// runLoop is the single-threaded dispatcher.
func (s *Scheduler) runLoop(ctx context.Context, untilIdle bool) error {
	tick := time.Duration(s.wheel.TickMs()) * time.Millisecond
	sleep := time.NewTimer(tick)
	defer sleep.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.timers.Load() > 0 {
			s.wheel.Advance()
		}
		if b := s.queue.pop(); b != nil {
			s.execute(b, nil)
			continue
		}
		if untilIdle && s.isIdle() {
			return nil
		}

		wait := time.Hour
		if s.timers.Load() > 0 {
			wait = tick
			if next := s.wheel.NextDeadline(); next > 0 {
				if d := time.Duration(next-s.wheel.Now()) * time.Millisecond; d > 0 && d < wait {
					wait = d
				}
			}
		}
		if !sleep.Stop() {
			select {
			case <-sleep.C:
			default:
			}
		}
		sleep.Reset(wait)
		select {
		case <-ctx.Done():
		case <-s.wakeCh:
		case <-sleep.C:
		}
	}
}

// runWorkers runs the worker pool and the timer goroutine.
func (s *Scheduler) runWorkers(ctx context.Context, untilIdle bool) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	unpark := context.AfterFunc(runCtx, func() {
		s.parkMu.Lock()
		s.parkCond.Broadcast()
		s.parkMu.Unlock()
	})
	defer unpark()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.wheel.Run(gctx)
		return nil
	})
	for _, w := range s.workers {
		g.Go(func() error { return w.run(gctx) })
	}
	log.Info("workers started", "workers", len(s.workers), "stealing", s.cfg.EnableStealing)

	if untilIdle {
		s.waitIdle(runCtx)
		stop()
	}
	err := g.Wait()
	log.Info("workers stopped", "steals", s.steals.Load())
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// waitIdle blocks until the scheduler is idle or ctx is done.
func (s *Scheduler) waitIdle(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, s.signalIdle)
	defer stop()
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	for !s.isIdle() && ctx.Err() == nil {
		s.idleCond.Wait()
	}
	return ctx.Err() == nil
}

// Wait blocks until the block is Dead or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, pid value.PID) (ExitInfo, error) {
	b, ok := s.registry.Get(pid)
	if !ok {
		return ExitInfo{}, &SchedulerError{Kind: BlockNotFound, PID: pid}
	}
	select {
	case <-b.Done():
		return b.ExitInfo(), nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Termination
// ---------------------------------------------------------------------------

// Kill terminates a block with reason "killed". Killing a Dead block is a
// no-op.
func (s *Scheduler) Kill(pid value.PID) error {
	return s.terminate(pid, ExitInfo{Code: 1, Reason: "killed", HasReason: true})
}

// Exit terminates a block with an exit code and no reason.
func (s *Scheduler) Exit(pid value.PID, code int) error {
	return s.terminate(pid, ExitInfo{Code: code})
}

// Crash terminates a block with exit code 1 and a reason.
func (s *Scheduler) Crash(pid value.PID, reason string) error {
	return s.terminate(pid, ExitInfo{Code: 1, Reason: reason, HasReason: true})
}

func (s *Scheduler) terminate(pid value.PID, info ExitInfo) error {
	b, ok := s.registry.Get(pid)
	if !ok {
		return &SchedulerError{Kind: BlockNotFound, PID: pid}
	}
	s.kill(b, info)
	return nil
}

// kill marks b Dead. A block that is mid-slice is retired by its worker
// when the slice ends; otherwise it is retired here.
func (s *Scheduler) kill(b *Block, info ExitInfo) {
	prev, changed := b.markDead(info, nil)
	if changed && prev != StateRunning {
		s.finish(b)
	}
}

// Reap unregisters every retired Dead block and frees its heap. It returns
// the number of blocks removed.
func (s *Scheduler) Reap() int {
	var dead []*Block
	s.registry.Range(func(b *Block) bool {
		if b.State() == StateDead && b.propagated.Load() {
			dead = append(dead, b)
		}
		return true
	})
	for _, b := range dead {
		if _, ok := s.registry.Unregister(b.pid); ok {
			b.heap.Free()
		}
	}
	return len(dead)
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

type sendOutcome struct {
	delivered    bool
	backpressure bool
	objects      int
	err          *RuntimeError
}

// send runs SEND for from.
func (s *Scheduler) send(from *Block, to value.PID, v value.Value) sendOutcome {
	target, ok := s.registry.Get(to)
	if !ok || !target.Alive() {
		return sendOutcome{}
	}
	mb := target.mailbox
	if mb.Policy() == mailbox.Block && mb.Limit() > 0 && mb.Count() >= mb.Limit() {
		if target == from {
			return sendOutcome{err: &RuntimeError{Kind: KindMailboxFull, PID: to, Message: "own mailbox is full"}}
		}
		return sendOutcome{backpressure: true}
	}
	out, fp, err := value.Copy(v)
	if err != nil {
		return sendOutcome{err: heapErr(err)}
	}
	switch target.deliver(mailbox.Message{Sender: from.pid, Value: out, Size: fp.Bytes}) {
	case mailbox.OK:
		from.messagesSent.Add(1)
		s.messagesSent.Add(1)
		return sendOutcome{delivered: true, objects: fp.Objects}
	case mailbox.Full:
		if mb.Policy() == mailbox.Block {
			return sendOutcome{backpressure: true}
		}
		s.messagesDropped.Add(1)
	}
	return sendOutcome{objects: fp.Objects}
}

// Send delivers v to a block from outside any block. The sender PID seen by
// the receiver is PIDInvalid.
func (s *Scheduler) Send(to value.PID, v value.Value) error {
	return s.SendFrom(value.PIDInvalid, to, v)
}

// SendFrom delivers v to a block on behalf of sender, which need not be a
// local block. It is used by the node transport.
func (s *Scheduler) SendFrom(sender, to value.PID, v value.Value) error {
	target, ok := s.registry.Get(to)
	if !ok || !target.Alive() {
		return &SchedulerError{Kind: BlockNotFound, PID: to}
	}
	st, err := target.Send(sender, v)
	if err != nil {
		return heapErr(err)
	}
	switch st {
	case mailbox.OK:
		s.messagesSent.Add(1)
		return nil
	case mailbox.Closed:
		return &SchedulerError{Kind: BlockNotFound, PID: to}
	}
	if target.mailbox.Policy() != mailbox.Block {
		s.messagesDropped.Add(1)
	}
	return &RuntimeError{Kind: KindMailboxFull, PID: to, Message: "message refused"}
}

// notify delivers a runtime-generated notice (exit, down). Notices are not
// subject to the mailbox limit; only a block that is already exiting can
// miss one.
func (s *Scheduler) notify(to *Block, sender value.PID, v value.Value) {
	if st := to.deliverNotice(mailbox.Message{Sender: sender, Value: v}); st != mailbox.OK {
		log.Debug("notice not delivered", "to", to.pid, "from", sender, "status", st.String())
	}
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

type timeoutCtx struct {
	block *Block
	ref   uint64
}

// armReceiveTimer schedules a timeout notice for b's pending receive.
func (s *Scheduler) armReceiveTimer(b *Block, ms int64) {
	ref := b.beginTimer()
	s.timers.Add(1)
	h := s.wheel.Add(b.pid, ms, s.onTimeout, timeoutCtx{block: b, ref: ref})
	b.armTimer(h, ref)
}

func (s *Scheduler) onTimeout(pid value.PID, ctx any) {
	t := ctx.(timeoutCtx)
	t.block.mailbox.PushSystem(mailbox.Message{Sender: value.PIDInvalid, Ref: t.ref})
	if s.timers.Add(-1) == 0 && s.pending.Load() == 0 {
		s.signalIdle()
	}
}

func (s *Scheduler) cancelTimer(h timer.Handle) {
	if s.wheel.Cancel(h) {
		if s.timers.Add(-1) == 0 && s.pending.Load() == 0 {
			s.signalIdle()
		}
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		ContextSwitches: s.contextSwitches.Load(),
		TotalReductions: s.totalReductions.Load(),
		TotalSpawned:    s.totalSpawned.Load(),
		TotalTerminated: s.totalTerminated.Load(),
		MessagesSent:    s.messagesSent.Load(),
		MessagesDropped: s.messagesDropped.Load(),
		Steals:          s.steals.Load(),
		TimersPending:   s.timers.Load(),
	}
	s.registry.Range(func(b *Block) bool {
		st.BlocksTotal++
		switch b.State() {
		case StateRunnable:
			st.BlocksRunnable++
		case StateRunning:
			st.BlocksRunning++
		case StateWaiting:
			st.BlocksWaiting++
		case StateDead:
			st.BlocksDead++
		}
		return true
	})
	st.BlocksAlive = st.BlocksTotal - st.BlocksDead
	return st
}

// ---------------------------------------------------------------------------
// Run queue
// ---------------------------------------------------------------------------

// runQueue is a FIFO of blocks linked through Block.prev and Block.next.
// It is the whole run queue in single-threaded mode and the shared queue
// when workers are running.
type runQueue struct {
	mu         sync.Mutex
	head, tail *Block
	n          int
}

func (q *runQueue) push(b *Block) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b.queued {
		return false
	}
	b.queued = true
	b.prev = q.tail
	b.next = nil
	if q.tail != nil {
		q.tail.next = b
	} else {
		q.head = b
	}
	q.tail = b
	q.n++
	return true
}

func (q *runQueue) pop() *Block {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.head
	if b == nil {
		return nil
	}
	q.unlink(b)
	return b
}

// remove takes b out of the queue if it is queued.
func (q *runQueue) remove(b *Block) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !b.queued {
		return false
	}
	q.unlink(b)
	return true
}

func (q *runQueue) unlink(b *Block) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		q.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		q.tail = b.prev
	}
	b.prev, b.next = nil, nil
	b.queued = false
	q.n--
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
