package vm

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chazu/swarm/pkg/bytecode"
	"github.com/chazu/swarm/pkg/capability"
	"github.com/chazu/swarm/pkg/mailbox"
	"github.com/chazu/swarm/pkg/timer"
	"github.com/chazu/swarm/pkg/value"
)

// State is the lifecycle state of a block.
type State int32

const (
	StateRunnable State = iota
	StateRunning
	StateWaiting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateDead:
		return "dead"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Result is the outcome of a slice or a single step.
type Result int

const (
	ResultOk Result = iota
	ResultYield
	ResultWaiting
	ResultError
	ResultHalted
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "ok"
	case ResultYield:
		return "yield"
	case ResultWaiting:
		return "waiting"
	case ResultError:
		return "error"
	case ResultHalted:
		return "halted"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// ExitInfo describes how a block terminated. Reason is empty for a plain
// exit code; a normal exit has Code 0 and no reason.
type ExitInfo struct {
	Code      int
	Reason    string
	HasReason bool
}

// Normal reports whether the exit does not propagate across links.
func (e ExitInfo) Normal() bool { return e.Code == 0 && !e.HasReason }

// ReasonValue is the reason as carried in exit and down notices: nil for
// a plain exit code.
func (e ExitInfo) ReasonValue() value.Value {
	if !e.HasReason {
		return value.Nil
	}
	return value.DetachedString(e.Reason)
}

func (e ExitInfo) describe() string {
	if e.HasReason {
		return e.Reason
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Counters is a snapshot of a block's statistics.
type Counters struct {
	Reductions       int64
	MessagesSent     int64
	MessagesReceived int64
	GCCycles         int64
	BytesFreed       int64
}

type pidSet map[value.PID]struct{}

func (s pidSet) sorted() []value.PID {
	out := make([]value.PID, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Block is an isolated process: a private heap, an interpreter, a mailbox,
// a capability set and its link and monitor edges.
type Block struct {
	pid    value.PID
	name   string
	parent value.PID
	limits Limits

	state      atomic.Int32
	propagated atomic.Bool
	done       chan struct{}

	exitMu sync.Mutex
	exit   ExitInfo
	err    *RuntimeError

	heap    *value.Heap
	interp  *Interpreter
	prog    *bytecode.Program
	mailbox *mailbox.Mailbox
	caps    *capability.Set
	output  io.Writer

	reductions       atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	gcCycles         atomic.Int64
	bytesFreed       atomic.Int64

	graphMu     sync.Mutex
	links       pidSet
	monitors    pidSet // blocks this one watches
	monitoredBy pidSet // blocks watching this one

	timerMu  sync.Mutex
	timer    timer.Handle
	timerRef uint64
	nextRef  uint64

	sched  *Scheduler
	worker *worker // set while running on a worker

	budget int64 // remaining reductions in the current slice

	// single-threaded run queue links, guarded by the queue lock
	prev, next *Block
	queued     bool
}

// NewBlock creates a Runnable block with no program loaded. Blocks created
// this way run standalone: process opcodes that need a scheduler fail with
// InvalidPid.
func NewBlock(pid value.PID, name string, limits Limits) *Block {
	limits = limits.withDefaults(0)
	b := &Block{
		pid:         pid,
		name:        name,
		limits:      limits,
		done:        make(chan struct{}),
		heap:        value.NewHeap(pid, limits.MaxHeapSize),
		mailbox:     mailbox.New(mailbox.Config{Limit: limits.MaxMailboxSize, Policy: limits.MailboxPolicy}),
		caps:        capability.NewSet(capability.None),
		output:      io.Discard,
		links:       make(pidSet),
		monitors:    make(pidSet),
		monitoredBy: make(pidSet),
	}
	b.state.Store(int32(StateRunnable))
	return b
}

// Load prepares the block to run the program's main chunk.
func (b *Block) Load(prog *bytecode.Program) error {
	if prog == nil || prog.Main == nil {
		return ErrNoProgram
	}
	b.prog = prog
	b.interp = newInterpreter(b, prog)
	b.interp.enter(prog.Main, value.Function{Name: prog.Main.Name}, nil, nil)
	return nil
}

// LoadEntry prepares the block to run a function or closure of prog. The
// entry value must already be detached (see value.Copy); it is adopted into
// this block's heap.
func (b *Block) LoadEntry(prog *bytecode.Program, entry value.Value, args []value.Value) error {
	if prog == nil {
		return ErrNoProgram
	}
	if !entry.IsCallable() {
		return ErrEntryNotCallable
	}
	if err := b.heap.Adopt(entry); err != nil {
		return err
	}
	for _, a := range args {
		if err := b.heap.Adopt(a); err != nil {
			return err
		}
	}
	fn := entry.Function()
	chunk, ok := prog.Function(fn.Index)
	if !ok {
		return fmt.Errorf("%w: function index %d", ErrEntryNotCallable, fn.Index)
	}
	if len(args) != chunk.Arity {
		return runtimeErr(KindCallArityMismatch, "%s expects %d arguments, got %d", chunk.Name, chunk.Arity, len(args))
	}
	var env []value.Value
	if c := entry.Closure(); c != nil {
		env = c.Env
	}
	b.prog = prog
	b.interp = newInterpreter(b, prog)
	b.interp.enter(chunk, fn, env, args)
	return nil
}

// PID returns the block's process identifier.
func (b *Block) PID() value.PID { return b.pid }

// Name returns the block's name.
func (b *Block) Name() string { return b.name }

// Parent returns the spawning block's PID, or PIDInvalid.
func (b *Block) Parent() value.PID { return b.parent }

// Limits returns the block's resource limits.
func (b *Block) Limits() Limits { return b.limits }

// State returns the current lifecycle state.
func (b *Block) State() State { return State(b.state.Load()) }

// Alive reports whether the block is not Dead.
func (b *Block) Alive() bool { return b.State() != StateDead }

// Done is closed when the block becomes Dead.
func (b *Block) Done() <-chan struct{} { return b.done }

// Program returns the loaded program.
func (b *Block) Program() *bytecode.Program { return b.prog }

// Heap returns the block's heap. Only the goroutine running the block may
// use it.
func (b *Block) Heap() *value.Heap { return b.heap }

// Mailbox returns the block's mailbox.
func (b *Block) Mailbox() *mailbox.Mailbox { return b.mailbox }

// Interpreter returns the block's interpreter, or nil before Load.
func (b *Block) Interpreter() *Interpreter { return b.interp }

// SetOutput directs PRINT output.
func (b *Block) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	b.output = w
}

// Counters returns a snapshot of the block's statistics.
func (b *Block) Counters() Counters {
	return Counters{
		Reductions:       b.reductions.Load(),
		MessagesSent:     b.messagesSent.Load(),
		MessagesReceived: b.messagesReceived.Load(),
		GCCycles:         b.gcCycles.Load(),
		BytesFreed:       b.bytesFreed.Load(),
	}
}

// ExitInfo returns the exit information. It is meaningful only once the
// block is Dead.
func (b *Block) ExitInfo() ExitInfo {
	b.exitMu.Lock()
	defer b.exitMu.Unlock()
	return b.exit
}

// Err returns the runtime error that killed the block, if any.
func (b *Block) Err() *RuntimeError {
	b.exitMu.Lock()
	defer b.exitMu.Unlock()
	return b.err
}

// Capabilities returns the current capability mask.
func (b *Block) Capabilities() capability.Cap { return b.caps.Load() }

// Grant adds capabilities.
func (b *Block) Grant(c capability.Cap) { b.caps.Grant(c) }

// Revoke removes capabilities.
func (b *Block) Revoke(c capability.Cap) { b.caps.Revoke(c) }

// HasCap reports whether every bit of c is held.
func (b *Block) HasCap(c capability.Cap) bool { return b.caps.Has(c) }

// CheckCap crashes the block with CapabilityDenied if c is missing. It is
// used by opcode dispatch.
func (b *Block) CheckCap(c capability.Cap) *RuntimeError {
	if b.caps.Has(c) {
		return nil
	}
	return capDenied(c)
}

// Link adds pid to this block's link set. Linking to self is a no-op.
// It reports whether the set changed.
func (b *Block) Link(pid value.PID) bool {
	if pid == b.pid || pid == value.PIDInvalid {
		return false
	}
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	if _, ok := b.links[pid]; ok {
		return false
	}
	b.links[pid] = struct{}{}
	return true
}

// Unlink removes pid from this block's link set.
func (b *Block) Unlink(pid value.PID) bool {
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	if _, ok := b.links[pid]; !ok {
		return false
	}
	delete(b.links, pid)
	return true
}

// Links returns the link set in ascending PID order.
func (b *Block) Links() []value.PID {
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	return b.links.sorted()
}

// Monitor records that this block watches pid.
func (b *Block) Monitor(pid value.PID) bool {
	if pid == b.pid || pid == value.PIDInvalid {
		return false
	}
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	if _, ok := b.monitors[pid]; ok {
		return false
	}
	b.monitors[pid] = struct{}{}
	return true
}

// Demonitor stops watching pid.
func (b *Block) Demonitor(pid value.PID) bool {
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	if _, ok := b.monitors[pid]; !ok {
		return false
	}
	delete(b.monitors, pid)
	return true
}

// Monitors returns the PIDs this block watches.
func (b *Block) Monitors() []value.PID {
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	return b.monitors.sorted()
}

// MonitoredBy returns the PIDs watching this block.
func (b *Block) MonitoredBy() []value.PID {
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	return b.monitoredBy.sorted()
}

func (b *Block) addWatcher(pid value.PID) bool {
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	if _, ok := b.monitoredBy[pid]; ok {
		return false
	}
	b.monitoredBy[pid] = struct{}{}
	return true
}

func (b *Block) removeWatcher(pid value.PID) bool {
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	if _, ok := b.monitoredBy[pid]; !ok {
		return false
	}
	delete(b.monitoredBy, pid)
	return true
}

// takeEdges empties the link and monitor sets for exit propagation.
func (b *Block) takeEdges() (links, watchers, watching []value.PID) {
	b.graphMu.Lock()
	defer b.graphMu.Unlock()
	links = b.links.sorted()
	watchers = b.monitoredBy.sorted()
	watching = b.monitors.sorted()
	b.links = make(pidSet)
	b.monitoredBy = make(pidSet)
	b.monitors = make(pidSet)
	return links, watchers, watching
}

// Send copies v and enqueues it from sender. The copy is adopted into this
// block's heap when received.
func (b *Block) Send(sender value.PID, v value.Value) (mailbox.Status, error) {
	out, fp, err := value.Copy(v)
	if err != nil {
		return mailbox.Full, err
	}
	return b.deliver(mailbox.Message{Sender: sender, Value: out, Size: fp.Bytes}), nil
}

// deliver pushes an already-detached message.
func (b *Block) deliver(msg mailbox.Message) mailbox.Status {
	st := b.mailbox.Push(msg)
	if st == mailbox.OK {
		b.messagesReceived.Add(1)
	}
	return st
}

// deliverNotice enqueues a runtime notice past the mailbox limit.
func (b *Block) deliverNotice(msg mailbox.Message) mailbox.Status {
	st := b.mailbox.PushSystem(msg)
	if st == mailbox.OK {
		b.messagesReceived.Add(1)
	}
	return st
}

// Receive pops the next message, adopting its value into the heap. Stale
// timeout notices are discarded. It must be called by the goroutine
// running the block.
func (b *Block) Receive() (mailbox.Message, bool, error) {
	for {
		msg, ok := b.mailbox.Pop()
		if !ok {
			return mailbox.Message{}, false, nil
		}
		if msg.Ref != 0 {
			if !b.consumeTimeout(msg.Ref) {
				continue
			}
			return msg, true, nil
		}
		if err := b.heap.Adopt(msg.Value); err != nil {
			return msg, true, err
		}
		return msg, true, nil
	}
}

// Exit marks the block Dead with an exit code. It reports whether this
// call performed the transition.
func (b *Block) Exit(code int) bool {
	_, ok := b.markDead(ExitInfo{Code: code}, nil)
	return ok
}

// Crash marks the block Dead with exit code 1 and a reason.
func (b *Block) Crash(reason string) bool {
	_, ok := b.markDead(ExitInfo{Code: 1, Reason: reason, HasReason: true}, nil)
	return ok
}

func (b *Block) markDead(info ExitInfo, rerr *RuntimeError) (State, bool) {
	b.exitMu.Lock()
	defer b.exitMu.Unlock()
	for {
		prev := State(b.state.Load())
		if prev == StateDead {
			return prev, false
		}
		b.exit = info
		b.err = rerr
		if b.state.CompareAndSwap(int32(prev), int32(StateDead)) {
			b.mailbox.Seal()
			b.cancelTimer()
			close(b.done)
			return prev, true
		}
	}
}

// claimPropagation reports whether the caller is the one to propagate this
// block's exit.
func (b *Block) claimPropagation() bool {
	return b.propagated.CompareAndSwap(false, true)
}

// beginTimer allocates a reference for a new receive timeout and marks it
// armed. The wheel handle is attached later by armTimer; a notice that fires
// in between is still recognized by its reference.
func (b *Block) beginTimer() uint64 {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	b.nextRef++
	b.timerRef = b.nextRef
	b.timer = timer.Handle{}
	return b.timerRef
}

func (b *Block) armTimer(h timer.Handle, ref uint64) {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if b.timerRef == ref {
		b.timer = h
	}
}

// timerArmed reports whether a receive timeout is pending.
func (b *Block) timerArmed() bool {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	return b.timerRef != 0
}

// consumeTimeout reports whether ref belongs to the armed timer and, if so,
// disarms it.
func (b *Block) consumeTimeout(ref uint64) bool {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if ref != b.timerRef {
		return false
	}
	b.timerRef = 0
	b.timer = timer.Handle{}
	return true
}

// cancelTimer disarms a pending receive timeout. It is idempotent.
func (b *Block) cancelTimer() {
	b.timerMu.Lock()
	h := b.timer
	b.timer = timer.Handle{}
	b.timerRef = 0
	b.timerMu.Unlock()
	if h.Valid() && b.sched != nil {
		b.sched.cancelTimer(h)
	}
}

// RunSlice runs the block until it suspends, terminates or spends its
// reduction budget.
func (b *Block) RunSlice() Result {
	if b.interp == nil {
		b.markDead(ExitInfo{Code: 1, Reason: ErrNoProgram.Error(), HasReason: true}, nil)
		return ResultError
	}
	b.budget = b.limits.MaxReductions
	return b.interp.run()
}

// Step executes a single instruction.
func (b *Block) Step() Result {
	if b.interp == nil {
		return ResultError
	}
	b.budget = 1
	return b.interp.stepOnce()
}

// Run drives a standalone block until it is Dead or waits for a message.
func (b *Block) Run() Result {
	for {
		if !b.Alive() {
			return ResultHalted
		}
		if !b.state.CompareAndSwap(int32(StateRunnable), int32(StateRunning)) {
			return ResultError
		}
		r := b.RunSlice()
		switch r {
		case ResultYield:
			b.state.CompareAndSwap(int32(StateRunning), int32(StateRunnable))
		case ResultWaiting:
			b.state.CompareAndSwap(int32(StateRunning), int32(StateWaiting))
			return r
		default:
			return r
		}
	}
}

// collect runs a garbage collection over the interpreter roots.
func (b *Block) collect() {
	freed := b.heap.Collect(b.interp.roots())
	b.gcCycles.Add(1)
	b.bytesFreed.Add(freed)
}

// String implements fmt.Stringer.
func (b *Block) String() string {
	if b.name != "" {
		return fmt.Sprintf("%s%s", b.name, b.pid)
	}
	return b.pid.String()
}
