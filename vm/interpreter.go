package vm

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/swarm/pkg/bytecode"
	"github.com/chazu/swarm/pkg/capability"
	"github.com/chazu/swarm/pkg/mailbox"
	"github.com/chazu/swarm/pkg/timer"
	"github.com/chazu/swarm/pkg/value"
)

// Reduction costs. Everything not listed costs 1.
const (
	costConstruct = 4 // ARRAY_NEW, MAP_NEW, CLOSURE, SPAWN
	costSendBase  = 2 // plus one per 16 copied objects
)

var (
	opInfo  [256]bytecode.OpcodeInfo
	opValid [256]bool
)

func init() {
	for _, op := range bytecode.AllOpcodes() {
		opInfo[op] = bytecode.GetOpcodeInfo(op)
		opValid[op] = true
	}
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

type frame struct {
	chunk    *bytecode.Chunk
	ip       int
	base     int // stack index of local slot 0
	fn       value.Function
	captures []value.Value
}

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Interpreter is the stack machine of one block. It is driven only by the
// goroutine currently running the block.
type Interpreter struct {
	block   *Block
	prog    *bytecode.Program
	stack   []value.Value
	frames  []frame
	globals map[string]value.Value
	result  value.Value
	err     *RuntimeError

	executed int64 // instructions in the current slice
}

func newInterpreter(b *Block, prog *bytecode.Program) *Interpreter {
	return &Interpreter{
		block:   b,
		prog:    prog,
		stack:   make([]value.Value, 0, 64),
		frames:  make([]frame, 0, 8),
		globals: make(map[string]value.Value),
	}
}

func (in *Interpreter) enter(chunk *bytecode.Chunk, fn value.Function, env, args []value.Value) {
	base := len(in.stack)
	in.stack = append(in.stack, args...)
	for i := len(args); i < chunk.NumLocals; i++ {
		in.stack = append(in.stack, value.Nil)
	}
	in.frames = append(in.frames, frame{chunk: chunk, base: base, fn: fn, captures: env})
}

// Stack returns a copy of the value stack, bottom first.
func (in *Interpreter) Stack() []value.Value {
	return append([]value.Value(nil), in.stack...)
}

// Top returns the value on top of the stack.
func (in *Interpreter) Top() (value.Value, bool) {
	if len(in.stack) == 0 {
		return value.Nil, false
	}
	return in.stack[len(in.stack)-1], true
}

// Global returns a global variable.
func (in *Interpreter) Global(name string) (value.Value, bool) {
	v, ok := in.globals[name]
	return v, ok
}

// Result returns the value returned by the entry frame.
func (in *Interpreter) Result() value.Value { return in.result }

// Err returns the runtime error that stopped the interpreter, if any.
func (in *Interpreter) Err() *RuntimeError { return in.err }

// IP returns the instruction pointer of the current frame, or -1.
func (in *Interpreter) IP() int {
	if len(in.frames) == 0 {
		return -1
	}
	return in.frames[len(in.frames)-1].ip
}

// Depth returns the number of active call frames.
func (in *Interpreter) Depth() int { return len(in.frames) }

func (in *Interpreter) roots() []value.Value {
	n := len(in.stack) + len(in.globals) + 1
	for i := range in.frames {
		n += len(in.frames[i].captures)
	}
	roots := make([]value.Value, 0, n)
	roots = append(roots, in.stack...)
	for _, v := range in.globals {
		roots = append(roots, v)
	}
	for i := range in.frames {
		roots = append(roots, in.frames[i].captures...)
	}
	return append(roots, in.result)
}

// run executes until a suspension, termination or budget exhaustion.
func (in *Interpreter) run() Result {
	b := in.block
	in.executed = 0
	for {
		if b.State() == StateDead {
			return ResultHalted
		}
		if b.heap.NeedsCollect() {
			b.collect()
		}
		if r := in.step(); r != ResultOk {
			return r
		}
		if b.budget <= 0 {
			return ResultYield
		}
	}
}

func (in *Interpreter) stepOnce() Result {
	in.executed = 0
	if in.block.State() == StateDead {
		return ResultHalted
	}
	return in.step()
}

// Executed returns the number of instructions run in the last slice.
func (in *Interpreter) Executed() int64 { return in.executed }

func (in *Interpreter) charge(cost int64) {
	in.block.budget -= cost
	in.block.reductions.Add(cost)
	in.executed++
}

func (in *Interpreter) fail(err *RuntimeError) Result {
	in.err = err
	in.block.markDead(ExitInfo{Code: 1, Reason: err.Error(), HasReason: true}, err)
	return ResultError
}

func (in *Interpreter) halt(info ExitInfo) Result {
	in.block.markDead(info, nil)
	return ResultHalted
}

func (in *Interpreter) push(v value.Value) { in.stack = append(in.stack, v) }

func (in *Interpreter) pop() value.Value {
	v := in.stack[len(in.stack)-1]
	in.stack[len(in.stack)-1] = value.Nil
	in.stack = in.stack[:len(in.stack)-1]
	return v
}

func (in *Interpreter) peek(depth int) value.Value {
	return in.stack[len(in.stack)-1-depth]
}

func (in *Interpreter) drop(n int) {
	for i := 0; i < n; i++ {
		in.pop()
	}
}

// height is the number of operands above the current frame's locals.
func (in *Interpreter) height(f *frame) int {
	return len(in.stack) - (f.base + f.chunk.NumLocals)
}

// step executes one instruction.
func (in *Interpreter) step() Result {
	if len(in.frames) == 0 {
		return in.halt(ExitInfo{})
	}
	f := &in.frames[len(in.frames)-1]
	code := f.chunk.Code
	if f.ip >= len(code) {
		in.charge(1)
		return in.doReturn(value.Nil)
	}

	start := f.ip
	op := bytecode.Opcode(code[start])
	if !opValid[op] {
		return in.fail(runtimeErr(KindUnknownOpcode, "0x%02X at %04X in %s", byte(op), start, f.chunk.Name))
	}
	info := opInfo[op]
	next := start + 1 + info.OperandLen
	if next > len(code) {
		return in.fail(runtimeErr(KindUnknownOpcode, "truncated %s at %04X in %s", op, start, f.chunk.Name))
	}
	if info.StackPop > 0 && in.height(f) < info.StackPop {
		return in.fail(runtimeErr(KindStackUnderflow, "%s needs %d operands", op, info.StackPop))
	}
	f.ip = next

	var u8 int
	var u16 int
	switch info.OperandLen {
	case 1:
		u8 = int(code[start+1])
	case 2:
		u16 = int(code[start+1])<<8 | int(code[start+2])
	case 3:
		u16 = int(code[start+1])<<8 | int(code[start+2])
		u8 = int(code[start+3])
	}

	cost := int64(1)
	b := in.block

	switch op {
	// --- Stack ---
	case bytecode.OpNop:

	case bytecode.OpPop:
		in.pop()

	case bytecode.OpDup:
		in.push(in.peek(0))

	case bytecode.OpDup2:
		x, y := in.peek(1), in.peek(0)
		in.push(x)
		in.push(y)

	case bytecode.OpSwap:
		n := len(in.stack)
		in.stack[n-1], in.stack[n-2] = in.stack[n-2], in.stack[n-1]

	// --- Constants ---
	case bytecode.OpConst:
		if u16 >= len(f.chunk.Constants) {
			return in.fail(runtimeErr(KindIndexOutOfRange, "constant %d of %d", u16, len(f.chunk.Constants)))
		}
		in.push(f.chunk.Constants[u16])

	case bytecode.OpGConst:
		if u16 >= len(in.prog.Constants) {
			return in.fail(runtimeErr(KindIndexOutOfRange, "program constant %d of %d", u16, len(in.prog.Constants)))
		}
		in.push(in.prog.Constants[u16])

	case bytecode.OpNil:
		in.push(value.Nil)
	case bytecode.OpTrue:
		in.push(value.True)
	case bytecode.OpFalse:
		in.push(value.False)

	case bytecode.OpLoadFn:
		ref, ok := in.prog.FunctionRef(u16)
		if !ok {
			return in.fail(runtimeErr(KindIndexOutOfRange, "function %d", u16))
		}
		in.push(ref)

	case bytecode.OpClosure:
		ref, ok := in.prog.FunctionRef(u16)
		if !ok {
			return in.fail(runtimeErr(KindIndexOutOfRange, "function %d", u16))
		}
		if in.height(f) < u8 {
			return in.fail(runtimeErr(KindStackUnderflow, "CLOSURE captures %d values", u8))
		}
		env := in.stack[len(in.stack)-u8:]
		c, err := b.heap.NewClosure(ref.Function(), env)
		if err != nil {
			return in.fail(heapErr(err))
		}
		in.drop(u8)
		in.push(c)
		cost = costConstruct

	// --- Variables ---
	case bytecode.OpLoadLocal:
		if u8 >= f.chunk.NumLocals {
			return in.fail(runtimeErr(KindIndexOutOfRange, "local %d of %d", u8, f.chunk.NumLocals))
		}
		in.push(in.stack[f.base+u8])

	case bytecode.OpStoreLocal:
		if u8 >= f.chunk.NumLocals {
			return in.fail(runtimeErr(KindIndexOutOfRange, "local %d of %d", u8, f.chunk.NumLocals))
		}
		in.stack[f.base+u8] = in.pop()

	case bytecode.OpLoadGlobal:
		name, ok := in.prog.StringAt(uint16(u16))
		if !ok {
			return in.fail(runtimeErr(KindIndexOutOfRange, "string %d", u16))
		}
		v, ok := in.globals[name]
		if !ok {
			return in.fail(runtimeErr(KindKeyNotFound, "global %q", name))
		}
		in.push(v)

	case bytecode.OpStoreGlobal:
		name, ok := in.prog.StringAt(uint16(u16))
		if !ok {
			return in.fail(runtimeErr(KindIndexOutOfRange, "string %d", u16))
		}
		in.globals[name] = in.pop()

	case bytecode.OpLoadCapture:
		if u8 >= len(f.captures) {
			return in.fail(runtimeErr(KindIndexOutOfRange, "capture %d of %d", u8, len(f.captures)))
		}
		in.push(f.captures[u8])

	// --- Arithmetic and comparison ---
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		v, err := in.arith(op, in.peek(1), in.peek(0))
		if err != nil {
			return in.fail(err)
		}
		in.drop(2)
		in.push(v)

	case bytecode.OpNeg:
		x := in.peek(0)
		switch {
		case x.IsInt():
			in.stack[len(in.stack)-1] = value.FromInt(-x.Int())
		case x.IsFloat():
			in.stack[len(in.stack)-1] = value.FromFloat(-x.Float())
		default:
			return in.fail(runtimeErr(KindTypeError, "cannot negate %s", x.Kind()))
		}

	case bytecode.OpEq, bytecode.OpNeq:
		eq := value.Equal(in.peek(1), in.peek(0))
		in.drop(2)
		in.push(value.FromBool(eq == (op == bytecode.OpEq)))

	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		c, err := compare(in.peek(1), in.peek(0))
		if err != nil {
			return in.fail(err)
		}
		var r bool
		switch op {
		case bytecode.OpLt:
			r = c < 0
		case bytecode.OpLe:
			r = c <= 0
		case bytecode.OpGt:
			r = c > 0
		default:
			r = c >= 0
		}
		in.drop(2)
		in.push(value.FromBool(r))

	case bytecode.OpNot:
		in.stack[len(in.stack)-1] = value.FromBool(!in.peek(0).Truthy())

	// --- Control flow ---
	case bytecode.OpJump, bytecode.OpJumpIf, bytecode.OpJumpUnless:
		take := op == bytecode.OpJump
		if op != bytecode.OpJump {
			if len(in.stack) == 0 || in.height(f) < 1 {
				return in.fail(runtimeErr(KindStackUnderflow, "%s needs a condition", op))
			}
			take = in.peek(0).Truthy() == (op == bytecode.OpJumpIf)
		}
		if take {
			target := next + u16
			if target >= len(code) {
				return in.fail(runtimeErr(KindInvalidJump, "%s to %04X beyond %04X", op, target, len(code)))
			}
			f.ip = target
		}

	case bytecode.OpLoop:
		target := next - u16
		if target < 0 || target >= len(code) {
			return in.fail(runtimeErr(KindInvalidJump, "LOOP to %d", target))
		}
		f.ip = target

	// --- Calls ---
	case bytecode.OpCall:
		if in.height(f) < u8+1 {
			return in.fail(runtimeErr(KindStackUnderflow, "CALL %d", u8))
		}
		callee := in.pop()
		if r, ok := in.call(callee, u8); !ok {
			return r
		}

	case bytecode.OpReturn:
		in.charge(cost)
		return in.doReturn(in.pop())

	// --- Process operations ---
	case bytecode.OpSpawn:
		if err := b.CheckCap(capability.Spawn); err != nil {
			return in.fail(err)
		}
		entry := in.peek(0)
		if !entry.IsCallable() {
			return in.fail(runtimeErr(KindTypeError, "cannot spawn %s", entry.Kind()))
		}
		if fn := entry.Function(); fn.Arity != 0 {
			return in.fail(runtimeErr(KindCallArityMismatch, "spawned %s must take no arguments, takes %d", fn.Name, fn.Arity))
		}
		if b.sched == nil {
			return in.fail(&RuntimeError{Kind: KindInvalidPid, Message: "no scheduler"})
		}
		pid, rerr := b.sched.spawnChild(b, entry)
		if rerr != nil {
			return in.fail(rerr)
		}
		in.pop()
		in.push(value.FromPID(pid))
		cost = costConstruct

	case bytecode.OpSend:
		if err := b.CheckCap(capability.Send); err != nil {
			return in.fail(err)
		}
		target := in.peek(1)
		if !target.IsPID() {
			return in.fail(runtimeErr(KindTypeError, "send target is %s", target.Kind()))
		}
		if b.sched == nil {
			return in.fail(&RuntimeError{Kind: KindInvalidPid, PID: target.PID(), Message: "no scheduler"})
		}
		out := b.sched.send(b, target.PID(), in.peek(0))
		if out.err != nil {
			return in.fail(out.err)
		}
		if out.backpressure {
			f.ip = start
			in.charge(1)
			return ResultYield
		}
		in.drop(2)
		in.push(value.FromBool(out.delivered))
		cost = costSendBase + int64(out.objects/16)

	case bytecode.OpReceive:
		if err := b.CheckCap(capability.Receive); err != nil {
			return in.fail(err)
		}
		msg, ok, err := b.Receive()
		if err != nil {
			return in.fail(heapErr(err))
		}
		if !ok {
			f.ip = start
			in.charge(1)
			return ResultWaiting
		}
		v, rerr := in.messageValue(msg)
		if rerr != nil {
			return in.fail(rerr)
		}
		in.push(v)

	case bytecode.OpReceiveAfter:
		if err := b.CheckCap(capability.Receive); err != nil {
			return in.fail(err)
		}
		timeout := in.peek(0)
		if !timeout.IsNumber() {
			return in.fail(runtimeErr(KindTypeError, "receive timeout is %s", timeout.Kind()))
		}
		msg, ok, err := b.Receive()
		if err != nil {
			return in.fail(heapErr(err))
		}
		if !ok {
			ms := timeoutMs(timeout)
			if ms > 0 {
				if b.sched == nil {
					return in.fail(&RuntimeError{Kind: KindInvalidPid, Message: "no scheduler for receive timeout"})
				}
				if !b.timerArmed() {
					b.sched.armReceiveTimer(b, ms)
				}
				f.ip = start
				in.charge(1)
				return ResultWaiting
			}
			msg = mailbox.Message{Ref: 1} // zero timeout expires at once
		} else if msg.Ref == 0 {
			b.cancelTimer()
		}
		v, rerr := in.messageValue(msg)
		if rerr != nil {
			return in.fail(rerr)
		}
		in.pop()
		in.push(v)

	case bytecode.OpSelf:
		in.push(value.FromPID(b.pid))

	case bytecode.OpYield:
		in.charge(cost)
		return ResultYield

	case bytecode.OpLink, bytecode.OpUnlink, bytecode.OpMonitor, bytecode.OpDemonitor:
		need := capability.Link
		if op == bytecode.OpMonitor || op == bytecode.OpDemonitor {
			need = capability.Monitor
		}
		if err := b.CheckCap(need); err != nil {
			return in.fail(err)
		}
		target := in.peek(0)
		if !target.IsPID() {
			return in.fail(runtimeErr(KindTypeError, "%s target is %s", op, target.Kind()))
		}
		if b.sched == nil {
			return in.fail(&RuntimeError{Kind: KindInvalidPid, PID: target.PID(), Message: "no scheduler"})
		}
		var rerr *RuntimeError
		switch op {
		case bytecode.OpLink:
			rerr = b.sched.link(b, target.PID())
		case bytecode.OpUnlink:
			b.sched.unlink(b, target.PID())
		case bytecode.OpMonitor:
			rerr = b.sched.monitor(b, target.PID())
		default:
			b.sched.demonitor(b, target.PID())
		}
		if rerr != nil {
			return in.fail(rerr)
		}
		in.pop()

	case bytecode.OpExit:
		reason := in.pop()
		in.charge(cost)
		if reason.IsNil() {
			return in.halt(ExitInfo{})
		}
		text := reason.String()
		return in.halt(ExitInfo{Code: 1, Reason: text, HasReason: true})

	// --- Collections ---
	case bytecode.OpArrayNew:
		v, err := b.heap.NewArray(0)
		if err != nil {
			return in.fail(heapErr(err))
		}
		in.push(v)
		cost = costConstruct

	case bytecode.OpArrayPush:
		arr := in.peek(1).Array()
		if arr == nil {
			return in.fail(runtimeErr(KindTypeError, "ARRAY_PUSH on %s", in.peek(1).Kind()))
		}
		if err := arr.Push(in.peek(0)); err != nil {
			return in.fail(heapErr(err))
		}
		in.pop()

	case bytecode.OpArrayGet:
		arr := in.peek(1).Array()
		if arr == nil {
			return in.fail(runtimeErr(KindTypeError, "ARRAY_GET on %s", in.peek(1).Kind()))
		}
		idx := in.peek(0)
		if !idx.IsInt() {
			return in.fail(runtimeErr(KindTypeError, "array index is %s", idx.Kind()))
		}
		v, err := arr.Get(idx.Int())
		if err != nil {
			return in.fail(runtimeErr(KindIndexOutOfRange, "index %d of %d", idx.Int(), arr.Len()))
		}
		in.drop(2)
		in.push(v)

	case bytecode.OpArraySet:
		arr := in.peek(2).Array()
		if arr == nil {
			return in.fail(runtimeErr(KindTypeError, "ARRAY_SET on %s", in.peek(2).Kind()))
		}
		idx := in.peek(1)
		if !idx.IsInt() {
			return in.fail(runtimeErr(KindTypeError, "array index is %s", idx.Kind()))
		}
		if err := arr.Set(idx.Int(), in.peek(0)); err != nil {
			return in.fail(runtimeErr(KindIndexOutOfRange, "index %d of %d", idx.Int(), arr.Len()))
		}
		in.drop(2)

	case bytecode.OpArrayLen:
		x := in.peek(0)
		var n int
		switch {
		case x.IsArray():
			n = x.Array().Len()
		case x.IsMap():
			n = x.Map().Len()
		case x.IsString():
			n = len(x.Str())
		default:
			return in.fail(runtimeErr(KindTypeError, "length of %s", x.Kind()))
		}
		in.stack[len(in.stack)-1] = value.FromInt(int64(n))

	case bytecode.OpMapNew:
		v, err := b.heap.NewMap()
		if err != nil {
			return in.fail(heapErr(err))
		}
		in.push(v)
		cost = costConstruct

	case bytecode.OpMapSet, bytecode.OpMapGet, bytecode.OpMapDel, bytecode.OpMapHas:
		keyDepth := 0
		if op == bytecode.OpMapSet {
			keyDepth = 1
		}
		m := in.peek(keyDepth + 1).Map()
		if m == nil {
			return in.fail(runtimeErr(KindTypeError, "%s on %s", op, in.peek(keyDepth+1).Kind()))
		}
		key := in.peek(keyDepth)
		if !key.IsString() {
			return in.fail(runtimeErr(KindTypeError, "map key is %s", key.Kind()))
		}
		switch op {
		case bytecode.OpMapSet:
			if err := m.Set(key.Str(), in.peek(0)); err != nil {
				return in.fail(heapErr(err))
			}
			in.drop(2)
		case bytecode.OpMapGet:
			v, ok := m.Get(key.Str())
			if !ok {
				return in.fail(runtimeErr(KindKeyNotFound, "%q", key.Str()))
			}
			in.drop(2)
			in.push(v)
		case bytecode.OpMapDel:
			m.Delete(key.Str())
			in.pop()
		default:
			has := m.Has(key.Str())
			in.drop(2)
			in.push(value.FromBool(has))
		}

	case bytecode.OpMapKeys:
		m := in.peek(0).Map()
		if m == nil {
			return in.fail(runtimeErr(KindTypeError, "MAP_KEYS on %s", in.peek(0).Kind()))
		}
		keys := m.Keys()
		items := make([]value.Value, len(keys))
		for i, k := range keys {
			s, err := b.heap.NewString(k)
			if err != nil {
				return in.fail(heapErr(err))
			}
			items[i] = s
		}
		arr, err := b.heap.NewArrayOf(items...)
		if err != nil {
			return in.fail(heapErr(err))
		}
		in.stack[len(in.stack)-1] = arr

	// --- Debug and termination ---
	case bytecode.OpPrint:
		fmt.Fprintln(b.output, in.pop().String())

	case bytecode.OpHalt:
		in.charge(cost)
		return in.halt(ExitInfo{})

	default:
		return in.fail(runtimeErr(KindUnknownOpcode, "%s not implemented", op))
	}

	in.charge(cost)
	if len(in.stack) > b.limits.MaxStackDepth {
		return in.fail(runtimeErr(KindStackOverflow, "stack depth %d exceeds %d", len(in.stack), b.limits.MaxStackDepth))
	}
	return ResultOk
}

// call sets up a frame for callee with argc arguments on the stack. It
// returns false with the failing result when the call cannot be made.
func (in *Interpreter) call(callee value.Value, argc int) (Result, bool) {
	if !callee.IsCallable() {
		return in.fail(runtimeErr(KindTypeError, "cannot call %s", callee.Kind())), false
	}
	fn := callee.Function()
	chunk, ok := in.prog.Function(fn.Index)
	if !ok {
		return in.fail(runtimeErr(KindIndexOutOfRange, "function %d", fn.Index)), false
	}
	if chunk.Arity != argc {
		return in.fail(runtimeErr(KindCallArityMismatch, "%s expects %d arguments, got %d", chunk.Name, chunk.Arity, argc)), false
	}
	if len(in.frames) >= in.block.limits.MaxCallDepth {
		return in.fail(runtimeErr(KindStackOverflow, "call depth exceeds %d", in.block.limits.MaxCallDepth)), false
	}
	var env []value.Value
	if c := callee.Closure(); c != nil {
		env = c.Env
	}
	base := len(in.stack) - argc
	for i := argc; i < chunk.NumLocals; i++ {
		in.stack = append(in.stack, value.Nil)
	}
	in.frames = append(in.frames, frame{chunk: chunk, base: base, fn: fn, captures: env})
	return ResultOk, true
}

func (in *Interpreter) doReturn(v value.Value) Result {
	f := in.frames[len(in.frames)-1]
	in.frames = in.frames[:len(in.frames)-1]
	for i := f.base; i < len(in.stack); i++ {
		in.stack[i] = value.Nil
	}
	in.stack = in.stack[:f.base]
	in.push(v)
	if len(in.frames) == 0 {
		in.result = v
		return in.halt(ExitInfo{})
	}
	return ResultOk
}

// timeoutMs converts a RECEIVE_AFTER operand to whole milliseconds in
// [0, timer.MaxDelayMs]. NaN and negative values expire at once.
func timeoutMs(v value.Value) int64 {
	if v.IsInt() {
		return max(0, min(v.Int(), timer.MaxDelayMs))
	}
	f := v.Float()
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= float64(timer.MaxDelayMs):
		return timer.MaxDelayMs
	}
	return int64(f)
}

// messageValue builds the value RECEIVE pushes for msg.
func (in *Interpreter) messageValue(msg mailbox.Message) (value.Value, *RuntimeError) {
	h := in.block.heap
	m, err := h.NewMap()
	if err != nil {
		return value.Nil, heapErr(err)
	}
	mp := m.Map()
	if err := mp.Set("sender", value.FromPID(msg.Sender)); err != nil {
		return value.Nil, heapErr(err)
	}
	if msg.Ref != 0 {
		tag, err := h.NewString("timeout")
		if err != nil {
			return value.Nil, heapErr(err)
		}
		if err := mp.Set("value", value.Nil); err != nil {
			return value.Nil, heapErr(err)
		}
		if err := mp.Set("tag", tag); err != nil {
			return value.Nil, heapErr(err)
		}
		return m, nil
	}
	if err := mp.Set("value", msg.Value); err != nil {
		return value.Nil, heapErr(err)
	}
	return m, nil
}

func (in *Interpreter) arith(op bytecode.Opcode, x, y value.Value) (value.Value, *RuntimeError) {
	if op == bytecode.OpAdd && x.IsString() && y.IsString() {
		s, err := in.block.heap.Concat(x.Str(), y.Str())
		if err != nil {
			return value.Nil, heapErr(err)
		}
		return s, nil
	}
	if !x.IsNumber() || !y.IsNumber() {
		return value.Nil, runtimeErr(KindTypeError, "%s on %s and %s", op, x.Kind(), y.Kind())
	}

	if x.IsInt() && y.IsInt() {
		a, b := x.Int(), y.Int()
		switch op {
		case bytecode.OpAdd:
			return value.FromInt(a + b), nil
		case bytecode.OpSub:
			return value.FromInt(a - b), nil
		case bytecode.OpMul:
			return value.FromInt(a * b), nil
		case bytecode.OpDiv:
			if b == 0 {
				return value.Nil, runtimeErr(KindDivideByZero, "%d / 0", a)
			}
			return value.FromInt(a / b), nil
		default:
			if b == 0 {
				return value.Nil, runtimeErr(KindDivideByZero, "%d %% 0", a)
			}
			return value.FromInt(a % b), nil
		}
	}

	a, b := x.Float(), y.Float()
	switch op {
	case bytecode.OpAdd:
		return value.FromFloat(a + b), nil
	case bytecode.OpSub:
		return value.FromFloat(a - b), nil
	case bytecode.OpMul:
		return value.FromFloat(a * b), nil
	case bytecode.OpDiv:
		if b == 0 {
			return value.Nil, runtimeErr(KindDivideByZero, "%g / 0", a)
		}
		return value.FromFloat(a / b), nil
	default:
		if b == 0 {
			return value.Nil, runtimeErr(KindDivideByZero, "%g %% 0", a)
		}
		return value.FromFloat(math.Mod(a, b)), nil
	}
}

func compare(x, y value.Value) (int, *RuntimeError) {
	switch {
	case x.IsInt() && y.IsInt():
		a, b := x.Int(), y.Int()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		}
		return 0, nil
	case x.IsNumber() && y.IsNumber():
		a, b := x.Float(), y.Float()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		}
		return 0, nil
	case x.IsString() && y.IsString():
		return strings.Compare(x.Str(), y.Str()), nil
	}
	return 0, runtimeErr(KindTypeError, "cannot compare %s and %s", x.Kind(), y.Kind())
}
