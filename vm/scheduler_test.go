package vm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/swarm/pkg/bytecode"
	"github.com/chazu/swarm/pkg/capability"
	"github.com/chazu/swarm/pkg/mailbox"
	"github.com/chazu/swarm/pkg/value"
)

const pingPongSrc = `
    HALT

.func receiver 0
    RECEIVE
    CONST "sender"
    MAP_GET
    CONST 999
    SEND
    POP
    HALT

.func sender 1 target
    LOAD_LOCAL target
    CONST 42
    SEND
    POP
    RECEIVE
    HALT
`

const waitSrc = `
    RECEIVE
    HALT
`

func newTestScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()
	cfg := DefaultSchedulerConfig()
	cfg.NumWorkers = workers
	cfg.Output = nil
	s, err := NewScheduler(cfg)
	require.NoError(t, err)
	return s
}

func runIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.RunUntilIdle(ctx))
}

func allCaps() SpawnOptions { return SpawnOptions{Caps: capability.All} }

func fnRef(t *testing.T, p *bytecode.Program, name string) value.Value {
	t.Helper()
	idx, ok := p.FunctionByName(name)
	require.True(t, ok, "function %s", name)
	ref, ok := p.FunctionRef(idx)
	require.True(t, ok)
	return ref
}

func mustGet(t *testing.T, s *Scheduler, pid value.PID) *Block {
	t.Helper()
	b, ok := s.Get(pid)
	require.True(t, ok, "block %s not registered", pid)
	return b
}

func topOf(t *testing.T, b *Block) value.Value {
	t.Helper()
	v, ok := b.Interpreter().Top()
	require.True(t, ok, "empty stack")
	return v
}

func mapField(t *testing.T, v value.Value, key string) value.Value {
	t.Helper()
	m := v.Map()
	require.NotNil(t, m, "%v is not a map", v)
	got, ok := m.Get(key)
	require.True(t, ok, "missing key %q in %v", key, v)
	return got
}

func TestSchedulerArithmeticLoop(t *testing.T) {
	s := newTestScheduler(t, 0)
	pid, err := s.Spawn(assemble(t, countdown), allCaps())
	require.NoError(t, err)
	assert.Equal(t, value.PID(1), pid)

	runIdle(t, s)

	b := mustGet(t, s, pid)
	assert.Equal(t, StateDead, b.State())
	assert.True(t, b.ExitInfo().Normal())
	assert.Equal(t, int64(0), topOf(t, b).Int())
	assert.GreaterOrEqual(t, b.Counters().Reductions, int64(500000))

	st := s.Stats()
	assert.Equal(t, b.Counters().Reductions, st.TotalReductions)
	assert.Greater(t, st.ContextSwitches, int64(100))
	assert.Equal(t, int64(1), st.TotalTerminated)
	assert.Equal(t, 1, st.BlocksDead)
}

func testPingPong(t *testing.T, workers int) {
	s := newTestScheduler(t, workers)
	prog := assemble(t, pingPongSrc)

	r, err := s.SpawnFunc(prog, fnRef(t, prog, "receiver"), nil, allCaps())
	require.NoError(t, err)
	sp, err := s.SpawnFunc(prog, fnRef(t, prog, "sender"), []value.Value{value.FromPID(r)}, allCaps())
	require.NoError(t, err)

	runIdle(t, s)

	rb, sb := mustGet(t, s, r), mustGet(t, s, sp)
	require.Equal(t, StateDead, rb.State())
	require.Equal(t, StateDead, sb.State())
	assert.True(t, rb.ExitInfo().Normal(), "receiver exit %+v", rb.ExitInfo())
	assert.True(t, sb.ExitInfo().Normal(), "sender exit %+v", sb.ExitInfo())

	reply := topOf(t, sb)
	assert.Equal(t, r, mapField(t, reply, "sender").PID())
	assert.Equal(t, int64(999), mapField(t, reply, "value").Int())
	assert.Equal(t, int64(2), s.Stats().MessagesSent)
}

func TestPingPong(t *testing.T) { testPingPong(t, 0) }

func TestPingPongWorkers(t *testing.T) { testPingPong(t, 4) }

func TestLinkPropagation(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, waitSrc)
	a, err := s.Spawn(prog, allCaps())
	require.NoError(t, err)
	b, err := s.Spawn(prog, SpawnOptions{Caps: capability.Receive})
	require.NoError(t, err)
	runIdle(t, s)

	require.NoError(t, s.Link(a, b))
	require.NoError(t, s.Link(b, a))
	assert.Equal(t, []value.PID{b}, mustGet(t, s, a).Links())

	require.NoError(t, s.Crash(a, "boom"))
	bb := mustGet(t, s, b)
	assert.Equal(t, StateDead, bb.State())
	assert.Equal(t, "linked process died: boom", bb.ExitInfo().Reason)
	assert.Empty(t, bb.Links())
	assert.Equal(t, int64(2), s.Stats().TotalTerminated)
}

func TestLinkPropagationTrapExit(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, waitSrc)
	a, err := s.Spawn(prog, SpawnOptions{Caps: capability.Receive})
	require.NoError(t, err)
	b, err := s.Spawn(prog, SpawnOptions{Caps: capability.Receive | capability.TrapExit})
	require.NoError(t, err)
	runIdle(t, s)

	require.NoError(t, s.Link(a, b))
	require.NoError(t, s.Crash(a, "boom"))

	bb := mustGet(t, s, b)
	assert.True(t, bb.Alive())
	assert.Equal(t, 1, bb.Mailbox().Count())

	runIdle(t, s)
	msg := topOf(t, bb)
	assert.Equal(t, a, mapField(t, msg, "sender").PID())
	notice := mapField(t, msg, "value")
	assert.Equal(t, "exit", mapField(t, notice, "tag").Str())
	assert.Equal(t, a, mapField(t, notice, "sender").PID())
	assert.Equal(t, "boom", mapField(t, notice, "reason").Str())
	assert.True(t, bb.ExitInfo().Normal())
}

func TestNormalExitDoesNotPropagate(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, waitSrc)
	a, _ := s.Spawn(prog, allCaps())
	b, _ := s.Spawn(prog, allCaps())
	runIdle(t, s)
	require.NoError(t, s.Link(a, b))

	require.NoError(t, s.Exit(a, 0))
	assert.True(t, mustGet(t, s, b).Alive())
	assert.Empty(t, mustGet(t, s, b).Links())
}

func TestRuntimeErrorPropagatesThroughChain(t *testing.T) {
	s := newTestScheduler(t, 0)
	crash := assemble(t, `
    RECEIVE
    POP
    CONST 1
    CONST 0
    DIV
`)
	wait := assemble(t, waitSrc)
	a, _ := s.Spawn(crash, allCaps())
	b, _ := s.Spawn(wait, allCaps())
	c, _ := s.Spawn(wait, allCaps())
	runIdle(t, s)
	require.NoError(t, s.Link(a, b))
	require.NoError(t, s.Link(b, c))

	require.NoError(t, s.Send(a, value.FromInt(1)))
	runIdle(t, s)

	ab := mustGet(t, s, a)
	require.NotNil(t, ab.Err())
	assert.Equal(t, KindDivideByZero, ab.Err().Kind)
	assert.Equal(t, "linked process died: "+ab.Err().Error(), mustGet(t, s, b).ExitInfo().Reason)
	assert.Equal(t, "linked process died: linked process died: "+ab.Err().Error(), mustGet(t, s, c).ExitInfo().Reason)
}

func TestMonitorDeliversDown(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, waitSrc)
	w, _ := s.Spawn(prog, allCaps())
	target, _ := s.Spawn(prog, allCaps())
	runIdle(t, s)

	require.NoError(t, s.Monitor(w, target))
	assert.Equal(t, []value.PID{w}, mustGet(t, s, target).MonitoredBy())
	require.NoError(t, s.Crash(target, "bad"))
	runIdle(t, s)

	wb := mustGet(t, s, w)
	require.Equal(t, StateDead, wb.State())
	assert.True(t, wb.ExitInfo().Normal(), "monitors never kill the watcher")
	notice := mapField(t, topOf(t, wb), "value")
	assert.Equal(t, "down", mapField(t, notice, "tag").Str())
	assert.Equal(t, w, mapField(t, notice, "ref").PID())
	assert.Equal(t, target, mapField(t, notice, "target").PID())
	assert.Equal(t, "bad", mapField(t, notice, "reason").Str())
	assert.Empty(t, wb.Monitors())
}

func TestDownNoticeBypassesFullMailbox(t *testing.T) {
	s := newTestScheduler(t, 0)
	opts := allCaps()
	opts.Limits = DefaultLimits()
	opts.Limits.MaxMailboxSize = 1
	opts.Limits.MailboxPolicy = mailbox.DropNew
	w, err := s.Spawn(assemble(t, `
    RECEIVE
    POP
    RECEIVE
    CONST "value"
    MAP_GET
    HALT
`), opts)
	require.NoError(t, err)
	target, err := s.Spawn(assemble(t, waitSrc), allCaps())
	require.NoError(t, err)

	require.NoError(t, s.Send(w, value.FromInt(1)))
	require.NoError(t, s.Monitor(w, target))
	require.NoError(t, s.Crash(target, "bad"))
	assert.Equal(t, 2, mustGet(t, s, w).Mailbox().Count())
	runIdle(t, s)

	wb := mustGet(t, s, w)
	require.Equal(t, StateDead, wb.State())
	notice := topOf(t, wb)
	assert.Equal(t, "down", mapField(t, notice, "tag").Str())
	assert.Equal(t, "bad", mapField(t, notice, "reason").Str())
	assert.Equal(t, uint64(0), wb.Mailbox().Dropped())
	assert.Equal(t, int64(0), s.Stats().MessagesDropped)
}

func TestMonitorOpcodes(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, `
    HALT

.func child 0
    HALT

.func watch 1 target
    LOAD_LOCAL target
    MONITOR
    RECEIVE
    CONST "value"
    MAP_GET
    HALT
`)
	child, err := s.SpawnFunc(prog, fnRef(t, prog, "child"), nil, allCaps())
	require.NoError(t, err)
	w, err := s.SpawnFunc(prog, fnRef(t, prog, "watch"), []value.Value{value.FromPID(child)}, allCaps())
	require.NoError(t, err)
	runIdle(t, s)

	notice := topOf(t, mustGet(t, s, w))
	assert.Equal(t, "down", mapField(t, notice, "tag").Str())
	assert.True(t, mapField(t, notice, "reason").IsNil(), "normal exit carries nil reason")
}

func TestMonitorUnknownIsNoProc(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, `
    HALT

.func watch 1 target
    LOAD_LOCAL target
    MONITOR
    RECEIVE
    CONST "value"
    MAP_GET
    CONST "reason"
    MAP_GET
    HALT
`)
	w, err := s.SpawnFunc(prog, fnRef(t, prog, "watch"), []value.Value{value.FromPID(999)}, allCaps())
	require.NoError(t, err)
	runIdle(t, s)
	assert.Equal(t, NoProc, topOf(t, mustGet(t, s, w)).Str())
}

func TestLinkOpcodeTargets(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, `
    HALT

.func linker 1 target
    LOAD_LOCAL target
    LINK
    CONST 0
    HALT
`)
	entry := fnRef(t, prog, "linker")
	cases := []struct {
		name   string
		target func(self value.PID) value.Value
		kind   ErrorKind
		ok     bool
	}{
		{"not a pid", func(value.PID) value.Value { return value.FromInt(3) }, KindTypeError, false},
		{"unknown pid", func(value.PID) value.Value { return value.FromPID(9999) }, KindInvalidPid, false},
		{"self", func(self value.PID) value.Value { return value.FromPID(self) }, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			self := s.Registry().NextPID() + 1
			pid, err := s.SpawnFunc(prog, entry, []value.Value{tc.target(self)}, allCaps())
			require.NoError(t, err)
			require.Equal(t, self, pid)
			runIdle(t, s)
			b := mustGet(t, s, pid)
			if tc.ok {
				assert.True(t, b.ExitInfo().Normal(), "exit %+v", b.ExitInfo())
				assert.Empty(t, b.Links())
				return
			}
			require.NotNil(t, b.Err())
			assert.Equal(t, tc.kind, b.Err().Kind)
		})
	}
}

func TestLinkToDeadBlockKillsCaller(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, waitSrc)
	dead, _ := s.Spawn(prog, allCaps())
	live, _ := s.Spawn(prog, SpawnOptions{Caps: capability.Receive})
	runIdle(t, s)
	require.NoError(t, s.Crash(dead, "gone"))

	require.NoError(t, s.Link(live, dead))
	lb := mustGet(t, s, live)
	assert.Equal(t, StateDead, lb.State())
	assert.Equal(t, "linked process died: gone", lb.ExitInfo().Reason)
}

func TestKillIsIdempotent(t *testing.T) {
	s := newTestScheduler(t, 0)
	pid, err := s.Spawn(assemble(t, waitSrc), allCaps())
	require.NoError(t, err)
	runIdle(t, s)
	require.Equal(t, StateWaiting, mustGet(t, s, pid).State())

	require.NoError(t, s.Kill(pid))
	require.NoError(t, s.Kill(pid))
	b := mustGet(t, s, pid)
	assert.Equal(t, StateDead, b.State())
	assert.Equal(t, "killed", b.ExitInfo().Reason)
	assert.Equal(t, int64(1), s.Stats().TotalTerminated)

	err = s.Kill(4242)
	assert.True(t, errors.Is(err, ErrBlockNotFound))
}

func TestKillRunnableBlockLeavesQueue(t *testing.T) {
	s := newTestScheduler(t, 0)
	pid, err := s.Spawn(assemble(t, countdown), allCaps())
	require.NoError(t, err)
	require.NoError(t, s.Kill(pid))
	assert.True(t, s.isIdle())
	runIdle(t, s)
	assert.Equal(t, int64(0), mustGet(t, s, pid).Counters().Reductions)
}

func TestSpawnLimit(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.MaxBlocks = 2
	cfg.Output = nil
	s, err := NewScheduler(cfg)
	require.NoError(t, err)
	prog := assemble(t, waitSrc)

	_, err = s.Spawn(prog, allCaps())
	require.NoError(t, err)
	_, err = s.Spawn(prog, allCaps())
	require.NoError(t, err)
	pid, err := s.Spawn(prog, allCaps())
	assert.Equal(t, value.PIDInvalid, pid)
	assert.True(t, errors.Is(err, ErrSpawnLimitReached))
	assert.Equal(t, 2, s.Registry().Count())
}

func TestSpawnOpcode(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.MaxBlocks = 2
	cfg.Output = nil
	s, err := NewScheduler(cfg)
	require.NoError(t, err)
	prog := assemble(t, `
    LOAD_FN child
    SPAWN
    LOAD_FN child
    SPAWN
    HALT

.func child 0
    HALT
`)
	pid, err := s.Spawn(prog, allCaps())
	require.NoError(t, err)
	runIdle(t, s)

	stack := mustGet(t, s, pid).Interpreter().Stack()
	require.Len(t, stack, 2)
	assert.Equal(t, value.PID(2), stack[0].PID())
	assert.Equal(t, value.PIDInvalid, stack[1].PID(), "spawn past the limit yields pid 0")
	child := mustGet(t, s, 2)
	assert.Equal(t, pid, child.Parent())
	assert.Equal(t, capability.All, child.Capabilities())
}

func TestReceiveTimeout(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, `
    CONST 20
    RECEIVE_AFTER
    CONST "tag"
    MAP_GET
    HALT
`)
	pid, err := s.Spawn(prog, allCaps())
	require.NoError(t, err)
	start := time.Now()
	runIdle(t, s)

	b := mustGet(t, s, pid)
	require.Equal(t, StateDead, b.State(), "err %v", b.Err())
	assert.Equal(t, "timeout", topOf(t, b).Str())
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, int64(0), s.Stats().TimersPending)
}

func TestReceiveBeforeTimeoutCancelsTimer(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, `
    CONST 60000
    RECEIVE_AFTER
    CONST "value"
    MAP_GET
    HALT
`)
	pid, err := s.Spawn(prog, allCaps())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b := mustGet(t, s, pid)
	go func() {
		for b.State() != StateWaiting {
			time.Sleep(time.Millisecond)
		}
		s.Send(pid, value.FromInt(7))
	}()
	require.NoError(t, s.RunUntilIdle(ctx))

	assert.Equal(t, int64(7), topOf(t, b).Int())
	assert.Equal(t, int64(0), s.Stats().TimersPending)
	assert.False(t, s.Wheel().HasPending())
}

func TestZeroTimeoutExpiresImmediately(t *testing.T) {
	s := newTestScheduler(t, 0)
	pid, err := s.Spawn(assemble(t, `
    CONST 0
    RECEIVE_AFTER
    CONST "sender"
    MAP_GET
    HALT
`), allCaps())
	require.NoError(t, err)
	runIdle(t, s)
	assert.Equal(t, value.PIDInvalid, topOf(t, mustGet(t, s, pid)).PID())
}

func TestHugeTimeoutDoesNotExpire(t *testing.T) {
	for _, timeout := range []string{"1e300", "+Inf", "9223372036854775807"} {
		s := newTestScheduler(t, 0)
		pid, err := s.Spawn(assemble(t, `
    CONST `+timeout+`
    RECEIVE_AFTER
    CONST "value"
    MAP_GET
    HALT
`), allCaps())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		b := mustGet(t, s, pid)
		fired := make(chan bool, 1)
		go func() {
			for b.State() != StateWaiting {
				time.Sleep(time.Millisecond)
			}
			time.Sleep(30 * time.Millisecond)
			fired <- b.State() != StateWaiting
			s.Send(pid, value.FromInt(7))
		}()
		require.NoError(t, s.RunUntilIdle(ctx))
		cancel()

		assert.False(t, <-fired, "timeout %s fired early", timeout)
		assert.Equal(t, int64(7), topOf(t, b).Int(), "timeout %s", timeout)
		assert.Equal(t, int64(0), s.Stats().TimersPending)
	}
}

func TestNaNTimeoutExpiresImmediately(t *testing.T) {
	s := newTestScheduler(t, 0)
	pid, err := s.Spawn(assemble(t, `
    CONST NaN
    RECEIVE_AFTER
    CONST "tag"
    MAP_GET
    HALT
`), allCaps())
	require.NoError(t, err)
	runIdle(t, s)
	assert.Equal(t, "timeout", topOf(t, mustGet(t, s, pid)).Str())
	assert.False(t, s.Wheel().HasPending())
}

func TestBlockPolicyBackPressure(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, `
    HALT

.func sink 0
    RECEIVE
    POP
    RECEIVE
    POP
    RECEIVE
    CONST "value"
    MAP_GET
    HALT

.func source 1 target
    LOAD_LOCAL target
    CONST 1
    SEND
    LOAD_LOCAL target
    CONST 2
    SEND
    LOAD_LOCAL target
    CONST 3
    SEND
    HALT
`)
	sinkOpts := allCaps()
	sinkOpts.Limits = Limits{MaxMailboxSize: 1, MailboxPolicy: mailbox.Block}
	sink, err := s.SpawnFunc(prog, fnRef(t, prog, "sink"), nil, sinkOpts)
	require.NoError(t, err)
	src, err := s.SpawnFunc(prog, fnRef(t, prog, "source"), []value.Value{value.FromPID(sink)}, allCaps())
	require.NoError(t, err)
	runIdle(t, s)

	assert.Equal(t, int64(3), topOf(t, mustGet(t, s, sink)).Int())
	stack := mustGet(t, s, src).Interpreter().Stack()
	require.Len(t, stack, 4)
	for _, v := range stack[1:] {
		assert.True(t, v.Truthy(), "every send delivered")
	}
	assert.Equal(t, uint64(0), mustGet(t, s, sink).Mailbox().Dropped())
}

func TestSendToDeadTargetReturnsFalse(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, `
    HALT

.func source 1 target
    LOAD_LOCAL target
    CONST 1
    SEND
    HALT
`)
	dead, _ := s.Spawn(assemble(t, "HALT"), allCaps())
	runIdle(t, s)
	src, err := s.SpawnFunc(prog, fnRef(t, prog, "source"), []value.Value{value.FromPID(dead)}, allCaps())
	require.NoError(t, err)
	runIdle(t, s)

	b := mustGet(t, s, src)
	assert.True(t, b.ExitInfo().Normal())
	assert.True(t, value.Equal(value.False, topOf(t, b)))
}

func TestSendDropNewCountsDrops(t *testing.T) {
	s := newTestScheduler(t, 0)
	opts := allCaps()
	opts.Limits = Limits{MaxMailboxSize: 2, MailboxPolicy: mailbox.DropNew}
	pid, err := s.Spawn(assemble(t, "YIELD\nHALT"), opts)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := s.Send(pid, value.FromInt(int64(i)))
		if i < 2 {
			require.NoError(t, err)
		} else {
			assert.True(t, errors.Is(err, &RuntimeError{Kind: KindMailboxFull}))
		}
	}
	assert.Equal(t, int64(3), s.Stats().MessagesDropped)
	assert.Equal(t, uint64(3), mustGet(t, s, pid).Mailbox().Dropped())
}

func TestWait(t *testing.T) {
	s := newTestScheduler(t, 0)
	pid, err := s.Spawn(assemble(t, waitSrc), allCaps())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	require.NoError(t, s.Send(pid, value.FromInt(1)))
	info, err := s.Wait(ctx, pid)
	require.NoError(t, err)
	assert.True(t, info.Normal())

	s.Stop()
	wg.Wait()
	assert.False(t, s.Running())
}

func TestReap(t *testing.T) {
	s := newTestScheduler(t, 0)
	prog := assemble(t, "HALT")
	for i := 0; i < 5; i++ {
		_, err := s.Spawn(prog, allCaps())
		require.NoError(t, err)
	}
	live, _ := s.Spawn(assemble(t, waitSrc), allCaps())
	runIdle(t, s)

	assert.Equal(t, 5, s.Reap())
	assert.Equal(t, 1, s.Registry().Count())
	_, ok := s.Get(live)
	assert.True(t, ok)
	st := s.Stats()
	assert.Equal(t, 1, st.BlocksWaiting)
	assert.Equal(t, 1, st.BlocksAlive)
}

func TestWorkersRunManyBlocks(t *testing.T) {
	s := newTestScheduler(t, 4)
	prog := assemble(t, `
.local n
    CONST 2000
    STORE_LOCAL n
loop:
    LOAD_LOCAL n
    JUMP_UNLESS done
    POP
    LOAD_LOCAL n
    CONST 1
    SUB
    STORE_LOCAL n
    LOOP loop
done:
    HALT
`)
	const blocks = 200
	for i := 0; i < blocks; i++ {
		_, err := s.Spawn(prog, allCaps())
		require.NoError(t, err)
	}
	runIdle(t, s)

	st := s.Stats()
	assert.Equal(t, blocks, st.BlocksDead)
	assert.Equal(t, int64(blocks), st.TotalTerminated)
	var sum int64
	s.Registry().Range(func(b *Block) bool {
		assert.True(t, b.ExitInfo().Normal())
		sum += b.Counters().Reductions
		return true
	})
	assert.Equal(t, sum, st.TotalReductions)
}

func TestWorkersSpawnFanOut(t *testing.T) {
	s := newTestScheduler(t, 3)
	prog := assemble(t, `
.local i
    CONST 50
    STORE_LOCAL i
loop:
    LOAD_LOCAL i
    JUMP_UNLESS done
    POP
    LOAD_FN child
    SPAWN
    SELF
    SEND
    POP
    LOAD_LOCAL i
    CONST 1
    SUB
    STORE_LOCAL i
    LOOP loop
done:
    HALT

.func child 0
    RECEIVE
    CONST "sender"
    MAP_GET
    CONST 1
    SEND
    HALT
`)
	parent, err := s.Spawn(prog, allCaps())
	require.NoError(t, err)
	runIdle(t, s)

	st := s.Stats()
	assert.Equal(t, 51, st.BlocksDead)
	assert.Equal(t, int64(51), st.TotalSpawned)
	s.Registry().Range(func(b *Block) bool {
		assert.True(t, b.ExitInfo().Normal(), "%s exit %+v", b, b.ExitInfo())
		return true
	})
	assert.Equal(t, int64(50), mustGet(t, s, parent).Counters().MessagesSent)
}

func TestSchedulerStopsOnContext(t *testing.T) {
	for _, workers := range []int{0, 2} {
		s := newTestScheduler(t, workers)
		_, err := s.Spawn(assemble(t, "loop:\nYIELD\nLOOP loop"), allCaps())
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		err = s.Run(ctx)
		cancel()
		assert.True(t, errors.Is(err, context.DeadlineExceeded), "workers=%d err=%v", workers, err)
		assert.False(t, s.Running())
	}
}

func TestWorkersDoNotStarveNewBlocks(t *testing.T) {
	for _, workers := range []int{0, 2} {
		s := newTestScheduler(t, workers)
		spin := assemble(t, "loop:\nNOP\nLOOP loop")
		for i := 0; i < 4; i++ {
			_, err := s.Spawn(spin, allCaps())
			require.NoError(t, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
		time.Sleep(20 * time.Millisecond)

		pid, err := s.Spawn(assemble(t, "HALT"), allCaps())
		require.NoError(t, err)
		wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
		info, err := s.Wait(wctx, pid)
		wcancel()
		require.NoError(t, err, "workers=%d state=%s", workers, mustGet(t, s, pid).State())
		assert.True(t, info.Normal())

		cancel()
		wg.Wait()
	}
}
