package dist

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/swarm/pkg/bytecode"
	"github.com/chazu/swarm/pkg/capability"
	"github.com/chazu/swarm/pkg/value"
	"github.com/chazu/swarm/vm"
)

const testCookie = 0x5eed5eed

type delivery struct {
	sender, to value.PID
	v          value.Value
}

type recorder struct {
	ch chan delivery
}

func newRecorder() *recorder { return &recorder{ch: make(chan delivery, 16)} }

func (r *recorder) SendFrom(sender, to value.PID, v value.Value) error {
	r.ch <- delivery{sender: sender, to: to, v: v}
	return nil
}

type events struct {
	up, down chan string
}

func watch(n *Node) *events {
	e := &events{up: make(chan string, 16), down: make(chan string, 16)}
	n.OnNodeUp(func(p string) { e.up <- p })
	n.OnNodeDown(func(p string) { e.down <- p })
	return e
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func expectQuiet(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case p := <-ch:
		t.Fatalf("unexpected event for %q", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func testConfig(name string) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Cookie = testCookie
	cfg.HeartbeatMs = 50
	cfg.TimeoutMs = 2000
	return cfg
}

func startNode(t *testing.T, cfg Config, local Delivery) *Node {
	t.Helper()
	n := NewNode(cfg, local)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop() })
	return n
}

func connect(t *testing.T, from, to *Node) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	peer, err := from.Connect(ctx, to.Addr().String())
	require.NoError(t, err)
	return peer
}

// rawDial opens a socket to n and sends a handshake, bypassing Node.
func rawDial(t *testing.T, n *Node, cookie uint64, name string) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", n.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	p, err := Handshake{Version: ProtocolVersion, Cookie: cookie, Name: name}.Encode()
	require.NoError(t, err)
	require.NoError(t, WriteFrame(nc, FrameHandshake, p))
	return nc
}

func readHandshake(t *testing.T, nc net.Conn) Handshake {
	t.Helper()
	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	f, err := ReadFrame(nc)
	require.NoError(t, err)
	require.Equal(t, FrameHandshake, f.Type)
	h, err := DecodeHandshake(f.Payload)
	require.NoError(t, err)
	return h
}

func TestNode_CookieRequired(t *testing.T) {
	n := NewNode(DefaultConfig(), nil)
	err := n.Start(context.Background())
	assert.True(t, errors.Is(err, ErrCookieRequired), "err = %v", err)
	assert.Nil(t, n.Addr())
}

func TestNode_BindFailed(t *testing.T) {
	a := startNode(t, testConfig("alpha"), nil)
	cfg := testConfig("beta")
	cfg.Port = a.ID().Port
	err := NewNode(cfg, nil).Start(context.Background())
	assert.True(t, errors.Is(err, ErrBindFailed), "err = %v", err)
}

func TestNode_ID(t *testing.T) {
	a := startNode(t, testConfig("alpha"), nil)
	id := a.ID()
	assert.NotZero(t, id.Port)
	assert.Equal(t, "alpha@"+a.Addr().String(), id.String())
	assert.NotEqual(t, id.Creation, NewNode(testConfig("alpha"), nil).ID().Creation)
}

func TestNode_ConnectAndSend(t *testing.T) {
	rec := newRecorder()
	a := startNode(t, testConfig("alpha"), nil)
	b := startNode(t, testConfig("beta"), rec)
	ea, eb := watch(a), watch(b)

	assert.Equal(t, "beta", connect(t, a, b))
	waitFor(t, ea.up, "beta")
	waitFor(t, eb.up, "alpha")
	assert.Equal(t, []string{"beta"}, a.Peers())
	assert.Equal(t, []string{"alpha"}, b.Peers())

	out, ok := a.Conn("beta")
	require.True(t, ok)
	assert.Equal(t, StateConnected, out.State())
	assert.False(t, out.Inbound())
	in, ok := b.Conn("alpha")
	require.True(t, ok)
	assert.True(t, in.Inbound())

	msg := value.DetachedMap([]string{"op", "n"}, []value.Value{value.DetachedString("add"), value.FromInt(2)})
	require.NoError(t, a.Send("beta", 5, 3, msg))

	select {
	case d := <-rec.ch:
		assert.Equal(t, value.PID(3), d.sender)
		assert.Equal(t, value.PID(5), d.to)
		assert.True(t, value.Equal(msg, d.v))
	case <-time.After(3 * time.Second):
		t.Fatal("send was not delivered")
	}
	assert.Equal(t, int64(1), b.Stats().Delivered)
	assert.Equal(t, int64(1), a.Stats().Dialed)
	assert.Equal(t, int64(1), b.Stats().Accepted)

	err := a.Send("gamma", 1, 1, value.Nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestNode_CookieMismatch(t *testing.T) {
	a := startNode(t, testConfig("alpha"), nil)
	cfg := testConfig("beta")
	cfg.Cookie = testCookie + 1
	b := startNode(t, cfg, nil)
	eb := watch(b)

	_, err := a.Connect(context.Background(), b.Addr().String())
	assert.True(t, errors.Is(err, ErrHandshakeFailed), "err = %v", err)
	assert.Empty(t, a.Peers())
	assert.Empty(t, b.Peers())
	require.Eventually(t, func() bool { return b.Stats().HandshakeFailures == 1 }, 3*time.Second, 10*time.Millisecond)
	expectQuiet(t, eb.up)
}

func TestNode_ConnectFailed(t *testing.T) {
	a := startNode(t, testConfig("alpha"), nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = a.Connect(context.Background(), addr)
	assert.True(t, errors.Is(err, ErrConnectFailed), "err = %v", err)
}

func TestNode_PolicyRefusesPeer(t *testing.T) {
	a := startNode(t, testConfig("alpha"), nil)
	cfg := testConfig("beta")
	cfg.Policy = NewRestrictedPolicy([]string{"gamma"})
	b := startNode(t, cfg, nil)

	_, err := a.Connect(context.Background(), b.Addr().String())
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
	assert.Empty(t, b.Peers())
}

func TestNode_DuplicatePeerRefused(t *testing.T) {
	a := startNode(t, testConfig("alpha"), nil)
	b := startNode(t, testConfig("beta"), nil)
	connect(t, a, b)

	_, err := a.Connect(context.Background(), b.Addr().String())
	assert.True(t, errors.Is(err, ErrHandshakeFailed), "err = %v", err)
	assert.Equal(t, []string{"beta"}, a.Peers())
}

func TestNode_DisconnectFiresDownOnce(t *testing.T) {
	a := startNode(t, testConfig("alpha"), nil)
	b := startNode(t, testConfig("beta"), nil)
	ea, eb := watch(a), watch(b)
	connect(t, a, b)
	waitFor(t, ea.up, "beta")
	waitFor(t, eb.up, "alpha")
	c, _ := a.Conn("beta")

	require.NoError(t, a.Disconnect("beta"))
	waitFor(t, ea.down, "beta")
	waitFor(t, eb.down, "alpha")
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, a.Peers())
	assert.Empty(t, b.Peers())

	assert.True(t, errors.Is(a.Disconnect("beta"), ErrNotConnected))
	expectQuiet(t, ea.down)
	expectQuiet(t, eb.down)
}

func TestNode_SkipsReservedAndUnknownFrames(t *testing.T) {
	rec := newRecorder()
	b := startNode(t, testConfig("beta"), rec)

	nc := rawDial(t, b, testCookie, "raw")
	assert.Equal(t, "beta", readHandshake(t, nc).Name)

	require.NoError(t, WriteFrame(nc, FrameLink, []byte{1, 2, 3}))
	require.NoError(t, WriteFrame(nc, FrameType(0x42), make([]byte, 4096)))
	p, err := EncodeSend(1, 2, value.FromInt(99))
	require.NoError(t, err)
	require.NoError(t, WriteFrame(nc, FrameSend, p))

	select {
	case d := <-rec.ch:
		assert.Equal(t, int64(99), d.v.Int())
	case <-time.After(3 * time.Second):
		t.Fatal("send after skipped frames was not delivered")
	}
	assert.Equal(t, int64(2), b.Stats().Skipped)
	assert.Equal(t, []string{"raw"}, b.Peers())
}

func TestNode_OversizedFrameDropsPeer(t *testing.T) {
	b := startNode(t, testConfig("beta"), nil)
	eb := watch(b)
	nc := rawDial(t, b, testCookie, "raw")
	readHandshake(t, nc)
	waitFor(t, eb.up, "raw")
	c, ok := b.Conn("raw")
	require.True(t, ok)

	hdr := []byte{byte(FrameSend), 0x01, 0x00, 0x00, 0x01} // MaxFrameSize + 1
	_, err := nc.Write(hdr)
	require.NoError(t, err)

	waitFor(t, eb.down, "raw")
	assert.Equal(t, StateFailed, c.State())
	rep := b.Reputation().GetReputation("127.0.0.1")
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.FrameErrors)
}

func TestNode_ReadTimeoutFailsConnection(t *testing.T) {
	cfg := testConfig("beta")
	cfg.TimeoutMs = 150
	b := startNode(t, cfg, nil)
	eb := watch(b)

	nc := rawDial(t, b, testCookie, "silent")
	readHandshake(t, nc)
	waitFor(t, eb.up, "silent")
	c, ok := b.Conn("silent")
	require.True(t, ok)

	waitFor(t, eb.down, "silent")
	assert.Equal(t, StateFailed, c.State())
}

func TestNode_HeartbeatsKeepConnectionAlive(t *testing.T) {
	cfg := testConfig("alpha")
	cfg.TimeoutMs = 300
	a := startNode(t, cfg, nil)
	cfg = testConfig("beta")
	cfg.TimeoutMs = 300
	b := startNode(t, cfg, nil)
	eb := watch(b)
	connect(t, a, b)
	waitFor(t, eb.up, "alpha")

	time.Sleep(800 * time.Millisecond)
	c, ok := b.Conn("alpha")
	require.True(t, ok, "connection dropped despite heartbeats")
	assert.Equal(t, StateConnected, c.State())
	assert.Greater(t, c.FramesIn(), int64(5))
	assert.WithinDuration(t, time.Now(), c.LastHeartbeat(), 250*time.Millisecond)
	expectQuiet(t, eb.down)
}

func TestNode_BannedHostIsRefused(t *testing.T) {
	cfg := testConfig("beta")
	cfg.BanThreshold = 1
	b := startNode(t, cfg, nil)

	nc := rawDial(t, b, testCookie+1, "intruder")
	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := ReadFrame(nc)
	assert.Error(t, err, "bad cookie gets no handshake back")
	require.Eventually(t, func() bool { return b.Reputation().IsBanned("127.0.0.1") }, 3*time.Second, 10*time.Millisecond)

	a := startNode(t, testConfig("alpha"), nil)
	_, err = a.Connect(context.Background(), b.Addr().String())
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
	assert.Empty(t, b.Peers())
}

func TestNode_StopReleasesPeers(t *testing.T) {
	a := startNode(t, testConfig("alpha"), nil)
	b := startNode(t, testConfig("beta"), nil)
	ea, eb := watch(a), watch(b)
	connect(t, a, b)
	waitFor(t, eb.up, "alpha")

	require.NoError(t, b.Stop())
	waitFor(t, eb.down, "alpha")
	waitFor(t, ea.down, "beta")

	_, err := b.Connect(context.Background(), a.Addr().String())
	assert.True(t, errors.Is(err, ErrNodeStopped))
	assert.NoError(t, b.Stop())
}

func TestNode_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := NewNode(testConfig("alpha"), nil)
	require.NoError(t, n.Start(ctx))
	addr := n.Addr().String()
	cancel()

	require.Eventually(t, func() bool {
		nc, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		nc.Close()
		return false
	}, 3*time.Second, 20*time.Millisecond)
	n.Stop()
}

func TestNode_DeliversToScheduler(t *testing.T) {
	prog, err := bytecode.AssembleString(`
    RECEIVE
    HALT
`)
	require.NoError(t, err)
	cfg := vm.DefaultSchedulerConfig()
	cfg.Output = nil
	sched, err := vm.NewScheduler(cfg)
	require.NoError(t, err)
	pid, err := sched.Spawn(prog, vm.SpawnOptions{Caps: capability.All})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.RunUntilIdle(ctx))

	a := startNode(t, testConfig("alpha"), nil)
	b := startNode(t, testConfig("beta"), sched)
	connect(t, a, b)

	msg := value.DetachedArray([]value.Value{value.DetachedString("hi"), value.FromInt(99)})
	require.NoError(t, a.Send("beta", pid, 77, msg))
	require.NoError(t, a.Send("beta", 4040, 77, value.Nil), "unknown targets are dropped by the receiver")

	block, ok := sched.Get(pid)
	require.True(t, ok)
	require.Eventually(t, func() bool { return block.State() == vm.StateRunnable }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, sched.RunUntilIdle(ctx))

	require.Equal(t, vm.StateDead, block.State())
	top, ok := block.Interpreter().Top()
	require.True(t, ok)
	sender, _ := top.Map().Get("sender")
	got, _ := top.Map().Get("value")
	assert.Equal(t, value.PID(77), sender.PID())
	assert.True(t, value.Equal(msg, got))
	require.Eventually(t, func() bool { return b.Stats().Undeliverable == 1 }, 3*time.Second, 5*time.Millisecond)
}
