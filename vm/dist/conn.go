package dist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// Conn is one peer connection. The receiver task owns the read side;
// writes from any goroutine are serialized by wmu.
type Conn struct {
	node    *Node
	nc      net.Conn
	r       *bufio.Reader
	addr    string
	host    string
	inbound bool
	peer    string

	state         atomic.Int32
	closing       atomic.Bool
	lastHeartbeat atomic.Int64 // unix nanoseconds
	framesIn      atomic.Int64
	framesOut     atomic.Int64

	wmu       sync.Mutex
	closeOnce sync.Once
	downOnce  sync.Once
	released  chan struct{}
}

func newConn(n *Node, nc net.Conn, inbound bool) *Conn {
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	addr := nc.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	c := &Conn{
		node:     n,
		nc:       nc,
		r:        bufio.NewReader(nc),
		addr:     addr,
		host:     host,
		inbound:  inbound,
		released: make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

// Peer returns the remote node name.
func (c *Conn) Peer() string { return c.peer }

// RemoteAddr returns the remote socket address.
func (c *Conn) RemoteAddr() string { return c.addr }

// Inbound reports whether the peer dialed us.
func (c *Conn) Inbound() bool { return c.inbound }

// State returns the connection state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) setState(s ConnState) { c.state.Store(int32(s)) }

// LastHeartbeat returns when the last heartbeat arrived.
func (c *Conn) LastHeartbeat() time.Time { return time.Unix(0, c.lastHeartbeat.Load()) }

// FramesIn returns the number of frames read.
func (c *Conn) FramesIn() int64 { return c.framesIn.Load() }

// FramesOut returns the number of frames written.
func (c *Conn) FramesOut() int64 { return c.framesOut.Load() }

// Done is closed once the connection has been released.
func (c *Conn) Done() <-chan struct{} { return c.released }

func (c *Conn) close() {
	c.closeOnce.Do(func() { c.nc.Close() })
}

// shutdown sends FIN before closing so the peer sees an orderly end of
// stream.
func (c *Conn) shutdown() {
	if tc, ok := c.nc.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	c.close()
}

func (c *Conn) writeFrame(t FrameType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(c.node.timeout()))
	if err := WriteFrame(c.nc, t, payload); err != nil {
		return err
	}
	c.framesOut.Add(1)
	c.node.framesOut.Add(1)
	c.node.bytesOut.Add(int64(frameHeaderLen + len(payload)))
	log.Debugf("-> %s %s (%d bytes)", c.peer, t, len(payload))
	return nil
}

// handshake exchanges handshakes. The initiator speaks first; the acceptor
// answers only once the initiator's handshake checks out.
func (c *Conn) handshake(initiator bool) error {
	c.nc.SetDeadline(time.Now().Add(c.node.timeout()))
	defer c.nc.SetDeadline(time.Time{})

	cfg := c.node.cfg
	ours, err := Handshake{Version: ProtocolVersion, Cookie: cfg.Cookie, Name: cfg.Name}.Encode()
	if err != nil {
		return err
	}
	if initiator {
		if err := c.writeFrame(FrameHandshake, ours); err != nil {
			return err
		}
	}

	f, err := ReadFrame(c.r)
	if err != nil {
		return err
	}
	if f.Type != FrameHandshake {
		return nodeErr(MalformedFrame, c.addr, fmt.Errorf("expected handshake, got %s", f.Type))
	}
	theirs, err := DecodeHandshake(f.Payload)
	if err != nil {
		return err
	}
	if err := theirs.verify(cfg.Cookie); err != nil {
		return err
	}
	if err := cfg.Policy.Check(theirs.Name); err != nil {
		return err
	}

	if !initiator {
		if err := c.writeFrame(FrameHandshake, ours); err != nil {
			return err
		}
	}
	c.peer = theirs.Name
	return nil
}

// receive reads frames until the connection fails or is closed, then
// releases it.
func (c *Conn) receive() {
	n := c.node
	timeout := n.timeout()
	var cause error
	for {
		c.nc.SetReadDeadline(time.Now().Add(timeout))
		f, err := ReadFrame(c.r)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrMalformedFrame) {
				n.reputation.RecordFrameError(c.host)
			}
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			break
		}
		c.framesIn.Add(1)
		n.framesIn.Add(1)
		n.bytesIn.Add(int64(frameHeaderLen) + int64(f.Len))

		switch f.Type {
		case FrameHeartbeat:
			c.lastHeartbeat.Store(time.Now().UnixNano())
		case FrameSend:
			err = n.deliver(c, f.Payload)
		case FrameHandshake:
			log.Debug("ignoring repeated handshake", "peer", c.peer)
			n.skipped.Add(1)
		default:
			log.Debugf("<- %s skipped %s (%d bytes)", c.peer, f.Type, f.Len)
			n.skipped.Add(1)
		}
		if err != nil {
			n.reputation.RecordFrameError(c.host)
			cause = err
			break
		}
	}
	n.release(c, cause)
}

// heartbeat sends a heartbeat frame every heartbeat interval until the
// connection is released or the node stops.
func (c *Conn) heartbeat() {
	t := time.NewTicker(time.Duration(c.node.cfg.HeartbeatMs) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-c.node.ctx.Done():
			return
		case <-c.released:
			return
		case <-t.C:
			if err := c.writeFrame(FrameHeartbeat, nil); err != nil {
				log.Debug("heartbeat failed", "peer", c.peer, "error", err)
				c.close()
				return
			}
		}
	}
}
