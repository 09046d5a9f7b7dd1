package dist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/swarm/pkg/value"
)

var log = commonlog.GetLogger("swarm.dist")

// Delivery hands values from Send frames to local blocks. *vm.Scheduler
// implements it.
type Delivery interface {
	SendFrom(sender, to value.PID, v value.Value) error
}

// Config configures a Node.
type Config struct {
	Name   string
	Host   string
	Port   int // 0 picks a free port
	Cookie uint64

	HeartbeatMs int64
	TimeoutMs   int64 // read and handshake timeout

	// BanThreshold is the number of handshake failures and protocol
	// violations after which a host is refused.
	BanThreshold int
	Policy       *PeerPolicy
}

// DefaultConfig returns a loopback node configuration without a cookie.
func DefaultConfig() Config {
	return Config{
		Name:         "swarm",
		Host:         "127.0.0.1",
		HeartbeatMs:  1000,
		TimeoutMs:    5000,
		BanThreshold: defaultBanThreshold,
	}
}

// NodeID identifies a running node. Creation changes on every NewNode, so
// a restarted node with the same name can be told apart in logs.
type NodeID struct {
	Name     string
	Host     string
	Port     int
	Creation uuid.UUID
}

// String renders name@host:port.
func (id NodeID) String() string {
	return id.Name + "@" + net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// Stats is a snapshot of node counters.
type Stats struct {
	Peers             int
	Accepted          int64
	Dialed            int64
	HandshakeFailures int64
	FramesIn          int64
	FramesOut         int64
	BytesIn           int64
	BytesOut          int64
	Delivered         int64
	Undeliverable     int64
	Skipped           int64
}

// Node accepts and dials peer connections and routes Send frames to a
// local Delivery.
type Node struct {
	cfg        Config
	id         NodeID
	local      Delivery
	reputation *PeerStore

	mu      sync.Mutex
	peers   map[string]*Conn
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	group   errgroup.Group
	started bool
	stopped bool
	onUp    func(peer string)
	onDown  func(peer string)

	accepted          atomic.Int64
	dialed            atomic.Int64
	handshakeFailures atomic.Int64
	framesIn          atomic.Int64
	framesOut         atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	delivered         atomic.Int64
	undeliverable     atomic.Int64
	skipped           atomic.Int64
}

// NewNode creates a node. Zero config fields take DefaultConfig values;
// the cookie is checked by Start.
func NewNode(cfg Config, local Delivery) *Node {
	d := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.HeartbeatMs <= 0 {
		cfg.HeartbeatMs = d.HeartbeatMs
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = d.TimeoutMs
	}
	return &Node{
		cfg:        cfg,
		id:         NodeID{Name: cfg.Name, Host: cfg.Host, Port: cfg.Port, Creation: uuid.New()},
		local:      local,
		reputation: NewPeerStore(cfg.BanThreshold),
		peers:      make(map[string]*Conn),
	}
}

// OnNodeUp installs a callback fired once per connection after its
// handshake succeeds.
func (n *Node) OnNodeUp(fn func(peer string)) {
	n.mu.Lock()
	n.onUp = fn
	n.mu.Unlock()
}

// OnNodeDown installs a callback fired once per connection when it closes
// for any reason.
func (n *Node) OnNodeDown(fn func(peer string)) {
	n.mu.Lock()
	n.onDown = fn
	n.mu.Unlock()
}

// ID returns the node identity. The port is filled in by Start.
func (n *Node) ID() NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// Addr returns the listener address, or nil before Start.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

// Reputation returns the host reputation store.
func (n *Node) Reputation() *PeerStore { return n.reputation }

func (n *Node) timeout() time.Duration { return time.Duration(n.cfg.TimeoutMs) * time.Millisecond }

// Start binds the listener and begins accepting connections. The node runs
// until ctx is done or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	if n.cfg.Cookie == 0 {
		return nodeErr(CookieRequired, "", errors.New("a non-zero cookie is required"))
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return fmt.Errorf("dist: node %s already started", n.id)
	}
	lc := net.ListenConfig{Control: listenControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nodeErr(BindFailed, addr, err)
	}
	n.ln = ln
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		n.id.Port = ta.Port
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.started = true
	context.AfterFunc(n.ctx, func() { n.Stop() })
	n.group.Go(func() error {
		n.acceptLoop(ln)
		return nil
	})
	log.Info("node listening", "node", n.id.String(), "creation", n.id.Creation.String())
	return nil
}

// Stop closes the listener and every connection, then waits for all
// connection tasks to finish. It is safe to call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	first := !n.stopped
	n.stopped = true
	conns := make([]*Conn, 0, len(n.peers))
	for _, c := range n.peers {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	if first {
		n.cancel()
		n.ln.Close()
		for _, c := range conns {
			c.closing.Store(true)
			c.close()
		}
	}
	err := n.group.Wait()
	if first {
		log.Info("node stopped", "node", n.id.String())
	}
	return err
}

// goTask runs fn in the node's task group unless the node is stopping.
func (n *Node) goTask(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return false
	}
	n.group.Go(func() error {
		fn()
		return nil
	})
	return true
}

func (n *Node) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warning("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !n.goTask(func() { n.serveInbound(nc) }) {
			nc.Close()
			return
		}
	}
}

func (n *Node) serveInbound(nc net.Conn) {
	c := newConn(n, nc, true)
	if n.reputation.IsBanned(c.host) {
		log.Warning("refusing banned host", "host", c.host)
		nc.Close()
		return
	}
	n.accepted.Add(1)
	if err := c.handshake(false); err != nil {
		n.handshakeFailed(c, err)
		return
	}
	if err := n.register(c); err != nil {
		n.handshakeFailed(c, err)
		return
	}
	if !n.goTask(c.heartbeat) {
		n.release(c, ErrNodeStopped)
		return
	}
	c.receive()
}

// Connect dials addr, performs the handshake and starts the connection
// tasks. It returns the peer's node name.
func (n *Node) Connect(ctx context.Context, addr string) (string, error) {
	n.mu.Lock()
	ready := n.started && !n.stopped
	n.mu.Unlock()
	if !ready {
		return "", ErrNodeStopped
	}

	d := net.Dialer{Timeout: n.timeout()}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", nodeErr(ConnectFailed, addr, err)
	}
	n.dialed.Add(1)
	c := newConn(n, nc, false)
	c.setState(StateConnecting)
	if err := c.handshake(true); err != nil {
		n.handshakeFailed(c, err)
		return "", nodeErr(HandshakeFailed, addr, err)
	}
	if err := n.register(c); err != nil {
		n.handshakeFailed(c, err)
		return "", nodeErr(HandshakeFailed, addr, err)
	}
	if !n.goTask(c.heartbeat) || !n.goTask(c.receive) {
		c.close()
		n.release(c, ErrNodeStopped)
		return "", ErrNodeStopped
	}
	return c.peer, nil
}

func (n *Node) handshakeFailed(c *Conn, err error) {
	c.setState(StateFailed)
	c.close()
	n.handshakeFailures.Add(1)
	if !errors.Is(err, ErrDuplicatePeer) && !errors.Is(err, ErrNodeStopped) {
		n.reputation.RecordHandshakeFailure(c.host)
	}
	log.Warning("handshake failed", "addr", c.addr, "inbound", c.inbound, "error", err)
}

// register adds a handshaken connection to the peer table and fires
// on_node_up.
func (n *Node) register(c *Conn) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrNodeStopped
	}
	if _, dup := n.peers[c.peer]; dup {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, c.peer)
	}
	n.peers[c.peer] = c
	c.setState(StateConnected)
	onUp := n.onUp
	n.mu.Unlock()

	n.reputation.RecordConnect(c.host)
	log.Info("node up", "peer", c.peer, "addr", c.addr, "inbound", c.inbound)
	if onUp != nil {
		onUp(c.peer)
	}
	return nil
}

// release retires a registered connection. Only the first call per
// connection has any effect.
func (n *Node) release(c *Conn, cause error) {
	c.downOnce.Do(func() {
		c.close()
		n.mu.Lock()
		if n.peers[c.peer] == c {
			delete(n.peers, c.peer)
		}
		onDown := n.onDown
		n.mu.Unlock()

		if cause != nil && !c.closing.Load() {
			c.setState(StateFailed)
			log.Warning("node down", "peer", c.peer, "error", cause)
		} else {
			c.setState(StateDisconnected)
			log.Info("node down", "peer", c.peer)
		}
		if onDown != nil {
			onDown(c.peer)
		}
		close(c.released)
	})
}

// Disconnect closes the connection to a peer, waits for its receiver to
// exit and fires on_node_down.
func (n *Node) Disconnect(peer string) error {
	c, ok := n.Conn(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	c.closing.Store(true)
	c.shutdown()
	<-c.released
	return nil
}

// Send encodes v and sends it to block target on peer.
func (n *Node) Send(peer string, target, sender value.PID, v value.Value) error {
	c, ok := n.Conn(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	payload, err := EncodeSend(target, sender, v)
	if err != nil {
		return err
	}
	return c.writeFrame(FrameSend, payload)
}

// Conn returns the live connection to a peer.
func (n *Node) Conn(peer string) (*Conn, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.peers[peer]
	return c, ok
}

// Peers returns the names of connected peers in sorted order.
func (n *Node) Peers() []string {
	n.mu.Lock()
	names := make([]string, 0, len(n.peers))
	for name := range n.peers {
		names = append(names, name)
	}
	n.mu.Unlock()
	sort.Strings(names)
	return names
}

// deliver routes a Send frame to the local Delivery. Undeliverable values
// are dropped.
func (n *Node) deliver(c *Conn, payload []byte) error {
	target, sender, v, err := DecodeSend(payload)
	if err != nil {
		return err
	}
	if n.local == nil {
		n.undeliverable.Add(1)
		return nil
	}
	if err := n.local.SendFrom(sender, target, v); err != nil {
		n.undeliverable.Add(1)
		log.Debug("dropping remote send", "peer", c.peer, "target", target, "error", err)
		return nil
	}
	n.delivered.Add(1)
	return nil
}

// Stats returns a snapshot of the node counters.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	peers := len(n.peers)
	n.mu.Unlock()
	return Stats{
		Peers:             peers,
		Accepted:          n.accepted.Load(),
		Dialed:            n.dialed.Load(),
		HandshakeFailures: n.handshakeFailures.Load(),
		FramesIn:          n.framesIn.Load(),
		FramesOut:         n.framesOut.Load(),
		BytesIn:           n.bytesIn.Load(),
		BytesOut:          n.bytesOut.Load(),
		Delivered:         n.delivered.Load(),
		Undeliverable:     n.undeliverable.Load(),
		Skipped:           n.skipped.Load(),
	}
}
