// Package mailbox implements the bounded multi-producer/single-consumer
// message queue owned by every block.
//
// Producers link nodes with a single atomic swap on the head pointer; the
// consumer follows next pointers from the tail. The queue never takes a
// lock. Ordering is FIFO per producer; messages from different producers
// interleave in the order their swaps happened.
//
// Under DropOld a producer that finds the mailbox full evicts the oldest
// node itself by advancing the tail with a CAS, the same CAS Pop uses, and
// takes over the evicted node's slot. The number of linked nodes therefore
// never exceeds the limit plus pushes still in flight.
package mailbox

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/chazu/swarm/pkg/value"
)

// Policy decides what happens when a push finds the mailbox at its limit.
type Policy uint8

const (
	// DropNew rejects the incoming message and counts it as dropped.
	DropNew Policy = iota
	// DropOld accepts the incoming message and evicts the oldest one.
	DropOld
	// Block rejects the incoming message without side effects so the
	// sender can retry or fail.
	Block
)

// String returns the config spelling of the policy.
func (p Policy) String() string {
	switch p {
	case DropNew:
		return "drop_new"
	case DropOld:
		return "drop_old"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("Policy(%d)", p)
	}
}

// ParsePolicy accepts drop_new, drop_old and block.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop_new", "DropNew", "":
		return DropNew, nil
	case "drop_old", "DropOld":
		return DropOld, nil
	case "block", "Block":
		return Block, nil
	}
	return DropNew, fmt.Errorf("mailbox: unknown overflow policy %q", s)
}

// Status is the outcome of Push.
type Status uint8

const (
	OK Status = iota
	Full
	Closed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Full:
		return "full"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// Message is a value delivered to a block together with its sender.
type Message struct {
	Sender value.PID
	Value  value.Value
	// Size is the byte footprint of Value, used for accounting only.
	Size int64
	// Ref is non-zero for a receive-timeout notice and names the receive
	// that armed the timer.
	Ref uint64
}

// Config bounds a mailbox.
type Config struct {
	Limit  int
	Policy Policy
}

// DefaultConfig returns a 1024-message DropNew mailbox.
func DefaultConfig() Config {
	return Config{Limit: 1024, Policy: DropNew}
}

type node struct {
	next atomic.Pointer[node]
	msg  Message
}

// Mailbox is a bounded MPSC queue. Push may be called from any goroutine;
// Pop, Close and Drain only from the consumer.
type Mailbox struct {
	head atomic.Pointer[node]
	tail atomic.Pointer[node]

	length  atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Uint64
	closed  atomic.Bool

	limit  int64
	policy Policy
	notify func()
}

// New creates an empty mailbox. A limit <= 0 means unbounded.
func New(cfg Config) *Mailbox {
	stub := &node{}
	m := &Mailbox{
		limit:  int64(cfg.Limit),
		policy: cfg.Policy,
	}
	m.head.Store(stub)
	m.tail.Store(stub)
	return m
}

// OnNonEmpty installs a hook invoked by the producer whose push moved the
// mailbox from empty to non-empty. It must be set before the mailbox is
// shared.
func (m *Mailbox) OnNonEmpty(fn func()) { m.notify = fn }

// Policy returns the overflow policy.
func (m *Mailbox) Policy() Policy { return m.policy }

// Limit returns the message limit (0 = unbounded).
func (m *Mailbox) Limit() int { return int(m.limit) }

// Push enqueues msg.
func (m *Mailbox) Push(msg Message) Status {
	if m.closed.Load() {
		return Closed
	}

	var wasEmpty bool
	if m.limit <= 0 {
		wasEmpty = m.length.Add(1) == 1
	} else {
	reserve:
		for {
			n := m.length.Load()
			if n < m.limit {
				if m.length.CompareAndSwap(n, n+1) {
					wasEmpty = n == 0
					break
				}
				continue
			}
			switch m.policy {
			case DropNew:
				m.dropped.Add(1)
				return Full
			case DropOld:
				if m.evictOldest() {
					break reserve
				}
				runtime.Gosched()
			default:
				return Full
			}
		}
	}

	m.link(msg)
	if wasEmpty && m.notify != nil {
		m.notify()
	}
	return OK
}

// PushSystem enqueues msg ignoring the limit. It is meant for notices the
// runtime generates and must not lose.
func (m *Mailbox) PushSystem(msg Message) Status {
	if m.closed.Load() {
		return Closed
	}
	wasEmpty := m.length.Add(1) == 1
	m.link(msg)
	if wasEmpty && m.notify != nil {
		m.notify()
	}
	return OK
}

func (m *Mailbox) link(msg Message) {
	n := &node{msg: msg}
	m.bytes.Add(msg.Size)
	prev := m.head.Swap(n)
	prev.next.Store(n)
}

// evictOldest discards the oldest linked message and hands its slot to the
// caller. It returns false when no message is linked yet or another
// goroutine advanced the tail first.
func (m *Mailbox) evictOldest() bool {
	t := m.tail.Load()
	next := t.next.Load()
	if next == nil {
		return false
	}
	size := next.msg.Size
	if !m.tail.CompareAndSwap(t, next) {
		return false
	}
	m.bytes.Add(-size)
	m.dropped.Add(1)
	return true
}

// Pop dequeues the oldest message.
func (m *Mailbox) Pop() (Message, bool) {
	for {
		t := m.tail.Load()
		next := t.next.Load()
		if next == nil {
			if m.length.Load() <= 0 {
				return Message{}, false
			}
			// A producer has reserved a slot but not linked its node yet.
			runtime.Gosched()
			continue
		}
		msg := next.msg
		if !m.tail.CompareAndSwap(t, next) {
			// An evicting producer took the oldest node.
			continue
		}
		m.bytes.Add(-msg.Size)
		m.length.Add(-1)
		return msg, true
	}
}

// Empty reports whether no message is pending. The answer may be stale by
// the time the caller acts on it.
func (m *Mailbox) Empty() bool { return m.length.Load() <= 0 }

// Count returns the number of queued messages, including any a producer
// has reserved but not linked yet.
func (m *Mailbox) Count() int {
	n := m.length.Load()
	if n < 0 {
		n = 0
	}
	return int(n)
}

// Dropped returns the number of messages rejected or evicted so far.
func (m *Mailbox) Dropped() uint64 { return m.dropped.Load() }

// Bytes returns the accounted footprint of queued messages.
func (m *Mailbox) Bytes() int64 { return m.bytes.Load() }

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool { return m.closed.Load() }

// Seal rejects further pushes without touching queued messages. Unlike
// Close it is safe to call from any goroutine.
func (m *Mailbox) Seal() { m.closed.Store(true) }

// Close rejects further pushes and discards queued messages. It returns the
// number of messages discarded.
func (m *Mailbox) Close() int {
	m.closed.Store(true)
	return len(m.Drain())
}

// Drain removes and returns every queued message.
func (m *Mailbox) Drain() []Message {
	var out []Message
	for {
		msg, ok := m.Pop()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}
