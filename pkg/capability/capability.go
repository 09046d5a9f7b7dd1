// Package capability defines the permission bitmask checked by the
// interpreter before executing privileged opcodes and host calls.
package capability

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync/atomic"
)

// Cap is a single capability bit, or a union of bits.
type Cap uint32

const (
	Spawn Cap = 1 << iota
	Send
	Receive
	Infer
	Http
	FileRead
	FileWrite
	Db
	Memory
	Link
	Shell
	Exec
	TrapExit
	Monitor
	Supervise
	Env
	WebSocket

	// None grants nothing.
	None Cap = 0

	// All grants every defined capability.
	All = WebSocket<<1 - 1
)

var names = map[Cap]string{
	Spawn:     "spawn",
	Send:      "send",
	Receive:   "receive",
	Infer:     "infer",
	Http:      "http",
	FileRead:  "file_read",
	FileWrite: "file_write",
	Db:        "db",
	Memory:    "memory",
	Link:      "link",
	Shell:     "shell",
	Exec:      "exec",
	TrapExit:  "trap_exit",
	Monitor:   "monitor",
	Supervise: "supervise",
	Env:       "env",
	WebSocket: "websocket",
}

// Has reports whether every bit of want is present in c.
func (c Cap) Has(want Cap) bool { return c&want == want }

// Count returns the number of bits set.
func (c Cap) Count() int { return bits.OnesCount32(uint32(c)) }

// Names returns the names of the bits set, in bit order.
func (c Cap) Names() []string {
	var out []string
	for bit := Spawn; bit <= WebSocket; bit <<= 1 {
		if c&bit != 0 {
			out = append(out, names[bit])
		}
	}
	return out
}

// String renders the set as "spawn|send" or "none"/"all".
func (c Cap) String() string {
	switch c {
	case None:
		return "none"
	case All:
		return "all"
	}
	if n, ok := names[c]; ok {
		return n
	}
	ns := c.Names()
	if c&^All != 0 {
		ns = append(ns, fmt.Sprintf("0x%x", uint32(c&^All)))
	}
	return strings.Join(ns, "|")
}

// Parse converts a list of names into a Cap. Names are case-insensitive;
// "all" and "none" are accepted.
func Parse(list []string) (Cap, error) {
	var c Cap
	for _, raw := range list {
		n := strings.ToLower(strings.TrimSpace(raw))
		switch n {
		case "all":
			c |= All
			continue
		case "none", "":
			continue
		}
		found := false
		for bit, name := range names {
			if name == n {
				c |= bit
				found = true
				break
			}
		}
		if !found {
			return None, fmt.Errorf("capability: unknown capability %q (known: %s)", raw, strings.Join(Known(), ", "))
		}
	}
	return c, nil
}

// Known returns every capability name, sorted.
func Known() []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Set is a concurrently readable capability set. Grants and revocations
// are atomic.
type Set struct {
	bits atomic.Uint32
}

// NewSet returns a set holding c.
func NewSet(c Cap) *Set {
	s := &Set{}
	s.bits.Store(uint32(c))
	return s
}

// Load returns the current capabilities.
func (s *Set) Load() Cap { return Cap(s.bits.Load()) }

// Has reports whether every bit of c is held.
func (s *Set) Has(c Cap) bool { return s.Load().Has(c) }

// Grant widens the set by c.
func (s *Set) Grant(c Cap) {
	for {
		old := s.bits.Load()
		if s.bits.CompareAndSwap(old, old|uint32(c)) {
			return
		}
	}
}

// Revoke narrows the set by c.
func (s *Set) Revoke(c Cap) {
	for {
		old := s.bits.Load()
		if s.bits.CompareAndSwap(old, old&^uint32(c)) {
			return
		}
	}
}

// Replace overwrites the set.
func (s *Set) Replace(c Cap) { s.bits.Store(uint32(c)) }

// Subset reports whether c grants nothing beyond parent. Spawning code may
// use it to restrict children to a subset of its own authority; the
// runtime does not enforce it.
func Subset(c, parent Cap) bool { return c&^parent == 0 }
