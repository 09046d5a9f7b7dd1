package dist

import (
	"sync"
	"time"
)

const defaultBanThreshold = 3

// PeerReputation tracks the trust level of a single remote host.
type PeerReputation struct {
	Host              string
	Connections       int
	HandshakeFailures int
	FrameErrors       int
	LastSeen          time.Time
	Banned            bool
}

func (p *PeerReputation) strikes() int { return p.HandshakeFailures + p.FrameErrors }

// PeerStore maintains reputation data for all hosts that have contacted
// the node. Hosts are banned once their handshake failures and protocol
// violations reach the threshold; a banned host is refused at accept time.
type PeerStore struct {
	mu           sync.RWMutex
	peers        map[string]*PeerReputation
	banThreshold int
}

// NewPeerStore creates a peer store. A threshold <= 0 uses the default
// of 3 strikes.
func NewPeerStore(threshold int) *PeerStore {
	if threshold <= 0 {
		threshold = defaultBanThreshold
	}
	return &PeerStore{
		peers:        make(map[string]*PeerReputation),
		banThreshold: threshold,
	}
}

// getOrCreate returns the reputation for a host, creating it if needed.
// Caller must hold the write lock.
func (ps *PeerStore) getOrCreate(host string) *PeerReputation {
	p, ok := ps.peers[host]
	if !ok {
		p = &PeerReputation{Host: host}
		ps.peers[host] = p
	}
	p.LastSeen = time.Now()
	return p
}

func (ps *PeerStore) strike(p *PeerReputation) {
	if p.strikes() >= ps.banThreshold {
		p.Banned = true
	}
}

// RecordConnect records a completed handshake.
func (ps *PeerStore) RecordConnect(host string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.getOrCreate(host).Connections++
}

// RecordHandshakeFailure records a refused or broken handshake.
func (ps *PeerStore) RecordHandshakeFailure(host string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := ps.getOrCreate(host)
	p.HandshakeFailures++
	ps.strike(p)
}

// RecordFrameError records an oversized or malformed frame.
func (ps *PeerStore) RecordFrameError(host string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := ps.getOrCreate(host)
	p.FrameErrors++
	ps.strike(p)
}

// Unban clears a ban and the strikes that led to it.
func (ps *PeerStore) Unban(host string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.peers[host]; ok {
		p.Banned = false
		p.HandshakeFailures = 0
		p.FrameErrors = 0
	}
}

// IsBanned returns true if the host has been banned.
func (ps *PeerStore) IsBanned(host string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.peers[host]
	if !ok {
		return false
	}
	return p.Banned
}

// GetReputation returns a copy of the host's reputation data.
// Returns nil if the host is unknown.
func (ps *PeerStore) GetReputation(host string) *PeerReputation {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.peers[host]
	if !ok {
		return nil
	}
	copy := *p
	return &copy
}

// PeerCount returns the number of known hosts.
func (ps *PeerStore) PeerCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}
