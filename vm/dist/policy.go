package dist

import "fmt"

// PeerPolicy controls which nodes may connect. A nil Allowed set means
// "allow all"; Denied always wins.
type PeerPolicy struct {
	Allowed map[string]bool // nil = allow all
	Denied  map[string]bool
}

// NewPermissivePolicy creates a policy that allows every peer.
func NewPermissivePolicy() *PeerPolicy {
	return &PeerPolicy{}
}

// NewRestrictedPolicy creates a policy that only allows the named peers.
func NewRestrictedPolicy(allowed []string) *PeerPolicy {
	m := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		m[name] = true
	}
	return &PeerPolicy{Allowed: m}
}

// Check reports whether a peer that completed its handshake as name may
// stay connected. A nil policy allows everything.
func (p *PeerPolicy) Check(name string) error {
	if p == nil {
		return nil
	}
	if p.Denied != nil && p.Denied[name] {
		return fmt.Errorf("%w: %q is explicitly denied", ErrPeerDenied, name)
	}
	if p.Allowed != nil && !p.Allowed[name] {
		return fmt.Errorf("%w: %q is not in the allow list", ErrPeerDenied, name)
	}
	return nil
}

// Deny adds a peer to the deny list.
func (p *PeerPolicy) Deny(name string) {
	if p.Denied == nil {
		p.Denied = make(map[string]bool)
	}
	p.Denied[name] = true
}
