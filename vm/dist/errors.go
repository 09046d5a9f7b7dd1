package dist

import (
	"errors"
	"fmt"
)

// NodeErrorKind classifies a NodeError.
type NodeErrorKind int

const (
	CookieRequired NodeErrorKind = iota + 1
	BindFailed
	ConnectFailed
	HandshakeFailed
	FrameTooLarge
	MalformedFrame
)

func (k NodeErrorKind) String() string {
	switch k {
	case CookieRequired:
		return "CookieRequired"
	case BindFailed:
		return "BindFailed"
	case ConnectFailed:
		return "ConnectFailed"
	case HandshakeFailed:
		return "HandshakeFailed"
	case FrameTooLarge:
		return "FrameTooLarge"
	case MalformedFrame:
		return "MalformedFrame"
	}
	return fmt.Sprintf("NodeErrorKind(%d)", int(k))
}

// NodeError reports a transport failure. Peer is the remote name or
// address when known.
type NodeError struct {
	Kind NodeErrorKind
	Peer string
	Err  error
}

func (e *NodeError) Error() string {
	msg := "dist: " + e.Kind.String()
	if e.Peer != "" {
		msg += " (" + e.Peer + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NodeError) Unwrap() error { return e.Err }

// Is matches by kind.
func (e *NodeError) Is(target error) bool {
	t, ok := target.(*NodeError)
	return ok && t.Kind == e.Kind
}

func nodeErr(kind NodeErrorKind, peer string, err error) *NodeError {
	return &NodeError{Kind: kind, Peer: peer, Err: err}
}

// Sentinel errors for errors.Is.
var (
	ErrCookieRequired  = &NodeError{Kind: CookieRequired}
	ErrBindFailed      = &NodeError{Kind: BindFailed}
	ErrConnectFailed   = &NodeError{Kind: ConnectFailed}
	ErrHandshakeFailed = &NodeError{Kind: HandshakeFailed}
	ErrFrameTooLarge   = &NodeError{Kind: FrameTooLarge}
	ErrMalformedFrame  = &NodeError{Kind: MalformedFrame}

	ErrNotConnected   = errors.New("dist: peer is not connected")
	ErrPeerBanned     = errors.New("dist: peer is banned")
	ErrPeerDenied     = errors.New("dist: peer is not allowed")
	ErrDuplicatePeer  = errors.New("dist: peer is already connected")
	ErrCookieMismatch = errors.New("dist: cookie mismatch")
	ErrVersion        = errors.New("dist: protocol version mismatch")
	ErrNodeStopped    = errors.New("dist: node is stopped")
)
