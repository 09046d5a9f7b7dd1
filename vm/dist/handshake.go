package dist

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// ProtocolVersion is sent in every handshake. Peers with a different
// version are refused.
const ProtocolVersion uint8 = 1

const maxNameLen = 255

// Handshake is the first frame each side sends.
type Handshake struct {
	Version uint8
	Cookie  uint64
	Name    string
}

// Encode returns the handshake payload:
// [version:u8][cookie:u64][name_len:u8][name].
func (h Handshake) Encode() ([]byte, error) {
	if len(h.Name) > maxNameLen {
		return nil, fmt.Errorf("dist: node name longer than %d bytes", maxNameLen)
	}
	buf := make([]byte, 10+len(h.Name))
	buf[0] = h.Version
	binary.BigEndian.PutUint64(buf[1:9], h.Cookie)
	buf[9] = byte(len(h.Name))
	copy(buf[10:], h.Name)
	return buf, nil
}

// DecodeHandshake parses a handshake payload. The name length must account
// for every remaining byte.
func DecodeHandshake(p []byte) (Handshake, error) {
	if len(p) < 10 {
		return Handshake{}, nodeErr(MalformedFrame, "", fmt.Errorf("handshake of %d bytes", len(p)))
	}
	n := int(p[9])
	if len(p) != 10+n {
		return Handshake{}, nodeErr(MalformedFrame, "", fmt.Errorf("handshake name length %d, %d bytes left", n, len(p)-10))
	}
	return Handshake{
		Version: p[0],
		Cookie:  binary.BigEndian.Uint64(p[1:9]),
		Name:    string(p[10:]),
	}, nil
}

// cookieEqual compares cookies in constant time.
func cookieEqual(a, b uint64) bool {
	var x, y [8]byte
	binary.BigEndian.PutUint64(x[:], a)
	binary.BigEndian.PutUint64(y[:], b)
	return subtle.ConstantTimeCompare(x[:], y[:]) == 1
}

// verify checks a peer's handshake against the local cookie.
func (h Handshake) verify(cookie uint64) error {
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersion, h.Version, ProtocolVersion)
	}
	if !cookieEqual(h.Cookie, cookie) {
		return ErrCookieMismatch
	}
	if h.Name == "" {
		return fmt.Errorf("dist: empty node name")
	}
	return nil
}
