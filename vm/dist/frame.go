package dist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/chazu/swarm/pkg/value"
)

// FrameType is the first byte of every frame.
type FrameType uint8

const (
	FrameHandshake FrameType = 0x01
	FrameHeartbeat FrameType = 0x02
	FrameSend      FrameType = 0x03

	// Reserved for remote links and monitors. Receivers skip them.
	FrameLink      FrameType = 0x04
	FrameUnlink    FrameType = 0x05
	FrameExit      FrameType = 0x06
	FrameMonitor   FrameType = 0x07
	FrameDemonitor FrameType = 0x08
	FrameDown      FrameType = 0x09
)

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "handshake"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameSend:
		return "send"
	case FrameLink:
		return "link"
	case FrameUnlink:
		return "unlink"
	case FrameExit:
		return "exit"
	case FrameMonitor:
		return "monitor"
	case FrameDemonitor:
		return "demonitor"
	case FrameDown:
		return "down"
	}
	return fmt.Sprintf("FrameType(0x%02x)", uint8(t))
}

// Handled reports whether receivers act on frames of this type. All other
// frames are read past and discarded.
func (t FrameType) Handled() bool {
	return t == FrameHandshake || t == FrameHeartbeat || t == FrameSend
}

const (
	// MaxFrameSize bounds the payload of a single frame.
	MaxFrameSize = 16 << 20

	frameHeaderLen = 5
	sendHeaderLen  = 16
)

// Frame is a decoded frame. Payload is nil for frames whose type is not
// handled; Len still records how many bytes were skipped.
type Frame struct {
	Type    FrameType
	Len     uint32
	Payload []byte
}

// WriteFrame writes one frame. The header and payload go out in a single
// Write call.
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return nodeErr(FrameTooLarge, "", fmt.Errorf("%d byte payload", len(payload)))
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:frameHeaderLen], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame. A clean end of stream before the first
// header byte returns io.EOF; anything cut short after that is a
// MalformedFrame. Payloads of unhandled types are discarded without being
// buffered.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, nodeErr(MalformedFrame, "", err)
		}
		return Frame{}, err
	}
	f := Frame{Type: FrameType(hdr[0]), Len: binary.BigEndian.Uint32(hdr[1:])}
	if f.Len > MaxFrameSize {
		return f, nodeErr(FrameTooLarge, "", fmt.Errorf("%s frame declares %d bytes", f.Type, f.Len))
	}
	if !f.Type.Handled() {
		if _, err := io.CopyN(io.Discard, r, int64(f.Len)); err != nil {
			return f, truncated(err)
		}
		return f, nil
	}
	f.Payload = make([]byte, f.Len)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, truncated(err)
	}
	return f, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nodeErr(MalformedFrame, "", io.ErrUnexpectedEOF)
	}
	return err
}

// EncodeSend builds a Send payload.
func EncodeSend(target, sender value.PID, v value.Value) ([]byte, error) {
	body, err := MarshalValue(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sendHeaderLen+len(body))
	binary.BigEndian.PutUint64(buf[0:8], uint64(target))
	binary.BigEndian.PutUint64(buf[8:16], uint64(sender))
	copy(buf[sendHeaderLen:], body)
	return buf, nil
}

// DecodeSend parses a Send payload. The returned value is detached.
func DecodeSend(p []byte) (target, sender value.PID, v value.Value, err error) {
	if len(p) < sendHeaderLen {
		return 0, 0, value.Nil, nodeErr(MalformedFrame, "", fmt.Errorf("send payload of %d bytes", len(p)))
	}
	target = value.PID(binary.BigEndian.Uint64(p[0:8]))
	sender = value.PID(binary.BigEndian.Uint64(p[8:16]))
	v, err = UnmarshalValue(p[sendHeaderLen:])
	if err != nil {
		return 0, 0, value.Nil, nodeErr(MalformedFrame, "", err)
	}
	return target, sender, v, nil
}
