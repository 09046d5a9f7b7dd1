package dist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/swarm/pkg/value"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameHeartbeat, nil))
	require.NoError(t, WriteFrame(&buf, FrameSend, []byte("payload")))
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0}, buf.Bytes()[:5])

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, f.Type)
	assert.Equal(t, uint32(0), f.Len)

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameSend, f.Type)
	assert.Equal(t, []byte("payload"), f.Payload)

	_, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrame_ReservedAndUnknownTypesAreSkipped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameMonitor, []byte("reserved")))
	require.NoError(t, WriteFrame(&buf, FrameType(0x42), bytes.Repeat([]byte{1}, 1000)))
	require.NoError(t, WriteFrame(&buf, FrameHeartbeat, nil))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameMonitor, f.Type)
	assert.Nil(t, f.Payload)
	assert.Equal(t, uint32(8), f.Len)

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameType(0x42), f.Type)
	assert.Equal(t, uint32(1000), f.Len)

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, f.Type, "stream stays aligned after skipped frames")
}

func TestFrame_TooLarge(t *testing.T) {
	hdr := make([]byte, frameHeaderLen)
	hdr[0] = byte(FrameSend)
	binary.BigEndian.PutUint32(hdr[1:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.True(t, errors.Is(err, ErrFrameTooLarge), "err = %v", err)

	err = WriteFrame(io.Discard, FrameSend, make([]byte, MaxFrameSize+1))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestFrame_Truncated(t *testing.T) {
	cases := map[string][]byte{
		"short header":   {0x03, 0x00},
		"short payload":  {0x03, 0, 0, 0, 10, 'a', 'b'},
		"short reserved": {0x05, 0, 0, 0, 10, 'a'},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(data))
			assert.True(t, errors.Is(err, ErrMalformedFrame), "err = %v", err)
		})
	}
}

func TestSendPayload(t *testing.T) {
	v := value.DetachedMap([]string{"n"}, []value.Value{value.FromInt(5)})
	p, err := EncodeSend(7, 9, v)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), binary.BigEndian.Uint64(p[0:8]))
	assert.Equal(t, uint64(9), binary.BigEndian.Uint64(p[8:16]))

	target, sender, got, err := DecodeSend(p)
	require.NoError(t, err)
	assert.Equal(t, value.PID(7), target)
	assert.Equal(t, value.PID(9), sender)
	assert.True(t, value.Equal(v, got))

	_, _, _, err = DecodeSend(p[:10])
	assert.True(t, errors.Is(err, ErrMalformedFrame))
	_, _, _, err = DecodeSend(append(p[:16:16], 0xff))
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestHandshake_RoundTrip(t *testing.T) {
	h := Handshake{Version: ProtocolVersion, Cookie: 0xdeadbeefcafe, Name: "alpha"}
	p, err := h.Encode()
	require.NoError(t, err)
	assert.Len(t, p, 15)
	assert.Equal(t, byte(5), p[9])

	got, err := DecodeHandshake(p)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.NoError(t, got.verify(0xdeadbeefcafe))
}

func TestHandshake_Rejections(t *testing.T) {
	good := Handshake{Version: ProtocolVersion, Cookie: 1, Name: "alpha"}

	assert.True(t, errors.Is(good.verify(2), ErrCookieMismatch))
	old := good
	old.Version = 0
	assert.True(t, errors.Is(old.verify(1), ErrVersion))
	anon := good
	anon.Name = ""
	assert.Error(t, anon.verify(1))

	_, err := Handshake{Name: strings.Repeat("x", 256)}.Encode()
	assert.Error(t, err)

	p, err := good.Encode()
	require.NoError(t, err)
	_, err = DecodeHandshake(p[:8])
	assert.True(t, errors.Is(err, ErrMalformedFrame))
	_, err = DecodeHandshake(append(p, 'z'))
	assert.True(t, errors.Is(err, ErrMalformedFrame), "name length must cover the rest")
}

func TestCookieEqual(t *testing.T) {
	cases := []struct {
		a, b uint64
		want bool
	}{
		{0, 0, true},
		{0xdeadbeefcafe, 0xdeadbeefcafe, true},
		{1, 2, false},
		{1 << 63, 1, false},
		{0xffffffffffffffff, 0xfffffffffffffffe, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, cookieEqual(c.a, c.b), "%x vs %x", c.a, c.b)
	}

	h := Handshake{Version: ProtocolVersion, Cookie: 1 << 63, Name: "alpha"}
	assert.NoError(t, h.verify(1<<63))
	assert.ErrorIs(t, h.verify(1), ErrCookieMismatch)
}
