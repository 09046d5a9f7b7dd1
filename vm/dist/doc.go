// Package dist connects schedulers running in different OS processes.
//
// Nodes speak a length-framed protocol over TCP. Every frame is
//
//	[type:u8][length:u32 big-endian][payload]
//
// and carries at most MaxFrameSize payload bytes. A connection opens with a
// cookie-checked handshake in each direction, after which either side may
// send heartbeats and Send frames addressed to a block on the other node.
// Values inside Send frames are encoded as canonical CBOR.
package dist
