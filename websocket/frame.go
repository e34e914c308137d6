package websocket

import "encoding/binary"

// rsvNone is the empty extension-bits mask: no negotiated extension sets
// any of RSV1-3, so a compliant peer never sends them.
const rsvNone uint8 = 0x00

// Frame is one wire-level WebSocket frame: an immutable value produced by
// FrameReader on decode and consumed by encodeFrame on the way out. It
// carries the bits exactly as spec.md §3 describes them; message-level
// concerns (fragmentation, UTF-8 validation, control interleaving) live one
// layer up, in FrameHandler.
type Frame struct {
	// Final is the FIN bit: true for an unfragmented message or the last
	// fragment of one.
	Final bool
	// RSV holds bits 4-6 of the first frame byte, already positioned at
	// their wire offsets (0x10, 0x20, 0x40). Zero unless an extension not
	// implemented here were negotiated.
	RSV uint8
	// Opcode is the low nibble of the first frame byte.
	Opcode Opcode
	// Payload is the unmasked application data. Frame never retains the
	// masking key past decode.
	Payload []byte
}

// closePayloadCode extracts the two-byte close code from a CLOSE frame's
// payload. An empty payload (no status given, per RFC 6455 §7.1.5) yields
// CloseNoStatusReceived with ok true; ok is false only for a malformed
// one-byte payload.
func closePayloadCode(payload []byte) (code CloseCode, reason []byte, ok bool) {
	if len(payload) == 0 {
		return CloseNoStatusReceived, nil, true
	}
	if len(payload) < 2 {
		return 0, nil, false
	}
	return CloseCode(binary.BigEndian.Uint16(payload[:2])), payload[2:], true
}

// encodeFrame renders a server-to-client frame: unmasked, per RFC 6455
// §5.1 ("a server MUST NOT mask any frames it sends"). payload is copied
// into the returned slice, so callers may reuse it afterward.
func encodeFrame(final bool, opcode Opcode, payload []byte) []byte {
	var header [10]byte
	pos := 2

	header[0] = byte(opcode)
	if final {
		header[0] |= 0x80
	}

	switch n := len(payload); {
	case n <= 125:
		header[1] = byte(n)
	case n <= 0xFFFF:
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:4], uint16(n))
		pos = 4
	default:
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:10], uint64(n))
		pos = 10
	}

	out := make([]byte, pos+len(payload))
	copy(out, header[:pos])
	copy(out[pos:], payload)
	return out
}

func unmask(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}
