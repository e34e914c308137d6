package websocket

// Options bounds the resources a single connection may consume and the
// message-framing behavior of outbound writes, per spec.md §6's
// configuration surface.
type Options struct {
	// MaxHandshakeBytes bounds the opening HTTP request, header block
	// included, before the handshake is rejected with 413.
	MaxHandshakeBytes int
	// MaxFramePayload bounds a single frame's payload length; frames over
	// this are closed with CloseMessageTooBig. NewFrameReader raises
	// anything below 125 (the largest control frame RFC 6455 allows) up
	// to that floor rather than rejecting it outright.
	MaxFramePayload int
	// MaxMessageBytes bounds a fragmented message's total assembled size
	// across all its continuation frames.
	MaxMessageBytes int
	// FragmentSize is the payload size wsreactor's own outbound writes
	// split a message into. Zero disables fragmentation (every outbound
	// message is a single frame).
	FragmentSize int
	// RSVMask is the set of RSV bits a negotiated extension may set.
	// wsreactor negotiates no extensions, so the default is 0: any RSV
	// bit on an inbound frame is a protocol error.
	RSVMask uint8
}

// DefaultOptions returns the limits wsreactor's cmd/ binaries use absent
// explicit configuration: a 4 KiB handshake, 128 KiB frames, 10 MiB
// assembled messages, and 128 KiB outbound fragments.
func DefaultOptions() Options {
	return Options{
		MaxHandshakeBytes: 4 * 1024,
		MaxFramePayload:   128 * 1024,
		MaxMessageBytes:   10 << 20,
		FragmentSize:      128 * 1024,
		RSVMask:           rsvNone,
	}
}
