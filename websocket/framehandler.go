package websocket

import "unicode/utf8"

// frameSink is how a FrameHandler emits encoded frames onto the wire. It is
// satisfied by (*Client).sendFrame; kept as its own type so FrameHandler
// can be unit-tested without a real transport.
type frameSink func(final bool, opcode Opcode, payload []byte) error

// FrameHandler assembles inbound frames into complete messages (undoing
// fragmentation, routing control frames, validating UTF-8) and fragments
// outbound messages into frames, per spec.md §4.5-§4.6. One FrameHandler is
// owned by exactly one Client; it is not safe for concurrent use, matching
// the reactor's single-threaded dispatch model.
type FrameHandler struct {
	opts    Options
	sink    frameSink
	handler Handler

	// assembling is non-nil while a fragmented message is in progress:
	// its Opcode is the original TEXT/BINARY opcode of the first
	// fragment, and Payload accumulates each CONTINUATION's bytes.
	assembling *Frame
}

// NewFrameHandler constructs a handler bound to opts, sink, and the user's
// capability object.
func NewFrameHandler(opts Options, sink frameSink, handler Handler) *FrameHandler {
	return &FrameHandler{opts: opts, sink: sink, handler: handler}
}

// HandleFrame processes one decoded inbound frame, dispatching to the
// capability object once a full message is assembled and replying
// automatically to control frames. c is passed through to Handler
// callbacks; FrameHandler itself never touches Client state.
func (fh *FrameHandler) HandleFrame(c *Client, f Frame) error {
	if f.Opcode.IsControl() {
		return fh.handleControl(c, f)
	}
	return fh.handleData(c, f)
}

func (fh *FrameHandler) handleControl(c *Client, f Frame) error {
	switch f.Opcode {
	case OpcodeClose:
		code, reason, ok := closePayloadCode(f.Payload)
		if !ok {
			return newProtocolError(CloseProtocolError, "malformed close payload")
		}
		if len(reason) > 0 && !utf8.Valid(reason) {
			return newProtocolError(CloseInvalidPayload, "close reason is not valid UTF-8")
		}
		if code == CloseNoStatusReceived {
			code = CloseNormal
		}
		return &closeRequested{code: code, reason: reason}

	case OpcodePing:
		if err := fh.sink(true, OpcodePong, f.Payload); err != nil {
			return err
		}
		fh.handler.OnPing(c, f.Payload)
		return nil

	case OpcodePong:
		fh.handler.OnPong(c, f.Payload)
		return nil
	}
	return nil
}

// closeRequested is a sentinel error type HandleFrame uses to tell Client
// "the peer asked to close, here is the code it gave" without FrameHandler
// needing to know how Client tears a connection down.
type closeRequested struct {
	code   CloseCode
	reason []byte
}

func (c *closeRequested) Error() string { return "websocket: peer requested close" }

func (fh *FrameHandler) handleData(c *Client, f Frame) error {
	switch {
	case f.Opcode == OpcodeContinuation:
		if fh.assembling == nil {
			return newProtocolError(CloseProtocolError, "continuation without a started message")
		}
	case fh.assembling != nil:
		return newProtocolError(CloseProtocolError, "new message started before previous fragment finished")
	}

	existing := 0
	if fh.assembling != nil {
		existing = len(fh.assembling.Payload)
	}
	if existing+len(f.Payload) > fh.opts.MaxMessageBytes {
		fh.assembling = nil
		return newProtocolError(CloseMessageTooBig, "assembled message exceeds %d bytes", fh.opts.MaxMessageBytes)
	}

	if fh.assembling == nil {
		fh.assembling = &Frame{Opcode: f.Opcode, Payload: append([]byte(nil), f.Payload...)}
	} else {
		fh.assembling.Payload = append(fh.assembling.Payload, f.Payload...)
	}

	if !f.Final {
		return nil
	}

	msg := fh.assembling
	fh.assembling = nil

	switch msg.Opcode {
	case OpcodeText:
		if !utf8.Valid(msg.Payload) {
			return newProtocolError(CloseInvalidPayload, "text message is not valid UTF-8")
		}
		fh.handler.OnText(c, string(msg.Payload))
	case OpcodeBinary:
		fh.handler.OnBinary(c, msg.Payload)
	}
	return nil
}

// WriteMessage fragments payload into frames of at most FragmentSize bytes
// (or a single frame, if FragmentSize is zero or payload already fits) and
// writes them through sink. opcode must be OpcodeText or OpcodeBinary.
func (fh *FrameHandler) WriteMessage(opcode Opcode, payload []byte) error {
	if fh.opts.FragmentSize <= 0 || len(payload) <= fh.opts.FragmentSize {
		return fh.sink(true, opcode, payload)
	}

	first := true
	for len(payload) > 0 {
		n := fh.opts.FragmentSize
		if n > len(payload) {
			n = len(payload)
		}
		chunk := payload[:n]
		payload = payload[n:]

		frameOpcode := OpcodeContinuation
		if first {
			frameOpcode = opcode
			first = false
		}
		if err := fh.sink(len(payload) == 0, frameOpcode, chunk); err != nil {
			return err
		}
	}
	return nil
}
