package websocket

import (
	"errors"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coregx/wsreactor/bsdsock"
)

// clientState is a connection's position in the HANDSHAKE -> OK -> CLOSED
// lifecycle of spec.md §3.
type clientState int

const (
	stateHandshake clientState = iota
	stateOK
	stateClosed
)

// readChunk is the size of each non-blocking read attempt. It bounds how
// much a single OnReadable call can do, not any protocol limit.
const readChunk = 64 * 1024

// Client is one accepted WebSocket connection. It implements reactor.Handle
// so a Server can register it directly with a Reactor; all of its methods
// run on the reactor's single goroutine and are not safe to call
// concurrently from anywhere else, matching spec.md §5's concurrency model.
type Client struct {
	conn    *bsdsock.Conn
	opts    Options
	handler Handler
	server  *Server
	log     *zap.Logger
	traceID string

	state     clientState
	handshake *Handshake
	reader    *FrameReader
	frames    *FrameHandler

	closeOnce bool
}

// newClient wraps an accepted connection, deferring handler assignment to
// the caller: HandlerFactory takes the *Client itself, so the client must
// exist before its handler can be built.
func newClient(conn *bsdsock.Conn, opts Options, server *Server, log *zap.Logger) *Client {
	return &Client{
		conn:      conn,
		opts:      opts,
		server:    server,
		log:       log,
		traceID:   uuid.NewString(),
		state:     stateHandshake,
		handshake: NewHandshake(opts.MaxHandshakeBytes),
		reader:    NewFrameReader(opts.MaxFramePayload, opts.RSVMask),
	}
}

// setHandler installs c's capability object and the FrameHandler bound to
// it. Called once, immediately after newClient, by Server's accept loop.
func (c *Client) setHandler(handler Handler) {
	c.handler = handler
	c.frames = NewFrameHandler(c.opts, c.sendFrame, handler)
}

// ID satisfies reactor.Handle.
func (c *Client) ID() int { return c.conn.FD() }

// IsOpen satisfies reactor.Handle.
func (c *Client) IsOpen() bool { return c.state != stateClosed }

// TraceID returns the per-connection identifier attached to every log line
// for this client's lifetime.
func (c *Client) TraceID() string { return c.traceID }

// OnOutOfBand satisfies reactor.Handle. spec.md §4.7 treats any
// out-of-band readiness as fatal regardless of whether a real socket error
// happens to be latched underneath it, so this always closes with 1002.
func (c *Client) OnOutOfBand() error {
	if err := c.conn.SlippedError(); err != nil {
		c.log.Debug("out-of-band data carried a slipped socket error", zap.Error(err))
	}
	return newProtocolError(CloseProtocolError, "out-of-band data")
}

// OnReadable satisfies reactor.Handle. A returned error is not a signal to
// the caller to log and move on: Server's ErrorPolicy interprets it and
// drives this client's close sequence, so every branch below returns
// either nil (already fully handled) or the raw error to be translated.
func (c *Client) OnReadable() error {
	data, err := c.conn.RecvNonblocking(readChunk)
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.teardown(CloseAbnormal, nil)
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	switch c.state {
	case stateHandshake:
		return c.feedHandshake(data)
	case stateOK:
		return c.processBytes(data)
	default:
		return nil
	}
}

func (c *Client) feedHandshake(data []byte) error {
	done, err := c.handshake.Feed(data)
	if err != nil {
		var wsErr *WebSocketError
		if errors.As(err, &wsErr) {
			_ = c.conn.WriteAll(ErrorResponse(wsErr.Code, wsErr.Message))
		}
		c.teardown(CloseAbnormal, nil)
		return nil
	}
	if !done {
		return nil
	}

	if err := c.conn.WriteAll(c.handshake.SwitchingProtocolsResponse()); err != nil {
		c.teardown(CloseAbnormal, nil)
		return nil
	}

	trailing := c.handshake.Trailing
	c.handshake = nil
	c.state = stateOK
	c.handler.OnStateOK(c)

	if len(trailing) > 0 {
		return c.processBytes(trailing)
	}
	return nil
}

func (c *Client) processBytes(data []byte) error {
	frames, err := c.reader.Feed(data)
	for _, f := range frames {
		if herr := c.frames.HandleFrame(c, f); herr != nil {
			return herr
		}
	}
	return err
}

// sendFrame encodes and writes one frame. It is FrameHandler's frameSink.
func (c *Client) sendFrame(final bool, opcode Opcode, payload []byte) error {
	if c.state == stateClosed {
		return ErrClientClosed
	}
	return c.conn.WriteAll(encodeFrame(final, opcode, payload))
}

// SendText fragments and writes a TEXT message.
func (c *Client) SendText(text string) error {
	return c.frames.WriteMessage(OpcodeText, []byte(text))
}

// SendBinary fragments and writes a BINARY message.
func (c *Client) SendBinary(data []byte) error {
	return c.frames.WriteMessage(OpcodeBinary, data)
}

// Ping sends a PING frame with the given (<=125 byte) application payload.
func (c *Client) Ping(payload []byte) error {
	return c.sendFrame(true, OpcodePing, payload)
}

// Close begins an orderly close: it writes a CLOSE frame carrying code and
// reason (when code is a code RFC 6455 allows on the wire) and tears the
// connection down. Safe to call more than once; only the first call has an
// effect.
func (c *Client) Close(code CloseCode, reason string) error {
	if c.state == stateClosed {
		return nil
	}
	if code.sendable() && c.state == stateOK {
		payload := encodeClosePayload(code, reason)
		_ = c.conn.WriteAll(encodeFrame(true, OpcodeClose, payload))
	}
	c.teardown(code, []byte(reason))
	return nil
}

// teardown unregisters, notifies the handler, and closes the transport. It
// is the single path every close reason (peer EOF, protocol error, local
// Close call) funnels through, so OnClose fires exactly once.
func (c *Client) teardown(code CloseCode, reason []byte) {
	if c.closeOnce {
		return
	}
	c.closeOnce = true
	c.state = stateClosed

	if c.server != nil {
		c.server.deregister(c)
	}
	_ = c.conn.Close()
	c.handler.OnClose(c, code, reason)
}

func encodeClosePayload(code CloseCode, reason string) []byte {
	payload := make([]byte, 2, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	payload = append(payload, reason...)
	return payload
}
