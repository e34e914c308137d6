package websocket

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/coregx/wsreactor/bsdsock"
	"github.com/coregx/wsreactor/reactor"
)

// HandlerFactory constructs the capability object for one newly accepted
// connection. Returning a fresh value per call lets a caller keep
// per-connection state (e.g. a chat username) on its own Handler
// implementation; a stateless handler can simply return the same value
// every time.
type HandlerFactory func(*Client) Handler

// Server accepts connections on a bsdsock.Listener, upgrades them to
// WebSocket clients, and registers each with a Reactor. It owns the
// client registry spec.md §5 describes: a single-threaded map keyed by
// file descriptor, mutated only from the reactor's goroutine.
type Server struct {
	listener *bsdsock.Listener
	react    *reactor.Reactor
	opts     Options
	newHandler HandlerFactory
	log      *zap.Logger

	clients map[int]*Client
	closed  bool
}

// NewServer wires listener into react. newHandler is called once per
// accepted connection to obtain that connection's capability object.
func NewServer(listener *bsdsock.Listener, react *reactor.Reactor, opts Options, newHandler HandlerFactory, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		listener:   listener,
		react:      react,
		opts:       opts,
		newHandler: newHandler,
		log:        log,
		clients:    make(map[int]*Client),
	}
	react.Add(&listenerHandle{server: s})
	react.SetErrorPolicy(s.errorPolicy)
	return s
}

// ClientCount returns the number of currently registered clients,
// regardless of handshake state.
func (s *Server) ClientCount() int { return len(s.clients) }

// Broadcast writes opcode/payload to every client currently in the OK
// state, skipping (and logging) any that fail rather than aborting the
// whole broadcast — the same best-effort fan-out semantics as the
// teacher's Hub.Broadcast.
func (s *Server) Broadcast(opcode Opcode, payload []byte) {
	for _, c := range s.clients {
		if c.state != stateOK {
			continue
		}
		var err error
		if opcode == OpcodeText {
			err = c.SendText(string(payload))
		} else {
			err = c.SendBinary(payload)
		}
		if err != nil {
			s.log.Debug("broadcast write failed", zap.String("trace_id", c.TraceID()), zap.Error(err))
		}
	}
}

// Close shuts every client down with code/reason, stops accepting new
// connections, and deregisters the listener from its reactor. It does not
// stop the reactor itself; a caller running other handles on the same
// Reactor should call this before its own final React calls drain.
func (s *Server) Close(code CloseCode, reason string) error {
	if s.closed {
		return ErrServerClosed
	}
	s.closed = true

	for _, c := range s.clients {
		_ = c.Close(code, reason)
	}
	s.react.Remove(&listenerHandle{server: s})
	return s.listener.Close()
}

// deregister removes c from the registry. Called by Client.teardown; not
// part of the public API.
func (s *Server) deregister(c *Client) {
	delete(s.clients, c.ID())
}

// errorPolicy is the reactor.ErrorPolicy Server installs on its Reactor. It
// interprets the error a Client's OnReadable/OnOutOfBand returned and
// drives that client's close sequence with the right code: a *closeRequested
// echoes the peer's own close, a *WebSocketError sends the RFC code the
// protocol violation demands, and anything else (a raw transport failure)
// closes without attempting to write a frame the peer likely can't receive
// anyway.
func (s *Server) errorPolicy(h reactor.Handle, err error) {
	c, ok := h.(*Client)
	if !ok {
		s.log.Warn("reactor error on non-client handle", zap.Int("id", h.ID()), zap.Error(err))
		return
	}

	var cr *closeRequested
	var wsErr *WebSocketError
	switch {
	case errors.As(err, &cr):
		_ = c.Close(cr.code, string(cr.reason))
	case errors.As(err, &wsErr):
		s.log.Debug("closing client after protocol error",
			zap.String("trace_id", c.TraceID()), zap.Error(wsErr))
		_ = c.Close(wsErr.CloseCode(), wsErr.Message)
	default:
		s.log.Debug("closing client after transport error",
			zap.String("trace_id", c.TraceID()), zap.Error(err))
		c.teardown(CloseAbnormal, nil)
	}
}

// listenerHandle adapts Server's accept loop to reactor.Handle. It is a
// distinct type from Client (rather than Server implementing Handle
// itself) so the reactor's registry can hold both listener and clients
// keyed uniformly by descriptor without Server needing its own fake FD.
type listenerHandle struct {
	server *Server
}

func (l *listenerHandle) ID() int      { return l.server.listener.FD() }
func (l *listenerHandle) IsOpen() bool { return !l.server.closed }

// OnReadable accepts every connection pending on the listener. A single
// readiness notification can correspond to more than one queued
// connection, so this loops until Accept reports ErrWouldBlock.
func (l *listenerHandle) OnReadable() error {
	s := l.server
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, bsdsock.ErrWouldBlock) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		c := newClient(conn, s.opts, s, s.log)
		c.setHandler(s.newHandler(c))

		s.clients[c.ID()] = c
		s.react.Add(c)
		s.log.Debug("accepted connection", zap.String("trace_id", c.TraceID()), zap.Int("fd", c.ID()))
	}
}

func (l *listenerHandle) OnOutOfBand() error { return nil }
