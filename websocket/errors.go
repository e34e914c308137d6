package websocket

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers of the public API. Protocol failures
// that carry a close code use WebSocketError instead — these are for
// conditions a caller can usefully check with errors.Is.
var (
	// ErrHandshakeTooLarge is returned when a client's opening handshake
	// exceeds MaxHandshakeBytes before a blank line terminates it.
	ErrHandshakeTooLarge = errors.New("websocket: handshake exceeds configured limit")

	// ErrNotUpgrade is returned when a client's opening request is not a
	// valid RFC 6455 upgrade request.
	ErrNotUpgrade = errors.New("websocket: not a websocket upgrade request")

	// ErrClientClosed is returned by operations attempted against a client
	// whose connection has already been torn down.
	ErrClientClosed = errors.New("websocket: client closed")

	// ErrServerClosed is returned by operations attempted against a server
	// that has already shut down its listener.
	ErrServerClosed = errors.New("websocket: server closed")
)

// WebSocketError is a protocol-level failure that carries the numeric code
// that must close the connection: an RFC 6455 close code (>= 1000) once the
// handshake has completed, or an HTTP status code while it is still in
// progress. Every FrameReader and Handshake validation failure that spec.md
// §7 maps to "close with code N" returns one of these.
type WebSocketError struct {
	Code    int
	Message string
	err     error
}

func newProtocolError(code CloseCode, format string, args ...any) *WebSocketError {
	return &WebSocketError{Code: int(code), Message: fmt.Sprintf(format, args...)}
}

func newHandshakeError(status int, format string, args ...any) *WebSocketError {
	return &WebSocketError{Code: status, Message: fmt.Sprintf(format, args...)}
}

func (e *WebSocketError) Error() string {
	return fmt.Sprintf("websocket: %s (code %d)", e.Message, e.Code)
}

func (e *WebSocketError) Unwrap() error { return e.err }

// CloseCode returns e.Code as a CloseCode. Callers should only do this once
// the handshake has completed; before that e.Code is an HTTP status.
func (e *WebSocketError) CloseCode() CloseCode { return CloseCode(e.Code) }

// IsProtocolError reports whether err is a WebSocketError carrying an RFC
// close code (as opposed to an HTTP status raised during the handshake).
func IsProtocolError(err error) bool {
	var wsErr *WebSocketError
	if errors.As(err, &wsErr) {
		return wsErr.Code >= 1000
	}
	return false
}
