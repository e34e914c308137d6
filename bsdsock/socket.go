// Package bsdsock is a minimal, non-blocking BSD-sockets facade for
// wsreactor's single-threaded reactor.
//
// It wraps golang.org/x/sys/unix directly instead of net.Listener/net.Conn
// because the reactor needs raw, stable file descriptors to hand to
// select(2) and needs sockets that never block the one thread driving the
// event loop. Everything here is intentionally thin: accept, non-blocking
// recv/send, shutdown, close, and peer-name lookup. TLS, Unix-domain and
// datagram sockets are out of scope.
package bsdsock

import (
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ShutdownHow selects which half of a connection to shut down.
type ShutdownHow int

const (
	ShutdownRead  ShutdownHow = unix.SHUT_RD
	ShutdownWrite ShutdownHow = unix.SHUT_WR
	ShutdownBoth  ShutdownHow = unix.SHUT_RDWR
)

// SyscallError wraps a raw errno with the BSD call that produced it.
//
// Non-blocking sockets can surface an error on an unrelated call (a
// "slipped" error, per RFC-adjacent socket lore): the pending error is
// latched by the kernel and only observed the next time the socket is
// touched. SyscallError carries enough context to tell those apart from
// errors raised by the call that actually triggered them.
type SyscallError struct {
	Op   string
	Errno unix.Errno
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("bsdsock: %s: %s", e.Op, e.Errno.Error())
}

func (e *SyscallError) Unwrap() error { return e.Errno }

// Listener accepts non-blocking TCP connections.
type Listener struct {
	fd int
}

// Listen creates, binds and listens on a non-blocking TCP4 socket.
//
// backlog mirrors the second argument to BSD listen(2).
func Listen(addr string, backlog int) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("bsdsock: resolve %q: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &SyscallError{Op: "socket", Errno: err.(unix.Errno)}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, &SyscallError{Op: "setsockopt(SO_REUSEADDR)", Errno: err.(unix.Errno)}
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, &SyscallError{Op: "bind", Errno: err.(unix.Errno)}
	}

	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, &SyscallError{Op: "listen", Errno: err.(unix.Errno)}
	}

	return &Listener{fd: fd}, nil
}

// FD returns the listening socket's file descriptor, used as its reactor
// identity.
func (l *Listener) FD() int { return l.fd }

// Addr returns the address the listener is bound to. Useful when Listen
// was called with port 0 and the caller needs to discover which port the
// kernel actually chose.
func (l *Listener) Addr() (string, int, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return "", 0, &SyscallError{Op: "getsockname", Errno: err.(unix.Errno)}
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port, nil
	default:
		return "", 0, fmt.Errorf("bsdsock: unsupported sockaddr type %T", sa)
	}
}

// Accept accepts one pending connection without blocking.
//
// Returns (nil, ErrWouldBlock) when no connection is pending; callers that
// react to listener readability should loop on Accept until they see
// ErrWouldBlock, since a single readiness notification can correspond to
// several pending connections.
func (l *Listener) Accept() (*Conn, error) {
	fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		return nil, &SyscallError{Op: "accept4", Errno: err.(unix.Errno)}
	}

	return &Conn{fd: fd, peer: sa}, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	if err := unix.Close(l.fd); err != nil {
		return &SyscallError{Op: "close", Errno: err.(unix.Errno)}
	}
	return nil
}

// ErrWouldBlock reports that a non-blocking operation had nothing to do
// right now.
var ErrWouldBlock = fmt.Errorf("bsdsock: would block")

// Conn is a single non-blocking TCP connection.
type Conn struct {
	fd     int
	peer   unix.Sockaddr
	closed bool
}

// FD returns the connection's stable identity, used as the reactor and
// server registry key.
func (c *Conn) FD() int { return c.fd }

// IsOpen reports whether Close has not yet been called on this connection.
func (c *Conn) IsOpen() bool { return !c.closed }

// checkSlipped observes and clears any pending socket error latched by the
// kernel (SO_ERROR), surfacing it exactly once. See spec.md §4.1: "Non-
// blocking sockets may surface slipped errors on unrelated calls; the
// facade clears and reports these as real errors on first observation."
func (c *Conn) checkSlipped() error {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return &SyscallError{Op: "getsockopt(SO_ERROR)", Errno: err.(unix.Errno)}
	}
	if errno != 0 {
		return &SyscallError{Op: "slipped", Errno: unix.Errno(errno)}
	}
	return nil
}

// SlippedError reports (and clears) a pending SO_ERROR without performing
// any read, for use from a reactor's out-of-band callback where reading
// zero bytes would otherwise be indistinguishable from a shutdown peer.
func (c *Conn) SlippedError() error {
	return c.checkSlipped()
}

// RecvNonblocking reads up to max bytes without blocking.
//
// Returns an empty, nil-error slice when the socket would block. Returns
// io.EOF when the peer has shut down its write side (readable with zero
// bytes available) — the caller cannot otherwise distinguish "nothing to
// read yet" from "nothing left to ever read" on a non-blocking socket.
func (c *Conn) RecvNonblocking(max int) ([]byte, error) {
	if err := c.checkSlipped(); err != nil {
		return nil, err
	}

	buf := make([]byte, max)
	n, err := unix.Read(c.fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return nil, nil
	case err != nil:
		return nil, &SyscallError{Op: "read", Errno: err.(unix.Errno)}
	case n == 0:
		return nil, io.EOF
	}

	return buf[:n], nil
}

// Send writes b without blocking, returning the number of bytes actually
// accepted by the kernel (which may be less than len(b), or zero on
// would-block).
func (c *Conn) Send(b []byte) (int, error) {
	n, err := unix.Write(c.fd, b)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	if err != nil {
		return n, &SyscallError{Op: "write", Errno: err.(unix.Errno)}
	}
	return n, nil
}

// WriteAll blocks (via an inner select loop, not the reactor's) until all
// of b has been written or an error occurs. This is the one sanctioned
// blocking point outside of Reactor.React itself (spec.md §5).
func (c *Conn) WriteAll(b []byte) error {
	for len(b) > 0 {
		n, err := c.Send(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if len(b) == 0 {
			return nil
		}
		if err := c.waitWritable(); err != nil {
			return err
		}
	}
	return nil
}

// waitWritable blocks until the connection's fd is writable or errored.
func (c *Conn) waitWritable() error {
	for {
		// select(2) overwrites its fd sets and timeout, so they are rebuilt
		// on every pass.
		var wfds unix.FdSet
		wfds.Zero()
		wfds.Set(c.fd)

		var efds unix.FdSet
		efds.Zero()
		efds.Set(c.fd)

		tv := unix.NsecToTimeval(time.Second.Nanoseconds())
		n, err := unix.Select(c.fd+1, nil, &wfds, &efds, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return &SyscallError{Op: "select", Errno: err.(unix.Errno)}
		}
		if n > 0 {
			return nil
		}
		// Timed out with nothing ready: loop again rather than fail a
		// slow-but-alive peer.
	}
}

// Shutdown shuts down one or both halves of the connection.
func (c *Conn) Shutdown(how ShutdownHow) error {
	if err := unix.Shutdown(c.fd, int(how)); err != nil {
		return &SyscallError{Op: "shutdown", Errno: err.(unix.Errno)}
	}
	return nil
}

// Close closes the connection. Safe to call once; a second call returns
// the underlying close(2) error, mirroring BSD semantics.
func (c *Conn) Close() error {
	c.closed = true
	if err := unix.Close(c.fd); err != nil {
		return &SyscallError{Op: "close", Errno: err.(unix.Errno)}
	}
	return nil
}

// PeerName returns the remote address and port of the connection.
func (c *Conn) PeerName() (string, int, error) {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return "", 0, &SyscallError{Op: "getpeername", Errno: err.(unix.Errno)}
	}

	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port, nil
	default:
		return "", 0, fmt.Errorf("bsdsock: unsupported sockaddr type %T", sa)
	}
}
