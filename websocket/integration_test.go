package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coregx/wsreactor/bsdsock"
	"github.com/coregx/wsreactor/reactor"
)

// testServer drives a real bsdsock.Listener + reactor.Reactor + Server on
// loopback, exercising the whole stack the way spec.md §8's six scenarios
// require: a raw net.Conn plays the RFC test client, since only the
// server side under test needs to be wsreactor's own transport.
type testServer struct {
	server *Server
	addr   string
	stop   chan struct{}
}

func startTestServer(t *testing.T, opts Options, newHandler HandlerFactory) *testServer {
	t.Helper()

	listener, err := bsdsock.Listen("127.0.0.1:0", 16)
	require.NoError(t, err)

	host, port, err := listener.Addr()
	require.NoError(t, err)

	react := reactor.New(nil, nil)
	server := NewServer(listener, react, opts, newHandler, nil)

	ts := &testServer{server: server, addr: net.JoinHostPort(host, itoa(port)), stop: make(chan struct{})}

	go func() {
		tick := 20 * time.Millisecond
		for {
			select {
			case <-ts.stop:
				return
			default:
			}
			react.React(&tick)
		}
	}()

	t.Cleanup(func() { close(ts.stop) })
	return ts
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func dialAndUpgrade(t *testing.T, addr, key string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	req := "GET / HTTP/1.1\r\n" +
		"Host: 127.0.0.1\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	resp := readUntilBlankLine(t, conn)
	require.Contains(t, resp, "101")
	return conn
}

func readUntilBlankLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 4096)
	total := ""
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		total += string(buf[:n])
		if idx := indexBlankLine(total); idx >= 0 {
			return total
		}
	}
}

func indexBlankLine(s string) int {
	for i := 0; i+3 < len(s); i++ {
		if s[i] == '\r' && s[i+1] == '\n' && s[i+2] == '\r' && s[i+3] == '\n' {
			return i
		}
	}
	return -1
}

// writeClientFrame writes one masked frame, as a compliant client must.
func writeClientFrame(t *testing.T, conn net.Conn, final bool, opcode Opcode, payload []byte) {
	t.Helper()
	var key [4]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	masked := make([]byte, len(payload))
	copy(masked, payload)
	for i := range masked {
		masked[i] ^= key[i%4]
	}

	b0 := byte(opcode)
	if final {
		b0 |= 0x80
	}

	var header []byte
	switch n := len(payload); {
	case n <= 125:
		header = []byte{b0, byte(n) | 0x80}
	case n <= 0xFFFF:
		header = []byte{b0, 126 | 0x80, byte(n >> 8), byte(n)}
	default:
		header = []byte{b0, 127 | 0x80, 0, 0, 0, 0, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
	header = append(header, key[:]...)

	_, err = conn.Write(append(header, masked...))
	require.NoError(t, err)
}

// readServerFrame reads exactly one unmasked server-to-client frame.
func readServerFrame(t *testing.T, conn net.Conn) Frame {
	t.Helper()
	header := readN(t, conn, 2)
	final := header[0]&0x80 != 0
	opcode := Opcode(header[0] & 0x0F)
	lenField := header[1] & 0x7F

	var payloadLen int
	switch lenField {
	case 126:
		ext := readN(t, conn, 2)
		payloadLen = int(binary.BigEndian.Uint16(ext))
	case 127:
		ext := readN(t, conn, 8)
		payloadLen = int(binary.BigEndian.Uint64(ext))
	default:
		payloadLen = int(lenField)
	}

	payload := readN(t, conn, payloadLen)
	return Frame{Final: final, Opcode: opcode, Payload: payload}
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if n == 0 {
		return buf
	}
	total := 0
	for total < n {
		k, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += k
	}
	return buf
}

func TestIntegration_ValidHandshakeAcceptKey(t *testing.T) {
	ts := startTestServer(t, DefaultOptions(), func(c *Client) Handler { return &DefaultHandler{} })
	conn, err := net.DialTimeout("tcp", ts.addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	req := "GET / HTTP/1.1\r\n" +
		"Host: 127.0.0.1\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + sampleKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	resp := readUntilBlankLine(t, conn)
	require.Contains(t, resp, "Sec-WebSocket-Accept: "+sampleAccept)
}

func TestIntegration_EchoText(t *testing.T) {
	ts := startTestServer(t, DefaultOptions(), func(c *Client) Handler {
		return &echoingHandler{}
	})
	conn := dialAndUpgrade(t, ts.addr, sampleKey)
	defer conn.Close()

	writeClientFrame(t, conn, true, OpcodeText, []byte("hello reactor"))
	frame := readServerFrame(t, conn)
	require.Equal(t, OpcodeText, frame.Opcode)
	require.Equal(t, "hello reactor", string(frame.Payload))
}

type echoingHandler struct{ DefaultHandler }

func (echoingHandler) OnText(c *Client, text string) { c.SendText(text) }

func TestIntegration_FragmentedBinaryInterleavedWithDataIsProtocolError(t *testing.T) {
	ts := startTestServer(t, DefaultOptions(), func(c *Client) Handler { return &DefaultHandler{} })
	conn := dialAndUpgrade(t, ts.addr, sampleKey)
	defer conn.Close()

	writeClientFrame(t, conn, false, OpcodeBinary, []byte{1, 2, 3})
	writeClientFrame(t, conn, true, OpcodeText, []byte("interrupt"))

	frame := readServerFrame(t, conn)
	require.Equal(t, OpcodeClose, frame.Opcode)
	code, _, ok := closePayloadCode(frame.Payload)
	require.True(t, ok)
	require.Equal(t, CloseProtocolError, code)
}

func TestIntegration_InvalidUTF8ClosesWithInvalidPayload(t *testing.T) {
	ts := startTestServer(t, DefaultOptions(), func(c *Client) Handler { return &DefaultHandler{} })
	conn := dialAndUpgrade(t, ts.addr, sampleKey)
	defer conn.Close()

	writeClientFrame(t, conn, true, OpcodeText, []byte{0xff, 0xfe, 0xfd})

	frame := readServerFrame(t, conn)
	require.Equal(t, OpcodeClose, frame.Opcode)
	code, _, ok := closePayloadCode(frame.Payload)
	require.True(t, ok)
	require.Equal(t, CloseInvalidPayload, code)
}

func TestIntegration_OversizeFrameClosesWithMessageTooBig(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxFramePayload = 16
	ts := startTestServer(t, opts, func(c *Client) Handler { return &DefaultHandler{} })
	conn := dialAndUpgrade(t, ts.addr, sampleKey)
	defer conn.Close()

	// NewFrameReader raises the 16-byte limit to its 125-byte floor, so the
	// frame must be larger than 125 bytes to be oversize.
	writeClientFrame(t, conn, true, OpcodeBinary, make([]byte, 200))

	frame := readServerFrame(t, conn)
	require.Equal(t, OpcodeClose, frame.Opcode)
	code, _, ok := closePayloadCode(frame.Payload)
	require.True(t, ok)
	require.Equal(t, CloseMessageTooBig, code)
}

// broadcastHandler lets OnText on any one connection trigger a fan-out
// write to every registered client, exercising Server.Broadcast the way
// cmd/wsreactor-chat's own handler does.
type broadcastHandler struct {
	DefaultHandler
	srv **Server
}

func (h *broadcastHandler) OnText(c *Client, text string) {
	(*h.srv).Broadcast(OpcodeText, []byte(text))
}

func TestIntegration_BroadcastFanOutAndClientCount(t *testing.T) {
	var srv *Server
	ts := startTestServer(t, DefaultOptions(), func(c *Client) Handler {
		return &broadcastHandler{srv: &srv}
	})
	srv = ts.server

	require.Equal(t, 0, srv.ClientCount())

	connA := dialAndUpgrade(t, ts.addr, sampleKey)
	defer connA.Close()
	connB := dialAndUpgrade(t, ts.addr, sampleKey)
	defer connB.Close()

	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	writeClientFrame(t, connA, true, OpcodeText, []byte("fanout"))

	frameA := readServerFrame(t, connA)
	require.Equal(t, OpcodeText, frameA.Opcode)
	require.Equal(t, "fanout", string(frameA.Payload))

	frameB := readServerFrame(t, connB)
	require.Equal(t, OpcodeText, frameB.Opcode)
	require.Equal(t, "fanout", string(frameB.Payload))

	connB.Close()
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestIntegration_OrderlyClientClose(t *testing.T) {
	ts := startTestServer(t, DefaultOptions(), func(c *Client) Handler { return &DefaultHandler{} })
	conn := dialAndUpgrade(t, ts.addr, sampleKey)
	defer conn.Close()

	payload := append([]byte{0x03, 0xE8}, []byte("done")...)
	writeClientFrame(t, conn, true, OpcodeClose, payload)

	frame := readServerFrame(t, conn)
	require.Equal(t, OpcodeClose, frame.Opcode)
	code, reason, ok := closePayloadCode(frame.Payload)
	require.True(t, ok)
	require.Equal(t, CloseNormal, code)
	require.Equal(t, "done", string(reason))
}
