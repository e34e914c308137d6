package websocket

// Handler is the set of extension points a user of wsreactor supplies to
// react to a client's lifecycle and messages. spec.md §9 calls this out
// explicitly: subclass hooks in the reference design become a first-class
// capability object here rather than a base type callers must embed and
// override piecemeal — but Go composition still lets a caller embed
// DefaultHandler and override only the methods it cares about.
type Handler interface {
	// OnStateOK is called once, when a client's handshake completes and it
	// transitions from HANDSHAKE to OK.
	OnStateOK(c *Client)
	// OnText is called for each complete text message, already validated
	// as well-formed UTF-8.
	OnText(c *Client, text string)
	// OnBinary is called for each complete binary message.
	OnBinary(c *Client, data []byte)
	// OnPing is called for each received PING frame, after FrameHandler's
	// automatic PONG reply has already been written.
	OnPing(c *Client, payload []byte)
	// OnPong is called for each received PONG frame.
	OnPong(c *Client, payload []byte)
	// OnClose is called once, when a client's connection is torn down,
	// whether initiated locally, by the peer, or by a protocol error. code
	// and reason describe why; reason may be empty.
	OnClose(c *Client, code CloseCode, reason []byte)
}

// DefaultHandler implements Handler with the defaults spec.md §6 names:
// text and binary messages close the connection with CloseUnsupportedData
// (a Handler that actually wants messages must override OnText/OnBinary),
// pings and pongs are otherwise ignored, and close is a no-op. Embed this
// in a caller's handler type to pick and choose overrides.
type DefaultHandler struct{}

func (DefaultHandler) OnStateOK(c *Client) {}

func (DefaultHandler) OnText(c *Client, text string) {
	c.Close(CloseUnsupportedData, "text messages not supported")
}

func (DefaultHandler) OnBinary(c *Client, data []byte) {
	c.Close(CloseUnsupportedData, "binary messages not supported")
}

func (DefaultHandler) OnPing(c *Client, payload []byte) {}

func (DefaultHandler) OnPong(c *Client, payload []byte) {}

func (DefaultHandler) OnClose(c *Client, code CloseCode, reason []byte) {}
