package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/cory-johannsen/jigsaw/internal/protocol"
)

// ProtocolClient is a raw message-level client for integration testing.
type ProtocolClient struct {
	raw  net.Conn
	conn *protocol.StreamConn
	t    *testing.T
}

// NewProtocolClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected ProtocolClient or fails the test.
func NewProtocolClient(t *testing.T, addr string) *ProtocolClient {
	t.Helper()
	start := time.Now()

	raw, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	conn := protocol.NewStreamConn(raw, 5*time.Second, 5*time.Second)
	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("protocol client connected to %s [%s]", addr, time.Since(start))
	return &ProtocolClient{raw: raw, conn: conn, t: t}
}

// Send writes one message to the server.
//
// Postcondition: m is written or the test fails.
func (c *ProtocolClient) Send(m protocol.Message) {
	c.t.Helper()
	if err := c.conn.WriteMessage(m); err != nil {
		c.t.Fatalf("sending %s: %v", m.Kind, err)
	}
}

// SendPayload frames and writes an already encoded payload, bypassing Marshal.
//
// Postcondition: the frame is written or the test fails.
func (c *ProtocolClient) SendPayload(payload []byte) {
	c.t.Helper()
	frame, err := protocol.AppendFrame(nil, payload)
	if err != nil {
		c.t.Fatalf("framing payload: %v", err)
	}
	if _, err := c.raw.Write(frame); err != nil {
		c.t.Fatalf("sending payload: %v", err)
	}
}

// Expect reads the next message and fails the test unless it has the given kind.
//
// Postcondition: Returns the message of kind k.
func (c *ProtocolClient) Expect(k protocol.Kind) protocol.Message {
	c.t.Helper()
	m, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading %s: %v", k, err)
	}
	if m.Kind != k {
		c.t.Fatalf("expected %s, got %s (%+v)", k, m.Kind, m)
	}
	return m
}

// ExpectClosed fails the test unless the server closes the connection.
func (c *ProtocolClient) ExpectClosed() {
	c.t.Helper()
	if m, err := c.conn.ReadMessage(); err == nil {
		c.t.Fatalf("expected closed connection, got %s", m.Kind)
	}
}

// Close closes the underlying connection.
func (c *ProtocolClient) Close() {
	c.conn.Close()
}
