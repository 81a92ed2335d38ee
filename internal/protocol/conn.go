package protocol

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
)

// Conn is a bidirectional message transport for one player connection.
type Conn interface {
	// ReadMessage blocks for the next message from the peer.
	ReadMessage() (Message, error)
	// WriteMessage sends m to the peer. Safe for concurrent use.
	WriteMessage(m Message) error
	// Close closes the transport, unblocking a pending ReadMessage.
	Close() error
	// RemoteAddr describes the peer.
	RemoteAddr() string
}

// StreamConn carries framed messages over a byte stream such as a TCP socket.
type StreamConn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewStreamConn wraps raw. Zero timeouts disable the corresponding deadline.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a StreamConn ready for reading and writing.
func NewStreamConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *StreamConn {
	return &StreamConn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadMessage reads and decodes the next frame.
//
// Postcondition: Returns the next message, or an error (including io.EOF).
func (c *StreamConn) ReadMessage() (Message, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	payload, err := ReadFrame(c.reader)
	if err != nil {
		return Message{}, err
	}
	return Unmarshal(payload)
}

// WriteMessage encodes m and writes it as one frame.
//
// Postcondition: The frame is written in full or an error is returned.
func (c *StreamConn) WriteMessage(m Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	frame, err := AppendFrame(nil, payload)
	if err != nil {
		return fmt.Errorf("framing %s: %w", m.Kind, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err = c.raw.Write(frame)
	return err
}

// Close closes the underlying connection.
//
// Postcondition: The connection is closed and no longer usable.
func (c *StreamConn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the remote network address of the peer.
func (c *StreamConn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
