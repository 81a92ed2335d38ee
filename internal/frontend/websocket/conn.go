package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/jigsaw/internal/protocol"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the peer may stay silent before the connection is dropped.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Conn carries one protocol message per binary websocket message.
type Conn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

// NewConn wraps ws and starts its keepalive pings.
//
// Precondition: ws must be an open websocket connection.
// Postcondition: Returns a Conn implementing protocol.Conn; Close stops the pings.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, done: make(chan struct{})}
	ws.SetReadLimit(protocol.MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadMessage reads the next binary message and decodes it.
//
// Postcondition: Returns the next message, or an error once the peer closes.
func (c *Conn) ReadMessage() (protocol.Message, error) {
	typ, payload, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	if typ != websocket.BinaryMessage {
		return protocol.Message{}, fmt.Errorf("websocket message type %d: %w", typ, protocol.ErrMalformed)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return protocol.Unmarshal(payload)
}

// WriteMessage encodes m into one binary websocket message.
func (c *Conn) WriteMessage(m protocol.Message) error {
	payload, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}

// Close sends a close frame on a best-effort basis and closes the socket.
//
// Postcondition: The connection is closed and the keepalive goroutine exits.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the remote network address of the peer.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
