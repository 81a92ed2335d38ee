// Package client is the player-side API of the jigsaw protocol. A rendering
// layer or a bot drives one Client per player.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
	"github.com/cory-johannsen/jigsaw/internal/protocol"
)

var (
	// ErrCapacityExceeded is returned when the session has no free slot.
	ErrCapacityExceeded = errors.New("max player count reached")
	// ErrAlreadyFinished is returned when the game already reached its finish barrier.
	ErrAlreadyFinished = errors.New("game already finished")
	// ErrUnregisteredPlayer is returned when the server no longer knows the player.
	ErrUnregisteredPlayer = errors.New("player not registered")
	// ErrProtocolViolation is returned when the server rejected a request as out of order.
	ErrProtocolViolation = errors.New("protocol violation")
)

// ServerError is an ERROR reply from the server.
type ServerError struct {
	Code protocol.ErrorCode
	Text string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Text)
}

// Unwrap maps the error code onto this package's sentinel errors.
func (e *ServerError) Unwrap() error {
	switch e.Code {
	case protocol.CodeCapacityExceeded:
		return ErrCapacityExceeded
	case protocol.CodeAlreadyFinished:
		return ErrAlreadyFinished
	case protocol.CodeUnregisteredPlayer:
		return ErrUnregisteredPlayer
	case protocol.CodeProtocolViolation:
		return ErrProtocolViolation
	}
	return nil
}

// Game describes a started game.
type Game struct {
	// Peer is the other player's username, empty in a single-player game.
	Peer string
	// MaxDuration is the game length.
	MaxDuration time.Duration
}

// Client is one player's connection to the server. It is not safe for
// concurrent use.
type Client struct {
	conn     protocol.Conn
	username string

	// OnWaiting, when set, is called with every readiness report the server
	// sends while a request is pending.
	OnWaiting func(waiting bool)
}

// Dial connects to a TCP listener.
//
// Postcondition: Returns a connected Client or an error.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return New(protocol.NewStreamConn(raw, 0, 30*time.Second)), nil
}

// New wraps an established protocol connection.
func New(conn protocol.Conn) *Client {
	return &Client{conn: conn}
}

// Username returns the name the player registered under.
func (c *Client) Username() string { return c.username }

// Register joins the session and blocks until every player has joined.
//
// Postcondition: Returns the started game, or an error wrapping
// ErrCapacityExceeded when the session is full.
func (c *Client) Register(username string) (Game, error) {
	if err := c.conn.WriteMessage(protocol.Register(username)); err != nil {
		return Game{}, err
	}
	g, err := c.awaitJoined()
	if err != nil {
		return Game{}, err
	}
	c.username = username
	return g, nil
}

// Restart starts a new game after a finished one. An empty username keeps the
// current one.
func (c *Client) Restart(username string) (Game, error) {
	if err := c.conn.WriteMessage(protocol.Restart(username)); err != nil {
		return Game{}, err
	}
	g, err := c.awaitJoined()
	if err != nil {
		return Game{}, err
	}
	if username != "" {
		c.username = username
	}
	return g, nil
}

func (c *Client) awaitJoined() (Game, error) {
	m, err := c.await(protocol.KindJoined)
	if err != nil {
		return Game{}, err
	}
	return Game{Peer: m.Peer, MaxDuration: time.Duration(m.MaxDuration) * time.Second}, nil
}

// Status reports whether the session is still waiting for players.
func (c *Client) Status() (waiting bool, err error) {
	if err := c.conn.WriteMessage(protocol.Request(protocol.KindStatus)); err != nil {
		return false, err
	}
	m, err := c.read(protocol.KindReadiness)
	if err != nil {
		return false, err
	}
	return m.Waiting, nil
}

// NextShape draws the player's next shape.
func (c *Client) NextShape() (shape.Shape, error) {
	if err := c.conn.WriteMessage(protocol.Request(protocol.KindGetShape)); err != nil {
		return shape.Shape{}, err
	}
	m, err := c.read(protocol.KindShape)
	if err != nil {
		return shape.Shape{}, err
	}
	return m.Shape, nil
}

// Finish submits the player's stats and blocks until every player finished.
//
// Postcondition: Returns the ranked game result, or an error wrapping
// ErrAlreadyFinished; the connection stays usable after ErrAlreadyFinished.
func (c *Client) Finish(stats result.PlayerStats) (result.GameResult, error) {
	if err := c.conn.WriteMessage(protocol.Finish(stats)); err != nil {
		return result.GameResult{}, err
	}
	m, err := c.await(protocol.KindResult)
	if err != nil {
		return result.GameResult{}, err
	}
	return m.Result, nil
}

// Top fetches the leaderboard.
func (c *Client) Top() ([]result.Entry, error) {
	if err := c.conn.WriteMessage(protocol.Request(protocol.KindTop)); err != nil {
		return nil, err
	}
	m, err := c.read(protocol.KindRecords)
	if err != nil {
		return nil, err
	}
	return m.Records, nil
}

// Disconnect leaves the session and closes the connection.
func (c *Client) Disconnect() error {
	werr := c.conn.WriteMessage(protocol.Request(protocol.KindDisconnect))
	cerr := c.conn.Close()
	return errors.Join(werr, cerr)
}

// Close closes the connection without notifying the server.
func (c *Client) Close() error {
	return c.conn.Close()
}

// await reads readiness reports until a message of kind k arrives.
func (c *Client) await(k protocol.Kind) (protocol.Message, error) {
	for {
		m, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		switch m.Kind {
		case protocol.KindReadiness:
			if c.OnWaiting != nil {
				c.OnWaiting(m.Waiting)
			}
		case protocol.KindError:
			return protocol.Message{}, &ServerError{Code: m.Code, Text: m.Text}
		case k:
			return m, nil
		default:
			return protocol.Message{}, fmt.Errorf("expected %s, got %s: %w", k, m.Kind, protocol.ErrMalformed)
		}
	}
}

// read expects an immediate reply of kind k.
func (c *Client) read(k protocol.Kind) (protocol.Message, error) {
	m, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	switch m.Kind {
	case protocol.KindError:
		return protocol.Message{}, &ServerError{Code: m.Code, Text: m.Text}
	case k:
		return m, nil
	}
	return protocol.Message{}, fmt.Errorf("expected %s, got %s: %w", k, m.Kind, protocol.ErrMalformed)
}
