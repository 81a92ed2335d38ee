// Package protocol defines the jigsaw wire protocol: tagged messages encoded as
// protobuf wire records inside uvarint length-prefixed frames.
package protocol

import (
	"fmt"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
)

// Version is the protocol version written into every message.
const Version = 1

// Kind identifies a message type.
type Kind int32

// Client requests.
const (
	KindRegister Kind = iota + 1
	KindStatus
	KindGetShape
	KindFinish
	KindRestart
	KindTop
	KindDisconnect
)

// Server replies.
const (
	// KindReadiness reports whether the sender is parked on a barrier.
	KindReadiness Kind = iota + 100
	// KindJoined answers REGISTER and RESTART with the peer and game length.
	KindJoined
	KindShape
	KindResult
	KindRecords
	KindError
)

var kindNames = map[Kind]string{
	KindRegister:   "REGISTER",
	KindStatus:     "STATUS",
	KindGetShape:   "GET SHAPE",
	KindFinish:     "FINISH",
	KindRestart:    "RESTART",
	KindTop:        "TOP",
	KindDisconnect: "DISCONNECT",
	KindReadiness:  "READINESS",
	KindJoined:     "JOINED",
	KindShape:      "SHAPE",
	KindResult:     "RESULT",
	KindRecords:    "RECORDS",
	KindError:      "ERROR",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int32(k))
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsRequest reports whether k is sent by clients.
func (k Kind) IsRequest() bool {
	return k >= KindRegister && k <= KindDisconnect
}

// ErrorCode classifies an ERROR reply.
type ErrorCode int32

const (
	CodeUnknown ErrorCode = iota
	CodeCapacityExceeded
	CodeAlreadyFinished
	CodeUnregisteredPlayer
	CodeProtocolViolation
)

func (c ErrorCode) String() string {
	switch c {
	case CodeCapacityExceeded:
		return "capacity_exceeded"
	case CodeAlreadyFinished:
		return "already_finished"
	case CodeUnregisteredPlayer:
		return "unregistered_player"
	case CodeProtocolViolation:
		return "protocol_violation"
	}
	return "unknown"
}

// Message is one protocol message. Only the fields relevant to Kind are encoded.
type Message struct {
	Kind Kind

	// Username names the player (REGISTER, RESTART).
	Username string
	// Peer is the other player's username, empty when playing alone (JOINED).
	Peer string
	// MaxDuration is the game length in seconds (JOINED).
	MaxDuration int32
	// Stats carries the finishing player's stats (FINISH).
	Stats result.PlayerStats
	// Shape is the next shape (SHAPE).
	Shape shape.Shape
	// Result is the ranked outcome of a game (RESULT).
	Result result.GameResult
	// Records is the leaderboard (RECORDS).
	Records []result.Entry
	// Code and Text describe a failure (ERROR).
	Code ErrorCode
	Text string
	// Waiting is true while the server is parked on a barrier (READINESS, STATUS reply).
	Waiting bool
}

// Register builds a REGISTER request.
func Register(username string) Message { return Message{Kind: KindRegister, Username: username} }

// Restart builds a RESTART request.
func Restart(username string) Message { return Message{Kind: KindRestart, Username: username} }

// Finish builds a FINISH request.
func Finish(stats result.PlayerStats) Message { return Message{Kind: KindFinish, Stats: stats} }

// Request builds a request that carries no payload (STATUS, GET SHAPE, TOP, DISCONNECT).
func Request(k Kind) Message { return Message{Kind: k} }

// Readiness builds a READINESS reply.
func Readiness(waiting bool) Message { return Message{Kind: KindReadiness, Waiting: waiting} }

// Joined builds a JOINED reply.
func Joined(peer string, maxDuration int) Message {
	return Message{Kind: KindJoined, Peer: peer, MaxDuration: int32(maxDuration)}
}

// ShapeReply builds a SHAPE reply.
func ShapeReply(s shape.Shape) Message { return Message{Kind: KindShape, Shape: s} }

// ResultReply builds a RESULT reply.
func ResultReply(r result.GameResult) Message { return Message{Kind: KindResult, Result: r} }

// RecordsReply builds a RECORDS reply.
func RecordsReply(records []result.Entry) Message { return Message{Kind: KindRecords, Records: records} }

// Error builds an ERROR reply.
func Error(code ErrorCode, text string) Message { return Message{Kind: KindError, Code: code, Text: text} }

// Canonical texts for ERROR replies.
const (
	TextCapacityExceeded   = "MAX PLAYER COUNT REACHED"
	TextAlreadyFinished    = "GAME ALREADY FINISHED"
	TextUnregisteredPlayer = "PLAYER NOT REGISTERED"
)
