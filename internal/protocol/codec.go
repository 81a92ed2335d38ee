package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
)

// ErrMalformed is returned when a payload cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// ErrUnsupportedVersion is returned for messages written by another protocol version.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// Envelope field numbers.
const (
	fieldVersion     protowire.Number = 1
	fieldKind        protowire.Number = 2
	fieldUsername    protowire.Number = 3
	fieldPeer        protowire.Number = 4
	fieldMaxDuration protowire.Number = 5
	fieldStats       protowire.Number = 6
	fieldShape       protowire.Number = 7
	fieldResult      protowire.Number = 8
	fieldRecord      protowire.Number = 9
	fieldCode        protowire.Number = 10
	fieldText        protowire.Number = 11
	fieldWaiting     protowire.Number = 12
)

// Nested message field numbers.
const (
	// Stats and Entry share their numbering; Entry adds the username.
	statsScore      protowire.Number = 1
	statsDuration   protowire.Number = 2
	statsFinishedAt protowire.Number = 3
	entryUsername   protowire.Number = 4

	shapeID  protowire.Number = 1
	shapeRow protowire.Number = 2

	resultWinner       protowire.Number = 1
	resultEntry        protowire.Number = 2
	resultDisconnected protowire.Number = 3
)

// Marshal encodes m into a payload without framing.
//
// Precondition: m.Kind must be a known kind.
// Postcondition: Returns the encoded payload or an error.
func Marshal(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("marshal %s: %w", m.Kind, ErrMalformed)
	}
	b := make([]byte, 0, 64)
	b = appendVarint(b, fieldVersion, Version)
	b = appendVarint(b, fieldKind, uint64(m.Kind))

	var err error
	switch m.Kind {
	case KindRegister, KindRestart:
		b = appendString(b, fieldUsername, m.Username)
	case KindFinish:
		var stats []byte
		if stats, err = appendStats(nil, m.Stats); err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldStats, stats)
	case KindReadiness:
		b = appendVarint(b, fieldWaiting, protowire.EncodeBool(m.Waiting))
	case KindJoined:
		b = appendString(b, fieldPeer, m.Peer)
		b = appendVarint(b, fieldMaxDuration, uint64(int64(m.MaxDuration)))
	case KindShape:
		b = appendMessage(b, fieldShape, appendShape(nil, m.Shape))
	case KindResult:
		var res []byte
		if res, err = appendResult(nil, m.Result); err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldResult, res)
	case KindRecords:
		for _, e := range m.Records {
			var rec []byte
			if rec, err = appendEntry(nil, e); err != nil {
				return nil, err
			}
			b = appendMessage(b, fieldRecord, rec)
		}
	case KindError:
		b = appendVarint(b, fieldCode, uint64(m.Code))
		b = appendString(b, fieldText, m.Text)
	}
	return b, nil
}

// Unmarshal decodes a payload produced by Marshal. Unknown fields are skipped.
//
// Postcondition: Returns the message, or an error wrapping ErrMalformed or
// ErrUnsupportedVersion.
func Unmarshal(b []byte) (Message, error) {
	var (
		m          Message
		version    uint64
		sawVersion bool
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldVersion:
			version, sawVersion = u, true
		case fieldKind:
			m.Kind = Kind(int32(u))
		case fieldUsername:
			m.Username = string(v)
		case fieldPeer:
			m.Peer = string(v)
		case fieldMaxDuration:
			m.MaxDuration = int32(int64(u))
		case fieldStats:
			s, err := consumeStats(v)
			if err != nil {
				return err
			}
			m.Stats = s.Stats()
		case fieldShape:
			s, err := consumeShape(v)
			if err != nil {
				return err
			}
			m.Shape = s
		case fieldResult:
			r, err := consumeResult(v)
			if err != nil {
				return err
			}
			m.Result = r
		case fieldRecord:
			e, err := consumeStats(v)
			if err != nil {
				return err
			}
			m.Records = append(m.Records, e)
		case fieldCode:
			m.Code = ErrorCode(int32(u))
		case fieldText:
			m.Text = string(v)
		case fieldWaiting:
			m.Waiting = protowire.DecodeBool(u)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	if !sawVersion {
		return Message{}, fmt.Errorf("missing version: %w", ErrMalformed)
	}
	if version != Version {
		return Message{}, fmt.Errorf("version %d: %w", version, ErrUnsupportedVersion)
	}
	if !m.Kind.Valid() {
		return Message{}, fmt.Errorf("unknown kind %d: %w", int32(m.Kind), ErrMalformed)
	}
	if m.Kind == KindResult && m.Result.Stats == nil {
		m.Result = result.GameResult{Stats: []result.Entry{}, Disconnected: []string{}}
	}
	if m.Kind == KindRecords && m.Records == nil {
		m.Records = []result.Entry{}
	}
	return m, nil
}

// walk calls fn for every field in b. Varint fields pass their value in u;
// length-delimited fields pass their bytes in v.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("tag: %v: %w", protowire.ParseError(n), ErrMalformed)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), ErrMalformed)
			}
			b = b[n:]
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), ErrMalformed)
			}
			b = b[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), ErrMalformed)
			}
			b = b[n:]
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendTimestamp(b []byte, num protowire.Number, t time.Time) ([]byte, error) {
	if t.IsZero() {
		return b, nil
	}
	ts, err := proto.Marshal(timestamppb.New(t))
	if err != nil {
		return nil, fmt.Errorf("encoding timestamp: %w", err)
	}
	return appendMessage(b, num, ts), nil
}

func consumeTimestamp(v []byte) (time.Time, error) {
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(v, &ts); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %v: %w", err, ErrMalformed)
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %v: %w", err, ErrMalformed)
	}
	return ts.AsTime(), nil
}

func appendStats(b []byte, s result.PlayerStats) ([]byte, error) {
	b = appendVarint(b, statsScore, uint64(int64(s.Score)))
	b = appendString(b, statsDuration, s.Duration)
	return appendTimestamp(b, statsFinishedAt, s.FinishedAt)
}

func appendEntry(b []byte, e result.Entry) ([]byte, error) {
	b, err := appendStats(b, e.Stats())
	if err != nil {
		return nil, err
	}
	return appendString(b, entryUsername, e.Username), nil
}

// consumeStats decodes a Stats or Entry message; Username stays empty for Stats.
func consumeStats(b []byte) (result.Entry, error) {
	var e result.Entry
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case statsScore:
			e.Score = int(int64(u))
		case statsDuration:
			e.Duration = string(v)
		case statsFinishedAt:
			t, err := consumeTimestamp(v)
			if err != nil {
				return err
			}
			e.FinishedAt = t
		case entryUsername:
			e.Username = string(v)
		}
		return nil
	})
	return e, err
}

func appendShape(b []byte, s shape.Shape) []byte {
	b = appendVarint(b, shapeID, uint64(s.ID))
	for _, row := range s.Model {
		b = appendMessage(b, shapeRow, row)
	}
	return b
}

func consumeShape(b []byte) (shape.Shape, error) {
	var s shape.Shape
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case shapeID:
			s.ID = int(int64(u))
		case shapeRow:
			row := make([]uint8, len(v))
			for i, c := range v {
				if c > 1 {
					return fmt.Errorf("shape cell %d: %w", c, ErrMalformed)
				}
				row[i] = c
			}
			if len(s.Model) > 0 && len(row) != s.Model.Width() {
				return fmt.Errorf("ragged shape rows: %w", ErrMalformed)
			}
			s.Model = append(s.Model, row)
		}
		return nil
	})
	if err != nil {
		return shape.Shape{}, err
	}
	if !shape.ValidID(s.ID) {
		return shape.Shape{}, fmt.Errorf("shape id %d: %w", s.ID, ErrMalformed)
	}
	return s, nil
}

func appendResult(b []byte, r result.GameResult) ([]byte, error) {
	b = appendString(b, resultWinner, r.Winner)
	for _, e := range r.Stats {
		rec, err := appendEntry(nil, e)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, resultEntry, rec)
	}
	for _, name := range r.Disconnected {
		b = protowire.AppendTag(b, resultDisconnected, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	return b, nil
}

func consumeResult(b []byte) (result.GameResult, error) {
	r := result.GameResult{Stats: []result.Entry{}, Disconnected: []string{}}
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case resultWinner:
			r.Winner = string(v)
		case resultEntry:
			e, err := consumeStats(v)
			if err != nil {
				return err
			}
			r.Stats = append(r.Stats, e)
		case resultDisconnected:
			r.Disconnected = append(r.Disconnected, string(v))
		}
		return nil
	})
	return r, err
}
