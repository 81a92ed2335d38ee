// Package handlers drives one player connection through the game protocol.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/game/session"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
	"github.com/cory-johannsen/jigsaw/internal/observability"
	"github.com/cory-johannsen/jigsaw/internal/protocol"
)

// SessionHandler processes a connected client for the lifetime of its connection.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn protocol.Conn) error
}

// Coordinator is the session behaviour a GameHandler drives.
type Coordinator interface {
	Connect(username string) bool
	Restart(username string) bool
	AllConnected() bool
	Disconnect(username string)
	ShapeFor(username string) (shape.Shape, error)
	FinishInCycle(username string, stats result.PlayerStats) (session.Cycle, bool)
	CycleFinished(cycle session.Cycle) bool
	Results(ctx context.Context) result.GameResult
	AnotherPlayer(username string) string
	TopRecords(ctx context.Context) []result.Entry
	MaxDuration() int
	WaitAllConnected(ctx context.Context) error
	WaitCycleFinished(ctx context.Context, cycle session.Cycle) error
}

// State is the position of one connection in the game protocol.
type State int

const (
	StateUnregistered State = iota
	StateAwaitingBarrier
	StatePlaying
	StateAwaitingFinishBarrier
	StateFinished
	StateAwaitingRestartBarrier
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateAwaitingBarrier:
		return "awaiting_barrier"
	case StatePlaying:
		return "playing"
	case StateAwaitingFinishBarrier:
		return "awaiting_finish_barrier"
	case StateFinished:
		return "finished"
	case StateAwaitingRestartBarrier:
		return "awaiting_restart_barrier"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// errTransportLost marks a session that ended because the peer went away.
var errTransportLost = errors.New("transport lost")

// GameHandler implements SessionHandler against a shared Coordinator.
type GameHandler struct {
	coord     Coordinator
	transport string
	logger    *zap.Logger
}

// NewGameHandler creates a GameHandler. transport names the listener in log entries.
//
// Precondition: coord and logger must be non-nil.
// Postcondition: Returns a GameHandler ready to handle sessions.
func NewGameHandler(coord Coordinator, transport string, logger *zap.Logger) *GameHandler {
	return &GameHandler{coord: coord, transport: transport, logger: logger}
}

// event is one result of the connection's reader goroutine.
type event struct {
	msg protocol.Message
	err error
}

// connSession is the per-connection state machine.
type connSession struct {
	h        *GameHandler
	conn     protocol.Conn
	logger   *zap.Logger
	events   <-chan event
	state    State
	username string
	joined   bool
}

// HandleSession runs the protocol state machine until the client disconnects,
// the transport fails, a fatal protocol error occurs or ctx is cancelled.
// A session that joined the game is always removed from the coordinator on return.
//
// Postcondition: Returns nil on DISCONNECT or after a rejection was sent, or an
// error describing why the session ended abnormally.
func (h *GameHandler) HandleSession(ctx context.Context, conn protocol.Conn) error {
	start := time.Now()
	logger, _ := observability.ConnLogger(h.logger, h.transport, conn.RemoteAddr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event, 8)
	go func() {
		for {
			m, err := conn.ReadMessage()
			select {
			case events <- event{msg: m, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	s := &connSession{h: h, conn: conn, logger: logger, events: events, state: StateUnregistered}
	defer s.leave()

	err := s.run(ctx)
	logger.Info("session ended",
		zap.String("username", s.username),
		zap.Stringer("state", s.state),
		zap.Duration("duration", time.Since(start)),
		zap.NamedError("reason", err),
	)
	return err
}

func (s *connSession) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			if ev.err != nil {
				return s.readFailed(ev.err)
			}
			done, err := s.dispatch(ctx, ev.msg)
			if errors.Is(err, errDisconnected) {
				return nil
			}
			if err != nil || done {
				return err
			}
		}
	}
}

// leave removes the player from the coordinator if it ever joined.
func (s *connSession) leave() {
	s.state = StateClosed
	if s.joined {
		s.h.coord.Disconnect(s.username)
	}
}

// dispatch handles one request. done reports that the connection should close.
func (s *connSession) dispatch(ctx context.Context, m protocol.Message) (done bool, err error) {
	s.logger.Debug("request", zap.Stringer("kind", m.Kind), zap.Stringer("state", s.state))

	switch {
	case m.Kind == protocol.KindStatus:
		return false, s.send(protocol.Readiness(!s.h.coord.AllConnected()))
	case m.Kind == protocol.KindTop:
		return false, s.send(protocol.RecordsReply(s.h.coord.TopRecords(ctx)))
	case m.Kind == protocol.KindDisconnect:
		return true, nil
	case m.Kind == protocol.KindRegister && s.state == StateUnregistered:
		return s.register(ctx, m.Username)
	case m.Kind == protocol.KindGetShape && s.state == StatePlaying:
		return s.nextShape()
	case m.Kind == protocol.KindFinish && s.state == StatePlaying:
		return s.finish(ctx, m.Stats)
	case m.Kind == protocol.KindRestart && s.state == StateFinished:
		return s.restart(ctx, m.Username)
	}
	return true, s.violation(fmt.Sprintf("%s not allowed while %s", m.Kind, s.state))
}

func (s *connSession) register(ctx context.Context, username string) (bool, error) {
	if !s.h.coord.Connect(username) {
		s.logger.Info("registration rejected", zap.String("username", username))
		return true, s.send(protocol.Error(protocol.CodeCapacityExceeded, protocol.TextCapacityExceeded))
	}
	s.username = username
	s.joined = true
	s.logger = s.logger.With(zap.String("username", username))
	s.state = StateAwaitingBarrier
	return s.join(ctx)
}

func (s *connSession) restart(ctx context.Context, username string) (bool, error) {
	if username == "" {
		username = s.username
	}
	if !s.h.coord.Restart(username) {
		s.logger.Info("restart rejected", zap.String("requested", username))
		return true, s.send(protocol.Error(protocol.CodeCapacityExceeded, protocol.TextCapacityExceeded))
	}
	if username != s.username {
		s.username = username
		s.logger = s.logger.With(zap.String("username", username))
	}
	s.joined = true
	s.state = StateAwaitingRestartBarrier
	return s.join(ctx)
}

// join parks on the join barrier, then announces the peer.
func (s *connSession) join(ctx context.Context) (bool, error) {
	if err := s.await(ctx, s.h.coord.AllConnected, s.h.coord.WaitAllConnected); err != nil {
		return true, err
	}
	peer := s.h.coord.AnotherPlayer(s.username)
	if err := s.send(protocol.Joined(peer, s.h.coord.MaxDuration())); err != nil {
		return true, err
	}
	s.state = StatePlaying
	s.logger.Info("game started", zap.String("peer", peer))
	return false, nil
}

func (s *connSession) nextShape() (bool, error) {
	sh, err := s.h.coord.ShapeFor(s.username)
	if err != nil {
		s.logger.Warn("shape request from unregistered player", zap.Error(err))
		return true, s.send(protocol.Error(protocol.CodeUnregisteredPlayer, protocol.TextUnregisteredPlayer))
	}
	return false, s.send(protocol.ShapeReply(sh))
}

func (s *connSession) finish(ctx context.Context, stats result.PlayerStats) (bool, error) {
	cycle, ok := s.h.coord.FinishInCycle(s.username, stats)
	if !ok {
		s.state = StateFinished
		return false, s.send(protocol.Error(protocol.CodeAlreadyFinished, protocol.TextAlreadyFinished))
	}
	s.state = StateAwaitingFinishBarrier
	finished := func() bool { return s.h.coord.CycleFinished(cycle) }
	wait := func(ctx context.Context) error { return s.h.coord.WaitCycleFinished(ctx, cycle) }
	if err := s.await(ctx, finished, wait); err != nil {
		return true, err
	}
	res := s.h.coord.Results(ctx)
	// Completing the game freed every slot.
	s.joined = false
	s.state = StateFinished
	s.logger.Info("game finished",
		zap.String("winner", res.Winner),
		zap.Int("score", stats.Score),
	)
	return false, s.send(protocol.ResultReply(res))
}

// await reports readiness around a barrier wait. While parked, STATUS and TOP
// are still answered, DISCONNECT and transport loss abandon the wait, and any
// other request is a protocol violation.
func (s *connSession) await(ctx context.Context, ready func() bool, wait func(context.Context) error) error {
	if ready() {
		return s.send(protocol.Readiness(false))
	}
	if err := s.send(protocol.Readiness(true)); err != nil {
		return err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- wait(waitCtx) }()

	parked := time.Now()
	for {
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			s.logger.Debug("barrier released", zap.Duration("waited", time.Since(parked)))
			return s.send(protocol.Readiness(false))
		case ev := <-s.events:
			if ev.err != nil {
				return s.readFailed(ev.err)
			}
			switch ev.msg.Kind {
			case protocol.KindStatus:
				if err := s.send(protocol.Readiness(!ready())); err != nil {
					return err
				}
			case protocol.KindTop:
				if err := s.send(protocol.RecordsReply(s.h.coord.TopRecords(ctx))); err != nil {
					return err
				}
			case protocol.KindDisconnect:
				return errDisconnected
			default:
				return s.violation(fmt.Sprintf("%s not allowed while %s", ev.msg.Kind, s.state))
			}
		}
	}
}

// readFailed classifies a failed read. A payload the peer sent that cannot be
// decoded is a protocol violation and is reported before the connection
// closes; anything else means the transport is gone.
func (s *connSession) readFailed(err error) error {
	if errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, protocol.ErrUnsupportedVersion) ||
		errors.Is(err, protocol.ErrFrameTooLarge) {
		return s.violation(fmt.Sprintf("unreadable request: %v", err))
	}
	return fmt.Errorf("%w: %v", errTransportLost, err)
}

// errDisconnected ends a session whose client sent DISCONNECT while parked.
var errDisconnected = errors.New("disconnected while waiting")

func (s *connSession) violation(text string) error {
	s.logger.Warn("protocol violation", zap.String("detail", text))
	if err := s.send(protocol.Error(protocol.CodeProtocolViolation, text)); err != nil {
		return err
	}
	return fmt.Errorf("protocol violation: %s", text)
}

func (s *connSession) send(m protocol.Message) error {
	if err := s.conn.WriteMessage(m); err != nil {
		return fmt.Errorf("%w: writing %s: %v", errTransportLost, m.Kind, err)
	}
	return nil
}
