package handlers_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/jigsaw/internal/frontend/handlers"
	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/game/rng"
	"github.com/cory-johannsen/jigsaw/internal/game/session"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
	"github.com/cory-johannsen/jigsaw/internal/protocol"
	"github.com/cory-johannsen/jigsaw/internal/storage/memory"
)

// fakeConn is an in-memory protocol.Conn driven by the test as the client.
type fakeConn struct {
	in     chan protocol.Message
	errs   chan error
	out    chan protocol.Message
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan protocol.Message),
		errs:   make(chan error),
		out:    make(chan protocol.Message, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (protocol.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case err := <-c.errs:
		return protocol.Message{}, err
	case <-c.closed:
		return protocol.Message{}, io.EOF
	}
}

func (c *fakeConn) WriteMessage(m protocol.Message) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.out <- m:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake:1" }

func (c *fakeConn) send(t *testing.T, m protocol.Message) {
	t.Helper()
	select {
	case c.in <- m:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not read %s", m.Kind)
	}
}

// fail makes the server's next read return err.
func (c *fakeConn) fail(t *testing.T, err error) {
	t.Helper()
	select {
	case c.errs <- err:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not read")
	}
}

func (c *fakeConn) expect(t *testing.T, kind protocol.Kind) protocol.Message {
	t.Helper()
	select {
	case m := <-c.out:
		require.Equal(t, kind, m.Kind, "unexpected reply %+v", m)
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s reply", kind)
	}
	return protocol.Message{}
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case m := <-c.out:
		t.Fatalf("unexpected reply %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	coord   *session.Coordinator
	store   *memory.ResultsStore
	handler *handlers.GameHandler
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	store := memory.NewResultsStore()
	coord, err := session.NewCoordinator(session.Config{
		Capacity:           capacity,
		ShapeBatchSize:     20,
		MaxDurationSeconds: 120,
	}, shape.MustDefault(rng.NewSeededSource(7)), store, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &fixture{
		coord:   coord,
		store:   store,
		handler: handlers.NewGameHandler(coord, "test", zaptest.NewLogger(t)),
	}
}

func (f *fixture) start(t *testing.T) (*fakeConn, <-chan error) {
	t.Helper()
	c := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- f.handler.HandleSession(context.Background(), c) }()
	t.Cleanup(func() { _ = c.Close() })
	return c, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	return nil
}

func TestGameHandler_SinglePlayerGame(t *testing.T) {
	f := newFixture(t, 1)
	c, done := f.start(t)

	c.send(t, protocol.Register("Ivan"))
	assert.False(t, c.expect(t, protocol.KindReadiness).Waiting)
	joined := c.expect(t, protocol.KindJoined)
	assert.Equal(t, "", joined.Peer)
	assert.Equal(t, int32(120), joined.MaxDuration)

	c.send(t, protocol.Request(protocol.KindGetShape))
	s := c.expect(t, protocol.KindShape).Shape
	assert.True(t, shape.ValidID(s.ID))

	c.send(t, protocol.Finish(result.PlayerStats{Score: 7, Duration: "00:00:45", FinishedAt: time.Now()}))
	assert.False(t, c.expect(t, protocol.KindReadiness).Waiting)
	res := c.expect(t, protocol.KindResult).Result
	assert.Equal(t, "Ivan", res.Winner)
	require.Len(t, res.Stats, 1)
	assert.Equal(t, 7, res.Stats[0].Score)

	c.send(t, protocol.Request(protocol.KindTop))
	records := c.expect(t, protocol.KindRecords).Records
	require.Len(t, records, 1)
	assert.Equal(t, "Ivan", records[0].Username)

	c.send(t, protocol.Request(protocol.KindDisconnect))
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, 1, f.store.Len())
}

func TestGameHandler_TwoPlayersJoinBarrier(t *testing.T) {
	f := newFixture(t, 2)
	a, _ := f.start(t)
	b, _ := f.start(t)

	a.send(t, protocol.Register("Ivan"))
	assert.True(t, a.expect(t, protocol.KindReadiness).Waiting)

	a.send(t, protocol.Request(protocol.KindStatus))
	assert.True(t, a.expect(t, protocol.KindReadiness).Waiting)

	b.send(t, protocol.Register("Michael"))
	assert.False(t, b.expect(t, protocol.KindReadiness).Waiting)
	assert.Equal(t, "Ivan", b.expect(t, protocol.KindJoined).Peer)

	assert.False(t, a.expect(t, protocol.KindReadiness).Waiting)
	assert.Equal(t, "Michael", a.expect(t, protocol.KindJoined).Peer)
}

func TestGameHandler_FullGameRanksAndPersistsOnce(t *testing.T) {
	f := newFixture(t, 2)
	a, _ := f.start(t)
	b, _ := f.start(t)

	a.send(t, protocol.Register("Ivan"))
	a.expect(t, protocol.KindReadiness)
	b.send(t, protocol.Register("Michael"))
	b.expect(t, protocol.KindReadiness)
	b.expect(t, protocol.KindJoined)
	a.expect(t, protocol.KindReadiness)
	a.expect(t, protocol.KindJoined)

	a.send(t, protocol.Finish(result.PlayerStats{Score: 10, Duration: "00:01:00", FinishedAt: time.Now()}))
	assert.True(t, a.expect(t, protocol.KindReadiness).Waiting)
	a.expectNothing(t)

	b.send(t, protocol.Finish(result.PlayerStats{Score: 9, Duration: "00:00:20", FinishedAt: time.Now()}))
	b.expect(t, protocol.KindReadiness)
	resB := b.expect(t, protocol.KindResult).Result

	a.expect(t, protocol.KindReadiness)
	resA := a.expect(t, protocol.KindResult).Result

	assert.Equal(t, "Ivan", resA.Winner)
	assert.Equal(t, resA.Winner, resB.Winner)
	assert.Equal(t, []string{"Ivan", "Michael"}, []string{resA.Stats[0].Username, resA.Stats[1].Username})
	assert.Equal(t, 2, f.store.Len())
}

func TestGameHandler_CapacityExceeded(t *testing.T) {
	f := newFixture(t, 1)
	a, _ := f.start(t)
	a.send(t, protocol.Register("Ivan"))
	a.expect(t, protocol.KindReadiness)
	a.expect(t, protocol.KindJoined)

	c, done := f.start(t)
	c.send(t, protocol.Register("Wilhelm"))
	e := c.expect(t, protocol.KindError)
	assert.Equal(t, protocol.CodeCapacityExceeded, e.Code)
	assert.Equal(t, protocol.TextCapacityExceeded, e.Text)
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, session.PhaseActive, f.coord.Phase(), "rejected client leaves the session untouched")
}

func TestGameHandler_OutOfOrderCommand(t *testing.T) {
	f := newFixture(t, 1)
	c, done := f.start(t)

	c.send(t, protocol.Request(protocol.KindGetShape))
	e := c.expect(t, protocol.KindError)
	assert.Equal(t, protocol.CodeProtocolViolation, e.Code)
	assert.Error(t, waitDone(t, done))
}

func TestGameHandler_RestartBeforeFinishIsViolation(t *testing.T) {
	f := newFixture(t, 1)
	c, done := f.start(t)
	c.send(t, protocol.Register("Ivan"))
	c.expect(t, protocol.KindReadiness)
	c.expect(t, protocol.KindJoined)

	c.send(t, protocol.Restart(""))
	assert.Equal(t, protocol.CodeProtocolViolation, c.expect(t, protocol.KindError).Code)
	assert.Error(t, waitDone(t, done))
	assert.Equal(t, session.PhaseIdle, f.coord.Phase(), "violating player is disconnected")
}

func TestGameHandler_TransportLossWhileParked(t *testing.T) {
	f := newFixture(t, 2)
	c, done := f.start(t)
	c.send(t, protocol.Register("Ivan"))
	assert.True(t, c.expect(t, protocol.KindReadiness).Waiting)

	require.NoError(t, c.Close())
	assert.Error(t, waitDone(t, done))
	assert.Equal(t, session.PhaseIdle, f.coord.Phase())
	assert.True(t, f.coord.Connect("Ivan"), "username released")
}

func TestGameHandler_UnreadableRequestIsViolation(t *testing.T) {
	f := newFixture(t, 1)
	c, done := f.start(t)

	c.fail(t, fmt.Errorf("unknown kind 50: %w", protocol.ErrMalformed))
	e := c.expect(t, protocol.KindError)
	assert.Equal(t, protocol.CodeProtocolViolation, e.Code)
	assert.Contains(t, e.Text, "unknown kind 50")
	assert.Error(t, waitDone(t, done))
}

func TestGameHandler_UnreadableRequestWhileParked(t *testing.T) {
	for name, err := range map[string]error{
		"version": fmt.Errorf("version 2: %w", protocol.ErrUnsupportedVersion),
		"size":    fmt.Errorf("2000000 bytes: %w", protocol.ErrFrameTooLarge),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 2)
			c, done := f.start(t)
			c.send(t, protocol.Register("Ivan"))
			assert.True(t, c.expect(t, protocol.KindReadiness).Waiting)

			c.fail(t, err)
			assert.Equal(t, protocol.CodeProtocolViolation, c.expect(t, protocol.KindError).Code)
			assert.Error(t, waitDone(t, done))
			assert.Equal(t, session.PhaseIdle, f.coord.Phase())
		})
	}
}

// restartingCoordinator runs a hook right after a successful finish, before the
// finishing handler gets to wait on the barrier.
type restartingCoordinator struct {
	*session.Coordinator
	afterFinish func(username string)
}

func (r *restartingCoordinator) FinishInCycle(username string, stats result.PlayerStats) (session.Cycle, bool) {
	cycle, ok := r.Coordinator.FinishInCycle(username, stats)
	if ok {
		r.afterFinish(username)
	}
	return cycle, ok
}

func TestGameHandler_PeerRestartDoesNotStrandFinisher(t *testing.T) {
	f := newFixture(t, 2)
	coord := &restartingCoordinator{Coordinator: f.coord}
	coord.afterFinish = func(username string) {
		if username == "Michael" {
			// Ivan was released by the barrier and restarted immediately.
			assert.True(t, coord.Coordinator.Restart("Ivan"))
		}
	}
	handler := handlers.NewGameHandler(coord, "test", zaptest.NewLogger(t))
	start := func() *fakeConn {
		c := newFakeConn()
		go func() { _ = handler.HandleSession(context.Background(), c) }()
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	a, b := start(), start()

	a.send(t, protocol.Register("Ivan"))
	a.expect(t, protocol.KindReadiness)
	b.send(t, protocol.Register("Michael"))
	b.expect(t, protocol.KindReadiness)
	b.expect(t, protocol.KindJoined)
	a.expect(t, protocol.KindReadiness)
	a.expect(t, protocol.KindJoined)

	a.send(t, protocol.Finish(result.PlayerStats{Score: 4, Duration: "00:01:00", FinishedAt: time.Now()}))
	assert.True(t, a.expect(t, protocol.KindReadiness).Waiting)

	b.send(t, protocol.Finish(result.PlayerStats{Score: 6, Duration: "00:01:10", FinishedAt: time.Now()}))
	assert.False(t, b.expect(t, protocol.KindReadiness).Waiting, "finisher must not park on the next cycle")
	assert.Equal(t, "Michael", b.expect(t, protocol.KindResult).Result.Winner)

	assert.False(t, a.expect(t, protocol.KindReadiness).Waiting)
	assert.Equal(t, "Michael", a.expect(t, protocol.KindResult).Result.Winner)
	assert.Equal(t, 2, f.store.Len())
}

func TestGameHandler_DisconnectReleasesFinishBarrier(t *testing.T) {
	f := newFixture(t, 2)
	a, _ := f.start(t)
	b, bDone := f.start(t)

	a.send(t, protocol.Register("Ivan"))
	a.expect(t, protocol.KindReadiness)
	b.send(t, protocol.Register("Michael"))
	b.expect(t, protocol.KindReadiness)
	b.expect(t, protocol.KindJoined)
	a.expect(t, protocol.KindReadiness)
	a.expect(t, protocol.KindJoined)

	a.send(t, protocol.Finish(result.PlayerStats{Score: 3, Duration: "00:00:30"}))
	assert.True(t, a.expect(t, protocol.KindReadiness).Waiting)

	b.send(t, protocol.Request(protocol.KindDisconnect))
	assert.NoError(t, waitDone(t, bDone))

	assert.False(t, a.expect(t, protocol.KindReadiness).Waiting)
	res := a.expect(t, protocol.KindResult).Result
	assert.Equal(t, "Ivan", res.Winner)
	assert.Equal(t, []string{"Michael"}, res.Disconnected)
}

func TestGameHandler_Restart(t *testing.T) {
	f := newFixture(t, 1)
	c, _ := f.start(t)
	c.send(t, protocol.Register("Ivan"))
	c.expect(t, protocol.KindReadiness)
	c.expect(t, protocol.KindJoined)
	c.send(t, protocol.Finish(result.PlayerStats{Score: 1}))
	c.expect(t, protocol.KindReadiness)
	c.expect(t, protocol.KindResult)

	c.send(t, protocol.Restart(""))
	assert.False(t, c.expect(t, protocol.KindReadiness).Waiting)
	assert.Equal(t, int32(120), c.expect(t, protocol.KindJoined).MaxDuration)

	c.send(t, protocol.Request(protocol.KindGetShape))
	c.expect(t, protocol.KindShape)
	assert.Equal(t, session.PhaseActive, f.coord.Phase())
}

func TestGameHandler_ShutdownCancelsWait(t *testing.T) {
	f := newFixture(t, 2)
	c := newFakeConn()
	t.Cleanup(func() { _ = c.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.handler.HandleSession(ctx, c) }()

	c.send(t, protocol.Register("Ivan"))
	c.expect(t, protocol.KindReadiness)
	cancel()

	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
	assert.Equal(t, session.PhaseIdle, f.coord.Phase())
}

func TestGameHandler_TopWhileUnregistered(t *testing.T) {
	f := newFixture(t, 1)
	c, _ := f.start(t)
	c.send(t, protocol.Request(protocol.KindTop))
	assert.Empty(t, c.expect(t, protocol.KindRecords).Records)
	c.send(t, protocol.Request(protocol.KindStatus))
	assert.True(t, c.expect(t, protocol.KindReadiness).Waiting)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_finish_barrier", handlers.StateAwaitingFinishBarrier.String())
	assert.Equal(t, "state(42)", handlers.State(42).String())
}
