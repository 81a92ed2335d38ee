package client_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/jigsaw/internal/client"
	"github.com/cory-johannsen/jigsaw/internal/frontend/handlers"
	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/game/rng"
	"github.com/cory-johannsen/jigsaw/internal/game/session"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
	"github.com/cory-johannsen/jigsaw/internal/protocol"
	"github.com/cory-johannsen/jigsaw/internal/storage/memory"
)

type server struct {
	t       *testing.T
	coord   *session.Coordinator
	store   *memory.ResultsStore
	handler *handlers.GameHandler
}

func newServer(t *testing.T, capacity int) *server {
	t.Helper()
	store := memory.NewResultsStore()
	coord, err := session.NewCoordinator(session.Config{Capacity: capacity, ShapeBatchSize: 20, MaxDurationSeconds: 120},
		shape.MustDefault(rng.NewSeededSource(5)), store, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &server{t: t, coord: coord, store: store, handler: handlers.NewGameHandler(coord, "pipe", zaptest.NewLogger(t))}
}

// connect returns a client whose connection is served by the handler over net.Pipe.
func (s *server) connect() *client.Client {
	s.t.Helper()
	cs, ss := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn := protocol.NewStreamConn(ss, 0, 0)
		defer conn.Close()
		_ = s.handler.HandleSession(ctx, conn)
	}()
	c := client.New(protocol.NewStreamConn(cs, 0, 0))
	s.t.Cleanup(func() {
		cancel()
		c.Close()
		<-done
	})
	return c
}

func stats(score int, duration string) result.PlayerStats {
	return result.PlayerStats{Score: score, Duration: duration, FinishedAt: time.Now().UTC().Truncate(time.Second)}
}

func TestSinglePlayerRoundTrip(t *testing.T) {
	srv := newServer(t, 1)
	c := srv.connect()

	var reports []bool
	c.OnWaiting = func(w bool) { reports = append(reports, w) }

	g, err := c.Register("Ivan")
	require.NoError(t, err)
	assert.Empty(t, g.Peer)
	assert.Equal(t, 2*time.Minute, g.MaxDuration)
	assert.Equal(t, []bool{false}, reports)
	assert.Equal(t, "Ivan", c.Username())

	waiting, err := c.Status()
	require.NoError(t, err)
	assert.False(t, waiting)

	sh, err := c.NextShape()
	require.NoError(t, err)
	assert.True(t, shape.ValidID(sh.ID))

	res, err := c.Finish(stats(12, "00:02:00"))
	require.NoError(t, err)
	assert.Equal(t, "Ivan", res.Winner)
	require.Len(t, res.Stats, 1)

	top, err := c.Top()
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 12, top[0].Score)

	g, err = c.Restart("Ivan2")
	require.NoError(t, err)
	assert.Empty(t, g.Peer)
	assert.Equal(t, "Ivan2", c.Username())

	require.NoError(t, c.Disconnect())
}

func TestTwoPlayers(t *testing.T) {
	srv := newServer(t, 2)
	a := srv.connect()
	b := srv.connect()

	type joined struct {
		g   client.Game
		err error
	}
	aJoined := make(chan joined, 1)
	go func() {
		g, err := a.Register("Ivan")
		aJoined <- joined{g, err}
	}()
	require.Eventually(t, func() bool { return srv.coord.Phase() == session.PhaseConnecting },
		2*time.Second, 5*time.Millisecond)

	gb, err := b.Register("Michael")
	require.NoError(t, err)
	assert.Equal(t, "Ivan", gb.Peer)
	ja := <-aJoined
	require.NoError(t, ja.err)
	assert.Equal(t, "Michael", ja.g.Peer)

	sa, err := a.NextShape()
	require.NoError(t, err)
	sb, err := b.NextShape()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)

	type finished struct {
		r   result.GameResult
		err error
	}
	aFinished := make(chan finished, 1)
	go func() {
		r, err := a.Finish(stats(3, "00:01:00"))
		aFinished <- finished{r, err}
	}()
	require.Eventually(t, func() bool { return srv.coord.Phase() == session.PhaseFinishing },
		2*time.Second, 5*time.Millisecond)

	rb, err := b.Finish(stats(7, "00:01:30"))
	require.NoError(t, err)
	fa := <-aFinished
	require.NoError(t, fa.err)
	assert.Equal(t, "Michael", rb.Winner)
	assert.Equal(t, rb, fa.r)
	assert.Equal(t, 2, srv.store.Len())
}

func TestRegisterCapacityExceeded(t *testing.T) {
	srv := newServer(t, 1)
	_, err := srv.connect().Register("Ivan")
	require.NoError(t, err)

	_, err = srv.connect().Register("Michael")
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrCapacityExceeded)

	var se *client.ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, protocol.CodeCapacityExceeded, se.Code)
	assert.Equal(t, protocol.TextCapacityExceeded, se.Text)
}

func TestOutOfOrderRequest(t *testing.T) {
	srv := newServer(t, 1)
	_, err := srv.connect().NextShape()
	assert.ErrorIs(t, err, client.ErrProtocolViolation)
}

func TestServerErrorUnwrap(t *testing.T) {
	cases := map[protocol.ErrorCode]error{
		protocol.CodeCapacityExceeded:   client.ErrCapacityExceeded,
		protocol.CodeAlreadyFinished:    client.ErrAlreadyFinished,
		protocol.CodeUnregisteredPlayer: client.ErrUnregisteredPlayer,
		protocol.CodeProtocolViolation:  client.ErrProtocolViolation,
	}
	for code, want := range cases {
		err := error(&client.ServerError{Code: code, Text: "x"})
		assert.ErrorIs(t, err, want, code.String())
	}
	assert.Nil(t, (&client.ServerError{Code: protocol.CodeUnknown}).Unwrap())
}

func TestDialUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.Dial(ctx, addr)
	assert.Error(t, err)
}
