package websocket

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/jigsaw/internal/config"
	"github.com/cory-johannsen/jigsaw/internal/frontend/handlers"
	"github.com/cory-johannsen/jigsaw/internal/game/rng"
	"github.com/cory-johannsen/jigsaw/internal/game/session"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
	"github.com/cory-johannsen/jigsaw/internal/protocol"
	"github.com/cory-johannsen/jigsaw/internal/storage/memory"
)

func startServer(t *testing.T, capacity int) (*Server, *session.Coordinator) {
	t.Helper()
	coord, err := session.NewCoordinator(session.Config{Capacity: capacity, ShapeBatchSize: 20, MaxDurationSeconds: 90},
		shape.MustDefault(rng.NewSeededSource(3)), memory.NewResultsStore(), zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := config.WebSocketConfig{Enabled: true, Host: "127.0.0.1", Port: 0, Path: "/play"}
	s := NewServer(cfg, handlers.NewGameHandler(coord, "websocket", zaptest.NewLogger(t)), zaptest.NewLogger(t))
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	require.Eventually(t, func() bool {
		return s.IsRunning() && s.Addr() != ""
	}, 2*time.Second, 10*time.Millisecond, "server did not start in time")

	t.Cleanup(func() {
		s.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop in time")
		}
	})
	return s, coord
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/play", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, m protocol.Message) {
	t.Helper()
	payload, err := protocol.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, payload))
}

func expect(t *testing.T, ws *websocket.Conn, k protocol.Kind) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	typ, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	m, err := protocol.Unmarshal(payload)
	require.NoError(t, err)
	require.Equal(t, k, m.Kind, "got %+v", m)
	return m
}

func TestServerSinglePlayerGame(t *testing.T) {
	s, coord := startServer(t, 1)
	ws := dial(t, s)

	send(t, ws, protocol.Register("Ivan"))
	assert.False(t, expect(t, ws, protocol.KindReadiness).Waiting)
	joined := expect(t, ws, protocol.KindJoined)
	assert.Empty(t, joined.Peer)
	assert.Equal(t, int32(90), joined.MaxDuration)

	send(t, ws, protocol.Request(protocol.KindGetShape))
	sh := expect(t, ws, protocol.KindShape).Shape
	assert.True(t, shape.ValidID(sh.ID))
	assert.Equal(t, session.PhaseActive, coord.Phase())

	send(t, ws, protocol.Request(protocol.KindDisconnect))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return coord.Phase() == session.PhaseIdle },
		2*time.Second, 10*time.Millisecond)
}

func TestServerRejectsTextMessages(t *testing.T) {
	s, _ := startServer(t, 1)
	ws := dial(t, s)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("REGISTER Ivan")))
	assert.Equal(t, protocol.CodeProtocolViolation, expect(t, ws, protocol.KindError).Code)
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "server drops a connection that speaks text frames")
}

func TestServerWrongPath(t *testing.T) {
	s, _ := startServer(t, 1)
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/other", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerStopCancelsParkedSession(t *testing.T) {
	coord, err := session.NewCoordinator(session.Config{Capacity: 2, ShapeBatchSize: 20, MaxDurationSeconds: 90},
		shape.MustDefault(rng.NewSeededSource(3)), memory.NewResultsStore(), zaptest.NewLogger(t))
	require.NoError(t, err)
	s := NewServer(config.WebSocketConfig{Enabled: true, Host: "127.0.0.1", Path: "/play"},
		handlers.NewGameHandler(coord, "websocket", zaptest.NewLogger(t)), zaptest.NewLogger(t))
	go func() { _ = s.ListenAndServe() }()
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	ws := dial(t, s)
	send(t, ws, protocol.Register("Ivan"))
	assert.True(t, expect(t, ws, protocol.KindReadiness).Waiting)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		t.Fatal("stop did not cancel the parked session")
	}
	assert.Equal(t, session.PhaseIdle, coord.Phase())
	assert.False(t, s.IsRunning())
}
