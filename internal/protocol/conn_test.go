package protocol_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/jigsaw/internal/protocol"
)

func pipe(t *testing.T) (*protocol.StreamConn, *protocol.StreamConn) {
	t.Helper()
	a, b := net.Pipe()
	ca := protocol.NewStreamConn(a, 0, time.Second)
	cb := protocol.NewStreamConn(b, 0, time.Second)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestStreamConn_Exchange(t *testing.T) {
	client, server := pipe(t)

	go func() {
		_ = client.WriteMessage(protocol.Register("Ivan"))
	}()
	m, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindRegister, m.Kind)
	assert.Equal(t, "Ivan", m.Username)

	go func() {
		_ = server.WriteMessage(protocol.Joined("Michael", 120))
	}()
	m, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Michael", m.Peer)
	assert.Equal(t, int32(120), m.MaxDuration)
}

func TestStreamConn_ReadAfterPeerClose(t *testing.T) {
	client, server := pipe(t)
	require.NoError(t, client.Close())

	_, err := server.ReadMessage()
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe))
}

func TestStreamConn_ReadTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := protocol.NewStreamConn(a, 20*time.Millisecond, 0)

	_, err := conn.ReadMessage()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestStreamConn_RemoteAddr(t *testing.T) {
	client, _ := pipe(t)
	assert.NotEmpty(t, client.RemoteAddr())
}
