package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// text messages are not frames and must be ignored by the client
			_ = conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewWebSocketRequiresURL(t *testing.T) {
	_, err := NewWebSocket(Config{}, nil)
	assert.Error(t, err)
}

func TestWebSocketSendBeforeConnect(t *testing.T) {
	ws, err := NewWebSocket(Config{URL: "ws://127.0.0.1:1/ws"}, nil)
	require.NoError(t, err)

	assert.False(t, ws.Connected())
	assert.True(t, errors.Is(ws.Send([]byte{1}), ErrNotConnected))
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws, err := NewWebSocket(Config{URL: url, ReconnectInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ws.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, ws.Connected, 2*time.Second, 10*time.Millisecond)

	frame := []byte{1, 2, 0, 1, 0, 0, 0}
	require.NoError(t, ws.Send(frame))

	select {
	case got := <-ws.Inbound():
		assert.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}

	stats := ws.GetStats()
	assert.Equal(t, uint64(1), stats.FramesSent)
	assert.Equal(t, uint64(1), stats.FramesReceived)
	assert.Equal(t, uint64(1), stats.Connects)
}
