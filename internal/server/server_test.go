package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/74th/websocket-control-stackchan/internal/audio"
	"github.com/74th/websocket-control-stackchan/internal/config"
	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/protocol"
	"github.com/74th/websocket-control-stackchan/internal/state"
	"github.com/74th/websocket-control-stackchan/internal/stream"
)

type testServer struct {
	http    *HTTPServer
	srv     *httptest.Server
	manager *stream.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Server.RecordingsDir = t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	sessionCfg := stream.DefaultSessionConfig()
	sessionCfg.SampleRate = cfg.Audio.SampleRate
	sessionCfg.RecordingsDir = cfg.Server.RecordingsDir
	sessionCfg.SpeakDoneTimeout = 5 * time.Second
	sessionCfg.MaxTurns = 1

	manager, err := stream.NewManager(stream.ManagerConfig{
		Session:        sessionCfg,
		SessionTimeout: cfg.Server.GetSessionTimeout(),
	}, nil, logger, m)
	require.NoError(t, err)

	devices := NewDeviceHandler(manager, stream.EchoResponder{}, cfg.Server.ReadBufferSize, logger)
	h := NewHTTPServer(cfg, manager, devices, logger, m, reg)
	srv := httptest.NewServer(h.Handler())

	t.Cleanup(func() {
		srv.Close()
		manager.Stop()
	})
	return &testServer{http: h, srv: srv, manager: manager}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/stackchan"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, kind protocol.Kind, phase protocol.Phase, seq uint16, payload []byte) {
	t.Helper()
	data, err := protocol.Encode(kind, phase, seq, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

// readFrame returns the next binary frame, skipping text notices.
func readFrame(t *testing.T, conn *websocket.Conn) (protocol.Header, []byte) {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.BinaryMessage {
			continue
		}
		h, payload, err := protocol.Decode(data)
		require.NoError(t, err)
		return h, payload
	}
}

func expectState(t *testing.T, conn *websocket.Conn, want state.State) {
	t.Helper()
	h, payload := readFrame(t, conn)
	require.Equal(t, protocol.KindStateCommand, h.Kind, "got %s", h)
	require.Equal(t, uint8(want), payload[0])
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndRoutes(t *testing.T) {
	ts := newTestServer(t)

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.srv.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.srv.URL+"/sessions/missing", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.srv.URL+"/stats/transcription", nil))

	var cfg map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.srv.URL+"/config", &cfg))
	assert.NotContains(t, cfg["transcription"], "api_key")

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "stackchan_http_requests_total")
}

func TestTalkSessionOverWebSocket(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, protocol.KindWakeWordEvent, protocol.PhaseData, 0, []byte{1})
	expectState(t, conn, state.Listening)

	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(i % 300)
	}
	send(t, conn, protocol.KindUplinkPCM, protocol.PhaseStart, 0, nil)
	send(t, conn, protocol.KindUplinkPCM, protocol.PhaseData, 1, audio.SamplesToBytes(samples))
	send(t, conn, protocol.KindUplinkPCM, protocol.PhaseEnd, 2, nil)

	expectState(t, conn, state.Thinking)

	h, payload := readFrame(t, conn)
	require.Equal(t, protocol.KindDownlinkAudio, h.Kind)
	require.Equal(t, protocol.PhaseStart, h.Phase)
	meta := protocol.ParseAudioMeta(payload, protocol.AudioMeta{})
	assert.Equal(t, 16000, meta.SampleRate)

	var echoed []byte
	for {
		h, payload = readFrame(t, conn)
		require.Equal(t, protocol.KindDownlinkAudio, h.Kind)
		if h.Phase == protocol.PhaseEnd {
			break
		}
		echoed = append(echoed, payload...)
	}
	assert.Equal(t, audio.SamplesToBytes(samples), echoed)

	send(t, conn, protocol.KindSpeakDone, protocol.PhaseData, 3, []byte{1})
	expectState(t, conn, state.Idle)
	expectState(t, conn, state.Idle)

	var list struct {
		TotalSessions int                  `json:"total_sessions"`
		Sessions      []stream.SessionInfo `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.srv.URL+"/sessions", &list))
	require.Equal(t, 1, list.TotalSessions)
	assert.Equal(t, uint64(1), list.Sessions[0].Turns)

	var info stream.SessionInfo
	assert.Equal(t, http.StatusOK, getJSON(t, ts.srv.URL+"/sessions/"+list.Sessions[0].ID, &info))
	assert.Equal(t, uint64(1), info.Recordings)
}

func TestProtocolViolationClosesConnection(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, protocol.KindUplinkPCM, protocol.PhaseData, 1, []byte{1, 2})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)

	require.Eventually(t, func() bool {
		return ts.manager.GetActiveSessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), ts.http.devices.GetStatistics().ProtocolErrors)
}
