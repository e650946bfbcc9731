package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/74th/websocket-control-stackchan/internal/audio"
	"github.com/74th/websocket-control-stackchan/internal/protocol"
	"github.com/74th/websocket-control-stackchan/internal/state"
	"github.com/74th/websocket-control-stackchan/internal/synthesis"
	"github.com/74th/websocket-control-stackchan/internal/transcription"
)

type sentFrame struct {
	header  protocol.Header
	payload []byte
}

type fakeConn struct {
	mu         sync.Mutex
	frames     []sentFrame
	json       []any
	closeCode  int
	closeCause string
}

func (c *fakeConn) WriteBinary(data []byte) error {
	h, payload, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, sentFrame{header: h, payload: append([]byte(nil), payload...)})
	return nil
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.json = append(c.json, v)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	c.closeCause = reason
	return nil
}

func (c *fakeConn) sent() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.frames...)
}

func (c *fakeConn) states() []state.State {
	var out []state.State
	for _, f := range c.sent() {
		if f.header.Kind == protocol.KindStateCommand {
			out = append(out, state.State(f.payload[0]))
		}
	}
	return out
}

func (c *fakeConn) count(kind protocol.Kind, phase protocol.Phase) int {
	n := 0
	for _, f := range c.sent() {
		if f.header.Kind == kind && f.header.Phase == phase {
			n++
		}
	}
	return n
}

type fakeTranscriber struct {
	mu sync.Mutex
	// texts are returned in order, then text
	texts []string
	text  string
	err   error
	reqs  []*transcription.Request
}

func (f *fakeTranscriber) Transcribe(_ context.Context, req *transcription.Request) (*transcription.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	text := f.text
	if len(f.texts) > 0 {
		text, f.texts = f.texts[0], f.texts[1:]
	}
	return &transcription.Response{RecordingID: req.RecordingID, Text: text}, nil
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	texts []string
	errs  []error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text string) (*synthesis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &synthesis.Result{
		Text:    text,
		Samples: make([]int16, 10*len(text)),
		Format:  audio.Format{SampleRate: 1000, Channels: 1},
	}, nil
}

func (f *fakeSynthesizer) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.SampleRate = 1000
	cfg.ListenTimeout = time.Second
	cfg.SpeakDoneTimeout = time.Second
	cfg.SegmentDuration = 100 * time.Millisecond
	cfg.ChunkBytes = 64
	cfg.RecordingsDir = t.TempDir()
	return cfg
}

func newTestSession(t *testing.T, cfg SessionConfig, tr Transcriber) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	return newSession(conn, "127.0.0.1:1234", cfg, tr, testLogger(), nil), conn
}

func frame(t *testing.T, kind protocol.Kind, phase protocol.Phase, seq uint16, payload []byte) []byte {
	t.Helper()
	data, err := protocol.Encode(kind, phase, seq, payload)
	require.NoError(t, err)
	return data
}

func sendUtterance(t *testing.T, s *Session, samples []int16) {
	t.Helper()
	require.NoError(t, s.HandleFrame(frame(t, protocol.KindUplinkPCM, protocol.PhaseStart, 0, nil)))
	require.NoError(t, s.HandleFrame(frame(t, protocol.KindUplinkPCM, protocol.PhaseData, 1, audio.SamplesToBytes(samples))))
	require.NoError(t, s.HandleFrame(frame(t, protocol.KindUplinkPCM, protocol.PhaseEnd, 2, nil)))
}

func TestHandleFrameProtocolViolations(t *testing.T) {
	tests := []struct {
		name     string
		frames   func(t *testing.T) [][]byte
		errorMsg string
	}{
		{
			name:     "header too short",
			frames:   func(t *testing.T) [][]byte { return [][]byte{{1, 2, 0}} },
			errorMsg: "header too short",
		},
		{
			name: "payload length mismatch",
			frames: func(t *testing.T) [][]byte {
				f := frame(t, protocol.KindUplinkPCM, protocol.PhaseStart, 0, nil)
				return [][]byte{append(f, 0xAA)}
			},
			errorMsg: "payload length mismatch",
		},
		{
			name: "data before start",
			frames: func(t *testing.T) [][]byte {
				return [][]byte{frame(t, protocol.KindUplinkPCM, protocol.PhaseData, 1, []byte{1, 2})}
			},
			errorMsg: "data received before start",
		},
		{
			name: "odd pcm chunk",
			frames: func(t *testing.T) [][]byte {
				return [][]byte{
					frame(t, protocol.KindUplinkPCM, protocol.PhaseStart, 0, nil),
					frame(t, protocol.KindUplinkPCM, protocol.PhaseData, 1, []byte{1, 2, 3}),
				}
			},
			errorMsg: "invalid pcm chunk length",
		},
		{
			name: "end before start",
			frames: func(t *testing.T) [][]byte {
				return [][]byte{frame(t, protocol.KindUplinkPCM, protocol.PhaseEnd, 0, nil)}
			},
			errorMsg: "end received before start",
		},
		{
			name: "empty recording",
			frames: func(t *testing.T) [][]byte {
				return [][]byte{
					frame(t, protocol.KindUplinkPCM, protocol.PhaseStart, 0, nil),
					frame(t, protocol.KindUplinkPCM, protocol.PhaseEnd, 1, nil),
				}
			},
			errorMsg: "invalid accumulated pcm length",
		},
		{
			name: "unknown pcm phase",
			frames: func(t *testing.T) [][]byte {
				return [][]byte{frame(t, protocol.KindUplinkPCM, protocol.Phase(9), 0, nil)}
			},
			errorMsg: "unknown PCM msg type",
		},
		{
			name: "downlink kind from device",
			frames: func(t *testing.T) [][]byte {
				return [][]byte{frame(t, protocol.KindDownlinkAudio, protocol.PhaseStart, 0, nil)}
			},
			errorMsg: "unsupported kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSession(t, testConfig(t), nil)

			var err error
			for _, f := range tt.frames(t) {
				if err = s.HandleFrame(f); err != nil {
					break
				}
			}

			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "expected protocol error, got %v", err)
			assert.Equal(t, tt.errorMsg, perr.Reason)
		})
	}
}

func TestDeviceEvents(t *testing.T) {
	s, _ := newTestSession(t, testConfig(t), nil)

	require.NoError(t, s.HandleFrame(frame(t, protocol.KindStateEvent, protocol.PhaseData, 0, []byte{uint8(state.Speaking)})))
	assert.Equal(t, state.Speaking, s.GetSessionInfo().DeviceState)

	// events without a body are ignored
	require.NoError(t, s.HandleFrame(frame(t, protocol.KindWakeWordEvent, protocol.PhaseData, 1, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitForWake(ctx), context.DeadlineExceeded)

	require.NoError(t, s.HandleFrame(frame(t, protocol.KindWakeWordEvent, protocol.PhaseData, 2, []byte{1})))
	assert.NoError(t, s.WaitForWake(context.Background()))

	require.NoError(t, s.HandleFrame(frame(t, protocol.KindSpeakDone, protocol.PhaseData, 3, []byte{1})))
	assert.Equal(t, uint64(1), s.GetSessionInfo().SpeakDone)
}

func TestListenRecordsUtterance(t *testing.T) {
	cfg := testConfig(t)
	s, conn := newTestSession(t, cfg, nil)

	samples := make([]int16, 500)
	for i := range samples {
		samples[i] = int16(i)
	}
	sendUtterance(t, s, samples)

	utt, err := s.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, samples, utt.Samples)
	assert.Equal(t, 500*time.Millisecond, utt.Duration)
	assert.Equal(t, []state.State{state.Listening, state.Thinking}, conn.states())

	_, err = os.Stat(utt.Path)
	assert.NoError(t, err, "recording written")

	conn.mu.Lock()
	require.Len(t, conn.json, 1)
	notice := conn.json[0].(map[string]any)
	conn.mu.Unlock()
	assert.Contains(t, notice["text"], "Saved as rec_ws_")
	assert.Equal(t, 500, notice["frames"])

	info := s.GetSessionInfo()
	assert.Equal(t, uint64(1), info.Turns)
	assert.Equal(t, uint64(1), info.Recordings)
}

func TestListenTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.ListenTimeout = 30 * time.Millisecond
	s, conn := newTestSession(t, cfg, nil)

	_, err := s.Listen(context.Background())
	assert.ErrorIs(t, err, ErrListenTimeout)
	assert.Equal(t, []state.State{state.Listening, state.Idle}, conn.states())
}

func TestListenReturnsOnClose(t *testing.T) {
	s, _ := newTestSession(t, testConfig(t), nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Close()
	}()

	_, err := s.Listen(context.Background())
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestListenTranscribes(t *testing.T) {
	tr := &fakeTranscriber{text: "konnichiwa"}
	cfg := testConfig(t)
	cfg.Language = "ja"
	s, _ := newTestSession(t, cfg, tr)

	sendUtterance(t, s, make([]int16, 100))
	utt, err := s.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "konnichiwa", utt.Text)
	require.Len(t, tr.reqs, 1)
	assert.Equal(t, s.ID, tr.reqs[0].SessionID)
	assert.Equal(t, "ja", tr.reqs[0].Language)
	assert.NoError(t, audio.ValidateWAV(tr.reqs[0].WAV))
	assert.Equal(t, "konnichiwa", s.GetSessionInfo().LastText)
}

func TestListenEmptyTranscript(t *testing.T) {
	s, _ := newTestSession(t, testConfig(t), &fakeTranscriber{text: ""})

	sendUtterance(t, s, make([]int16, 100))
	_, err := s.Listen(context.Background())
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestSpeakSegmentsReply(t *testing.T) {
	s, conn := newTestSession(t, testConfig(t), nil)
	format := audio.Format{SampleRate: 1000, Channels: 1}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Speak(context.Background(), make([]int16, 250), format)
	}()

	// 250 samples at 100 samples per segment
	require.Eventually(t, func() bool {
		return conn.count(protocol.KindDownlinkAudio, protocol.PhaseEnd) == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.HandleFrame(frame(t, protocol.KindSpeakDone, protocol.PhaseData, 0, []byte{1})))
	require.NoError(t, <-errCh)

	frames := conn.sent()
	for i, f := range frames {
		assert.Equal(t, uint16(i), f.header.Sequence, "downlink sequence is contiguous")
	}

	assert.Equal(t, 3, conn.count(protocol.KindDownlinkAudio, protocol.PhaseStart))
	// 200 bytes per full segment in 64-byte chunks, then 100 bytes
	assert.Equal(t, 4+4+2, conn.count(protocol.KindDownlinkAudio, protocol.PhaseData))

	start := frames[0]
	meta := protocol.ParseAudioMeta(start.payload, protocol.AudioMeta{})
	assert.Equal(t, protocol.AudioMeta{SampleRate: 1000, Channels: 1}, meta)

	last := frames[len(frames)-1]
	assert.Equal(t, protocol.KindStateCommand, last.header.Kind)
	assert.Equal(t, uint8(state.Idle), last.payload[0])
}

func TestSpeakTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.SpeakDoneTimeout = 20 * time.Millisecond
	s, conn := newTestSession(t, cfg, nil)

	err := s.Speak(context.Background(), make([]int16, 50), audio.Format{SampleRate: 1000, Channels: 1})
	assert.ErrorIs(t, err, ErrSpeakTimeout)
	assert.Empty(t, conn.states(), "no Idle command after a timeout")
}

func TestSpeakEmptyIsNoop(t *testing.T) {
	s, conn := newTestSession(t, testConfig(t), nil)
	require.NoError(t, s.Speak(context.Background(), nil, audio.Format{SampleRate: 1000, Channels: 1}))
	assert.Empty(t, conn.sent())
}

func TestServeEchoConversation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxTurns = 1
	s, conn := newTestSession(t, cfg, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background(), EchoResponder{}) }()

	require.NoError(t, s.HandleFrame(frame(t, protocol.KindWakeWordEvent, protocol.PhaseData, 0, []byte{1})))
	require.Eventually(t, func() bool {
		return len(conn.states()) == 1
	}, time.Second, 5*time.Millisecond)

	sendUtterance(t, s, make([]int16, 80))

	require.Eventually(t, func() bool {
		return conn.count(protocol.KindDownlinkAudio, protocol.PhaseEnd) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.HandleFrame(frame(t, protocol.KindSpeakDone, protocol.PhaseData, 1, []byte{1})))

	require.Eventually(t, func() bool {
		return len(conn.states()) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []state.State{state.Listening, state.Thinking, state.Idle, state.Idle}, conn.states())

	s.Close()
	assert.ErrorIs(t, <-errCh, ErrSessionClosed)
}

func (c *fakeConn) jsonMessages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.json...)
}

// replyTurn waits for the reply segment of a turn and reports playback done.
func replyTurn(t *testing.T, s *Session, conn *fakeConn, ends int, seq uint16) {
	t.Helper()
	require.Eventually(t, func() bool {
		return conn.count(protocol.KindDownlinkAudio, protocol.PhaseEnd) == ends
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.HandleFrame(frame(t, protocol.KindSpeakDone, protocol.PhaseData, seq, []byte{1})))
}

func waitStates(t *testing.T, conn *fakeConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(conn.states()) == n
	}, time.Second, 5*time.Millisecond, "states: %v", conn.states())
}

func TestServeSpeaksUntilEmptyTranscript(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{"hello", "again", ""}}
	synth := &fakeSynthesizer{}
	s, conn := newTestSession(t, testConfig(t), tr)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background(), SpeechResponder{Synthesizer: synth}) }()

	require.NoError(t, s.HandleFrame(frame(t, protocol.KindWakeWordEvent, protocol.PhaseData, 0, []byte{1})))
	waitStates(t, conn, 1)

	sendUtterance(t, s, make([]int16, 80))
	replyTurn(t, s, conn, 1, 1)
	waitStates(t, conn, 4)

	sendUtterance(t, s, make([]int16, 80))
	replyTurn(t, s, conn, 2, 2)
	waitStates(t, conn, 7)

	// the third transcript is empty
	sendUtterance(t, s, make([]int16, 80))
	waitStates(t, conn, 9)

	assert.Equal(t, []state.State{
		state.Listening, state.Thinking, state.Idle,
		state.Listening, state.Thinking, state.Idle,
		state.Listening, state.Thinking, state.Idle,
	}, conn.states())
	assert.Equal(t, []string{"hello", "again"}, synth.spoken())
	assert.Equal(t, 2, conn.count(protocol.KindDownlinkAudio, protocol.PhaseStart))

	var start sentFrame
	for _, f := range conn.sent() {
		if f.header.Kind == protocol.KindDownlinkAudio && f.header.Phase == protocol.PhaseStart {
			start = f
			break
		}
	}
	meta := protocol.ParseAudioMeta(start.payload, protocol.AudioMeta{})
	assert.Equal(t, protocol.AudioMeta{SampleRate: 1000, Channels: 1}, meta)

	s.Close()
	assert.ErrorIs(t, <-errCh, ErrSessionClosed)
}

func TestServeReplyFailureKeepsListening(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{"hello", ""}}
	synth := &fakeSynthesizer{errs: []error{errors.New("engine down")}}
	s, conn := newTestSession(t, testConfig(t), tr)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background(), SpeechResponder{Synthesizer: synth}) }()

	require.NoError(t, s.HandleFrame(frame(t, protocol.KindWakeWordEvent, protocol.PhaseData, 0, []byte{1})))
	waitStates(t, conn, 1)

	sendUtterance(t, s, make([]int16, 80))
	waitStates(t, conn, 3)

	sendUtterance(t, s, make([]int16, 80))
	waitStates(t, conn, 5)

	assert.Equal(t, []state.State{
		state.Listening, state.Thinking,
		state.Listening, state.Thinking, state.Idle,
	}, conn.states())
	assert.Zero(t, conn.count(protocol.KindDownlinkAudio, protocol.PhaseStart))

	var reported bool
	for _, msg := range conn.jsonMessages() {
		if m, ok := msg.(map[string]any); ok && m["error"] == "reply failed: engine down" {
			reported = true
		}
	}
	assert.True(t, reported, "reply failure sent to the device")

	s.Close()
	assert.ErrorIs(t, <-errCh, ErrSessionClosed)
}

func TestServeListenTimeoutSendsIdleOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.ListenTimeout = 30 * time.Millisecond
	s, conn := newTestSession(t, cfg, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background(), EchoResponder{}) }()

	require.NoError(t, s.HandleFrame(frame(t, protocol.KindWakeWordEvent, protocol.PhaseData, 0, []byte{1})))
	waitStates(t, conn, 2)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []state.State{state.Listening, state.Idle}, conn.states())

	// the session is ready for the next wake
	require.NoError(t, s.HandleFrame(frame(t, protocol.KindWakeWordEvent, protocol.PhaseData, 1, []byte{1})))
	waitStates(t, conn, 4)
	assert.Equal(t, []state.State{state.Listening, state.Idle, state.Listening, state.Idle}, conn.states())

	s.Close()
	assert.ErrorIs(t, <-errCh, ErrSessionClosed)
}

func TestSpeechResponderSkipsEmptyText(t *testing.T) {
	synth := &fakeSynthesizer{}
	reply, err := SpeechResponder{Synthesizer: synth}.Respond(context.Background(), &Utterance{})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Empty(t, synth.spoken())
}
