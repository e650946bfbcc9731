package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/74th/websocket-control-stackchan/internal/audio"
	"github.com/74th/websocket-control-stackchan/internal/protocol"
	"github.com/74th/websocket-control-stackchan/internal/state"
	"github.com/74th/websocket-control-stackchan/internal/uplink"
	"github.com/74th/websocket-control-stackchan/internal/wake"
)

type fakeTransport struct {
	connected bool
	sent      [][]byte
	inbound   chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, inbound: make(chan []byte, 64)}
}

func (f *fakeTransport) Connected() bool        { return f.connected }
func (f *fakeTransport) Inbound() <-chan []byte { return f.inbound }

func (f *fakeTransport) Send(frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) push(t *testing.T, kind protocol.Kind, phase protocol.Phase, seq uint16, payload []byte) {
	t.Helper()
	frame, err := protocol.Encode(kind, phase, seq, payload)
	require.NoError(t, err)
	f.inbound <- frame
}

func (f *fakeTransport) kinds(t *testing.T) []protocol.Kind {
	t.Helper()
	out := make([]protocol.Kind, 0, len(f.sent))
	for _, frame := range f.sent {
		h, _, err := protocol.Decode(frame)
		require.NoError(t, err)
		out = append(out, h.Kind)
	}
	return out
}

func (f *fakeTransport) headers(t *testing.T, kind protocol.Kind) []protocol.Header {
	t.Helper()
	var out []protocol.Header
	for _, frame := range f.sent {
		h, _, err := protocol.Decode(frame)
		require.NoError(t, err)
		if h.Kind == kind {
			out = append(out, h)
		}
	}
	return out
}

type fakeCapture struct {
	level   int16
	running bool
}

func (c *fakeCapture) Start() error { c.running = true; return nil }
func (c *fakeCapture) Stop()        { c.running = false }

func (c *fakeCapture) Read(dst []int16) (int, error) {
	if !c.running {
		return 0, nil
	}
	for i := range dst {
		dst[i] = c.level
	}
	return len(dst), nil
}

type fakeOutput struct {
	playing bool
	played  int
}

func (o *fakeOutput) Play(samples []int16, format audio.Format) error {
	o.playing = true
	o.played++
	return nil
}
func (o *fakeOutput) Playing() bool { return o.playing }
func (o *fakeOutput) Stop()         { o.playing = false }

type fakeRecognizer struct {
	emit func(wake.Event)
	fed  int
}

func (r *fakeRecognizer) Start(emit func(wake.Event)) error { r.emit = emit; return nil }
func (r *fakeRecognizer) Feed(samples []int16)              { r.fed++ }
func (r *fakeRecognizer) Pause()                            {}
func (r *fakeRecognizer) Resume()                           {}
func (r *fakeRecognizer) Close() error                      { return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	transport  *fakeTransport
	capture    *fakeCapture
	output     *fakeOutput
	recognizer *fakeRecognizer
	clock      *fakeClock
	engine     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		transport:  newFakeTransport(),
		capture:    &fakeCapture{level: 1000},
		output:     &fakeOutput{},
		recognizer: &fakeRecognizer{},
		clock:      &fakeClock{t: time.Unix(5000, 0)},
	}

	e, err := New(Config{
		LoopInterval:     time.Millisecond,
		Uplink:           uplink.DefaultConfig(16000),
		DownlinkFallback: protocol.AudioMeta{SampleRate: 24000, Channels: 1},
	}, Deps{
		Transport:  f.transport,
		Capture:    f.capture,
		Output:     f.output,
		Recognizer: f.recognizer,
		Clock:      f.clock.Now,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) tick(n int) {
	for i := 0; i < n; i++ {
		f.engine.Tick()
		f.clock.Advance(16 * time.Millisecond)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Uplink: uplink.DefaultConfig(16000)}, Deps{})
	assert.Error(t, err)
}

func TestIdleFeedsRecognizer(t *testing.T) {
	f := newFixture(t)
	f.tick(3)

	assert.Equal(t, 3, f.recognizer.fed)
	assert.Equal(t, state.Idle, f.engine.Machine().Current())
	assert.Empty(t, f.transport.sent)
}

func TestWakeStartsUplink(t *testing.T) {
	f := newFixture(t)

	f.recognizer.emit(wake.Event{Type: wake.WakeDetected})
	f.tick(1)

	assert.Equal(t, state.Listening, f.engine.Machine().Current())
	kinds := f.transport.kinds(t)
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, protocol.KindWakeWordEvent, kinds[0])
	assert.Contains(t, kinds, protocol.KindStateEvent)
	assert.Contains(t, kinds, protocol.KindUplinkPCM)

	// 32 quanta complete the first chunk
	f.tick(32)
	pcm := f.transport.headers(t, protocol.KindUplinkPCM)
	require.Len(t, pcm, 2)
	assert.Equal(t, protocol.PhaseStart, pcm[0].Phase)
	assert.Equal(t, protocol.PhaseData, pcm[1].Phase)
	assert.Equal(t, uint16(1), pcm[1].Sequence)
}

func TestSilenceEndsTurnAndServerDrivesReply(t *testing.T) {
	f := newFixture(t)
	f.capture.level = 0

	f.recognizer.emit(wake.Event{Type: wake.WakeDetected})
	f.tick(250)
	require.Equal(t, state.Idle, f.engine.Machine().Current())

	pcm := f.transport.headers(t, protocol.KindUplinkPCM)
	require.NotEmpty(t, pcm)
	assert.Equal(t, protocol.PhaseEnd, pcm[len(pcm)-1].Phase)

	// service: Thinking, then one reply segment
	thinking, err := protocol.EncodeStateCommand(0, uint8(state.Thinking))
	require.NoError(t, err)
	f.transport.inbound <- thinking
	f.tick(1)
	assert.Equal(t, state.Thinking, f.engine.Machine().Current())

	f.transport.push(t, protocol.KindDownlinkAudio, protocol.PhaseStart, 1, protocol.EncodeAudioMeta(protocol.AudioMeta{SampleRate: 24000, Channels: 1}))
	f.transport.push(t, protocol.KindDownlinkAudio, protocol.PhaseData, 2, []byte{1, 0, 2, 0})
	f.transport.push(t, protocol.KindDownlinkAudio, protocol.PhaseEnd, 3, nil)
	f.tick(1)

	assert.Equal(t, state.Speaking, f.engine.Machine().Current())
	assert.Equal(t, 1, f.output.played)

	f.output.playing = false
	f.tick(1)
	assert.Equal(t, state.Idle, f.engine.Machine().Current())
	assert.Len(t, f.transport.headers(t, protocol.KindSpeakDone), 1)

	stats := f.engine.GetStats()
	assert.Equal(t, uint64(1), stats.StateCommands)
	assert.Equal(t, uint64(1), stats.Downlink.Played)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	f := newFixture(t)

	f.transport.inbound <- []byte{1, 2, 3}
	f.transport.inbound <- []byte{2, 2, 0, 0, 0, 9, 0, 1}
	f.tick(1)

	assert.Equal(t, uint64(2), f.engine.GetStats().DecodeErrors)
	assert.Equal(t, state.Idle, f.engine.Machine().Current())
}

func TestInvalidStateCommandIgnored(t *testing.T) {
	f := newFixture(t)

	f.transport.push(t, protocol.KindStateCommand, protocol.PhaseData, 0, []byte{9})
	f.transport.push(t, protocol.KindStateCommand, protocol.PhaseData, 1, nil)
	f.tick(1)

	assert.Equal(t, state.Idle, f.engine.Machine().Current())
	assert.Equal(t, uint64(0), f.engine.GetStats().StateCommands)
}

func TestDisconnectForcesIdle(t *testing.T) {
	f := newFixture(t)

	f.recognizer.emit(wake.Event{Type: wake.WakeDetected})
	f.tick(1)
	require.Equal(t, state.Listening, f.engine.Machine().Current())
	sent := len(f.transport.sent)

	f.transport.connected = false
	f.tick(1)

	assert.Equal(t, state.Idle, f.engine.Machine().Current())
	assert.Len(t, f.transport.sent, sent)
	assert.Equal(t, uint64(1), f.engine.GetStats().Disconnects)
	assert.False(t, f.engine.GetStats().Uplink.Streaming)
}

func TestDisconnectDiscardsQueuedFrames(t *testing.T) {
	f := newFixture(t)

	f.recognizer.emit(wake.Event{Type: wake.WakeDetected})
	f.tick(1)
	require.Equal(t, state.Listening, f.engine.Machine().Current())

	// read from the old connection before it dropped
	f.transport.push(t, protocol.KindDownlinkAudio, protocol.PhaseStart, 0, protocol.EncodeAudioMeta(protocol.AudioMeta{SampleRate: 24000, Channels: 1}))
	f.transport.push(t, protocol.KindDownlinkAudio, protocol.PhaseData, 1, []byte{1, 0, 2, 0})
	f.transport.connected = false
	f.tick(1)

	assert.Equal(t, state.Idle, f.engine.Machine().Current())
	assert.False(t, f.engine.GetStats().Downlink.Receiving)
	assert.Equal(t, uint64(2), f.engine.GetStats().StaleFrames)

	// frames arriving while disconnected are dropped too
	fed := f.recognizer.fed
	f.transport.push(t, protocol.KindDownlinkAudio, protocol.PhaseStart, 2, nil)
	f.tick(10)
	assert.Equal(t, state.Idle, f.engine.Machine().Current())
	assert.Equal(t, fed+10, f.recognizer.fed)
	assert.Equal(t, uint64(3), f.engine.GetStats().StaleFrames)

	f.transport.connected = true
	f.tick(10)
	assert.Equal(t, state.Idle, f.engine.Machine().Current())
	assert.Equal(t, fed+20, f.recognizer.fed)
	assert.Equal(t, 0, f.output.played)

	f.recognizer.emit(wake.Event{Type: wake.WakeDetected})
	f.tick(1)
	assert.Equal(t, state.Listening, f.engine.Machine().Current())
}

func TestStateCommandRequiresDataPhase(t *testing.T) {
	f := newFixture(t)

	f.transport.push(t, protocol.KindStateCommand, protocol.PhaseStart, 0, []byte{uint8(state.Listening)})
	f.transport.push(t, protocol.KindStateCommand, protocol.PhaseEnd, 1, []byte{uint8(state.Speaking)})
	f.tick(1)

	assert.Equal(t, state.Idle, f.engine.Machine().Current())
	assert.Equal(t, uint64(0), f.engine.GetStats().StateCommands)

	f.transport.push(t, protocol.KindStateCommand, protocol.PhaseData, 2, []byte{uint8(state.Thinking)})
	f.tick(1)
	assert.Equal(t, state.Thinking, f.engine.Machine().Current())
	assert.Equal(t, uint64(1), f.engine.GetStats().StateCommands)
}

func TestWakeWhileDisconnectedReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.transport.connected = false

	f.recognizer.emit(wake.Event{Type: wake.WakeDetected})
	f.tick(1)

	assert.Equal(t, state.Idle, f.engine.Machine().Current())
	assert.Empty(t, f.transport.sent)
	assert.True(t, f.capture.running)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.NoError(t, f.engine.Close())
}
