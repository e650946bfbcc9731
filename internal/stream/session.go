package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/74th/websocket-control-stackchan/internal/audio"
	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/protocol"
	"github.com/74th/websocket-control-stackchan/internal/state"
	"github.com/74th/websocket-control-stackchan/internal/transcription"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrListenTimeout   = errors.New("timed out waiting for uplink audio")
	ErrSpeakTimeout    = errors.New("timed out waiting for speak done")
	ErrEmptyTranscript = errors.New("speech recognition result is empty")
)

// ProtocolError is a frame the session refuses. The connection should be
// closed with the unsupported-data code and Reason.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

// Conn is the message channel to one device.
type Conn interface {
	WriteBinary(data []byte) error
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// Transcriber turns a recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error)
}

// SessionConfig holds per-session timing and reply shaping. MaxTurns caps
// the listen and reply rounds per wake; zero means no cap.
type SessionConfig struct {
	SampleRate       int
	Channels         int
	ListenTimeout    time.Duration
	SpeakDoneTimeout time.Duration
	SegmentDuration  time.Duration
	ChunkBytes       int
	RecordingsDir    string
	MaxTurns         int
	Language         string
}

// DefaultSessionConfig returns the timings the firmware expects.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SampleRate:       16000,
		Channels:         1,
		ListenTimeout:    10 * time.Second,
		SpeakDoneTimeout: 120 * time.Second,
		SegmentDuration:  2 * time.Second,
		ChunkBytes:       4096,
	}
}

// Utterance is one completed uplink recording.
type Utterance struct {
	ID       string
	Samples  []int16
	Format   audio.Format
	Duration time.Duration
	Path     string
	Text     string
}

// Session is one connected device
type Session struct {
	ID         string
	RemoteAddr string
	StartTime  time.Time

	config      SessionConfig
	conn        Conn
	transcriber Transcriber
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu           sync.RWMutex
	lastActivity time.Time
	deviceState  state.State
	pcm          []byte
	streaming    bool
	turns        uint64
	recordings   uint64
	lastText     string

	sendMu  sync.Mutex
	downSeq uint16

	wake       chan struct{}
	data       chan struct{}
	utterances chan []byte
	speakDone  chan struct{}
	spoken     atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn Conn, remoteAddr string, config SessionConfig, transcriber Transcriber, logger *slog.Logger, m *metrics.Metrics) *Session {
	now := time.Now()
	id := uuid.NewString()
	return &Session{
		ID:           id,
		RemoteAddr:   remoteAddr,
		StartTime:    now,
		config:       config,
		conn:         conn,
		transcriber:  transcriber,
		logger:       logger.With(slog.String("session_id", id)),
		metrics:      m,
		lastActivity: now,
		wake:         make(chan struct{}, 1),
		data:         make(chan struct{}, 1),
		utterances:   make(chan []byte, 1),
		speakDone:    make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// HandleFrame processes one binary message from the device. A
// *ProtocolError means the connection must be closed.
func (s *Session) HandleFrame(data []byte) error {
	h, payload, err := protocol.Decode(data)
	if err != nil {
		s.metrics.RecordDecodeError()
		if errors.Is(err, protocol.ErrFrameTooShort) {
			return &ProtocolError{Reason: "header too short"}
		}
		return &ProtocolError{Reason: "payload length mismatch"}
	}

	s.touch()
	s.metrics.RecordFrameReceived(h.Kind.String(), h.Phase.String())

	switch h.Kind {
	case protocol.KindUplinkPCM:
		return s.handlePCM(h, payload)
	case protocol.KindWakeWordEvent:
		if h.Phase == protocol.PhaseData && len(payload) >= 1 {
			s.logger.Info("Received wakeword event")
			notify(s.wake)
		}
	case protocol.KindStateEvent:
		if h.Phase == protocol.PhaseData && len(payload) >= 1 {
			st, err := state.FromByte(payload[0])
			if err != nil {
				s.logger.Warn("Unknown device state", slog.Int("state_id", int(payload[0])))
				return nil
			}
			s.mu.Lock()
			s.deviceState = st
			s.mu.Unlock()
			s.logger.Info("Device state", slog.String("state", st.String()))
		}
	case protocol.KindSpeakDone:
		if h.Phase == protocol.PhaseData && len(payload) >= 1 {
			s.spoken.Add(1)
			notify(s.speakDone)
			s.logger.Info("Received speak done event")
		}
	default:
		return &ProtocolError{Reason: "unsupported kind"}
	}
	return nil
}

func (s *Session) handlePCM(h protocol.Header, payload []byte) error {
	frameBytes := protocol.SampleWidth * s.config.Channels

	s.mu.Lock()
	defer s.mu.Unlock()

	switch h.Phase {
	case protocol.PhaseStart:
		s.logger.Debug("Uplink START", slog.Int("seq", int(h.Sequence)))
		s.pcm = s.pcm[:0]
		s.streaming = true
		return nil

	case protocol.PhaseData:
		if !s.streaming {
			return &ProtocolError{Reason: "data received before start"}
		}
		if len(payload)%frameBytes != 0 {
			return &ProtocolError{Reason: "invalid pcm chunk length"}
		}
		s.pcm = append(s.pcm, payload...)
		s.metrics.RecordUplinkBytes(len(payload))
		if len(payload) > 0 {
			notify(s.data)
		}
		return nil

	case protocol.PhaseEnd:
		if !s.streaming {
			return &ProtocolError{Reason: "end received before start"}
		}
		if len(payload)%frameBytes != 0 {
			return &ProtocolError{Reason: "invalid pcm tail length"}
		}
		s.pcm = append(s.pcm, payload...)
		if len(s.pcm) == 0 || len(s.pcm)%frameBytes != 0 {
			return &ProtocolError{Reason: "invalid accumulated pcm length"}
		}

		pcm := make([]byte, len(s.pcm))
		copy(pcm, s.pcm)
		s.pcm = s.pcm[:0]
		s.streaming = false
		s.logger.Info("Uplink END", slog.Int("bytes", len(pcm)))

		// an unclaimed utterance is replaced by the newer one
		select {
		case <-s.utterances:
		default:
		}
		s.utterances <- pcm
		return nil
	}

	return &ProtocolError{Reason: "unknown PCM msg type"}
}

// WaitForWake blocks until the device reports a wake word.
func (s *Session) WaitForWake(ctx context.Context) error {
	select {
	case <-s.wake:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen commands the device into Listening and waits for the next
// utterance. When no uplink audio arrives for the listen timeout the device
// is sent back to Idle and ErrListenTimeout is returned.
func (s *Session) Listen(ctx context.Context) (*Utterance, error) {
	if err := s.SendState(state.Listening); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.config.ListenTimeout)
	defer timer.Stop()

	for {
		select {
		case pcm := <-s.utterances:
			return s.finishUtterance(ctx, pcm)
		case <-s.data:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.config.ListenTimeout)
		case <-timer.C:
			if err := s.SendState(state.Idle); err != nil {
				return nil, err
			}
			return nil, ErrListenTimeout
		case <-s.done:
			return nil, ErrSessionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// finishUtterance moves the device to Thinking, stores the recording and
// transcribes it when a transcriber is configured.
func (s *Session) finishUtterance(ctx context.Context, pcm []byte) (*Utterance, error) {
	if err := s.SendState(state.Thinking); err != nil {
		return nil, err
	}

	samples, err := audio.BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}

	format := audio.Format{SampleRate: s.config.SampleRate, Channels: s.config.Channels}
	frames := len(samples) / s.config.Channels
	utt := &Utterance{
		ID:       uuid.NewString(),
		Samples:  samples,
		Format:   format,
		Duration: time.Duration(audio.SamplesDuration(len(samples), format.SampleRate, format.Channels)) * time.Millisecond,
	}

	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
	s.metrics.RecordRecording(utt.Duration.Seconds())

	if s.config.RecordingsDir != "" {
		filename := "rec_ws_" + utt.ID + ".wav"
		utt.Path = filepath.Join(s.config.RecordingsDir, filename)
		if err := audio.WriteWAVFile(utt.Path, samples, format); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.recordings++
		s.mu.Unlock()
		s.logger.Info("Saved WAV", slog.String("path", utt.Path))

		notice := map[string]any{
			"text":             "Saved as " + filename,
			"sample_rate":      format.SampleRate,
			"frames":           frames,
			"channels":         format.Channels,
			"duration_seconds": float64(utt.Duration.Milliseconds()) / 1000,
			"path":             utt.Path,
		}
		if err := s.writeJSON(notice); err != nil {
			return nil, err
		}
	}

	if s.transcriber == nil {
		return utt, nil
	}

	wav, err := audio.EncodeWAV(samples, format)
	if err != nil {
		return nil, err
	}
	resp, err := s.transcriber.Transcribe(ctx, &transcription.Request{
		SessionID:   s.ID,
		RecordingID: utt.ID,
		WAV:         wav,
		SampleRate:  format.SampleRate,
		Duration:    utt.Duration,
		Language:    s.config.Language,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return nil, err
	}

	utt.Text = resp.Text
	s.logger.Info("Transcript", slog.String("text", utt.Text))
	if utt.Text == "" {
		return nil, ErrEmptyTranscript
	}

	s.mu.Lock()
	s.lastText = utt.Text
	s.mu.Unlock()
	return utt, nil
}

// Speak streams samples to the device and waits for it to report that
// playback finished, then returns the device to Idle.
func (s *Session) Speak(ctx context.Context, samples []int16, format audio.Format) error {
	if len(samples) == 0 {
		return nil
	}
	if format.Channels < 1 || format.SampleRate < 1 {
		return fmt.Errorf("invalid reply format %d Hz x %d", format.SampleRate, format.Channels)
	}

	start := s.spoken.Load()
	if err := s.sendSegments(ctx, samples, format); err != nil {
		return err
	}
	if err := s.waitSpeakDone(ctx, start+1); err != nil {
		return err
	}
	return s.SendState(state.Idle)
}

// sendSegments splits the reply into segments sent on a schedule: the
// first at once, the second half a segment later, and each following one a
// full segment after the previous.
func (s *Session) sendSegments(ctx context.Context, samples []int16, format audio.Format) error {
	segmentSamples := int(int64(format.SampleRate) * s.config.SegmentDuration.Milliseconds() / 1000)
	segmentSamples *= format.Channels
	if segmentSamples <= 0 {
		return fmt.Errorf("invalid segment size computed")
	}

	meta := protocol.EncodeAudioMeta(protocol.AudioMeta{SampleRate: format.SampleRate, Channels: format.Channels})
	stagger := s.config.SegmentDuration / 2
	base := time.Now()

	for idx, offset := 0, 0; offset < len(samples); idx, offset = idx+1, offset+segmentSamples {
		var target time.Duration
		if idx > 0 {
			target = stagger + time.Duration(idx-1)*s.config.SegmentDuration
		}
		if wait := time.Until(base.Add(target)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.done:
				timer.Stop()
				return ErrSessionClosed
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		end := offset + segmentSamples
		if end > len(samples) {
			end = len(samples)
		}
		if err := s.sendSegment(meta, audio.SamplesToBytes(samples[offset:end])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendSegment(meta []byte, pcm []byte) error {
	s.logger.Debug("Sending segment", slog.Int("bytes", len(pcm)))

	if err := s.sendFrame(protocol.KindDownlinkAudio, protocol.PhaseStart, meta); err != nil {
		return err
	}
	for off := 0; off < len(pcm); off += s.config.ChunkBytes {
		end := off + s.config.ChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := s.sendFrame(protocol.KindDownlinkAudio, protocol.PhaseData, pcm[off:end]); err != nil {
			return err
		}
	}
	return s.sendFrame(protocol.KindDownlinkAudio, protocol.PhaseEnd, nil)
}

func (s *Session) waitSpeakDone(ctx context.Context, target uint64) error {
	timer := time.NewTimer(s.config.SpeakDoneTimeout)
	defer timer.Stop()

	for s.spoken.Load() < target {
		select {
		case <-s.speakDone:
		case <-timer.C:
			return ErrSpeakTimeout
		case <-s.done:
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SendState sends a StateCommand for st.
func (s *Session) SendState(st state.State) error {
	s.logger.Debug("Sending state command", slog.String("state", st.String()))
	return s.sendFrame(protocol.KindStateCommand, protocol.PhaseData, []byte{uint8(st)})
}

// sendFrame writes one frame on the shared downlink sequence.
func (s *Session) sendFrame(kind protocol.Kind, phase protocol.Phase, payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	frame, err := protocol.Encode(kind, phase, s.downSeq, payload)
	if err != nil {
		return err
	}
	s.downSeq++

	if err := s.conn.WriteBinary(frame); err != nil {
		s.metrics.RecordSendFailure(kind.String())
		return fmt.Errorf("send %s %s: %w", kind, phase, err)
	}
	s.metrics.RecordFrameSent(kind.String(), phase.String())
	return nil
}

func (s *Session) writeJSON(v any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Serve runs talk sessions until the connection or ctx ends. Each wake
// word starts a conversation that lasts until a transcript comes back
// empty, the device stops sending audio, or MaxTurns rounds when set.
func (s *Session) Serve(ctx context.Context, responder Responder) error {
	for {
		if err := s.WaitForWake(ctx); err != nil {
			return err
		}

		err := s.talk(ctx, responder)
		if errors.Is(err, ErrSessionClosed) || ctx.Err() != nil {
			return err
		}
		if errors.Is(err, ErrListenTimeout) {
			// Listen already returned the device to Idle
			s.logger.Info("Talk session ended, no audio from device")
			continue
		}
		if err != nil {
			s.logger.Warn("Talk session ended", slog.String("error", err.Error()))
		}

		if err := s.SendState(state.Idle); err != nil {
			return err
		}
	}
}

func (s *Session) talk(ctx context.Context, responder Responder) error {
	for turn := 0; s.config.MaxTurns <= 0 || turn < s.config.MaxTurns; turn++ {
		utt, err := s.Listen(ctx)
		if errors.Is(err, ErrEmptyTranscript) {
			s.logger.Info("Empty transcript, ending conversation", slog.Int("turns", turn))
			return nil
		}
		if err != nil {
			return err
		}

		reply, err := responder.Respond(ctx, utt)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.logger.Error("Reply failed", slog.String("error", err.Error()))
			if err := s.writeJSON(map[string]any{"error": "reply failed: " + err.Error()}); err != nil {
				return err
			}
			continue
		}
		if reply == nil || len(reply.Samples) == 0 {
			return nil
		}

		if err := s.Speak(ctx, reply.Samples, reply.Format); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the session closed and wakes every waiter.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns when the device last sent a frame.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// GetSessionInfo returns a snapshot for the HTTP API
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		ID:           s.ID,
		RemoteAddr:   s.RemoteAddr,
		StartTime:    s.StartTime,
		LastActivity: s.lastActivity,
		Duration:     time.Since(s.StartTime),
		DeviceState:  s.deviceState,
		Streaming:    s.streaming,
		Turns:        s.turns,
		Recordings:   s.recordings,
		SpeakDone:    s.spoken.Load(),
		LastText:     s.lastText,
	}
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID           string        `json:"id"`
	RemoteAddr   string        `json:"remote_addr"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`
	DeviceState  state.State   `json:"device_state"`
	Streaming    bool          `json:"streaming"`
	Turns        uint64        `json:"turns"`
	Recordings   uint64        `json:"recordings"`
	SpeakDone    uint64        `json:"speak_done"`
	LastText     string        `json:"last_text,omitempty"`
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return nil
}
