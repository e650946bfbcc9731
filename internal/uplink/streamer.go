package uplink

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/74th/websocket-control-stackchan/internal/audio"
	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/protocol"
	"github.com/74th/websocket-control-stackchan/internal/state"
	"github.com/74th/websocket-control-stackchan/internal/transport"
	"github.com/74th/websocket-control-stackchan/internal/vad"
)

// Capture is the microphone. Read returns whatever samples are ready, up to
// len(dst), without blocking for more.
type Capture interface {
	Start() error
	Stop()
	Read(dst []int16) (int, error)
}

// Config holds the uplink session parameters.
type Config struct {
	SampleRate       int
	ChunkSamples     int
	ReadQuantum      int
	RingCapacity     int
	SilenceThreshold int
	SilenceDuration  time.Duration
}

// DefaultConfig derives chunk and ring sizes from the sample rate: half a
// second per DATA frame and two seconds of ring.
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:       sampleRate,
		ChunkSamples:     sampleRate / 2,
		ReadQuantum:      256,
		RingCapacity:     sampleRate * 2,
		SilenceThreshold: 200,
		SilenceDuration:  3 * time.Second,
	}
}

// Validate checks the uplink parameters
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.ChunkSamples <= 0 {
		return fmt.Errorf("chunk samples must be positive, got %d", c.ChunkSamples)
	}
	if c.ChunkSamples*protocol.SampleWidth > protocol.MaxPayloadSize {
		return fmt.Errorf("chunk of %d samples exceeds the frame payload limit", c.ChunkSamples)
	}
	if c.ReadQuantum <= 0 {
		return fmt.Errorf("read quantum must be positive, got %d", c.ReadQuantum)
	}
	if c.RingCapacity < c.ChunkSamples {
		return fmt.Errorf("ring capacity %d is smaller than one chunk (%d)", c.RingCapacity, c.ChunkSamples)
	}
	return nil
}

// Stats is a snapshot of uplink counters
type Stats struct {
	Streaming       bool   `json:"streaming"`
	Sessions        uint64 `json:"sessions"`
	ChunksSent      uint64 `json:"chunks_sent"`
	SamplesSent     uint64 `json:"samples_sent"`
	SilenceStops    uint64 `json:"silence_stops"`
	SendFailures    uint64 `json:"send_failures"`
	OverflowSamples uint64 `json:"overflow_samples"`
}

// Streamer owns one uplink session at a time. It is driven from the
// engine loop and is not safe for concurrent use.
type Streamer struct {
	config   Config
	sender   *transport.Sender
	machine  *state.Machine
	capture  Capture
	ring     *audio.RingBuffer
	detector *vad.Detector
	logger   *slog.Logger
	metrics  *metrics.Metrics

	streaming bool
	seq       uint16
	readBuf   []int16
	chunkBuf  []int16

	stats Stats
}

// Option configures a Streamer.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for silence timing.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a streamer and registers its Listening and Speaking hooks on
// machine.
func New(config Config, sender *transport.Sender, machine *state.Machine, capture Capture, logger *slog.Logger, m *metrics.Metrics, opts ...Option) (*Streamer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid uplink config: %w", err)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	ring, err := audio.NewRingBuffer(config.RingCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create ring buffer: %w", err)
	}

	detector, err := vad.NewDetector(config.SilenceThreshold, config.SilenceDuration, vad.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("failed to create silence detector: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Streamer{
		config:   config,
		sender:   sender,
		machine:  machine,
		capture:  capture,
		ring:     ring,
		detector: detector,
		logger:   logger.With(slog.String("component", "uplink")),
		metrics:  m,
		readBuf:  make([]int16, config.ReadQuantum),
		chunkBuf: make([]int16, config.ChunkSamples),
	}

	machine.OnEntry(state.Listening, s.onListeningEntry)
	machine.OnExit(state.Listening, s.onListeningExit)
	machine.OnEntry(state.Speaking, func(prev, next state.State) {
		s.capture.Stop()
	})

	return s, nil
}

func (s *Streamer) onListeningEntry(prev, next state.State) {
	if err := s.capture.Start(); err != nil {
		s.logger.Error("Failed to start capture", slog.String("error", err.Error()))
		s.machine.Set(state.Idle)
		return
	}
	if !s.StartStreaming() {
		s.machine.Set(state.Idle)
	}
}

func (s *Streamer) onListeningExit(prev, next state.State) {
	if !s.StopStreaming() {
		s.logger.Warn("Uplink flush or END failed")
	}
	s.capture.Stop()
}

// StartStreaming opens a session: the ring and sequence are reset and a
// START frame is sent. It fails without side effects on the machine when
// the transport is down.
func (s *Streamer) StartStreaming() bool {
	if !s.sender.Connected() {
		s.logger.Warn("Cannot start streaming", slog.String("error", transport.ErrNotConnected.Error()))
		return false
	}

	s.ring.Reset()
	s.detector.Reset()
	s.seq = 0

	if !s.send(protocol.PhaseStart, nil) {
		return false
	}

	s.streaming = true
	s.stats.Sessions++
	s.logger.Info("Uplink started", slog.Int("sample_rate", s.config.SampleRate))
	return true
}

// Loop runs one capture step: read a quantum, buffer it, send every whole
// chunk and stop the session once silence has lasted long enough.
func (s *Streamer) Loop() {
	if !s.streaming {
		return
	}

	n, err := s.capture.Read(s.readBuf)
	if err != nil {
		s.logger.Warn("Capture read failed", slog.String("error", err.Error()))
	}
	if n > 0 {
		samples := s.readBuf[:n]
		if dropped := s.ring.Push(samples); dropped > 0 {
			s.stats.OverflowSamples += uint64(dropped)
			s.metrics.RecordRingOverflow(dropped)
		}
		s.detector.Process(samples)
	}

	for s.ring.Len() >= s.config.ChunkSamples {
		got := s.ring.Pop(s.chunkBuf)
		if !s.sendSamples(s.chunkBuf[:got]) {
			s.streaming = false
			s.ring.Reset()
			s.logger.Warn("Uplink DATA send failed, returning to idle")
			s.machine.Set(state.Idle)
			return
		}
	}

	if s.detector.SilenceElapsed() {
		s.logger.Info("Auto stop: silence detected",
			slog.Duration("duration", s.config.SilenceDuration))
		s.stats.SilenceStops++
		s.metrics.RecordSilenceStop()
		if !s.StopStreaming() {
			s.logger.Warn("Uplink flush or END failed")
		}
		s.machine.Set(state.Idle)
	}
}

// StopStreaming flushes buffered samples in chunk-sized DATA frames and
// sends END. The session is closed even when a send fails; the result
// reports whether every send succeeded. Without an open session it
// returns true.
func (s *Streamer) StopStreaming() bool {
	if !s.streaming {
		return true
	}

	ok := true
	for s.ring.Len() > 0 {
		got := s.ring.Pop(s.chunkBuf)
		if !s.sendSamples(s.chunkBuf[:got]) {
			ok = false
			break
		}
	}

	s.streaming = false
	s.ring.Reset()
	ok = s.send(protocol.PhaseEnd, nil) && ok

	s.logger.Info("Uplink stopped",
		slog.Int("frames", int(s.seq)),
		slog.Bool("ok", ok))
	return ok
}

// Abort drops the session without sending anything, used when the
// transport has gone away.
func (s *Streamer) Abort() {
	s.streaming = false
	s.ring.Reset()
	s.detector.Reset()
}

// Streaming reports whether a session is open.
func (s *Streamer) Streaming() bool {
	return s.streaming
}

// GetStats returns uplink counters
func (s *Streamer) GetStats() Stats {
	stats := s.stats
	stats.Streaming = s.streaming
	return stats
}

func (s *Streamer) sendSamples(samples []int16) bool {
	if !s.send(protocol.PhaseData, audio.SamplesToBytes(samples)) {
		return false
	}
	s.stats.ChunksSent++
	s.stats.SamplesSent += uint64(len(samples))
	return true
}

func (s *Streamer) send(phase protocol.Phase, payload []byte) bool {
	seq := s.seq
	s.seq++

	if err := s.sender.Send(protocol.KindUplinkPCM, phase, seq, payload); err != nil {
		s.stats.SendFailures++
		s.logger.Warn("Uplink send failed",
			slog.String("phase", phase.String()),
			slog.Int("seq", int(seq)),
			slog.String("error", err.Error()))
		return false
	}
	return true
}
