package downlink

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/74th/websocket-control-stackchan/internal/audio"
	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/protocol"
	"github.com/74th/websocket-control-stackchan/internal/state"
)

var (
	ErrNoSession            = errors.New("downlink frame outside a session")
	ErrSequenceGap          = errors.New("downlink sequence gap")
	ErrUnalignedAudioBuffer = errors.New("downlink audio buffer not sample aligned")
	ErrUnexpectedKind       = errors.New("not a downlink audio frame")
)

// Output is the speaker. Play queues interleaved samples behind anything
// already playing; Playing reports whether queued audio is still audible.
type Output interface {
	Play(samples []int16, format audio.Format) error
	Playing() bool
	Stop()
}

// Stats is a snapshot of downlink counters
type Stats struct {
	Receiving      bool   `json:"receiving"`
	Playing        bool   `json:"playing"`
	Sessions       uint64 `json:"sessions"`
	BytesReceived  uint64 `json:"bytes_received"`
	SequenceGaps   uint64 `json:"sequence_gaps"`
	DroppedFrames  uint64 `json:"dropped_frames"`
	Played         uint64 `json:"played"`
	RejectedBuffer uint64 `json:"rejected_buffers"`
}

// Player owns the downlink session. It is driven from the engine loop and
// is not safe for concurrent use.
type Player struct {
	machine  *state.Machine
	output   Output
	fallback protocol.AudioMeta
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onDone   func()

	receiving bool
	playing   bool
	expected  uint16
	meta      protocol.AudioMeta
	buf       []byte

	stats Stats
}

// NewPlayer creates a player. fallback is the format restored after each
// playback and used when START carries no metadata before any other.
func NewPlayer(machine *state.Machine, output Output, fallback protocol.AudioMeta, logger *slog.Logger, m *metrics.Metrics) *Player {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Player{
		machine:  machine,
		output:   output,
		fallback: fallback,
		logger:   logger.With(slog.String("component", "downlink")),
		metrics:  m,
		meta:     fallback,
	}

	// leaving Speaking for any other reason interrupts playback
	machine.OnExit(state.Speaking, func(prev, next state.State) {
		if p.playing {
			p.output.Stop()
			p.playing = false
		}
	})

	return p
}

// OnPlaybackDone registers fn to run once queued audio has finished.
func (p *Player) OnPlaybackDone(fn func()) {
	p.onDone = fn
}

// HandleFrame consumes one downlink audio frame. Sequence gaps are logged
// and counted but do not produce an error.
func (p *Player) HandleFrame(h protocol.Header, payload []byte) error {
	if h.Kind != protocol.KindDownlinkAudio {
		return fmt.Errorf("%w: %s", ErrUnexpectedKind, h.Kind)
	}

	switch h.Phase {
	case protocol.PhaseStart:
		p.start(h, payload)
		return nil
	case protocol.PhaseData:
		return p.data(h, payload)
	case protocol.PhaseEnd:
		return p.end(h)
	default:
		p.stats.DroppedFrames++
		return fmt.Errorf("unknown phase %s", h.Phase)
	}
}

func (p *Player) start(h protocol.Header, payload []byte) {
	p.buf = p.buf[:0]
	p.receiving = true
	// a previous utterance may still be audible; it stays queued
	p.playing = false
	p.expected = h.Sequence + 1
	// absent or zero fields keep the format until playback resets it
	p.meta = protocol.ParseAudioMeta(payload, p.meta)
	p.stats.Sessions++

	if len(payload) >= protocol.AudioMetaSize {
		p.logger.Info("Downlink started",
			slog.Int("seq", int(h.Sequence)),
			slog.Int("sample_rate", p.meta.SampleRate),
			slog.Int("channels", p.meta.Channels))
	} else {
		p.logger.Warn("Downlink START without metadata, keeping format",
			slog.Int("seq", int(h.Sequence)),
			slog.Int("sample_rate", p.meta.SampleRate),
			slog.Int("channels", p.meta.Channels))
	}

	p.machine.Set(state.Speaking)
}

func (p *Player) data(h protocol.Header, payload []byte) error {
	if !p.receiving {
		p.stats.DroppedFrames++
		p.logger.Warn("Dropping downlink DATA without START", slog.Int("seq", int(h.Sequence)))
		return ErrNoSession
	}

	if h.Sequence != p.expected {
		p.stats.SequenceGaps++
		p.metrics.RecordSequenceGap("downlink")
		p.logger.Warn("Downlink sequence gap",
			slog.Int("got", int(h.Sequence)),
			slog.Int("expected", int(p.expected)),
			slog.String("error", ErrSequenceGap.Error()))
	}
	p.expected = h.Sequence + 1

	p.buf = append(p.buf, payload...)
	p.stats.BytesReceived += uint64(len(payload))
	return nil
}

func (p *Player) end(h protocol.Header) error {
	if !p.receiving {
		p.stats.DroppedFrames++
		p.logger.Warn("Dropping downlink END without START", slog.Int("seq", int(h.Sequence)))
		return ErrNoSession
	}
	p.receiving = false

	if len(p.buf) == 0 {
		p.logger.Info("Downlink ended with no audio")
		p.metrics.RecordPlaybackRejected("empty")
		p.finishWithoutPlayback()
		return nil
	}

	frameBytes := protocol.SampleWidth * p.meta.Channels
	if n := len(p.buf); n%frameBytes != 0 {
		p.stats.RejectedBuffer++
		p.metrics.RecordPlaybackRejected("unaligned")
		p.logger.Error("Discarding downlink audio",
			slog.Int("bytes", n),
			slog.Int("channels", p.meta.Channels),
			slog.String("error", ErrUnalignedAudioBuffer.Error()))
		p.buf = p.buf[:0]
		p.finishWithoutPlayback()
		return fmt.Errorf("%w: %d bytes for %d channels", ErrUnalignedAudioBuffer, n, p.meta.Channels)
	}

	samples, err := audio.BytesToSamples(p.buf)
	p.buf = p.buf[:0]
	if err != nil {
		p.finishWithoutPlayback()
		return err
	}

	format := audio.Format{SampleRate: p.meta.SampleRate, Channels: p.meta.Channels}
	if err := p.output.Play(samples, format); err != nil {
		p.metrics.RecordPlaybackRejected("output")
		p.logger.Error("Playback failed", slog.String("error", err.Error()))
		p.finishWithoutPlayback()
		return fmt.Errorf("play: %w", err)
	}

	p.playing = true
	p.stats.Played++
	durationMs := audio.SamplesDuration(len(samples), format.SampleRate, format.Channels)
	p.metrics.RecordPlayback(float64(durationMs) / 1000)
	p.logger.Info("Downlink playing",
		slog.Int("samples", len(samples)),
		slog.Int64("duration_ms", durationMs))
	return nil
}

func (p *Player) finishWithoutPlayback() {
	if p.output.Playing() {
		// an earlier utterance is still audible; Poll finishes the turn
		p.playing = true
		return
	}
	p.machine.Set(state.Idle)
}

// Poll finishes the turn once the speaker has drained: the output is
// stopped, the machine returns to Idle and the done hook runs.
func (p *Player) Poll() {
	if !p.playing || p.output.Playing() {
		return
	}

	p.logger.Info("Downlink playback done")
	p.output.Stop()
	p.playing = false
	p.reset()
	p.machine.Set(state.Idle)

	if p.onDone != nil {
		p.onDone()
	}
}

// Reset abandons any session in progress, as after a transport failure.
func (p *Player) Reset() {
	if p.playing {
		p.output.Stop()
	}
	p.playing = false
	p.reset()
}

func (p *Player) reset() {
	p.receiving = false
	p.buf = p.buf[:0]
	p.expected = 0
	p.meta = p.fallback
}

// Format returns the format of the current or last session.
func (p *Player) Format() protocol.AudioMeta {
	return p.meta
}

// GetStats returns downlink counters
func (p *Player) GetStats() Stats {
	stats := p.stats
	stats.Receiving = p.receiving
	stats.Playing = p.playing
	return stats
}
