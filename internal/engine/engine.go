package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/74th/websocket-control-stackchan/internal/downlink"
	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/protocol"
	"github.com/74th/websocket-control-stackchan/internal/state"
	"github.com/74th/websocket-control-stackchan/internal/transport"
	"github.com/74th/websocket-control-stackchan/internal/uplink"
	"github.com/74th/websocket-control-stackchan/internal/wake"
)

// maxInboundPerTick bounds how many frames one tick consumes.
const maxInboundPerTick = 64

// Config holds the engine parameters.
type Config struct {
	LoopInterval     time.Duration
	Uplink           uplink.Config
	DownlinkFallback protocol.AudioMeta
	WakeQueueSize    int
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Transport  transport.Transport
	Capture    uplink.Capture
	Output     downlink.Output
	Recognizer wake.Recognizer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Stats is a snapshot of engine counters
type Stats struct {
	State          state.State    `json:"state"`
	Connected      bool           `json:"connected"`
	Ticks          uint64         `json:"ticks"`
	FramesReceived uint64         `json:"frames_received"`
	DecodeErrors   uint64         `json:"decode_errors"`
	StateCommands  uint64         `json:"state_commands"`
	Disconnects    uint64         `json:"disconnects"`
	StaleFrames    uint64         `json:"stale_frames"`
	Wakes          uint64         `json:"wakes"`
	Uplink         uplink.Stats   `json:"uplink"`
	Downlink       downlink.Stats `json:"downlink"`
}

// Engine is the device session engine.
type Engine struct {
	config    Config
	transport transport.Transport
	sender    *transport.Sender
	capture   uplink.Capture
	machine   *state.Machine
	gateway   *wake.Gateway
	streamer  *uplink.Streamer
	player    *downlink.Player
	logger    *slog.Logger
	metrics   *metrics.Metrics

	idleBuf      []int16
	eventSeq     uint16
	wasConnected bool

	ticks          uint64
	framesReceived uint64
	decodeErrors   uint64
	stateCommands  uint64
	disconnects    uint64
	staleFrames    uint64
}

// New wires the components together. The machine starts in Idle with the
// capture running for wake detection.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Transport == nil || deps.Capture == nil || deps.Output == nil || deps.Recognizer == nil {
		return nil, errors.New("transport, capture, output and recognizer are required")
	}
	if config.LoopInterval <= 0 {
		config.LoopInterval = 10 * time.Millisecond
	}
	if config.DownlinkFallback.SampleRate <= 0 {
		config.DownlinkFallback.SampleRate = 24000
	}
	if config.DownlinkFallback.Channels <= 0 {
		config.DownlinkFallback.Channels = 1
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var uplinkOpts []uplink.Option
	if deps.Clock != nil {
		uplinkOpts = append(uplinkOpts, uplink.WithClock(deps.Clock))
	}

	e := &Engine{
		config:    config,
		transport: deps.Transport,
		sender:    transport.NewSender(deps.Transport, deps.Metrics),
		capture:   deps.Capture,
		machine:   state.NewMachine(logger),
		logger:    logger,
		metrics:   deps.Metrics,
		idleBuf:   make([]int16, config.Uplink.ReadQuantum),
	}

	// the microphone feeds the recognizer only while idle
	e.machine.OnExit(state.Idle, func(prev, next state.State) {
		e.capture.Stop()
	})
	e.machine.OnEntry(state.Idle, func(prev, next state.State) {
		e.startIdleCapture()
	})

	streamer, err := uplink.New(config.Uplink, e.sender, e.machine, deps.Capture, logger, deps.Metrics, uplinkOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create uplink streamer: %w", err)
	}
	e.streamer = streamer

	e.player = downlink.NewPlayer(e.machine, deps.Output, config.DownlinkFallback, logger, deps.Metrics)
	e.player.OnPlaybackDone(func() {
		e.sendEvent(protocol.KindSpeakDone, []byte{1})
	})

	gateway, err := wake.NewGateway(e.machine, deps.Recognizer, config.WakeQueueSize, logger, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create wake gateway: %w", err)
	}
	e.gateway = gateway
	e.gateway.OnWake(func() {
		e.sendEvent(protocol.KindWakeWordEvent, []byte{1})
	})

	for s := state.Idle; s < state.NumStates; s++ {
		e.machine.OnEntry(s, e.reportState)
	}

	e.startIdleCapture()
	e.wasConnected = deps.Transport.Connected()

	return e, nil
}

func (e *Engine) startIdleCapture() {
	if err := e.capture.Start(); err != nil {
		e.logger.Error("Failed to start capture", slog.String("error", err.Error()))
	}
}

func (e *Engine) reportState(prev, next state.State) {
	e.metrics.RecordStateTransition(next.String(), int(next))
	e.logger.Info("State changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
	e.sendEvent(protocol.KindStateEvent, []byte{uint8(next)})
}

// sendEvent reports a device event; failures are only logged.
func (e *Engine) sendEvent(kind protocol.Kind, body []byte) {
	if !e.sender.Connected() {
		return
	}
	seq := e.eventSeq
	e.eventSeq++
	if err := e.sender.Send(kind, protocol.PhaseData, seq, body); err != nil {
		e.logger.Debug("Event send failed",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()))
	}
}

// Tick advances every component once.
func (e *Engine) Tick() {
	e.ticks++

	connected := e.transport.Connected()
	if e.wasConnected && !connected {
		e.onDisconnect()
	}
	e.wasConnected = connected

	e.gateway.Drain()
	if connected {
		e.drainInbound()
	} else {
		e.discardInbound()
	}

	switch e.machine.Current() {
	case state.Idle:
		n, err := e.capture.Read(e.idleBuf)
		if err != nil {
			e.logger.Debug("Idle capture read failed", slog.String("error", err.Error()))
		}
		if n > 0 {
			e.gateway.Feed(e.idleBuf[:n])
		}
	case state.Listening:
		e.streamer.Loop()
	}

	e.player.Poll()
}

func (e *Engine) onDisconnect() {
	e.disconnects++
	e.logger.Warn("Transport lost, resetting session",
		slog.String("state", e.machine.Current().String()))
	// frames read before the drop belong to the dead session
	if n := e.discardInbound(); n > 0 {
		e.logger.Info("Discarded stale inbound frames", slog.Int("frames", n))
	}
	e.streamer.Abort()
	e.player.Reset()
	e.machine.Set(state.Idle)
}

func (e *Engine) drainInbound() {
	inbound := e.transport.Inbound()
	for i := 0; i < maxInboundPerTick; i++ {
		select {
		case frame, ok := <-inbound:
			if !ok {
				return
			}
			e.dispatch(frame)
		default:
			return
		}
	}
}

// discardInbound empties the inbound queue without dispatching.
func (e *Engine) discardInbound() int {
	inbound := e.transport.Inbound()
	n := 0
	for {
		select {
		case _, ok := <-inbound:
			if !ok {
				return n
			}
			n++
			e.staleFrames++
		default:
			return n
		}
	}
}

func (e *Engine) dispatch(frame []byte) {
	h, payload, err := protocol.Decode(frame)
	if err != nil {
		e.decodeErrors++
		e.metrics.RecordDecodeError()
		e.logger.Warn("Dropping malformed frame",
			slog.Int("bytes", len(frame)),
			slog.String("error", err.Error()))
		return
	}

	e.framesReceived++
	e.metrics.RecordFrameReceived(h.Kind.String(), h.Phase.String())

	switch h.Kind {
	case protocol.KindDownlinkAudio:
		// the player logs its own rejections
		_ = e.player.HandleFrame(h, payload)

	case protocol.KindStateCommand:
		if h.Phase != protocol.PhaseData {
			e.logger.Warn("Ignoring state command outside DATA phase", slog.String("header", h.String()))
			return
		}
		id, err := protocol.ParseStateBody(payload)
		if err != nil {
			e.logger.Warn("Invalid state command", slog.String("error", err.Error()))
			return
		}
		next, err := state.FromByte(id)
		if err != nil {
			e.logger.Warn("Invalid state command", slog.String("error", err.Error()))
			return
		}
		e.stateCommands++
		e.logger.Info("State command received", slog.String("state", next.String()))
		e.machine.Set(next)

	default:
		e.logger.Warn("Ignoring unexpected frame", slog.String("header", h.String()))
	}
}

// Run ticks on the loop interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.LoopInterval)
	defer ticker.Stop()

	e.logger.Info("Session engine started",
		slog.Duration("loop_interval", e.config.LoopInterval),
		slog.Int("sample_rate", e.config.Uplink.SampleRate))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Machine exposes the state machine, e.g. to force Idle.
func (e *Engine) Machine() *state.Machine {
	return e.machine
}

// GetStats returns engine counters. Call from the loop goroutine or after
// Run has returned.
func (e *Engine) GetStats() Stats {
	return Stats{
		State:          e.machine.Current(),
		Connected:      e.transport.Connected(),
		Ticks:          e.ticks,
		FramesReceived: e.framesReceived,
		DecodeErrors:   e.decodeErrors,
		StateCommands:  e.stateCommands,
		Disconnects:    e.disconnects,
		StaleFrames:    e.staleFrames,
		Wakes:          e.gateway.Wakes(),
		Uplink:         e.streamer.GetStats(),
		Downlink:       e.player.GetStats(),
	}
}

// Close ends any open session and stops the recognizer and capture.
func (e *Engine) Close() error {
	e.machine.Set(state.Idle)
	e.capture.Stop()
	return e.gateway.Close()
}
