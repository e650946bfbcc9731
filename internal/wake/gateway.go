package wake

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/state"
)

// Gateway owns the recognizer lifecycle. Detection runs only while Idle.
type Gateway struct {
	machine    *state.Machine
	recognizer Recognizer
	events     chan Event
	logger     *slog.Logger
	metrics    *metrics.Metrics
	onWake     func()

	dropped atomic.Uint64
	wakes   uint64
}

// NewGateway starts recognizer and registers the Idle hooks on machine.
func NewGateway(machine *state.Machine, recognizer Recognizer, queueSize int, logger *slog.Logger, m *metrics.Metrics) (*Gateway, error) {
	if queueSize <= 0 {
		queueSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		machine:    machine,
		recognizer: recognizer,
		events:     make(chan Event, queueSize),
		logger:     logger.With(slog.String("component", "wake")),
		metrics:    m,
	}

	machine.OnExit(state.Idle, func(prev, next state.State) {
		g.recognizer.Pause()
	})
	machine.OnEntry(state.Idle, func(prev, next state.State) {
		g.recognizer.Resume()
	})

	if err := recognizer.Start(g.post); err != nil {
		return nil, fmt.Errorf("failed to start recognizer: %w", err)
	}
	if !machine.Is(state.Idle) {
		recognizer.Pause()
	}

	return g, nil
}

// OnWake registers fn to run when a wake event is handled, before the
// transition to Listening.
func (g *Gateway) OnWake(fn func()) {
	g.onWake = fn
}

// post is handed to the recognizer; it never blocks.
func (g *Gateway) post(ev Event) {
	select {
	case g.events <- ev:
	default:
		g.dropped.Add(1)
		g.logger.Warn("Dropping recognizer event, queue full", slog.String("event", ev.Type.String()))
	}
}

// Feed forwards microphone samples to the recognizer while Idle.
func (g *Gateway) Feed(samples []int16) {
	if !g.machine.Is(state.Idle) {
		return
	}
	g.recognizer.Feed(samples)
}

// Drain handles every queued event and returns how many were handled.
func (g *Gateway) Drain() int {
	handled := 0
	for {
		select {
		case ev := <-g.events:
			g.handle(ev)
			handled++
		default:
			return handled
		}
	}
}

func (g *Gateway) handle(ev Event) {
	switch ev.Type {
	case WakeDetected:
		if !g.machine.Is(state.Idle) {
			g.logger.Debug("Ignoring wake event outside idle",
				slog.String("state", g.machine.Current().String()))
			return
		}
		g.wakes++
		g.metrics.RecordWakeEvent()
		g.logger.Info("Wake word detected, entering listening")
		if g.onWake != nil {
			g.onWake()
		}
		g.machine.Set(state.Listening)
	default:
		g.logger.Info("Unhandled recognizer event",
			slog.String("event", ev.Type.String()),
			slog.Int("command_id", ev.CommandID),
			slog.Int("phrase_id", ev.PhraseID))
	}
}

// Wakes returns how many wake events caused a transition.
func (g *Gateway) Wakes() uint64 {
	return g.wakes
}

// Dropped returns how many recognizer events were lost to a full queue.
func (g *Gateway) Dropped() uint64 {
	return g.dropped.Load()
}

// Close stops the recognizer.
func (g *Gateway) Close() error {
	return g.recognizer.Close()
}
