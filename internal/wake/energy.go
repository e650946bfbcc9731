package wake

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/74th/websocket-control-stackchan/internal/vad"
)

// EnergyRecognizer is a stand-in keyword spotter: it reports a wake event
// once the input level has stayed above a threshold for a minimum
// duration. Audio is processed on a worker goroutine.
type EnergyRecognizer struct {
	detector    *vad.Detector
	minDuration time.Duration
	now         func() time.Time
	logger      *slog.Logger

	feed      chan []int16
	paused    atomic.Bool
	closed    atomic.Bool
	emit      func(Event)
	wg        sync.WaitGroup
	closeOnce sync.Once

	dropped atomic.Uint64
}

// EnergyOption configures an EnergyRecognizer.
type EnergyOption func(*EnergyRecognizer)

// WithEnergyClock sets the clock used for the duration check.
func WithEnergyClock(now func() time.Time) EnergyOption {
	return func(r *EnergyRecognizer) {
		r.now = now
	}
}

// NewEnergyRecognizer creates a recognizer triggering on sustained level
// above threshold for at least minDuration.
func NewEnergyRecognizer(threshold int, minDuration time.Duration, logger *slog.Logger, opts ...EnergyOption) (*EnergyRecognizer, error) {
	if minDuration < 0 {
		return nil, fmt.Errorf("min duration must not be negative, got %s", minDuration)
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &EnergyRecognizer{
		minDuration: minDuration,
		now:         time.Now,
		logger:      logger,
		feed:        make(chan []int16, 64),
	}
	for _, opt := range opts {
		opt(r)
	}

	// the silence side of the detector is unused here
	detector, err := vad.NewDetector(threshold, time.Hour, vad.WithClock(r.now))
	if err != nil {
		return nil, err
	}
	r.detector = detector

	return r, nil
}

// Start launches the worker goroutine.
func (r *EnergyRecognizer) Start(emit func(Event)) error {
	if emit == nil {
		return fmt.Errorf("emit callback is required")
	}
	r.emit = emit

	r.wg.Add(1)
	go r.run()
	return nil
}

func (r *EnergyRecognizer) run() {
	defer r.wg.Done()

	for samples := range r.feed {
		if r.paused.Load() {
			continue
		}

		result := r.detector.Process(samples)
		if result.HasVoice && result.VoicedFor >= r.minDuration {
			r.detector.Reset()
			r.logger.Debug("Energy wake triggered", slog.Int("level", result.Level))
			r.emit(Event{Type: WakeDetected, Time: r.now()})
		}
	}
}

// Feed queues a copy of samples; when the worker lags the window is dropped.
func (r *EnergyRecognizer) Feed(samples []int16) {
	if r.closed.Load() || r.paused.Load() || len(samples) == 0 {
		return
	}

	buf := make([]int16, len(samples))
	copy(buf, samples)

	select {
	case r.feed <- buf:
	default:
		r.dropped.Add(1)
	}
}

// Pause suspends detection.
func (r *EnergyRecognizer) Pause() {
	r.paused.Store(true)
}

// Resume re-arms detection with fresh timers.
func (r *EnergyRecognizer) Resume() {
	r.detector.Reset()
	r.paused.Store(false)
}

// Close stops the worker and waits for it to exit.
func (r *EnergyRecognizer) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.feed)
	})
	r.wg.Wait()
	return nil
}

// Dropped returns how many windows were discarded because the worker lagged.
func (r *EnergyRecognizer) Dropped() uint64 {
	return r.dropped.Load()
}
