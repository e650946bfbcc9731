package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/74th/websocket-control-stackchan/internal/audio"
)

// Detector provides level-based voice activity detection
type Detector struct {
	threshold       int
	silenceDuration time.Duration
	now             func() time.Time

	silenceStart time.Time
	voiceStart   time.Time

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result is the outcome of processing one window of samples
type Result struct {
	Level     int           `json:"level"`
	HasVoice  bool          `json:"has_voice"`
	SilentFor time.Duration `json:"silent_for"`
	VoicedFor time.Duration `json:"voiced_for"`
	// SilenceElapsed is set once SilentFor reaches the configured duration.
	SilenceElapsed bool `json:"silence_elapsed"`
}

// Stats represents detector statistics
type Stats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       int       `json:"threshold"`
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// NewDetector creates a detector. Windows whose average level is at or
// below threshold count as silence.
func NewDetector(threshold int, silenceDuration time.Duration, opts ...Option) (*Detector, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("threshold must not be negative, got %d", threshold)
	}
	if silenceDuration <= 0 {
		return nil, fmt.Errorf("silence duration must be positive, got %s", silenceDuration)
	}

	d := &Detector{
		threshold:       threshold,
		silenceDuration: silenceDuration,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Process classifies one window of samples and updates the running timers
func (d *Detector) Process(samples []int16) Result {
	level := audio.AverageLevel(samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.totalWindows++
	d.lastProcessed = now

	result := Result{Level: level}

	if level > d.threshold {
		d.voiceWindows++
		d.silenceStart = time.Time{}
		if d.voiceStart.IsZero() {
			d.voiceStart = now
		}
		result.HasVoice = true
		result.VoicedFor = now.Sub(d.voiceStart)
		return result
	}

	d.voiceStart = time.Time{}
	if d.silenceStart.IsZero() {
		d.silenceStart = now
	}
	result.SilentFor = now.Sub(d.silenceStart)
	result.SilenceElapsed = result.SilentFor >= d.silenceDuration

	return result
}

// SilenceElapsed reports whether the current silent run has lasted the
// configured duration as of now, without processing new samples.
func (d *Detector) SilenceElapsed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.silenceStart.IsZero() {
		return false
	}
	return d.now().Sub(d.silenceStart) >= d.silenceDuration
}

// Reset clears the timers; statistics are kept
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.silenceStart = time.Time{}
	d.voiceStart = time.Time{}
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	voicePercentage := float64(0)
	if d.totalWindows > 0 {
		voicePercentage = float64(d.voiceWindows) / float64(d.totalWindows) * 100
	}

	return Stats{
		TotalWindows:    d.totalWindows,
		VoiceWindows:    d.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   d.lastProcessed,
		Threshold:       d.threshold,
	}
}

// UpdateThreshold updates the silence threshold
func (d *Detector) UpdateThreshold(threshold int) error {
	if threshold < 0 {
		return fmt.Errorf("threshold must not be negative, got %d", threshold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.threshold = threshold
	return nil
}

// GetThreshold returns the current threshold
func (d *Detector) GetThreshold() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// GetSilenceDuration returns how long silence must last to elapse
func (d *Detector) GetSilenceDuration() time.Duration {
	return d.silenceDuration
}
