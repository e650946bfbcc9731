package vad

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func constant(level int16, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = level
		} else {
			out[i] = -level
		}
	}
	return out
}

func TestNewDetectorValidation(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		duration  time.Duration
		expectErr bool
	}{
		{name: "valid parameters", threshold: 200, duration: 3 * time.Second},
		{name: "zero threshold", threshold: 0, duration: time.Second},
		{name: "negative threshold", threshold: -1, duration: time.Second, expectErr: true},
		{name: "zero duration", threshold: 200, duration: 0, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetector(tt.threshold, tt.duration)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestDetectorSilenceElapses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d, err := NewDetector(200, 3*time.Second, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	// level exactly at threshold is silence
	r := d.Process(constant(200, 256))
	if r.HasVoice || r.SilenceElapsed {
		t.Fatalf("Expected silence without elapse, got %+v", r)
	}

	clock.Advance(2999 * time.Millisecond)
	if r = d.Process(constant(50, 256)); r.SilenceElapsed {
		t.Errorf("Silence should not elapse before duration, got %+v", r)
	}

	clock.Advance(time.Millisecond)
	if r = d.Process(constant(50, 256)); !r.SilenceElapsed {
		t.Errorf("Expected silence to elapse, got %+v", r)
	}
	if r.SilentFor != 3*time.Second {
		t.Errorf("Expected SilentFor 3s, got %s", r.SilentFor)
	}
}

func TestDetectorSilenceElapsedWithoutSamples(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d, _ := NewDetector(200, time.Second, WithClock(clock.Now))

	if d.SilenceElapsed() {
		t.Error("Expected no elapsed silence before any window")
	}

	d.Process(constant(0, 32))
	clock.Advance(time.Second)
	if !d.SilenceElapsed() {
		t.Error("Expected silence to elapse on the clock alone")
	}

	d.Process(constant(900, 32))
	if d.SilenceElapsed() {
		t.Error("Expected voice to clear elapsed silence")
	}
}

func TestDetectorVoiceResetsSilence(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d, _ := NewDetector(200, 3*time.Second, WithClock(clock.Now))

	d.Process(constant(10, 256))
	clock.Advance(2 * time.Second)

	r := d.Process(constant(1000, 256))
	if !r.HasVoice {
		t.Fatalf("Expected voice, got %+v", r)
	}

	clock.Advance(2 * time.Second)
	r = d.Process(constant(10, 256))
	if r.SilentFor != 0 || r.SilenceElapsed {
		t.Errorf("Expected silence timer restarted, got %+v", r)
	}

	clock.Advance(3 * time.Second)
	if r = d.Process(constant(10, 256)); !r.SilenceElapsed {
		t.Errorf("Expected silence to elapse after restart, got %+v", r)
	}
}

func TestDetectorVoicedFor(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	d, _ := NewDetector(500, time.Second, WithClock(clock.Now))

	d.Process(constant(1000, 64))
	clock.Advance(300 * time.Millisecond)
	r := d.Process(constant(1000, 64))
	if r.VoicedFor != 300*time.Millisecond {
		t.Errorf("Expected VoicedFor 300ms, got %s", r.VoicedFor)
	}

	d.Reset()
	r = d.Process(constant(1000, 64))
	if r.VoicedFor != 0 {
		t.Errorf("Expected VoicedFor reset, got %s", r.VoicedFor)
	}
}

func TestDetectorStats(t *testing.T) {
	d, _ := NewDetector(100, time.Second)

	d.Process(constant(500, 16))
	d.Process(constant(0, 16))
	d.Process(constant(0, 16))
	d.Process(constant(500, 16))

	stats := d.GetStats()
	if stats.TotalWindows != 4 {
		t.Errorf("Expected 4 windows, got %d", stats.TotalWindows)
	}
	if stats.VoiceWindows != 2 {
		t.Errorf("Expected 2 voice windows, got %d", stats.VoiceWindows)
	}
	if stats.VoicePercentage != 50 {
		t.Errorf("Expected 50%% voice, got %f", stats.VoicePercentage)
	}

	if err := d.UpdateThreshold(-1); err == nil {
		t.Error("Expected error for negative threshold")
	}
	if err := d.UpdateThreshold(300); err != nil || d.GetThreshold() != 300 {
		t.Errorf("Expected threshold 300, got %d (%v)", d.GetThreshold(), err)
	}
}
