package device

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/74th/websocket-control-stackchan/internal/audio"
)

// FileSpeaker is a virtual speaker. Each utterance is written to dir as a
// WAV file and reported as playing for its real duration, queued behind
// earlier utterances.
type FileSpeaker struct {
	mu           sync.Mutex
	dir          string
	now          func() time.Time
	logger       *slog.Logger
	playingUntil time.Time
	count        int
}

// NewFileSpeaker creates the output directory if needed. An empty dir
// disables file output.
func NewFileSpeaker(dir string, logger *slog.Logger, now func() time.Time) (*FileSpeaker, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create playback directory: %w", err)
		}
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSpeaker{dir: dir, now: now, logger: logger}, nil
}

// Play queues samples for playback.
func (s *FileSpeaker) Play(samples []int16, format audio.Format) error {
	if len(samples) == 0 {
		return fmt.Errorf("nothing to play")
	}

	duration := time.Duration(audio.SamplesDuration(len(samples), format.SampleRate, format.Channels)) * time.Millisecond

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if s.dir != "" {
		name := fmt.Sprintf("play_%s_%03d.wav", s.now().UTC().Format("20060102_150405"), s.count)
		path := filepath.Join(s.dir, name)
		if err := audio.WriteWAVFile(path, samples, format); err != nil {
			return err
		}
		s.logger.Info("Playback written", slog.String("path", path), slog.Duration("duration", duration))
	}

	start := s.now()
	if s.playingUntil.After(start) {
		start = s.playingUntil
	}
	s.playingUntil = start.Add(duration)
	return nil
}

// Playing reports whether queued audio is still running.
func (s *FileSpeaker) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.playingUntil)
}

// Stop drops all queued audio.
func (s *FileSpeaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playingUntil = time.Time{}
}
