package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/74th/websocket-control-stackchan/internal/audio"
)

// maxLag bounds how far pacing may fall behind; older samples are dropped
// the way a microphone overruns its DMA buffer.
const maxLag = time.Second

// FileCapture is a virtual microphone. It replays PCM from a source at
// real-time pace and yields silence once the source is exhausted, or loops
// when configured to.
type FileCapture struct {
	mu         sync.Mutex
	source     []int16
	sampleRate int
	loop       bool
	now        func() time.Time

	pos      int
	running  bool
	lastRead time.Time
	overruns uint64
}

// NewFileCapture creates a capture over source samples. A nil source
// produces pure silence.
func NewFileCapture(source []int16, sampleRate int, loop bool, now func() time.Time) (*FileCapture, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if now == nil {
		now = time.Now
	}
	return &FileCapture{
		source:     source,
		sampleRate: sampleRate,
		loop:       loop,
		now:        now,
	}, nil
}

// OpenWAVCapture loads a mono WAV file recorded at sampleRate.
func OpenWAVCapture(path string, sampleRate int, loop bool) (*FileCapture, error) {
	samples, format, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	if format.Channels != 1 {
		return nil, fmt.Errorf("%s: capture source must be mono, got %d channels", path, format.Channels)
	}
	if format.SampleRate != sampleRate {
		return nil, fmt.Errorf("%s: capture source is %d Hz, expected %d Hz", path, format.SampleRate, sampleRate)
	}
	return NewFileCapture(samples, sampleRate, loop, nil)
}

// Start begins pacing from now.
func (c *FileCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		c.running = true
		c.lastRead = c.now()
	}
	return nil
}

// Stop pauses the capture; the source position is kept.
func (c *FileCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

// Read returns the samples that have become due since the last read, up
// to len(dst).
func (c *FileCapture) Read(dst []int16) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return 0, nil
	}

	now := c.now()
	if lag := now.Sub(c.lastRead); lag > maxLag {
		skipped := int((lag - maxLag) * time.Duration(c.sampleRate) / time.Second)
		c.advance(skipped)
		c.lastRead = now.Add(-maxLag)
		c.overruns++
	}
	due := int(now.Sub(c.lastRead) * time.Duration(c.sampleRate) / time.Second)
	if due <= 0 {
		return 0, nil
	}
	n := due
	if n > len(dst) {
		n = len(dst)
	}
	// advance the pace clock only by what was consumed
	c.lastRead = c.lastRead.Add(time.Duration(n) * time.Second / time.Duration(c.sampleRate))

	for i := 0; i < n; i++ {
		if c.pos >= len(c.source) {
			if c.loop && len(c.source) > 0 {
				c.pos = 0
			} else {
				dst[i] = 0
				continue
			}
		}
		dst[i] = c.source[c.pos]
		c.pos++
	}

	return n, nil
}

// advance skips n source samples.
func (c *FileCapture) advance(n int) {
	if len(c.source) == 0 {
		return
	}
	if c.loop {
		c.pos = (c.pos + n) % len(c.source)
		return
	}
	c.pos += n
	if c.pos > len(c.source) {
		c.pos = len(c.source)
	}
}

// Overruns returns how many times samples were dropped because reads fell
// behind.
func (c *FileCapture) Overruns() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overruns
}
