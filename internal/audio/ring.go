package audio

import (
	"fmt"
	"sync"
)

// RingBuffer is a fixed-capacity FIFO of int16 samples. When full, pushes
// overwrite the oldest samples; it never grows and never blocks.
type RingBuffer struct {
	mu        sync.Mutex
	buf       []int16
	writePos  int
	readPos   int
	available int
}

// NewRingBuffer allocates a ring holding up to capacity samples.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be positive, got %d", capacity)
	}

	return &RingBuffer{
		buf: make([]int16, capacity),
	}, nil
}

// Push appends samples and returns how many buffered samples were
// overwritten. A push larger than the capacity keeps only its trailing
// capacity samples.
func (r *RingBuffer) Push(samples []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.buf)
	dropped := 0

	if len(samples) > capacity {
		dropped = len(samples) - capacity
		samples = samples[dropped:]
	}

	for len(samples) > 0 {
		n := copy(r.buf[r.writePos:], samples)
		samples = samples[n:]
		r.writePos = (r.writePos + n) % capacity
		r.available += n
	}

	if r.available > capacity {
		overflow := r.available - capacity
		r.readPos = (r.readPos + overflow) % capacity
		r.available = capacity
		dropped += overflow
	}

	return dropped
}

// Pop moves up to len(dst) of the oldest samples into dst and returns the
// count copied.
func (r *RingBuffer) Pop(dst []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(dst)
	if n > r.available {
		n = r.available
	}

	capacity := len(r.buf)
	copied := 0
	for copied < n {
		c := copy(dst[copied:n], r.buf[r.readPos:])
		copied += c
		r.readPos = (r.readPos + c) % capacity
	}
	r.available -= n

	return n
}

// Len returns the number of buffered samples.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int {
	return len(r.buf)
}

// Reset discards all buffered samples.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writePos = 0
	r.readPos = 0
	r.available = 0
}
