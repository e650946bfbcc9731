package audio

import (
	"encoding/binary"
	"fmt"
)

// SamplesToBytes serialises samples as PCM16LE.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToSamples parses PCM16LE data. The byte count must be even.
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("odd PCM byte count: %d", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// AverageLevel returns the mean absolute amplitude of samples, 0 when empty.
func AverageLevel(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}

	var sum int64
	for _, s := range samples {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return int(sum / int64(len(samples)))
}

// SamplesDuration returns the playback length in milliseconds of n
// interleaved samples.
func SamplesDuration(n, sampleRate, channels int) int64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return int64(n) * 1000 / int64(sampleRate*channels)
}
