package live

import (
	"math"
	"sync"
)

// CalculateRMSEnergy computes the root-mean-square energy of PCM audio.
// Input is assumed to be 16-bit signed little-endian PCM.
// Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		// Little-endian 16-bit signed integer
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// Normalize to -1.0 to 1.0
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// CalculatePeakAmplitude returns the maximum absolute amplitude in the PCM data.
// Returns a value between 0.0 and 1.0.
func CalculatePeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// Use float64 to avoid overflow when negating -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// SegmentBuffer accumulates the PCM of one speech segment up to a hard cap.
// Write reports whether the cap has been reached, at which point the caller
// commits the segment.
type SegmentBuffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	config   AudioConfig

	voicedMs int
	totalMs  int
}

// NewSegmentBuffer creates a buffer that holds up to maxDurationMs of audio.
func NewSegmentBuffer(config AudioConfig, maxDurationMs int) *SegmentBuffer {
	maxBytes := config.BytesForDurationMs(maxDurationMs)
	return &SegmentBuffer{
		data:     make([]byte, 0, maxBytes),
		maxBytes: maxBytes,
		config:   config,
	}
}

// Write appends one frame of audio and its voiced classification.
// Returns true once the buffer has reached its maximum duration.
func (b *SegmentBuffer) Write(frame []byte, voiced bool) (full bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.maxBytes - len(b.data)
	if room > 0 {
		if len(frame) > room {
			frame = frame[:room]
		}
		b.data = append(b.data, frame...)
		ms := b.config.DurationMs(len(frame))
		b.totalMs += ms
		if voiced {
			b.voicedMs += ms
		}
	}
	return len(b.data) >= b.maxBytes
}

// Take returns the buffered PCM with its voiced and total durations and
// resets the buffer for the next segment.
func (b *SegmentBuffer) Take() (pcm []byte, voicedMs, totalMs int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pcm = make([]byte, len(b.data))
	copy(pcm, b.data)
	voicedMs, totalMs = b.voicedMs, b.totalMs
	b.data = b.data[:0]
	b.voicedMs = 0
	b.totalMs = 0
	return pcm, voicedMs, totalMs
}

// Len returns the current buffer size in bytes.
func (b *SegmentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// DurationMs returns the current buffer duration in milliseconds.
func (b *SegmentBuffer) DurationMs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.DurationMs(len(b.data))
}

// PrerollBuffer is a fixed-size circular buffer that retains the most recent
// audio so a segment can include the speech that preceded its open decision.
type PrerollBuffer struct {
	mu       sync.Mutex
	data     []byte
	size     int
	writePos int
	filled   int
}

// NewPrerollBuffer creates a ring that holds exactly durationMs of audio.
func NewPrerollBuffer(config AudioConfig, durationMs int) *PrerollBuffer {
	size := config.BytesForDurationMs(durationMs)
	if size < 2 {
		size = 2
	}
	return &PrerollBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// Write adds data to the ring, overwriting the oldest bytes when full.
func (r *PrerollBuffer) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range data {
		r.data[r.writePos] = b
		r.writePos = (r.writePos + 1) % r.size
		if r.filled < r.size {
			r.filled++
		}
	}
}

// Drain returns the retained audio in chronological order and resets the ring.
func (r *PrerollBuffer) Drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []byte
	if r.filled < r.size {
		result = make([]byte, r.filled)
		copy(result, r.data[:r.filled])
	} else {
		result = make([]byte, r.size)
		firstPart := r.size - r.writePos
		copy(result[:firstPart], r.data[r.writePos:])
		copy(result[firstPart:], r.data[:r.writePos])
	}
	r.writePos = 0
	r.filled = 0
	return result
}

// Filled returns how many bytes are currently retained.
func (r *PrerollBuffer) Filled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}
