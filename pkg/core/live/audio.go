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
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// AudioBuffer accumulates PCM audio up to a maximum duration.
// When full, the oldest audio is discarded.
type AudioBuffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	config   AudioConfig
}

// NewAudioBuffer creates a buffer that holds up to maxDurationMs of audio.
func NewAudioBuffer(config AudioConfig, maxDurationMs int) *AudioBuffer {
	return &AudioBuffer{
		maxBytes: alignFrame(config.BytesForDurationMs(maxDurationMs)),
		config:   config,
	}
}

// Write appends audio, trimming from the front past the maximum.
func (b *AudioBuffer) Write(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, data...)
	if len(b.data) > b.maxBytes {
		b.data = b.data[len(b.data)-b.maxBytes:]
	}
}

// Keep discards everything but the last durationMs of audio.
func (b *AudioBuffer) Keep(durationMs int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := alignFrame(b.config.BytesForDurationMs(durationMs))
	if n < len(b.data) {
		b.data = append(b.data[:0], b.data[len(b.data)-n:]...)
	}
}

// Read returns a copy of the buffered audio.
func (b *AudioBuffer) Read() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// ReadLast returns a copy of the last durationMs of audio.
func (b *AudioBuffer) ReadLast(durationMs int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := alignFrame(b.config.BytesForDurationMs(durationMs))
	if n > len(b.data) {
		n = len(b.data)
	}
	out := make([]byte, n)
	copy(out, b.data[len(b.data)-n:])
	return out
}

// Len returns the buffered size in bytes.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// DurationMs returns the buffered duration.
func (b *AudioBuffer) DurationMs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.DurationMs(len(b.data))
}

// Clear empties the buffer.
func (b *AudioBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}

// RingBuffer is a fixed-size circular buffer for audio data.
// It overwrites the oldest data when full.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	size     int
	writePos int
	filled   int
}

// NewRingBuffer creates a ring buffer that holds exactly durationMs of audio.
func NewRingBuffer(config AudioConfig, durationMs int) *RingBuffer {
	size := alignFrame(config.BytesForDurationMs(durationMs))
	return &RingBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// Write adds data, overwriting old data if necessary.
func (r *RingBuffer) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return
	}
	if len(data) >= r.size {
		copy(r.data, data[len(data)-r.size:])
		r.writePos = 0
		r.filled = r.size
		return
	}
	n := copy(r.data[r.writePos:], data)
	if n < len(data) {
		copy(r.data, data[n:])
	}
	r.writePos = (r.writePos + len(data)) % r.size
	r.filled = min(r.filled+len(data), r.size)
}

// Read returns the buffered data in chronological order.
func (r *RingBuffer) Read() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < r.size {
		out := make([]byte, r.filled)
		copy(out, r.data[:r.filled])
		return out
	}

	out := make([]byte, r.size)
	first := r.size - r.writePos
	copy(out[:first], r.data[r.writePos:])
	copy(out[first:], r.data[:r.writePos])
	return out
}

// Clear resets the ring buffer.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writePos = 0
	r.filled = 0
}

// Filled returns how many bytes are buffered.
func (r *RingBuffer) Filled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}

// alignFrame rounds n down to a whole 16-bit sample.
func alignFrame(n int) int {
	if n < 0 {
		return 0
	}
	return n &^ 1
}
