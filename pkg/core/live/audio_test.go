package live

import (
	"math"
	"testing"
)

func TestCalculateRMSEnergy(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{
			name:     "silence",
			samples:  []int16{0, 0, 0, 0},
			expected: 0.0,
		},
		{
			name:     "max amplitude",
			samples:  []int16{32767, 32767, 32767, 32767},
			expected: 1.0,
		},
		{
			name:     "half amplitude",
			samples:  []int16{16384, 16384, 16384, 16384},
			expected: 0.5,
		},
		{
			name:     "mixed signal",
			samples:  []int16{16384, -16384, 16384, -16384},
			expected: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Convert samples to PCM bytes
			pcm := make([]byte, len(tt.samples)*2)
			for i, s := range tt.samples {
				pcm[i*2] = byte(s & 0xFF)
				pcm[i*2+1] = byte((s >> 8) & 0xFF)
			}

			result := CalculateRMSEnergy(pcm)
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("expected RMS %.3f, got %.3f", tt.expected, result)
			}
		})
	}
}

func TestAudioConfig(t *testing.T) {
	cfg := DefaultAudioConfig()

	// 24kHz, mono, 16-bit = 48000 bytes/second
	if cfg.BytesPerSecond() != 48000 {
		t.Errorf("expected 48000 bytes/sec, got %d", cfg.BytesPerSecond())
	}

	// 1000ms = 48000 bytes
	if cfg.BytesForDurationMs(1000) != 48000 {
		t.Errorf("expected 48000 bytes for 1s, got %d", cfg.BytesForDurationMs(1000))
	}

	// 48000 bytes = 1000ms
	if cfg.DurationMs(48000) != 1000 {
		t.Errorf("expected 1000ms for 48000 bytes, got %d", cfg.DurationMs(48000))
	}
}

func TestAudioBuffer(t *testing.T) {
	cfg := DefaultAudioConfig()
	buf := NewAudioBuffer(cfg, 100) // 100ms buffer

	// Write 50ms of audio
	data50ms := make([]byte, cfg.BytesForDurationMs(50))
	for i := range data50ms {
		data50ms[i] = byte(i % 256)
	}
	buf.Write(data50ms)

	if buf.DurationMs() != 50 {
		t.Errorf("expected 50ms, got %dms", buf.DurationMs())
	}

	// Write another 100ms (should trim to 100ms total)
	data100ms := make([]byte, cfg.BytesForDurationMs(100))
	buf.Write(data100ms)

	if buf.DurationMs() != 100 {
		t.Errorf("expected 100ms (capped), got %dms", buf.DurationMs())
	}

	// Clear
	buf.Clear()
	if buf.Len() != 0 {
		t.Errorf("expected 0 after clear, got %d", buf.Len())
	}
}

func TestRingBuffer(t *testing.T) {
	cfg := DefaultAudioConfig()
	ring := NewRingBuffer(cfg, 100) // 100ms

	// Write 50ms
	data50ms := make([]byte, cfg.BytesForDurationMs(50))
	for i := range data50ms {
		data50ms[i] = byte(i % 256)
	}
	ring.Write(data50ms)

	if ring.Filled() != len(data50ms) {
		t.Errorf("expected %d filled, got %d", len(data50ms), ring.Filled())
	}

	// Read should return exactly what we wrote
	read := ring.Read()
	if len(read) != len(data50ms) {
		t.Errorf("expected %d bytes, got %d", len(data50ms), len(read))
	}

	// Write 100ms more (should wrap around)
	data100ms := make([]byte, cfg.BytesForDurationMs(100))
	for i := range data100ms {
		data100ms[i] = byte((i + 100) % 256)
	}
	ring.Write(data100ms)

	// Should now be full (100ms = size)
	read = ring.Read()
	expectedSize := cfg.BytesForDurationMs(100)
	if len(read) != expectedSize {
		t.Errorf("expected %d bytes (full), got %d", expectedSize, len(read))
	}

	// Clear
	ring.Clear()
	if ring.Filled() != 0 {
		t.Errorf("expected 0 filled after clear, got %d", ring.Filled())
	}
}

func TestAudioBuffer_KeepAndReadLast(t *testing.T) {
	cfg := DefaultAudioConfig()
	buf := NewAudioBuffer(cfg, 1000)

	frame := make([]byte, cfg.BytesForDurationMs(100))
	for i := 0; i < 5; i++ {
		for j := range frame {
			frame[j] = byte(i)
		}
		buf.Write(frame)
	}

	last := buf.ReadLast(100)
	if len(last) != len(frame) {
		t.Fatalf("expected %d bytes, got %d", len(frame), len(last))
	}
	if last[0] != 4 {
		t.Errorf("expected newest frame, got frame %d", last[0])
	}

	if got := len(buf.ReadLast(10000)); got != buf.Len() {
		t.Errorf("ReadLast beyond length returned %d bytes, want %d", got, buf.Len())
	}

	buf.Keep(200)
	if buf.DurationMs() != 200 {
		t.Errorf("expected 200ms after Keep, got %dms", buf.DurationMs())
	}
	if got := buf.Read(); got[0] != 3 {
		t.Errorf("expected Keep to retain the newest audio, first byte %d", got[0])
	}
}

func TestRingBuffer_ChronologicalAfterWrap(t *testing.T) {
	cfg := AudioConfig{SampleRate: 1000, Channels: 1, BitsPerSample: 16}
	ring := NewRingBuffer(cfg, 4) // 8 bytes

	ring.Write([]byte{1, 1, 2, 2, 3, 3})
	ring.Write([]byte{4, 4, 5, 5})

	got := ring.Read()
	want := []byte{2, 2, 3, 3, 4, 4, 5, 5}
	if string(got) != string(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	ring.Write([]byte{9, 9, 9, 9, 9, 9, 9, 9, 7, 7})
	got = ring.Read()
	if got[len(got)-1] != 7 || len(got) != 8 {
		t.Errorf("oversized write should keep the tail, got %v", got)
	}
}
