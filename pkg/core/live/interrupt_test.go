package live

import (
	"testing"
)

// tone returns durationMs of constant-amplitude PCM16LE.
func tone(cfg AudioConfig, durationMs int, amplitude int16) []byte {
	pcm := make([]byte, cfg.BytesForDurationMs(durationMs))
	for i := 0; i+1 < len(pcm); i += 2 {
		pcm[i] = byte(amplitude)
		pcm[i+1] = byte(amplitude >> 8)
	}
	return pcm
}

func TestActivityDetector_FiresOncePerRun(t *testing.T) {
	cfg := DefaultAudioConfig()
	d := NewActivityDetector(0.1, 60, cfg)
	loud := tone(cfg, 20, 16384)
	quiet := tone(cfg, 20, 0)

	fired := 0
	for i := 0; i < 6; i++ {
		if d.Observe(loud) {
			fired++
			if i != 2 {
				t.Errorf("fired on frame %d, want frame 2", i)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("expected 1 onset, got %d", fired)
	}
	if !d.Speaking() {
		t.Error("expected Speaking after onset")
	}
	if d.RunMs() != 120 {
		t.Errorf("expected 120ms run, got %d", d.RunMs())
	}

	d.Observe(quiet)
	if d.Speaking() || d.RunMs() != 0 {
		t.Error("a quiet frame should end the run")
	}

	for i := 0; i < 3; i++ {
		if d.Observe(loud) {
			fired++
		}
	}
	if fired != 2 {
		t.Errorf("expected a second onset after silence, got %d", fired)
	}
}

func TestActivityDetector_ShortBurstsDoNotFire(t *testing.T) {
	cfg := DefaultAudioConfig()
	d := NewActivityDetector(0.1, 60, cfg)
	loud := tone(cfg, 20, 16384)
	quiet := tone(cfg, 20, 0)

	for i := 0; i < 10; i++ {
		frame := loud
		if i%3 == 2 {
			frame = quiet
		}
		if d.Observe(frame) {
			t.Fatalf("fired on frame %d, runs never reach 60ms", i)
		}
	}
}

func TestInterruptDetector_StartsDisarmed(t *testing.T) {
	cfg := DefaultAudioConfig()
	d := NewInterruptDetector(InterruptConfig{Mode: InterruptModeAlways, EnergyThreshold: 0.1, MinSpeechMs: 40}, cfg)
	loud := tone(cfg, 20, 16384)

	for i := 0; i < 5; i++ {
		if d.Observe(loud) {
			t.Fatal("disarmed detector fired")
		}
	}
}

func TestInterruptDetector_OncePerWindow(t *testing.T) {
	cfg := DefaultAudioConfig()
	d := NewInterruptDetector(InterruptConfig{Mode: InterruptModeAlways, EnergyThreshold: 0.1, MinSpeechMs: 40}, cfg)
	loud := tone(cfg, 20, 16384)
	quiet := tone(cfg, 20, 0)

	d.Reset()
	if d.Observe(loud) {
		t.Fatal("fired before the minimum speech duration")
	}
	if !d.Observe(loud) {
		t.Fatal("expected interrupt after 40ms of speech")
	}

	d.Observe(quiet)
	d.Observe(loud)
	if d.Observe(loud) {
		t.Error("fired twice in one window")
	}

	d.Reset()
	d.Observe(loud)
	if !d.Observe(loud) {
		t.Error("expected a fresh window to fire again")
	}
}

func TestInterruptDetector_Disarm(t *testing.T) {
	cfg := DefaultAudioConfig()
	d := NewInterruptDetector(InterruptConfig{Mode: InterruptModeAlways, EnergyThreshold: 0.1, MinSpeechMs: 40}, cfg)
	loud := tone(cfg, 20, 16384)

	d.Reset()
	d.Observe(loud)
	d.Disarm()
	if d.Observe(loud) {
		t.Error("disarmed detector fired")
	}
}

func TestInterruptDetector_ModeNever(t *testing.T) {
	cfg := DefaultAudioConfig()
	d := NewInterruptDetector(InterruptConfig{Mode: InterruptModeNever, EnergyThreshold: 0.1, MinSpeechMs: 20}, cfg)
	loud := tone(cfg, 20, 16384)

	d.Reset()
	for i := 0; i < 10; i++ {
		if d.Observe(loud) {
			t.Fatal("mode never must not interrupt")
		}
	}
}
