package session

import (
	"testing"
	"time"
)

func TestInboundLimiter_AllowsWithinBurstThenDenies(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 1, 0, 2) // 2 frame burst
	for i := 0; i < 2; i++ {
		if ok, _ := lim.Allow(10); !ok {
			t.Fatalf("expected allow %d", i+1)
		}
	}
	ok, limit := lim.Allow(10)
	if ok || limit != limitFrames {
		t.Fatalf("Allow()=%v %q, want deny on %q", ok, limit, limitFrames)
	}
}

func TestInboundLimiter_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 10, 0, 2) // 20 frame burst
	for i := 0; i < 20; i++ {
		if ok, _ := lim.Allow(1); !ok {
			t.Fatalf("expected allow at i=%d", i)
		}
	}
	if ok, _ := lim.Allow(1); ok {
		t.Fatalf("expected deny once tokens exhausted")
	}

	now = now.Add(100 * time.Millisecond) // one token
	if ok, _ := lim.Allow(1); !ok {
		t.Fatalf("expected allow after refill")
	}
	if ok, _ := lim.Allow(1); ok {
		t.Fatalf("expected deny again without enough time")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 20; i++ {
		if ok, _ := lim.Allow(1); !ok {
			t.Fatalf("expected allow at i=%d after long idle", i)
		}
	}
	if ok, _ := lim.Allow(1); ok {
		t.Fatalf("refill must be capped at the burst")
	}
}

func TestInboundLimiter_BPSDeniesWhenBytesExceed(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 0, 100, 2) // 200 byte burst
	if ok, _ := lim.Allow(150); !ok {
		t.Fatalf("expected allow 150 bytes")
	}
	ok, limit := lim.Allow(60)
	if ok || limit != limitBytes {
		t.Fatalf("Allow(60)=%v %q, want deny on %q", ok, limit, limitBytes)
	}
	if ok, _ := lim.Allow(50); !ok {
		t.Fatalf("a refused frame must not spend tokens")
	}
}

func TestInboundLimiter_DisabledAllowsEverything(t *testing.T) {
	lim := newInboundAudioLimiter(nil, 0, 0, 0)
	if lim != nil {
		t.Fatalf("expected nil limiter when both rates are off")
	}
	if ok, _ := lim.Allow(1 << 20); !ok {
		t.Fatalf("nil limiter must allow")
	}
}
