package session

import "time"

// Limits an inbound audio frame can exceed.
const (
	limitFrames = "frames_per_second"
	limitBytes  = "bytes_per_second"
)

// inboundAudioLimiter is a pair of token buckets over client audio: one
// counting frames, one counting bytes. Each refills continuously at its rate
// and holds at most burstSeconds of tokens.
type inboundAudioLimiter struct {
	now          func() time.Time
	fpsRate      int64
	fpsTokens    int64
	bpsRate      int64
	bpsTokens    int64
	burstSeconds int64
	lastRefill   time.Time
}

// newInboundAudioLimiter returns nil, which allows everything, when both
// rates are disabled.
func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundAudioLimiter{
		now:          now,
		fpsRate:      int64(fps),
		bpsRate:      bps,
		burstSeconds: int64(burstSeconds),
		lastRefill:   now(),
	}
	l.fpsTokens = l.fpsRate * l.burstSeconds
	l.bpsTokens = l.bpsRate * l.burstSeconds
	return l
}

// Allow spends tokens for one frame. When it refuses, it names the limit that
// was hit and spends nothing.
func (l *inboundAudioLimiter) Allow(frameBytes int) (bool, string) {
	if l == nil {
		return true, ""
	}
	l.refill()

	if l.fpsRate > 0 && l.fpsTokens < 1 {
		return false, limitFrames
	}
	n := int64(max(frameBytes, 0))
	if l.bpsRate > 0 && l.bpsTokens < n {
		return false, limitBytes
	}
	if l.fpsRate > 0 {
		l.fpsTokens--
	}
	if l.bpsRate > 0 {
		l.bpsTokens -= n
	}
	return true, ""
}

func (l *inboundAudioLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.fpsTokens = refillBucket(l.fpsTokens, l.fpsRate, l.burstSeconds, elapsed)
	l.bpsTokens = refillBucket(l.bpsTokens, l.bpsRate, l.burstSeconds, elapsed)
	l.lastRefill = now
}

func refillBucket(tokens, rate, burstSeconds int64, elapsed time.Duration) int64 {
	if rate <= 0 {
		return tokens
	}
	add := (elapsed.Nanoseconds() * rate) / int64(time.Second)
	return min(tokens+add, rate*burstSeconds)
}
