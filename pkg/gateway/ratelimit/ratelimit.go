// Package ratelimit holds per-principal request and live-session limits.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	// MaxLiveSessions caps open /v1/live sessions per principal.
	MaxLiveSessions int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// Enabled reports whether any limit is on.
func (c Config) Enabled() bool {
	return (c.RPS > 0 && c.Burst > 0) || c.MaxConcurrentRequests > 0 || c.MaxLiveSessions > 0
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	reqSem  chan struct{}
	liveSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
	primed bool
}

// New returns nil when cfg enables no limit; a nil Limiter allows everything.
func New(cfg Config) *Limiter {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
}

// PrincipalKeyFromIP buckets anonymous callers by client address.
func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:12])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

var allowAll = Decision{Allowed: true, Permit: &Permit{}}

// AcquireRequest spends one token and takes a request slot. Release the
// permit when the request completes.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	if l == nil {
		return allowAll
	}
	pl := l.getOrCreate(principal, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := pl.allowToken(now, l.cfg.RPS, l.cfg.Burst); !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}
	if l.cfg.MaxConcurrentRequests > 0 {
		return acquire(pl.reqSem)
	}
	return allowAll
}

// AcquireLiveSession takes one live-session slot. Hold the permit for the
// lifetime of the WebSocket.
func (l *Limiter) AcquireLiveSession(principal string, now time.Time) Decision {
	if l == nil {
		return allowAll
	}
	pl := l.getOrCreate(principal, now)
	if l.cfg.MaxLiveSessions > 0 {
		return acquire(pl.liveSem)
	}
	return allowAll
}

func acquire(sem chan struct{}) Decision {
	select {
	case sem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-sem }}}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if pl, ok := l.m[principal]; ok {
		pl.lastSeen = now
		return pl
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Still full: drop an idle entry. Entries holding slots are kept so
		// their permits keep counting.
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.reqSem) == 0 && len(v.liveSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	pl := &principalLimiter{
		reqSem:   make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		liveSem:  make(chan struct{}, max(1, l.cfg.MaxLiveSessions)),
		lastSeen: now,
	}
	l.m[principal] = pl
	return pl
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL && len(v.reqSem) == 0 && len(v.liveSem) == 0 {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	capacity := float64(burst)
	if !pl.tb.primed {
		pl.tb = tokenBucket{tokens: capacity, last: now, primed: true}
	}
	if elapsed := now.Sub(pl.tb.last).Seconds(); elapsed > 0 {
		pl.tb.tokens = min(capacity, pl.tb.tokens+elapsed*rps)
		pl.tb.last = now
	}

	if pl.tb.tokens >= 1.0 {
		pl.tb.tokens -= 1.0
		return true, 0
	}
	retryAfter := int(math.Ceil((1.0 - pl.tb.tokens) / rps))
	return false, max(1, retryAfter)
}
