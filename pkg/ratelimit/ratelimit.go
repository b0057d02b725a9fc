package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of a rate-limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is the common contract of all rate limiter implementations.
// Limiters are in-memory and per-process; distributed deployments key
// them on connection affinity.
type Limiter interface {
	Check(key string) Decision
}

// clock is overridable for tests
type clock func() time.Time

// --- Token bucket ---

type tokenBucketState struct {
	tokens   float64
	lastFill time.Time
}

// TokenBucket refills at rate tokens/sec up to capacity and removes one
// token per check. Recommended for smooth bursts.
type TokenBucket struct {
	rate     float64
	capacity float64
	mu       sync.Mutex
	buckets  map[string]*tokenBucketState
	now      clock
}

// NewTokenBucket creates a token bucket limiter
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: float64(capacity),
		buckets:  make(map[string]*tokenBucketState),
		now:      time.Now,
	}
}

// Check refills the key's bucket by elapsed time, then takes one token
func (l *TokenBucket) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucketState{tokens: l.capacity, lastFill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.rate)
	b.lastFill = now

	d := Decision{Limit: int(l.capacity)}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		d.ResetAt = now.Add(time.Duration((l.capacity-b.tokens)/l.rate) * time.Second)
		return d
	}

	wait := (1 - b.tokens) / l.rate
	d.RetryAfter = time.Duration(wait * float64(time.Second))
	d.ResetAt = now.Add(d.RetryAfter)
	return d
}

// --- Sliding window ---

// SlidingWindow admits up to limit events per trailing window
type SlidingWindow struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	events map[string][]time.Time
	now    clock
}

// NewSlidingWindow creates a sliding window limiter
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Check trims timestamps older than the window, then admits if the count
// is below the limit
func (l *SlidingWindow) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[key][:0]
	for _, t := range l.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events[key] = kept

	d := Decision{Limit: l.limit}
	if len(kept) < l.limit {
		l.events[key] = append(kept, now)
		d.Allowed = true
		d.Remaining = l.limit - len(l.events[key])
		d.ResetAt = now.Add(l.window)
		return d
	}

	// Oldest event leaving the window frees the next slot
	d.RetryAfter = kept[0].Add(l.window).Sub(now)
	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	d.ResetAt = kept[0].Add(l.window)
	return d
}

// --- Fixed window ---

type fixedWindowState struct {
	windowStart time.Time
	count       int
}

// FixedWindow maps each check to a window bucket and counts within it
type FixedWindow struct {
	limit   int
	window  time.Duration
	mu      sync.Mutex
	windows map[string]*fixedWindowState
	now     clock
}

// NewFixedWindow creates a fixed window limiter
func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:   limit,
		window:  window,
		windows: make(map[string]*fixedWindowState),
		now:     time.Now,
	}
}

func (l *FixedWindow) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now.Truncate(l.window)
	w, ok := l.windows[key]
	if !ok || !w.windowStart.Equal(start) {
		w = &fixedWindowState{windowStart: start}
		l.windows[key] = w
	}

	d := Decision{Limit: l.limit, ResetAt: start.Add(l.window)}
	if w.count < l.limit {
		w.count++
		d.Allowed = true
		d.Remaining = l.limit - w.count
		return d
	}

	d.RetryAfter = d.ResetAt.Sub(now)
	return d
}
