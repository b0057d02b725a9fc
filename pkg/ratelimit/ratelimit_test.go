package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock returns a controllable clock function
func fakeClock(start time.Time) (clock, func(d time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestTokenBucket(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("burst up to capacity then limited", func(t *testing.T) {
		l := NewTokenBucket(1, 5)
		now, _ := fakeClock(base)
		l.now = now

		for i := 0; i < 5; i++ {
			d := l.Check("org-1")
			assert.True(t, d.Allowed, "check %d", i)
		}
		d := l.Check("org-1")
		assert.False(t, d.Allowed)
		assert.Greater(t, d.RetryAfter, time.Duration(0))
	})

	t.Run("refills over time", func(t *testing.T) {
		l := NewTokenBucket(2, 2)
		now, advance := fakeClock(base)
		l.now = now

		assert.True(t, l.Check("k").Allowed)
		assert.True(t, l.Check("k").Allowed)
		assert.False(t, l.Check("k").Allowed)

		advance(time.Second) // refills 2 tokens
		assert.True(t, l.Check("k").Allowed)
		assert.True(t, l.Check("k").Allowed)
		assert.False(t, l.Check("k").Allowed)
	})

	t.Run("keys are independent", func(t *testing.T) {
		l := NewTokenBucket(1, 1)
		now, _ := fakeClock(base)
		l.now = now

		assert.True(t, l.Check("a").Allowed)
		assert.True(t, l.Check("b").Allowed)
		assert.False(t, l.Check("a").Allowed)
	})
}

func TestSlidingWindow(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("admits up to limit", func(t *testing.T) {
		l := NewSlidingWindow(3, time.Minute)
		now, _ := fakeClock(base)
		l.now = now

		for i := 0; i < 3; i++ {
			assert.True(t, l.Check("k").Allowed)
		}
		d := l.Check("k")
		assert.False(t, d.Allowed)
		assert.Equal(t, 3, d.Limit)
	})

	t.Run("slots free as events age out", func(t *testing.T) {
		l := NewSlidingWindow(2, time.Minute)
		now, advance := fakeClock(base)
		l.now = now

		assert.True(t, l.Check("k").Allowed)
		advance(30 * time.Second)
		assert.True(t, l.Check("k").Allowed)
		assert.False(t, l.Check("k").Allowed)

		advance(31 * time.Second) // first event now outside window
		assert.True(t, l.Check("k").Allowed)
	})

	t.Run("retry after points at oldest event expiry", func(t *testing.T) {
		l := NewSlidingWindow(1, time.Minute)
		now, advance := fakeClock(base)
		l.now = now

		assert.True(t, l.Check("k").Allowed)
		advance(20 * time.Second)
		d := l.Check("k")
		assert.False(t, d.Allowed)
		assert.Equal(t, 40*time.Second, d.RetryAfter)
	})
}

func TestFixedWindow(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("resets on window boundary", func(t *testing.T) {
		l := NewFixedWindow(2, time.Minute)
		now, advance := fakeClock(base)
		l.now = now

		assert.True(t, l.Check("k").Allowed)
		assert.True(t, l.Check("k").Allowed)
		assert.False(t, l.Check("k").Allowed)

		advance(time.Minute)
		assert.True(t, l.Check("k").Allowed)
	})

	t.Run("remaining counts down", func(t *testing.T) {
		l := NewFixedWindow(3, time.Minute)
		now, _ := fakeClock(base)
		l.now = now

		assert.Equal(t, 2, l.Check("k").Remaining)
		assert.Equal(t, 1, l.Check("k").Remaining)
		assert.Equal(t, 0, l.Check("k").Remaining)
	})
}
