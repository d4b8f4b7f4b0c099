package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(limit, time.Minute, 6)
	l.now = clock.now
	return l, clock
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(3)

	for i := 2; i >= 0; i-- {
		ok, remaining, _ := l.Allow("10.0.0.1")
		assert.True(t, ok)
		assert.Equal(t, i, remaining)
	}

	ok, remaining, retry := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Zero(t, remaining)
	assert.Positive(t, retry)
	assert.LessOrEqual(t, retry, 10*time.Second)

	// keys are independent
	ok, _, _ = l.Allow("10.0.0.2")
	assert.True(t, ok)
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2)

	l.Allow("a")
	clock.advance(30 * time.Second)
	l.Allow("a")
	ok, _, _ := l.Allow("a")
	assert.False(t, ok)

	// the first event leaves the window after a minute
	clock.advance(31 * time.Second)
	ok, _, _ = l.Allow("a")
	assert.True(t, ok)
	ok, _, _ = l.Allow("a")
	assert.False(t, ok)

	clock.advance(2 * time.Minute)
	ok, remaining, _ := l.Allow("a")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
}

func TestIdleKeysAreCollected(t *testing.T) {
	l, clock := newTestLimiter(5)
	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Keys())

	clock.advance(2 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 1, l.Keys())
}

func TestZeroLimitAllowsEverything(t *testing.T) {
	l := PerMinute(0)
	for range 100 {
		ok, _, _ := l.Allow("a")
		assert.True(t, ok)
	}
	assert.Zero(t, l.Keys())
}
