// Package ratelimit counts requests per key over a sliding window.
package ratelimit

import (
	"sync"
	"time"
)

// window is a ring of fixed-width slots covering one window length
type window struct {
	slots    []int
	current  int
	slotTime time.Time // start of the current slot
	total    int
	lastSeen time.Time
}

// Limiter allows up to limit events per key within a sliding window.
// It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	length  time.Duration
	slot    time.Duration
	slots   int
	windows map[string]*window
	lastGC  time.Time
	now     func() time.Time
}

// New creates a limiter of limit events per length, tracked in slots
// buckets. A limit of 0 or less allows everything.
func New(limit int, length time.Duration, slots int) *Limiter {
	if slots <= 0 {
		slots = 60
	}
	slot := length / time.Duration(slots)
	if slot < time.Millisecond {
		slot = time.Millisecond
	}
	return &Limiter{
		limit:   limit,
		length:  length,
		slot:    slot,
		slots:   slots,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// PerMinute is New(limit, time.Minute, 60)
func PerMinute(limit int) *Limiter {
	return New(limit, time.Minute, 60)
}

// Limit returns the configured limit
func (l *Limiter) Limit() int { return l.limit }

// Allow records one event for key. When the key is over its limit nothing
// is recorded and Allow returns false together with the wait until the
// oldest slot expires.
func (l *Limiter) Allow(key string) (ok bool, remaining int, retryAfter time.Duration) {
	if l.limit <= 0 {
		return true, 0, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.collect(now)

	w := l.windows[key]
	if w == nil {
		w = &window{slots: make([]int, l.slots), slotTime: now.Truncate(l.slot)}
		l.windows[key] = w
	}
	l.advance(w, now)
	w.lastSeen = now

	if w.total >= l.limit {
		wait := l.slot - now.Sub(w.slotTime)
		if wait <= 0 {
			wait = l.slot
		}
		return false, 0, wait
	}
	w.slots[w.current]++
	w.total++
	return true, l.limit - w.total, 0
}

// advance rotates w to now, clearing slots that fell out of the window
func (l *Limiter) advance(w *window, now time.Time) {
	start := now.Truncate(l.slot)
	steps := int(start.Sub(w.slotTime) / l.slot)
	if steps <= 0 {
		return
	}
	if steps >= l.slots {
		clear(w.slots)
		w.total = 0
		w.current = 0
	} else {
		for range steps {
			w.current = (w.current + 1) % l.slots
			w.total -= w.slots[w.current]
			w.slots[w.current] = 0
		}
	}
	w.slotTime = start
}

// collect drops keys idle for a full window, at most once per window
func (l *Limiter) collect(now time.Time) {
	if now.Sub(l.lastGC) < l.length {
		return
	}
	for key, w := range l.windows {
		if now.Sub(w.lastSeen) >= l.length {
			delete(l.windows, key)
		}
	}
	l.lastGC = now
}

// Keys returns how many keys are currently tracked
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
