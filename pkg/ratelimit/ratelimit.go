// Package ratelimit implements the per-connection send-rate cap and idle
// timeout. Both are modeled as a small struct plus a step function
// rather than free functions with flag side effects, so that advancing
// time in a test does not require sleeping.
package ratelimit

import "time"

// Clock abstracts time.Now so tests can drive the limiter deterministically.
type Clock func() time.Time

// Limiter enforces a literal windowed byte cap: at most capacity bytes
// may be sent within any given wall-clock second, and the window resets
// the instant a send is attempted after the second has turned over.
//
// This is deliberately not a token bucket. The original connection
// handling compares the current whole second with the second the window
// started in and, while they match, clamps the remaining allowance; that
// is the exact behavior reproduced here.
type Limiter struct {
	capacity    int64
	sentInTick  int64
	windowStart time.Time
	now         Clock
}

// New returns a Limiter capped at capacity bytes per second. A capacity
// of zero disables the cap (Allow always returns the requested amount).
func New(capacity int64) *Limiter {
	return NewWithClock(capacity, time.Now)
}

// NewWithClock is New with an injectable clock, for tests.
func NewWithClock(capacity int64, now Clock) *Limiter {
	return &Limiter{capacity: capacity, now: now, windowStart: now()}
}

// Allow returns how many of the requested bytes may be sent right now,
// rolling the window over once the wall-clock second has changed. A return of 0
// means the caller should not send anything on this pass.
func (l *Limiter) Allow(want int) int {
	if want <= 0 {
		return 0
	}
	if l.capacity <= 0 {
		return want
	}

	now := l.now()

	if now.Unix() != l.windowStart.Unix() {
		l.sentInTick = 0
		l.windowStart = now
		if int64(want) > l.capacity {
			return int(l.capacity)
		}
		return want
	}

	if l.sentInTick >= l.capacity {
		return 0
	}
	remaining := l.capacity - l.sentInTick
	if int64(want) > remaining {
		return int(remaining)
	}
	return want
}

// Record accounts for n bytes actually sent during the current window.
func (l *Limiter) Record(n int) {
	l.sentInTick += int64(n)
}

// IdleTimeout is the default duration after which a connection that has
// sent no header bytes is considered abandoned.
const IdleTimeout = 120 * time.Second

// IdleTimer tracks the time since a connection last made progress,
// enforced only while headers are being received (the spec's original
// limits the timeout check to that phase).
type IdleTimer struct {
	limit time.Duration
	last  time.Time
	now   Clock
}

// NewIdleTimer returns a timer that expires after limit has elapsed
// since the last Touch call.
func NewIdleTimer(limit time.Duration) *IdleTimer {
	return NewIdleTimerWithClock(limit, time.Now)
}

// NewIdleTimerWithClock is NewIdleTimer with an injectable clock.
func NewIdleTimerWithClock(limit time.Duration, now Clock) *IdleTimer {
	return &IdleTimer{limit: limit, now: now, last: now()}
}

// Touch records activity, resetting the idle window.
func (t *IdleTimer) Touch() {
	t.last = t.now()
}

// Expired reports whether the connection has been idle longer than the
// configured limit.
func (t *IdleTimer) Expired() bool {
	return t.now().Sub(t.last) > t.limit
}
