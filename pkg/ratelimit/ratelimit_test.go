package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterClampsWithinWindow(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	l := NewWithClock(100, clock)

	require.Equal(t, 60, l.Allow(60))
	l.Record(60)

	// Still within the same second: only 40 bytes remain.
	require.Equal(t, 40, l.Allow(100))
	l.Record(40)

	require.Equal(t, 0, l.Allow(1))
}

func TestLimiterRollsWindowAfterOneSecond(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	l := NewWithClock(100, clock)

	require.Equal(t, 100, l.Allow(100))
	l.Record(100)
	require.Equal(t, 0, l.Allow(1))

	now = now.Add(1100 * time.Millisecond)
	require.Equal(t, 100, l.Allow(500))
}

func TestLimiterZeroCapacityDisablesCap(t *testing.T) {
	l := New(0)
	require.Equal(t, 4096, l.Allow(4096))
}

func TestIdleTimerExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	timer := NewIdleTimerWithClock(10*time.Second, clock)

	require.False(t, timer.Expired())

	now = now.Add(5 * time.Second)
	require.False(t, timer.Expired())

	now = now.Add(6 * time.Second)
	require.True(t, timer.Expired())

	timer.Touch()
	require.False(t, timer.Expired())
}
