package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(max int, window time.Duration) (*IPLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewIPLimiter(max, window)
	l.now = clock.now
	return l, clock
}

func TestAllowUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("1.2.3.4"), "request %d should be allowed", i+1)
	}
	assert.False(t, l.Allow("1.2.3.4"), "4th request should be denied")
}

func TestDifferentIPsIndependent(t *testing.T) {
	l, _ := newTestLimiter(2, time.Hour)

	l.Allow("1.1.1.1")
	l.Allow("1.1.1.1")

	assert.False(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	l.Allow("1.2.3.4")
	clock.t = clock.t.Add(30 * time.Second)
	l.Allow("1.2.3.4")
	require.False(t, l.Allow("1.2.3.4"))

	clock.t = clock.t.Add(31 * time.Second)
	assert.True(t, l.Allow("1.2.3.4"), "first request left the window")
	assert.False(t, l.Allow("1.2.3.4"))
}

func TestZeroMaxAllowsAll(t *testing.T) {
	l := NewIPLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("1.2.3.4"))
	}
}

func TestSweep(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)

	l.Allow("1.1.1.1")
	clock.t = clock.t.Add(45 * time.Second)
	l.Allow("2.2.2.2")
	require.Equal(t, 2, l.Sweep())

	clock.t = clock.t.Add(30 * time.Second)
	assert.Equal(t, 1, l.Sweep())

	clock.t = clock.t.Add(time.Minute)
	assert.Equal(t, 0, l.Sweep())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", ClientIP(r))

	r.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientIP(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientIP(r))
}
