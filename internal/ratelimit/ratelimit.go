// Package ratelimit limits how often a single client address may open a
// session.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// IPLimiter tracks request counts per IP within a sliding window.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewIPLimiter creates an IPLimiter allowing max requests per window.
// A max of 0 or less allows everything.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	return &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if the IP has not exceeded the rate limit.
// If allowed, the request is recorded.
func (l *IPLimiter) Allow(ip string) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := prune(l.entries[ip], now.Add(-l.window))
	if len(valid) >= l.max {
		l.entries[ip] = valid
		return false
	}
	l.entries[ip] = append(valid, now)
	return true
}

// Sweep drops addresses with no requests inside the window. It returns the
// number of addresses still tracked.
func (l *IPLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for ip, ts := range l.entries {
		if valid := prune(ts, cutoff); len(valid) == 0 {
			delete(l.entries, ip)
		} else {
			l.entries[ip] = valid
		}
	}
	return len(l.entries)
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	valid := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
