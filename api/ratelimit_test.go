package api

import (
	"net/http"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter() (*authRateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newAuthRateLimiter()
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()

	for range maxFailures - 1 {
		rl.recordFailure("198.51.100.1")
		blocked, _ := rl.check("198.51.100.1")
		assert.False(t, blocked, "should not block before reaching maxFailures")
	}
}

func TestRateLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, clock := newTestLimiter()

	for range maxFailures {
		rl.recordFailure("198.51.100.1")
	}

	blocked, retryAfter := rl.check("198.51.100.1")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, retryAfter)

	clock.Advance(baseLockout + time.Second)
	blocked, _ = rl.check("198.51.100.1")
	assert.False(t, blocked, "lockout ends after baseLockout")
}

func TestRateLimiter_ExponentialBackoff(t *testing.T) {
	rl, _ := newTestLimiter()

	for range maxFailures {
		rl.recordFailure("198.51.100.1")
	}
	_, first := rl.check("198.51.100.1")

	rl.recordFailure("198.51.100.1")
	_, second := rl.check("198.51.100.1")
	assert.Equal(t, 2*first, second)
}

func TestRateLimiter_MaxLockoutCap(t *testing.T) {
	rl, _ := newTestLimiter()

	for range maxFailures + 20 {
		rl.recordFailure("198.51.100.1")
	}
	_, retryAfter := rl.check("198.51.100.1")
	assert.Equal(t, maxLockout, retryAfter)
}

func TestRateLimiter_SuccessResets(t *testing.T) {
	rl, _ := newTestLimiter()

	for range maxFailures {
		rl.recordFailure("198.51.100.1")
	}
	rl.recordSuccess("198.51.100.1")

	blocked, _ := rl.check("198.51.100.1")
	assert.False(t, blocked)
}

func TestRateLimiter_IsolatesIPs(t *testing.T) {
	rl, _ := newTestLimiter()

	for range maxFailures {
		rl.recordFailure("198.51.100.1")
	}
	blocked, _ := rl.check("198.51.100.2")
	assert.False(t, blocked, "rate limit for one IP should not affect another")
}

func TestRateLimiter_SweepRemovesExpired(t *testing.T) {
	rl, clock := newTestLimiter()

	rl.recordFailure("198.51.100.1")
	clock.Advance(attemptExpiry + time.Minute)
	rl.recordFailure("198.51.100.2")
	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.attempts, "198.51.100.1")
	assert.Contains(t, rl.attempts, "198.51.100.2")
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{name: "empty when nothing parseable", remoteAddr: "not-a-hostport", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIP(r))
		})
	}
}

func TestExtractClientIPWithTrustedProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "trusted proxy honors XFF",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25, 203.0.113.9"},
			want:       "198.51.100.25",
		},
		{
			name:       "xff skips invalid entries",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 203.0.113.7"},
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for=198.51.100.1;proto=https`},
			want:       "198.51.100.1",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			want:       "203.0.113.11",
		},
		{
			name:       "untrusted peer ignores headers",
			remoteAddr: "203.0.113.99:12345",
			headers: map[string]string{
				"X-Forwarded-For": "10.0.0.1",
				"Forwarded":       "for=10.0.0.2",
				"X-Real-IP":       "10.0.0.3",
			},
			want: "203.0.113.99",
		},
		{
			name:       "trusted proxy with no headers falls back to remote",
			remoteAddr: "10.0.0.1:80",
			want:       "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, trusted))
		})
	}
}

func TestWithTrustedProxies(t *testing.T) {
	opt, err := WithTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7", "::1"})
	require.NoError(t, err)
	a := &API{}
	opt(a)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.7/32"),
		netip.MustParsePrefix("::1/128"),
	}, a.trustedProxies)

	_, err = WithTrustedProxies([]string{"10.0.0.0/8", "garbage"})
	assert.Error(t, err)
}
