package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *testClock) {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewLimiter(DefaultConfig())
	limiter.TestSetNow(clock.Now)
	return limiter, clock
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAuthLimitRejectsSixthAttempt(t *testing.T) {
	limiter, clock := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		require.True(t, limiter.Allow("1.2.3.4", ScopeAuth).Allowed, "attempt %d", i+1)
	}

	clock.Advance(5 * time.Minute)
	decision := limiter.Allow("1.2.3.4", ScopeAuth)
	require.False(t, decision.Allowed)
	// Ten minutes of the fifteen-minute window remain.
	require.Equal(t, 10*time.Minute, decision.RetryAfter)
}

func TestWindowResetStartsFresh(t *testing.T) {
	limiter, clock := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		require.True(t, limiter.Allow("1.2.3.4", ScopeAuth).Allowed)
	}
	require.False(t, limiter.Allow("1.2.3.4", ScopeAuth).Allowed)

	clock.Advance(15 * time.Minute)
	for i := 0; i < 5; i++ {
		require.True(t, limiter.Allow("1.2.3.4", ScopeAuth).Allowed, "attempt %d after reset", i+1)
	}
	require.False(t, limiter.Allow("1.2.3.4", ScopeAuth).Allowed)
}

func TestIdentitiesAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		require.True(t, limiter.Allow("1.2.3.4", ScopeAuth).Allowed)
	}
	require.False(t, limiter.Allow("1.2.3.4", ScopeAuth).Allowed)
	require.True(t, limiter.Allow("5.6.7.8", ScopeAuth).Allowed)
}

func TestScopesAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		require.True(t, limiter.Allow("1.2.3.4", ScopeAuth).Allowed)
	}
	require.False(t, limiter.Allow("1.2.3.4", ScopeAuth).Allowed)
	require.True(t, limiter.Allow("1.2.3.4", ScopeAPI).Allowed)
}

func TestCallbackDualLimits(t *testing.T) {
	limiter, clock := newTestLimiter(t)

	// Burn through the hourly budget of 30 in bursts of 10 per minute.
	for burst := 0; burst < 3; burst++ {
		for i := 0; i < 10; i++ {
			require.True(t, limiter.Allow("1.2.3.4", ScopeWalletCallback).Allowed,
				"burst %d request %d", burst+1, i+1)
		}
		require.False(t, limiter.Allow("1.2.3.4", ScopeWalletCallback).Allowed)
		clock.Advance(time.Minute)
	}

	// Minute window is fresh, but the hourly limit now binds.
	decision := limiter.Allow("1.2.3.4", ScopeWalletCallback)
	require.False(t, decision.Allowed)
	require.Equal(t, 57*time.Minute, decision.RetryAfter)
}

func TestRejectedRequestConsumesNoQuota(t *testing.T) {
	limiter, clock := newTestLimiter(t)

	// Exhaust the minute rule; the hourly counter must only record admitted
	// requests, so 20 more remain after two bursts.
	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow("1.2.3.4", ScopeWalletCallback).Allowed)
	}
	for i := 0; i < 25; i++ {
		require.False(t, limiter.Allow("1.2.3.4", ScopeWalletCallback).Allowed)
	}

	clock.Advance(time.Minute)
	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow("1.2.3.4", ScopeWalletCallback).Allowed, "request %d", i+1)
	}
}

func TestUnknownScopeIsUnlimited(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	for i := 0; i < 1000; i++ {
		require.True(t, limiter.Allow("1.2.3.4", Scope("unknown")).Allowed)
	}
}

func TestCleanupPurgesStaleWindows(t *testing.T) {
	limiter, clock := newTestLimiter(t)

	limiter.Allow("1.2.3.4", ScopeAuth)
	limiter.Allow("5.6.7.8", ScopeAPI)
	require.Len(t, limiter.windows, 2)

	clock.Advance(31 * time.Minute)
	limiter.cleanup(clock.Now())

	// The auth window (15m rule) is past double its window; the API window
	// (1m rule) even more so.
	require.Empty(t, limiter.windows)
}

func TestClientIdentity(t *testing.T) {
	t.Run("prefers forwarded-for first hop", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0.1:4455"
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
		require.Equal(t, "203.0.113.7", ClientIdentity(r))
	})

	t.Run("falls back to real-ip", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0.1:4455"
		r.Header.Set("X-Real-IP", "203.0.113.9")
		require.Equal(t, "203.0.113.9", ClientIdentity(r))
	})

	t.Run("falls back to remote addr", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "203.0.113.11:4455"
		require.Equal(t, "203.0.113.11", ClientIdentity(r))
	})
}
