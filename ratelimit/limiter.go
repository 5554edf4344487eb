// Package ratelimit provides fixed-window admission control for the public
// endpoints the settlement core exposes. It is approximate by design: windows
// are fixed, not sliding logs, which is acceptable for abuse dampening where
// precision is not security-critical.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"github.com/birdfund/settlement/internal/sync2"
)

// Error is the rate limiter error class.
var Error = errs.Class("ratelimit")

// Scope is an independently limited endpoint group.
type Scope string

const (
	// ScopeAuth covers login and registration endpoints.
	ScopeAuth Scope = "auth"
	// ScopeAPI covers the general API surface.
	ScopeAPI Scope = "api"
	// ScopeWalletCallback covers the public, unauthenticated wallet-connect
	// callback. It carries dual limits; both must pass.
	ScopeWalletCallback Scope = "wallet-callback"
)

// Rule is one window/limit pair.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Config maps scopes to their rules. A scope may carry several rules; a
// request is admitted only when every rule admits it.
type Config struct {
	Rules map[Scope][]Rule
	// CleanupInterval is how often stale windows are purged.
	CleanupInterval time.Duration
}

// DefaultConfig returns the deployment defaults: 5 auth attempts per 15
// minutes, 100 API requests per minute, and 10/minute plus 30/hour on the
// wallet callback.
func DefaultConfig() Config {
	return Config{
		Rules: map[Scope][]Rule{
			ScopeAuth:           {{Limit: 5, Window: 15 * time.Minute}},
			ScopeAPI:            {{Limit: 100, Window: time.Minute}},
			ScopeWalletCallback: {{Limit: 10, Window: time.Minute}, {Limit: 30, Window: time.Hour}},
		},
		CleanupInterval: 5 * time.Minute,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller should wait before retrying. Zero
	// when allowed.
	RetryAfter time.Duration
}

type windowKey struct {
	identity string
	scope    Scope
	rule     int
}

type window struct {
	count int
	start time.Time
}

// Limiter is a fixed-window counter set keyed by (identity, scope). It is an
// explicitly owned component with a defined lifecycle: construct on startup,
// Run the cleanup loop, Close on shutdown. Counters live for the process
// lifetime only.
type Limiter struct {
	mu      sync.Mutex
	windows map[windowKey]*window

	rules map[Scope][]Rule
	loop  *sync2.Cycle

	nowFn func() time.Time
}

// NewLimiter creates a limiter from config.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Rules == nil {
		cfg.Rules = def.Rules
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &Limiter{
		windows: make(map[windowKey]*window),
		rules:   cfg.Rules,
		loop:    sync2.NewCycle(cfg.CleanupInterval),
		nowFn:   time.Now,
	}
}

// TestSetNow allows tests to act as if the current time is whatever they want.
func (l *Limiter) TestSetNow(nowFn func() time.Time) {
	l.nowFn = nowFn
}

// Allow admits or rejects one request for the identity under the scope. The
// read-check-increment is a single atomic unit per call: two concurrent
// requests can never both observe "4 of 5" and both proceed. Counters for a
// multi-rule scope are only incremented when every rule admits, so a rejected
// request does not consume quota.
func (l *Limiter) Allow(identity string, scope Scope) Decision {
	rules, ok := l.rules[scope]
	if !ok || len(rules) == 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()

	var retryAfter time.Duration
	windows := make([]*window, len(rules))
	for i, rule := range rules {
		key := windowKey{identity: identity, scope: scope, rule: i}
		win, exists := l.windows[key]
		if !exists || now.Sub(win.start) >= rule.Window {
			win = &window{start: now}
			l.windows[key] = win
		}
		windows[i] = win

		if win.count+1 > rule.Limit {
			if remaining := rule.Window - now.Sub(win.start); remaining > retryAfter {
				retryAfter = remaining
			}
		}
	}

	if retryAfter > 0 {
		return Decision{RetryAfter: retryAfter}
	}
	for i := range rules {
		windows[i].count++
	}
	return Decision{Allowed: true}
}

// Run runs the background sweep purging stale windows (older than twice their
// rule's window) to bound memory.
func (l *Limiter) Run(ctx context.Context) error {
	return l.loop.Run(ctx, func(ctx context.Context) error {
		l.cleanup(l.nowFn())
		return nil
	})
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.loop.Close()
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, win := range l.windows {
		rules := l.rules[key.scope]
		if key.rule >= len(rules) {
			delete(l.windows, key)
			continue
		}
		if now.Sub(win.start) >= 2*rules[key.rule].Window {
			delete(l.windows, key)
		}
	}
}
