// Package ratelimit implements the per-key sliding-window request limiters
// and the IP allow/deny access guard that sit in front of the public
// ingress handler.
package ratelimit

import (
	"sync"
	"time"

	"github.com/reverseproxy/tunnelgw/internal/timeseries"
)

// Window is the duration over which every limiter counts requests.
const Window = 60 * time.Second

// Result is the outcome of a Check call.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a sliding-window request counter keyed by an arbitrary string
// (e.g. "client:1.2.3.4", "tunnel:myapp", "global"). Each key gets its own
// rolling window so one caller's traffic never affects another's quota.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*timeseries.Window
	now     func() time.Time
}

// New creates a limiter. now defaults to time.Now; tests may override it.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*timeseries.Window),
		now:     time.Now,
	}
}

func (l *Limiter) windowFor(key string) *timeseries.Window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = timeseries.New(int64(Window))
		l.windows[key] = w
	}
	return w
}

// Check records one request against key and reports whether it is allowed
// under limit requests per Window. Remaining is monotonic within the
// current window: it only decreases as more requests land, and recovers
// only as old requests age out of the window.
func (l *Limiter) Check(key string, limit int) Result {
	w := l.windowFor(key)
	now := l.now()
	nowNS := now.UnixNano()

	count := w.Count(nowNS)
	if count >= limit {
		resetAt := now.Add(Window)
		retryAfter := Window
		if oldestNS, ok := w.Oldest(nowNS); ok {
			resetAt = time.Unix(0, oldestNS).Add(Window)
			retryAfter = resetAt.Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retryAfter}
	}

	w.Add(1, nowNS)
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: now.Add(Window)}
}
