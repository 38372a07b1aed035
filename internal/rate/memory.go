package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a fixed-window limiter held in process memory. Good
// enough for a single instance; multi-instance deployments use the
// Redis limiter so all replicas share one window.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*window

	lastSweep  time.Time
	sweepEvery time.Duration
}

type window struct {
	count int
	reset time.Time
}

func NewMemory(limit int, windowSize time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:      limit,
		window:     windowSize,
		windows:    make(map[string]*window),
		lastSweep:  time.Now(),
		sweepEvery: windowSize,
	}
}

// Allow counts one attempt for key. Timing flows from the caller's now
// so the decision and the reported retry-after stay consistent.
func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	w, ok := l.windows[key]
	if !ok || now.After(w.reset) {
		l.windows[key] = &window{count: 1, reset: now.Add(l.window)}
		return true, 0, nil
	}
	if w.count >= l.limit {
		retryAfter := w.reset.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}
	w.count++
	return true, 0, nil
}

// sweep drops expired windows at most once per window length, keeping
// the map bounded by the set of recently active keys.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.sweepEvery {
		return
	}
	for key, w := range l.windows {
		if now.After(w.reset) {
			delete(l.windows, key)
		}
	}
	l.lastSweep = now
}
