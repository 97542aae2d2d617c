package handlers

import (
	"sync"
	"time"
)

type rateEntry struct {
	count   int
	resetAt time.Time
}

// simpleRateLimiter is a fixed-window in-memory limiter keyed by caller.
// It exists to stop card-collection endpoints being hammered; it is not a
// substitute for edge rate limiting.
type simpleRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu    sync.Mutex
	store map[string]rateEntry
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) *simpleRateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateEntry),
	}
}

// Allow reports whether the caller identified by key may proceed.
func (l *simpleRateLimiter) Allow(key string) bool {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneExpiredLocked(now)

	entry, ok := l.store[key]
	if !ok || now.After(entry.resetAt) {
		l.store[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.store[key] = entry
	return true
}

func (l *simpleRateLimiter) pruneExpiredLocked(now time.Time) {
	if len(l.store) < 1024 {
		return
	}
	for key, entry := range l.store {
		if now.After(entry.resetAt) {
			delete(l.store, key)
		}
	}
}
