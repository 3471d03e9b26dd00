package internal

import (
	"sync"
	"time"
)

// RateLimiter is a sliding window limiter keyed by client address, used to
// throttle websocket connect attempts.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	slice := r.trim(key, now)
	if len(slice) >= r.limit {
		return false
	}
	r.hits[key] = append(slice, now)
	return true
}

// Sweep forgets keys with no hits inside the window.
func (r *RateLimiter) Sweep() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.hits {
		r.trim(key, now)
	}
}

func (r *RateLimiter) trim(key string, now time.Time) []time.Time {
	windowStart := now.Add(-r.window)
	slice := r.hits[key]
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	slice = slice[:idx]
	if len(slice) == 0 {
		delete(r.hits, key)
		return nil
	}
	r.hits[key] = slice
	return slice
}
