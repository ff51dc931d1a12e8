package processing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterMaxAge is how long an unused namespace limiter is kept.
const limiterMaxAge = 30 * time.Minute

// nsRateLimiter tracks rate limits per namespace.
type nsRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	lastEvict  time.Time
	rate       rate.Limit
	burst      int
}

func newNsRateLimiter(perMinute int) *nsRateLimiter {
	return &nsRateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		lastEvict:  time.Now(),
		rate:       rate.Limit(float64(perMinute) / 60.0),
		burst:      max(1, perMinute/10), // 10% burst, minimum 1
	}
}

// Allow reports whether one more delivery for ns fits the rate. Limiters of
// namespaces idle for limiterMaxAge are dropped along the way.
func (n *nsRateLimiter) Allow(ns string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if now.Sub(n.lastEvict) > limiterMaxAge {
		n.evictLocked(now.Add(-limiterMaxAge))
		n.lastEvict = now
	}
	limiter, exists := n.limiters[ns]
	if !exists {
		limiter = rate.NewLimiter(n.rate, n.burst)
		n.limiters[ns] = limiter
	}
	n.lastAccess[ns] = now
	return limiter.Allow()
}

// evictLocked removes namespace limiters not accessed since cutoff.
func (n *nsRateLimiter) evictLocked(cutoff time.Time) {
	for ns, last := range n.lastAccess {
		if last.Before(cutoff) {
			delete(n.limiters, ns)
			delete(n.lastAccess, ns)
		}
	}
}

func (n *nsRateLimiter) size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.limiters)
}
