package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter is a per-key token bucket used to throttle heavy HTTP endpoints per client.
type Limiter struct {
	mu       sync.Mutex
	m        map[string]*entry
	every    time.Duration
	capacity int
	idleTTL  time.Duration
	now      func() time.Time
}

// New returns a limiter that grants capacity requests in a burst and one more every refill.
func New(capacity int, refill time.Duration) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		m:        make(map[string]*entry),
		every:    refill,
		capacity: capacity,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.m[key]
	if !ok {
		l.evict(now)
		e = &entry{lim: rate.NewLimiter(rate.Every(l.every), l.capacity)}
		l.m[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// evict drops idle keys; caller holds mu.
func (l *Limiter) evict(now time.Time) {
	for k, e := range l.m {
		if now.Sub(e.seen) > l.idleTTL {
			delete(l.m, k)
		}
	}
}
